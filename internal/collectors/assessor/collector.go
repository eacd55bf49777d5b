// Package assessor implements the collector for county assessor and tax-roll
// listing pages. Collection runs in two phases: the index page yields one raw
// record per table row, and an optional detail page per record enriches the
// row before normalization.
package assessor

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/markup"
	"github.com/parcelworks/harvester/internal/pipeline"
)

// DefinitionID is the stable registry key for this collector.
const DefinitionID = "assessor"

// SourceTypes this collector serves.
var SourceTypes = []string{"county-assessor", "tax-roll"}

// Metadata keys recognized on a DataSource.
const (
	// MetaDetailURL is a template for phase-two detail fetches. {district}
	// and {account} are substituted from the row's parcel identifier.
	MetaDetailURL = "detail_url"
	// MetaRender set to "headless" routes fetches through the browser
	// fetcher for script-rendered sources.
	MetaRender = "render"
)

var stateCodeRE = regexp.MustCompile(`^[A-Za-z]{2}$`)

// Config carries the tunables for one collector instance.
type Config struct {
	// Aliases maps source column headings onto canonical fields. Defaults
	// to pipeline.DefaultAliases.
	Aliases pipeline.AliasMap
	// DetailDelay is the mandatory pause between consecutive detail-page
	// fetches. Zero disables the pause.
	DetailDelay time.Duration
}

// Deps are the collaborators injected at construction. Fetcher, Store and
// Clock are required; the rest are optional.
type Deps struct {
	Fetcher  collector.Fetcher
	Headless collector.Fetcher
	Prober   collector.Prober
	Store    collector.Store
	Blobs    collector.BlobStore
	Clock    collector.Clock
	Geocoder pipeline.Geocoder
	Logger   *zap.Logger
}

// Collector scrapes property listings from assessor-style table pages.
type Collector struct {
	cfg  Config
	deps Deps
}

// New validates the configuration and constructs a Collector.
func New(cfg Config, deps Deps) (*Collector, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Aliases == nil {
		cfg.Aliases = pipeline.DefaultAliases()
	}
	if err := cfg.Aliases.Validate(); err != nil {
		return nil, fmt.Errorf("alias map: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, deps: deps}, nil
}

// Definition wraps the collector for registration.
func (c *Collector) Definition() collector.Definition {
	return collector.Definition{
		ID:          DefinitionID,
		Name:        "County Assessor Collector",
		SourceTypes: SourceTypes,
		Collector:   c,
	}
}

// Validate checks that the source is one this collector can serve and that
// the remote endpoint answers. It never mutates stored state.
func (c *Collector) Validate(ctx context.Context, src collector.DataSource) error {
	if !c.serves(src.SourceType) {
		return collector.WrapError(collector.KindValidation, "validate source",
			fmt.Errorf("unsupported source type %q", src.SourceType))
	}
	u, err := url.Parse(src.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return collector.WrapError(collector.KindValidation, "validate source",
			fmt.Errorf("invalid source url %q", src.URL))
	}
	if !stateCodeRE.MatchString(src.State) {
		return collector.WrapError(collector.KindValidation, "validate source",
			fmt.Errorf("invalid state code %q", src.State))
	}
	if src.County == "" {
		return collector.WrapError(collector.KindValidation, "validate source",
			fmt.Errorf("county is required"))
	}
	if !src.Schedule.Frequency.Valid() {
		return collector.WrapError(collector.KindValidation, "validate source",
			fmt.Errorf("invalid schedule frequency %q", src.Schedule.Frequency))
	}
	if c.deps.Prober != nil {
		if err := c.deps.Prober.Probe(ctx, src.URL); err != nil {
			return collector.WrapError(collector.KindConnection, "probe source", err)
		}
	}
	return nil
}

// Execute runs one collection against src. Operational failures (connection,
// parsing, per-record problems) are reported inside the Result; an error is
// returned only for misuse, such as a source this collector does not serve.
func (c *Collector) Execute(ctx context.Context, src collector.DataSource) (collector.Result, error) {
	if !c.serves(src.SourceType) {
		return collector.Result{}, collector.WrapError(collector.KindValidation, "execute",
			fmt.Errorf("unsupported source type %q", src.SourceType))
	}

	start := c.deps.Clock.Now()
	result := collector.Result{SourceID: src.ID, Timestamp: start}
	log := c.deps.Logger.With(zap.String("source_id", src.ID))

	fetcher := c.fetcherFor(src)
	page, err := fetcher.Fetch(ctx, src.URL)
	if err != nil {
		result.Message = "index fetch failed"
		result.Errors = c.appendError(result.Errors, fmt.Sprintf("fetch %s: %v", src.URL, err))
		return result, nil
	}

	result.RawArtifactURI = c.storeArtifact(ctx, log, src, start, page.Body)

	table, err := markup.FirstTable(page.Body)
	if err != nil {
		result.Message = "index parse failed"
		result.Errors = c.appendError(result.Errors, fmt.Sprintf("parse %s: %v", src.URL,
			collector.WrapError(collector.KindParsing, "parse index", err)))
		return result, nil
	}

	records := make([]pipeline.Record, 0, len(table.Rows))
	for _, row := range table.Rows {
		records = append(records, pipeline.Record{
			Source: src,
			Raw:    collector.RawRecord{SourceID: src.ID, Fields: row},
		})
	}
	result.ItemCount = len(records)

	if tmpl := src.Metadata[MetaDetailURL]; tmpl != "" {
		result.Errors = append(result.Errors, c.enrich(ctx, log, fetcher, tmpl, records)...)
	}

	normalized, failures := c.buildPipeline(log).Run(ctx, records)
	for _, f := range failures {
		result.Errors = c.appendError(result.Errors, f.Error())
	}

	for _, rec := range normalized {
		id, err := c.deps.Store.UpsertProperty(ctx, rec.Property)
		if err != nil {
			log.Warn("property upsert failed",
				zap.String("parcel_id", rec.Property.ParcelID), zap.Error(err))
			result.Errors = c.appendError(result.Errors,
				fmt.Sprintf("upsert parcel %s: %v", rec.Property.ParcelID, err))
			continue
		}
		result.SavedIDs = append(result.SavedIDs, id)
	}

	// Only index-phase failures fail a run; row-level problems stay in the
	// error log and the run reports what it managed to save.
	result.Success = true
	result.Message = fmt.Sprintf("saved %d of %d records", len(result.SavedIDs), result.ItemCount)
	log.Info("collection finished",
		zap.Int("items", result.ItemCount),
		zap.Int("saved", len(result.SavedIDs)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// enrich performs the phase-two detail fetch for each record, pausing between
// requests. A failed detail fetch keeps the unenriched index row.
func (c *Collector) enrich(ctx context.Context, log *zap.Logger, fetcher collector.Fetcher, tmpl string, records []pipeline.Record) []collector.RunError {
	var errs []collector.RunError
	for i := range records {
		parcel := c.cfg.Aliases.Lookup(records[i].Raw.Fields, pipeline.FieldParcelID)
		if parcel == "" {
			continue
		}
		if i > 0 && c.cfg.DetailDelay > 0 {
			if err := c.pause(ctx); err != nil {
				errs = c.appendError(errs, fmt.Sprintf("detail fetch aborted: %v", err))
				return errs
			}
		}

		district, account := splitParcel(parcel)
		detailURL := strings.NewReplacer(
			"{district}", url.PathEscape(district),
			"{account}", url.PathEscape(account),
		).Replace(tmpl)

		page, err := fetcher.Fetch(ctx, detailURL)
		if err != nil {
			log.Warn("detail fetch failed", zap.String("parcel_id", parcel), zap.Error(err))
			errs = c.appendError(errs, fmt.Sprintf("detail %s: %v", parcel, err))
			continue
		}
		details, err := markup.ParseKeyValues(page.Body)
		if err != nil {
			log.Warn("detail parse failed", zap.String("parcel_id", parcel), zap.Error(err))
			errs = c.appendError(errs, fmt.Sprintf("detail %s: %v", parcel,
				collector.WrapError(collector.KindParsing, "parse detail", err)))
			continue
		}
		for k, v := range details {
			if v != "" {
				records[i].Raw.Fields[k] = v
			}
		}
	}
	return errs
}

// pause blocks for the configured delay, honoring context cancellation.
func (c *Collector) pause(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.DetailDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Collector) buildPipeline(log *zap.Logger) *pipeline.Pipeline {
	// FuzzyDedupe keeps per-batch state, so the pipeline is rebuilt per run.
	return pipeline.New(c.deps.Clock, nil, log,
		pipeline.Standardize(c.cfg.Aliases, c.deps.Clock),
		pipeline.NormalizeAddress(),
		pipeline.Geocode(c.deps.Geocoder),
		pipeline.FuzzyDedupe(),
		pipeline.Validate(),
	)
}

// storeArtifact writes the raw index page for later reprocessing. Artifact
// failures are logged and never fail the run.
func (c *Collector) storeArtifact(ctx context.Context, log *zap.Logger, src collector.DataSource, start time.Time, body []byte) string {
	if c.deps.Blobs == nil {
		return ""
	}
	path := fmt.Sprintf("raw/%s/%s.html", src.ID, start.UTC().Format("20060102T150405Z"))
	uri, err := c.deps.Blobs.PutObject(ctx, path, "text/html", body)
	if err != nil {
		log.Warn("raw artifact write failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (c *Collector) appendError(errs []collector.RunError, msg string) []collector.RunError {
	return append(errs, collector.RunError{Message: msg, Timestamp: c.deps.Clock.Now()})
}

func (c *Collector) serves(sourceType string) bool {
	for _, st := range SourceTypes {
		if st == sourceType {
			return true
		}
	}
	return false
}

func (c *Collector) fetcherFor(src collector.DataSource) collector.Fetcher {
	if src.Metadata[MetaRender] == "headless" && c.deps.Headless != nil {
		return c.deps.Headless
	}
	return c.deps.Fetcher
}

// splitParcel derives the {district}/{account} pair for detail URLs. Parcel
// numbers like "12-0001" split at the first dash; undashed numbers use the
// first two characters as the district.
func splitParcel(parcel string) (district, account string) {
	if i := strings.Index(parcel, "-"); i > 0 {
		return parcel[:i], parcel[i+1:]
	}
	if len(parcel) > 2 {
		return parcel[:2], parcel[2:]
	}
	return parcel, parcel
}
