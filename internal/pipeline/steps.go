package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/parcelworks/harvester/internal/collector"
)

// Canonical field names recognized by the alias map.
const (
	FieldParcelID      = "parcel_id"
	FieldAddress       = "address"
	FieldCity          = "city"
	FieldState         = "state"
	FieldZip           = "zip"
	FieldOwnerName     = "owner_name"
	FieldLegalDesc     = "legal_desc"
	FieldLandUse       = "land_use"
	FieldAssessedValue = "assessed_value"
	FieldMarketValue   = "market_value"
	FieldLastSalePrice = "last_sale_price"
	FieldLastSaleDate  = "last_sale_date"
	FieldYearBuilt     = "year_built"
)

var canonicalFields = map[string]struct{}{
	FieldParcelID:      {},
	FieldAddress:       {},
	FieldCity:          {},
	FieldState:         {},
	FieldZip:           {},
	FieldOwnerName:     {},
	FieldLegalDesc:     {},
	FieldLandUse:       {},
	FieldAssessedValue: {},
	FieldMarketValue:   {},
	FieldLastSalePrice: {},
	FieldLastSaleDate:  {},
	FieldYearBuilt:     {},
}

// AliasMap maps each canonical field to the source column names that may
// carry it, in priority order. Lookups are case-insensitive.
type AliasMap map[string][]string

// Validate rejects alias maps that reference unknown canonical fields or
// leave the natural key unmapped. Called at configuration load time so bad
// mappings fail before the first run.
func (m AliasMap) Validate() error {
	if len(m[FieldParcelID]) == 0 {
		return fmt.Errorf("alias map must bind %s", FieldParcelID)
	}
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if _, ok := canonicalFields[field]; !ok {
			return fmt.Errorf("unknown canonical field %q", field)
		}
		if len(m[field]) == 0 {
			return fmt.Errorf("canonical field %q has no aliases", field)
		}
	}
	return nil
}

// Lookup returns the value of the first alias present in fields for the
// canonical field name, or the empty string.
func (m AliasMap) Lookup(fields map[string]string, canonical string) string {
	return m.lookup(fields, canonical)
}

// lookup returns the first alias present in fields, in priority order.
func (m AliasMap) lookup(fields map[string]string, canonical string) string {
	for _, alias := range m[canonical] {
		for name, value := range fields {
			if strings.EqualFold(strings.TrimSpace(name), alias) && value != "" {
				return value
			}
		}
	}
	return ""
}

// DefaultAliases covers the column headings seen across county assessor and
// tax-roll sites.
func DefaultAliases() AliasMap {
	return AliasMap{
		FieldParcelID:      {"Parcel ID", "Parcel Number", "Account Number", "Account", "PIN"},
		FieldAddress:       {"Property Address", "Situs Address", "Address", "Location"},
		FieldCity:          {"City", "Situs City"},
		FieldState:         {"State"},
		FieldZip:           {"Zip", "Zip Code", "Postal Code"},
		FieldOwnerName:     {"Owner Name", "Owner", "Taxpayer Name"},
		FieldLegalDesc:     {"Legal Description", "Legal Desc", "Legal"},
		FieldLandUse:       {"Land Use", "Property Type", "Use Code"},
		FieldAssessedValue: {"Assessed Value", "Total Assessed", "Appraised Value"},
		FieldMarketValue:   {"Market Value", "Total Market", "Fair Market Value"},
		FieldLastSalePrice: {"Sale Price", "Last Sale Price", "Sales Price"},
		FieldLastSaleDate:  {"Sale Date", "Last Sale Date", "Deed Date"},
		FieldYearBuilt:     {"Year Built", "Yr Built"},
	}
}

// Standardize maps source-specific column names onto the canonical Property.
// Unrecognized or missing fields default to empty/nil; malformed numeric text
// parses to nil rather than rejecting the record. A missing natural key is
// the one fatal condition.
func Standardize(aliases AliasMap, clock collector.Clock) Step {
	return Step{
		Name: "standardize",
		Apply: func(_ context.Context, rec *Record) error {
			fields := rec.Raw.Fields
			parcelID := strings.TrimSpace(aliases.lookup(fields, FieldParcelID))
			if parcelID == "" {
				return collector.WrapError(collector.KindValidation, "standardize",
					fmt.Errorf("record has no parcel/account identifier"))
			}

			now := clock.Now()
			rec.Property = &collector.Property{
				ParcelID:      parcelID,
				Address:       aliases.lookup(fields, FieldAddress),
				City:          aliases.lookup(fields, FieldCity),
				State:         strings.ToUpper(strings.TrimSpace(aliases.lookup(fields, FieldState))),
				Zip:           aliases.lookup(fields, FieldZip),
				OwnerName:     aliases.lookup(fields, FieldOwnerName),
				LegalDesc:     aliases.lookup(fields, FieldLegalDesc),
				LandUse:       aliases.lookup(fields, FieldLandUse),
				AssessedValue: ParseCurrency(aliases.lookup(fields, FieldAssessedValue)),
				MarketValue:   ParseCurrency(aliases.lookup(fields, FieldMarketValue)),
				LastSalePrice: ParseCurrency(aliases.lookup(fields, FieldLastSalePrice)),
				LastSaleDate:  ParseDate(aliases.lookup(fields, FieldLastSaleDate)),
				YearBuilt:     ParseYear(aliases.lookup(fields, FieldYearBuilt)),
				SourceID:      rec.Raw.SourceID,
				CollectedAt:   now,
				UpdatedAt:     now,
				Raw:           fields,
			}
			if rec.Property.State == "" {
				rec.Property.State = strings.ToUpper(rec.Source.State)
			}
			return nil
		},
	}
}

var addressSuffixes = map[string]string{
	"STREET":    "ST",
	"AVENUE":    "AVE",
	"BOULEVARD": "BLVD",
	"DRIVE":     "DR",
	"LANE":      "LN",
	"ROAD":      "RD",
	"COURT":     "CT",
	"CIRCLE":    "CIR",
	"PLACE":     "PL",
	"HIGHWAY":   "HWY",
}

// NormalizeAddress uppercases the situs address, collapses whitespace, and
// abbreviates common street suffixes so records from different sources
// compare equal.
func NormalizeAddress() Step {
	return Step{
		Name: "normalize-address",
		Apply: func(_ context.Context, rec *Record) error {
			if rec.Property == nil {
				return fmt.Errorf("record not standardized")
			}
			words := strings.Fields(strings.ToUpper(rec.Property.Address))
			for i, word := range words {
				trimmed := strings.TrimRight(word, ".,")
				if abbr, ok := addressSuffixes[trimmed]; ok {
					words[i] = abbr
				} else {
					words[i] = trimmed
				}
			}
			rec.Property.Address = strings.Join(words, " ")
			return nil
		},
	}
}

// Geocoder resolves an address into coordinates. Implementations are external
// lookups; the step itself is deterministic given the same answers.
type Geocoder interface {
	Geocode(ctx context.Context, address, city, state, zip string) (lat, lng float64, ok bool, err error)
}

// Geocode attaches coordinates when a geocoder is configured. A nil geocoder
// makes this a no-op; a geocoder error rejects only the current record.
func Geocode(geocoder Geocoder) Step {
	return Step{
		Name: "geocode",
		Apply: func(ctx context.Context, rec *Record) error {
			if geocoder == nil || rec.Property == nil || rec.Property.Address == "" {
				return nil
			}
			lat, lng, ok, err := geocoder.Geocode(ctx, rec.Property.Address, rec.Property.City, rec.Property.State, rec.Property.Zip)
			if err != nil {
				return collector.WrapError(collector.KindUnknown, "geocode", err)
			}
			if ok {
				rec.Property.Latitude = &lat
				rec.Property.Longitude = &lng
			}
			return nil
		},
	}
}

// FuzzyDedupe rejects records whose natural key, or whose normalized
// address+owner pair, was already seen in this batch. The step carries
// per-batch state, so construct a fresh pipeline per run.
func FuzzyDedupe() Step {
	seenParcels := make(map[string]struct{})
	seenSitus := make(map[string]struct{})
	return Step{
		Name: "fuzzy-dedupe",
		Apply: func(_ context.Context, rec *Record) error {
			if rec.Property == nil {
				return fmt.Errorf("record not standardized")
			}
			parcelKey := strings.ToUpper(strings.TrimSpace(rec.Property.ParcelID))
			if _, dup := seenParcels[parcelKey]; dup {
				return collector.WrapError(collector.KindValidation, "fuzzy-dedupe",
					fmt.Errorf("duplicate parcel %s in batch", rec.Property.ParcelID))
			}
			seenParcels[parcelKey] = struct{}{}

			if rec.Property.Address != "" && rec.Property.OwnerName != "" {
				situsKey := rec.Property.Address + "|" + strings.ToUpper(rec.Property.OwnerName)
				if _, dup := seenSitus[situsKey]; dup {
					return collector.WrapError(collector.KindValidation, "fuzzy-dedupe",
						fmt.Errorf("duplicate situs/owner pair for parcel %s", rec.Property.ParcelID))
				}
				seenSitus[situsKey] = struct{}{}
			}
			return nil
		},
	}
}

var stateRE = regexp.MustCompile(`^[A-Z]{2}$`)

// Validate enforces the canonical schema checks before persistence.
func Validate() Step {
	return Step{
		Name: "validate",
		Apply: func(_ context.Context, rec *Record) error {
			p := rec.Property
			if p == nil {
				return fmt.Errorf("record not standardized")
			}
			if p.ParcelID == "" {
				return collector.WrapError(collector.KindValidation, "validate", fmt.Errorf("empty parcel id"))
			}
			if p.State != "" && !stateRE.MatchString(p.State) {
				return collector.WrapError(collector.KindValidation, "validate",
					fmt.Errorf("invalid state code %q", p.State))
			}
			for name, v := range map[string]*float64{
				"assessed_value":  p.AssessedValue,
				"market_value":    p.MarketValue,
				"last_sale_price": p.LastSalePrice,
			} {
				if v != nil && *v < 0 {
					return collector.WrapError(collector.KindValidation, "validate",
						fmt.Errorf("negative %s for parcel %s", name, p.ParcelID))
				}
			}
			return nil
		},
	}
}

var nonNumericRE = regexp.MustCompile(`[^0-9.\-]`)

// ParseCurrency strips currency symbols, thousands separators and stray text
// before parsing. Returns nil on failure rather than an error: a malformed
// value must never reject the whole record.
func ParseCurrency(s string) *float64 {
	cleaned := nonNumericRE.ReplaceAllString(s, "")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseYear parses a four-digit year, nil on failure.
func ParseYear(s string) *int {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return nil
	}
	y, err := strconv.Atoi(cleaned)
	if err != nil || y < 1600 || y > 2200 {
		return nil
	}
	return &y
}

var dateLayouts = []string{"01/02/2006", "1/2/2006", "2006-01-02", "Jan 2, 2006"}

// ParseDate tries the date layouts seen on assessor sites, nil on failure.
func ParseDate(s string) *time.Time {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
