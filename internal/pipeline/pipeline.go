// Package pipeline applies ordered normalization steps to scraped records.
// The driver isolates failures per record: one bad record is reported to the
// error sink and skipped, never stalling the batch.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
)

// Record is the unit flowing through the pipeline. Standardization populates
// Property from Raw; later steps refine Property in place.
type Record struct {
	Source   collector.DataSource
	Raw      collector.RawRecord
	Property *collector.Property
}

// Key returns a best-effort identifier for error reporting.
func (r Record) Key() string {
	if r.Property != nil && r.Property.ParcelID != "" {
		return r.Property.ParcelID
	}
	for _, field := range []string{"parcel_id", "account", "Account Number", "Account"} {
		if v := r.Raw.Fields[field]; v != "" {
			return v
		}
	}
	return ""
}

// Step is one named transformation. Apply mutates the record in place and
// returns an error to reject it.
type Step struct {
	Name  string
	Apply func(ctx context.Context, rec *Record) error
}

// Failure describes one record rejected by one step.
type Failure struct {
	SourceID string
	Key      string
	Step     string
	Err      error
	At       time.Time
}

func (f Failure) Error() string {
	return fmt.Sprintf("step %s: record %q: %v", f.Step, f.Key, f.Err)
}

// Sink receives per-record failures as they happen.
type Sink interface {
	Consume(ctx context.Context, failure Failure)
}

// Pipeline runs an ordered list of steps over a batch of records.
type Pipeline struct {
	steps  []Step
	sink   Sink
	clock  collector.Clock
	logger *zap.Logger
}

// New constructs a Pipeline. A nil sink discards failures (they are still
// returned from Run); a nil logger is replaced with a no-op.
func New(clock collector.Clock, sink Sink, logger *zap.Logger, steps ...Step) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		steps:  steps,
		sink:   sink,
		clock:  clock,
		logger: logger,
	}
}

// Run applies every step to every record. Records that fail a step are
// excluded from the output and reported; the rest continue. Given identical
// external lookups, Run is deterministic.
func (p *Pipeline) Run(ctx context.Context, records []Record) ([]Record, []Failure) {
	out := make([]Record, 0, len(records))
	var failures []Failure

	for i := range records {
		rec := records[i]
		if err := p.runSteps(ctx, &rec); err != nil {
			failure := Failure{
				SourceID: rec.Raw.SourceID,
				Key:      rec.Key(),
				Step:     stepName(err),
				Err:      err,
				At:       p.clock.Now(),
			}
			failures = append(failures, failure)
			if p.sink != nil {
				p.sink.Consume(ctx, failure)
			}
			p.logger.Debug("record rejected",
				zap.String("source_id", failure.SourceID),
				zap.String("record", failure.Key),
				zap.String("step", failure.Step),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, failures
}

func (p *Pipeline) runSteps(ctx context.Context, rec *Record) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
		if err := step.Apply(ctx, rec); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}
	}
	return nil
}

// StepError tags a failure with the step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepName(err error) string {
	if se, ok := err.(*StepError); ok {
		return se.Step
	}
	return ""
}
