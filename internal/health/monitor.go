// Package health summarizes recent collection runs into per-source statistics
// and an overall service verdict.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
)

// Status is the overall service verdict.
type Status string

// Verdicts, from best to worst.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Severity orders issues in a report.
type Severity string

// Issue severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue categories.
const (
	IssueNoCollector    = "no_collector"
	IssueSourceError    = "source_error"
	IssueLowSuccessRate = "low_success_rate"
	IssueRunFailures    = "run_failures"
)

// Issue is one problem surfaced by a health check.
type Issue struct {
	SourceID string    `json:"source_id"`
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// SourceStats aggregates the run history of one source over a lookback
// window.
type SourceStats struct {
	SourceID      string     `json:"source_id"`
	RunCount      int        `json:"run_count"`
	SuccessCount  int        `json:"success_count"`
	FailureCount  int        `json:"failure_count"`
	SuccessRate   float64    `json:"success_rate"`
	AvgDurationMs int64      `json:"avg_duration_ms"`
	AvgItems      float64    `json:"avg_items"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastStatus    string     `json:"last_status,omitempty"`
}

// Report is the result of one health check.
type Report struct {
	Status         Status        `json:"status"`
	CheckedAt      time.Time     `json:"checked_at"`
	CollectorCount int           `json:"collector_count"`
	SourceCount    int           `json:"source_count"`
	Issues         []Issue       `json:"issues,omitempty"`
	Sources        []SourceStats `json:"sources,omitempty"`
}

// Registry exposes the registered collector definitions. Satisfied by the
// manager.
type Registry interface {
	Definitions() []collector.Definition
}

// Monitor cross-checks registered collectors, configured sources, and the run
// ledger to produce health summaries.
type Monitor struct {
	store    collector.Store
	registry Registry
	clock    collector.Clock
	logger   *zap.Logger
}

// New constructs a Monitor.
func New(store collector.Store, registry Registry, clock collector.Clock, logger *zap.Logger) (*Monitor, error) {
	if store == nil || registry == nil || clock == nil {
		return nil, fmt.Errorf("store, registry and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, registry: registry, clock: clock, logger: logger}, nil
}

// RunStats aggregates the runs of one source over the lookback window.
// Partial runs count toward the success rate: records were persisted.
func (m *Monitor) RunStats(ctx context.Context, sourceID string, lookback time.Duration) (SourceStats, error) {
	since := m.clock.Now().Add(-lookback)
	runs, err := m.store.ListRuns(ctx, sourceID, since)
	if err != nil {
		return SourceStats{}, fmt.Errorf("list runs: %w", err)
	}
	return aggregate(sourceID, runs), nil
}

// Check inspects every source's runs over the lookback window and produces a
// verdict with the issues ordered by severity, then recency. A source served
// by no registered collector is a critical issue: it can never collect.
func (m *Monitor) Check(ctx context.Context, lookback time.Duration) (Report, error) {
	now := m.clock.Now()
	report := Report{Status: StatusHealthy, CheckedAt: now}

	defs := m.registry.Definitions()
	report.CollectorCount = len(defs)
	served := make(map[string]bool, len(defs))
	for _, def := range defs {
		served[def.ID] = true
		for _, st := range def.SourceTypes {
			served[st] = true
		}
	}

	sources, err := m.store.ListSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sources: %w", err)
	}
	report.SourceCount = len(sources)

	since := now.Add(-lookback)
	runs, err := m.store.ListRecentRuns(ctx, since)
	if err != nil {
		return Report{}, fmt.Errorf("list recent runs: %w", err)
	}
	bySource := make(map[string][]collector.CollectionRun)
	for _, run := range runs {
		bySource[run.SourceID] = append(bySource[run.SourceID], run)
	}

	failingSources := 0
	activeSources := 0
	for _, src := range sources {
		if src.Status == collector.SourceStatusInactive {
			continue
		}
		activeSources++

		stats := aggregate(src.ID, bySource[src.ID])
		report.Sources = append(report.Sources, stats)

		switch {
		case !served[src.CollectorType] && !served[src.SourceType]:
			failingSources++
			report.Issues = append(report.Issues, Issue{
				SourceID: src.ID,
				Type:     IssueNoCollector,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("no registered collector serves source type %q", src.SourceType),
				At:       lastRunTime(stats, now),
			})
		case src.Status == collector.SourceStatusError:
			failingSources++
			report.Issues = append(report.Issues, Issue{
				SourceID: src.ID,
				Type:     IssueSourceError,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("source in error state: %s", src.ErrorMessage),
				At:       lastRunTime(stats, now),
			})
		case stats.RunCount > 0 && stats.SuccessRate < 0.5:
			failingSources++
			report.Issues = append(report.Issues, Issue{
				SourceID: src.ID,
				Type:     IssueLowSuccessRate,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("success rate %.0f%% over the last %s", stats.SuccessRate*100, lookback),
				At:       lastRunTime(stats, now),
			})
		case stats.RunCount > 0 && stats.FailureCount > 0:
			report.Issues = append(report.Issues, Issue{
				SourceID: src.ID,
				Type:     IssueRunFailures,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%d of %d runs failed", stats.FailureCount, stats.RunCount),
				At:       lastRunTime(stats, now),
			})
		}
	}

	sort.SliceStable(report.Issues, func(i, j int) bool {
		a, b := report.Issues[i], report.Issues[j]
		if a.Severity != b.Severity {
			return a.Severity == SeverityCritical
		}
		return a.At.After(b.At)
	})

	switch {
	case activeSources > 0 && failingSources == activeSources:
		report.Status = StatusUnhealthy
	case failingSources > 0 || len(report.Issues) > 0:
		report.Status = StatusDegraded
	}
	return report, nil
}

func aggregate(sourceID string, runs []collector.CollectionRun) SourceStats {
	stats := SourceStats{SourceID: sourceID, RunCount: len(runs)}
	if len(runs) == 0 {
		return stats
	}

	var totalDuration int64
	var totalItems int
	for _, run := range runs {
		totalDuration += run.Stats.DurationMs
		totalItems += run.Stats.ItemCount
		if run.Status == collector.RunStatusError {
			stats.FailureCount++
		} else {
			stats.SuccessCount++
		}
	}
	stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.RunCount)
	stats.AvgDurationMs = totalDuration / int64(stats.RunCount)
	stats.AvgItems = float64(totalItems) / float64(stats.RunCount)

	// Ledger queries return newest first.
	latest := runs[0]
	stats.LastRunAt = &latest.StartedAt
	stats.LastStatus = string(latest.Status)
	return stats
}

func lastRunTime(stats SourceStats, fallback time.Time) time.Time {
	if stats.LastRunAt != nil {
		return *stats.LastRunAt
	}
	return fallback
}
