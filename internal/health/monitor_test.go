package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeRegistry struct {
	defs []collector.Definition
}

func (r *fakeRegistry) Definitions() []collector.Definition {
	return r.defs
}

var testNow = time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, store *memory.Store) *Monitor {
	t.Helper()
	registry := &fakeRegistry{defs: []collector.Definition{
		{ID: "assessor", SourceTypes: []string{"county-assessor"}},
	}}
	m, err := New(store, registry, &fakeClock{now: testNow}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func addSource(t *testing.T, store *memory.Store, id string, status collector.SourceStatus, errMsg string) {
	t.Helper()
	require.NoError(t, store.SaveSource(context.Background(), collector.DataSource{
		ID:           id,
		Name:         id,
		SourceType:   "county-assessor",
		Status:       status,
		ErrorMessage: errMsg,
	}))
}

func addRuns(t *testing.T, store *memory.Store, sourceID string, statuses ...collector.RunStatus) {
	t.Helper()
	for i, status := range statuses {
		require.NoError(t, store.AppendRun(context.Background(), collector.CollectionRun{
			ID:        fmt.Sprintf("%s-run-%d", sourceID, i),
			SourceID:  sourceID,
			StartedAt: testNow.Add(-time.Duration(len(statuses)-i) * time.Hour),
			Status:    status,
			Stats: collector.RunStats{
				DurationMs: 1000,
				ItemCount:  10,
			},
		}))
	}
}

func TestRunStatsSuccessRate(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	// 7 successes (one partial counts as success) and 3 failures.
	addRuns(t, store, "src-1",
		collector.RunStatusSuccess, collector.RunStatusSuccess, collector.RunStatusSuccess,
		collector.RunStatusSuccess, collector.RunStatusSuccess, collector.RunStatusSuccess,
		collector.RunStatusPartial,
		collector.RunStatusError, collector.RunStatusError, collector.RunStatusError,
	)

	stats, err := m.RunStats(context.Background(), "src-1", 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 10, stats.RunCount)
	require.Equal(t, 7, stats.SuccessCount)
	require.Equal(t, 3, stats.FailureCount)
	require.InDelta(t, 0.7, stats.SuccessRate, 0.001)
	require.Equal(t, int64(1000), stats.AvgDurationMs)
	require.InDelta(t, 10.0, stats.AvgItems, 0.001)
	require.Equal(t, string(collector.RunStatusError), stats.LastStatus)
}

func TestRunStatsRespectsLookback(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	require.NoError(t, store.AppendRun(context.Background(), collector.CollectionRun{
		ID:        "old",
		SourceID:  "src-1",
		StartedAt: testNow.Add(-48 * time.Hour),
		Status:    collector.RunStatusError,
	}))
	addRuns(t, store, "src-1", collector.RunStatusSuccess)

	stats, err := m.RunStats(context.Background(), "src-1", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.RunCount, "runs outside the window are ignored")
	require.Equal(t, 0, stats.FailureCount)
}

func TestCheckHealthy(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	addSource(t, store, "src-1", collector.SourceStatusActive, "")
	addRuns(t, store, "src-1", collector.RunStatusSuccess, collector.RunStatusSuccess)

	report, err := m.Check(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Status)
	require.Empty(t, report.Issues)
	require.Len(t, report.Sources, 1)
	require.Equal(t, 1, report.CollectorCount)
}

func TestCheckFlagsSourceWithoutCollector(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	addSource(t, store, "covered", collector.SourceStatusActive, "")
	addRuns(t, store, "covered", collector.RunStatusSuccess)

	// No registered collector claims septic-permits; the source can never
	// collect and must surface as critical even though its runs look fine.
	require.NoError(t, store.SaveSource(context.Background(), collector.DataSource{
		ID:         "orphaned",
		Name:       "orphaned",
		SourceType: "septic-permits",
		Status:     collector.SourceStatusActive,
	}))

	report, err := m.Check(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Issues, 1)
	require.Equal(t, "orphaned", report.Issues[0].SourceID)
	require.Equal(t, IssueNoCollector, report.Issues[0].Type)
	require.Equal(t, SeverityCritical, report.Issues[0].Severity)
	require.Contains(t, report.Issues[0].Message, "septic-permits")
}

func TestCheckDegradedOrdersIssues(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	addSource(t, store, "broken", collector.SourceStatusError, "connection refused")
	addRuns(t, store, "broken", collector.RunStatusError)

	addSource(t, store, "flaky", collector.SourceStatusActive, "")
	addRuns(t, store, "flaky", collector.RunStatusSuccess, collector.RunStatusSuccess, collector.RunStatusError)

	addSource(t, store, "fine", collector.SourceStatusActive, "")
	addRuns(t, store, "fine", collector.RunStatusSuccess)

	report, err := m.Check(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Issues, 2)
	require.Equal(t, SeverityCritical, report.Issues[0].Severity)
	require.Equal(t, "broken", report.Issues[0].SourceID)
	require.Equal(t, IssueSourceError, report.Issues[0].Type)
	require.Equal(t, SeverityWarning, report.Issues[1].Severity)
	require.Equal(t, "flaky", report.Issues[1].SourceID)
	require.Equal(t, IssueRunFailures, report.Issues[1].Type)
}

func TestCheckUnhealthyWhenAllActiveSourcesFail(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	addSource(t, store, "a", collector.SourceStatusError, "boom")
	addSource(t, store, "b", collector.SourceStatusError, "bang")
	addSource(t, store, "paused", collector.SourceStatusInactive, "")

	report, err := m.Check(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, StatusUnhealthy, report.Status)
}

func TestCheckLowSuccessRateIsCritical(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	m := newTestMonitor(t, store)

	addSource(t, store, "failing", collector.SourceStatusActive, "")
	addRuns(t, store, "failing",
		collector.RunStatusError, collector.RunStatusError, collector.RunStatusError,
		collector.RunStatusSuccess,
	)
	addSource(t, store, "fine", collector.SourceStatusActive, "")

	report, err := m.Check(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Issues, 1)
	require.Equal(t, SeverityCritical, report.Issues[0].Severity)
	require.Equal(t, IssueLowSuccessRate, report.Issues[0].Type)
	require.Contains(t, report.Issues[0].Message, "success rate 25%")
}
