package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/health"
	"github.com/parcelworks/harvester/internal/storage/memory"
)

type fakeRunner struct {
	addErr  error
	execErr error
	run     collector.CollectionRun
	added   []collector.DataSource
}

func (r *fakeRunner) AddSource(_ context.Context, src collector.DataSource) error {
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, src)
	return nil
}

func (r *fakeRunner) ExecuteCollection(_ context.Context, sourceID string) (collector.CollectionRun, error) {
	if r.execErr != nil {
		return collector.CollectionRun{}, r.execErr
	}
	run := r.run
	run.SourceID = sourceID
	return run, nil
}

type fakeDueRunner struct {
	runs []collector.CollectionRun
}

func (r *fakeDueRunner) RunDue(context.Context) []collector.CollectionRun {
	return r.runs
}

type fakeChecker struct {
	report health.Report
	err    error
}

func (c *fakeChecker) Check(context.Context, time.Duration) (health.Report, error) {
	return c.report, c.err
}

func newTestServer(t *testing.T, store collector.Store, runner *fakeRunner, due *fakeDueRunner, checker *fakeChecker) *httptest.Server {
	t.Helper()
	if runner == nil {
		runner = &fakeRunner{}
	}
	if due == nil {
		due = &fakeDueRunner{}
	}
	if checker == nil {
		checker = &fakeChecker{report: health.Report{Status: health.StatusHealthy}}
	}
	srv := NewServer(store, runner, due, checker, zap.NewNop(), Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthzAndReadyz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, memory.NewStore(), nil, nil, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, memory.NewStore(), nil, nil, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndListSources(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	runner := &fakeRunner{}
	ts := newTestServer(t, store, runner, nil, nil)

	body := `{
		"id": "tx-hidalgo-assessor",
		"name": "Hidalgo County Assessor",
		"source_type": "county-assessor",
		"url": "https://example.gov/roll",
		"state": "TX",
		"county": "Hidalgo",
		"collector_type": "assessor",
		"schedule": {"frequency": "daily"}
	}`
	resp, err := http.Post(ts.URL+"/v1/sources", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	decodeBody(t, resp, &created)
	require.Equal(t, "tx-hidalgo-assessor", created["source_id"])

	require.Len(t, runner.added, 1)
	require.Equal(t, collector.SourceStatusActive, runner.added[0].Status, "status defaults to active")

	// The fake runner does not persist, so seed the store for the list.
	require.NoError(t, store.SaveSource(context.Background(), runner.added[0]))

	resp, err = http.Get(ts.URL + "/v1/sources")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &listed)
	require.Equal(t, 1, listed.Count)
}

func TestCreateSourceRejectsInvalid(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{addErr: fmt.Errorf("source rejected: invalid url")}
	ts := newTestServer(t, memory.NewStore(), runner, nil, nil)

	resp, err := http.Post(ts.URL+"/v1/sources", "application/json", strings.NewReader(`{"id":"x"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/v1/sources", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCollectEndpoint(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{run: collector.CollectionRun{
		ID:     "run-1",
		Status: collector.RunStatusSuccess,
		Stats:  collector.RunStats{ItemCount: 3, SuccessCount: 3},
	}}
	ts := newTestServer(t, memory.NewStore(), runner, nil, nil)

	resp, err := http.Post(ts.URL+"/v1/sources/src-1/collect", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Run collector.CollectionRun `json:"run"`
	}
	decodeBody(t, resp, &payload)
	require.Equal(t, "run-1", payload.Run.ID)
	require.Equal(t, "src-1", payload.Run.SourceID)
}

func TestCollectUnknownSource(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{execErr: fmt.Errorf("source missing not found")}
	ts := newTestServer(t, memory.NewStore(), runner, nil, nil)

	resp, err := http.Post(ts.URL+"/v1/sources/missing/collect", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	require.NoError(t, store.SaveSource(context.Background(), collector.DataSource{ID: "src-1", Name: "Src"}))
	require.NoError(t, store.AppendRun(context.Background(), collector.CollectionRun{
		ID:        "run-1",
		SourceID:  "src-1",
		StartedAt: time.Now().UTC().Add(-time.Hour),
		Status:    collector.RunStatusSuccess,
	}))
	ts := newTestServer(t, store, nil, nil, nil)

	resp, err := http.Get(ts.URL + "/v1/sources/src-1/runs?hours=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &payload)
	require.Equal(t, 1, payload.Count)

	resp, err = http.Get(ts.URL + "/v1/sources/src-1/runs?hours=abc")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/sources/missing/runs")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRunDueEndpoint(t *testing.T) {
	t.Parallel()

	due := &fakeDueRunner{runs: []collector.CollectionRun{
		{ID: "run-1", SourceID: "a", Status: collector.RunStatusSuccess},
		{ID: "run-2", SourceID: "b", Status: collector.RunStatusError},
	}}
	ts := newTestServer(t, memory.NewStore(), nil, due, nil)

	resp, err := http.Post(ts.URL+"/v1/collections/run-due", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &payload)
	require.Equal(t, 2, payload.Count)
}

func TestHealthReportEndpoint(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{report: health.Report{
		Status: health.StatusDegraded,
		Issues: []health.Issue{{SourceID: "src-1", Severity: health.SeverityCritical, Message: "down"}},
	}}
	ts := newTestServer(t, memory.NewStore(), nil, nil, checker)

	resp, err := http.Get(ts.URL + "/v1/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report health.Report
	decodeBody(t, resp, &report)
	require.Equal(t, health.StatusDegraded, report.Status)
	require.Len(t, report.Issues, 1)
}
