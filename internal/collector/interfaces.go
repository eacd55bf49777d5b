package collector

import (
	"context"
	"time"
)

// Collector is the per-source-type unit of work. Validate must not mutate any
// state; Execute converts internal failures into a failed Result.
type Collector interface {
	Validate(ctx context.Context, src DataSource) error
	Execute(ctx context.Context, src DataSource) (Result, error)
}

// Page is the result of fetching one URL.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a page. The engine does not depend on a specific HTTP
// client; implementations live under internal/fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Prober performs a cheap liveness check of a remote endpoint without
// downloading the full body.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Store is the persistence collaborator: source catalog reads/writes, the
// append-only run ledger, and upsert-by-natural-key for properties.
// Implementations must tolerate concurrent upserts to different parcel IDs
// without cross-record interference.
type Store interface {
	SaveSource(ctx context.Context, src DataSource) error
	GetSource(ctx context.Context, id string) (DataSource, error)
	ListSources(ctx context.Context) ([]DataSource, error)
	UpdateSourceStatus(ctx context.Context, id string, status SourceStatus, lastCollected *time.Time, errorMessage string) error
	UpdateSourceNextRun(ctx context.Context, id string, next time.Time) error

	AppendRun(ctx context.Context, run CollectionRun) error
	ListRuns(ctx context.Context, sourceID string, since time.Time) ([]CollectionRun, error)
	ListRecentRuns(ctx context.Context, since time.Time) ([]CollectionRun, error)

	FindPropertyByParcel(ctx context.Context, parcelID string) (*Property, error)
	UpsertProperty(ctx context.Context, p *Property) (string, error)
}

// BlobStore writes raw scrape artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
