package collector

import (
	"time"
)

// Frequency enumerates how often a source is collected.
type Frequency string

// Supported collection frequencies.
const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyManual  Frequency = "manual"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyManual:
		return true
	}
	return false
}

// Schedule describes when a source is due for collection.
type Schedule struct {
	Frequency Frequency `json:"frequency"`
	// DayOfWeek applies to weekly schedules (time.Sunday..time.Saturday).
	DayOfWeek *time.Weekday `json:"day_of_week,omitempty"`
	// DayOfMonth applies to monthly schedules (1..31).
	DayOfMonth *int `json:"day_of_month,omitempty"`
}

// SourceStatus represents the operational state of a DataSource.
type SourceStatus string

// Source status values persisted in the source catalog.
const (
	SourceStatusActive   SourceStatus = "active"
	SourceStatusInactive SourceStatus = "inactive"
	SourceStatusError    SourceStatus = "error"
)

// DataSource is one configured external source of property records. The
// manager mutates only Status, LastCollected, NextScheduledRun and
// ErrorMessage after each run; everything else is admin configuration.
type DataSource struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	SourceType    string            `json:"source_type"`
	URL           string            `json:"url"`
	State         string            `json:"state"`
	County        string            `json:"county"`
	CollectorType string            `json:"collector_type"`
	Schedule      Schedule          `json:"schedule"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	LastCollected    *time.Time   `json:"last_collected,omitempty"`
	NextScheduledRun *time.Time   `json:"next_scheduled_run,omitempty"`
	Status           SourceStatus `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
}

// RunStatus is assigned once when a CollectionRun is created and is never
// changed afterwards.
type RunStatus string

// Run status values for the append-only run ledger.
const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// RunStats aggregates the per-run counters.
type RunStats struct {
	DurationMs   int64 `json:"duration_ms"`
	ItemCount    int   `json:"item_count"`
	SuccessCount int   `json:"success_count"`
	ErrorCount   int   `json:"error_count"`
}

// RunError is one entry in a run's error log. Stack is kept for diagnostics
// only and is not surfaced by the health summary.
type RunError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Stack     string    `json:"stack,omitempty"`
}

// CollectionRun is one ledger entry describing a single execution attempt
// against one source. Exactly one run is written per attempt, success or not.
type CollectionRun struct {
	ID        string     `json:"id"`
	SourceID  string     `json:"source_id"`
	StartedAt time.Time  `json:"started_at"`
	Status    RunStatus  `json:"status"`
	Stats     RunStats   `json:"stats"`
	Errors    []RunError `json:"errors,omitempty"`
	SavedIDs  []string   `json:"saved_ids,omitempty"`
}

// RawRecord is an untyped field bag scraped from a source page. It is
// transient and never persisted as-is.
type RawRecord struct {
	SourceID string
	Fields   map[string]string
}

// Property is the canonical record every source-specific row is mapped into.
// ParcelID is the natural key: at most one persisted Property exists per
// parcel regardless of how many times collection reruns.
type Property struct {
	ParcelID string `json:"parcel_id"`

	Address   string   `json:"address,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Zip       string   `json:"zip,omitempty"`
	OwnerName string   `json:"owner_name,omitempty"`
	LegalDesc string   `json:"legal_desc,omitempty"`
	LandUse   string   `json:"land_use,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	AssessedValue *float64   `json:"assessed_value,omitempty"`
	MarketValue   *float64   `json:"market_value,omitempty"`
	LastSalePrice *float64   `json:"last_sale_price,omitempty"`
	LastSaleDate  *time.Time `json:"last_sale_date,omitempty"`
	YearBuilt     *int       `json:"year_built,omitempty"`

	// Provenance.
	SourceID    string            `json:"source_id"`
	CollectedAt time.Time         `json:"collected_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// Result is returned by a collector's Execute. Internal failures are converted
// into a Result with Success=false; only malformed input should surface as an
// error to the caller.
type Result struct {
	SourceID       string     `json:"source_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Success        bool       `json:"success"`
	Message        string     `json:"message,omitempty"`
	SavedIDs       []string   `json:"saved_ids,omitempty"`
	ItemCount      int        `json:"item_count"`
	Errors         []RunError `json:"errors,omitempty"`
	RawArtifactURI string     `json:"raw_artifact_uri,omitempty"`
}

// Definition registers a collector implementation under a stable ID together
// with the source-type keys it serves. Definitions are stateless and
// registered exactly once at startup.
type Definition struct {
	ID          string
	Name        string
	SourceTypes []string
	Collector   Collector
}
