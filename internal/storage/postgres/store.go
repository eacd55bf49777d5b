// Package postgres provides the pgx-backed persistence implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parcelworks/harvester/internal/collector"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements collector.Store on Postgres. Expected schema:
//
//	CREATE TABLE sources (
//		id TEXT PRIMARY KEY,
//		name TEXT NOT NULL,
//		source_type TEXT NOT NULL,
//		url TEXT NOT NULL,
//		state TEXT,
//		county TEXT,
//		collector_type TEXT NOT NULL,
//		frequency TEXT NOT NULL,
//		day_of_week SMALLINT,
//		day_of_month SMALLINT,
//		metadata JSONB,
//		status TEXT NOT NULL,
//		error_message TEXT,
//		last_collected TIMESTAMPTZ,
//		next_scheduled_run TIMESTAMPTZ
//	);
//
//	CREATE TABLE collection_runs (
//		id UUID PRIMARY KEY,
//		source_id TEXT NOT NULL REFERENCES sources(id),
//		started_at TIMESTAMPTZ NOT NULL,
//		status TEXT NOT NULL,
//		duration_ms BIGINT NOT NULL,
//		item_count INT NOT NULL,
//		success_count INT NOT NULL,
//		error_count INT NOT NULL,
//		errors JSONB,
//		saved_ids JSONB
//	);
//
//	CREATE TABLE properties (
//		parcel_id TEXT PRIMARY KEY,
//		address TEXT, city TEXT, state TEXT, zip TEXT,
//		owner_name TEXT, legal_desc TEXT, land_use TEXT,
//		latitude DOUBLE PRECISION, longitude DOUBLE PRECISION,
//		assessed_value DOUBLE PRECISION, market_value DOUBLE PRECISION,
//		last_sale_price DOUBLE PRECISION, last_sale_date TIMESTAMPTZ,
//		year_built INT,
//		source_id TEXT NOT NULL,
//		collected_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL,
//		raw JSONB
//	);
type Store struct {
	pool db
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const sourceColumns = `id, name, source_type, url, state, county, collector_type,
frequency, day_of_week, day_of_month, metadata, status, error_message,
last_collected, next_scheduled_run`

// SaveSource inserts a source or updates its configuration fields.
func (s *Store) SaveSource(ctx context.Context, src collector.DataSource) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	metadata, err := json.Marshal(src.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := `
INSERT INTO sources (` + sourceColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	source_type = EXCLUDED.source_type,
	url = EXCLUDED.url,
	state = EXCLUDED.state,
	county = EXCLUDED.county,
	collector_type = EXCLUDED.collector_type,
	frequency = EXCLUDED.frequency,
	day_of_week = EXCLUDED.day_of_week,
	day_of_month = EXCLUDED.day_of_month,
	metadata = EXCLUDED.metadata`
	_, err = s.pool.Exec(ctx, query,
		src.ID, src.Name, src.SourceType, src.URL, src.State, src.County,
		src.CollectorType, string(src.Schedule.Frequency),
		weekdayToInt(src.Schedule.DayOfWeek), src.Schedule.DayOfMonth,
		metadata, string(src.Status), src.ErrorMessage,
		src.LastCollected, src.NextScheduledRun,
	)
	if err != nil {
		return collector.WrapError(collector.KindStorage, "save source", err)
	}
	return nil
}

// GetSource returns one source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (collector.DataSource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return collector.DataSource{}, fmt.Errorf("source %s not found", id)
		}
		return collector.DataSource{}, collector.WrapError(collector.KindStorage, "get source", err)
	}
	return src, nil
}

// ListSources returns every configured source ordered by ID.
func (s *Store) ListSources(ctx context.Context) ([]collector.DataSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, collector.WrapError(collector.KindStorage, "list sources", err)
	}
	defer rows.Close()

	var out []collector.DataSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, collector.WrapError(collector.KindStorage, "scan source", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, collector.WrapError(collector.KindStorage, "list sources", err)
	}
	return out, nil
}

// UpdateSourceStatus applies the post-run status mutation.
func (s *Store) UpdateSourceStatus(ctx context.Context, id string, status collector.SourceStatus, lastCollected *time.Time, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sources
SET status = $2, error_message = $3, last_collected = COALESCE($4, last_collected)
WHERE id = $1`,
		id, string(status), errorMessage, lastCollected,
	)
	if err != nil {
		return collector.WrapError(collector.KindStorage, "update source status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s not found", id)
	}
	return nil
}

// UpdateSourceNextRun advances the next scheduled run marker.
func (s *Store) UpdateSourceNextRun(ctx context.Context, id string, next time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET next_scheduled_run = $2 WHERE id = $1`, id, next)
	if err != nil {
		return collector.WrapError(collector.KindStorage, "update source next run", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s not found", id)
	}
	return nil
}

// AppendRun appends one run ledger entry. Runs are insert-only.
func (s *Store) AppendRun(ctx context.Context, run collector.CollectionRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	savedJSON, err := json.Marshal(run.SavedIDs)
	if err != nil {
		return fmt.Errorf("marshal saved ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO collection_runs
	(id, source_id, started_at, status, duration_ms, item_count, success_count, error_count, errors, saved_ids)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.SourceID, run.StartedAt, string(run.Status),
		run.Stats.DurationMs, run.Stats.ItemCount, run.Stats.SuccessCount, run.Stats.ErrorCount,
		errorsJSON, savedJSON,
	)
	if err != nil {
		return collector.WrapError(collector.KindStorage, "append run", err)
	}
	return nil
}

const runColumns = `id, source_id, started_at, status, duration_ms, item_count,
success_count, error_count, errors, saved_ids`

// ListRuns returns runs for one source started at or after since, newest first.
func (s *Store) ListRuns(ctx context.Context, sourceID string, since time.Time) ([]collector.CollectionRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+runColumns+`
FROM collection_runs
WHERE source_id = $1 AND started_at >= $2
ORDER BY started_at DESC`, sourceID, since)
	if err != nil {
		return nil, collector.WrapError(collector.KindStorage, "list runs", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRecentRuns returns all runs started at or after since, newest first.
func (s *Store) ListRecentRuns(ctx context.Context, since time.Time) ([]collector.CollectionRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+runColumns+`
FROM collection_runs
WHERE started_at >= $1
ORDER BY started_at DESC`, since)
	if err != nil {
		return nil, collector.WrapError(collector.KindStorage, "list recent runs", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

const propertyColumns = `parcel_id, address, city, state, zip, owner_name, legal_desc,
land_use, latitude, longitude, assessed_value, market_value, last_sale_price,
last_sale_date, year_built, source_id, collected_at, updated_at, raw`

// FindPropertyByParcel returns the persisted property for a natural key, or
// nil when none exists.
func (s *Store) FindPropertyByParcel(ctx context.Context, parcelID string) (*collector.Property, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE parcel_id = $1`, parcelID)
	p, err := scanProperty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, collector.WrapError(collector.KindStorage, "find property", err)
	}
	return p, nil
}

// UpsertProperty inserts or updates the row for a parcel ID in one statement,
// so concurrent upserts against different parcels never interfere and the
// same parcel resolves last-write-wins. collected_at keeps its first-seen
// value on conflict.
func (s *Store) UpsertProperty(ctx context.Context, p *collector.Property) (string, error) {
	if p == nil || p.ParcelID == "" {
		return "", fmt.Errorf("property parcel id is required")
	}
	raw, err := json.Marshal(p.Raw)
	if err != nil {
		return "", fmt.Errorf("marshal raw fields: %w", err)
	}
	var parcelID string
	err = s.pool.QueryRow(ctx, `
INSERT INTO properties (`+propertyColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (parcel_id) DO UPDATE SET
	address = EXCLUDED.address,
	city = EXCLUDED.city,
	state = EXCLUDED.state,
	zip = EXCLUDED.zip,
	owner_name = EXCLUDED.owner_name,
	legal_desc = EXCLUDED.legal_desc,
	land_use = EXCLUDED.land_use,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	assessed_value = EXCLUDED.assessed_value,
	market_value = EXCLUDED.market_value,
	last_sale_price = EXCLUDED.last_sale_price,
	last_sale_date = EXCLUDED.last_sale_date,
	year_built = EXCLUDED.year_built,
	source_id = EXCLUDED.source_id,
	updated_at = EXCLUDED.updated_at,
	raw = EXCLUDED.raw
RETURNING parcel_id`,
		p.ParcelID, p.Address, p.City, p.State, p.Zip, p.OwnerName, p.LegalDesc,
		p.LandUse, p.Latitude, p.Longitude, p.AssessedValue, p.MarketValue,
		p.LastSalePrice, p.LastSaleDate, p.YearBuilt, p.SourceID,
		p.CollectedAt, p.UpdatedAt, raw,
	).Scan(&parcelID)
	if err != nil {
		return "", collector.WrapError(collector.KindStorage, "upsert property", err)
	}
	return parcelID, nil
}

func scanSource(row pgx.Row) (collector.DataSource, error) {
	var (
		src       collector.DataSource
		frequency string
		status    string
		dayOfWeek *int
		metadata  []byte
		errMsg    *string
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.SourceType, &src.URL, &src.State, &src.County,
		&src.CollectorType, &frequency, &dayOfWeek, &src.Schedule.DayOfMonth,
		&metadata, &status, &errMsg, &src.LastCollected, &src.NextScheduledRun,
	)
	if err != nil {
		return collector.DataSource{}, err
	}
	src.Schedule.Frequency = collector.Frequency(frequency)
	src.Schedule.DayOfWeek = intToWeekday(dayOfWeek)
	src.Status = collector.SourceStatus(status)
	if errMsg != nil {
		src.ErrorMessage = *errMsg
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &src.Metadata); err != nil {
			return collector.DataSource{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return src, nil
}

func scanRuns(rows pgx.Rows) ([]collector.CollectionRun, error) {
	var out []collector.CollectionRun
	for rows.Next() {
		var (
			run        collector.CollectionRun
			status     string
			errorsJSON []byte
			savedJSON  []byte
		)
		err := rows.Scan(
			&run.ID, &run.SourceID, &run.StartedAt, &status,
			&run.Stats.DurationMs, &run.Stats.ItemCount,
			&run.Stats.SuccessCount, &run.Stats.ErrorCount,
			&errorsJSON, &savedJSON,
		)
		if err != nil {
			return nil, collector.WrapError(collector.KindStorage, "scan run", err)
		}
		run.Status = collector.RunStatus(status)
		if len(errorsJSON) > 0 {
			if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
				return nil, fmt.Errorf("unmarshal run errors: %w", err)
			}
		}
		if len(savedJSON) > 0 {
			if err := json.Unmarshal(savedJSON, &run.SavedIDs); err != nil {
				return nil, fmt.Errorf("unmarshal saved ids: %w", err)
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, collector.WrapError(collector.KindStorage, "iterate runs", err)
	}
	return out, nil
}

func scanProperty(row pgx.Row) (*collector.Property, error) {
	var (
		p   collector.Property
		raw []byte
	)
	err := row.Scan(
		&p.ParcelID, &p.Address, &p.City, &p.State, &p.Zip, &p.OwnerName,
		&p.LegalDesc, &p.LandUse, &p.Latitude, &p.Longitude,
		&p.AssessedValue, &p.MarketValue, &p.LastSalePrice, &p.LastSaleDate,
		&p.YearBuilt, &p.SourceID, &p.CollectedAt, &p.UpdatedAt, &raw,
	)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal raw fields: %w", err)
		}
	}
	return &p, nil
}

func weekdayToInt(d *time.Weekday) *int {
	if d == nil {
		return nil
	}
	v := int(*d)
	return &v
}

func intToWeekday(v *int) *time.Weekday {
	if v == nil {
		return nil
	}
	d := time.Weekday(*v)
	return &d
}
