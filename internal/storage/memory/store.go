// Package memory provides in-memory implementations of the persistence
// collaborators, used in tests and for local development without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parcelworks/harvester/internal/collector"
)

// Store keeps sources, runs and properties in process memory. Upserts are
// scoped per parcel ID under one mutex, so concurrent collections against
// different parcels do not interfere with each other's values.
type Store struct {
	mu         sync.RWMutex
	sources    map[string]collector.DataSource
	runs       []collector.CollectionRun
	properties map[string]*collector.Property
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:    make(map[string]collector.DataSource),
		properties: make(map[string]*collector.Property),
	}
}

// SaveSource inserts or replaces a source definition.
func (s *Store) SaveSource(_ context.Context, src collector.DataSource) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.ID] = src
	return nil
}

// GetSource returns one source by ID.
func (s *Store) GetSource(_ context.Context, id string) (collector.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return collector.DataSource{}, fmt.Errorf("source %s not found", id)
	}
	return src, nil
}

// ListSources returns every configured source ordered by ID.
func (s *Store) ListSources(_ context.Context) ([]collector.DataSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collector.DataSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSourceStatus applies the post-run mutation the manager is allowed to
// make: status, lastCollected and the current error message.
func (s *Store) UpdateSourceStatus(_ context.Context, id string, status collector.SourceStatus, lastCollected *time.Time, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s not found", id)
	}
	src.Status = status
	src.ErrorMessage = errorMessage
	if lastCollected != nil {
		src.LastCollected = lastCollected
	}
	s.sources[id] = src
	return nil
}

// UpdateSourceNextRun advances the next scheduled run marker.
func (s *Store) UpdateSourceNextRun(_ context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s not found", id)
	}
	src.NextScheduledRun = &next
	s.sources[id] = src
	return nil
}

// AppendRun appends one entry to the run ledger. Runs are never updated.
func (s *Store) AppendRun(_ context.Context, run collector.CollectionRun) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// ListRuns returns runs for one source started at or after since, newest
// first.
func (s *Store) ListRuns(_ context.Context, sourceID string, since time.Time) ([]collector.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collector.CollectionRun
	for _, run := range s.runs {
		if run.SourceID == sourceID && !run.StartedAt.Before(since) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ListRecentRuns returns all runs started at or after since, newest first.
func (s *Store) ListRecentRuns(_ context.Context, since time.Time) ([]collector.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collector.CollectionRun
	for _, run := range s.runs {
		if !run.StartedAt.Before(since) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// FindPropertyByParcel returns the persisted property for a natural key, or
// nil when none exists.
func (s *Store) FindPropertyByParcel(_ context.Context, parcelID string) (*collector.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[parcelID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// UpsertProperty inserts the property or overwrites the stored fields for an
// existing parcel ID, stamping UpdatedAt. Returns the natural key.
func (s *Store) UpsertProperty(_ context.Context, p *collector.Property) (string, error) {
	if p == nil || p.ParcelID == "" {
		return "", fmt.Errorf("property parcel id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.properties[p.ParcelID]; ok {
		// Keep the original collection timestamp as first-seen provenance.
		p.CollectedAt = existing.CollectedAt
	}
	cp := *p
	s.properties[p.ParcelID] = &cp
	return p.ParcelID, nil
}

// PropertyCount reports the number of distinct persisted parcels.
func (s *Store) PropertyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.properties)
}

// RunCount reports the size of the run ledger.
func (s *Store) RunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
