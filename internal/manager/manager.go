// Package manager owns the collector registry and drives collection runs:
// resolving the collector for a source, executing it with a deadline,
// recording the run in the ledger, and updating source state.
package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/events"
	"github.com/parcelworks/harvester/internal/metrics"
)

// Config carries the manager tunables.
type Config struct {
	// RunTimeout bounds one collection run. Zero defaults to ten minutes.
	RunTimeout time.Duration
	// Concurrency bounds parallel runs in ExecuteBatch. Zero defaults to 4.
	Concurrency int
}

// Manager registers collectors and executes collections against sources.
type Manager struct {
	cfg     Config
	store   collector.Store
	ids     collector.IDGenerator
	clock   collector.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu          sync.RWMutex
	definitions map[string]collector.Definition
	byType      map[string]string
}

// New constructs a Manager. Store, IDs and Clock are required; a nil emitter
// disables lifecycle events.
func New(cfg Config, store collector.Store, ids collector.IDGenerator, clock collector.Clock, emitter events.Emitter, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Manager{
		cfg:         cfg,
		store:       store,
		ids:         ids,
		clock:       clock,
		emitter:     emitter,
		logger:      logger,
		definitions: make(map[string]collector.Definition),
		byType:      make(map[string]string),
	}, nil
}

// Register adds a collector definition. Definition IDs and the source types
// they claim must be unique across the registry.
func (m *Manager) Register(def collector.Definition) error {
	if def.ID == "" || def.Collector == nil {
		return fmt.Errorf("definition requires an id and a collector")
	}
	if len(def.SourceTypes) == 0 {
		return fmt.Errorf("definition %s claims no source types", def.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.definitions[def.ID]; dup {
		return fmt.Errorf("collector %s already registered", def.ID)
	}
	for _, st := range def.SourceTypes {
		if owner, dup := m.byType[st]; dup {
			return fmt.Errorf("source type %s already claimed by collector %s", st, owner)
		}
	}
	m.definitions[def.ID] = def
	for _, st := range def.SourceTypes {
		m.byType[st] = def.ID
	}
	return nil
}

// Definitions returns the registered collector definitions.
func (m *Manager) Definitions() []collector.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]collector.Definition, 0, len(m.definitions))
	for _, def := range m.definitions {
		out = append(out, def)
	}
	return out
}

// AddSource validates the source against its collector and persists it.
func (m *Manager) AddSource(ctx context.Context, src collector.DataSource) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	def, err := m.resolve(src)
	if err != nil {
		return err
	}
	if err := def.Collector.Validate(ctx, src); err != nil {
		return fmt.Errorf("source %s rejected: %w", src.ID, err)
	}
	return m.store.SaveSource(ctx, src)
}

// ExecuteCollection runs one collection against the source, writes exactly
// one run ledger entry, and updates the source's status. The returned error
// covers only lookup failures; run failures live in the returned run.
func (m *Manager) ExecuteCollection(ctx context.Context, sourceID string) (collector.CollectionRun, error) {
	src, err := m.store.GetSource(ctx, sourceID)
	if err != nil {
		return collector.CollectionRun{}, err
	}
	def, err := m.resolve(src)
	if err != nil {
		return collector.CollectionRun{}, err
	}

	runID, err := m.ids.NewID()
	if err != nil {
		return collector.CollectionRun{}, fmt.Errorf("generate run id: %w", err)
	}

	start := m.clock.Now()
	log := m.logger.With(
		zap.String("source_id", src.ID),
		zap.String("run_id", runID),
		zap.String("collector", def.ID),
	)
	log.Info("collection starting")
	m.emit(events.Event{SourceID: src.ID, RunID: runID, Stage: events.StageStarted, TS: start})

	metrics.IncActiveCollections()
	result := m.safeExecute(ctx, def.Collector, src)
	metrics.DecActiveCollections()

	finished := m.clock.Now()
	duration := finished.Sub(start)
	run := buildRun(runID, src.ID, start, duration, result)

	if err := m.store.AppendRun(ctx, run); err != nil {
		log.Error("run ledger append failed", zap.Error(err))
	}
	m.updateSourceAfterRun(ctx, log, src.ID, run, result, finished)

	stage := events.StageCompleted
	if run.Status == collector.RunStatusError {
		stage = events.StageError
	}
	m.emit(events.Event{
		SourceID:   src.ID,
		RunID:      runID,
		Stage:      stage,
		TS:         finished,
		Status:     string(run.Status),
		Message:    result.Message,
		ItemCount:  result.ItemCount,
		SavedCount: len(result.SavedIDs),
		Dur:        duration,
	})
	log.Info("collection finished",
		zap.String("status", string(run.Status)),
		zap.Int("items", run.Stats.ItemCount),
		zap.Int("saved", run.Stats.SuccessCount),
		zap.Duration("duration", duration),
	)
	return run, nil
}

// ExecuteBatch runs a collection for each source with bounded concurrency.
// A failing or panicking run never affects its siblings. Results are returned
// in the order of sourceIDs; sources that could not be resolved are skipped.
func (m *Manager) ExecuteBatch(ctx context.Context, sourceIDs []string) []collector.CollectionRun {
	sem := make(chan struct{}, m.cfg.Concurrency)
	runs := make([]*collector.CollectionRun, len(sourceIDs))

	var wg sync.WaitGroup
	for i, id := range sourceIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			run, err := m.ExecuteCollection(ctx, id)
			if err != nil {
				m.logger.Error("batch collection skipped",
					zap.String("source_id", id), zap.Error(err))
				return
			}
			runs[i] = &run
		}(i, id)
	}
	wg.Wait()

	out := make([]collector.CollectionRun, 0, len(sourceIDs))
	for _, run := range runs {
		if run != nil {
			out = append(out, *run)
		}
	}
	return out
}

// safeExecute applies the run deadline and converts both returned errors and
// panics into a failed Result so the ledger always gets exactly one entry.
func (m *Manager) safeExecute(ctx context.Context, c collector.Collector, src collector.DataSource) (result collector.Result) {
	defer func() {
		if r := recover(); r != nil {
			now := m.clock.Now()
			m.logger.Error("collector panicked",
				zap.String("source_id", src.ID), zap.Any("panic", r))
			result = collector.Result{
				SourceID:  src.ID,
				Timestamp: now,
				Success:   false,
				Message:   fmt.Sprintf("collector panic: %v", r),
				Errors: []collector.RunError{{
					Message:   fmt.Sprintf("panic: %v", r),
					Timestamp: now,
					Stack:     string(debug.Stack()),
				}},
			}
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	result, err := c.Execute(runCtx, src)
	if err != nil {
		now := m.clock.Now()
		result = collector.Result{
			SourceID:  src.ID,
			Timestamp: now,
			Success:   false,
			Message:   err.Error(),
			Errors:    []collector.RunError{{Message: err.Error(), Timestamp: now}},
		}
	}
	return result
}

func (m *Manager) updateSourceAfterRun(ctx context.Context, log *zap.Logger, sourceID string, run collector.CollectionRun, result collector.Result, finished time.Time) {
	status := collector.SourceStatusActive
	errorMessage := ""
	var lastCollected *time.Time

	if run.Status == collector.RunStatusError {
		status = collector.SourceStatusError
		errorMessage = result.Message
		if errorMessage == "" && len(result.Errors) > 0 {
			errorMessage = result.Errors[0].Message
		}
	} else {
		lastCollected = &finished
	}

	if err := m.store.UpdateSourceStatus(ctx, sourceID, status, lastCollected, errorMessage); err != nil {
		log.Error("source status update failed", zap.Error(err))
	}
}

func (m *Manager) resolve(src collector.DataSource) (collector.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if def, ok := m.definitions[src.CollectorType]; ok {
		return def, nil
	}
	if id, ok := m.byType[src.SourceType]; ok {
		return m.definitions[id], nil
	}
	return collector.Definition{}, fmt.Errorf("no collector for source %s (collector_type=%q, source_type=%q)",
		src.ID, src.CollectorType, src.SourceType)
}

func (m *Manager) emit(evt events.Event) {
	if m.emitter != nil {
		m.emitter.Emit(evt)
	}
}

func buildRun(runID, sourceID string, start time.Time, duration time.Duration, result collector.Result) collector.CollectionRun {
	status := collector.RunStatusError
	if result.Success {
		status = collector.RunStatusSuccess
		if len(result.Errors) > 0 {
			status = collector.RunStatusPartial
		}
	}
	return collector.CollectionRun{
		ID:        runID,
		SourceID:  sourceID,
		StartedAt: start,
		Status:    status,
		Stats: collector.RunStats{
			DurationMs:   duration.Milliseconds(),
			ItemCount:    result.ItemCount,
			SuccessCount: len(result.SavedIDs),
			ErrorCount:   len(result.Errors),
		},
		Errors:   result.Errors,
		SavedIDs: result.SavedIDs,
	}
}
