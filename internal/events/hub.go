package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink consumes lifecycle events. Implementations must be safe for repeated
// calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// manager can remain agnostic about where events end up.
type Emitter interface {
	Emit(evt Event)
}

// Hub fans each event out to every sink. Sink failures are logged, never
// propagated: a broken event pipeline must not fail a collection.
type Hub struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
}

// NewHub wires the sinks. A zero timeout defaults to five seconds per sink.
func NewHub(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Hub{sinks: sinks, logger: logger, timeout: timeout}
}

// Emit validates the event and delivers it to every sink.
func (h *Hub) Emit(evt Event) {
	if err := evt.Validate(); err != nil {
		h.logger.Warn("dropping invalid event", zap.Error(err))
		return
	}
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := sink.Consume(ctx, evt); err != nil {
			h.logger.Warn("event sink failed",
				zap.String("source_id", evt.SourceID),
				zap.String("stage", string(evt.Stage)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close closes every sink, returning after all have been attempted.
func (h *Hub) Close(ctx context.Context) error {
	var firstErr error
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
