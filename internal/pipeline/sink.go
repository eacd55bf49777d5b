package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes failures to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs one failure.
func (s *LogSink) Consume(_ context.Context, failure Failure) {
	s.logger.Warn("record failed transformation",
		zap.String("source_id", failure.SourceID),
		zap.String("record", failure.Key),
		zap.String("step", failure.Step),
		zap.Error(failure.Err),
	)
}

// MemorySink collects failures in memory; used in tests and to fold failures
// into run ledgers.
type MemorySink struct {
	mu       sync.Mutex
	failures []Failure
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Consume appends one failure.
func (s *MemorySink) Consume(_ context.Context, failure Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

// Failures returns a copy of everything consumed so far.
func (s *MemorySink) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failures...)
}
