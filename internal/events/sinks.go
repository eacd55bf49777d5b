package events

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/metrics"
)

// LogSink emits structured logs for each lifecycle event. Useful during
// development or audits where a durable event stream is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt Event) error {
	s.logger.Info("collection event",
		zap.String("source_id", evt.SourceID),
		zap.String("run_id", evt.RunID),
		zap.String("stage", string(evt.Stage)),
		zap.String("status", evt.Status),
		zap.Int("item_count", evt.ItemCount),
		zap.Int("saved_count", evt.SavedCount),
		zap.Duration("dur", evt.Dur),
		zap.String("message", evt.Message),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// PrometheusSink updates the run metrics on completion events.
type PrometheusSink struct{}

// NewPrometheusSink initializes the metric collectors and returns the sink.
func NewPrometheusSink() *PrometheusSink {
	metrics.Init()
	return &PrometheusSink{}
}

// Consume records completed and failed runs; start events carry no metrics.
func (s *PrometheusSink) Consume(_ context.Context, evt Event) error {
	switch evt.Stage {
	case StageCompleted, StageError:
		status := evt.Status
		if status == "" {
			status = "unknown"
		}
		metrics.ObserveRun(evt.SourceID, status, evt.SavedCount, evt.Dur)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// PubSubSink publishes each event to a Google Cloud Pub/Sub topic as JSON.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume marshals the event and publishes it, waiting for the server ack.
func (s *PubSubSink) Consume(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"source_id": evt.SourceID,
			"stage":     string(evt.Stage),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close stops the topic's publish goroutines, flushing pending messages.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
