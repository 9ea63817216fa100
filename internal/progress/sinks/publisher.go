package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/linksentry/linksentry/internal/linkcheck"
	"github.com/linksentry/linksentry/internal/progress"
)

// PublisherSink forwards progress milestones to an outbound publisher so
// interested consumers (dashboards, websocket relays) receive push updates
// without polling the read model.
type PublisherSink struct {
	publisher linkcheck.Publisher
	topic     string
}

// NewPublisherSink builds a sink that publishes each event to topic.
func NewPublisherSink(publisher linkcheck.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Name implements progress.Sink.
func (s *PublisherSink) Name() string { return "publisher" }

// pushMessage is the wire form of a progress update.
type pushMessage struct {
	TaskID     string  `json:"task_id"`
	Stage      string  `json:"stage"`
	LinkID     string  `json:"link_id,omitempty"`
	Processed  int64   `json:"processed"`
	Total      int64   `json:"total"`
	Percent    float64 `json:"percent"`
	ETASeconds int64   `json:"eta_seconds,omitempty"`
	Result     string  `json:"result,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

// Consume publishes every event in the batch. The first publish error aborts
// the batch; the hub logs it and moves on, consumers tolerate gaps.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		msg := pushMessage{
			TaskID:     evt.TaskUUID().String(),
			Stage:      string(evt.Stage),
			LinkID:     evt.LinkID,
			Processed:  evt.Processed,
			Total:      evt.Total,
			Percent:    evt.Percent,
			ETASeconds: evt.ETASeconds,
			Result:     evt.Result,
			Timestamp:  evt.TS.UTC().Format(time.RFC3339Nano),
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish progress push: %w", err)
		}
	}
	return nil
}
