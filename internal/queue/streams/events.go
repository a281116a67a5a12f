package streams

import (
	"context"

	"github.com/seren-labs/insightd/internal/insight"
)

// EventPublisher routes downstream cycle events onto their streams. It
// satisfies insight.EventPublisher.
type EventPublisher struct {
	pub                *Publisher
	embeddingStream    string
	notificationStream string
}

// NewEventPublisher wires a stream publisher to the configured stream names.
func NewEventPublisher(pub *Publisher, embeddingStream, notificationStream string) *EventPublisher {
	return &EventPublisher{
		pub:                pub,
		embeddingStream:    embeddingStream,
		notificationStream: notificationStream,
	}
}

// PublishEmbeddingJob enqueues one embedding request for a newly created entity.
func (e *EventPublisher) PublishEmbeddingJob(ctx context.Context, job insight.EmbeddingJob) error {
	_, err := e.pub.PublishRaw(ctx, e.embeddingStream, EventEmbeddingGenerate, job.UserID, job)
	return err
}

// PublishCycleCompleted emits the end-of-cycle notification.
func (e *EventPublisher) PublishCycleCompleted(ctx context.Context, note insight.CycleCompleted) error {
	_, err := e.pub.PublishRaw(ctx, e.notificationStream, EventCycleCompleted, note.UserID, note)
	return err
}
