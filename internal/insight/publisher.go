package insight

import (
	"context"
	"log"
	"time"
)

// DownstreamPublisher hands off follow-on work for a completed cycle:
// embedding jobs for each created content entity and one completion
// notification. Publish failures are logged and swallowed; they must never
// flip a completed cycle to failed.
type DownstreamPublisher struct {
	events EventPublisher
	logger *log.Logger
}

// NewDownstreamPublisher creates the downstream publisher.
func NewDownstreamPublisher(events EventPublisher, logger *log.Logger) *DownstreamPublisher {
	return &DownstreamPublisher{events: events, logger: logger}
}

// Publish enqueues embedding jobs and the completion notification.
func (p *DownstreamPublisher) Publish(ctx context.Context, userID, cycleID string, created []CreatedEntity, entitiesTotal int) {
	if p.events == nil {
		return
	}
	for _, entity := range created {
		if entity.Text == "" {
			continue
		}
		job := EmbeddingJob{
			EntityID:    entity.ID,
			EntityType:  entity.Type,
			TextContent: entity.Text,
			UserID:      userID,
		}
		if err := p.events.PublishEmbeddingJob(ctx, job); err != nil {
			p.logger.Printf("[PUBLISHER] embedding job for %s %s failed: %v", entity.Type, entity.ID, err)
		}
	}
	note := CycleCompleted{
		CycleID:       cycleID,
		UserID:        userID,
		EntitiesTotal: entitiesTotal,
		CompletedAt:   time.Now().UTC(),
	}
	if err := p.events.PublishCycleCompleted(ctx, note); err != nil {
		p.logger.Printf("[PUBLISHER] completion notification for cycle %s failed: %v", cycleID, err)
	}
}
