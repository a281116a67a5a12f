package worker

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"github.com/seren-labs/insightd/internal/queue/streams"
)

// Scheduler periodically enqueues cycle.enqueued events for active users on
// the configured cron cadence. Workers, not the scheduler, execute cycles;
// enqueueing keeps the fan-out cheap and lets the consumer group spread load.
type Scheduler struct {
	store       StoreAPI
	publisher   *streams.Publisher
	rdb         *redis.Client
	logger      *log.Logger
	cycleStream string
	cronSpec    string
	stop        chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(st StoreAPI, pub *streams.Publisher, rdb *redis.Client, logger *log.Logger, cycleStream, cronSpec string) *Scheduler {
	return &Scheduler{
		store:       st,
		publisher:   pub,
		rdb:         rdb,
		logger:      logger,
		cycleStream: cycleStream,
		cronSpec:    cronSpec,
		stop:        make(chan struct{}),
	}
}

// Start launches the scheduling loop in a goroutine.
func (s *Scheduler) Start() {
	expr, err := cronexpr.Parse(s.cronSpec)
	if err != nil {
		s.logger.Printf("[SCHED] invalid cron %q, falling back to daily: %v", s.cronSpec, err)
		expr = cronexpr.MustParse("0 4 * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				s.tick(context.Background())
			}
		}
	}()
}

// Stop terminates the scheduling loop.
func (s *Scheduler) Stop() { close(s.stop) }

func (s *Scheduler) tick(ctx context.Context) {
	// Distributed lock so only one scheduler instance fans out per tick.
	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, "insight:sched:lock", "1", 2*time.Minute).Result()
		if err != nil {
			s.logger.Printf("[SCHED] lock error: %v", err)
			return
		}
		if !ok {
			return
		}
	}

	userIDs, err := s.store.ListActiveUserIDs(ctx)
	if err != nil {
		s.logger.Printf("[SCHED] list users: %v", err)
		return
	}

	enqueued := 0
	for _, userID := range userIDs {
		running, err := s.store.HasRunningCycle(ctx, userID)
		if err != nil {
			s.logger.Printf("[SCHED] check running cycle for %s: %v", userID, err)
			continue
		}
		if running {
			s.logger.Printf("[SCHED] skip user %s: cycle already running", userID)
			continue
		}
		payload := CycleEnqueuedPayload{UserID: userID, Trigger: "scheduled"}
		if _, err := s.publisher.PublishRaw(ctx, s.cycleStream, streams.EventCycleEnqueued, userID, payload); err != nil {
			s.logger.Printf("[SCHED] enqueue user %s: %v", userID, err)
			continue
		}
		enqueued++
	}
	s.logger.Printf("[SCHED] tick complete: %d/%d users enqueued", enqueued, len(userIDs))
}
