package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/seren-labs/insightd/internal/insight"
	"github.com/seren-labs/insightd/internal/queue/streams"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	HasRunningCycle(ctx context.Context, userID string) (bool, error)
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// CycleRunner executes one full insight cycle for a user.
type CycleRunner interface {
	RunCycle(ctx context.Context, userID string) (insight.CycleResult, error)
}

// RetryPublisher re-enqueues cycle events that failed on transient errors.
type RetryPublisher interface {
	Publish(ctx context.Context, stream string, envelope streams.Envelope, opts ...streams.PublishOption) (string, error)
}

var (
	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_worker_events_total",
		Help: "Cycle events consumed by the worker, by outcome.",
	}, []string{"outcome"})
	queueLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insight_worker_queue_lag",
		Help: "Unconsumed entries behind the cycle consumer group.",
	})
)

// CycleEnqueuedPayload mirrors the JSON payload published to cycle.enqueued.
type CycleEnqueuedPayload struct {
	UserID  string `json:"user_id"`
	Trigger string `json:"trigger"`
}

// Processor consumes cycle.enqueued events and drives cycle execution.
// Delivery is at-least-once; the idempotency claim on the event ID keeps
// redelivered events from running a second cycle.
type Processor struct {
	logger       *log.Logger
	store        StoreAPI
	runner       CycleRunner
	consumer     *streams.Consumer
	publisher    RetryPublisher
	cycleStream  string
	claimMinIdle time.Duration
	readBlock    time.Duration
	readBatch    int64
	maxAttempts  int
	retryBase    time.Duration
	retries      sync.WaitGroup
	tracer       trace.Tracer
}

// NewProcessor constructs a Processor. A nil publisher disables transient
// retry re-enqueueing.
func NewProcessor(logger *log.Logger, st StoreAPI, runner CycleRunner, cons *streams.Consumer, pub RetryPublisher, cycleStream string, claimMinIdle, readBlock time.Duration, readBatch int64, maxAttempts int, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if readBlock <= 0 {
		readBlock = 5 * time.Second
	}
	if readBatch <= 0 {
		readBatch = 16
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Processor{
		logger:       logger,
		store:        st,
		runner:       runner,
		consumer:     cons,
		publisher:    pub,
		cycleStream:  cycleStream,
		claimMinIdle: claimMinIdle,
		readBlock:    readBlock,
		readBatch:    readBatch,
		maxAttempts:  maxAttempts,
		retryBase:    time.Second,
		tracer:       tracer,
	}
}

// Start blocks, continuously processing cycle.enqueued events until the
// context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("[WORKER] processor starting; consuming stream %s", p.cycleStream)
	defer p.retries.Wait()
	if err := p.reclaimStale(ctx); err != nil {
		p.logger.Printf("[WORKER] warn: reclaim stale entries failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("[WORKER] processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.cycleStream, streams.WithBlock(p.readBlock), streams.WithCount(p.readBatch))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Printf("[WORKER] error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.reportLag(ctx)
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			if err := p.handleCycleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("[WORKER] error handling message %s: %v", msg.ID, err)
				eventsConsumed.WithLabelValues("error").Inc()
			}
			// Ack regardless: the terminal ledger write already recorded the
			// outcome, and redelivery would be rejected by the idempotency
			// claim anyway.
			if err := p.consumer.Ack(ctx, p.cycleStream, msg.ID); err != nil {
				p.logger.Printf("[WORKER] warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// reclaimStale adopts pending entries abandoned by dead consumers so cycles
// interrupted by a crash are retried.
func (p *Processor) reclaimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.cycleStream, p.claimMinIdle, start, p.readBatch)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if err := p.handleCycleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("[WORKER] error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.cycleStream, msg.ID); err != nil {
				p.logger.Printf("[WORKER] warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (p *Processor) handleCycleEnqueued(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_cycle")
	defer span.End()

	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("[WORKER] skip event %s: already processed", msg.Envelope.EventID)
		eventsConsumed.WithLabelValues("duplicate").Inc()
		return nil
	}

	var payload CycleEnqueuedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal cycle payload: %w", err)
	}
	if payload.UserID == "" {
		payload.UserID = msg.Envelope.UserID
	}
	if payload.UserID == "" {
		return fmt.Errorf("event %s has no user_id", msg.Envelope.EventID)
	}

	result, err := p.runner.RunCycle(ctx, payload.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.retryTransient(ctx, msg.Envelope, err) {
			eventsConsumed.WithLabelValues("retried").Inc()
			return nil
		}
		return fmt.Errorf("run cycle for user %s: %w", payload.UserID, err)
	}
	p.logger.Printf("[WORKER] cycle %s for user %s finished status=%s entities=%d",
		result.CycleID, payload.UserID, result.Status, result.Counts.Total())
	eventsConsumed.WithLabelValues(result.Status).Inc()
	return nil
}

// retryTransient schedules a re-enqueue of the event with an incremented
// attempt counter when the cycle failed on a transient stage error. The
// backoff wait runs in its own goroutine; the consumer loop continues with
// the next message. The republished envelope gets a fresh event ID because
// the original one's idempotency claim is already spent. Reports whether a
// retry was scheduled.
func (p *Processor) retryTransient(ctx context.Context, env streams.Envelope, runErr error) bool {
	if p.publisher == nil || !insight.IsTransientStageError(runErr) {
		return false
	}
	next := env.Attempt + 1
	if next >= p.maxAttempts {
		p.logger.Printf("[WORKER] giving up on user %s after %d attempts: %v", env.UserID, next, runErr)
		return false
	}
	retry := streams.Envelope{
		EventType: env.EventType,
		UserID:    env.UserID,
		TraceID:   env.TraceID,
		Attempt:   next,
		Data:      env.Data,
	}
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		select {
		case <-ctx.Done():
			p.logger.Printf("[WORKER] dropping scheduled retry for user %s: %v", env.UserID, ctx.Err())
			return
		case <-time.After(p.backoff(next)):
		}
		if _, err := p.publisher.Publish(ctx, p.cycleStream, retry); err != nil {
			p.logger.Printf("[WORKER] warn: re-enqueue for user %s failed: %v", env.UserID, err)
			return
		}
		p.logger.Printf("[WORKER] re-enqueued cycle for user %s (attempt %d)", env.UserID, next)
	}()
	return true
}

func (p *Processor) backoff(attempt int) time.Duration {
	d := p.retryBase << uint(attempt-1)
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d
}

func (p *Processor) reportLag(ctx context.Context) {
	lag, err := p.consumer.LagMetrics(ctx, p.cycleStream)
	if err != nil {
		return
	}
	if lag.Lag >= 0 {
		queueLag.Set(float64(lag.Lag))
	}
}
