package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/seren-labs/insightd/internal/insight/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("insightd/internal/insight/orchestrator")

// Orchestrator composes the full two-stage insight cycle for one user:
// ledger creation, context compilation, Foundation stage and persistence,
// Strategic stage and persistence, terminal ledger update, downstream publish.
// At-most-one-active-cycle-per-user is the scheduler's responsibility; it is
// not re-validated here.
type Orchestrator struct {
	ledger     CycleLedger
	compiler   *Compiler
	runner     *StageRunner
	foundation *FoundationPersister
	strategic  *StrategicPersister
	publisher  *DownstreamPublisher
	telemetry  *telemetry.Telemetry
	logger     *log.Logger

	lookbackDays int

	// Concurrency control across cycles sharing this orchestrator.
	semaphore chan struct{}
}

// NewOrchestrator wires the cycle pipeline.
func NewOrchestrator(ledger CycleLedger, compiler *Compiler, runner *StageRunner, foundation *FoundationPersister, strategic *StrategicPersister, publisher *DownstreamPublisher, tele *telemetry.Telemetry, logger *log.Logger, lookbackDays, maxConcurrent int) *Orchestrator {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		ledger:       ledger,
		compiler:     compiler,
		runner:       runner,
		foundation:   foundation,
		strategic:    strategic,
		publisher:    publisher,
		telemetry:    tele,
		logger:       logger,
		lookbackDays: lookbackDays,
		semaphore:    make(chan struct{}, maxConcurrent),
	}
}

// partialResults is what the ledger keeps for a failed cycle so that
// Foundation-stage value is never silently lost.
type partialResults struct {
	StageReached      string          `json:"stage_reached"`
	FoundationCreated []CreatedEntity `json:"foundation_created,omitempty"`
	StrategicCreated  []CreatedEntity `json:"strategic_created,omitempty"`
	Errors            []string        `json:"errors,omitempty"`
}

// RunCycle executes one complete insight cycle and returns its terminal result.
// The cycle ledger receives exactly one terminal write: completed or failed.
func (o *Orchestrator) RunCycle(ctx context.Context, userID string) (CycleResult, error) {
	startTime := time.Now()
	ctx, span := orchestratorTracer.Start(ctx, "insight.run_cycle",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}

	window := Window(startTime.UTC(), o.lookbackDays)

	// The ledger row is durable before any external call so every attempted
	// cycle is auditable even on crash.
	cycleID, err := o.ledger.CreateCycle(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CycleResult{}, fmt.Errorf("create cycle ledger: %w", err)
	}
	span.SetAttributes(attribute.String("cycle.id", cycleID))
	o.logger.Printf("[ORCH] cycle %s started for user %s (window %s..%s)", cycleID, userID,
		window.Since.Format(time.RFC3339), window.Until.Format(time.RFC3339))

	result := CycleResult{CycleID: cycleID, UserID: userID}
	partial := partialResults{StageReached: "context"}

	event := telemetry.CycleEvent{CycleID: cycleID, UserID: userID, StartTime: startTime}
	defer func() {
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		o.telemetry.RecordCycleEvent(ctx, event)
	}()

	fail := func(stage string, cause error) (CycleResult, error) {
		partial.StageReached = stage
		partial.Errors = result.Errors
		raw, merr := json.Marshal(partial)
		if merr != nil {
			raw = nil
		}
		if lerr := o.ledger.FailCycle(ctx, cycleID, cause.Error(), raw); lerr != nil {
			o.logger.Printf("[ORCH] warn: failed-cycle ledger update for %s: %v", cycleID, lerr)
		}
		result.Status = CycleStatusFailed
		result.Duration = time.Since(startTime)
		event.Success = false
		event.Error = cause.Error()
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		return result, cause
	}

	// Phase 1: context compilation.
	input, err := o.compiler.Compile(ctx, userID, window)
	if err != nil {
		return fail("context", err)
	}
	if input.IsEmpty() {
		o.logger.Printf("[ORCH] cycle %s: no in-window activity; stages run on empty context", cycleID)
	}
	span.AddEvent("context.compiled", trace.WithAttributes(
		attribute.Int("context.conversations", len(input.Conversations)),
		attribute.Int("context.memory_units", len(input.MemoryUnits)),
		attribute.Int("context.concepts", len(input.Concepts)),
	))

	// Phase 2: Foundation stage.
	stageStart := time.Now()
	foundationResult, err := o.runner.RunFoundation(ctx, input)
	o.telemetry.RecordStageEvent(ctx, telemetry.StageEvent{
		CycleID:  cycleID,
		Stage:    StageFoundation,
		Duration: time.Since(stageStart),
		Success:  err == nil,
		Model:    foundationResult.Usage.Model,
		Tokens:   foundationResult.Usage.TokensUsed,
		Cost:     foundationResult.Usage.Cost,
	})
	if err != nil {
		return fail(StageFoundation, err)
	}
	event.TokensUsed += foundationResult.Usage.TokensUsed
	event.Cost += foundationResult.Usage.Cost

	// Phase 3: Foundation persistence, durable regardless of Strategic outcome.
	foundationCreated, ferrs := o.foundation.Persist(ctx, userID, cycleID, foundationResult)
	partial.FoundationCreated = foundationCreated
	for _, perr := range ferrs {
		result.Errors = append(result.Errors, perr.Error())
	}
	result.Created = append(result.Created, foundationCreated...)

	// Phase 4: Strategic stage, forwarded the Foundation prompt text unmodified
	// so the transport sees a continuation and can reuse cached context.
	stageStart = time.Now()
	strategicResult, err := o.runner.RunStrategic(ctx, input, foundationResult, foundationResult.PromptText)
	o.telemetry.RecordStageEvent(ctx, telemetry.StageEvent{
		CycleID:  cycleID,
		Stage:    StageStrategic,
		Duration: time.Since(stageStart),
		Success:  err == nil,
		Model:    strategicResult.Usage.Model,
		Tokens:   strategicResult.Usage.TokensUsed,
		Cost:     strategicResult.Usage.Cost,
	})
	if err != nil {
		return fail(StageStrategic, err)
	}
	event.TokensUsed += strategicResult.Usage.TokensUsed
	event.Cost += strategicResult.Usage.Cost

	// Phase 5: Strategic persistence and ontology mutation. Description
	// synthesis is bounded by the compiler's candidate set, not by whatever
	// concept IDs the model chose to return.
	synthesisHints := make([]string, 0, len(input.SynthesisCandidates))
	for _, c := range input.SynthesisCandidates {
		synthesisHints = append(synthesisHints, c.ID)
	}
	strategicCreated, counts, serrs := o.strategic.Persist(ctx, userID, cycleID, strategicResult, synthesisHints)
	partial.StrategicCreated = strategicCreated
	for _, perr := range serrs {
		result.Errors = append(result.Errors, perr.Error())
	}
	result.Created = append(result.Created, strategicCreated...)

	// Foundation artifacts count toward the cycle aggregate.
	for _, entity := range foundationCreated {
		if entity.Type == EntityTypeDerivedArtifact {
			counts.DerivedArtifacts++
		}
	}
	result.Counts = counts

	// Phase 6: terminal ledger write.
	if err := o.ledger.CompleteCycle(ctx, cycleID, counts); err != nil {
		return fail("ledger", fmt.Errorf("complete cycle ledger: %w", err))
	}
	result.Status = CycleStatusCompleted
	result.Duration = time.Since(startTime)
	result.TokensUsed = event.TokensUsed
	result.Cost = event.Cost
	event.Success = true
	event.EntitiesCreated = counts.Total()

	// Phase 7: downstream hand-off; never affects the cycle outcome.
	o.publisher.Publish(ctx, userID, cycleID, result.Created, counts.Total())

	span.SetAttributes(
		attribute.Int("cycle.entities_created", counts.Total()),
		attribute.Int64("cycle.tokens", result.TokensUsed),
		attribute.Float64("cycle.cost_usd", result.Cost),
	)
	span.SetStatus(codes.Ok, "completed")
	o.logger.Printf("[ORCH] cycle %s completed in %v: %d artifacts, %d prompts, %d growth events",
		cycleID, result.Duration, counts.DerivedArtifacts, counts.ProactivePrompts, counts.GrowthEvents)

	return result, nil
}
