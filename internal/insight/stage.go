package insight

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage names used for ledger records, errors and telemetry.
const (
	StageFoundation = "foundation"
	StageStrategic  = "strategic"
)

var stageTracer trace.Tracer = otel.Tracer("insightd/internal/insight/stage")

// truncationIndicators are substrings that suggest a clipped LLM response.
var truncationIndicators = []string{"…", "truncated", "incomplete", "(continued)"}

// StageRunner invokes the external stage tools and validates output shape.
// Retries, if any, belong to the tool's own transport wrapper, not here.
type StageRunner struct {
	foundation FoundationTool
	strategic  StrategicTool
	logger     *log.Logger
	minLength  int
	maxLength  int
}

// NewStageRunner creates a stage runner with plausible-output bounds.
func NewStageRunner(foundation FoundationTool, strategic StrategicTool, logger *log.Logger, minLength, maxLength int) *StageRunner {
	return &StageRunner{
		foundation: foundation,
		strategic:  strategic,
		logger:     logger,
		minLength:  minLength,
		maxLength:  maxLength,
	}
}

// RunFoundation executes the Foundation stage and validates the result.
func (r *StageRunner) RunFoundation(ctx context.Context, input CycleContext) (FoundationResult, error) {
	ctx, span := stageTracer.Start(ctx, "insight.stage.foundation",
		trace.WithAttributes(attribute.String("user.id", input.UserID)))
	defer span.End()

	result, err := r.foundation.Execute(ctx, input)
	if err != nil {
		serr := r.classify(StageFoundation, err)
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return FoundationResult{}, serr
	}
	if err := r.validateSize(StageFoundation, result.Raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FoundationResult{}, err
	}
	if result.MemoryProfile == "" {
		err := StageError{Stage: StageFoundation, Err: fmt.Errorf("missing memory profile in response")}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FoundationResult{}, err
	}
	r.scanTruncation(StageFoundation, string(result.Raw))
	span.SetAttributes(
		attribute.Int64("stage.tokens", result.Usage.TokensUsed),
		attribute.Float64("stage.cost_usd", result.Usage.Cost),
	)
	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

// RunStrategic executes the Strategic stage as a continuation of the
// Foundation prompt text and validates the result.
func (r *StageRunner) RunStrategic(ctx context.Context, input CycleContext, foundation FoundationResult, foundationPromptText string) (StrategicResult, error) {
	ctx, span := stageTracer.Start(ctx, "insight.stage.strategic",
		trace.WithAttributes(attribute.String("user.id", input.UserID)))
	defer span.End()

	result, err := r.strategic.Execute(ctx, input, foundation, foundationPromptText)
	if err != nil {
		serr := r.classify(StageStrategic, err)
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return StrategicResult{}, serr
	}
	if err := r.validateSize(StageStrategic, result.Raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StrategicResult{}, err
	}
	r.scanTruncation(StageStrategic, string(result.Raw))
	span.SetAttributes(
		attribute.Int64("stage.tokens", result.Usage.TokensUsed),
		attribute.Float64("stage.cost_usd", result.Usage.Cost),
	)
	span.SetStatus(codes.Ok, "completed")
	return result, nil
}

// validateSize rejects implausibly short responses as truncation and warns on
// implausibly long ones.
func (r *StageRunner) validateSize(stage string, raw []byte) error {
	if r.minLength > 0 && len(raw) < r.minLength {
		return StageError{Stage: stage, Err: fmt.Errorf("response too short (%d bytes, minimum %d)", len(raw), r.minLength)}
	}
	if r.maxLength > 0 && len(raw) > r.maxLength {
		r.logger.Printf("[STAGE] warn: %s response implausibly long (%d bytes, expected <= %d)", stage, len(raw), r.maxLength)
	}
	return nil
}

func (r *StageRunner) scanTruncation(stage, raw string) {
	lower := strings.ToLower(raw)
	for _, indicator := range truncationIndicators {
		if strings.Contains(lower, indicator) {
			r.logger.Printf("[STAGE] warn: %s response contains truncation indicator %q", stage, indicator)
			return
		}
	}
}

// transientCause lets tool transports flag retryable upstream failures.
type transientCause interface {
	Transient() bool
}

// classify wraps tool errors into StageError, distinguishing transient
// upstream conditions from fatal local ones for observability.
func (r *StageRunner) classify(stage string, err error) StageError {
	var se StageError
	if errors.As(err, &se) {
		return se
	}
	transient := false
	var tc transientCause
	switch {
	case errors.As(err, &tc):
		transient = tc.Transient()
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			transient = true
		} else {
			msg := strings.ToLower(err.Error())
			for _, hint := range []string{"rate limit", "429", "503", "overloaded", "timeout", "temporarily"} {
				if strings.Contains(msg, hint) {
					transient = true
					break
				}
			}
		}
	}
	if transient {
		r.logger.Printf("[STAGE] %s transient upstream failure (already retried by tool): %v", stage, err)
	}
	return StageError{Stage: stage, Transient: transient, Err: err}
}
