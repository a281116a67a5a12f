package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/seren-labs/insightd/config"
)

// Telemetry provides cycle monitoring and LLM cost tracking.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregate cycle and stage counters.
type Metrics struct {
	TotalCycles      int64
	CompletedCycles  int64
	FailedCycles     int64
	AverageCycleTime time.Duration
	EntitiesCreated  int64

	StageExecutions   map[string]int64
	StageSuccessRates map[string]float64
	StageAverageTimes map[string]time.Duration
}

// CostTracker tracks LLM spend by model.
type CostTracker struct {
	ModelCosts  map[string]float64
	ModelTokens map[string]int64
	TotalCost   float64
	TotalTokens int64
}

// CycleEvent records one complete cycle run.
type CycleEvent struct {
	CycleID         string
	UserID          string
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	Success         bool
	Error           string
	Cost            float64
	TokensUsed      int64
	EntitiesCreated int
}

// StageEvent records one stage-tool invocation.
type StageEvent struct {
	CycleID  string
	Stage    string
	Duration time.Duration
	Success  bool
	Model    string
	Tokens   int64
	Cost     float64
}

var (
	cyclesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_cycles_processed_total",
		Help: "Cycles run to a terminal state, by status.",
	}, []string{"status"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_stage_duration_seconds",
		Help:    "Stage tool invocation latency.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"stage"})
	entitiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_entities_created_total",
		Help: "Content entities persisted across all cycles.",
	})
	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_llm_tokens_total",
		Help: "LLM tokens consumed, by model.",
	}, []string{"model"})
)

// NewTelemetry creates a telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions:   make(map[string]int64),
			StageSuccessRates: make(map[string]float64),
			StageAverageTimes: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ModelCosts:  make(map[string]float64),
			ModelTokens: make(map[string]int64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startMetricsReporting()
	}

	return t
}

// RecordCycleEvent records a terminal cycle outcome.
func (t *Telemetry) RecordCycleEvent(ctx context.Context, event CycleEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalCycles++
	status := "failed"
	if event.Success {
		t.metrics.CompletedCycles++
		status = "completed"
	} else {
		t.metrics.FailedCycles++
	}
	cyclesProcessed.WithLabelValues(status).Inc()
	t.metrics.EntitiesCreated += int64(event.EntitiesCreated)
	entitiesCreated.Add(float64(event.EntitiesCreated))

	if t.metrics.TotalCycles == 1 {
		t.metrics.AverageCycleTime = event.Duration
	} else {
		total := t.metrics.AverageCycleTime * time.Duration(t.metrics.TotalCycles-1)
		t.metrics.AverageCycleTime = (total + event.Duration) / time.Duration(t.metrics.TotalCycles)
	}

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}

	t.logger.Printf("Cycle Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Entities=%d",
		event.CycleID, event.Success, event.Duration, event.Cost, event.TokensUsed, event.EntitiesCreated)
}

// RecordStageEvent records a stage-tool invocation.
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StageExecutions[event.Stage]++
	executions := t.metrics.StageExecutions[event.Stage]

	currentSuccess := t.metrics.StageSuccessRates[event.Stage] * float64(executions-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.StageSuccessRates[event.Stage] = currentSuccess / float64(executions)

	currentAvg := t.metrics.StageAverageTimes[event.Stage]
	if executions == 1 {
		t.metrics.StageAverageTimes[event.Stage] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.StageAverageTimes[event.Stage] = (total + event.Duration) / time.Duration(executions)
	}

	stageDuration.WithLabelValues(event.Stage).Observe(event.Duration.Seconds())
	if event.Model != "" {
		llmTokens.WithLabelValues(event.Model).Add(float64(event.Tokens))
		if t.config.CostTracking {
			t.costTracker.ModelCosts[event.Model] += event.Cost
			t.costTracker.ModelTokens[event.Model] += event.Tokens
		}
	}

	t.logger.Printf("Stage Event: Cycle=%s, Stage=%s, Success=%t, Duration=%v, Tokens=%d",
		event.CycleID, event.Stage, event.Success, event.Duration, event.Tokens)
}

// GetMetrics returns a copy of the current metrics snapshot.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StageExecutions = make(map[string]int64, len(t.metrics.StageExecutions))
	metrics.StageSuccessRates = make(map[string]float64, len(t.metrics.StageSuccessRates))
	metrics.StageAverageTimes = make(map[string]time.Duration, len(t.metrics.StageAverageTimes))
	for k, v := range t.metrics.StageExecutions {
		metrics.StageExecutions[k] = v
	}
	for k, v := range t.metrics.StageSuccessRates {
		metrics.StageSuccessRates[k] = v
	}
	for k, v := range t.metrics.StageAverageTimes {
		metrics.StageAverageTimes[k] = v
	}
	return metrics
}

// GetCostSummary returns current LLM spend by model.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
		ModelTokens: make(map[string]int64, len(t.costTracker.ModelTokens)),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.ModelTokens {
		summary.ModelTokens[k] = v
	}
	return summary
}

// CostSummary provides a summary of LLM costs.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
	ModelTokens map[string]int64
}

func (t *Telemetry) startMetricsReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()
		t.logger.Printf("Metrics Snapshot: Cycles=%d/%d, AvgTime=%v, Entities=%d, TotalCost=$%.4f",
			metrics.CompletedCycles, metrics.TotalCycles, metrics.AverageCycleTime,
			metrics.EntitiesCreated, costs.TotalCost)
	}
}

// Shutdown emits a final report.
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	t.logger.Printf("Final Report: Cycles=%d (completed=%d failed=%d), AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
		metrics.TotalCycles, metrics.CompletedCycles, metrics.FailedCycles,
		metrics.AverageCycleTime, costs.TotalCost, costs.TotalTokens)
}
