package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/seren-labs/insightd/config"
	"github.com/seren-labs/insightd/internal/graph"
	"github.com/seren-labs/insightd/internal/insight"
	"github.com/seren-labs/insightd/internal/insight/telemetry"
	"github.com/seren-labs/insightd/internal/queue/streams"
	"github.com/seren-labs/insightd/internal/store"
	"github.com/seren-labs/insightd/provider"
)

// runtime bundles the shared dependencies behind an orchestrator instance.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	graph     *graph.Repository
	rdb       *redis.Client
	telemetry *telemetry.Telemetry
	orch      *insight.Orchestrator
}

func (r *runtime) close(ctx context.Context) {
	if r.telemetry != nil {
		r.telemetry.Shutdown()
	}
	if r.graph != nil {
		_ = r.graph.Close(ctx)
	}
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// buildRuntime wires config into a ready orchestrator.
func buildRuntime(ctx context.Context, cfgPath string) (*runtime, error) {
	cfg := config.LoadConfig(cfgPath)

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	logger := log.New(os.Stdout, "[INSIGHT] ", log.LstdFlags)
	gr, err := graph.New(ctx, cfg.Storage.Neo4j.URI, cfg.Storage.Neo4j.Username, cfg.Storage.Neo4j.Password, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("graph init: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = gr.Close(ctx)
		_ = st.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	foundationProvider, foundationModel, err := insight.ResolveStageModel(cfg.LLM, insight.StageFoundation)
	if err != nil {
		return nil, err
	}
	foundationLLM, err := provider.NewProvider(foundationProvider)
	if err != nil {
		return nil, fmt.Errorf("foundation provider: %w", err)
	}
	strategicProvider, strategicModel, err := insight.ResolveStageModel(cfg.LLM, insight.StageStrategic)
	if err != nil {
		return nil, err
	}
	strategicLLM, err := provider.NewProvider(strategicProvider)
	if err != nil {
		return nil, fmt.Errorf("strategic provider: %w", err)
	}

	retrievalCfg := cfg.Retrieval.Normalize()
	var retrieval insight.RetrievalTool
	if retrievalCfg.BaseURL != "" {
		retrieval = insight.NewHTTPRetrievalTool(retrievalCfg.BaseURL, retrievalCfg.APIKey, retrievalCfg.Timeout)
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	ids := insight.NewIDStrategy(cfg.Insight.IDStrategy)

	compiler := insight.NewCompiler(st, retrieval, logger, retrievalCfg.MaxResults)
	stageRunner := insight.NewStageRunner(
		insight.NewLLMFoundationTool(foundationLLM, foundationModel),
		insight.NewLLMStrategicTool(strategicLLM, strategicModel),
		logger,
		cfg.Insight.MinResponseLength,
		cfg.Insight.MaxResponseLength,
	)
	foundation := insight.NewFoundationPersister(st, st, gr, ids, logger)
	strategic := insight.NewStrategicPersister(st, st, gr, ids, logger)

	events := streams.NewEventPublisher(
		streams.NewPublisher(rdb),
		cfg.Insight.EmbeddingStream,
		cfg.Insight.NotificationStream,
	)
	downstream := insight.NewDownstreamPublisher(events, logger)

	orch := insight.NewOrchestrator(
		st, compiler, stageRunner, foundation, strategic, downstream,
		tele, logger,
		cfg.Insight.LookbackDays, cfg.Insight.MaxConcurrentCycles,
	)

	return &runtime{
		cfg:       cfg,
		store:     st,
		graph:     gr,
		rdb:       rdb,
		telemetry: tele,
		orch:      orch,
	}, nil
}
