package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seren-labs/insightd/internal/queue/streams"
	"github.com/seren-labs/insightd/internal/worker"
	"github.com/spf13/cobra"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var withScheduler bool

	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run the cycle worker (and optional scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := buildRuntime(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())
			cfg := rt.cfg

			if err := streams.EnsureGroup(ctx, rt.rdb, cfg.Insight.CycleStream, cfg.Insight.ConsumerGroup); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			consumer := streams.NewConsumer(rt.rdb, cfg.Insight.ConsumerGroup, cfg.Worker.ConsumerName)
			publisher := streams.NewPublisher(rt.rdb)

			if withScheduler {
				schedLogger := log.New(os.Stdout, "[SCHED] ", log.LstdFlags)
				sched := worker.NewScheduler(rt.store, publisher, rt.rdb, schedLogger, cfg.Insight.CycleStream, cfg.Worker.ScheduleCron)
				sched.Start()
				defer sched.Stop()
			}

			if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsPort > 0 {
				go func() {
					addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					logger.Printf("metrics listening on %s", addr)
					if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
						logger.Printf("metrics server: %v", err)
					}
				}()
			}

			processor := worker.NewProcessor(
				logger, rt.store, rt.orch, consumer, publisher,
				cfg.Insight.CycleStream,
				cfg.Worker.ClaimMinIdle, cfg.Worker.ReadBlock, cfg.Worker.ReadBatchSize,
				cfg.Worker.MaxAttempts,
				nil,
			)
			return processor.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "scheduler", true, "run the cycle scheduler in this process")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
