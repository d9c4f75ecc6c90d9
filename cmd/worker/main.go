package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/cli/common"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/db"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/executor"
	"github.com/flowgate/flowgate/internal/modules/revops"
	"github.com/flowgate/flowgate/internal/notify"
	"github.com/flowgate/flowgate/internal/task"
	"github.com/flowgate/flowgate/internal/telemetry"

	approvalstore "github.com/flowgate/flowgate/internal/approval"
)

func main() {
	var cfgFile string
	var workerID string
	root := &cobra.Command{
		Use:   "flowgate-worker",
		Short: "Flowgate execution worker: claim, execute, record",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := common.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			cfg := config.FromViper(v)
			common.SetupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File,
				cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays, cfg.Log.Compress)
			logger := slog.Default()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if cfg.Telemetry.Enabled {
				tp, err := telemetry.NewProvider(ctx, telemetry.Config{
					ServiceName:    "flowgate-worker",
					ServiceVersion: version,
					Environment:    cfg.Telemetry.Environment,
					CollectorURL:   cfg.Telemetry.CollectorURL,
				})
				if err != nil {
					logger.Warn("telemetry disabled", slog.String("err", err.Error()))
				} else {
					defer func() {
						sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer scancel()
						_ = tp.Shutdown(sctx)
					}()
				}
			}

			gdb, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			approvals, err := approvalstore.NewGormStore(gdb)
			if err != nil {
				return err
			}
			tasks, err := task.NewGormStore(gdb)
			if err != nil {
				return err
			}
			queue, err := dispatch.NewRedisQueue(cfg.RedisURL, cfg.Executor.Lane)
			if err != nil {
				return err
			}
			defer queue.Close()

			registry := capability.NewRegistry()
			if err := revops.Register(registry, &revops.LogCRM{Logger: logger}); err != nil {
				return err
			}
			notifier := notify.New(notify.Config{
				Type:         cfg.Notify.Type,
				RedisURL:     cfg.RedisURL,
				RedisStream:  cfg.Notify.RedisStream,
				KafkaBrokers: cfg.Notify.KafkaBrokers,
				KafkaTopic:   cfg.Notify.KafkaTopic,
			}, logger)

			w := executor.New(executor.Config{
				WorkerID:     workerID,
				Concurrency:  cfg.Executor.Concurrency,
				MaxAttempts:  cfg.Executor.MaxAttempts,
				ExecTimeout:  cfg.Executor.ExecTimeout,
				StalledAfter: cfg.Executor.StalledAfter,
				SweepEvery:   cfg.Executor.SweepEvery,
			}, queue, approvals, tasks, registry, notifier,
				func(tenantID string) capability.DataHandle { return db.NewTenantData(gdb, tenantID) },
				logger)

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
				sig := <-sigCh
				logger.Info("shutdown signal", slog.String("signal", sig.String()))
				cancel()
			}()

			logger.Info("flowgate-worker running",
				slog.String("lane", cfg.Executor.Lane),
				slog.Int("concurrency", cfg.Executor.Concurrency))
			w.Run(ctx)
			return nil
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file (yaml), e.g. configs/worker.yaml")
	root.Flags().StringVar(&workerID, "worker-id", "", "stable worker identity; random when empty")

	if err := root.Execute(); err != nil {
		slog.Error("worker exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

var version = "dev"
