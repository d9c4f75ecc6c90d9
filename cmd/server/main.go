package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate/internal/auth/gate"
	"github.com/flowgate/flowgate/internal/capability"
	"github.com/flowgate/flowgate/internal/cli/common"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/db"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/modules/revops"
	"github.com/flowgate/flowgate/internal/notify"
	"github.com/flowgate/flowgate/internal/pipeline"
	"github.com/flowgate/flowgate/internal/risk"
	httpserver "github.com/flowgate/flowgate/internal/server/http"
	"github.com/flowgate/flowgate/internal/task"
	"github.com/flowgate/flowgate/internal/telemetry"

	approvalstore "github.com/flowgate/flowgate/internal/approval"
)

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:   "flowgate-server",
		Short: "Flowgate API server: submit, decide, enqueue",
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
					ServiceName:    "flowgate-server",
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

			g, err := gate.New()
			if err != nil {
				return err
			}
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

			svc := pipeline.New(pipeline.Options{
				Approvals: approvals,
				Tasks:     tasks,
				Queue:     queue,
				Registry:  registry,
				Scorer:    risk.NewScorer(risk.Thresholds{Medium: cfg.Risk.MediumThreshold, High: cfg.Risk.HighThreshold}),
				Gate:      g,
				Notifier:  notifier,
				Logger:    logger,
				Lane:      cfg.Executor.Lane,
			})

			// Periodic sweep re-drives approvals stranded between decide
			// and enqueue by a crash or a redis outage.
			go func() {
				ticker := time.NewTicker(cfg.Executor.SweepEvery)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if n, err := svc.RecoverAll(ctx); err != nil {
							logger.Error("recover sweep", slog.String("err", err.Error()))
						} else if n > 0 {
							logger.Info("recover sweep re-enqueued approvals", slog.Int("count", n))
						}
					}
				}
			}()

			srv := httpserver.NewServer(svc, logger)
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
				sig := <-sigCh
				logger.Info("shutdown signal", slog.String("signal", sig.String()))
				cancel()
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				_ = srv.Shutdown(sctx)
			}()

			logger.Info("flowgate-server listening", slog.String("addr", cfg.ListenAddr))
			return srv.ListenAndServe(cfg.ListenAddr)
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "config file (yaml), e.g. configs/server.yaml")

	if err := root.Execute(); err != nil {
		slog.Error("server exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

var version = "dev"
