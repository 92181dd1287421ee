package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/metrics"
	"github.com/petrijr/fluxo-bpmn/internal/transport/httpapi"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
	"github.com/petrijr/fluxo-bpmn/pkg/worker"
)

func newWorkerCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an external task worker that echoes task payloads back as results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd, *cfgFile,
				"http.base_url", "worker.topic", "worker.token", "worker.max_tasks", "worker.lock_duration",
				"worker.metrics_listen")
			if err != nil {
				return err
			}
			defer func() { _ = e.logger.Sync() }()

			if e.cfg.Worker.Topic == "" {
				return errors.New("worker.topic is required")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			ctx, cancel := signalContext()
			defer cancel()

			if addr := e.cfg.Worker.MetricsListen; addr != "" {
				stop := serveMetrics(e.logger, addr, reg)
				defer stop()
			}
			return runWorker(ctx, e, httpapi.NewClient(e.cfg.HTTP.BaseURL, nil), reg, echo)
		},
	}
	cmd.Flags().String("http-base-url", "http://localhost:8000", "engine base url")
	cmd.Flags().String("worker-topic", "", "topic to fetch tasks from")
	cmd.Flags().String("worker-token", "", "bearer token sent to the engine")
	cmd.Flags().Int("worker-max-tasks", 10, "tasks fetched per batch")
	cmd.Flags().Duration("worker-lock-duration", 30*time.Second, "lease requested per fetch and renewal")
	cmd.Flags().String("worker-metrics-listen", ":8001", "listen address for /metrics (empty disables it)")
	return cmd
}

// runWorker processes tasks of the configured topic until ctx is done and
// records every execution on reg.
func runWorker(ctx context.Context, e *env, client api.ExternalTaskAPI, reg prometheus.Registerer, handler worker.Handler) error {
	observer, err := metrics.NewObserver(reg)
	if err != nil {
		return err
	}
	totals := &api.BasicMetrics{}

	wc := e.cfg.Worker
	w := worker.New(client, worker.Config{
		MaxTasks:           wc.MaxTasks,
		LockDuration:       wc.LockDuration,
		LongPollingTimeout: wc.LongPollingTimeout,
		RetryInterval:      wc.RetryInterval,
		RenewMargin:        wc.RenewMargin,
	}, e.logger, worker.WithObserver(api.NewCompositeObserver(
		observer,
		totals,
		api.NewLoggingObserver(e.logger.Named("tasks")),
	)))

	e.logger.Info("worker started",
		zap.String("worker_id", w.ID()),
		zap.String("topic", wc.Topic),
		zap.String("engine", e.cfg.HTTP.BaseURL))
	defer func() {
		snap := totals.Snapshot()
		e.logger.Info("worker totals",
			zap.Int64("executions", snap.Executions),
			zap.Duration("avg_execution", snap.AvgExecutionDuration),
			zap.Int64("lock_extend_failures", snap.LockExtendFailures))
	}()

	err = w.Run(ctx, api.Identity{UserID: wc.Token, Token: wc.Token}, wc.Topic, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(logger *zap.Logger, addr string, reg *prometheus.Registry) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// echo finishes every task with its own payload.
func echo(_ context.Context, task *api.ExternalTask) (worker.Result, error) {
	return worker.FinishResult{Payload: task.Payload}, nil
}
