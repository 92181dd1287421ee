package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petrijr/fluxo-bpmn/internal/correlation"
	"github.com/petrijr/fluxo-bpmn/internal/externaltask"
	"github.com/petrijr/fluxo-bpmn/internal/flownode"
	"github.com/petrijr/fluxo-bpmn/internal/messagebus"
	"github.com/petrijr/fluxo-bpmn/internal/metrics"
	"github.com/petrijr/fluxo-bpmn/internal/transport/httpapi"
	"github.com/petrijr/fluxo-bpmn/internal/usertask"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the external task and user task API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cmd, *cfgFile, "http.listen", "redis.addr")
			if err != nil {
				return err
			}
			defer func() { _ = e.logger.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, e)
		},
	}
	cmd.Flags().String("http-listen", ":8000", "listen address")
	cmd.Flags().String("redis-addr", "", "redis address for the message bus (empty uses an in-process bus)")
	return cmd
}

func serve(ctx context.Context, e *env) error {
	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewObserver(reg)
	if err != nil {
		return err
	}

	bus, err := openBus(ctx, e)
	if err != nil {
		return err
	}
	defer bus.Close()

	authz := e.authorizer()
	tasks := externaltask.NewService(store, authz, e.logger,
		externaltask.WithObserver(api.NewCompositeObserver(observer, api.NewLoggingObserver(e.logger.Named("lease")))))
	journal := flownode.NewJournal(store, e.logger)
	correlations := correlation.NewService(store, store, authz, e.logger)
	userTasks := usertask.NewService(journal, correlations, bus, e.logger)

	handler := httpapi.NewServer(tasks, e.logger,
		httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		httpapi.WithUserTasks(userTasks),
	)
	srv := &http.Server{
		Addr:              e.cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		e.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	e.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openBus connects to redis when an address is configured.
func openBus(ctx context.Context, e *env) (messagebus.Bus, error) {
	if e.cfg.Redis.Addr == "" {
		return messagebus.NewMemoryBus(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: e.cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisBus{RedisBus: messagebus.NewRedisBus(client, e.cfg.Redis.Prefix, e.logger), client: client}, nil
}

// redisBus closes the client it was created with.
type redisBus struct {
	*messagebus.RedisBus
	client *redis.Client
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
