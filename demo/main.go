// Demo server exposing the transaction subsystem over HTTP.
//
// It plays both sides for demonstration purposes: the API that accepts
// transactions (with long-poll or webhook replies) and a toy execution
// engine that completes each transaction after a short delay.
//
// Environment:
//
//	DATABASE_URL  Postgres connection string (required)
//	LISTEN_ADDR   HTTP listen address (default :8080)
//	NODE_GROUP    wake sweep node group (default demo)
//	NODE_ID       node identity (default hostname)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	datp "github.com/tooltwist/datp-sub001"
	"github.com/tooltwist/datp-sub001/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("demo server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		return errors.New("DATABASE_URL must be set")
	}
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	nodeGroup := envOr("NODE_GROUP", "demo")
	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return err
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, datp.SchemaSQL); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := datp.NewMetrics(reg)

	store := storage.NewStore(pool, datp.DefaultSchema)
	cache, err := datp.NewTransactionCache(datp.CacheConfig{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	longPoll := datp.NewLongPollRegistry(datp.LongPollConfig{
		Summaries: cache,
		Stamper:   cache,
		Logger:    logger,
		Metrics:   metrics,
	})
	webhooks, err := datp.NewWebhookDeliveryEngine(datp.WebhookConfig{
		Store:     store,
		Summaries: cache,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	responder := &datp.Responder{LongPoll: longPoll, Webhooks: webhooks, Logger: logger}

	scheduler, err := datp.NewWakeScheduler(datp.WakeSchedulerConfig{
		Store:      store,
		Dispatcher: datp.LoggingDispatcher{Logger: logger},
		NodeGroup:  nodeGroup,
		NodeID:     nodeID,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go func() {
		if err := webhooks.Run(pumpCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("webhook pump stopped", "error", err)
		}
	}()
	defer webhooks.Stop()

	api := &apiServer{
		cache:     cache,
		longPoll:  longPoll,
		responder: responder,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(ownerMiddleware)
	r.Post("/transactions", api.startTransaction)
	r.Get("/transactions/{txId}", api.getTransaction)
	r.Get("/transactions/external/{externalId}", api.getTransactionByExternalID)
	r.Put("/transactions/{txId}/switches/{name}", api.setSwitch)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: listenAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listenAddr, "nodeGroup", nodeGroup, "nodeId", nodeID)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
