// Command rebilld runs the Rebill billing engine as a standalone daemon.
// It opens the configured store, drives the billing sweeps on cron
// schedules and serves Prometheus metrics plus a health endpoint over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rebillhq/rebill"
	"github.com/rebillhq/rebill/eventhook"
	"github.com/rebillhq/rebill/gateway"
	"github.com/rebillhq/rebill/observability"
	"github.com/rebillhq/rebill/redislock"
	"github.com/rebillhq/rebill/scheduler"
	"github.com/rebillhq/rebill/store"
	"github.com/rebillhq/rebill/store/memory"
	"github.com/rebillhq/rebill/store/mongo"
	"github.com/rebillhq/rebill/store/postgres"
	"github.com/rebillhq/rebill/store/sqlite"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting rebilld", "store", cfg.StoreDriver, "metrics_addr", cfg.MetricsAddr)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	opts := []rebill.Option{
		rebill.WithLogger(logger),
		rebill.WithGraceDuration(time.Duration(cfg.GraceHours) * time.Hour),
		rebill.WithBatchConcurrency(cfg.BatchConcurrency),
		rebill.WithSweepLimit(cfg.SweepLimit),
	}

	if cfg.RedisURL != "" {
		guard, err := redislock.Open(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer guard.Close() //nolint:errcheck // best-effort close on shutdown
		opts = append(opts, rebill.WithIdempotencyGuard(guard))
		logger.Info("redis idempotency guard enabled")
	}

	metrics := observability.NewMetricsExtension(nil)
	opts = append(opts, rebill.WithPlugin(metrics))

	if cfg.AMQPURL != "" {
		publisher, err := eventhook.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("failed to connect to amqp broker", "error", err)
			os.Exit(1)
		}
		defer publisher.Close() //nolint:errcheck // best-effort close on shutdown
		opts = append(opts, rebill.WithPlugin(eventhook.New(publisher, eventhook.WithLogger(logger))))
		logger.Info("amqp event publishing enabled")
	}

	// The sandbox gateway is the only built-in provider. Real providers
	// are expected to be wired in by embedding the engine in a service.
	engine := rebill.New(st, gateway.NewSandbox(), opts...)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Start(startCtx); err != nil {
		cancel()
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	cancel()

	sched := scheduler.New(engine, scheduler.Config{
		DueSchedule:   cfg.DueSchedule,
		RetrySchedule: cfg.RetrySchedule,
		GraceSchedule: cfg.GraceSchedule,
		TrialSchedule: cfg.TrialSchedule,
	}, scheduler.WithLogger(logger))
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      newMux(st, metrics),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	logger.Info("rebilld is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Let in-flight sweep jobs finish before tearing anything down.
	stopCtx := sched.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	if err := engine.Stop(); err != nil {
		logger.Warn("engine shutdown failed", "error", err)
	}
	logger.Info("rebilld stopped")
}

// openStore builds the store named by the configuration.
func openStore(cfg *config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("rebilld: postgres store requires REBILL_DATABASE_URL")
		}
		return postgres.Open(cfg.DatabaseURL)
	case "sqlite":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("rebilld: sqlite store requires REBILL_DATABASE_URL")
		}
		return sqlite.Open(cfg.DatabaseURL)
	case "mongo":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("rebilld: mongo store requires REBILL_DATABASE_URL")
		}
		return mongo.Open(cfg.DatabaseURL, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("rebilld: unknown store driver %q", cfg.StoreDriver)
	}
}

// newMux serves the metrics exposition and a store-backed health check.
func newMux(st store.Store, metrics *observability.MetricsExtension) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "store": "ok"}
		code := http.StatusOK
		if err := st.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status) //nolint:errcheck // best-effort response body
	})
	return mux
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
