package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/api"
	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/data"
	"github.com/atmx/backtest-engine/internal/engine"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	proc := config.FromEnv()
	if proc.RunConfig == "" || proc.DataBundle == "" {
		slog.Error("RUN_CONFIG and DATA_BUNDLE must be set")
		os.Exit(1)
	}

	if proc.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "backtest-engine",
			ServerAddress:   proc.PyroscopeServer,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			slog.Error("pyroscope start failed", "err", err)
			os.Exit(1)
		}
		defer profiler.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if proc.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, proc.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if proc.RedisURL != "" {
			opt, err := redis.ParseURL(proc.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 10*time.Minute)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Backtest ---
	src, err := data.LoadBundleFile(proc.DataBundle)
	if err != nil {
		slog.Error("data bundle load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFile(proc.RunConfig)
	if err != nil {
		slog.Error("run config load failed", "err", err)
		os.Exit(1)
	}

	eng, err := newEngine(ctx, src, *cfg, st, proc.RunID)
	if err != nil {
		slog.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	metrics.Observe(eng)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	wsHub.Observe(eng)
	go wsHub.Run(ctx)

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("backtest failed", "run_id", eng.RunID(), "err", err)
		}
	}()

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + proc.Port,
		Handler:      api.NewRouter(api.NewService(eng), wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("backtest-engine listening", "port", proc.Port, "run_id", eng.RunID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down backtest-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("backtest-engine stopped")
}

// newEngine builds the engine and, when runID names a stored run, resumes
// it from the latest snapshot.
func newEngine(ctx context.Context, src *data.MemorySource, cfg config.Run, st store.Store, runID string) (*engine.Engine, error) {
	strat := &engine.TargetWeights{Weights: cfg.Rebalance.Weights, Prices: cfg.Rebalance.Prices}
	opts := []engine.Option{engine.WithStore(st)}
	if runID != "" {
		opts = append(opts, engine.WithRunID(runID))
	}
	eng, err := engine.New(src, cfg, strat, opts...)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return eng, nil
	}

	snap, err := st.LatestSnapshot(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no snapshot stored, starting fresh", "run_id", runID)
		return eng, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := eng.Restore(snap); err != nil {
		return nil, err
	}
	return eng, nil
}
