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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/noderelay/internal/api"
	"github.com/alecgard/noderelay/internal/apikey"
	"github.com/alecgard/noderelay/internal/auth"
	"github.com/alecgard/noderelay/internal/config"
	"github.com/alecgard/noderelay/internal/gateway"
	"github.com/alecgard/noderelay/internal/metrics"
	"github.com/alecgard/noderelay/internal/proxy"
	"github.com/alecgard/noderelay/internal/ratelimit"
	"github.com/alecgard/noderelay/internal/risk"
	"github.com/alecgard/noderelay/internal/usage"
	"github.com/alecgard/noderelay/internal/windowstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	slog.Info("connected to database")

	windows, closeWindows, err := openWindowStore(ctx, cfg.WindowStore)
	if err != nil {
		return err
	}
	defer closeWindows()

	m := metrics.New()
	m.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:        s.TotalConns(),
			Idle:         s.IdleConns(),
			Acquired:     s.AcquiredConns(),
			Max:          s.MaxConns(),
			AcquireCount: s.AcquireCount(),
		}
	})

	keyStore := apikey.NewStore(pool)
	validator := auth.NewValidator(apikey.NewAuthAdapter(keyStore), windows, cfg.Auth.CacheTTL)
	validator.SetMetrics(m)

	limiter := ratelimit.New(windows, cfg.RateLimit.Window, cfg.RateLimit.Tiers)

	engine, err := risk.New(windows, cfg.RiskEngineConfig())
	if err != nil {
		return fmt.Errorf("configuring risk engine: %w", err)
	}
	engine.SetMetrics(m)

	bucketStore := usage.NewStore(pool)
	collector := usage.NewCollector(bucketStore, cfg.Usage.BatchSize, cfg.Usage.FlushInterval)
	collector.SetMetrics(m)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		collector.Start(ctx)
	}()

	forwarder := proxy.New(proxy.Config{
		URL:             cfg.Upstream.URL,
		Network:         cfg.Upstream.Network,
		Timeout:         cfg.Upstream.Timeout,
		CheckTimeout:    cfg.Upstream.CheckTimeout,
		MaxAttempts:     cfg.Upstream.MaxAttempts,
		BackoffBase:     cfg.Upstream.BackoffBase,
		MaxResponseSize: cfg.Upstream.MaxResponseSize,
	}, collector)
	forwarder.SetMetrics(m)

	worst := forwarder.WorstCaseLatency()
	slog.Info("upstream configured",
		"url", cfg.Upstream.URL,
		"network", cfg.Upstream.Network,
		"max_attempts", forwarder.Config().MaxAttempts,
		"worst_case_latency", worst.String(),
	)
	for _, name := range cfg.ShortTimeouts(worst) {
		slog.Warn("server timeout does not cover the upstream worst case; retried calls may be cut off",
			"setting", name,
			"write_timeout", cfg.Server.WriteTimeout.String(),
			"shutdown_timeout", cfg.Server.ShutdownTimeout.String(),
			"worst_case_latency", worst.String(),
		)
	}

	gw := gateway.New(validator, limiter, engine, forwarder)
	gw.SetMetrics(m)

	router := api.NewRouter(api.RouterDeps{
		Relay:          gw,
		Upstream:       forwarder,
		Network:        cfg.Upstream.Network,
		Validator:      validator,
		Limiter:        limiter,
		Usage:          bucketStore,
		Keys:           keyStore,
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-serveErr:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	if err != nil {
		slog.Warn("shutdown timed out with calls in flight; their usage records may be lost", "error", err)
	}

	// In-flight calls are done; drain risk tracking, then flush usage.
	engine.Wait()
	collector.Stop()
	<-collectorDone

	return err
}

func openPool(ctx context.Context, dc config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dc.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if dc.MaxConns > 0 {
		pcfg.MaxConns = dc.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func openWindowStore(ctx context.Context, wc config.WindowStoreConfig) (windowstore.Store, func(), error) {
	if wc.Backend == config.BackendRedis {
		r, err := windowstore.NewRedis(windowstore.RedisOptions{
			URL:      wc.RedisURL,
			Prefix:   wc.Prefix,
			PoolSize: wc.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}
		slog.Info("window store ready", "backend", config.BackendRedis)
		return r, func() { _ = r.Close() }, nil
	}

	sweep := wc.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	mem := windowstore.NewMemory()
	go mem.Start(ctx, sweep)
	slog.Info("window store ready", "backend", config.BackendMemory)
	return mem, func() {}, nil
}
