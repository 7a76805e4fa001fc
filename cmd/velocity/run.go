package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/eugener/velocity/internal/app"
	"github.com/eugener/velocity/internal/cache"
	"github.com/eugener/velocity/internal/circuitbreaker"
	"github.com/eugener/velocity/internal/cloudauth"
	"github.com/eugener/velocity/internal/config"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/server"
	"github.com/eugener/velocity/internal/storage/sqlite"
	"github.com/eugener/velocity/internal/telemetry"
	"github.com/eugener/velocity/internal/tracker"
	"github.com/eugener/velocity/internal/tracker/jira"
	"github.com/eugener/velocity/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting velocity", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Tracing
	if tc := cfg.Telemetry.Tracing; tc.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			Endpoint:   tc.Endpoint,
			SampleRate: tc.SampleRate,
			Insecure:   tc.Insecure,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	// Metrics. Interface-typed observers stay nil when metrics are off.
	var (
		metrics     *telemetry.Metrics
		reg         *prometheus.Registry
		gatherer    prometheus.Gatherer
		cacheObs    cache.Observer
		upstreamObs ratelimit.Observer
		previewObs  app.Observer
		onProbe     func(bool)
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
		cacheObs, upstreamObs, previewObs = metrics, metrics, metrics
		onProbe = metrics.SetRemoteCacheUp
	}

	// Shared cache
	remote, closeRemote, err := openRemote(cfg.Cache.Remote)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRemote(); err != nil {
			slog.Warn("closing remote cache tier", "error", err)
		}
	}()

	local, err := cache.NewMemory(cfg.Cache.Local.MaxSize, cfg.Cache.Local.MaxTTL)
	if err != nil {
		return err
	}
	shared := cache.New(local, cache.Options{
		Remote:            remote,
		RemoteScan:        cfg.Cache.Remote.Scan,
		OriginID:          uuid.Must(uuid.NewV7()).String(),
		ReconnectInterval: cfg.Cache.Remote.ReconnectInterval,
		Observer:          cacheObs,
	})

	// Upstream guard
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	})
	pacer := ratelimit.NewPacer(cfg.RateLimit.PerMinute) // nil when unlimited
	guard := ratelimit.NewGuard(ratelimit.Options{
		Policy: ratelimit.Policy{
			MaxAttempts:    cfg.RateLimit.MaxAttempts,
			BaseDelay:      cfg.RateLimit.BaseDelay,
			MaxDelay:       cfg.RateLimit.MaxDelay,
			CooldownFactor: cfg.RateLimit.CooldownFactor,
			CooldownFloor:  cfg.RateLimit.CooldownFloor,
		},
		Breakers: breakers,
		Pacer:    pacer,
		Observer: upstreamObs,
	})

	// Tracker client
	var resolver *dnscache.Resolver
	if cfg.Tracker.DNSCache {
		resolver = &dnscache.Resolver{}
	}
	transport, err := cloudauth.New(ctx, tracker.NewTransport(resolver), cloudauth.Credentials{
		Method:       cfg.Tracker.Auth.Method,
		Email:        cfg.Tracker.Auth.Email,
		Token:        cfg.Tracker.Auth.Token,
		ClientID:     cfg.Tracker.Auth.ClientID,
		ClientSecret: cfg.Tracker.Auth.ClientSecret,
		RefreshToken: cfg.Tracker.Auth.RefreshToken,
		TokenURL:     cfg.Tracker.Auth.TokenURL,
	})
	if err != nil {
		return err
	}
	client := jira.New(cfg.Tracker.URL, cfg.Tracker.PageSize, &http.Client{
		Transport: transport,
		Timeout:   cfg.Tracker.Timeout,
	})
	trk := tracker.NewMemoized(client, shared, cfg.Tracker.MemoTTL)

	// Wire services
	warmer := worker.NewWarmer(cfg.Warmer.Workers, cfg.Warmer.QueueSize)
	preview := app.NewPreviewService(app.Deps{
		Tracker:  trk,
		Cache:    shared,
		Guard:    guard,
		Tasks:    warmer,
		Observer: previewObs,
	}, previewConfig(cfg))
	if reg != nil {
		telemetry.RegisterGauges(reg, preview.InFlight, func() int { return warmer.Stats().Queued })
	}

	sweeps := []worker.Sweep{
		{Name: "cache", Run: func(ctx context.Context) (int, error) { return shared.PurgeExpired(ctx), nil }},
		{Name: "breakers", Run: func(context.Context) (int, error) {
			return breakers.EvictStale(time.Now().Add(-cfg.Breaker.StaleAfter)), nil
		}},
		{Name: "cooldowns", Run: func(context.Context) (int, error) { return guard.EvictExpired(), nil }},
	}
	if resolver != nil {
		sweeps = append(sweeps, worker.Sweep{Name: "dns", Run: func(context.Context) (int, error) {
			resolver.Refresh(true)
			return 0, nil
		}})
	}
	runner := worker.NewRunner(
		warmer,
		worker.NewJanitor(cfg.Janitor.Interval, sweeps...),
		worker.NewCacheMonitor(shared, cfg.Cache.MonitorInterval, onProbe),
	)

	var readyCheck server.ReadyChecker
	if cfg.Cache.Remote.Required {
		readyCheck = shared.Ping
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Preview:    preview,
		Cache:      shared,
		Breakers:   breakers,
		Guard:      guard,
		Warmer:     warmer,
		ReadyCheck: readyCheck,
		Metrics:    metrics,
		Gatherer:   gatherer,
		AdminToken: cfg.Admin.Token,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers outlive the signal context so the warmer can
	// drain after the HTTP server has stopped.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("velocity ready", "addr", cfg.Server.Addr, "cache_backend", shared.Backend())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	case err := <-workersDone:
		return fmt.Errorf("background worker: %w", err)
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopWorkers()
	if err := <-workersDone; err != nil {
		slog.Warn("background workers stopped with error", "error", err)
	}

	slog.Info("velocity stopped")
	return nil
}

// openRemote opens the configured cross-process cache tier. The returned
// close function is always non-nil.
func openRemote(rc config.RemoteCacheConfig) (cache.Remote, func() error, error) {
	switch rc.Backend {
	case "sqlite":
		store, err := sqlite.New(rc.SQLite.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		return store, store.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		return cache.NewRedis(client, rc.Redis.Prefix), client.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

func previewConfig(cfg *config.Config) app.Config {
	p, s := cfg.Preview, cfg.Split
	return app.Config{
		Budget:        p.Budget,
		ChunkSize:     p.ChunkSize,
		MaxAttempts:   p.MaxAttempts,
		ResultTTL:     p.ResultTTL,
		PartialTTL:    p.PartialTTL,
		SprintTTL:     p.SprintTTL,
		SubsetMaxAge:  p.SubsetMaxAge,
		MaxWindowDays: p.MaxWindowDays,
		Split: app.SplitPolicy{
			Auto:                    s.Auto,
			ThresholdDays:           s.ThresholdDays,
			MaxSplitDays:            s.MaxSplitDays,
			HeavyProjects:           s.HeavyProjects,
			ModerateProjects:        s.ModerateProjects,
			LongRangeDays:           s.LongRangeDays,
			PredictabilityRangeDays: s.PredictabilityRangeDays,
			LoadInFlight:            s.LoadInFlight,
		},
	}
}
