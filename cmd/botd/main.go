// Command botd runs the strategy execution engine: per-instance cycle
// schedulers, the position-manager risk sweeps, and the control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gexflow/strategy-engine/internal/api"
	"github.com/gexflow/strategy-engine/internal/broker"
	"github.com/gexflow/strategy-engine/internal/clock"
	"github.com/gexflow/strategy-engine/internal/compliance"
	"github.com/gexflow/strategy-engine/internal/config"
	"github.com/gexflow/strategy-engine/internal/engine"
	"github.com/gexflow/strategy-engine/internal/instrument"
	"github.com/gexflow/strategy-engine/internal/market"
	"github.com/gexflow/strategy-engine/internal/metrics"
	"github.com/gexflow/strategy-engine/internal/model"
	"github.com/gexflow/strategy-engine/internal/position"
	"github.com/gexflow/strategy-engine/internal/prob"
	sig "github.com/gexflow/strategy-engine/internal/signal"
	"github.com/gexflow/strategy-engine/internal/sizing"
	"github.com/gexflow/strategy-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "engine.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	st, cleanup, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	var provider market.Provider
	if cfg.Market.BaseURL != "" {
		provider = market.NewClient(cfg.Market.BaseURL, cfg.Market.APIKey, cfg.Market.Timeout)
	} else {
		logger.Warn("market base_url not set, using static provider (development only)")
		provider = market.NewStatic(decimal.NewFromInt(6100), developmentSnapshot())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	hub := api.NewHub(logger)
	go hub.Run()

	clk := clock.Real{}
	instances := make(map[string]*engine.Orchestrator, len(cfg.Instances))

	for i := range cfg.Instances {
		ic := cfg.Instances[i]
		orch, err := buildInstance(logger, ic, st, provider, clk, m, hub)
		if err != nil {
			logger.Error("instance wiring failed", "instance", ic.ID, "error", err)
			os.Exit(1)
		}
		if err := orch.Recover(context.Background()); err != nil {
			logger.Error("recovery failed", "instance", ic.ID, "error", err)
			os.Exit(1)
		}
		instances[ic.ID] = orch
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, orch := range instances {
		wg.Add(1)
		go func(o *engine.Orchestrator) {
			defer wg.Done()
			runScheduler(rootCtx, logger, o, cfg.Scheduler)
		}(orch)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(logger, st, instances, hub, m, reg).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("control API listening", "addr", cfg.Server.Addr, "instances", len(instances))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	wg.Wait()
	logger.Info("stopped")
}

// runScheduler drives full cycles on the configured interval and risk-only
// sweeps in between, so open positions are checked more often than new
// entries are considered.
func runScheduler(ctx context.Context, log *slog.Logger, o *engine.Orchestrator, sched config.Scheduler) {
	full := time.NewTicker(sched.CycleInterval)
	defer full.Stop()
	closeOnly := time.NewTicker(sched.CloseOnlyInterval)
	defer closeOnly.Stop()

	// First full cycle immediately rather than one interval in.
	if err := o.RunCycle(ctx, false); err != nil {
		log.Error("cycle failed", "instance", o.InstanceID(), "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			if err := o.RunCycle(ctx, false); err != nil {
				log.Error("cycle failed", "instance", o.InstanceID(), "error", err)
			}
		case <-closeOnly.C:
			if err := o.RunCycle(ctx, true); err != nil {
				log.Error("risk sweep failed", "instance", o.InstanceID(), "error", err)
			}
		}
	}
}

func buildInstance(log *slog.Logger, ic config.Instance, st store.Store, provider market.Provider, clk clock.Clock, m *metrics.Bot, hub *api.Hub) (*engine.Orchestrator, error) {
	inst, err := instrument.Parse(ic.Symbol)
	if err != nil {
		return nil, err
	}
	window, err := ic.BuildWindow()
	if err != nil {
		return nil, err
	}

	tracker := prob.NewTracker(20)
	sizer := sizing.New(ic.MustDecimal(ic.RiskPct), ic.MustDecimal(ic.Utilization), ic.MaxContracts)
	gen := sig.New(sig.DefaultConfig(), tracker, sizer, inst)
	gw := broker.NewPaper(ic.MustDecimal(ic.Slippage))

	mgr := position.NewManager(log, ic.ID, position.Config{
		TrailingEnabled:   ic.Trailing.Enabled,
		ActivationPoints:  ic.MustDecimal(ic.Trailing.ActivationPoints),
		TrailPoints:       ic.MustDecimal(ic.Trailing.TrailPoints),
		MaxUnrealizedLoss: ic.MustDecimal(ic.Trailing.MaxUnrealizedLoss),
		EmergencyStopMult: ic.MustDecimal(ic.Trailing.EmergencyStopMult),
		BreakerThreshold:  ic.Trailing.BreakerThreshold,
		MarginPerContract: ic.MustDecimal(ic.MarginPerContract),
	}, st, gw, provider, tracker, clk, window)

	lim := compliance.NewLimiter(st, ic.MaxTradesPerDay, ic.MaxRoundTrips, ic.RoundTripWindowDays)

	return engine.New(log, ic.ID, engine.Config{
		Symbol:            ic.Symbol,
		MaxOpenPositions:  ic.MaxOpenPositions,
		MarginPerContract: ic.MustDecimal(ic.MarginPerContract),
		StartingBalance:   ic.MustDecimal(ic.StartingBalance),
	}, st, gw, provider, tracker, gen, mgr, lim, clk, window, m, hub), nil
}

// developmentSnapshot pins a plausible regime for local runs without a
// levels service.
func developmentSnapshot() model.RegimeSnapshot {
	return model.RegimeSnapshot{
		Flip:          decimal.NewFromInt(6100),
		UpperBoundary: decimal.NewFromInt(6200),
		LowerBoundary: decimal.NewFromInt(6000),
		NetExposure:   decimal.Zero,
		Volatility:    18,
		RangePoints:   decimal.NewFromInt(30),
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func openStore(cfg config.StoreCfg, log *slog.Logger) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, cleanup, err
		}
		st = pg
		log.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		sq, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		log.Info("opened SQLite store", "path", cfg.SQLitePath)

	default:
		log.Warn("no durable store configured, using in-memory store (positions will not survive restarts)")
		st = store.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, cleanup, err
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		log.Info("Redis cache enabled")
	}

	return st, cleanup, nil
}
