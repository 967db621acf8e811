package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/checkpoint"
	"github.com/Kocoro-lab/reportflow/internal/config"
	"github.com/Kocoro-lab/reportflow/internal/executor"
	"github.com/Kocoro-lab/reportflow/internal/formatting"
	"github.com/Kocoro-lab/reportflow/internal/health"
	"github.com/Kocoro-lab/reportflow/internal/httpapi"
	"github.com/Kocoro-lab/reportflow/internal/llm"
	"github.com/Kocoro-lab/reportflow/internal/planner"
	"github.com/Kocoro-lab/reportflow/internal/ratecontrol"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/search"
	"github.com/Kocoro-lab/reportflow/internal/search/providers"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
	"github.com/Kocoro-lab/reportflow/internal/temporal"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
	"github.com/Kocoro-lab/reportflow/internal/unitstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("reportflow: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgs, err := config.Load("", nil)
	if err != nil {
		return err
	}
	cfg := cfgs.Get()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled after init failure", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	healthMgr := health.NewManager(logger)

	// Storage
	units, err := unitstore.Open(ctx, cfg.Storage.Units.Driver, cfg.Storage.Units.DSN, logger)
	if err != nil {
		return err
	}
	defer units.Close()
	healthMgr.Register(health.NewPingChecker("unit_store", units, true))

	var rdb *redis.Client
	if cfg.Storage.Checkpoints.Backend == "redis" || cfg.Streaming.RedisMirror {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		healthMgr.Register(health.NewPingChecker("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}), cfg.Storage.Checkpoints.Backend == "redis"))
	}

	var checkpoints checkpoint.Store
	switch cfg.Storage.Checkpoints.Backend {
	case "redis":
		checkpoints = checkpoint.NewRedisStore(rdb, "reportflow:checkpoints", cfg.Storage.Checkpoints.TTL)
	case "memory":
		checkpoints = checkpoint.NewMemoryStore()
	default:
		checkpoints = checkpoint.NewSQLStore(units.DB())
	}
	healthMgr.Register(health.NewPingChecker("checkpoints", checkpoints, true))

	events := streaming.NewManager(cfg.Streaming.RingCapacity, logger).WithRetention(cfg.Streaming.Retention)
	if cfg.Streaming.RedisMirror {
		events.MirrorTo(rdb, cfg.Streaming.MaxLen)
	}

	// Content generation and search
	limits, err := ratecontrol.Load(cfg.RateControl.Path, logger)
	if err != nil {
		return err
	}
	openaiGen, err := llm.NewOpenAIGenerator(cfg.OpenAI(), limits, logger)
	if err != nil {
		return err
	}
	gen := llm.WithRetry(openaiGen, cfg.Retry(), openaiGen.Model(), logger)

	found, err := providers.Build(cfg.Search.Providers, gen, limits, logger)
	if err != nil {
		return err
	}
	var scorer search.ComplexityScorer = search.HeuristicComplexityScorer{}
	if cfg.Search.Scorer == "llm" {
		scorer = search.NewLLMComplexityScorer(gen, logger)
	}
	aggregator := search.NewAggregator(search.NewRegistry(found...), scorer, cfg.Aggregator(), logger)

	var validator research.Validator = research.NewLLMValidator(gen, logger)
	if cfg.Workflow.Validator == "heuristic" {
		validator = research.HeuristicValidator{}
	}
	var plan planner.Planner = planner.NewLLMPlanner(gen, cfg.Workflow.Structure, logger)
	if cfg.Workflow.Planner == "static" {
		plan = planner.StaticPlanner{}
	}
	pipeline := research.NewPipeline(gen, aggregator, validator, units, events, cfg.Research(), logger)
	compiler := formatting.NewCompiler(cfg.Workflow.RenderHTML, logger)

	gate := approval.NewGate(cfg.Approval, events, approval.NewInbox(), logger)
	exec := executor.New(executor.Deps{
		Planner:     plan,
		Gate:        gate,
		Units:       pipeline,
		Compiler:    compiler,
		Checkpoints: checkpoints,
		Notifier:    events,
	}, cfg.Executor(), logger)

	cfgs.OnChange(func(_, updated *config.Config) {
		gate.SetPolicy(updated.Approval)
		aggregator.UpdateConfig(updated.Aggregator())
		exec.SetConfig(updated.Executor())
		logger.Info("Applied configuration update",
			zap.Duration("approval_timeout", updated.Approval.Timeout),
			zap.Int("max_concurrent_units", updated.Workflow.MaxConcurrentUnits))
	})
	cfgs.Watch()

	// Admin HTTP: health, metrics, reviews and event streams share one mux
	verifier := httpapi.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if verifier == nil {
		logger.Warn("auth.jwt_secret is empty; review endpoints are unauthenticated")
	}
	mux := http.NewServeMux()
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	reviews := httpapi.NewReviewHandler(ctx, exec, gate.Inbox(), verifier, logger)
	reviews.RegisterRoutes(mux)
	httpapi.NewStreamingHandler(events, reviews, logger).RegisterRoutes(mux)

	var wk worker.Worker
	if cfg.Temporal.Enabled {
		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.Host,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err != nil {
			return fmt.Errorf("dial temporal %s: %w", cfg.Temporal.Host, err)
		}
		defer tc.Close()

		wk = worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Workflow.MaxConcurrentUnits * 2,
		})
		temporal.Register(wk, &temporal.Activities{
			Planner:  plan,
			Units:    pipeline,
			Compiler: compiler,
			Notifier: events,
			Logger:   logger,
		})
		if err := wk.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		starter := temporal.NewStarter(tc, cfg.Temporal.TaskQueue,
			func() approval.Policy { return cfgs.Get().Approval },
			cfg.Workflow.MaxUnits, cfg.Workflow.MaxConcurrentUnits)
		httpapi.NewDurableHandler(starter, verifier, logger).RegisterRoutes(mux)
		logger.Info("Temporal worker started", zap.String("queue", cfg.Temporal.TaskQueue))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down reportflow")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin HTTP shutdown", zap.Error(err))
	}
	if wk != nil {
		wk.Stop()
	}
	reviews.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
	return nil
}
