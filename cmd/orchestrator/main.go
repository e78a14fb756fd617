package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/agents"
	"github.com/cpas-project/orchestrator/internal/config"
	"github.com/cpas-project/orchestrator/internal/health"
	"github.com/cpas-project/orchestrator/internal/investigation"
	"github.com/cpas-project/orchestrator/internal/llm"
	"github.com/cpas-project/orchestrator/internal/orchestrator"
	"github.com/cpas-project/orchestrator/internal/reasoning"
	"github.com/cpas-project/orchestrator/internal/registry"
	"github.com/cpas-project/orchestrator/internal/server"
	"github.com/cpas-project/orchestrator/internal/session"
	"github.com/cpas-project/orchestrator/internal/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := storage.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	sessions, err := session.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, session.Options{
		IdleTTL:    cfg.Context.IdleTTL,
		MaxHistory: cfg.Context.MaxHistory,
		CacheSize:  cfg.Context.CacheSize,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to context store", zap.Error(err))
	}
	defer sessions.Close()
	sessions.SetArchiver(store)

	reg := registry.New(registry.Config{
		ConsecutiveFailureLimit: cfg.Registry.ConsecutiveFailureLimit,
		HistoryWindow:           cfg.Registry.HistoryWindow,
		SuccessWeight:           cfg.Registry.SuccessWeight,
		LatencyWeight:           cfg.Registry.LatencyWeight,
	}, logger)

	llmClient := llm.NewClient(llm.Options{
		BaseURL:        cfg.LLM.BaseURL,
		RequestTimeout: cfg.LLM.RequestTimeout,
		RateLimit:      cfg.LLM.RateLimit,
		RateBurst:      cfg.LLM.RateBurst,
	}, logger)

	engine := reasoning.NewEngine(llmClient, cfg.Reasoning, logger)

	coord := investigation.NewCoordinator(store, investigation.Options{
		DefaultDeadline: cfg.Intel.DefaultDeadline,
		Priors:          cfg.Intel.Priors,
	}, logger)
	for name, url := range cfg.Intel.Endpoints {
		coord.RegisterModule(investigation.NewHTTPModule(name, url, cfg.Intel.DefaultDeadline))
	}

	orch := orchestrator.New(reg, sessions, store, orchestrator.Options{
		MaxWait:     cfg.Orch.MaxWait,
		RetryBudget: cfg.Orch.RetryBudget,
	}, logger)

	reasoningAgent := agents.NewReasoningAgent(engine, sessions, store, logger)
	investigationAgent := agents.NewInvestigationAgent(coord, logger)
	if err := reg.Register(reasoningAgent.Descriptor()); err != nil {
		logger.Fatal("Failed to register reasoning agent", zap.Error(err))
	}
	orch.RegisterHandler(agents.ReasoningAgentID, reasoningAgent)
	if err := reg.Register(investigationAgent.Descriptor()); err != nil {
		logger.Fatal("Failed to register investigation agent", zap.Error(err))
	}
	orch.RegisterHandler(agents.InvestigationAgentID, investigationAgent)

	orch.Start()
	defer orch.Stop()

	hm := health.NewManager(logger)
	hm.Register(health.NewPingChecker("redis", sessions, true))
	hm.Register(health.NewPingChecker("storage", store, true))
	hm.Register(health.NewAvailabilityChecker("llm", llmClient))
	hm.Register(health.NewLivenessChecker("dispatch", orch.Alive))

	// Expired-context sweeper.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := sessions.CleanupExpired(sweepCtx); err != nil {
					logger.Warn("Context cleanup failed", zap.Error(err))
				}
			}
		}
	}()

	// Metrics server.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Config hot-reload. Tunables (thresholds, priors, starvation max
	// wait) apply live; structural settings need a restart.
	if path := os.Getenv("CPAS_CONFIG"); path != "" {
		watcher, werr := config.NewWatcher(path, logger)
		if werr != nil {
			logger.Warn("Config watcher unavailable", zap.Error(werr))
		} else {
			watcher.OnChange(func(updated *config.Config) {
				engine.SetThresholds(updated.Reasoning)
				coord.SetPriors(updated.Intel.Priors)
				orch.SetMaxWait(updated.Orch.MaxWait)
				logger.Info("Applied reloaded tunables; restart to apply structural changes",
					zap.Float64("reactive_threshold", updated.Reasoning.ReactiveThreshold),
					zap.Duration("max_wait", updated.Orch.MaxWait),
				)
			})
			if werr := watcher.Start(); werr != nil {
				logger.Warn("Config watcher failed to start", zap.Error(werr))
			}
			defer watcher.Stop()
		}
	}

	api := server.New(cfg.Server.Addr, orch, coord, sessions, reg, health.NewHTTPHandler(hm, logger), logger)
	go func() {
		if err := api.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown incomplete", zap.Error(err))
	}
}
