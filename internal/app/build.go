package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/cyclenlu/internal/config"
	"github.com/antoniostano/cyclenlu/internal/httpapi"
	"github.com/antoniostano/cyclenlu/internal/llm"
	"github.com/antoniostano/cyclenlu/internal/memory"
	"github.com/antoniostano/cyclenlu/internal/observability"
	"github.com/antoniostano/cyclenlu/internal/pipeline"
	"github.com/antoniostano/cyclenlu/internal/usercontext"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Pipeline   *pipeline.Pipeline
	Contexts   *usercontext.Manager
	Store      memory.Store
	Classifier llm.Classifier
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	// Cleanup should be called on shutdown to release external resources (DB handles).
	Cleanup func() error
}

// Build wires the service from cfg. Metrics go to the default Prometheus
// registry.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*BuildResult, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	metrics := observability.NewMetricsWith(reg, cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Config{
		Backend:     cfg.ContextStore,
		DataDir:     cfg.ContextDataDir,
		SQLitePath:  cfg.ContextSQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("context store init failed: %w", err)
	}

	classifier, err := llm.NewClassifier(llm.Config{
		Mode:          cfg.LLMMode,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		HTTPURL:       cfg.LLMHTTPURL,
		RateLimit:     cfg.LLMRateLimit,
		Burst:         cfg.LLMBurst,
		CacheTTL:      cfg.LLMCacheTTL,
	}, metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("classifier init failed: %w", err)
	}

	contexts := usercontext.NewManager(store, logger, metrics, usercontext.Options{
		IdleTTL: cfg.ContextIdleTTL,
	})
	pipe := pipeline.New(contexts, classifier, logger, metrics, pipeline.Options{
		ClassifyTimeout: cfg.LLMTimeout,
	})
	api := httpapi.New(cfg, pipe, metrics, logger, httpapi.RuntimeInfo{
		StoreMode:      store.Mode(),
		ClassifierMode: classifier.Mode(),
		CachedContexts: contexts.CachedCount,
	})

	logger.Info("service wired",
		"store", store.Mode(),
		"classifier", classifier.Mode(),
		"llm_timeout", cfg.LLMTimeout,
		"llm_cache_ttl", cfg.LLMCacheTTL,
		"context_idle_ttl", cfg.ContextIdleTTL,
	)

	cleanup := func() error {
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Pipeline:   pipe,
		Contexts:   contexts,
		Store:      store,
		Classifier: classifier,
		Metrics:    metrics,
		Logger:     logger,
		Cleanup:    cleanup,
	}, nil
}
