// Package app wires configuration, providers, stores and the HTTP server
// into a runnable engine.
package app

import (
	"context"
	"fmt"

	"github.com/aokimidori/kaiwa/internal/completion"
	"github.com/aokimidori/kaiwa/internal/config"
	"github.com/aokimidori/kaiwa/internal/content"
	"github.com/aokimidori/kaiwa/internal/conversation"
	"github.com/aokimidori/kaiwa/internal/embedding"
	"github.com/aokimidori/kaiwa/internal/httpapi"
	"github.com/aokimidori/kaiwa/internal/knowledge"
	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/observability"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/reliability"
	"github.com/aokimidori/kaiwa/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *registry.Registry
	Sessions *session.Store
	Index    *knowledge.Manager
	Service  *conversation.Service
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build assembles every component from process configuration. Knowledge
// indexes for all registered apps start building in the background; the
// server answers before they finish and reports readiness separately.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	reg, err := registry.LoadDir(cfg.AppConfigDir)
	if err != nil {
		return nil, fmt.Errorf("app registry init failed: %w", err)
	}

	contentStore, err := content.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("content store init failed: %w", err)
	}

	retry := reliability.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Base:        cfg.RetryBackoffBase,
		Cap:         cfg.RetryBackoffCap,
	}

	var embedder embedding.Embedder
	if cfg.EmbeddingAPIKey == "" {
		logging.Warn().Msg("EMBEDDING_API_KEY not set, using deterministic mock embeddings")
		embedder = embedding.NewMockEmbedder()
	} else {
		embedder = embedding.NewClient(embedding.Config{
			BaseURL: cfg.EmbeddingBaseURL,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
			Timeout: cfg.ExternalCallTimeout,
			Retry:   retry,
		})
	}

	var completer completion.Completer
	if cfg.CompletionAPIKey == "" {
		logging.Warn().Msg("COMPLETION_API_KEY not set, using mock completions")
		completer = completion.NewMockCompleter()
	} else {
		completer = completion.NewClient(completion.Config{
			BaseURL: cfg.CompletionBaseURL,
			APIKey:  cfg.CompletionAPIKey,
			Model:   cfg.CompletionModel,
			Timeout: cfg.ExternalCallTimeout,
			Retry:   retry,
		})
	}

	index := knowledge.NewManager(embedder, contentStore)
	index.SetBuildHook(func(appID, outcome string) {
		metrics.IndexBuilds.WithLabelValues(appID, outcome).Inc()
	})
	engine := knowledge.NewEngine(index)

	sessions := session.NewStore(cfg.SessionIdleTimeout)
	sessions.SetEvictHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.Count()))
	})

	composer := conversation.NewComposer(engine, completer)
	composer.Instrument(metrics, stages)
	service := conversation.NewService(reg, sessions, composer, metrics, stages)

	api := httpapi.New(cfg, service, reg, index, embedder, completer, metrics)

	for _, appID := range reg.Apps() {
		appCfg, err := reg.Resolve(appID)
		if err != nil {
			continue
		}
		index.TriggerRebuild(appCfg)
	}

	cleanup := func() error {
		return contentStore.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: reg,
		Sessions: sessions,
		Index:    index,
		Service:  service,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
