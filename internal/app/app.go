// Package app builds the memory engine and its collaborators from config.
// Both binaries share it so the daemon and the CLI see the same state.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/orchestrator"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
	"github.com/nidhogg/nuka-memory/internal/working"
)

// App holds a wired Manager and whatever needs closing on shutdown.
type App struct {
	Manager     *orchestrator.Manager
	Index       *longterm.Index
	Coordinator *longterm.Coordinator
	Working     working.Store

	purge   func(context.Context) (int64, error)
	closers []func() error
	logger  *zap.Logger
}

// Build connects every configured backend. On error anything already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := a.buildWorking(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Working = store

	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := embedder.(*embedding.CachedProvider); ok {
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	metric, err := longterm.ParseMetric(cfg.Memory.Metric)
	if err != nil {
		return nil, err
	}
	a.Index = longterm.New(embedder, longterm.Options{
		Dimension: cfg.Memory.VectorDim,
		Metric:    metric,
	}, logger)

	var coordOpts []longterm.CoordinatorOption
	if cfg.Database.Qdrant.Enabled() {
		qc, err := vectorstore.NewClient(cfg.Database.Qdrant, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, qc.Close)
		coordOpts = append(coordOpts, longterm.WithMirror(qc))
		logger.Info("mirroring snapshots to qdrant",
			zap.String("host", cfg.Database.Qdrant.Host),
			zap.Int("port", cfg.Database.Qdrant.Port))
	}
	a.Coordinator = longterm.NewCoordinator(a.Index, longterm.Paths{
		Index:    cfg.Memory.IndexPath,
		Metadata: cfg.Memory.MetadataPath,
	}, logger, coordOpts...)

	threshold, err := cfg.Memory.PromoteThreshold()
	if err != nil {
		return nil, err
	}
	var opts []orchestrator.Option
	if cfg.Summarizer.Provider == "llm" {
		opts = append(opts, orchestrator.WithSummarizer(memory.NewLLMSummarizer(memory.LLMConfig{
			Endpoint: cfg.Summarizer.Endpoint,
			Model:    cfg.Summarizer.Model,
			APIKey:   cfg.Summarizer.APIKey,
		}, logger)))
	}
	a.Manager = orchestrator.New(store, a.Index, a.Coordinator, orchestrator.Config{
		RetrievalTopK:    cfg.Memory.RetrievalTopK,
		ContextMaxTokens: cfg.Memory.ContextMaxTokens,
		PromoteThreshold: threshold,
		SummaryHistory:   cfg.Memory.SummaryHistory,
	}, logger, opts...)

	logger.Info("memory engine ready",
		zap.String("working_backend", cfg.Memory.WorkingBackend),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.Int("dimension", cfg.Memory.VectorDim),
		zap.String("metric", string(metric)))
	return a, nil
}

func (a *App) buildWorking(ctx context.Context, cfg *config.Config) (working.Store, error) {
	opts := working.Options{
		MaxWindowSize: cfg.Memory.MaxWindowSize,
		TTL:           cfg.Memory.TTL(),
	}
	switch cfg.Memory.WorkingBackend {
	case config.BackendRedis:
		s, err := working.DialRedis(ctx, cfg.Database.Redis.URL, opts, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendPostgres:
		s, pool, err := working.DialPostgres(ctx, cfg.Database.Postgres.DSN, opts, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.purge = s.Purge
		return s, nil
	case config.BackendMemory:
		return working.NewInMemoryStore(opts, a.logger), nil
	}
	return nil, fmt.Errorf("unknown working backend %q", cfg.Memory.WorkingBackend)
}

// Purge reclaims expired sessions on backends that keep them after expiry.
// It is a no-op for the others.
func (a *App) Purge(ctx context.Context) error {
	if a.purge == nil {
		return nil
	}
	_, err := a.purge(ctx)
	return err
}

// Close releases every connection in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
