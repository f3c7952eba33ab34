package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text. Implementations must be
// deterministic for identical input and return one vector per text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider" yaml:"provider"` // "api", "local" or "hash"
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
	CacheSize int64  `json:"cache_size" yaml:"cache_size"` // cached vectors, 0 disables
}

// New builds the provider named by cfg.Provider, wrapped in a cache when
// cfg.CacheSize is positive.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "api":
		p = NewAPIProvider(cfg)
	case "local", "ollama":
		p = NewLocalProvider(cfg)
	case "hash", "":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return NewCachedProvider(p, cfg.CacheSize, logger)
	}
	return p, nil
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding: got %d vectors for 1 text", len(vectors))
	}
	return vectors[0], nil
}
