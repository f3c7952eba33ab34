package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CachedProvider memoizes vectors by text. Providers are deterministic, so a
// cached vector is always the one the provider would return.
type CachedProvider struct {
	inner  Provider
	cache  *ristretto.Cache
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedProvider wraps inner with a cache holding about size vectors.
func NewCachedProvider(inner Provider, size int64, logger *zap.Logger) (*CachedProvider, error) {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache, logger: logger}, nil
}

// Embed returns cached vectors where possible and embeds the rest. Concurrent
// requests for the same single text share one provider call.
func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var vectors [][]float32
	if len(missing) == 1 {
		v, err, _ := c.group.Do(missing[0], func() (interface{}, error) {
			return EmbedOne(ctx, c.inner, missing[0])
		})
		if err != nil {
			return nil, err
		}
		vectors = [][]float32{v.([]float32)}
	} else {
		var err error
		vectors, err = c.inner.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(missing) {
			return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vectors), len(missing))
		}
	}

	for j, v := range vectors {
		out[missingIdx[j]] = v
		c.cache.Set(missing[j], v, 1)
	}
	c.logger.Debug("embedding cache miss",
		zap.Int("requested", len(texts)),
		zap.Int("embedded", len(missing)))
	return out, nil
}

// Dimension implements Provider.
func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

// Close releases the cache.
func (c *CachedProvider) Close() {
	c.cache.Close()
}
