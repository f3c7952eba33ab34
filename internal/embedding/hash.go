package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultDimension matches all-MiniLM-L6-v2.
const DefaultDimension = 384

// HashProvider derives a unit vector from an FNV-1a hash of the text.
// It carries no semantics, but it is deterministic and offline, which is
// enough for tests, demos and bootstrapping an index before a model exists.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a HashProvider; dimension <= 0 means DefaultDimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashProvider{dimension: dimension}
}

// Embed implements Provider.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimension implements Provider.
func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) vector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dimension)
	var norm float64
	for i := range vec {
		// 64-bit LCG (Knuth MMIX constants)
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}
