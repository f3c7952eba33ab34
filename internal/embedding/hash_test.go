package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(16)
	ctx := context.Background()

	a1, err := EmbedOne(ctx, p, "alpha")
	require.NoError(t, err)
	a2, err := EmbedOne(ctx, p, "alpha")
	require.NoError(t, err)
	b, err := EmbedOne(ctx, p, "beta")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 16)
}

func TestHashProviderUnitNorm(t *testing.T) {
	v, err := EmbedOne(context.Background(), NewHashProvider(0), "normalize me")
	require.NoError(t, err)
	require.Len(t, v, DefaultDimension)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
}
