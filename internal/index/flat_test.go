package index

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pikobot/piko/pkg/types"
)

// unit scales a vector to unit length so the cosine against a reference
// vector is easy to construct.
func unit(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// withCosine builds a 2D unit vector whose cosine similarity against (1, 0)
// is exactly sim.
func withCosine(sim float64) []float32 {
	return unit([]float32{float32(sim), float32(math.Sqrt(1 - sim*sim))})
}

func TestFindBestMatchAboveThreshold(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.85, 2)

	require.NoError(t, idx.Add(ctx, "ana", []float32{1, 0}))

	match, ok, err := idx.FindBestMatch(ctx, withCosine(0.86))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ana", match.EntityID)
	assert.InDelta(t, 0.86, match.Similarity, 1e-3)
}

func TestFindBestMatchBelowThreshold(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.85, 2)

	require.NoError(t, idx.Add(ctx, "ana", []float32{1, 0}))

	_, ok, err := idx.FindBestMatch(ctx, withCosine(0.84))
	require.NoError(t, err)
	assert.False(t, ok, "0.84 must not match at threshold 0.85")
}

func TestSimilarityAtThresholdIsRejected(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(1.0, 2)

	require.NoError(t, idx.Add(ctx, "ana", []float32{1, 0}))

	// Identical unit vectors give a cosine of exactly 1.0.
	_, ok, err := idx.FindBestMatch(ctx, []float32{1, 0})
	require.NoError(t, err)
	assert.False(t, ok, "a match must exceed the threshold, not meet it")
}

func TestPerSampleBestWinsOverOtherEntities(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.5, 2)

	// ben's average sample direction is further away, but one of his samples
	// is the single closest. Per-sample matching must pick ben.
	require.NoError(t, idx.Add(ctx, "ana", withCosine(0.90)))
	require.NoError(t, idx.Add(ctx, "ben", withCosine(0.99)))
	require.NoError(t, idx.Add(ctx, "ben", withCosine(0.55)))

	match, ok, err := idx.FindBestMatch(ctx, []float32{1, 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ben", match.EntityID)
}

func TestEmptyIndexIsNoMatchNotError(t *testing.T) {
	idx := NewFlat(0.85, 2)

	_, ok, err := idx.FindBestMatch(context.Background(), []float32{1, 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestZeroVectorRejected(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.85, 2)

	err := idx.Add(ctx, "ana", []float32{0, 0})
	assert.ErrorIs(t, err, ErrZeroVector)

	require.NoError(t, idx.Add(ctx, "ana", []float32{1, 0}))
	_, _, err = idx.FindBestMatch(ctx, []float32{0, 0})
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.85, 2)

	err := idx.Add(ctx, "ana", []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = idx.FindBestMatch(ctx, []float32{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestLoadSkipsZeroSamples(t *testing.T) {
	idx := NewFlat(0.85, 2)

	n, err := idx.Load([]*types.EmbeddingRecord{
		{ID: 1, EntityID: "ana", Vector: []float32{1, 0}},
		{ID: 2, EntityID: "ana", Vector: []float32{0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, idx.Len())
}

func TestAddCopiesTheVector(t *testing.T) {
	ctx := context.Background()
	idx := NewFlat(0.5, 2)

	vec := []float32{1, 0}
	require.NoError(t, idx.Add(ctx, "ana", vec))
	vec[0] = 0
	vec[1] = 1

	match, ok, err := idx.FindBestMatch(ctx, []float32{1, 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.0, match.Similarity, 1e-6, "mutating the caller's slice must not affect the index")
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 2}, []float32{2, 4})
	require.NoError(t, err)
	assert.InDelta(t, 1, sim, 1e-6)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
