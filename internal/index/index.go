// Package index provides nearest-match lookup over face embedding samples.
package index

import (
	"context"
	"errors"
	"math"
)

// ErrZeroVector is returned when a query or sample has zero magnitude.
// Cosine similarity is undefined for such vectors.
var ErrZeroVector = errors.New("index: zero-magnitude vector")

// ErrDimensionMismatch is returned when a vector's length differs from the
// index dimension.
var ErrDimensionMismatch = errors.New("index: vector dimension mismatch")

// Match is the result of a nearest-match query.
type Match struct {
	EntityID   string
	Similarity float64
}

// Matcher locates the entity whose stored samples best match a query vector.
// Every stored sample competes independently; an entity with several samples
// wins through whichever single sample is closest.
type Matcher interface {
	// FindBestMatch returns the best match at or above the configured
	// similarity threshold, or ok=false when no sample qualifies (including
	// the empty-index case, which is not an error).
	FindBestMatch(ctx context.Context, vec []float32) (Match, bool, error)

	// Add registers one sample for an entity. Later queries see it
	// immediately.
	Add(ctx context.Context, entityID string, vec []float32) error
}

// CosineSimilarity computes the cosine of the angle between two equal-length
// vectors. Accumulation happens in float64 so short embeddings keep precision.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0, ErrZeroVector
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
