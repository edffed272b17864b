package index

import "context"

// NativeStore is a storage backend that can answer nearest-match queries
// itself, such as PostgreSQL with pgvector.
type NativeStore interface {
	FindBestMatch(ctx context.Context, vec []float32) (entityID string, similarity float64, ok bool, err error)
}

// Native adapts a NativeStore to the Matcher interface. The threshold is
// applied here because the store ranks by distance without a cutoff.
type Native struct {
	store     NativeStore
	threshold float64
}

var _ Matcher = (*Native)(nil)

// NewNative wraps a store that performs its own similarity search.
func NewNative(store NativeStore, threshold float64) *Native {
	return &Native{store: store, threshold: threshold}
}

func (n *Native) FindBestMatch(ctx context.Context, vec []float32) (Match, bool, error) {
	if isZero(vec) {
		return Match{}, false, ErrZeroVector
	}
	entityID, sim, ok, err := n.store.FindBestMatch(ctx, vec)
	if err != nil {
		return Match{}, false, err
	}
	if !ok || sim <= n.threshold {
		return Match{}, false, nil
	}
	return Match{EntityID: entityID, Similarity: sim}, true, nil
}

// Add is a no-op: samples written through the entity store are immediately
// visible to the server-side query.
func (n *Native) Add(ctx context.Context, entityID string, vec []float32) error {
	return nil
}
