package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/pikobot/piko/pkg/types"
)

type sample struct {
	entityID string
	vec      []float32
}

// Flat is an exhaustive-scan in-memory index. Suitable for the expected
// population of a single household robot; swap in a server-side index for
// larger fleets.
type Flat struct {
	threshold float64
	dimension int

	mu      sync.RWMutex
	samples []sample
}

var _ Matcher = (*Flat)(nil)

// NewFlat creates an empty index. A positive identification must exceed
// threshold in cosine similarity; dimension is the expected embedding length.
func NewFlat(threshold float64, dimension int) *Flat {
	return &Flat{threshold: threshold, dimension: dimension}
}

// Load bulk-inserts persisted samples, typically at startup from
// EntityStore.AllEmbeddings. Zero-magnitude samples are skipped rather than
// rejected so one bad historical row cannot prevent warm-up.
func (f *Flat) Load(recs []*types.EmbeddingRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	loaded := 0
	for _, rec := range recs {
		if len(rec.Vector) != f.dimension {
			return loaded, fmt.Errorf("%w: sample %d has %d dimensions, want %d",
				ErrDimensionMismatch, rec.ID, len(rec.Vector), f.dimension)
		}
		if isZero(rec.Vector) {
			continue
		}
		f.samples = append(f.samples, sample{entityID: rec.EntityID, vec: rec.Vector})
		loaded++
	}
	return loaded, nil
}

// FindBestMatch scans every sample and returns the closest one strictly above
// the threshold.
func (f *Flat) FindBestMatch(ctx context.Context, vec []float32) (Match, bool, error) {
	if len(vec) != f.dimension {
		return Match{}, false, fmt.Errorf("%w: query has %d dimensions, want %d",
			ErrDimensionMismatch, len(vec), f.dimension)
	}
	if isZero(vec) {
		return Match{}, false, ErrZeroVector
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	best := Match{Similarity: -1}
	for _, s := range f.samples {
		sim, err := CosineSimilarity(vec, s.vec)
		if err != nil {
			return Match{}, false, err
		}
		if sim > best.Similarity {
			best = Match{EntityID: s.entityID, Similarity: sim}
		}
	}
	if best.EntityID == "" || best.Similarity <= f.threshold {
		return Match{}, false, nil
	}
	return best, true, nil
}

// Add registers one sample. The vector is copied so callers may reuse their
// buffer.
func (f *Flat) Add(ctx context.Context, entityID string, vec []float32) error {
	if entityID == "" {
		return fmt.Errorf("index: entity id is required")
	}
	if len(vec) != f.dimension {
		return fmt.Errorf("%w: sample has %d dimensions, want %d",
			ErrDimensionMismatch, len(vec), f.dimension)
	}
	if isZero(vec) {
		return ErrZeroVector
	}

	cp := make([]float32, len(vec))
	copy(cp, vec)

	f.mu.Lock()
	f.samples = append(f.samples, sample{entityID: entityID, vec: cp})
	f.mu.Unlock()
	return nil
}

// Len reports the number of indexed samples.
func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
