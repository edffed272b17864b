package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pikobot/piko/internal/index"
	"github.com/pikobot/piko/internal/storage/sqlite"
)

func newTestResolver(t *testing.T) (*Resolver, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	matcher := index.NewFlat(0.85, 3)
	return NewResolver(store, matcher), store
}

func TestRegisterAndResolveRoundTrip(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	vec := []float32{0.6, 0.8, 0}
	entity, err := r.Register(ctx, "Ana", vec)
	require.NoError(t, err)
	require.NotEmpty(t, entity.ID)
	assert.Equal(t, "Ana", entity.Name)
	assert.Equal(t, 1, entity.InteractionCount)

	res, err := r.Resolve(ctx, vec)
	require.NoError(t, err)
	assert.Equal(t, entity.ID, res.Entity.ID)
	assert.InDelta(t, 1.0, res.Similarity, 1e-6)
}

func TestResolveUnknownVector(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "Ana", []float32{1, 0, 0})
	require.NoError(t, err)

	// Orthogonal vector: similarity 0, far below threshold.
	_, err = r.Resolve(ctx, []float32{0, 1, 0})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestResolveEmptyIndex(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestResolveTouchesEntity(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	vec := []float32{1, 0, 0}
	entity, err := r.Register(ctx, "Ana", vec)
	require.NoError(t, err)

	_, err = r.Resolve(ctx, vec)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, vec)
	require.NoError(t, err)

	stored, err := store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.InteractionCount, "registration counts once, each resolve once more")
}

func TestDuplicateNameCreatesNewEntity(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "Ana", []float32{1, 0, 0})
	require.NoError(t, err)
	second, err := r.Register(ctx, "Ana", []float32{0, 1, 0})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "names are not identities")

	res, err := r.Resolve(ctx, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.Entity.ID)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "", []float32{1, 0, 0})
	assert.Error(t, err)

	_, err = r.Register(ctx, "Ana", nil)
	assert.Error(t, err)
}

func TestAddSampleWidensMatching(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	entity, err := r.Register(ctx, "Ana", []float32{1, 0, 0})
	require.NoError(t, err)

	// A second sample under different capture conditions.
	nightVec := []float32{0, 0, 1}
	require.NoError(t, r.AddSample(ctx, entity.ID, nightVec, "night"))

	res, err := r.Resolve(ctx, nightVec)
	require.NoError(t, err)
	assert.Equal(t, entity.ID, res.Entity.ID)
}

func TestDescribeUsesCache(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	entity, err := r.Register(ctx, "Ana", []float32{1, 0, 0})
	require.NoError(t, err)

	// Delete behind the resolver's back; the cache still serves the record
	// until Forget.
	require.NoError(t, store.DeleteEntity(ctx, entity.ID))

	got, err := r.Describe(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)

	r.Forget(entity.ID)
	_, err = r.Describe(ctx, entity.ID)
	assert.Error(t, err)
}

func TestRegisterStampsTimes(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := NewResolver(store, index.NewFlat(0.85, 3), WithClock(func() time.Time { return now }))
	entity, err := r.Register(context.Background(), "Ana", []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, now, entity.FirstSeen)
	assert.Equal(t, now, entity.LastSeen)
}
