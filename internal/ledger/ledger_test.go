package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pikobot/piko/internal/privacy"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/internal/storage/sqlite"
	"github.com/pikobot/piko/pkg/types"
)

func newTestLedger(t *testing.T, classify privacy.Predicate, opts ...Option) *Ledger {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, classify, opts...)
}

func TestAppendAndTopK(t *testing.T) {
	l := newTestLedger(t, privacy.AllowAll)
	ctx := context.Background()

	saved, err := l.Append(ctx, &types.MemoryRecord{
		MemoryType: types.MemoryFact, Content: "the dog is called Rex", Importance: 6,
	})
	require.NoError(t, err)
	assert.True(t, saved)

	got, err := l.TopK(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "the dog is called Rex", got[0].Content)
	assert.False(t, got[0].CreatedAt.IsZero(), "created_at is stamped on append")
}

func TestPrivacyDenialIsInvisible(t *testing.T) {
	l := newTestLedger(t, privacy.KeywordClassifier())
	ctx := context.Background()

	saved, err := l.Append(ctx, &types.MemoryRecord{
		MemoryType: types.MemoryFact, Content: "my password is hunter2", Importance: 9,
	})
	require.NoError(t, err, "denial is not an error")
	assert.False(t, saved)

	got, err := l.TopK(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "denied content must leave no trace")
}

func TestImportanceIsClamped(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	rec := &types.MemoryRecord{MemoryType: types.MemoryEvent, Content: "birthday", Importance: 42}
	saved, err := l.Append(ctx, rec)
	require.NoError(t, err)
	require.True(t, saved)
	assert.Equal(t, types.MaxImportance, rec.Importance)
}

func TestTopKOrdering(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	add := func(content string, importance int, at time.Time) {
		saved, err := l.Append(ctx, &types.MemoryRecord{
			MemoryType: types.MemoryFact, Content: content, Importance: importance, CreatedAt: at,
		})
		require.NoError(t, err)
		require.True(t, saved)
	}
	add("older tie", 5, base)
	add("newer tie", 5, base.Add(time.Minute))
	add("top", 9, base)

	got, err := l.TopK(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "top", got[0].Content)
	assert.Equal(t, "newer tie", got[1].Content)
}

func TestExpiredRecordsFilteredAtRead(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	past := now.Add(-time.Minute)
	saved, err := l.Append(ctx, &types.MemoryRecord{
		MemoryType: types.MemoryEvent, Content: "stale", Importance: 8,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: &past,
	})
	require.NoError(t, err)
	require.True(t, saved)

	got, err := l.TopK(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "expired records are invisible without any sweep")
}

func TestEntityScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	l := New(store, nil)

	now := time.Now().UTC()
	entity := &types.Entity{ID: "e1", Name: "Ana", FirstSeen: now, LastSeen: now}
	require.NoError(t, store.CreateEntity(ctx, entity, nil))

	id := "e1"
	_, err = l.Append(ctx, &types.MemoryRecord{
		EntityID: &id, MemoryType: types.MemoryPreference, Content: "tea", Importance: 5,
	})
	require.NoError(t, err)
	_, err = l.Append(ctx, &types.MemoryRecord{
		MemoryType: types.MemoryObservation, Content: "global", Importance: 5,
	})
	require.NoError(t, err)

	owned, err := l.TopK(ctx, &id, 10)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "tea", owned[0].Content)

	global, err := l.TopK(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "global", global[0].Content)
}

func TestAppendRejectsEmptyContent(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.Append(context.Background(), &types.MemoryRecord{MemoryType: types.MemoryFact})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
