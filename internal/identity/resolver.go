// Package identity resolves face embeddings to known entities and registers
// new ones.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pikobot/piko/internal/index"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// ErrUnknownIdentity is returned when no stored sample matches the query
// embedding at the configured threshold.
var ErrUnknownIdentity = errors.New("identity: no matching entity")

const entityCacheSize = 64

// Resolution is a successful identification.
type Resolution struct {
	Entity     *types.Entity
	Similarity float64
}

// Resolver matches embeddings against the index and manages entity records.
type Resolver struct {
	entities storage.EntityStore
	matcher  index.Matcher
	cache    *lru.Cache[string, *types.Entity]
	nowFn    func() time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(r *Resolver) { r.nowFn = nowFn }
}

// NewResolver creates a Resolver over an entity store and a matcher.
func NewResolver(entities storage.EntityStore, matcher index.Matcher, opts ...Option) *Resolver {
	cache, _ := lru.New[string, *types.Entity](entityCacheSize)
	r := &Resolver{entities: entities, matcher: matcher, cache: cache, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds the entity whose stored samples best match vec. On a match
// the entity's last_seen and interaction counter are refreshed. Returns
// ErrUnknownIdentity when nothing matches; the caller decides whether to
// register.
func (r *Resolver) Resolve(ctx context.Context, vec []float32) (*Resolution, error) {
	match, ok, err := r.matcher.FindBestMatch(ctx, vec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownIdentity
	}

	entity, err := r.lookup(ctx, match.EntityID)
	if err != nil {
		return nil, err
	}
	if err := r.entities.TouchEntity(ctx, entity.ID, r.nowFn()); err != nil {
		return nil, fmt.Errorf("identity: touch %s: %w", entity.ID, err)
	}
	entity.LastSeen = r.nowFn()
	entity.InteractionCount++
	return &Resolution{Entity: entity, Similarity: match.Similarity}, nil
}

// Register creates a new entity for a name learned in conversation, keyed by
// the embedding captured in the same session. Registration is unconditional:
// two people sharing a name get two entities.
func (r *Resolver) Register(ctx context.Context, name string, vec []float32) (*types.Entity, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", storage.ErrInvalidInput)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: an embedding is required to register", storage.ErrInvalidInput)
	}

	now := r.nowFn()
	entity := &types.Entity{
		ID:               uuid.NewString(),
		Name:             name,
		FirstSeen:        now,
		LastSeen:         now,
		InteractionCount: 1,
	}
	first := &types.EmbeddingRecord{Vector: vec, CapturedAt: now}
	if err := r.entities.CreateEntity(ctx, entity, first); err != nil {
		return nil, fmt.Errorf("identity: create entity: %w", err)
	}
	if err := r.matcher.Add(ctx, entity.ID, vec); err != nil {
		return nil, fmt.Errorf("identity: index new entity: %w", err)
	}

	r.cache.Add(entity.ID, entity)
	return entity, nil
}

// AddSample stores an additional embedding sample for a known entity,
// tightening future matching.
func (r *Resolver) AddSample(ctx context.Context, entityID string, vec []float32, condition string) error {
	rec := &types.EmbeddingRecord{
		EntityID:   entityID,
		Vector:     vec,
		CapturedAt: r.nowFn(),
		Condition:  condition,
	}
	if err := r.entities.AddEmbedding(ctx, rec); err != nil {
		return err
	}
	return r.matcher.Add(ctx, entityID, vec)
}

// Describe returns the entity record, via the cache when warm.
func (r *Resolver) Describe(ctx context.Context, entityID string) (*types.Entity, error) {
	return r.lookup(ctx, entityID)
}

// Forget drops an entity from the cache, for use after profile edits or
// deletion through the management API.
func (r *Resolver) Forget(entityID string) {
	r.cache.Remove(entityID)
}

// Erase removes an entity and, by cascade, its samples and memories. Index
// entries for the erased samples persist until the next warm load; a stale
// match fails the entity lookup and the sighting degrades to unknown.
func (r *Resolver) Erase(ctx context.Context, entityID string) error {
	if err := r.entities.DeleteEntity(ctx, entityID); err != nil {
		return err
	}
	r.cache.Remove(entityID)
	return nil
}

func (r *Resolver) lookup(ctx context.Context, entityID string) (*types.Entity, error) {
	if e, ok := r.cache.Get(entityID); ok {
		return e, nil
	}
	e, err := r.entities.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("identity: load %s: %w", entityID, err)
	}
	r.cache.Add(entityID, e)
	return e, nil
}
