// Package storage provides composable storage interfaces for the Piko
// interaction engine.
//
// The storage layer is split into small, focused interfaces that can be
// implemented independently and composed as needed. Both the SQLite and the
// PostgreSQL backends implement the full Store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pikobot/piko/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// EntityStore manages entities and their face-embedding samples.
type EntityStore interface {
	// CreateEntity persists a new entity and its first embedding sample in a
	// single transaction. first may be nil when the entity is created without
	// a biometric sample.
	CreateEntity(ctx context.Context, e *types.Entity, first *types.EmbeddingRecord) error

	// GetEntity retrieves an entity by id. Returns ErrNotFound if missing.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// ListEntities returns all entities ordered by last_seen descending.
	ListEntities(ctx context.Context) ([]*types.Entity, error)

	// TouchEntity refreshes last_seen and increments the interaction counter.
	TouchEntity(ctx context.Context, id string, seenAt time.Time) error

	// UpdateEntityProfile mutates the learned display name and notes.
	UpdateEntityProfile(ctx context.Context, id, name, notes string) error

	// AddEmbedding appends one immutable embedding sample. No deduplication:
	// capture throttling is the caller's policy.
	AddEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error

	// AllEmbeddings returns every stored embedding sample. Used to warm the
	// in-memory index at startup and by the snapshot export.
	AllEmbeddings(ctx context.Context) ([]*types.EmbeddingRecord, error)

	// DeleteEntity removes an entity, cascading to its embeddings and
	// memories. Entities are never deleted automatically; this backs the
	// explicit administrative operation only.
	DeleteEntity(ctx context.Context, id string) error
}

// LedgerStore is the append-only persistence behind the memory ledger.
// Privacy classification happens above this layer; the store never sees
// denied content.
type LedgerStore interface {
	// AppendMemory commits one memory record. Each append is independent;
	// no multi-record transactions are required.
	AppendMemory(ctx context.Context, m *types.MemoryRecord) error

	// TopMemories returns up to k non-expired records for the entity
	// (nil entityID = global memories), ordered by importance descending then
	// recency descending. Expiry is checked at read time against now.
	TopMemories(ctx context.Context, entityID *string, k int, now time.Time) ([]*types.MemoryRecord, error)

	// DeleteExpired physically removes records whose expiry has passed.
	// Correctness never depends on this sweep. Returns rows removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// DeleteEntityMemories removes all memories owned by an entity.
	DeleteEntityMemories(ctx context.Context, entityID string) (int, error)
}

// TurnStore persists per-session conversation turns with gap-free sequence
// indices.
type TurnStore interface {
	// AppendTurn assigns the next sequence index for the session and
	// persists the record. The assigned Seq and ID are written back to t.
	AppendTurn(ctx context.Context, t *types.TurnRecord) error

	// SessionTurns returns every record for the session — raw, compacted and
	// summary — ordered by sequence index then id.
	SessionTurns(ctx context.Context, sessionID string) ([]*types.TurnRecord, error)

	// ActiveContext returns the non-compacted records in sequence order:
	// zero or one summary record followed by the retained raw tail.
	ActiveContext(ctx context.Context, sessionID string) ([]*types.TurnRecord, error)

	// CompactTurns atomically marks the identified records compacted and
	// inserts the synthetic summary record. Either everything commits or
	// nothing does.
	CompactTurns(ctx context.Context, sessionID string, ids []int64, summary *types.TurnRecord) error

	// DeleteSession discards all turn records for a closed session.
	DeleteSession(ctx context.Context, sessionID string) error
}

// Store is the composed durable store used by the server.
type Store interface {
	EntityStore
	LedgerStore
	TurnStore

	// Close releases any resources held by the store.
	Close() error
}
