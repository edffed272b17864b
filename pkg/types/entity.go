package types

import "time"

// Entity represents a person known to Piko (family member, friend, neighbour).
// Entities are created on first successful registration and never deleted
// automatically. Name and notes are mutable: they are refined by resolved
// conversation turns over time.
type Entity struct {
	ID               string    `json:"entity_id"`         // Stable identifier (uuid)
	Name             string    `json:"name"`              // Display name, learned from conversation
	FirstSeen        time.Time `json:"first_seen"`        // When the entity was first registered
	LastSeen         time.Time `json:"last_seen"`         // Refreshed on every resolved interaction
	InteractionCount int       `json:"interaction_count"` // Number of resolved interactions
	Notes            string    `json:"notes,omitempty"`   // Free-text context ("likes coffee", "works nights")
}

// EmbeddingRecord is one biometric face-embedding sample for an entity.
// Multiple records per entity are expected (different days, different
// lighting); none is authoritative — matching considers the full set, each
// sample competing independently. Records are immutable once written and are
// removed only by cascading entity deletion.
type EmbeddingRecord struct {
	ID         int64     `json:"id"`
	EntityID   string    `json:"entity_id"`
	Vector     []float32 `json:"vector"`              // Fixed-length embedding, L2-normalisable
	CapturedAt time.Time `json:"captured_at"`
	Condition  string    `json:"condition,omitempty"` // Capture condition tag: "day" | "night" | ""
}
