package types

import "time"

// Valid memory type tags.
const (
	MemoryFact        = "fact"
	MemoryPreference  = "preference"
	MemoryEvent       = "event"
	MemoryObservation = "observation"
)

// ValidMemoryType reports whether t is one of the recognised memory type tags.
func ValidMemoryType(t string) bool {
	switch t {
	case MemoryFact, MemoryPreference, MemoryEvent, MemoryObservation:
		return true
	}
	return false
}

// Importance bounds for memory records.
const (
	MinImportance = 1
	MaxImportance = 10
)

// ClampImportance forces v into the [MinImportance, MaxImportance] range.
func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// MemoryRecord is a durable fact, preference, event or observation stored in
// the memory ledger. A nil EntityID marks a system-global memory. Records are
// immutable once written; corrections are additive (a new record supersedes
// an old one by ranking, never by in-place edit) to preserve provenance.
type MemoryRecord struct {
	ID         int64      `json:"id"`
	EntityID   *string    `json:"entity_id,omitempty"` // nil = global memory
	MemoryType string     `json:"memory_type"`
	Content    string     `json:"content"`
	Importance int        `json:"importance"` // 1-10
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record has an expiry timestamp in the past.
func (m *MemoryRecord) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}
