package types

import "time"

// Turn roles.
const (
	RolePrompt   = "prompt"   // inbound user content
	RoleResponse = "response" // model-generated content
)

// TurnRecord is one exchange inside a session's bounded history window.
// Sequence indices are strictly increasing and gap-free per session. Once
// Compacted is true the record is semantically replaced by a summary record
// and is never re-expanded. Summary records are synthetic: they carry the
// sequence index of the first turn they replaced and Summary=true.
type TurnRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Compacted bool      `json:"compacted"`
	Summary   bool      `json:"summary"`
}
