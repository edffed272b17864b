package types

// Error codes carried by the outbound "error" message. Only AuthFailure and
// ProtocolViolation terminate the connection; everything else degrades
// within the current turn.
const (
	ErrCodeAuthFailure          = "AUTH_FAILURE"
	ErrCodeProtocolViolation    = "PROTOCOL_VIOLATION"
	ErrCodeUpstreamModelFailure = "UPSTREAM_MODEL_FAILURE"
	ErrCodeUpstreamModelTimeout = "UPSTREAM_MODEL_TIMEOUT"
	ErrCodeEmptyAudio           = "EMPTY_AUDIO"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// Recoverable reports whether the client layer may retry the same turn after
// receiving an error with this code. Non-recoverable codes require a new
// connection.
func Recoverable(code string) bool {
	switch code {
	case ErrCodeAuthFailure, ErrCodeProtocolViolation:
		return false
	}
	return true
}

// ── Client messages (device → server) ──

// AuthMessage must be the first text frame on a new connection.
type AuthMessage struct {
	Type     string `json:"type"` // "auth"
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id,omitempty"`
}

// InteractionStartMessage begins a turn and optionally attaches an identity
// hint: a previously resolved entity id, or a raw face embedding captured by
// the client (base64 little-endian float32).
type InteractionStartMessage struct {
	Type          string `json:"type"` // "interaction_start"
	RequestID     string `json:"request_id"`
	EntityID      string `json:"entity_id,omitempty"`
	FaceEmbedding string `json:"face_embedding,omitempty"`
}

// TextMessage submits a full text utterance and runs the turn.
type TextMessage struct {
	Type      string `json:"type"` // "text"
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
}

// AudioEndMessage marks end-of-input for accumulated binary audio frames and
// runs the turn.
type AudioEndMessage struct {
	Type      string `json:"type"` // "audio_end"
	RequestID string `json:"request_id"`
}

// FaceDetectedMessage reports a detected face outside a turn. When a claimed
// name accompanies an unknown embedding it drives the registration path.
type FaceDetectedMessage struct {
	Type        string `json:"type"` // "face_detected"
	RequestID   string `json:"request_id"`
	Embedding   string `json:"embedding"` // base64 little-endian float32
	ClaimedName string `json:"claimed_name,omitempty"`
}

// ── Server messages (server → device) ──

// AuthOkMessage confirms authentication and carries the session id.
type AuthOkMessage struct {
	Type      string `json:"type"` // "auth_ok"
	SessionID string `json:"session_id"`
}

// EmotionMessage is sent before any prose so the client face updates
// immediately.
type EmotionMessage struct {
	Type             string  `json:"type"` // "emotion"
	RequestID        string  `json:"request_id"`
	Emotion          string  `json:"emotion"`
	EntityIdentified string  `json:"entity_identified,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// TextChunkMessage is one sanitized prose fragment in model-emission order.
type TextChunkMessage struct {
	Type      string `json:"type"` // "text_chunk"
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

// CaptureRequestMessage asks the client to capture a photo or video.
type CaptureRequestMessage struct {
	Type        string `json:"type"` // "capture_request"
	RequestID   string `json:"request_id"`
	CaptureType string `json:"capture_type"` // "photo" | "video"
	DurationMs  int    `json:"duration_ms,omitempty"`
}

// ExpressionPayload describes the emoji animation played on the client face.
type ExpressionPayload struct {
	Emojis           []string `json:"emojis"` // OpenMoji codepoints, e.g. "1F44B"
	DurationPerEmoji int      `json:"duration_per_emoji"`
	Transition       string   `json:"transition"`
}

// Action is one primitive motion or light instruction for the actuator. The
// actuator enforces its own safety interlocks; the engine never waits for an
// acknowledgment.
type Action struct {
	Type       string         `json:"type"` // "move" | "light" | "pause"
	DurationMs int            `json:"duration_ms"`
	Params     map[string]any `json:"params,omitempty"`
}

// ResponseMetaMessage closes out the streamed response with the assembled
// text, expression animation, actuator actions and the resolved name if any.
type ResponseMetaMessage struct {
	Type         string            `json:"type"` // "response_meta"
	RequestID    string            `json:"request_id"`
	ResponseText string            `json:"response_text"`
	Expression   ExpressionPayload `json:"expression"`
	Actions      []Action          `json:"actions"`
	ResolvedName string            `json:"resolved_name,omitempty"`
}

// IdentityRegisteredMessage reports that a new entity was created from an
// identity candidate extracted this turn.
type IdentityRegisteredMessage struct {
	Type     string `json:"type"` // "identity_registered"
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
}

// StreamEndMessage terminates a turn's outbound stream.
type StreamEndMessage struct {
	Type             string `json:"type"` // "stream_end"
	RequestID        string `json:"request_id"`
	ProcessingTimeMs int    `json:"processing_time_ms"`
}

// IdleTimeoutMessage signals that the session has been idle past the
// configured window and the client layer should require re-activation. The
// connection itself stays open.
type IdleTimeoutMessage struct {
	Type      string `json:"type"` // "idle_timeout"
	SessionID string `json:"session_id"`
}

// ErrorMessage is the single error event emitted for a failed turn.
type ErrorMessage struct {
	Type        string `json:"type"` // "error"
	RequestID   string `json:"request_id,omitempty"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
