// Package session implements the per-connection interaction engine: the
// protocol state machine, turn execution, and the background work each turn
// leaves behind.
package session

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pikobot/piko/internal/compactor"
	"github.com/pikobot/piko/internal/identity"
	"github.com/pikobot/piko/internal/ledger"
	"github.com/pikobot/piko/internal/llm"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// State is the protocol position of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateReady
	StateListening
	StateThinking
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by handlers after a terminal failure; the transport
// must close the connection.
var ErrClosed = errors.New("session: closed")

// Sink delivers outbound protocol messages. The transport serialises
// concurrent Send calls.
type Sink interface {
	Send(ctx context.Context, msg any) error
}

// Config holds per-engine tuning.
type Config struct {
	// APIKey is the shared device key checked during auth.
	APIKey string

	// MemoryTopK is how many memories are folded into the system prompt.
	MemoryTopK int

	// IdleTimeout is how long a Ready session may sit without activity
	// before an idle_timeout signal is sent. The connection stays open.
	IdleTimeout time.Duration

	// EmotionWait bounds how long the first prose may be delayed waiting for
	// a leading emotion marker before neutral is sent.
	EmotionWait time.Duration

	// VideoCaptureDurationMs is attached to video capture requests.
	VideoCaptureDurationMs int
}

func (c *Config) applyDefaults() {
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.EmotionWait <= 0 {
		c.EmotionWait = 300 * time.Millisecond
	}
	if c.VideoCaptureDurationMs <= 0 {
		c.VideoCaptureDurationMs = 5000
	}
}

// Engine runs one session. Handlers are invoked from the transport's single
// read loop; the mutex only guards state touched by timers and background
// goroutines.
type Engine struct {
	id        string
	cfg       Config
	sink      Sink
	store     storage.Store
	ledger    *ledger.Ledger
	resolver  *identity.Resolver
	compactor *compactor.Compactor
	streamer  llm.Streamer
	scribe    llm.Transcriber
	persona   *llm.Persona
	nowFn     func() time.Time

	mu         sync.Mutex
	state      State
	entity     *types.Entity
	confidence float64
	pendingVec []float32
	requestID  string
	audio      bytes.Buffer
	idleTimer  *time.Timer
	turnCancel context.CancelFunc
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(e *Engine) { e.nowFn = nowFn }
}

// WithTranscriber enables the audio input path.
func WithTranscriber(t llm.Transcriber) Option {
	return func(e *Engine) { e.scribe = t }
}

// NewEngine creates an engine for one connection.
func NewEngine(cfg Config, sink Sink, store storage.Store, led *ledger.Ledger,
	resolver *identity.Resolver, comp *compactor.Compactor, streamer llm.Streamer,
	persona *llm.Persona, opts ...Option) *Engine {

	cfg.applyDefaults()
	e := &Engine{
		id:        uuid.NewString(),
		cfg:       cfg,
		sink:      sink,
		store:     store,
		ledger:    led,
		resolver:  resolver,
		compactor: comp,
		streamer:  streamer,
		persona:   persona,
		nowFn:     time.Now,
		state:     StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the session id.
func (e *Engine) ID() string {
	return e.id
}

// State returns the current protocol state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HandleAuth processes the mandatory first message. A bad key is terminal.
func (e *Engine) HandleAuth(ctx context.Context, msg *types.AuthMessage) error {
	e.mu.Lock()
	if e.state != StateUnauthenticated {
		e.mu.Unlock()
		return e.fail(ctx, "", types.ErrCodeProtocolViolation, "already authenticated")
	}
	e.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(msg.APIKey), []byte(e.cfg.APIKey)) != 1 {
		return e.fail(ctx, "", types.ErrCodeAuthFailure, "invalid api key")
	}

	e.setState(StateReady)
	e.resetIdleTimer()
	if err := e.sink.Send(ctx, &types.AuthOkMessage{Type: "auth_ok", SessionID: e.id}); err != nil {
		return err
	}
	log.Printf("session %s authenticated (device %s)", e.id, msg.DeviceID)
	return nil
}

// HandleInteractionStart begins a turn and resolves the speaker from the
// attached identity hint, if any. Resolution failure is not an error; the
// turn simply runs unidentified.
func (e *Engine) HandleInteractionStart(ctx context.Context, msg *types.InteractionStartMessage) error {
	if err := e.requireState(ctx, msg.RequestID, StateReady); err != nil {
		return err
	}

	e.mu.Lock()
	e.requestID = msg.RequestID
	e.audio.Reset()
	e.state = StateListening
	e.mu.Unlock()
	e.resetIdleTimer()

	if msg.EntityID != "" {
		entity, err := e.resolver.Describe(ctx, msg.EntityID)
		if err != nil {
			log.Printf("WARNING: session %s: unknown entity hint %s: %v", e.id, msg.EntityID, err)
		} else {
			e.setIdentity(entity, 1.0)
		}
		return nil
	}

	if msg.FaceEmbedding != "" {
		vec, err := decodeEmbedding(msg.FaceEmbedding)
		if err != nil {
			log.Printf("WARNING: session %s: bad face embedding: %v", e.id, err)
			return nil
		}
		e.resolveEmbedding(ctx, vec)
	}
	return nil
}

// HandleBinary accumulates one audio frame. Frames outside Listening are
// stale (the client raced a turn boundary) and are dropped.
func (e *Engine) HandleBinary(ctx context.Context, frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateListening {
		log.Printf("WARNING: session %s: dropping %d audio bytes in state %s", e.id, len(frame), e.state)
		return nil
	}
	e.audio.Write(frame)
	return nil
}

// HandleAudioEnd closes media accumulation and runs the turn on the
// transcript.
func (e *Engine) HandleAudioEnd(ctx context.Context, msg *types.AudioEndMessage) error {
	if err := e.requireState(ctx, msg.RequestID, StateListening); err != nil {
		return err
	}

	e.mu.Lock()
	audio := append([]byte(nil), e.audio.Bytes()...)
	e.audio.Reset()
	e.mu.Unlock()

	if len(audio) == 0 {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, msg.RequestID, types.ErrCodeEmptyAudio, "no audio received before audio_end")
	}
	if e.scribe == nil {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, msg.RequestID, types.ErrCodeInternal, "audio input is not enabled")
	}

	e.setState(StateThinking)
	transcript, err := e.scribe.Transcribe(ctx, audio)
	if err != nil {
		e.setState(StateReady)
		e.resetIdleTimer()
		code := classifyModelError(err)
		return e.sendError(ctx, msg.RequestID, code, "transcription failed")
	}
	return e.runTurn(ctx, msg.RequestID, transcript)
}

// HandleText runs a turn on a full text utterance. Allowed directly from
// Ready: text input needs no accumulation phase.
func (e *Engine) HandleText(ctx context.Context, msg *types.TextMessage) error {
	e.mu.Lock()
	switch e.state {
	case StateReady, StateListening:
		e.state = StateThinking
		e.requestID = msg.RequestID
		e.mu.Unlock()
	default:
		state := e.state
		e.mu.Unlock()
		return e.violation(ctx, msg.RequestID, fmt.Sprintf("text not allowed in state %s", state))
	}

	if msg.Content == "" {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, msg.RequestID, types.ErrCodeEmptyAudio, "empty utterance")
	}
	return e.runTurn(ctx, msg.RequestID, msg.Content)
}

// HandleFaceDetected processes an out-of-turn face sighting: recognise,
// register against a claimed name, or hold the embedding for a later
// person_name marker.
func (e *Engine) HandleFaceDetected(ctx context.Context, msg *types.FaceDetectedMessage) error {
	e.mu.Lock()
	if e.state == StateUnauthenticated || e.state == StateClosed {
		e.mu.Unlock()
		return e.violation(ctx, msg.RequestID, "face_detected before auth")
	}
	e.mu.Unlock()
	e.resetIdleTimer()

	vec, err := decodeEmbedding(msg.Embedding)
	if err != nil {
		return e.sendError(ctx, msg.RequestID, types.ErrCodeInternal, "malformed embedding")
	}

	if e.resolveEmbedding(ctx, vec) {
		e.mu.Lock()
		entity, confidence := e.entity, e.confidence
		e.mu.Unlock()
		return e.sink.Send(ctx, &types.EmotionMessage{
			Type:             "emotion",
			RequestID:        msg.RequestID,
			Emotion:          "greeting",
			EntityIdentified: entity.Name,
			Confidence:       confidence,
		})
	}

	if msg.ClaimedName != "" {
		entity, err := e.resolver.Register(ctx, msg.ClaimedName, vec)
		if err != nil {
			log.Printf("ERROR: session %s: registration failed: %v", e.id, err)
			return e.sendError(ctx, msg.RequestID, types.ErrCodeInternal, "registration failed")
		}
		e.setIdentity(entity, 1.0)
		e.clearPending()
		return e.sink.Send(ctx, &types.IdentityRegisteredMessage{
			Type: "identity_registered", EntityID: entity.ID, Name: entity.Name,
		})
	}
	return nil
}

// HandleMalformed reports an unparseable or unknown frame. Always terminal:
// a client that cannot frame messages cannot hold a session.
func (e *Engine) HandleMalformed(ctx context.Context, detail string) error {
	return e.violation(ctx, "", detail)
}

// Close tears the session down: the in-flight model call is cancelled, the
// idle timer stops, and the session's turn history is discarded in the
// background.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	if e.turnCancel != nil {
		e.turnCancel()
		e.turnCancel = nil
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.mu.Unlock()

	sessionID := e.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.DeleteSession(ctx, sessionID); err != nil {
			log.Printf("WARNING: failed to discard turns of session %s: %v", sessionID, err)
		}
	}()
	log.Printf("session %s closed", sessionID)
}

// ── internals ──

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state != StateClosed {
		e.state = s
	}
	e.mu.Unlock()
}

func (e *Engine) setIdentity(entity *types.Entity, confidence float64) {
	e.mu.Lock()
	e.entity = entity
	e.confidence = confidence
	e.mu.Unlock()
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	e.pendingVec = nil
	e.mu.Unlock()
}

// resolveEmbedding matches a vector against the index, holding it for
// registration when nothing matches. Returns whether a known entity was
// resolved.
func (e *Engine) resolveEmbedding(ctx context.Context, vec []float32) bool {
	res, err := e.resolver.Resolve(ctx, vec)
	if err != nil {
		if !errors.Is(err, identity.ErrUnknownIdentity) {
			log.Printf("WARNING: session %s: resolve failed: %v", e.id, err)
		}
		e.mu.Lock()
		e.pendingVec = vec
		e.mu.Unlock()
		return false
	}
	e.setIdentity(res.Entity, res.Similarity)
	return true
}

func (e *Engine) requireState(ctx context.Context, requestID string, want State) error {
	e.mu.Lock()
	got := e.state
	e.mu.Unlock()
	if got != want {
		return e.violation(ctx, requestID, fmt.Sprintf("message not allowed in state %s", got))
	}
	return nil
}

// violation reports a protocol violation and terminates the session.
func (e *Engine) violation(ctx context.Context, requestID, detail string) error {
	return e.fail(ctx, requestID, types.ErrCodeProtocolViolation, detail)
}

// fail sends a non-recoverable error and signals the transport to close.
func (e *Engine) fail(ctx context.Context, requestID, code, detail string) error {
	_ = e.sendError(ctx, requestID, code, detail)
	e.setState(StateClosed)
	return ErrClosed
}

// sendError emits the single error event for a failed operation.
func (e *Engine) sendError(ctx context.Context, requestID, code, detail string) error {
	return e.sink.Send(ctx, &types.ErrorMessage{
		Type:        "error",
		RequestID:   requestID,
		ErrorCode:   code,
		Message:     detail,
		Recoverable: types.Recoverable(code),
	})
}

// resetIdleTimer re-arms the idle signal. Fires at most once per quiet
// period; the next activity re-arms it.
func (e *Engine) resetIdleTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(e.cfg.IdleTimeout, e.idleFired)
}

func (e *Engine) idleFired() {
	e.mu.Lock()
	idle := e.state == StateReady
	e.mu.Unlock()
	if !idle {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.Send(ctx, &types.IdleTimeoutMessage{Type: "idle_timeout", SessionID: e.id}); err != nil {
		log.Printf("WARNING: session %s: idle signal failed: %v", e.id, err)
	}
}

func decodeEmbedding(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("session: embedding is not valid base64: %w", err)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("session: embedding length %d is not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
