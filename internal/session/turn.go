package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pikobot/piko/internal/actuation"
	"github.com/pikobot/piko/internal/expression"
	"github.com/pikobot/piko/internal/intent"
	"github.com/pikobot/piko/internal/llm"
	"github.com/pikobot/piko/internal/stream"
	"github.com/pikobot/piko/pkg/types"
)

// turnState accumulates what one streamed response produces.
type turnState struct {
	mu          sync.Mutex
	emotionSent bool

	emotion      string
	responseText strings.Builder
	memories     []stream.MemoryEvent
	learnedName  string
}

// runTurn executes one full prompt/response exchange. It returns nil even
// when the turn fails: turn-level errors are reported through the error
// event and the session returns to Ready.
func (e *Engine) runTurn(ctx context.Context, requestID, content string) error {
	started := e.nowFn()

	turnCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.turnCancel = cancel
	entity := e.entity
	confidence := e.confidence
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.turnCancel = nil
		e.mu.Unlock()
	}()

	// Thinking: assemble identity, memories, and active history.
	var entityScope *string
	entityName := ""
	if entity != nil {
		entityScope = &entity.ID
		entityName = entity.Name
	}
	memories, err := e.ledger.TopK(turnCtx, entityScope, e.cfg.MemoryTopK)
	if err != nil {
		log.Printf("WARNING: session %s: memory recall failed: %v", e.id, err)
	}

	history, err := e.store.ActiveContext(turnCtx, e.id)
	if err != nil {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, requestID, types.ErrCodeInternal, "history unavailable")
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := "user"
		if t.Role == types.RoleResponse {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: content})

	prompt := &types.TurnRecord{
		SessionID: e.id, Role: types.RolePrompt, Content: content, CreatedAt: started,
	}
	if err := e.store.AppendTurn(turnCtx, prompt); err != nil {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, requestID, types.ErrCodeInternal, "could not persist turn")
	}

	system := llm.BuildSystemPrompt(e.persona.Prompt(), entityName, memories)

	// Responding: stream, lex, forward in order.
	e.setState(StateResponding)
	ts := &turnState{emotion: expression.EmotionNeutral}
	parser := stream.NewParser()

	// If the model stalls before its leading marker, the face must not: send
	// neutral once the wait bound passes.
	fallback := time.AfterFunc(e.cfg.EmotionWait, func() {
		e.sendEmotion(context.Background(), requestID, ts, expression.EmotionNeutral, entity, confidence)
	})
	defer fallback.Stop()

	streamErr := e.streamer.Stream(turnCtx, system, msgs, func(fragment string) error {
		return e.dispatch(turnCtx, requestID, ts, parser.Feed(fragment), entity, confidence)
	})
	if streamErr == nil {
		streamErr = e.dispatch(turnCtx, requestID, ts, parser.Close(), entity, confidence)
	}
	fallback.Stop()

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			// Session closed mid-turn; nothing left to report to.
			return nil
		}
		log.Printf("ERROR: session %s: model stream failed: %v", e.id, streamErr)
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, requestID, classifyModelError(streamErr), "model stream failed")
	}

	responseText := strings.TrimSpace(ts.responseText.String())
	if responseText == "" {
		e.setState(StateReady)
		e.resetIdleTimer()
		return e.sendError(ctx, requestID, types.ErrCodeUpstreamModelFailure, "model produced no response")
	}

	// Capture intent rides ahead of the metadata so the client can raise the
	// camera while the face animation is still being scheduled.
	if captureType := intent.Classify(responseText); captureType != "" {
		req := &types.CaptureRequestMessage{
			Type: "capture_request", RequestID: requestID,
		}
		switch captureType {
		case intent.VideoRequest:
			req.CaptureType = "video"
			req.DurationMs = e.cfg.VideoCaptureDurationMs
		default:
			req.CaptureType = "photo"
		}
		if err := e.sink.Send(ctx, req); err != nil {
			return err
		}
	}

	resolvedName := ts.learnedName
	if resolvedName == "" {
		resolvedName = entityName
	}
	meta := &types.ResponseMetaMessage{
		Type:         "response_meta",
		RequestID:    requestID,
		ResponseText: responseText,
		Expression: types.ExpressionPayload{
			Emojis:           expression.Emojis(ts.emotion),
			DurationPerEmoji: 2000,
			Transition:       "bounce",
		},
		Actions:      []types.Action{},
		ResolvedName: resolvedName,
	}
	if gesture, ok := actuation.GestureForEmotion(ts.emotion); ok {
		meta.Actions = append(meta.Actions, gesture.ToAction(ts.emotion))
	}
	if err := e.sink.Send(ctx, meta); err != nil {
		return err
	}

	if err := e.sink.Send(ctx, &types.StreamEndMessage{
		Type:             "stream_end",
		RequestID:        requestID,
		ProcessingTimeMs: int(e.nowFn().Sub(started).Milliseconds()),
	}); err != nil {
		return err
	}

	response := &types.TurnRecord{
		SessionID: e.id, Role: types.RoleResponse, Content: responseText, CreatedAt: e.nowFn(),
	}
	if err := e.store.AppendTurn(ctx, response); err != nil {
		log.Printf("ERROR: session %s: could not persist response: %v", e.id, err)
	}

	e.finishTurn(ts, entityScope)
	e.setState(StateReady)
	e.resetIdleTimer()
	return nil
}

// dispatch forwards parser events in order.
func (e *Engine) dispatch(ctx context.Context, requestID string, ts *turnState,
	events []stream.Event, entity *types.Entity, confidence float64) error {

	for _, ev := range events {
		switch ev := ev.(type) {
		case stream.EmotionEvent:
			ts.mu.Lock()
			ts.emotion = ev.Tag
			ts.mu.Unlock()
			e.sendEmotion(ctx, requestID, ts, ev.Tag, entity, confidence)

		case stream.ProseEvent:
			ts.mu.Lock()
			ts.responseText.WriteString(ev.Text)
			ts.mu.Unlock()
			if err := e.sink.Send(ctx, &types.TextChunkMessage{
				Type: "text_chunk", RequestID: requestID, Text: ev.Text,
			}); err != nil {
				return err
			}

		case stream.MemoryEvent:
			ts.mu.Lock()
			ts.memories = append(ts.memories, ev)
			ts.mu.Unlock()

		case stream.IdentityEvent:
			ts.mu.Lock()
			if ts.learnedName == "" {
				ts.learnedName = ev.Name
			}
			ts.mu.Unlock()
		}
	}
	return nil
}

// sendEmotion emits the turn's single emotion event. The parser path and the
// fallback timer may race; the first caller wins, and the lock is held across
// the Send so the loser cannot put prose on the wire before the emotion frame
// is out. The dispatch path always passes through here before its first
// prose Send, so it blocks behind an in-flight fallback frame.
func (e *Engine) sendEmotion(ctx context.Context, requestID string, ts *turnState,
	tag string, entity *types.Entity, confidence float64) {

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.emotionSent {
		return
	}
	ts.emotionSent = true

	msg := &types.EmotionMessage{Type: "emotion", RequestID: requestID, Emotion: tag}
	if entity != nil {
		msg.EntityIdentified = entity.Name
		msg.Confidence = confidence
	}
	if err := e.sink.Send(ctx, msg); err != nil {
		log.Printf("WARNING: session %s: emotion send failed: %v", e.id, err)
	}
}

// finishTurn runs the work a completed turn leaves behind, detached from the
// connection: memory persistence, identity registration, and a compaction
// check.
func (e *Engine) finishTurn(ts *turnState, entityScope *string) {
	ts.mu.Lock()
	memories := ts.memories
	learnedName := ts.learnedName
	ts.mu.Unlock()

	e.mu.Lock()
	pendingVec := e.pendingVec
	e.mu.Unlock()

	sessionID := e.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if learnedName != "" && pendingVec != nil {
			entity, err := e.resolver.Register(ctx, learnedName, pendingVec)
			if err != nil {
				log.Printf("ERROR: session %s: registration failed: %v", sessionID, err)
			} else {
				e.setIdentity(entity, 1.0)
				e.clearPending()
				entityScope = &entity.ID
				if err := e.sink.Send(ctx, &types.IdentityRegisteredMessage{
					Type: "identity_registered", EntityID: entity.ID, Name: entity.Name,
				}); err != nil {
					log.Printf("WARNING: session %s: identity_registered send failed: %v", sessionID, err)
				}
			}
		}

		for _, m := range memories {
			rec := &types.MemoryRecord{
				EntityID:   entityScope,
				MemoryType: m.Type,
				Content:    m.Content,
				Importance: m.Importance,
				CreatedAt:  e.nowFn(),
			}
			saved, err := e.ledger.Append(ctx, rec)
			if err != nil {
				log.Printf("WARNING: session %s: memory save failed: %v", sessionID, err)
			} else if !saved {
				log.Printf("session %s: memory candidate withheld by privacy gate", sessionID)
			}
		}
	}()

	e.compactor.CompactAsync(sessionID)
}

// classifyModelError maps an upstream failure onto the protocol taxonomy.
func classifyModelError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrCodeUpstreamModelTimeout
	}
	return types.ErrCodeUpstreamModelFailure
}
