// Package ws is the WebSocket transport for interaction sessions. It owns
// connection lifecycle and framing; all protocol semantics live in the
// session engine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/pikobot/piko/internal/session"
	"github.com/pikobot/piko/pkg/types"
)

const (
	// authDeadline bounds how long an unauthenticated connection may hold a
	// socket.
	authDeadline = 10 * time.Second

	// sendBuffer is the per-connection outbound queue. A client that cannot
	// drain a full buffer is disconnected rather than allowed to stall the
	// engine.
	sendBuffer = 256

	writeTimeout = 10 * time.Second
)

// EngineFactory builds a session engine bound to one connection's sink.
type EngineFactory func(sink session.Sink) *session.Engine

// Handler upgrades connections and runs one engine per connection.
type Handler struct {
	newEngine EngineFactory
}

// NewHandler creates the transport handler.
func NewHandler(newEngine EngineFactory) *Handler {
	return &Handler{newEngine: newEngine}
}

// conn is one live connection: a write pump fed by a buffered channel so the
// engine, its timers, and its background work can all send without
// interleaving frames.
type conn struct {
	ws   *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte

	mu     sync.Mutex
	closed bool
}

var _ session.Sink = (*conn)(nil)

// Send marshals and queues one outbound message.
func (c *conn) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: marshal outbound message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("ws: connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("ws: send buffer full")
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *conn) writePump() {
	defer c.ws.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck
	for data := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, data) //nolint:staticcheck
		cancel()
		if err != nil {
			log.Printf("ERROR: ws write failed: %v", err)
			return
		}
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// disconnects or the engine reports a terminal failure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck
		// Devices authenticate with the API key, not the Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("ERROR: ws upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(1 << 20)

	c := &conn{ws: ws, send: make(chan []byte, sendBuffer)}
	engine := h.newEngine(c)

	go c.writePump()
	defer func() {
		engine.Close()
		c.shutdown()
	}()

	ctx := r.Context()
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if engine.State() == session.StateUnauthenticated {
			readCtx, cancel = context.WithTimeout(ctx, authDeadline)
		}
		typ, data, err := ws.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("ws read ended: %v", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if err := engine.HandleBinary(ctx, data); err != nil {
				return
			}
			continue
		}

		if err := h.dispatch(ctx, engine, data); err != nil {
			if errors.Is(err, session.ErrClosed) {
				ws.Close(websocket.StatusPolicyViolation, "protocol violation") //nolint:staticcheck
			}
			return
		}
	}
}

// dispatch routes one text frame to the engine by its type field.
func (h *Handler) dispatch(ctx context.Context, engine *session.Engine, data []byte) error {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return engine.HandleMalformed(ctx, "frame is not valid JSON")
	}

	switch envelope.Type {
	case "auth":
		var msg types.AuthMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return engine.HandleMalformed(ctx, "malformed auth message")
		}
		return engine.HandleAuth(ctx, &msg)

	case "interaction_start":
		var msg types.InteractionStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return engine.HandleMalformed(ctx, "malformed interaction_start message")
		}
		return engine.HandleInteractionStart(ctx, &msg)

	case "audio_end":
		var msg types.AudioEndMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return engine.HandleMalformed(ctx, "malformed audio_end message")
		}
		return engine.HandleAudioEnd(ctx, &msg)

	case "text":
		var msg types.TextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return engine.HandleMalformed(ctx, "malformed text message")
		}
		return engine.HandleText(ctx, &msg)

	case "face_detected":
		var msg types.FaceDetectedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return engine.HandleMalformed(ctx, "malformed face_detected message")
		}
		return engine.HandleFaceDetected(ctx, &msg)

	default:
		return engine.HandleMalformed(ctx, fmt.Sprintf("unknown message type %q", envelope.Type))
	}
}
