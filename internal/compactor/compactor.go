// Package compactor folds old conversation turns into a model-generated
// summary so the active context stays bounded over long sessions.
package compactor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pikobot/piko/internal/llm"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

const (
	// DefaultThreshold is the non-compacted raw turn count that triggers a
	// compaction pass.
	DefaultThreshold = 20

	// DefaultRetain is how many of the most recent raw turns survive a pass
	// verbatim.
	DefaultRetain = 5
)

// Compactor runs compaction passes. A pass is triggered after a response
// turn is stored and runs in the background; conversation never waits on it.
type Compactor struct {
	turns     storage.TurnStore
	generator llm.TextGenerator
	threshold int
	retain    int
	nowFn     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// Option customises a Compactor.
type Option func(*Compactor)

// WithLimits overrides the trigger threshold and retained tail length.
func WithLimits(threshold, retain int) Option {
	return func(c *Compactor) {
		c.threshold = threshold
		c.retain = retain
	}
}

// WithClock overrides the time source for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(c *Compactor) { c.nowFn = nowFn }
}

// New creates a Compactor with the default threshold of 20 and retain of 5.
func New(turns storage.TurnStore, generator llm.TextGenerator, opts ...Option) *Compactor {
	c := &Compactor{
		turns:     turns,
		generator: generator,
		threshold: DefaultThreshold,
		retain:    DefaultRetain,
		nowFn:     time.Now,
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaybeCompact runs one compaction pass for the session if the active raw
// turn count has reached the threshold. Below the threshold it is a no-op,
// so calling after every turn is safe. Concurrent calls for the same session
// collapse to one pass.
//
// A previous summary record sits at the head of the active context and is
// folded into the new summary, keeping the invariant of at most one summary
// per session.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.inflight[sessionID] {
		c.mu.Unlock()
		return nil
	}
	c.inflight[sessionID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, sessionID)
		c.mu.Unlock()
	}()

	active, err := c.turns.ActiveContext(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("compactor: load context: %w", err)
	}

	rawCount := 0
	for _, t := range active {
		if !t.Summary {
			rawCount++
		}
	}
	if rawCount < c.threshold {
		return nil
	}

	// Everything except the last retain records is folded, including a
	// previous summary at the head of the window.
	window := active[:len(active)-c.retain]
	if len(window) == 0 {
		return nil
	}

	summaryText, err := c.generator.Complete(ctx, llm.BuildSummaryPrompt(window))
	if err != nil {
		// The window stays raw; the next trigger retries from scratch.
		return fmt.Errorf("compactor: summary generation failed: %w", err)
	}

	ids := make([]int64, len(window))
	for i, t := range window {
		ids[i] = t.ID
	}
	summary := &types.TurnRecord{
		SessionID: sessionID,
		Role:      types.RoleResponse,
		Content:   summaryText,
		Seq:       window[0].Seq,
		CreatedAt: c.nowFn(),
	}
	if err := c.turns.CompactTurns(ctx, sessionID, ids, summary); err != nil {
		return fmt.Errorf("compactor: commit failed: %w", err)
	}

	log.Printf("compacted %d turns of session %s into summary seq %d", len(window), sessionID, summary.Seq)
	return nil
}

// CompactAsync runs MaybeCompact in the background, detached from the
// request context. Failures are logged and otherwise invisible to the
// conversation.
func (c *Compactor) CompactAsync(sessionID string) {
	go func() {
		if err := c.MaybeCompact(context.Background(), sessionID); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}()
}
