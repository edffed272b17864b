// Package ledger is the append-only memory store of the interaction engine.
// Every write passes a privacy gate; denied content is dropped without
// leaving a trace.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pikobot/piko/internal/privacy"
	"github.com/pikobot/piko/internal/storage"
	"github.com/pikobot/piko/pkg/types"
)

// Ledger gates and persists memory records.
type Ledger struct {
	store    storage.LedgerStore
	classify privacy.Predicate
	nowFn    func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = nowFn }
}

// New creates a Ledger. classify may be nil, which disables the privacy gate.
func New(store storage.LedgerStore, classify privacy.Predicate, opts ...Option) *Ledger {
	l := &Ledger{store: store, classify: classify, nowFn: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append runs the privacy gate and persists the record. saved=false with a
// nil error means the gate rejected the content; the caller observes no other
// difference and the content is discarded entirely.
func (l *Ledger) Append(ctx context.Context, m *types.MemoryRecord) (saved bool, err error) {
	if m == nil || m.Content == "" {
		return false, fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if l.classify != nil && l.classify(m.Content) {
		return false, nil
	}

	m.Importance = types.ClampImportance(m.Importance)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.nowFn()
	}
	if err := l.store.AppendMemory(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// TopK returns up to k live records for the entity (nil for the global
// scope), most important first, ties broken by recency. Expired records are
// filtered at read time.
func (l *Ledger) TopK(ctx context.Context, entityID *string, k int) ([]*types.MemoryRecord, error) {
	return l.store.TopMemories(ctx, entityID, k, l.nowFn())
}

// StartSweeper launches a background loop that physically removes expired
// records at the given interval. Read-time filtering already hides them; the
// sweep only reclaims space. The loop exits when ctx is cancelled.
func (l *Ledger) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := l.store.DeleteExpired(ctx, l.nowFn())
				if err != nil {
					log.Printf("WARNING: memory sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("memory sweep removed %d expired records", n)
				}
			}
		}
	}()
}
