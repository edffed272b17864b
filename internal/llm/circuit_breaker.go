package llm

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker is open and rejects requests
// to keep a failing upstream model from stalling every session.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds breaker tuning.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trip the
	// circuit. Default: 3.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing test
	// requests. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes in half-open state
	// needed to close the circuit. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// CircuitBreaker wraps gobreaker around model calls.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker with the default configuration.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	})
}

// NewCircuitBreakerWithConfig creates a breaker with custom tuning.
func NewCircuitBreakerWithConfig(config CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        "ModelCircuitBreaker",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		// A cancelled context is the client hanging up mid-stream, not
		// upstream health; it must not count toward tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("WARNING: model circuit breaker %s -> %s", from, to)
		},
	}
	return &CircuitBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A cancelled context fails fast
// without charging the breaker a request.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports "closed", "open", or "half-open" for health reporting.
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerStreamer wraps a Streamer so every stream passes through a shared
// circuit breaker.
type BreakerStreamer struct {
	inner   Streamer
	breaker *CircuitBreaker
}

var _ Streamer = (*BreakerStreamer)(nil)

// WithBreaker protects a Streamer with the given breaker.
func WithBreaker(inner Streamer, breaker *CircuitBreaker) *BreakerStreamer {
	return &BreakerStreamer{inner: inner, breaker: breaker}
}

func (b *BreakerStreamer) Stream(ctx context.Context, system string, msgs []Message, fn func(string) error) error {
	return b.breaker.Execute(ctx, func() error {
		return b.inner.Stream(ctx, system, msgs, fn)
	})
}

func (b *BreakerStreamer) GetModel() string {
	return b.inner.GetModel()
}

// BreakerGenerator wraps a TextGenerator so background summarisation shares
// the interactive streams' breaker: a flapping upstream stops receiving
// summary calls too.
type BreakerGenerator struct {
	inner   TextGenerator
	breaker *CircuitBreaker
}

var _ TextGenerator = (*BreakerGenerator)(nil)

// WithGeneratorBreaker protects a TextGenerator with the given breaker.
func WithGeneratorBreaker(inner TextGenerator, breaker *CircuitBreaker) *BreakerGenerator {
	return &BreakerGenerator{inner: inner, breaker: breaker}
}

func (b *BreakerGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	var out string
	err := b.breaker.Execute(ctx, func() error {
		var innerErr error
		out, innerErr = b.inner.Complete(ctx, prompt)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (b *BreakerGenerator) GetModel() string {
	return b.inner.GetModel()
}
