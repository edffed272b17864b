// Package llm abstracts the upstream conversational model.
package llm

import "context"

// Message is one conversational turn sent to the model.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// TextGenerator produces a single completion for a prompt. Used for history
// summarisation, where streaming is unnecessary.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// Transcriber turns a recorded audio buffer into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Streamer produces a streamed completion. fn is invoked once per fragment
// as it arrives from the upstream model; returning an error from fn aborts
// the stream. Stream returns only after the stream finishes or fails.
type Streamer interface {
	Stream(ctx context.Context, system string, msgs []Message, fn func(fragment string) error) error
	GetModel() string
}
