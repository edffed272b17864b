package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements TextGenerator and Streamer against an
// OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

var (
	_ TextGenerator = (*OpenAIClient)(nil)
	_ Streamer      = (*OpenAIClient)(nil)
	_ Transcriber   = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a client. baseURL may be empty for the public API;
// set it to point at a local or proxy endpoint. timeout bounds each request.
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.model
}

// Complete performs a single non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe runs speech-to-text over a recorded audio buffer. The client
// records 16 kHz mono WAV; the filename only tells the API the container.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audio),
		FilePath: "utterance.wav",
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription failed: %w", err)
	}
	return resp.Text, nil
}

// Stream performs a streaming completion, invoking fn for every content
// fragment. The request is bounded by the client timeout; exceeding it
// surfaces as context.DeadlineExceeded through the returned error chain.
func (c *OpenAIClient) Stream(ctx context.Context, system string, msgs []Message, fn func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:  c.model,
		Stream: true,
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role: role, Content: m.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("openai: stream open failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai: stream recv failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
}
