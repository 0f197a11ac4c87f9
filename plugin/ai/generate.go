// Package ai wraps the model provider behind a small generation interface.
package ai

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/gaplens/gaplens/plugin/ai/timeout"
)

var (
	errEmptyResponse = errors.New("empty completion response")
	errStreamIdle    = errors.New("stream idle timeout")
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single prompt message.
type Message struct {
	Role    string
	Content string
}

// Result is a completed generation with provider-reported usage.
// TokensIn/TokensOut are zero when the provider did not report usage;
// callers fall back to their own estimate.
type Result struct {
	Content   string
	TokensIn  int32
	TokensOut int32
}

// GenerationClient produces assistant responses from a prompt.
type GenerationClient interface {
	// Generate performs a synchronous completion.
	Generate(ctx context.Context, messages []Message) (*Result, error)

	// GenerateStream performs a streaming completion. The content channel
	// is closed when the stream ends; a non-nil value on the error channel
	// means the stream terminated early and the content so far is partial.
	GenerateStream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Config holds the provider configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	Timeout    time.Duration
	// IdleTimeout bounds the gap between streamed chunks.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		MaxRetries:  timeout.MaxRetries,
		Timeout:     timeout.Generate,
		IdleTimeout: timeout.StreamIdle,
	}
}

type openAIClient struct {
	client *openai.Client
	config *Config
}

// NewClient creates a GenerationClient backed by an OpenAI-compatible API.
func NewClient(cfg *Config) GenerationClient {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = timeout.MaxRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = timeout.Generate
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = timeout.StreamIdle
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (*Result, error) {
	var result *Result
	err := c.doWithRetry(ctx, func() error {
		ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    c.config.Model,
			Messages: convertMessages(messages),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errEmptyResponse
		}
		result = &Result{
			Content:   resp.Choices[0].Message.Content,
			TokensIn:  int32(resp.Usage.PromptTokens),
			TokensOut: int32(resp.Usage.CompletionTokens),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	contentChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		// A stream that goes quiet is cut off rather than held open forever.
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var idleFired atomic.Bool
		idle := time.AfterFunc(c.config.IdleTimeout, func() {
			idleFired.Store(true)
			cancel()
		})
		defer idle.Stop()

		stream, err := c.client.CreateChatCompletionStream(streamCtx, openai.ChatCompletionRequest{
			Model:    c.config.Model,
			Messages: convertMessages(messages),
			Stream:   true,
		})
		if err != nil {
			errChan <- err
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				if idleFired.Load() {
					err = errStreamIdle
				}
				errChan <- err
				return
			}
			idle.Reset(c.config.IdleTimeout)
			if len(resp.Choices) == 0 {
				continue
			}
			chunk := resp.Choices[0].Delta.Content
			if chunk == "" {
				continue
			}
			select {
			case contentChan <- chunk:
			case <-streamCtx.Done():
				if idleFired.Load() {
					errChan <- errStreamIdle
					return
				}
				errChan <- streamCtx.Err()
				return
			}
		}
	}()

	return contentChan, errChan
}

// doWithRetry executes fn with exponential backoff.
func (c *openAIClient) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if attempt < c.config.MaxRetries-1 {
				waitTime := time.Duration(math.Pow(2, float64(attempt))) * time.Second
				slog.Debug("generation request failed, retrying",
					"attempt", attempt+1,
					"wait_time", waitTime,
					"error", err)
				select {
				case <-time.After(waitTime):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return lastErr
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// SystemPrompt builds a system message.
func SystemPrompt(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
