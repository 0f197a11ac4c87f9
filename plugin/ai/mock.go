package ai

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scripted GenerationClient for testing.
type MockClient struct {
	// Response is returned by Generate when Err is nil.
	Response string
	// Chunks are emitted one by one by GenerateStream.
	Chunks []string
	// Err is returned by Generate, or sent on the stream error channel
	// after all Chunks have been emitted.
	Err error
	// ChunkDelay is an optional pause before each streamed chunk.
	ChunkDelay time.Duration
	// TokensIn/TokensOut are reported on the Generate result.
	TokensIn  int32
	TokensOut int32

	mu    sync.Mutex
	calls int
}

// NewMockClient creates a MockClient that answers with the given response.
func NewMockClient(response string) *MockClient {
	return &MockClient{Response: response}
}

// Calls returns how many generations were requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) Generate(ctx context.Context, _ []Message) (*Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Content: m.Response, TokensIn: m.TokensIn, TokensOut: m.TokensOut}, nil
}

func (m *MockClient) GenerateStream(ctx context.Context, _ []Message) (<-chan string, <-chan error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	contentChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		for _, chunk := range m.Chunks {
			if err := ctx.Err(); err != nil {
				errChan <- err
				return
			}
			if m.ChunkDelay > 0 {
				select {
				case <-time.After(m.ChunkDelay):
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				}
			}
			select {
			case contentChan <- chunk:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if m.Err != nil {
			errChan <- m.Err
		}
	}()

	return contentChan, errChan
}
