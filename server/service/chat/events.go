package chat

// StreamEventType identifies a server-sent event on the streaming path.
type StreamEventType string

const (
	// StreamEventChunk carries one content fragment.
	StreamEventChunk StreamEventType = "chunk"
	// StreamEventComplete closes the stream with final message metadata.
	StreamEventComplete StreamEventType = "complete"
	// StreamEventError closes the stream with an error code.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event on the streaming response.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	// Code carries the error code on error events.
	Code string `json:"code,omitempty"`
	// MessageUID identifies the persisted assistant message on completion.
	MessageUID string `json:"messageUid,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	// QuotaRemaining reports the caller's remaining daily quota on completion.
	QuotaRemaining int `json:"quotaRemaining,omitempty"`
}
