package store

// UsageEvent is a fire-and-forget analytics record written after a message
// has been persisted. Consumed by monthly/aggregate reporting.
type UsageEvent struct {
	ID             int64
	UserID         int32
	ConversationID int32
	TokensIn       int32
	TokensOut      int32
	CostMicros     int64
	Cached         bool
	CreatedTs      int64
}

type FindUsageEvent struct {
	UserID         *int32
	ConversationID *int32
	// Since filters events created at or after the given unix timestamp.
	Since *int64
}

// ConversationStats holds per-conversation analytics counters. Reset when the
// conversation is cleared.
type ConversationStats struct {
	ConversationID int32
	QuestionCount  int32
	TotalTokens    int64
	UpdatedTs      int64
}

type UpsertConversationStats struct {
	ConversationID int32
	// AddQuestions and AddTokens are deltas applied atomically.
	AddQuestions int32
	AddTokens    int64
	// Reset zeroes the counters instead of applying deltas.
	Reset bool
}

// MessageReport is a user-submitted abuse report on an assistant message.
type MessageReport struct {
	ID         int32
	MessageID  int32
	ReporterID int32
	Reason     string
	CreatedTs  int64
}

type FindMessageReport struct {
	MessageID  *int32
	ReporterID *int32
	// Since filters reports created at or after the given unix timestamp.
	Since *int64
}
