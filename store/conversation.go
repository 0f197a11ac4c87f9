package store

// Conversation is a chat thread bound 1:1 to an analysis and owned by exactly
// one user. At most one conversation exists per (AnalysisID, UserID) pair.
// Conversations are never deleted, only cleared.
type Conversation struct {
	ID         int32
	UID        string
	UserID     int32
	AnalysisID int32
	// VariantIDs lists derivative analysis variants spawned from this thread.
	VariantIDs []int32
	CreatedTs  int64
	UpdatedTs  int64
}

type FindConversation struct {
	ID         *int32
	UID        *string
	UserID     *int32
	AnalysisID *int32
}

type UpdateConversation struct {
	ID         int32
	VariantIDs *[]int32
	UpdatedTs  *int64
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "USER"
	MessageRoleAssistant MessageRole = "ASSISTANT"
)

type MessageStatus string

const (
	// MessageStatusComplete marks a fully delivered message.
	MessageStatusComplete MessageStatus = "COMPLETE"
	// MessageStatusIncomplete marks a partial assistant message left behind
	// by a cancelled or failed stream. Never treated as deliverable output.
	MessageStatusIncomplete MessageStatus = "INCOMPLETE"
)

// Message is one turn in a conversation. Messages are totally ordered by
// (CreatedTs, ID) within a conversation.
type Message struct {
	ID               int32
	UID              string
	ConversationID   int32
	Role             MessageRole
	Content          string
	Status           MessageStatus
	Cached           bool
	TokensIn         int32
	TokensOut        int32
	ProcessingTimeMs int64
	// Rating is 1..5, 0 when unrated.
	Rating    int32
	Feedback  string
	Reported  bool
	CreatedTs int64
}

type FindMessage struct {
	ID             *int32
	UID            *string
	ConversationID *int32
	// Limit returns only the newest N messages when set.
	Limit *int
}

type UpdateMessage struct {
	ID       int32
	Status   *MessageStatus
	Rating   *int32
	Feedback *string
	Reported *bool
}

type DeleteMessage struct {
	ID             *int32
	ConversationID *int32
}
