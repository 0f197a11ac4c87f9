package store

// SuggestedQuestion is a candidate follow-up question tied to a conversation.
// Unused suggestions are discarded wholesale on refresh.
type SuggestedQuestion struct {
	ID             int32
	ConversationID int32
	Content        string
	Category       string
	// Priority ranks suggestions; lower value sorts first.
	Priority  int32
	Used      bool
	CreatedTs int64
}

type FindSuggestedQuestion struct {
	ID             *int32
	ConversationID *int32
	Used           *bool
}

type UpdateSuggestedQuestion struct {
	ID   int32
	Used *bool
}

type DeleteSuggestedQuestion struct {
	ConversationID int32
	// UnusedOnly keeps suggestions the user has already taken.
	UnusedOnly bool
}
