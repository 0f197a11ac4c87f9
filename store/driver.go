package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// Conversation model related methods.
	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	// Message model related methods.
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error)
	DeleteMessages(ctx context.Context, delete *DeleteMessage) error

	// Analysis model related methods.
	CreateAnalysis(ctx context.Context, create *Analysis) (*Analysis, error)
	GetAnalysis(ctx context.Context, find *FindAnalysis) (*Analysis, error)

	// AnalysisVariant model related methods.
	CreateAnalysisVariant(ctx context.Context, create *AnalysisVariant) (*AnalysisVariant, error)
	ListAnalysisVariants(ctx context.Context, find *FindAnalysisVariant) ([]*AnalysisVariant, error)

	// SuggestedQuestion model related methods.
	CreateSuggestedQuestions(ctx context.Context, creates []*SuggestedQuestion) ([]*SuggestedQuestion, error)
	ListSuggestedQuestions(ctx context.Context, find *FindSuggestedQuestion) ([]*SuggestedQuestion, error)
	UpdateSuggestedQuestion(ctx context.Context, update *UpdateSuggestedQuestion) (*SuggestedQuestion, error)
	DeleteSuggestedQuestions(ctx context.Context, delete *DeleteSuggestedQuestion) error

	// Usage / analytics related methods.
	CreateUsageEvent(ctx context.Context, create *UsageEvent) (*UsageEvent, error)
	ListUsageEvents(ctx context.Context, find *FindUsageEvent) ([]*UsageEvent, error)
	UpsertConversationStats(ctx context.Context, upsert *UpsertConversationStats) (*ConversationStats, error)
	GetConversationStats(ctx context.Context, conversationID int32) (*ConversationStats, error)

	// MessageReport model related methods.
	CreateMessageReport(ctx context.Context, create *MessageReport) (*MessageReport, error)
	CountMessageReports(ctx context.Context, find *FindMessageReport) (int, error)
}
