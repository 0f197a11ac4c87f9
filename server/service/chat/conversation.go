package chat

import (
	"context"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/store"
)

// StartConversation returns the conversation bound to (analysis, user),
// creating it on first use. Each analysis has exactly one conversation per
// user, so repeated calls are idempotent.
func (p *Pipeline) StartConversation(ctx context.Context, analysisID, userID int32) (*store.Conversation, error) {
	analysis, err := p.store.GetAnalysis(ctx, &store.FindAnalysis{ID: &analysisID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "load analysis")
	}
	if analysis == nil {
		return nil, errors.AnalysisNotFound(analysisID)
	}
	if analysis.UserID != userID {
		return nil, errors.Unauthorized("analysis does not belong to caller")
	}

	conversation, err := p.store.GetOrCreateConversation(ctx, analysisID, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "create conversation")
	}
	return conversation, nil
}

// GetConversation resolves a conversation by UID with an ownership check.
func (p *Pipeline) GetConversation(ctx context.Context, conversationUID string, userID int32) (*store.Conversation, error) {
	conversation, err := p.store.GetConversationByUID(ctx, conversationUID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "load conversation")
	}
	if conversation == nil {
		return nil, errors.ConversationNotFound(conversationUID)
	}
	if conversation.UserID != userID {
		return nil, errors.Unauthorized("conversation does not belong to caller")
	}
	return conversation, nil
}

// GetHistory returns the newest messages of a conversation in chronological
// order. limit <= 0 returns the full history.
func (p *Pipeline) GetHistory(ctx context.Context, conversationUID string, userID int32, limit int) ([]*store.Message, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	find := &store.FindMessage{ConversationID: &conversation.ID}
	if limit > 0 {
		find.Limit = &limit
	}
	messages, err := p.store.ListMessages(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "list messages")
	}
	return messages, nil
}

// GetStats returns the conversation's analytics counters.
func (p *Pipeline) GetStats(ctx context.Context, conversationUID string, userID int32) (*store.ConversationStats, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	stats, err := p.store.GetConversationStats(ctx, conversation.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "load stats")
	}
	return stats, nil
}
