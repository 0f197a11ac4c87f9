package chat

import (
	"context"
	"time"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/store"
)

// maxReportsPerDay caps how many reports one user may file in 24 hours so
// the report button cannot be used to spam the moderation queue.
const maxReportsPerDay = 10

// RateMessage records a 1..5 rating with optional feedback text on an
// assistant message.
func (p *Pipeline) RateMessage(ctx context.Context, conversationUID, messageUID string, userID int32, rating int32, feedback string) (*store.Message, error) {
	if rating < 1 || rating > 5 {
		return nil, errors.ValidationFailed("rating must be between 1 and 5")
	}

	msg, err := p.findOwnedMessage(ctx, conversationUID, messageUID, userID)
	if err != nil {
		return nil, err
	}
	if msg.Role != store.MessageRoleAssistant {
		return nil, errors.ValidationFailed("only assistant messages can be rated")
	}

	updated, err := p.store.UpdateMessage(ctx, &store.UpdateMessage{
		ID:       msg.ID,
		Rating:   &rating,
		Feedback: &feedback,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "update message")
	}
	return updated, nil
}

// ReportMessage flags an assistant message for review. Reports are capped
// per reporter per day.
func (p *Pipeline) ReportMessage(ctx context.Context, conversationUID, messageUID string, userID int32, reason string) error {
	msg, err := p.findOwnedMessage(ctx, conversationUID, messageUID, userID)
	if err != nil {
		return err
	}

	since := time.Now().Add(-24 * time.Hour).Unix()
	count, err := p.store.CountMessageReports(ctx, &store.FindMessageReport{
		ReporterID: &userID,
		Since:      &since,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailed, "count reports")
	}
	if count >= maxReportsPerDay {
		return errors.QuotaExceeded("report limit reached")
	}

	if _, err := p.store.CreateMessageReport(ctx, &store.MessageReport{
		MessageID:  msg.ID,
		ReporterID: userID,
		Reason:     reason,
		CreatedTs:  time.Now().Unix(),
	}); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailed, "create report")
	}

	reported := true
	if _, err := p.store.UpdateMessage(ctx, &store.UpdateMessage{
		ID:       msg.ID,
		Reported: &reported,
	}); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailed, "mark message reported")
	}
	return nil
}

// findOwnedMessage resolves a message by UID and verifies it belongs to one
// of the caller's conversations.
func (p *Pipeline) findOwnedMessage(ctx context.Context, conversationUID, messageUID string, userID int32) (*store.Message, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	messages, err := p.store.ListMessages(ctx, &store.FindMessage{UID: &messageUID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "find message")
	}
	if len(messages) == 0 || messages[0].ConversationID != conversation.ID {
		return nil, errors.ValidationFailed("message not found in conversation")
	}
	return messages[0], nil
}
