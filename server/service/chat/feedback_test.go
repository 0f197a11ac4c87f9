package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/store"
)

func sendOne(t *testing.T, p *Pipeline, conversationUID string, userID int32, content string) *SendMessageResponse {
	t.Helper()
	resp, err := p.SendMessage(context.Background(), &SendMessageRequest{
		ConversationUID: conversationUID, UserID: userID, Tier: TierFree, Content: content,
	})
	require.NoError(t, err)
	return resp
}

func TestRateMessage(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("rated answer"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	resp := sendOne(t, p, conversation.UID, 1, "what is the biggest gap?")

	rated, err := p.RateMessage(ctx, conversation.UID, resp.AssistantMessage.UID, 1, 4, "helpful")
	require.NoError(t, err)
	assert.Equal(t, int32(4), rated.Rating)
	assert.Equal(t, "helpful", rated.Feedback)
}

func TestRateMessageValidation(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("answer"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	resp := sendOne(t, p, conversation.UID, 1, "what is the biggest gap?")

	t.Run("rating out of range", func(t *testing.T) {
		_, err := p.RateMessage(ctx, conversation.UID, resp.AssistantMessage.UID, 1, 6, "")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
		_, err = p.RateMessage(ctx, conversation.UID, resp.AssistantMessage.UID, 1, 0, "")
		require.Error(t, err)
	})

	t.Run("user message not ratable", func(t *testing.T) {
		_, err := p.RateMessage(ctx, conversation.UID, resp.UserMessage.UID, 1, 3, "")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
	})

	t.Run("foreign conversation rejected", func(t *testing.T) {
		_, err := p.RateMessage(ctx, conversation.UID, resp.AssistantMessage.UID, 2, 3, "")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
	})
}

func TestReportMessage(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("reportable answer"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	resp := sendOne(t, p, conversation.UID, 1, "what is the biggest gap?")

	require.NoError(t, p.ReportMessage(ctx, conversation.UID, resp.AssistantMessage.UID, 1, "inaccurate data"))

	messages, err := st.ListMessages(ctx, &store.FindMessage{UID: &resp.AssistantMessage.UID})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Reported)

	since := time.Now().Add(-time.Hour).Unix()
	count, err := st.CountMessageReports(ctx, &store.FindMessageReport{
		MessageID: &messages[0].ID, Since: &since,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReportMessageDailyCap(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("answer"), func(cfg *PipelineConfig) {
		cfg.Limiter = NewRateLimiter(map[Tier]TierLimits{
			TierFree: {PerMinute: 1000, PerDay: 1000},
		})
	})
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	var uids []string
	for i := 0; i < maxReportsPerDay+1; i++ {
		resp := sendOne(t, p, conversation.UID, 1,
			fmt.Sprintf("entirely different question %d about area %d", i, i))
		uids = append(uids, resp.AssistantMessage.UID)
	}

	for i := 0; i < maxReportsPerDay; i++ {
		require.NoError(t, p.ReportMessage(ctx, conversation.UID, uids[i], 1, "spam"))
	}

	err := p.ReportMessage(ctx, conversation.UID, uids[maxReportsPerDay], 1, "spam")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQuotaExceeded))
}
