package chat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/store"
)

func testAnalysis() *store.Analysis {
	return &store.Analysis{
		ID:      1,
		UserID:  1,
		Title:   "Mid-market CRM analysis",
		Summary: "The mid-market CRM segment shows significant gaps in pricing and integrations.",
		Scores:  map[string]float64{"market_size": 0.8, "competition": 0.6},
		Gaps:    []string{"affordable mid-tier pricing", "native accounting integrations"},
	}
}

func historyMessage(id int32, role store.MessageRole, content string) *store.Message {
	return &store.Message{
		ID: id, Role: role, Content: content,
		Status: store.MessageStatusComplete, CreatedTs: int64(id),
	}
}

func TestSimpleTokenCounter(t *testing.T) {
	c := SimpleTokenCounter{}
	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 1, c.CountTokens("abcd"))
	assert.Equal(t, 25, c.CountTokens(strings.Repeat("a", 100)))
}

func TestBuildOrdering(t *testing.T) {
	b := NewContextBuilder(nil, 8000)

	history := []*store.Message{
		historyMessage(1, store.MessageRoleUser, "what is the biggest gap?"),
		historyMessage(2, store.MessageRoleAssistant, "pricing in the mid tier"),
	}

	w := b.Build(testAnalysis(), history, "how should we price?")
	require.Len(t, w.Messages, 4)

	assert.Equal(t, ai.RoleSystem, w.Messages[0].Role)
	assert.Contains(t, w.Messages[0].Content, "Mid-market CRM analysis")
	assert.Contains(t, w.Messages[0].Content, "affordable mid-tier pricing")
	assert.Contains(t, w.Messages[0].Content, "market_size")

	assert.Equal(t, ai.RoleUser, w.Messages[1].Role)
	assert.Equal(t, "what is the biggest gap?", w.Messages[1].Content)
	assert.Equal(t, ai.RoleAssistant, w.Messages[2].Role)

	// The current query is always last.
	last := w.Messages[len(w.Messages)-1]
	assert.Equal(t, ai.RoleUser, last.Role)
	assert.Equal(t, "how should we price?", last.Content)

	assert.False(t, w.Truncated)
	assert.Zero(t, w.DroppedMessages)
}

func TestBuildWithoutAnalysis(t *testing.T) {
	b := NewContextBuilder(nil, 8000)

	w := b.Build(nil, nil, "what now?")
	require.Len(t, w.Messages, 1)
	assert.Equal(t, ai.RoleUser, w.Messages[0].Role)
}

func TestBuildTrimsOldestFirst(t *testing.T) {
	// Each history message costs 100 chars = 25 tokens.
	content := strings.Repeat("x", 100)
	history := make([]*store.Message, 10)
	for i := range history {
		role := store.MessageRoleUser
		if i%2 == 1 {
			role = store.MessageRoleAssistant
		}
		history[i] = historyMessage(int32(i+1), role, fmt.Sprintf("%03d%s", i, content[3:]))
	}

	// Budget fits the query plus roughly four history messages.
	b := NewContextBuilder(nil, 25*4+10)
	w := b.Build(nil, history, "final question?")

	assert.True(t, w.Truncated)
	assert.Positive(t, w.DroppedMessages)

	// What survives is a contiguous suffix of the newest messages, in order.
	kept := w.Messages[:len(w.Messages)-1]
	require.NotEmpty(t, kept)
	firstKept := kept[0].Content[:3]
	for i, msg := range kept {
		assert.Equal(t, fmt.Sprintf("%03d", atoiOrFail(t, firstKept)+i), msg.Content[:3])
	}
	// The newest history message always survives trimming before older ones.
	assert.Equal(t, "009", kept[len(kept)-1].Content[:3])
}

func TestBuildQueryNeverDropped(t *testing.T) {
	b := NewContextBuilder(nil, 10)
	longQuery := strings.Repeat("q", 400) // 100 tokens, way over budget

	history := []*store.Message{
		historyMessage(1, store.MessageRoleUser, strings.Repeat("h", 200)),
	}
	w := b.Build(testAnalysis(), history, longQuery)

	last := w.Messages[len(w.Messages)-1]
	assert.Equal(t, longQuery, last.Content)
	assert.True(t, w.Truncated)
	assert.Equal(t, 1, w.DroppedMessages)
}

func TestBuildSummaryTruncatedBeforeQuery(t *testing.T) {
	analysis := testAnalysis()
	analysis.Summary = strings.Repeat("s", 4000) // 1000 tokens of summary

	b := NewContextBuilder(nil, 300)
	query := "short question"
	w := b.Build(analysis, nil, query)

	// The query survives intact; the summary shrank to fit.
	last := w.Messages[len(w.Messages)-1]
	assert.Equal(t, query, last.Content)
	system := w.Messages[0].Content
	assert.Less(t, len(system), 4000)
	assert.Contains(t, system, "Mid-market CRM analysis")
	assert.True(t, w.Truncated)
}

func TestBuildWindowNeverExceedsBudget(t *testing.T) {
	analysis := testAnalysis()
	analysis.Summary = strings.Repeat("s", 4000)
	query := "short question"

	// Whatever the squeeze, the assembled window stays within the budget:
	// the summary shrinks first, then gaps, scores and the whole framing.
	for _, maxTokens := range []int{10, 40, 80, 150, 300} {
		b := NewContextBuilder(nil, maxTokens)
		w := b.Build(analysis, nil, query)

		last := w.Messages[len(w.Messages)-1]
		assert.Equal(t, query, last.Content)
		assert.LessOrEqual(t, w.TokenCount, maxTokens, "maxTokens=%d", maxTokens)
	}
}

func TestBuildSkipsIncompleteMessages(t *testing.T) {
	b := NewContextBuilder(nil, 8000)

	fragment := historyMessage(2, store.MessageRoleAssistant, "half an answ")
	fragment.Status = store.MessageStatusIncomplete
	history := []*store.Message{
		historyMessage(1, store.MessageRoleUser, "what is the gap?"),
		fragment,
	}

	w := b.Build(nil, history, "try again?")
	for _, msg := range w.Messages {
		assert.NotEqual(t, "half an answ", msg.Content)
	}
	// Skipping a fragment is not truncation.
	assert.False(t, w.Truncated)
}

func atoiOrFail(t *testing.T, s string) int {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	require.NoError(t, err)
	return n
}
