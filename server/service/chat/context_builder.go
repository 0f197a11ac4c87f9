package chat

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/store"
)

// DefaultMaxContextTokens is the prompt budget for most models.
const DefaultMaxContextTokens = 8000

// TokenCounter estimates token count for a string.
type TokenCounter interface {
	CountTokens(text string) int
}

// SimpleTokenCounter provides a rough token estimation, approximately 4
// characters per token for English text. Sufficient for budgeting; exact
// counts come back from the provider.
type SimpleTokenCounter struct{}

func (SimpleTokenCounter) CountTokens(text string) int {
	return len(text) / 4
}

// ContextWindow is a generation-ready prompt with accounting of what was
// dropped to fit the budget.
type ContextWindow struct {
	Messages   []ai.Message
	TokenCount int
	// Truncated is true when history or summary content was dropped.
	Truncated bool
	// DroppedMessages counts history messages left out of the window.
	DroppedMessages int
}

// ContextBuilder assembles the prompt for a conversation turn: analysis
// framing as the system message, then a contiguous suffix of history, then
// the current query. The query is never dropped, whatever the budget.
type ContextBuilder struct {
	counter   TokenCounter
	maxTokens int
}

// NewContextBuilder creates a builder with the given budget.
// maxTokens <= 0 falls back to the default.
func NewContextBuilder(counter TokenCounter, maxTokens int) *ContextBuilder {
	if counter == nil {
		counter = SimpleTokenCounter{}
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	return &ContextBuilder{counter: counter, maxTokens: maxTokens}
}

// Build assembles the context window. History must be in chronological order;
// trimming removes the oldest messages first so the kept turns are always a
// contiguous suffix, never a gapped selection.
func (b *ContextBuilder) Build(analysis *store.Analysis, history []*store.Message, query string) *ContextWindow {
	w := &ContextWindow{}

	queryTokens := b.counter.CountTokens(query)
	budget := b.maxTokens - queryTokens

	// An oversized query eats the whole budget; the summary and history give
	// way, the query itself is still sent.
	systemBudget := budget
	if systemBudget < 0 {
		systemBudget = 0
	}
	systemPrompt := b.renderSystemPrompt(analysis, systemBudget)
	systemTokens := b.counter.CountTokens(systemPrompt)
	if systemTokens < b.counter.CountTokens(b.renderSystemPrompt(analysis, -1)) {
		w.Truncated = true
	}
	budget -= systemTokens

	// Walk history newest-first, keeping what fits; incomplete fragments are
	// never replayed into the prompt.
	kept := make([]*store.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Status != store.MessageStatusComplete {
			continue
		}
		cost := b.counter.CountTokens(msg.Content)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, msg)
	}
	if dropped := completeCount(history) - len(kept); dropped > 0 {
		w.Truncated = true
		w.DroppedMessages = dropped
	}

	messages := make([]ai.Message, 0, len(kept)+2)
	if systemPrompt != "" {
		messages = append(messages, ai.SystemPrompt(systemPrompt))
	}
	// kept is newest-first; reverse back to chronological.
	for i := len(kept) - 1; i >= 0; i-- {
		role := ai.RoleUser
		if kept[i].Role == store.MessageRoleAssistant {
			role = ai.RoleAssistant
		}
		messages = append(messages, ai.Message{Role: role, Content: kept[i].Content})
	}
	messages = append(messages, ai.UserMessage(query))

	w.Messages = messages
	for _, m := range messages {
		w.TokenCount += b.counter.CountTokens(m.Content)
	}
	return w
}

// renderSystemPrompt frames the model as an analyst over the given analysis.
// When budget >= 0 the summary is truncated first, then gaps, scores and
// finally the whole prompt give way; a negative budget renders everything.
func (b *ContextBuilder) renderSystemPrompt(analysis *store.Analysis, budget int) string {
	if analysis == nil {
		return ""
	}

	core := "You are a market research analyst answering questions about a market gap analysis.\n" +
		"Analysis: " + analysis.Title + "\n"

	var scores strings.Builder
	if len(analysis.Scores) > 0 {
		dims := make([]string, 0, len(analysis.Scores))
		for dim := range analysis.Scores {
			dims = append(dims, dim)
		}
		sort.Strings(dims)
		scores.WriteString("Scores:\n")
		for _, dim := range dims {
			scores.WriteString(fmt.Sprintf("- %s: %.2f\n", dim, analysis.Scores[dim]))
		}
	}
	var gaps strings.Builder
	if len(analysis.Gaps) > 0 {
		gaps.WriteString("Identified gaps:\n")
		for _, gap := range analysis.Gaps {
			gaps.WriteString("- " + gap + "\n")
		}
	}

	assemble := func(withScores, withGaps bool, summary string) string {
		var sb strings.Builder
		sb.WriteString(core)
		if withScores {
			sb.WriteString(scores.String())
		}
		if withGaps {
			sb.WriteString(gaps.String())
		}
		if summary != "" {
			sb.WriteString("Summary: " + summary + "\n")
		}
		sb.WriteString("Answer using only the analysis above and the conversation so far.")
		return sb.String()
	}

	if budget < 0 {
		return assemble(true, true, analysis.Summary)
	}

	// The summary is the flexible part: shrink it before anything else.
	summary := analysis.Summary
	if summary != "" {
		structural := b.counter.CountTokens(assemble(true, true, ""))
		summaryBudget := budget - structural
		if summaryBudget < 0 {
			summaryBudget = 0
		}
		maxChars := summaryBudget*4 - len("Summary: \n")
		if maxChars < 0 {
			maxChars = 0
		}
		if len(summary) > maxChars {
			summary = truncateRunes(summary, maxChars)
		}
	}

	// Under extreme pressure the structural parts go too; only the query is
	// guaranteed a place in the window.
	for _, candidate := range []string{
		assemble(true, true, summary),
		assemble(true, true, ""),
		assemble(true, false, ""),
		assemble(false, false, ""),
	} {
		if b.counter.CountTokens(candidate) <= budget {
			return candidate
		}
	}
	return ""
}

func completeCount(history []*store.Message) int {
	n := 0
	for _, m := range history {
		if m.Status == store.MessageStatusComplete {
			n++
		}
	}
	return n
}

// truncateRunes cuts s to at most maxBytes without splitting a rune.
func truncateRunes(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
