package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/store"
)

// suggestionCategories are generated in priority order: earlier categories
// rank above later ones in the returned list.
var suggestionCategories = []string{"gaps", "competitors", "strategy"}

const questionsPerCategory = 3

// RefreshSuggestions regenerates the conversation's suggested questions from
// the analysis and recent history. One generation runs per category, fanned
// out concurrently; previously suggested but unused questions are replaced.
func (p *Pipeline) RefreshSuggestions(ctx context.Context, conversationUID string, userID int32) ([]*store.SuggestedQuestion, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	analysis := p.loadAnalysis(ctx, conversation.AnalysisID)
	history, err := p.loadHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	byCategory := make(map[string][]string, len(suggestionCategories))

	g, gctx := errgroup.WithContext(ctx)
	for _, category := range suggestionCategories {
		category := category
		g.Go(func() error {
			questions, err := p.generateSuggestions(gctx, analysis, history, category)
			if err != nil {
				return err
			}
			mu.Lock()
			byCategory[category] = questions
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.GenerationFailed("suggestion generation failed", err)
	}

	now := time.Now().Unix()
	creates := make([]*store.SuggestedQuestion, 0, len(suggestionCategories)*questionsPerCategory)
	for rank, category := range suggestionCategories {
		for i, q := range byCategory[category] {
			creates = append(creates, &store.SuggestedQuestion{
				ConversationID: conversation.ID,
				Content:        q,
				Category:       category,
				Priority:       int32(rank*questionsPerCategory + i),
				CreatedTs:      now,
			})
		}
	}

	if err := p.store.DeleteSuggestedQuestions(ctx, &store.DeleteSuggestedQuestion{
		ConversationID: conversation.ID,
		UnusedOnly:     true,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "replace suggestions")
	}
	created, err := p.store.CreateSuggestedQuestions(ctx, creates)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "save suggestions")
	}
	return created, nil
}

// ListSuggestions returns the conversation's unused suggested questions in
// priority order.
func (p *Pipeline) ListSuggestions(ctx context.Context, conversationUID string, userID int32) ([]*store.SuggestedQuestion, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	used := false
	suggestions, err := p.store.ListSuggestedQuestions(ctx, &store.FindSuggestedQuestion{
		ConversationID: &conversation.ID,
		Used:           &used,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "list suggestions")
	}
	return suggestions, nil
}

// MarkSuggestionUsed marks a suggested question as consumed so it is not
// offered again.
func (p *Pipeline) MarkSuggestionUsed(ctx context.Context, conversationUID string, userID int32, suggestionID int32) (*store.SuggestedQuestion, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	suggestions, err := p.store.ListSuggestedQuestions(ctx, &store.FindSuggestedQuestion{ID: &suggestionID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "find suggestion")
	}
	if len(suggestions) == 0 || suggestions[0].ConversationID != conversation.ID {
		return nil, errors.ValidationFailed("suggestion not found in conversation")
	}

	used := true
	updated, err := p.store.UpdateSuggestedQuestion(ctx, &store.UpdateSuggestedQuestion{
		ID:   suggestionID,
		Used: &used,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "update suggestion")
	}
	return updated, nil
}

// generateSuggestions asks the model for follow-up questions in one category.
func (p *Pipeline) generateSuggestions(ctx context.Context, analysis *store.Analysis, history []*store.Message, category string) ([]string, error) {
	window := p.builder.Build(analysis, history, suggestionPrompt(category))
	result, err := p.client.Generate(ctx, window.Messages)
	if err != nil {
		return nil, err
	}
	return parseSuggestionLines(result.Content, questionsPerCategory), nil
}

func suggestionPrompt(category string) string {
	return fmt.Sprintf("Suggest %d short follow-up questions about %s that the user has not asked yet. "+
		"Reply with one question per line, no numbering.", questionsPerCategory, category)
}

// parseSuggestionLines extracts up to max non-empty lines, stripping any
// numbering or bullets the model added anyway.
func parseSuggestionLines(content string, max int) []string {
	var questions []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		questions = append(questions, line)
		if len(questions) >= max {
			break
		}
	}
	return questions
}
