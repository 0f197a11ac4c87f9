package chat

import (
	"context"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/store"
)

// maxVariantsPerConversation bounds how many variants one thread can spawn.
const maxVariantsPerConversation = 10

// VariantComparison is a structured side-by-side of a variant against its
// parent analysis.
type VariantComparison struct {
	Variant *store.AnalysisVariant `json:"variant"`
	// ScoreDeltas maps each scoring dimension to variant minus parent.
	ScoreDeltas map[string]float64 `json:"scoreDeltas"`
	// AddedGaps are gaps present in the variant but not the parent.
	AddedGaps []string `json:"addedGaps"`
	// RemovedGaps are gaps present in the parent but not the variant.
	RemovedGaps []string          `json:"removedGaps"`
	Parameters  map[string]string `json:"parameters"`
}

// CreateVariant spawns a derivative analysis from the conversation with the
// given parameter adjustments and links it back to the thread.
func (p *Pipeline) CreateVariant(ctx context.Context, conversationUID string, userID int32, parameters map[string]string) (*store.AnalysisVariant, error) {
	if len(parameters) == 0 {
		return nil, errors.ValidationFailed("variant requires at least one parameter")
	}

	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	parent := p.loadAnalysis(ctx, conversation.AnalysisID)
	if parent == nil {
		return nil, errors.AnalysisNotFound(conversation.AnalysisID)
	}

	unlock := p.lockConversation(conversation.ID)
	defer unlock()

	// Re-read the row under the lock, straight from the driver. The cached
	// copy may predate a concurrent create, and appending to a stale
	// VariantIDs list would drop that link.
	rows, err := p.store.ListConversations(ctx, &store.FindConversation{ID: &conversation.ID})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "reload conversation")
	}
	if len(rows) == 0 {
		return nil, errors.ConversationNotFound(conversationUID)
	}
	conversation = rows[0]

	if len(conversation.VariantIDs) >= maxVariantsPerConversation {
		return nil, errors.ValidationFailed("variant limit reached for this conversation")
	}

	now := time.Now().Unix()

	// The derived analysis starts as a copy of the parent; its scores are
	// recomputed by the analysis engine out of band.
	derived, err := p.store.CreateAnalysis(ctx, &store.Analysis{
		UserID:    userID,
		Title:     parent.Title + " (variant)",
		Summary:   parent.Summary,
		Scores:    copyScores(parent.Scores),
		Gaps:      append([]string(nil), parent.Gaps...),
		CreatedTs: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "create derived analysis")
	}

	variant, err := p.store.CreateAnalysisVariant(ctx, &store.AnalysisVariant{
		UID:                  shortuuid.New(),
		ParentConversationID: conversation.ID,
		AnalysisID:           derived.ID,
		Parameters:           parameters,
		CreatedTs:            now,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "create variant")
	}

	variantIDs := append(append([]int32(nil), conversation.VariantIDs...), variant.ID)
	if _, err := p.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:         conversation.ID,
		VariantIDs: &variantIDs,
		UpdatedTs:  &now,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "link variant")
	}

	return variant, nil
}

// ListVariants returns the variants spawned from a conversation.
func (p *Pipeline) ListVariants(ctx context.Context, conversationUID string, userID int32) ([]*store.AnalysisVariant, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	variants, err := p.store.ListAnalysisVariants(ctx, &store.FindAnalysisVariant{
		ParentConversationID: &conversation.ID,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "list variants")
	}
	return variants, nil
}

// CompareVariants diffs each of the conversation's variants against the
// parent analysis.
func (p *Pipeline) CompareVariants(ctx context.Context, conversationUID string, userID int32) ([]*VariantComparison, error) {
	conversation, err := p.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}

	parent := p.loadAnalysis(ctx, conversation.AnalysisID)
	if parent == nil {
		return nil, errors.AnalysisNotFound(conversation.AnalysisID)
	}

	variants, err := p.store.ListAnalysisVariants(ctx, &store.FindAnalysisVariant{
		ParentConversationID: &conversation.ID,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "list variants")
	}

	comparisons := make([]*VariantComparison, 0, len(variants))
	for _, variant := range variants {
		derived := p.loadAnalysis(ctx, variant.AnalysisID)
		if derived == nil {
			continue
		}
		comparisons = append(comparisons, compareAnalyses(variant, parent, derived))
	}
	return comparisons, nil
}

func compareAnalyses(variant *store.AnalysisVariant, parent, derived *store.Analysis) *VariantComparison {
	deltas := make(map[string]float64)
	for dim, score := range derived.Scores {
		deltas[dim] = score - parent.Scores[dim]
	}
	for dim := range parent.Scores {
		if _, ok := derived.Scores[dim]; !ok {
			deltas[dim] = -parent.Scores[dim]
		}
	}

	parentGaps := make(map[string]bool, len(parent.Gaps))
	for _, gap := range parent.Gaps {
		parentGaps[gap] = true
	}
	derivedGaps := make(map[string]bool, len(derived.Gaps))
	for _, gap := range derived.Gaps {
		derivedGaps[gap] = true
	}

	var added, removed []string
	for _, gap := range derived.Gaps {
		if !parentGaps[gap] {
			added = append(added, gap)
		}
	}
	for _, gap := range parent.Gaps {
		if !derivedGaps[gap] {
			removed = append(removed, gap)
		}
	}

	return &VariantComparison{
		Variant:     variant,
		ScoreDeltas: deltas,
		AddedGaps:   added,
		RemovedGaps: removed,
		Parameters:  variant.Parameters,
	}
}

func copyScores(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out
}
