package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/store"
)

func TestCreateVariant(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	variant, err := p.CreateVariant(ctx, conversation.UID, 1, map[string]string{
		"region":  "EMEA",
		"segment": "enterprise",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, variant.UID)
	assert.Equal(t, conversation.ID, variant.ParentConversationID)
	assert.Equal(t, "EMEA", variant.Parameters["region"])

	// The derived analysis exists and belongs to the caller.
	derived, err := st.GetAnalysis(ctx, &store.FindAnalysis{ID: &variant.AnalysisID})
	require.NoError(t, err)
	require.NotNil(t, derived)
	assert.Equal(t, int32(1), derived.UserID)
	assert.Contains(t, derived.Title, "variant")

	// The conversation now links the variant.
	updated, err := p.GetConversation(ctx, conversation.UID, 1)
	require.NoError(t, err)
	assert.Contains(t, updated.VariantIDs, variant.ID)
}

func TestCreateVariantValidation(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	_, err := p.CreateVariant(ctx, conversation.UID, 1, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))

	_, err = p.CreateVariant(ctx, conversation.UID, 2, map[string]string{"region": "EMEA"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestCreateVariantLimit(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	for i := 0; i < maxVariantsPerConversation; i++ {
		_, err := p.CreateVariant(ctx, conversation.UID, 1, map[string]string{
			"round": fmt.Sprintf("%d", i),
		})
		require.NoError(t, err)
	}

	_, err := p.CreateVariant(ctx, conversation.UID, 1, map[string]string{"round": "overflow"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestCreateVariantConcurrentLinking(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = p.CreateVariant(ctx, conversation.UID, 1, map[string]string{
				"region": fmt.Sprintf("region-%d", n),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// Every concurrent create keeps its back-link: none overwrite each other.
	updated, err := p.GetConversation(ctx, conversation.UID, 1)
	require.NoError(t, err)
	assert.Len(t, updated.VariantIDs, workers)

	variants, err := p.ListVariants(ctx, conversation.UID, 1)
	require.NoError(t, err)
	require.Len(t, variants, workers)
	for _, variant := range variants {
		assert.Contains(t, updated.VariantIDs, variant.ID)
	}
}

func TestListVariants(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	_, err := p.CreateVariant(ctx, conversation.UID, 1, map[string]string{"region": "EMEA"})
	require.NoError(t, err)
	_, err = p.CreateVariant(ctx, conversation.UID, 1, map[string]string{"region": "APAC"})
	require.NoError(t, err)

	variants, err := p.ListVariants(ctx, conversation.UID, 1)
	require.NoError(t, err)
	assert.Len(t, variants, 2)
}

func TestCompareVariants(t *testing.T) {
	p, st := newTestPipeline(t, ai.NewMockClient("x"))
	conversation := seedConversation(t, st, 1)
	ctx := context.Background()

	variant, err := p.CreateVariant(ctx, conversation.UID, 1, map[string]string{"region": "EMEA"})
	require.NoError(t, err)

	// Simulate the analysis engine recomputing the derived analysis.
	derived, err := st.GetAnalysis(ctx, &store.FindAnalysis{ID: &variant.AnalysisID})
	require.NoError(t, err)
	parent, err := st.GetAnalysis(ctx, &store.FindAnalysis{ID: &conversation.AnalysisID})
	require.NoError(t, err)

	recomputed := &store.Analysis{
		UserID:  derived.UserID,
		Title:   derived.Title,
		Summary: derived.Summary,
		Scores:  map[string]float64{"market_size": 0.9, "competition": 0.6},
		Gaps:    []string{"affordable mid-tier pricing", "regional data residency"},
	}
	comparison := compareAnalyses(variant, parent, recomputed)

	assert.InDelta(t, 0.1, comparison.ScoreDeltas["market_size"], 1e-9)
	assert.InDelta(t, 0.0, comparison.ScoreDeltas["competition"], 1e-9)
	assert.Equal(t, []string{"regional data residency"}, comparison.AddedGaps)
	assert.Equal(t, []string{"native accounting integrations"}, comparison.RemovedGaps)
	assert.Equal(t, "EMEA", comparison.Parameters["region"])

	comparisons, err := p.CompareVariants(ctx, conversation.UID, 1)
	require.NoError(t, err)
	require.Len(t, comparisons, 1)
	// Fresh variants are copies: no score drift yet.
	for _, delta := range comparisons[0].ScoreDeltas {
		assert.InDelta(t, 0, delta, 1e-9)
	}
}
