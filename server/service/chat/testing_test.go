package chat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gaplens/gaplens/internal/profile"
	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/store"
	"github.com/gaplens/gaplens/store/db/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestStore opens a throwaway SQLite-backed store with the schema applied.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	p := &profile.Profile{
		Mode:   "test",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)

	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})
	return st
}

// newTestPipeline wires a pipeline around a fresh store and the given client.
// Overrides tweak the config before construction.
func newTestPipeline(t *testing.T, client ai.GenerationClient, overrides ...func(*PipelineConfig)) (*Pipeline, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	cfg := PipelineConfig{
		Store:  st,
		Client: client,
	}
	for _, override := range overrides {
		override(&cfg)
	}
	p := NewPipeline(cfg)
	t.Cleanup(p.Flush)
	return p, st
}

// seedConversation creates an analysis owned by userID and its conversation.
func seedConversation(t *testing.T, st *store.Store, userID int32) *store.Conversation {
	t.Helper()
	ctx := context.Background()

	analysis, err := st.CreateAnalysis(ctx, &store.Analysis{
		UserID:  userID,
		Title:   "Mid-market CRM analysis",
		Summary: "The mid-market CRM segment shows significant gaps in pricing and integrations.",
		Scores: map[string]float64{
			"market_size": 0.8,
			"competition": 0.6,
		},
		Gaps:      []string{"affordable mid-tier pricing", "native accounting integrations"},
		CreatedTs: time.Now().Unix(),
	})
	require.NoError(t, err)

	conversation, err := st.GetOrCreateConversation(ctx, analysis.ID, userID)
	require.NoError(t, err)
	return conversation
}
