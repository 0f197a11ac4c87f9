package store

// Analysis is a market-gap analysis result. The chat pipeline reads analyses;
// it never mutates them except when spawning variants.
type Analysis struct {
	ID      int32
	UserID  int32
	Title   string
	Summary string
	// Scores maps a scoring dimension (e.g. "market_size") to its value.
	Scores map[string]float64
	// Gaps lists the identified market gaps.
	Gaps      []string
	CreatedTs int64
}

type FindAnalysis struct {
	ID     *int32
	UserID *int32
}

// AnalysisVariant is a derivative analysis spawned from a conversation with
// adjusted parameters. Parameters are a structured map persisted as a JSON
// column, not a composite string key.
type AnalysisVariant struct {
	ID                   int32
	UID                  string
	ParentConversationID int32
	// AnalysisID points at the derived Analysis row.
	AnalysisID int32
	Parameters map[string]string
	CreatedTs  int64
}

type FindAnalysisVariant struct {
	ID                   *int32
	UID                  *string
	ParentConversationID *int32
}
