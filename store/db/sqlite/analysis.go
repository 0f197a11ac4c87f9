package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gaplens/gaplens/store"
)

func (d *DB) CreateAnalysis(ctx context.Context, create *store.Analysis) (*store.Analysis, error) {
	scores, gaps, err := marshalAnalysisFields(create)
	if err != nil {
		return nil, err
	}

	fields := []string{"user_id", "title", "summary", "scores", "gaps", "created_ts"}
	args := []any{create.UserID, create.Title, create.Summary, scores, gaps, create.CreatedTs}

	stmt := `INSERT INTO analysis (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `)`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis id: %w", err)
	}
	create.ID = int32(id)

	return create, nil
}

func (d *DB) GetAnalysis(ctx context.Context, find *store.FindAnalysis) (*store.Analysis, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}

	query := `SELECT id, user_id, title, summary, scores, gaps, created_ts
		FROM analysis WHERE ` + strings.Join(where, " AND ") + ` LIMIT 1`

	a := &store.Analysis{}
	var scores, gaps string
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&a.ID, &a.UserID, &a.Title, &a.Summary, &scores, &gaps, &a.CreatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	if err := json.Unmarshal([]byte(scores), &a.Scores); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis scores: %w", err)
	}
	if err := json.Unmarshal([]byte(gaps), &a.Gaps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis gaps: %w", err)
	}

	return a, nil
}

func (d *DB) CreateAnalysisVariant(ctx context.Context, create *store.AnalysisVariant) (*store.AnalysisVariant, error) {
	parameters := create.Parameters
	if parameters == nil {
		parameters = map[string]string{}
	}
	buf, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variant parameters: %w", err)
	}

	fields := []string{"uid", "parent_conversation_id", "analysis_id", "parameters", "created_ts"}
	args := []any{create.UID, create.ParentConversationID, create.AnalysisID, string(buf), create.CreatedTs}

	stmt := `INSERT INTO analysis_variant (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `)`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis variant: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis variant id: %w", err)
	}
	create.ID = int32(id)

	return create, nil
}

func (d *DB) ListAnalysisVariants(ctx context.Context, find *store.FindAnalysisVariant) ([]*store.AnalysisVariant, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = ?"), append(args, *find.UID)
	}
	if find.ParentConversationID != nil {
		where, args = append(where, "parent_conversation_id = ?"), append(args, *find.ParentConversationID)
	}

	query := `SELECT id, uid, parent_conversation_id, analysis_id, parameters, created_ts
		FROM analysis_variant WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis variants: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AnalysisVariant, 0)
	for rows.Next() {
		v := &store.AnalysisVariant{}
		var parameters string
		if err := rows.Scan(&v.ID, &v.UID, &v.ParentConversationID, &v.AnalysisID, &parameters, &v.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan analysis variant: %w", err)
		}
		if err := json.Unmarshal([]byte(parameters), &v.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant parameters: %w", err)
		}
		list = append(list, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis variants: %w", err)
	}

	return list, nil
}

func marshalAnalysisFields(a *store.Analysis) (string, string, error) {
	scores := a.Scores
	if scores == nil {
		scores = map[string]float64{}
	}
	scoresBuf, err := json.Marshal(scores)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal analysis scores: %w", err)
	}

	gaps := a.Gaps
	if gaps == nil {
		gaps = []string{}
	}
	gapsBuf, err := json.Marshal(gaps)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal analysis gaps: %w", err)
	}

	return string(scoresBuf), string(gapsBuf), nil
}
