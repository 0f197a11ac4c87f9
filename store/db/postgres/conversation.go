package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gaplens/gaplens/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	variantIDs, err := marshalVariantIDs(create.VariantIDs)
	if err != nil {
		return nil, err
	}

	fields := []string{"uid", "user_id", "analysis_id", "variant_ids", "created_ts", "updated_ts"}
	args := []any{create.UID, create.UserID, create.AnalysisID, variantIDs, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.AnalysisID != nil {
		where, args = append(where, "analysis_id = "+placeholder(len(args)+1)), append(args, *find.AnalysisID)
	}

	query := `SELECT id, uid, user_id, analysis_id, variant_ids, created_ts, updated_ts
		FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		c := &store.Conversation{}
		var variantIDs string
		if err := rows.Scan(&c.ID, &c.UID, &c.UserID, &c.AnalysisID, &variantIDs, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(variantIDs), &c.VariantIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variant ids: %w", err)
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.VariantIDs != nil {
		variantIDs, err := marshalVariantIDs(*update.VariantIDs)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "variant_ids = "+placeholder(len(args)+1)), append(args, variantIDs)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	list, err := d.ListConversations(ctx, &store.FindConversation{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("conversation %d not found", update.ID)
	}
	return list[0], nil
}

func marshalVariantIDs(ids []int32) (string, error) {
	if ids == nil {
		ids = []int32{}
	}
	buf, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to marshal variant ids: %w", err)
	}
	return string(buf), nil
}
