package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaplens/gaplens/store"
)

func (d *DB) CreateSuggestedQuestions(ctx context.Context, creates []*store.SuggestedQuestion) ([]*store.SuggestedQuestion, error) {
	if len(creates) == 0 {
		return creates, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt := `INSERT INTO suggested_question (conversation_id, content, category, priority, used, created_ts) VALUES (?, ?, ?, ?, ?, ?)`
	for _, create := range creates {
		result, err := tx.ExecContext(ctx, stmt, create.ConversationID, create.Content, create.Category, create.Priority, create.Used, create.CreatedTs)
		if err != nil {
			return nil, fmt.Errorf("failed to create suggested question: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get suggested question id: %w", err)
		}
		create.ID = int32(id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit suggested questions: %w", err)
	}
	return creates, nil
}

func (d *DB) ListSuggestedQuestions(ctx context.Context, find *store.FindSuggestedQuestion) ([]*store.SuggestedQuestion, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.Used != nil {
		where, args = append(where, "used = ?"), append(args, *find.Used)
	}

	query := `SELECT id, conversation_id, content, category, priority, used, created_ts
		FROM suggested_question WHERE ` + strings.Join(where, " AND ") + ` ORDER BY priority ASC, id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggested questions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SuggestedQuestion, 0)
	for rows.Next() {
		q := &store.SuggestedQuestion{}
		if err := rows.Scan(&q.ID, &q.ConversationID, &q.Content, &q.Category, &q.Priority, &q.Used, &q.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan suggested question: %w", err)
		}
		list = append(list, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate suggested questions: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateSuggestedQuestion(ctx context.Context, update *store.UpdateSuggestedQuestion) (*store.SuggestedQuestion, error) {
	set, args := []string{}, []any{}

	if update.Used != nil {
		set, args = append(set, "used = ?"), append(args, *update.Used)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE suggested_question SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to update suggested question: %w", err)
	}

	list, err := d.ListSuggestedQuestions(ctx, &store.FindSuggestedQuestion{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("suggested question %d not found", update.ID)
	}
	return list[0], nil
}

func (d *DB) DeleteSuggestedQuestions(ctx context.Context, delete *store.DeleteSuggestedQuestion) error {
	where, args := []string{"conversation_id = ?"}, []any{delete.ConversationID}
	if delete.UnusedOnly {
		where = append(where, "used = 0")
	}

	stmt := `DELETE FROM suggested_question WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete suggested questions: %w", err)
	}
	return nil
}
