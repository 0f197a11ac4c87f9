package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/gaplens/gaplens/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	if create.Status == "" {
		create.Status = store.MessageStatusComplete
	}

	fields := []string{"uid", "conversation_id", "role", "content", "status", "cached", "tokens_in", "tokens_out", "processing_time_ms", "rating", "feedback", "reported", "created_ts"}
	args := []any{create.UID, create.ConversationID, create.Role, create.Content, create.Status, create.Cached, create.TokensIn, create.TokensOut, create.ProcessingTimeMs, create.Rating, create.Feedback, create.Reported, create.CreatedTs}

	stmt := `INSERT INTO message (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = "+placeholder(len(args)+1)), append(args, *find.ConversationID)
	}

	query := `SELECT id, uid, conversation_id, role, content, status, cached, tokens_in, tokens_out, processing_time_ms, rating, feedback, reported, created_ts
		FROM message WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC, id ASC`
	if find.Limit != nil {
		// Newest N, still returned in chronological order.
		query = `SELECT * FROM (` + strings.Replace(query, "ASC, id ASC", "DESC, id DESC", 1) + ` LIMIT ` + placeholder(len(args)+1) + `) AS recent ORDER BY created_ts ASC, id ASC`
		args = append(args, *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.UID, &m.ConversationID, &m.Role, &m.Content, &m.Status, &m.Cached, &m.TokensIn, &m.TokensOut, &m.ProcessingTimeMs, &m.Rating, &m.Feedback, &m.Reported, &m.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) (*store.Message, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Rating != nil {
		set, args = append(set, "rating = "+placeholder(len(args)+1)), append(args, *update.Rating)
	}
	if update.Feedback != nil {
		set, args = append(set, "feedback = "+placeholder(len(args)+1)), append(args, *update.Feedback)
	}
	if update.Reported != nil {
		set, args = append(set, "reported = "+placeholder(len(args)+1)), append(args, *update.Reported)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args))
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	list, err := d.ListMessages(ctx, &store.FindMessage{ID: &update.ID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("message %d not found", update.ID)
	}
	return list[0], nil
}

func (d *DB) DeleteMessages(ctx context.Context, delete *store.DeleteMessage) error {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.ConversationID != nil {
		where, args = append(where, "conversation_id = "+placeholder(len(args)+1)), append(args, *delete.ConversationID)
	}

	stmt := `DELETE FROM message WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}
