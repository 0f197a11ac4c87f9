package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gaplens/gaplens/store"
)

func (d *DB) CreateUsageEvent(ctx context.Context, create *store.UsageEvent) (*store.UsageEvent, error) {
	fields := []string{"user_id", "conversation_id", "tokens_in", "tokens_out", "cost_micros", "cached", "created_ts"}
	args := []any{create.UserID, create.ConversationID, create.TokensIn, create.TokensOut, create.CostMicros, create.Cached, create.CreatedTs}

	stmt := `INSERT INTO usage_event (` + strings.Join(fields, ", ") + `) VALUES (` + placeholders(len(args)) + `) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create usage event: %w", err)
	}

	return create, nil
}

func (d *DB) ListUsageEvents(ctx context.Context, find *store.FindUsageEvent) ([]*store.UsageEvent, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = "+placeholder(len(args)+1)), append(args, *find.ConversationID)
	}
	if find.Since != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, *find.Since)
	}

	query := `SELECT id, user_id, conversation_id, tokens_in, tokens_out, cost_micros, cached, created_ts
		FROM usage_event WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	list := make([]*store.UsageEvent, 0)
	for rows.Next() {
		e := &store.UsageEvent{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.TokensIn, &e.TokensOut, &e.CostMicros, &e.Cached, &e.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		list = append(list, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage events: %w", err)
	}

	return list, nil
}

func (d *DB) UpsertConversationStats(ctx context.Context, upsert *store.UpsertConversationStats) (*store.ConversationStats, error) {
	now := time.Now().Unix()

	var stmt string
	var args []any
	if upsert.Reset {
		stmt = `INSERT INTO conversation_stats (conversation_id, question_count, total_tokens, updated_ts)
			VALUES ($1, 0, 0, $2)
			ON CONFLICT (conversation_id) DO UPDATE SET question_count = 0, total_tokens = 0, updated_ts = EXCLUDED.updated_ts`
		args = []any{upsert.ConversationID, now}
	} else {
		stmt = `INSERT INTO conversation_stats (conversation_id, question_count, total_tokens, updated_ts)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id) DO UPDATE SET
				question_count = conversation_stats.question_count + EXCLUDED.question_count,
				total_tokens = conversation_stats.total_tokens + EXCLUDED.total_tokens,
				updated_ts = EXCLUDED.updated_ts`
		args = []any{upsert.ConversationID, upsert.AddQuestions, upsert.AddTokens, now}
	}

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to upsert conversation stats: %w", err)
	}

	return d.GetConversationStats(ctx, upsert.ConversationID)
}

func (d *DB) GetConversationStats(ctx context.Context, conversationID int32) (*store.ConversationStats, error) {
	s := &store.ConversationStats{}
	err := d.db.QueryRowContext(ctx,
		`SELECT conversation_id, question_count, total_tokens, updated_ts FROM conversation_stats WHERE conversation_id = $1`,
		conversationID,
	).Scan(&s.ConversationID, &s.QuestionCount, &s.TotalTokens, &s.UpdatedTs)
	if err == sql.ErrNoRows {
		return &store.ConversationStats{ConversationID: conversationID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation stats: %w", err)
	}
	return s, nil
}

func (d *DB) CreateMessageReport(ctx context.Context, create *store.MessageReport) (*store.MessageReport, error) {
	stmt := `INSERT INTO message_report (message_id, reporter_id, reason, created_ts) VALUES ($1, $2, $3, $4) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, create.MessageID, create.ReporterID, create.Reason, create.CreatedTs).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create message report: %w", err)
	}

	return create, nil
}

func (d *DB) CountMessageReports(ctx context.Context, find *store.FindMessageReport) (int, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.MessageID != nil {
		where, args = append(where, "message_id = "+placeholder(len(args)+1)), append(args, *find.MessageID)
	}
	if find.ReporterID != nil {
		where, args = append(where, "reporter_id = "+placeholder(len(args)+1)), append(args, *find.ReporterID)
	}
	if find.Since != nil {
		where, args = append(where, "created_ts >= "+placeholder(len(args)+1)), append(args, *find.Since)
	}

	var count int
	query := `SELECT COUNT(*) FROM message_report WHERE ` + strings.Join(where, " AND ")
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count message reports: %w", err)
	}
	return count, nil
}
