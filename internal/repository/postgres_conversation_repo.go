package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/widgetdash/internal/model"
)

const conversationColumns = `id, project_id, visitor_id, message_count, started_at, last_message_at,
	tags, sentiment, interest_score, summary, analyzed_at`

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// List は条件に合う会話をstarted_at降順で返す。
func (r *PostgresConversationRepo) List(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error) {
	if len(filter.ProjectIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE project_id::text = ANY($1)`
	args := []interface{}{pq.Array(filter.ProjectIDs)}
	argIndex := 2

	if filter.Sentiment != "" {
		query += fmt.Sprintf(" AND sentiment = $%d", argIndex)
		args = append(args, string(filter.Sentiment))
		argIndex++
	}
	if filter.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", argIndex)
		args = append(args, filter.Tag)
		argIndex++
	}
	if !filter.Cursor.IsZero() {
		query += fmt.Sprintf(" AND (started_at, id) < ($%d, $%d::uuid)", argIndex, argIndex+1)
		args = append(args, filter.Cursor.At, filter.Cursor.ID)
		argIndex += 2
	}

	query += fmt.Sprintf(" ORDER BY started_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, filter.Limit)

	return r.query(ctx, query, args...)
}

// ListAnalyzed は期間[from, to)に開始された分析済みの会話を返す。
func (r *PostgresConversationRepo) ListAnalyzed(ctx context.Context, projectIDs []string, from, to time.Time) ([]model.Conversation, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	return r.query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations
		 WHERE project_id::text = ANY($1)
		   AND analyzed_at IS NOT NULL
		   AND started_at >= $2 AND started_at < $3
		 ORDER BY started_at ASC`,
		pq.Array(projectIDs), from, to,
	)
}

// ListPendingAnalysis は未分析でメッセージを持つ会話を、最終メッセージの古い順にlimit件返す。
func (r *PostgresConversationRepo) ListPendingAnalysis(ctx context.Context, limit int) ([]model.Conversation, error) {
	return r.query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations
		 WHERE analyzed_at IS NULL AND message_count > 0
		 ORDER BY last_message_at ASC
		 LIMIT $1`,
		limit,
	)
}

// SaveInsight は会話の分析結果と分析日時を保存する。
func (r *PostgresConversationRepo) SaveInsight(ctx context.Context, conversationID string, insight model.ConversationInsight, analyzedAt time.Time) error {
	tags := insight.Tags
	if tags == nil {
		tags = []string{}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE conversations
		 SET tags = $2, sentiment = $3, interest_score = $4, summary = $5, analyzed_at = $6
		 WHERE id::text = $1`,
		conversationID, pq.Array(tags), string(insight.Sentiment), insight.InterestScore, insight.Summary, analyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation insight: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	return nil
}

func (r *PostgresConversationRepo) query(ctx context.Context, query string, args ...interface{}) ([]model.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return conversations, nil
}

func scanConversation(rows *sql.Rows) (model.Conversation, error) {
	var c model.Conversation
	var tags pq.StringArray
	var sentiment, summary sql.NullString
	var interest sql.NullInt64
	var analyzedAt sql.NullTime

	if err := rows.Scan(
		&c.ID, &c.ProjectID, &c.VisitorID, &c.MessageCount, &c.StartedAt, &c.LastMessageAt,
		&tags, &sentiment, &interest, &summary, &analyzedAt,
	); err != nil {
		return c, fmt.Errorf("failed to scan conversation: %w", err)
	}

	c.Tags = []string(tags)
	c.Sentiment = model.Sentiment(nullStringValue(sentiment))
	c.Summary = nullStringValue(summary)
	if interest.Valid {
		c.InterestScore = int(interest.Int64)
	}
	if analyzedAt.Valid {
		c.AnalyzedAt = &analyzedAt.Time
	}
	return c, nil
}

// nullStringValue はsql.NullStringの値を返す。NULLの場合は空文字。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
