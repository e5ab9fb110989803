package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/widgetdash/internal/model"
)

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db, now: time.Now}
}

// List は指定プロジェクトの記事をpublished_at降順で返す。
// プロジェクトIDが空の場合は何も返さない。
func (r *PostgresArticleRepo) List(ctx context.Context, filter ArticleFilter) ([]model.Article, error) {
	if len(filter.ProjectIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, project_id, guid, title, url, content, published_at, created_at, updated_at
		FROM articles
		WHERE project_id::text = ANY($1)`
	args := []interface{}{pq.Array(filter.ProjectIDs)}
	argIndex := 2

	// キーセットページネーション。同じ公開日時の記事はidで順序を決める
	if !filter.Cursor.IsZero() {
		query += fmt.Sprintf(" AND (published_at, id) < ($%d, $%d::uuid)", argIndex, argIndex+1)
		args = append(args, filter.Cursor.At, filter.Cursor.ID)
		argIndex += 2
	}

	query += fmt.Sprintf(" ORDER BY published_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		var a model.Article
		var publishedAt sql.NullTime
		if err := rows.Scan(
			&a.ID, &a.ProjectID, &a.GUID, &a.Title, &a.URL, &a.Content,
			&publishedAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		if publishedAt.Valid {
			a.PublishedAt = publishedAt.Time
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate articles: %w", err)
	}
	return articles, nil
}

// Upsert は(project_id, guid)をキーに記事を作成または上書きする。
// contentはサニタイズ済みのHTML。公開日時がない記事は取り込み時刻を公開日時とする。
// 新規作成の場合trueを返す。
func (r *PostgresArticleRepo) Upsert(ctx context.Context, projectID string, article model.ParsedArticle, content string) (bool, error) {
	now := r.now().UTC()
	publishedAt := now
	if article.PublishedAt != nil {
		publishedAt = article.PublishedAt.UTC()
	}

	var inserted bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO articles (id, project_id, guid, title, url, content, published_at, created_at, updated_at)
		 VALUES ($8, $1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (project_id, guid) DO UPDATE SET
		     title = EXCLUDED.title,
		     url = EXCLUDED.url,
		     content = EXCLUDED.content,
		     published_at = COALESCE(articles.published_at, EXCLUDED.published_at),
		     updated_at = EXCLUDED.updated_at
		 RETURNING (xmax = 0) AS inserted`,
		projectID, article.GUID, article.Title, article.URL, content, publishedAt, now, uuid.NewString(),
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert article: %w", err)
	}
	return inserted, nil
}

// compile-time interface check
var _ ArticleRepository = (*PostgresArticleRepo)(nil)
