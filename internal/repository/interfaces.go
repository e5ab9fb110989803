// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

// AccountRepository はアカウントとプロジェクトの永続化インターフェース。
// すべての参照はユーザーIDでスコープされ、所有またはコラボレーターとして参加しているものだけを返す。
type AccountRepository interface {
	// ListByUser はユーザーが参照できるアカウント一覧を作成日時の昇順で返す。
	ListByUser(ctx context.Context, userID string) ([]model.Account, error)

	// ListProjects はユーザーが参照できるプロジェクト一覧を返す。
	ListProjects(ctx context.Context, userID string) ([]model.Project, error)

	// FindProject はユーザーが参照できるプロジェクトを返す。参照できない場合はnilを返す。
	FindProject(ctx context.Context, userID, projectID string) (*model.Project, error)

	// ReachableProjectIDs はユーザーが参照できるプロジェクトIDの一覧を返す。
	ReachableProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// Cursor はキーセットページネーションの位置。直前のページの末尾の行の(時刻, ID)を表し、
// 一覧はこれより厳密に後ろ(降順で小さい)の行から始まる。
type Cursor struct {
	At time.Time
	ID string
}

// IsZero は先頭から取得するカーソルかどうかを返す。
func (c Cursor) IsZero() bool {
	return c.At.IsZero() && c.ID == ""
}

// ArticleFilter は記事一覧の絞り込み条件。
type ArticleFilter struct {
	ProjectIDs []string
	Cursor     Cursor // (published_at, id)。ゼロ値の場合は先頭から
	Limit      int
}

// ArticleRepository は記事データの永続化インターフェース。
type ArticleRepository interface {
	// List は指定プロジェクトの記事をpublished_at降順で返す。
	List(ctx context.Context, filter ArticleFilter) ([]model.Article, error)

	// Upsert は(project_id, guid)をキーに記事を作成または上書きする。新規作成の場合trueを返す。
	Upsert(ctx context.Context, projectID string, article model.ParsedArticle, content string) (bool, error)
}

// ConversationFilter は会話一覧の絞り込み条件。
type ConversationFilter struct {
	ProjectIDs []string
	Sentiment  model.Sentiment // 空の場合は絞り込まない
	Tag        string          // 空の場合は絞り込まない
	Cursor     Cursor          // (started_at, id)。ゼロ値の場合は先頭から
	Limit      int
}

// ConversationRepository は会話データの永続化インターフェース。
type ConversationRepository interface {
	// List は条件に合う会話をstarted_at降順で返す。
	List(ctx context.Context, filter ConversationFilter) ([]model.Conversation, error)

	// ListAnalyzed は期間[from, to)に開始された分析済みの会話を返す。
	ListAnalyzed(ctx context.Context, projectIDs []string, from, to time.Time) ([]model.Conversation, error)

	// ListPendingAnalysis は未分析でメッセージを持つ会話を、最終メッセージの古い順にlimit件返す。
	ListPendingAnalysis(ctx context.Context, limit int) ([]model.Conversation, error)

	// SaveInsight は会話の分析結果と分析日時を保存する。
	SaveInsight(ctx context.Context, conversationID string, insight model.ConversationInsight, analyzedAt time.Time) error
}
