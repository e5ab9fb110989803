// Package dashboard はダッシュボードに表示するアカウント・プロジェクト・記事・会話を扱う。
// すべての操作は実効ユーザー(なりすまし中は対象ユーザー)のIDで範囲を絞る。
package dashboard

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/widgetdash/internal/feed"
	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/model"
	"github.com/hitoshi/widgetdash/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// FeedSource はURLからフィード本文を取得する。
type FeedSource interface {
	Resolve(ctx context.Context, inputURL string) (*feed.Document, error)
}

// Sanitizer は外部由来のHTMLとテキストを無害化する。
type Sanitizer interface {
	SanitizeHTML(raw string) string
	PlainText(raw string) string
}

// Page はカーソルページネーションの結果。
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// ImportResult は記事取り込みの結果。
type ImportResult struct {
	FeedURL  string
	Found    int
	Inserted int
	Updated  int
}

// Service はダッシュボードのサービス層。
type Service struct {
	accounts      repository.AccountRepository
	articles      repository.ArticleRepository
	conversations repository.ConversationRepository
	source        FeedSource
	sanitizer     Sanitizer
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
}

// NewService はServiceを生成する。mcとloggerがnilの場合は何もしない実装を使う。
func NewService(
	accounts repository.AccountRepository,
	articles repository.ArticleRepository,
	conversations repository.ConversationRepository,
	source FeedSource,
	sanitizer Sanitizer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts:      accounts,
		articles:      articles,
		conversations: conversations,
		source:        source,
		sanitizer:     sanitizer,
		metrics:       mc,
		logger:        logger,
		now:           time.Now,
	}
}

// ListAccounts はユーザーが所有またはコラボレーターとして参加するアカウントを返す。
func (s *Service) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// ListProjects はユーザーが到達可能なプロジェクトを返す。
func (s *Service) ListProjects(ctx context.Context, userID string) ([]model.Project, error) {
	projects, err := s.accounts.ListProjects(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクト一覧の取得に失敗しました: %w", err)
	}
	return projects, nil
}

// ReachableProjectIDs はユーザーが到達可能なプロジェクトIDを返す。
func (s *Service) ReachableProjectIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.accounts.ReachableProjectIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトIDの取得に失敗しました: %w", err)
	}
	return ids, nil
}

// scope は対象プロジェクトIDを決める。projectIDが空なら到達可能な全プロジェクト。
// 到達できないプロジェクトを指定した場合はPROJECT_NOT_FOUNDを返す。
func (s *Service) scope(ctx context.Context, userID, projectID string) ([]string, error) {
	if projectID == "" {
		return s.ReachableProjectIDs(ctx, userID)
	}
	project, err := s.accounts.FindProject(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	if project == nil {
		return nil, model.NewProjectNotFoundError(projectID)
	}
	return []string{project.ID}, nil
}

// ArticleQuery は記事一覧の条件。
type ArticleQuery struct {
	ProjectID string
	Cursor    string
	Limit     int
}

// ListArticles は記事をpublished_at降順で返す。本文は応答前に再度サニタイズする。
func (s *Service) ListArticles(ctx context.Context, userID string, q ArticleQuery) (*Page[model.Article], error) {
	cursor, err := parseCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(q.Limit)

	projectIDs, err := s.scope(ctx, userID, q.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(projectIDs) == 0 {
		return &Page[model.Article]{Items: []model.Article{}}, nil
	}

	articles, err := s.articles.List(ctx, repository.ArticleFilter{
		ProjectIDs: projectIDs,
		Cursor:     cursor,
		Limit:      limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	page := &Page[model.Article]{HasMore: len(articles) > limit}
	if page.HasMore {
		articles = articles[:limit]
	}
	for i := range articles {
		articles[i].Content = s.sanitizer.SanitizeHTML(articles[i].Content)
	}
	if page.HasMore {
		last := articles[len(articles)-1]
		page.NextCursor = encodeCursor(last.PublishedAt, last.ID)
	}
	page.Items = articles
	if page.Items == nil {
		page.Items = []model.Article{}
	}
	return page, nil
}

// ConversationQuery は会話一覧の条件。
type ConversationQuery struct {
	ProjectID string
	Sentiment model.Sentiment
	Tag       string
	Cursor    string
	Limit     int
}

// ListConversations は会話をstarted_at降順で返す。
func (s *Service) ListConversations(ctx context.Context, userID string, q ConversationQuery) (*Page[model.Conversation], error) {
	if q.Sentiment != "" && !q.Sentiment.Valid() {
		return nil, model.NewInvalidRequestError("不明な感情区分です: " + string(q.Sentiment))
	}
	cursor, err := parseCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(q.Limit)

	projectIDs, err := s.scope(ctx, userID, q.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(projectIDs) == 0 {
		return &Page[model.Conversation]{Items: []model.Conversation{}}, nil
	}

	conversations, err := s.conversations.List(ctx, repository.ConversationFilter{
		ProjectIDs: projectIDs,
		Sentiment:  q.Sentiment,
		Tag:        q.Tag,
		Cursor:     cursor,
		Limit:      limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}

	page := &Page[model.Conversation]{HasMore: len(conversations) > limit}
	if page.HasMore {
		conversations = conversations[:limit]
		last := conversations[len(conversations)-1]
		page.NextCursor = encodeCursor(last.StartedAt, last.ID)
	}
	page.Items = conversations
	if page.Items == nil {
		page.Items = []model.Conversation{}
	}
	return page, nil
}

// ImportArticles はURLのフィードから記事を取り込み、(project_id, guid)単位で登録・更新する。
// 公開日時のない記事は取り込み時刻で登録する。閲覧専用のコラボレーターはNOT_AUTHORIZED。
func (s *Service) ImportArticles(ctx context.Context, userID, projectID, url string) (*ImportResult, error) {
	project, err := s.accounts.FindProject(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗しました: %w", err)
	}
	if project == nil {
		return nil, model.NewProjectNotFoundError(projectID)
	}
	if !project.Role.CanEdit() {
		return nil, model.NewNotAuthorizedError("閲覧専用のメンバーは記事を取り込めません")
	}

	doc, err := s.source.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	parsed, err := feed.Parse(doc.Body)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{FeedURL: doc.URL, Found: len(parsed)}
	importedAt := s.now().UTC()
	for _, a := range parsed {
		a.Title = s.sanitizer.PlainText(a.Title)
		if a.PublishedAt == nil {
			a.PublishedAt = &importedAt
		}
		inserted, err := s.articles.Upsert(ctx, project.ID, a, s.sanitizer.SanitizeHTML(a.Content))
		if err != nil {
			return nil, fmt.Errorf("記事の保存に失敗しました: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	s.metrics.RecordArticlesImported(result.Inserted)
	s.logger.Info("articles imported",
		slog.String("user_id", userID),
		slog.String("project_id", project.ID),
		slog.String("feed_url", doc.URL),
		slog.Int("found", result.Found),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
	)
	return result, nil
}

// encodeCursor はページ末尾の行の(時刻, ID)を不透明なカーソル文字列にする。
func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func parseCursor(s string) (repository.Cursor, error) {
	if s == "" {
		return repository.Cursor{}, nil
	}
	invalid := model.NewInvalidRequestError("無効なカーソル値: " + s)

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return repository.Cursor{}, invalid
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return repository.Cursor{}, invalid
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return repository.Cursor{}, invalid
	}
	if _, err := uuid.Parse(id); err != nil {
		return repository.Cursor{}, invalid
	}
	return repository.Cursor{At: t, ID: id}, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
