package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/widgetdash/internal/dashboard"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

// DashboardService はダッシュボードハンドラーが必要とするサービスインターフェース。
type DashboardService interface {
	ListAccounts(ctx context.Context, userID string) ([]model.Account, error)
	ListProjects(ctx context.Context, userID string) ([]model.Project, error)
	ListArticles(ctx context.Context, userID string, q dashboard.ArticleQuery) (*dashboard.Page[model.Article], error)
	ListConversations(ctx context.Context, userID string, q dashboard.ConversationQuery) (*dashboard.Page[model.Conversation], error)
	ImportArticles(ctx context.Context, userID, projectID, url string) (*dashboard.ImportResult, error)
}

// DashboardHandler はアカウント・プロジェクト・記事・会話の一覧と記事取り込みを扱う。
type DashboardHandler struct {
	service DashboardService
}

// NewDashboardHandler はDashboardHandlerを生成する。
func NewDashboardHandler(service DashboardService) *DashboardHandler {
	return &DashboardHandler{service: service}
}

type accountResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type projectResponse struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Name      string    `json:"name"`
	SiteURL   string    `json:"site_url"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type articleResponse struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
}

type conversationResponse struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	VisitorID     string          `json:"visitor_id"`
	MessageCount  int             `json:"message_count"`
	StartedAt     time.Time       `json:"started_at"`
	LastMessageAt time.Time       `json:"last_message_at"`
	Tags          []string        `json:"tags"`
	Sentiment     model.Sentiment `json:"sentiment,omitempty"`
	InterestScore int             `json:"interest_score"`
	Summary       string          `json:"summary,omitempty"`
	AnalyzedAt    *time.Time      `json:"analyzed_at"`
}

// pageResponse はカーソルページネーションのレスポンス。
type pageResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

type importArticlesRequest struct {
	URL string `json:"url" validate:"required,http_url,max=2048"`
}

type importArticlesResponse struct {
	FeedURL  string `json:"feed_url"`
	Found    int    `json:"found"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
}

// ListAccounts はユーザーが所有または参加しているアカウントを返す。
// GET /api/accounts
func (h *DashboardHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	items := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, accountResponse{ID: a.ID, Name: a.Name, Role: string(a.Role), CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": items})
}

// ListProjects はユーザーが参照できるプロジェクトを返す。
// GET /api/projects
func (h *DashboardHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}
	projects, err := h.service.ListProjects(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	items := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		items = append(items, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": items})
}

// ListArticles はナレッジベースの記事を公開日時の新しい順に返す。
// GET /api/articles?project_id=&cursor=&limit=
func (h *DashboardHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	q := r.URL.Query()
	page, err := h.service.ListArticles(r.Context(), userID, dashboard.ArticleQuery{
		ProjectID: q.Get("project_id"),
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	items := make([]articleResponse, 0, len(page.Items))
	for _, a := range page.Items {
		items = append(items, articleResponse{
			ID:          a.ID,
			ProjectID:   a.ProjectID,
			Title:       a.Title,
			URL:         a.URL,
			Content:     a.Content,
			PublishedAt: a.PublishedAt,
		})
	}
	writeJSON(w, http.StatusOK, pageResponse[articleResponse]{Items: items, NextCursor: page.NextCursor, HasMore: page.HasMore})
}

// ImportArticles はURLからフィードを検出し、記事をプロジェクトのナレッジベースに取り込む。
// POST /api/projects/{id}/articles/import
func (h *DashboardHandler) ImportArticles(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}

	var req importArticlesRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.ImportArticles(r.Context(), userID, chi.URLParam(r, "id"), req.URL)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, importArticlesResponse{
		FeedURL:  result.FeedURL,
		Found:    result.Found,
		Inserted: result.Inserted,
		Updated:  result.Updated,
	})
}

// ListConversations はウィジェットの会話を開始日時の新しい順に返す。
// GET /api/conversations?project_id=&sentiment=&tag=&cursor=&limit=
func (h *DashboardHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(w, r)
	if !ok {
		return
	}
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	q := r.URL.Query()
	page, err := h.service.ListConversations(r.Context(), userID, dashboard.ConversationQuery{
		ProjectID: q.Get("project_id"),
		Sentiment: model.Sentiment(q.Get("sentiment")),
		Tag:       q.Get("tag"),
		Cursor:    q.Get("cursor"),
		Limit:     limit,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	items := make([]conversationResponse, 0, len(page.Items))
	for _, c := range page.Items {
		tags := c.Tags
		if tags == nil {
			tags = []string{}
		}
		items = append(items, conversationResponse{
			ID:            c.ID,
			ProjectID:     c.ProjectID,
			VisitorID:     c.VisitorID,
			MessageCount:  c.MessageCount,
			StartedAt:     c.StartedAt,
			LastMessageAt: c.LastMessageAt,
			Tags:          tags,
			Sentiment:     c.Sentiment,
			InterestScore: c.InterestScore,
			Summary:       c.Summary,
			AnalyzedAt:    c.AnalyzedAt,
		})
	}
	writeJSON(w, http.StatusOK, pageResponse[conversationResponse]{Items: items, NextCursor: page.NextCursor, HasMore: page.HasMore})
}

func toProjectResponse(p model.Project) projectResponse {
	return projectResponse{
		ID:        p.ID,
		AccountID: p.AccountID,
		Name:      p.Name,
		SiteURL:   p.SiteURL,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt,
	}
}

// parseLimit はlimitクエリを読み取る。未指定は0（サービス側の既定値）。
func parseLimit(r *http.Request) (int, *model.APIError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewInvalidRequestError("limit は0以上の整数で指定してください")
	}
	return n, nil
}
