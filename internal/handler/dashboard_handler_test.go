package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/widgetdash/internal/dashboard"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

func TestDashboardHandler_ListAccounts(t *testing.T) {
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockDashboardService{
		listAccountsFn: func(ctx context.Context, userID string) ([]model.Account, error) {
			if userID != "user-1" {
				t.Errorf("userID = %q, want user-1", userID)
			}
			return []model.Account{{ID: "acc-1", Name: "Acme", Role: model.RoleOwner, CreatedAt: created}}, nil
		},
	}
	h := NewDashboardHandler(svc)

	w := httptest.NewRecorder()
	h.ListAccounts(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/accounts", nil), "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody[map[string][]map[string]any](t, w.Body)
	accounts := body["accounts"]
	if len(accounts) != 1 {
		t.Fatalf("accounts = %v", accounts)
	}
	if accounts[0]["id"] != "acc-1" || accounts[0]["role"] != "owner" || accounts[0]["created_at"] != "2024-05-01T00:00:00Z" {
		t.Errorf("account = %v", accounts[0])
	}
}

func TestDashboardHandler_ListProjects_EmptyIsArray(t *testing.T) {
	h := NewDashboardHandler(&mockDashboardService{})

	w := httptest.NewRecorder()
	h.ListProjects(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/projects", nil), "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "{\"projects\":[]}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestDashboardHandler_ListArticles_PassesQuery(t *testing.T) {
	var got dashboard.ArticleQuery
	svc := &mockDashboardService{
		listArticlesFn: func(ctx context.Context, userID string, q dashboard.ArticleQuery) (*dashboard.Page[model.Article], error) {
			got = q
			return &dashboard.Page[model.Article]{
				Items:      []model.Article{{ID: "a1", ProjectID: "p1", Title: "Hello", URL: "https://example.com/a1"}},
				NextCursor: "2024-05-01T00:00:00Z",
				HasMore:    true,
			}, nil
		},
	}
	h := NewDashboardHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/articles?project_id=p1&cursor=c&limit=20", nil)
	w := httptest.NewRecorder()
	h.ListArticles(w, withUserID(req, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got.ProjectID != "p1" || got.Cursor != "c" || got.Limit != 20 {
		t.Errorf("query = %+v", got)
	}
	body := decodeBody[map[string]any](t, w.Body)
	if body["next_cursor"] != "2024-05-01T00:00:00Z" || body["has_more"] != true {
		t.Errorf("body = %v", body)
	}
	items := body["items"].([]any)
	if items[0].(map[string]any)["project_id"] != "p1" {
		t.Errorf("item = %v", items[0])
	}
}

func TestDashboardHandler_ListArticles_InvalidLimit(t *testing.T) {
	h := NewDashboardHandler(&mockDashboardService{})

	for _, limit := range []string{"abc", "-1"} {
		w := httptest.NewRecorder()
		h.ListArticles(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/articles?limit="+limit, nil), "user-1"))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, w.Code)
		}
	}
}

func TestDashboardHandler_ListArticles_ProjectNotFound(t *testing.T) {
	svc := &mockDashboardService{
		listArticlesFn: func(ctx context.Context, userID string, q dashboard.ArticleQuery) (*dashboard.Page[model.Article], error) {
			return nil, model.NewProjectNotFoundError(q.ProjectID)
		},
	}
	h := NewDashboardHandler(svc)

	w := httptest.NewRecorder()
	h.ListArticles(w, withUserID(httptest.NewRequest(http.MethodGet, "/api/articles?project_id=other", nil), "user-1"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w.Body)
	if body.Code != model.ErrCodeProjectNotFound {
		t.Errorf("code = %s", body.Code)
	}
}

func TestDashboardHandler_ListConversations(t *testing.T) {
	var got dashboard.ConversationQuery
	svc := &mockDashboardService{
		listConversationsFn: func(ctx context.Context, userID string, q dashboard.ConversationQuery) (*dashboard.Page[model.Conversation], error) {
			got = q
			return &dashboard.Page[model.Conversation]{
				Items: []model.Conversation{{ID: "c1", ProjectID: "p1", MessageCount: 4}},
			}, nil
		},
	}
	h := NewDashboardHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?sentiment=negative&tag=pricing", nil)
	w := httptest.NewRecorder()
	h.ListConversations(w, withUserID(req, "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got.Sentiment != model.SentimentNegative || got.Tag != "pricing" {
		t.Errorf("query = %+v", got)
	}
	body := decodeBody[map[string]any](t, w.Body)
	item := body["items"].([]any)[0].(map[string]any)
	// 未分析の会話でもtagsは空配列、analyzed_atはnull
	if tags, ok := item["tags"].([]any); !ok || len(tags) != 0 {
		t.Errorf("tags = %v", item["tags"])
	}
	if v, exists := item["analyzed_at"]; !exists || v != nil {
		t.Errorf("analyzed_at = %v", v)
	}
	if _, exists := item["sentiment"]; exists {
		t.Errorf("sentiment should be omitted: %v", item)
	}
}

func TestDashboardHandler_ImportArticles(t *testing.T) {
	svc := &mockDashboardService{
		importArticlesFn: func(ctx context.Context, userID, projectID, url string) (*dashboard.ImportResult, error) {
			if userID != "user-1" || projectID != "p1" || url != "https://blog.example.com" {
				t.Errorf("args = %s %s %s", userID, projectID, url)
			}
			return &dashboard.ImportResult{FeedURL: "https://blog.example.com/feed.xml", Found: 3, Inserted: 2, Updated: 1}, nil
		},
	}
	h := NewDashboardHandler(svc)

	req := jsonRequest(http.MethodPost, "/api/projects/p1/articles/import", `{"url":"https://blog.example.com"}`)
	req = withChiURLParam(withUserID(req, "user-1"), "id", "p1")
	w := httptest.NewRecorder()
	h.ImportArticles(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody[importArticlesResponse](t, w.Body)
	if body.FeedURL != "https://blog.example.com/feed.xml" || body.Inserted != 2 || body.Updated != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestDashboardHandler_ImportArticles_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{name: "URLなし", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidRequest},
		{name: "http以外のスキーム", body: `{"url":"ftp://example.com"}`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidRequest},
		{name: "SSRFブロック", body: `{"url":"http://169.254.169.254"}`, serviceErr: model.NewSSRFBlockedError(), wantStatus: http.StatusForbidden, wantCode: model.ErrCodeSSRFBlocked},
		{name: "フィード未検出", body: `{"url":"https://example.com"}`, serviceErr: model.NewFeedNotDetectedError("https://example.com"), wantStatus: http.StatusUnprocessableEntity, wantCode: model.ErrCodeFeedNotDetected},
		{name: "予期しないエラー", body: `{"url":"https://example.com"}`, serviceErr: errors.New("db down"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockDashboardService{
				importArticlesFn: func(ctx context.Context, userID, projectID, url string) (*dashboard.ImportResult, error) {
					return nil, tt.serviceErr
				},
			}
			h := NewDashboardHandler(svc)

			req := jsonRequest(http.MethodPost, "/api/projects/p1/articles/import", tt.body)
			req = withChiURLParam(withUserID(req, "user-1"), "id", "p1")
			w := httptest.NewRecorder()
			h.ImportArticles(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeBody[middleware.ErrorResponseBody](t, w.Body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", body.Code, tt.wantCode)
			}
		})
	}
}

func TestDashboardHandler_RequiresUser(t *testing.T) {
	h := NewDashboardHandler(&mockDashboardService{})

	w := httptest.NewRecorder()
	h.ListConversations(w, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
