package dashboard

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/widgetdash/internal/feed"
	"github.com/hitoshi/widgetdash/internal/model"
	"github.com/hitoshi/widgetdash/internal/repository"
	"github.com/hitoshi/widgetdash/internal/security"
)

// --- モック定義 ---

type mockAccountRepo struct {
	listByUserFn  func(ctx context.Context, userID string) ([]model.Account, error)
	listProjFn    func(ctx context.Context, userID string) ([]model.Project, error)
	findProjectFn func(ctx context.Context, userID, projectID string) (*model.Project, error)
	reachableFn   func(ctx context.Context, userID string) ([]string, error)
}

func (m *mockAccountRepo) ListByUser(ctx context.Context, userID string) ([]model.Account, error) {
	return m.listByUserFn(ctx, userID)
}

func (m *mockAccountRepo) ListProjects(ctx context.Context, userID string) ([]model.Project, error) {
	return m.listProjFn(ctx, userID)
}

func (m *mockAccountRepo) FindProject(ctx context.Context, userID, projectID string) (*model.Project, error) {
	return m.findProjectFn(ctx, userID, projectID)
}

func (m *mockAccountRepo) ReachableProjectIDs(ctx context.Context, userID string) ([]string, error) {
	return m.reachableFn(ctx, userID)
}

type mockArticleRepo struct {
	listFn   func(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error)
	upsertFn func(ctx context.Context, projectID string, a model.ParsedArticle, content string) (bool, error)
}

func (m *mockArticleRepo) List(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error) {
	return m.listFn(ctx, filter)
}

func (m *mockArticleRepo) Upsert(ctx context.Context, projectID string, a model.ParsedArticle, content string) (bool, error) {
	return m.upsertFn(ctx, projectID, a, content)
}

type mockConversationRepo struct {
	listFn func(ctx context.Context, filter repository.ConversationFilter) ([]model.Conversation, error)
}

func (m *mockConversationRepo) List(ctx context.Context, filter repository.ConversationFilter) ([]model.Conversation, error) {
	return m.listFn(ctx, filter)
}

func (m *mockConversationRepo) ListAnalyzed(ctx context.Context, projectIDs []string, from, to time.Time) ([]model.Conversation, error) {
	return nil, nil
}

func (m *mockConversationRepo) ListPendingAnalysis(ctx context.Context, limit int) ([]model.Conversation, error) {
	return nil, nil
}

func (m *mockConversationRepo) SaveInsight(ctx context.Context, id string, insight model.ConversationInsight, analyzedAt time.Time) error {
	return nil
}

type mockSource struct {
	resolveFn func(ctx context.Context, inputURL string) (*feed.Document, error)
}

func (m *mockSource) Resolve(ctx context.Context, inputURL string) (*feed.Document, error) {
	return m.resolveFn(ctx, inputURL)
}

type recordingMetrics struct {
	imported []int
}

func (r *recordingMetrics) RecordAdminCheck(string) {}
func (r *recordingMetrics) RecordImpersonation(string, string) {}
func (r *recordingMetrics) RecordSignIn(string) {}
func (r *recordingMetrics) RecordFunctionCall(string, int, time.Duration) {}
func (r *recordingMetrics) RecordHTTPStatus(int) {}
func (r *recordingMetrics) RecordConversationsAnalyzed(int) {}
func (r *recordingMetrics) RecordArticlesImported(n int) { r.imported = append(r.imported, n) }
func (r *recordingMetrics) SetActiveManagers(int) {}

// --- ヘルパー ---

var (
	ownedProject  = &model.Project{ID: "p1", AccountID: "a1", Name: "Help widget", Role: model.RoleOwner}
	viewerProject = &model.Project{ID: "p2", AccountID: "a2", Name: "Shared widget", Role: model.RoleViewer}
)

// scopedAccounts はuser-1がp1(所有)とp2(閲覧のみ)に到達できるリポジトリを返す。
func scopedAccounts() *mockAccountRepo {
	return &mockAccountRepo{
		findProjectFn: func(ctx context.Context, userID, projectID string) (*model.Project, error) {
			if userID != "user-1" {
				return nil, nil
			}
			switch projectID {
			case "p1":
				return ownedProject, nil
			case "p2":
				return viewerProject, nil
			}
			return nil, nil
		},
		reachableFn: func(ctx context.Context, userID string) ([]string, error) {
			if userID == "user-1" {
				return []string{"p1", "p2"}, nil
			}
			return nil, nil
		},
	}
}

func newTestService(accounts *mockAccountRepo, articles *mockArticleRepo, conversations *mockConversationRepo, source *mockSource, mc *recordingMetrics) *Service {
	if mc == nil {
		mc = &recordingMetrics{}
	}
	return NewService(accounts, articles, conversations, source, security.NewSanitizer(), mc, nil)
}

// --- ListArticles ---

func TestListArticles_AllReachableProjects(t *testing.T) {
	var got repository.ArticleFilter
	articles := &mockArticleRepo{
		listFn: func(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error) {
			got = filter
			return []model.Article{{ID: "x", Content: `<p>ok</p><script>bad()</script>`}}, nil
		},
	}
	svc := newTestService(scopedAccounts(), articles, nil, nil, nil)

	page, err := svc.ListArticles(context.Background(), "user-1", ArticleQuery{})
	if err != nil {
		t.Fatalf("ListArticles returned error: %v", err)
	}
	if strings.Join(got.ProjectIDs, ",") != "p1,p2" {
		t.Errorf("ProjectIDs = %v, want [p1 p2]", got.ProjectIDs)
	}
	if got.Limit != defaultPageSize+1 {
		t.Errorf("Limit = %d, want %d", got.Limit, defaultPageSize+1)
	}
	if page.HasMore || page.NextCursor != "" {
		t.Errorf("unexpected pagination: %+v", page)
	}
	if strings.Contains(page.Items[0].Content, "script") {
		t.Errorf("content was not sanitized: %q", page.Items[0].Content)
	}
}

func TestListArticles_Pagination(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	articles := &mockArticleRepo{
		listFn: func(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error) {
			var out []model.Article
			for i := 0; i < filter.Limit; i++ {
				out = append(out, model.Article{ID: string(rune('a' + i)), PublishedAt: base.Add(-time.Duration(i) * time.Hour)})
			}
			return out, nil
		},
	}
	svc := newTestService(scopedAccounts(), articles, nil, nil, nil)

	page, err := svc.ListArticles(context.Background(), "user-1", ArticleQuery{Limit: 2})
	if err != nil {
		t.Fatalf("ListArticles returned error: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("items=%d hasMore=%v, want 2 true", len(page.Items), page.HasMore)
	}
	want := encodeCursor(base.Add(-time.Hour), "b")
	if page.NextCursor != want {
		t.Errorf("NextCursor = %q, want %q", page.NextCursor, want)
	}
}

// keysetArticles は(PublishedAt, ID)の降順に並んだ記事にカーソル条件を適用するリポジトリを返す。
func keysetArticles(all []model.Article) *mockArticleRepo {
	return &mockArticleRepo{
		listFn: func(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error) {
			var out []model.Article
			for _, a := range all {
				if !filter.Cursor.IsZero() {
					c := filter.Cursor
					if a.PublishedAt.After(c.At) || (a.PublishedAt.Equal(c.At) && a.ID >= c.ID) {
						continue
					}
				}
				out = append(out, a)
				if len(out) == filter.Limit {
					break
				}
			}
			return out, nil
		},
	}
}

func TestListArticles_EqualTimestampsAcrossPages(t *testing.T) {
	same := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{
		"00000000-0000-0000-0000-000000000005",
		"00000000-0000-0000-0000-000000000004",
		"00000000-0000-0000-0000-000000000003",
		"00000000-0000-0000-0000-000000000002",
		"00000000-0000-0000-0000-000000000001",
	}
	var all []model.Article
	for _, id := range ids {
		all = append(all, model.Article{ID: id, PublishedAt: same})
	}
	svc := newTestService(scopedAccounts(), keysetArticles(all), nil, nil, nil)

	var seen []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := svc.ListArticles(context.Background(), "user-1", ArticleQuery{Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("ListArticles returned error: %v", err)
		}
		for _, a := range page.Items {
			seen = append(seen, a.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if strings.Join(seen, ",") != strings.Join(ids, ",") {
		t.Errorf("同じ公開日時の記事が欠落・重複している: got %v, want %v", seen, ids)
	}
}

func TestListArticles_UnreachableProject(t *testing.T) {
	svc := newTestService(scopedAccounts(), &mockArticleRepo{}, nil, nil, nil)

	_, err := svc.ListArticles(context.Background(), "user-1", ArticleQuery{ProjectID: "someone-elses"})
	if !model.IsAPIErrorCode(err, model.ErrCodeProjectNotFound) {
		t.Errorf("error = %v, want PROJECT_NOT_FOUND", err)
	}
}

func TestListArticles_NoProjects(t *testing.T) {
	articles := &mockArticleRepo{
		listFn: func(ctx context.Context, filter repository.ArticleFilter) ([]model.Article, error) {
			t.Fatal("List must not be called without projects")
			return nil, nil
		},
	}
	svc := newTestService(scopedAccounts(), articles, nil, nil, nil)

	page, err := svc.ListArticles(context.Background(), "stranger", ArticleQuery{})
	if err != nil {
		t.Fatalf("ListArticles returned error: %v", err)
	}
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("Items = %v, want empty slice", page.Items)
	}
}

func TestListArticles_InvalidCursor(t *testing.T) {
	svc := newTestService(scopedAccounts(), &mockArticleRepo{}, nil, nil, nil)

	_, err := svc.ListArticles(context.Background(), "user-1", ArticleQuery{Cursor: "yesterday"})
	if !model.IsAPIErrorCode(err, model.ErrCodeInvalidRequest) {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestParseCursor_RejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"タイムスタンプのみ": "2024-01-01T00:00:00Z",
		"区切りなし":     encodeCursor(time.Time{}, "")[:4],
		"IDがUUIDでない":  encodeCursor(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "1 OR 1=1"),
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseCursor(in); !model.IsAPIErrorCode(err, model.ErrCodeInvalidRequest) {
				t.Errorf("parseCursor(%q) error = %v, want INVALID_REQUEST", in, err)
			}
		})
	}
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, defaultPageSize},
		{-1, defaultPageSize},
		{10, 10},
		{maxPageSize + 1, maxPageSize},
	}
	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// --- ListConversations ---

func TestListConversations_Filters(t *testing.T) {
	var got repository.ConversationFilter
	conversations := &mockConversationRepo{
		listFn: func(ctx context.Context, filter repository.ConversationFilter) ([]model.Conversation, error) {
			got = filter
			return []model.Conversation{{ID: "c1"}}, nil
		},
	}
	svc := newTestService(scopedAccounts(), nil, conversations, nil, nil)

	cursor := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cursorID := "7d0b7c1e-3f59-4d8e-9a52-2c4a1e8f6b10"
	page, err := svc.ListConversations(context.Background(), "user-1", ConversationQuery{
		ProjectID: "p1",
		Sentiment: model.SentimentNegative,
		Tag:       "pricing",
		Cursor:    encodeCursor(cursor, cursorID),
	})
	if err != nil {
		t.Fatalf("ListConversations returned error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(page.Items))
	}
	if strings.Join(got.ProjectIDs, ",") != "p1" || got.Sentiment != model.SentimentNegative || got.Tag != "pricing" {
		t.Errorf("unexpected filter: %+v", got)
	}
	if !got.Cursor.At.Equal(cursor) || got.Cursor.ID != cursorID {
		t.Errorf("Cursor = %+v, want (%v, %s)", got.Cursor, cursor, cursorID)
	}
}

func TestListConversations_InvalidSentiment(t *testing.T) {
	svc := newTestService(scopedAccounts(), nil, &mockConversationRepo{}, nil, nil)

	_, err := svc.ListConversations(context.Background(), "user-1", ConversationQuery{Sentiment: "angry"})
	if !model.IsAPIErrorCode(err, model.ErrCodeInvalidRequest) {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

// --- ImportArticles ---

const importRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Help</title>
  <item>
    <title>&lt;b&gt;Setup&lt;/b&gt; guide</title>
    <link>https://example.com/setup</link>
    <guid>setup</guid>
    <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
    <description>&lt;p&gt;Install&lt;/p&gt;&lt;script&gt;x()&lt;/script&gt;</description>
  </item>
  <item>
    <title>Undated</title>
    <guid>undated</guid>
  </item>
</channel></rss>`

func TestImportArticles(t *testing.T) {
	type saved struct {
		projectID string
		article   model.ParsedArticle
		content   string
	}
	var upserts []saved
	articles := &mockArticleRepo{
		upsertFn: func(ctx context.Context, projectID string, a model.ParsedArticle, content string) (bool, error) {
			upserts = append(upserts, saved{projectID, a, content})
			return a.GUID == "setup", nil
		},
	}
	source := &mockSource{
		resolveFn: func(ctx context.Context, inputURL string) (*feed.Document, error) {
			return &feed.Document{URL: "https://example.com/feed.xml", Body: []byte(importRSS)}, nil
		},
	}
	mc := &recordingMetrics{}
	svc := newTestService(scopedAccounts(), articles, nil, source, mc)
	importedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return importedAt }

	result, err := svc.ImportArticles(context.Background(), "user-1", "p1", "https://example.com/")
	if err != nil {
		t.Fatalf("ImportArticles returned error: %v", err)
	}
	if result.FeedURL != "https://example.com/feed.xml" || result.Found != 2 || result.Inserted != 1 || result.Updated != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(upserts) != 2 {
		t.Fatalf("got %d upserts, want 2", len(upserts))
	}

	first := upserts[0]
	if first.projectID != "p1" {
		t.Errorf("projectID = %q, want p1", first.projectID)
	}
	if first.article.Title != "Setup guide" {
		t.Errorf("Title = %q, want tags stripped", first.article.Title)
	}
	if strings.Contains(first.content, "script") || !strings.Contains(first.content, "<p>Install</p>") {
		t.Errorf("content = %q, want sanitized HTML", first.content)
	}
	if upserts[1].article.PublishedAt == nil || !upserts[1].article.PublishedAt.Equal(importedAt) {
		t.Errorf("undated PublishedAt = %v, want import time", upserts[1].article.PublishedAt)
	}
	if len(mc.imported) != 1 || mc.imported[0] != 1 {
		t.Errorf("RecordArticlesImported = %v, want [1]", mc.imported)
	}
}

func TestImportArticles_UnreachableProjectSkipsFetch(t *testing.T) {
	source := &mockSource{
		resolveFn: func(ctx context.Context, inputURL string) (*feed.Document, error) {
			t.Fatal("Resolve must not be called for an unreachable project")
			return nil, nil
		},
	}
	svc := newTestService(scopedAccounts(), &mockArticleRepo{}, nil, source, nil)

	_, err := svc.ImportArticles(context.Background(), "user-2", "p1", "https://example.com/")
	if !model.IsAPIErrorCode(err, model.ErrCodeProjectNotFound) {
		t.Errorf("error = %v, want PROJECT_NOT_FOUND", err)
	}
}

func TestImportArticles_ViewerIsNotAuthorized(t *testing.T) {
	source := &mockSource{
		resolveFn: func(ctx context.Context, inputURL string) (*feed.Document, error) {
			t.Fatal("Resolve must not be called for a viewer")
			return nil, nil
		},
	}
	articles := &mockArticleRepo{
		upsertFn: func(ctx context.Context, projectID string, a model.ParsedArticle, content string) (bool, error) {
			t.Fatal("Upsert must not be called for a viewer")
			return false, nil
		},
	}
	svc := newTestService(scopedAccounts(), articles, nil, source, nil)

	_, err := svc.ImportArticles(context.Background(), "user-1", "p2", "https://example.com/")
	if !model.IsAPIErrorCode(err, model.ErrCodeNotAuthorized) {
		t.Errorf("error = %v, want NOT_AUTHORIZED", err)
	}
}

func TestImportArticles_SourceError(t *testing.T) {
	source := &mockSource{
		resolveFn: func(ctx context.Context, inputURL string) (*feed.Document, error) {
			return nil, model.NewSSRFBlockedError()
		},
	}
	svc := newTestService(scopedAccounts(), &mockArticleRepo{}, nil, source, nil)

	_, err := svc.ImportArticles(context.Background(), "user-1", "p1", "http://169.254.169.254/")
	if !model.IsAPIErrorCode(err, model.ErrCodeSSRFBlocked) {
		t.Errorf("error = %v, want SSRF_BLOCKED", err)
	}
}

func TestImportArticles_UpsertError(t *testing.T) {
	dbErr := errors.New("connection reset")
	articles := &mockArticleRepo{
		upsertFn: func(ctx context.Context, projectID string, a model.ParsedArticle, content string) (bool, error) {
			return false, dbErr
		},
	}
	source := &mockSource{
		resolveFn: func(ctx context.Context, inputURL string) (*feed.Document, error) {
			return &feed.Document{URL: inputURL, Body: []byte(importRSS)}, nil
		},
	}
	svc := newTestService(scopedAccounts(), articles, nil, source, nil)

	_, err := svc.ImportArticles(context.Background(), "user-1", "p1", "https://example.com/feed.xml")
	if !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
}

func TestReachableProjectIDs_WrapsError(t *testing.T) {
	dbErr := errors.New("timeout")
	accounts := &mockAccountRepo{
		reachableFn: func(ctx context.Context, userID string) ([]string, error) { return nil, dbErr },
	}
	svc := newTestService(accounts, nil, nil, nil, nil)

	if _, err := svc.ReachableProjectIDs(context.Background(), "user-1"); !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
}
