// Package functions はBaaS上のサーバーレスファンクションを呼び出すクライアントを提供する。
// 管理者確認、なりすまし、ユーザー一覧、レポート集計、問い合わせ送信、会話分析を含む。
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/model"
)

// ファンクション名
const (
	FunctionMe                  = "me"
	FunctionImpersonate         = "impersonate"
	FunctionListUsers           = "list-users"
	FunctionAdRevenue           = "ad-revenue"
	FunctionUsageCost           = "usage-cost"
	FunctionContactSubmit       = "contact-submit"
	FunctionAnalyzeConversation = "analyze-conversation"
)

const (
	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
	userAgent       = "Widgetdash/1.0"
)

// Error はファンクションが2xx以外を返した場合のエラー。
// Messageにはサーバーが返したメッセージ、なければ汎用メッセージが入る。
type Error struct {
	Function   string
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("function %s returned status %d: %s", e.Function, e.StatusCode, e.Message)
}

// Reason はエラー原因としてユーザーに表示するメッセージを返す。
// ファンクションエラー以外はerr.Error()をそのまま返す。
func Reason(err error) string {
	var fnErr *Error
	if errors.As(err, &fnErr) {
		return fnErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "タイムアウトしました"
	}
	return err.Error()
}

// Client はサーバーレスファンクションのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string // {BAAS_URL}/functions/v1
	anonKey    string
}

// NewClient はClientを生成する。
// ベースURLまたは匿名キーが空の場合はCONFIGURATION_ERRORを返す。
func NewClient(httpClient *http.Client, logger *slog.Logger, mc metrics.MetricsCollector, baseURL, anonKey string) (*Client, error) {
	var missing []string
	if baseURL == "" {
		missing = append(missing, "BAAS_URL")
	}
	if anonKey == "" {
		missing = append(missing, "BAAS_ANON_KEY")
	}
	if len(missing) > 0 {
		return nil, model.NewConfigurationError(missing...)
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    mc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
	}, nil
}

// call はファンクションを1回だけ呼び出す。リトライは行わない。
// bodyがnilの場合はリクエストボディを送らない。outがnilの場合はレスポンスを読み捨てる。
func (c *Client) call(ctx context.Context, function, method, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+function, reader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordFunctionCall(function, 0, time.Since(start))
		c.logger.Warn("ファンクションの呼び出しに失敗しました",
			slog.String("function", function),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("function %s request failed: %w", function, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordFunctionCall(function, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("ファンクションがエラーステータスを返しました",
			slog.String("function", function),
			slog.Int("http_status", resp.StatusCode),
		)
		return &Error{
			Function:   function,
			StatusCode: resp.StatusCode,
			Message:    serverMessage(data, resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("function %s: レスポンスJSONのパースに失敗しました: %w", function, err)
	}
	return nil
}

// serverMessage はエラーレスポンスのerrorまたはmessageフィールドを取り出す。
// どちらもなければステータスに応じた汎用メッセージを返す。
func serverMessage(data []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("リクエストに失敗しました（HTTP %d）", status)
}

// Me はアクセストークンの所有者が管理者かどうかを問い合わせる。
// isAdminフィールドが欠けたレスポンスは不正な応答としてエラーにする。
func (c *Client) Me(ctx context.Context, accessToken string) (bool, error) {
	var resp struct {
		IsAdmin *bool `json:"isAdmin"`
	}
	if err := c.call(ctx, FunctionMe, http.MethodGet, accessToken, nil, &resp); err != nil {
		return false, err
	}
	if resp.IsAdmin == nil {
		return false, fmt.Errorf("function %s: isAdmin field is missing", FunctionMe)
	}
	return *resp.IsAdmin, nil
}

// sessionResponse はセッションを返すファンクションのレスポンス。
type sessionResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	User         model.AuthUser `json:"user"`
}

func (r *sessionResponse) toSession(now time.Time) *model.Session {
	s := &model.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		User:         r.User,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	return s
}

// Impersonate は管理者のアクセストークンで対象ユーザーのセッションを発行させる。
func (c *Client) Impersonate(ctx context.Context, adminAccessToken, targetUserID string) (*model.Session, error) {
	req := struct {
		TargetUserID string `json:"targetUserId"`
	}{TargetUserID: targetUserID}

	var resp sessionResponse
	if err := c.call(ctx, FunctionImpersonate, http.MethodPost, adminAccessToken, req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("function %s: response has no session", FunctionImpersonate)
	}
	return resp.toSession(time.Now()), nil
}

// ListUsers は全ユーザーの一覧を取得する（管理者専用）。
func (c *Client) ListUsers(ctx context.Context, accessToken string) ([]model.ListedUser, error) {
	var resp struct {
		Users []model.ListedUser `json:"users"`
	}
	if err := c.call(ctx, FunctionListUsers, http.MethodGet, accessToken, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Users == nil {
		return []model.ListedUser{}, nil
	}
	return resp.Users, nil
}

// SubmitContact は問い合わせフォームの内容を送信する。
// 未ログインの訪問者も使うため匿名キーで認証する。
func (c *Client) SubmitContact(ctx context.Context, sub model.ContactSubmission) error {
	return c.call(ctx, FunctionContactSubmit, http.MethodPost, c.anonKey, sub, nil)
}

// AnalyzeConversation は会話のAI分析を実行し、結果をそのまま返す。
// 感情区分の表記揺れや範囲外の関心度は呼び出し側で正規化する。
func (c *Client) AnalyzeConversation(ctx context.Context, serviceToken, conversationID string) (*model.ConversationInsight, error) {
	req := struct {
		ConversationID string `json:"conversationId"`
	}{ConversationID: conversationID}

	var insight model.ConversationInsight
	if err := c.call(ctx, FunctionAnalyzeConversation, http.MethodPost, serviceToken, req, &insight); err != nil {
		return nil, err
	}
	return &insight, nil
}
