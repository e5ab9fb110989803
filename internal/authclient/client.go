// Package authclient はBaaSの認証APIクライアントを提供する。
// ブラウザセッションごとに1つのアクティブなクレデンシャルを保持し、
// 変更があるたびに登録済みリスナーへ認証状態イベントを通知する。
package authclient

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
	"sync"
	"time"

	"github.com/hitoshi/widgetdash/internal/model"
)

// Event は認証状態の変化の種類。
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener は認証状態の変化を受け取るコールバック。
// SIGNED_OUTの場合sessionはnil。
type Listener func(ctx context.Context, event Event, session *model.Session)

// SessionStore はアクティブなクレデンシャルの永続化先。
// 1つのブラウザセッションに束縛されている。
type SessionStore interface {
	Load(ctx context.Context) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	Clear(ctx context.Context) error
}

// AuthClient はID管理から利用する認証クライアントのインターフェース。
type AuthClient interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string) (*model.Session, error)
	GetSession(ctx context.Context) (*model.Session, error)
	GetUser(ctx context.Context) (*model.AuthUser, error)
	SetSession(ctx context.Context, session model.Session) error
	SwapSession(ctx context.Context, expectedAccessToken string, next model.Session) error
	SignOut(ctx context.Context) error
	Revoke(ctx context.Context, accessToken string) error
	CurrentSession() *model.Session
	OnAuthStateChange(listener Listener) func()
}

// ErrSessionChanged はSwapSessionの時点でアクティブなセッションが想定と異なっていたことを表す。
var ErrSessionChanged = errors.New("active session changed")

const (
	maxResponseSize = 1 << 20
	userAgent       = "Widgetdash/1.0"
)

// Error は認証APIが2xx以外を返した場合のエラー。
type Error struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("auth API returned status %d: %s", e.StatusCode, e.Message)
}

// Client はBaaS認証APIのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // {BAAS_URL}/auth/v1
	anonKey    string
	store      SessionStore
	now        func() time.Time // テスト用に差し替え可能

	// writeMu はメモリ上のセッションと永続化先の更新順序を揃える。
	// リモート呼び出しの間は保持しない。
	writeMu sync.Mutex

	mu        sync.Mutex
	current   *model.Session
	listeners map[int]Listener
	order     []int
	nextID    int
}

// NewClient はClientを生成する。
// ベースURLまたは匿名キーが空の場合はCONFIGURATION_ERRORを返す。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, anonKey string, store SessionStore) (*Client, error) {
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
	if store == nil {
		store = NewMemoryStore()
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		anonKey:    anonKey,
		store:      store,
		now:        time.Now,
		listeners:  make(map[int]Listener),
	}, nil
}

// tokenResponse はトークン発行系エンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	User         model.AuthUser `json:"user"`
}

func (r *tokenResponse) toSession(now time.Time) *model.Session {
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

// do は認証APIを1回呼び出す。bearerが空の場合は匿名キーで認証する。
func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Message: serverMessage(data, resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// serverMessage は認証APIのエラーレスポンスからメッセージを取り出す。
func serverMessage(data []byte, status int) string {
	var body struct {
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		for _, m := range []string{body.ErrorDescription, body.Msg, body.Message, body.Error} {
			if m != "" {
				return m
			}
		}
	}
	return fmt.Sprintf("リクエストに失敗しました（HTTP %d）", status)
}

// SignInWithPassword はメールアドレスとパスワードでログインし、セッションを有効化する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	req := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth API returned no access token")
	}

	session := resp.toSession(c.now())
	c.install(ctx, session)
	c.emit(ctx, EventSignedIn, session)
	return copySession(session), nil
}

// SignUp はアカウントを登録する。
// メール確認が必要な設定の場合はセッションが発行されず、nilを返す。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	req := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/signup", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, nil
	}

	session := resp.toSession(c.now())
	c.install(ctx, session)
	c.emit(ctx, EventSignedIn, session)
	return copySession(session), nil
}

// GetSession はアクティブなセッションを返す。
// メモリ上になければ永続化先から復元し、期限切れであればリフレッシュトークンで更新する。
// セッションがない場合はnil, nilを返す。
// リフレッシュが4xxで拒否された場合はセッションを破棄してSIGNED_OUTを通知し、nil, nilを返す。
// それ以外のリフレッシュ失敗は一時的なものとしてセッションを残したままエラーを返す。
func (c *Client) GetSession(ctx context.Context) (*model.Session, error) {
	c.mu.Lock()
	current := copySession(c.current)
	c.mu.Unlock()

	if current == nil {
		loaded, err := c.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted session: %w", err)
		}
		if loaded == nil {
			return nil, nil
		}
		current = loaded
		c.mu.Lock()
		if c.current == nil {
			c.current = copySession(loaded)
		}
		c.mu.Unlock()
	}

	if !current.Expired(c.now()) {
		return current, nil
	}

	refreshed, err := c.refresh(ctx, current.RefreshToken)
	if err != nil {
		// 待っている間に別のリクエストが更新・入れ替えを済ませていればそちらを返す
		if active := c.CurrentSession(); active == nil || active.AccessToken != current.AccessToken {
			return active, nil
		}
		c.logger.Warn("セッションのリフレッシュに失敗しました",
			slog.String("user_id", current.UserID()),
			slog.String("error", err.Error()),
		)
		var authErr *Error
		if !errors.As(err, &authErr) || authErr.StatusCode < 400 || authErr.StatusCode >= 500 {
			return nil, fmt.Errorf("failed to refresh session: %w", err)
		}
		if c.clearLocalIf(ctx, current.AccessToken) {
			c.emit(ctx, EventSignedOut, nil)
		}
		return nil, nil
	}

	if !c.installIf(ctx, current.AccessToken, refreshed) {
		// 更新中に入れ替えられたセッションを上書きしない
		return c.CurrentSession(), nil
	}
	c.emit(ctx, EventTokenRefreshed, refreshed)
	return copySession(refreshed), nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	req := map[string]string{"refresh_token": refreshToken}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth API returned no access token")
	}
	return resp.toSession(c.now()), nil
}

// GetUser はアクティブなセッションのユーザー情報を認証APIから取得する。
func (c *Client) GetUser(ctx context.Context) (*model.AuthUser, error) {
	session := c.CurrentSession()
	if session == nil {
		return nil, fmt.Errorf("no active session")
	}
	var user model.AuthUser
	if err := c.do(ctx, http.MethodGet, "/user", session.AccessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SetSession は与えられたセッションをそのままアクティブにし、永続化してSIGNED_INを通知する。
func (c *Client) SetSession(ctx context.Context, session model.Session) error {
	if session.AccessToken == "" {
		return fmt.Errorf("session has no access token")
	}
	s := session
	c.install(ctx, &s)
	c.emit(ctx, EventSignedIn, &s)
	return nil
}

// SwapSession はアクティブなセッションのアクセストークンがexpectedAccessTokenと一致する場合に限り、
// nextをそのままアクティブにしてSIGNED_INを通知する。
// 一致しない場合（サインアウト済みを含む）は何も変更せずErrSessionChangedを返す。
func (c *Client) SwapSession(ctx context.Context, expectedAccessToken string, next model.Session) error {
	if next.AccessToken == "" {
		return fmt.Errorf("session has no access token")
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.current == nil || c.current.AccessToken != expectedAccessToken {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return ErrSessionChanged
	}
	s := next
	c.current = copySession(&s)
	c.mu.Unlock()
	c.persist(ctx, &s)
	c.writeMu.Unlock()

	c.emit(ctx, EventSignedIn, &s)
	return nil
}

// SignOut はローカルのセッションを破棄してSIGNED_OUTを通知した後、
// 認証APIにログアウトを要求する。リモートの失敗はエラーとして返すがローカル状態は戻さない。
func (c *Client) SignOut(ctx context.Context) error {
	previous := c.clearLocal(ctx)
	c.emit(ctx, EventSignedOut, nil)

	if previous == nil {
		return nil
	}
	return c.Revoke(ctx, previous.AccessToken)
}

// Revoke は指定したアクセストークンのセッションを認証API側で無効化する。
// アクティブなセッションには影響しない。
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	// scope=local は対象ユーザーの他の端末のセッションを無効化しない
	return c.do(ctx, http.MethodPost, "/logout?scope=local", accessToken, nil, nil)
}

// CurrentSession はアクティブなセッションのコピーを返す。ない場合はnil。
func (c *Client) CurrentSession() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.current)
}

// OnAuthStateChange はリスナーを登録し、登録解除用の関数を返す。
func (c *Client) OnAuthStateChange(listener Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.order = append(c.order, id)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// install はセッションをアクティブにして永続化する。
func (c *Client) install(ctx context.Context, session *model.Session) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.current = copySession(session)
	c.mu.Unlock()

	c.persist(ctx, session)
}

// installIf はアクティブなセッションのアクセストークンがexpectedAccessTokenのままである場合に限りsessionをインストールする。
func (c *Client) installIf(ctx context.Context, expectedAccessToken string, session *model.Session) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.current == nil || c.current.AccessToken != expectedAccessToken {
		c.mu.Unlock()
		return false
	}
	c.current = copySession(session)
	c.mu.Unlock()

	c.persist(ctx, session)
	return true
}

// persist はセッションを永続化する。
// 失敗はログのみとし、メモリ上のセッションは有効なまま残す。
func (c *Client) persist(ctx context.Context, session *model.Session) {
	if err := c.store.Save(ctx, session); err != nil {
		c.logger.Error("セッションの永続化に失敗しました",
			slog.String("user_id", session.UserID()),
			slog.String("error", err.Error()),
		)
	}
}

// clearLocal はアクティブなセッションと永続化されたセッションを破棄し、破棄前のセッションを返す。
func (c *Client) clearLocal(ctx context.Context) *model.Session {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("永続化されたセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return previous
}

// clearLocalIf はアクティブなセッションのアクセストークンがexpectedAccessTokenのままである場合に限り破棄する。
func (c *Client) clearLocalIf(ctx context.Context, expectedAccessToken string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.current == nil || c.current.AccessToken != expectedAccessToken {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("永続化されたセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return true
}

// emit は登録順にリスナーを同期的に呼び出す。ロックは保持しない。
func (c *Client) emit(ctx context.Context, event Event, session *model.Session) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.listeners))
	live := c.order[:0]
	for _, id := range c.order {
		if l, ok := c.listeners[id]; ok {
			listeners = append(listeners, l)
			live = append(live, id)
		}
	}
	c.order = live
	c.mu.Unlock()

	for _, l := range listeners {
		l(ctx, event, copySession(session))
	}
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// compile-time interface check
var _ AuthClient = (*Client)(nil)
