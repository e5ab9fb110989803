// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/widgetdash/internal/identity"
	"github.com/hitoshi/widgetdash/internal/model"
)

// SessionCookieName はブラウザセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// sessionIDLength はセッションIDの長さ（32バイトの16進表現）。
const sessionIDLength = 64

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey    = contextKey("user_id")
	sessionIDContextKey = contextKey("session_id")
	managerContextKey   = contextKey("identity_manager")
)

// ManagerSource はブラウザセッションIDに対応するManagerを返す。
// identity.Registryが満たす。
type ManagerSource interface {
	Get(ctx context.Context, sessionID string) (*identity.Manager, error)
	Remove(sessionID string)
}

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewIdentityMiddleware はセッションCookieからManagerを解決し、コンテキストに注入するミドルウェアを返す。
// Cookieがない、または形式が不正な場合は新しいセッションIDを発行する。
// サインインしていなくても通過させる。サインインを必須とするルートはRequireSignedInを併用する。
func NewIdentityMiddleware(source ManagerSource, config SessionCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := ""
			if cookie, err := r.Cookie(SessionCookieName); err == nil && validSessionID(cookie.Value) {
				sessionID = cookie.Value
			}

			if sessionID == "" {
				id, err := generateSessionID()
				if err != nil {
					slog.Error("failed to generate session id", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				sessionID = id
				setSessionCookie(w, sessionID, config)
			}

			manager, err := source.Get(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to resolve identity manager",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			ctx := ContextWithManager(r.Context(), sessionID, manager)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionRotator はサインインに成功したブラウザに新しいセッションIDを発行し直す。
// サインイン前のIDを知っている第三者が、サインイン後のセッションを使えないようにする。
type SessionRotator struct {
	source ManagerSource
	config SessionCookieConfig
}

// NewSessionRotator はSessionRotatorを生成する。
func NewSessionRotator(source ManagerSource, config SessionCookieConfig) *SessionRotator {
	return &SessionRotator{source: source, config: config}
}

// Rotate は新しいセッションIDのManagerでsignInを実行する。
// サインイン状態になった場合に限り新しいIDのCookieを発行し、古いIDのManagerをサインアウトさせて破棄する。
// signInが失敗した場合やサインイン状態にならなかった場合は新しいManagerを破棄し、古いCookieはそのまま残す。
// 現在のセッションがなりすまし中であればsignInを実行せずNOT_AUTHORIZEDを返す。
func (s *SessionRotator) Rotate(w http.ResponseWriter, r *http.Request, signIn func(ctx context.Context, m *identity.Manager) error) (*identity.Manager, error) {
	ctx := r.Context()
	old, hasOld := ManagerFromContext(ctx)
	oldID := SessionIDFromContext(ctx)
	if hasOld {
		if err := old.EnsureNotImpersonating(); err != nil {
			return nil, err
		}
	}

	newID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	m, err := s.source.Get(ctx, newID)
	if err != nil {
		return nil, err
	}

	if err := signIn(ctx, m); err != nil {
		s.source.Remove(newID)
		return nil, err
	}
	if m.CurrentIdentity() == nil {
		// メール確認待ちの登録などはセッションが発行されない
		s.source.Remove(newID)
		return m, nil
	}

	setSessionCookie(w, newID, s.config)
	if hasOld && oldID != "" && oldID != newID {
		if old.State() != identity.StateSignedOut {
			old.SignOut(ctx)
		}
		s.source.Remove(oldID)
	}
	return m, nil
}

// RequireSignedIn はサインインしていないリクエストを401で拒否するミドルウェアを返す。
// 通過したリクエストには実効ユーザーID（なりすまし中は対象ユーザー）を注入する。
func RequireSignedIn() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			manager, ok := ManagerFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			ident := manager.CurrentIdentity()
			if ident == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := ContextWithUserID(r.Context(), ident.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin は管理者以外を403で拒否するミドルウェアを返す。
// なりすまし中は管理者フラグがfalseになるため、ここで拒否される。
func RequireAdmin() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			manager, ok := ManagerFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			ident := manager.CurrentIdentity()
			if ident == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !ident.IsAdmin {
				slog.Warn("admin route rejected",
					slog.String("user_id", ident.UserID),
					slog.String("path", r.URL.Path),
					slog.Bool("impersonating", manager.IsImpersonating()),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewNotAuthorizedError("管理者のみ実行できます"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContextWithManager はコンテキストにセッションIDとManagerを注入する。
func ContextWithManager(ctx context.Context, sessionID string, manager *identity.Manager) context.Context {
	ctx = context.WithValue(ctx, sessionIDContextKey, sessionID)
	return context.WithValue(ctx, managerContextKey, manager)
}

// ManagerFromContext はリクエストコンテキストからManagerを取得する。
func ManagerFromContext(ctx context.Context) (*identity.Manager, bool) {
	m, ok := ctx.Value(managerContextKey).(*identity.Manager)
	return m, ok && m != nil
}

// SessionIDFromContext はリクエストコンテキストからブラウザセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDContextKey).(string)
	return id
}

// UserIDFromContext はリクエストコンテキストから実効ユーザーIDを取得する。
// RequireSignedInを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func setSessionCookie(w http.ResponseWriter, sessionID string, config SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func validSessionID(s string) bool {
	if len(s) != sessionIDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func generateSessionID() (string, error) {
	b := make([]byte, sessionIDLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
