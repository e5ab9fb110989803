// Package model はドメインモデルを定義する。
package model

import "time"

// AuthUser は認証プロバイダーが返すユーザー情報を表す。
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session は認証プロバイダーが発行する更新可能なクレデンシャルの組を表す。
// 内容は不透明として扱い、保存と復元は常にそのままの値で行う。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         AuthUser  `json:"user"`
}

// UserID はセッションを所有するユーザーのIDを返す。
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired はアクセストークンの有効期限が切れているかを判定する。
// ExpiresAtが未設定の場合は期限切れとみなさない。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Identity はUIが現在どのユーザーとして操作しているかを表す。
type Identity struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

// ImpersonationState は管理者による他ユーザー偽装の状態を表す。
// 静止状態では Active、SavedAdminSession、ImpersonatedIdentity の有無は常に一致する。
type ImpersonationState struct {
	Active               bool
	SavedAdminSession    *Session
	ImpersonatedIdentity *Identity
}

// ImpersonationRecord はプロセス再起動をまたいで偽装状態を復元するための永続化レコード。
type ImpersonationRecord struct {
	AdminSession Session
	Admin        Identity
	Target       Identity
	StartedAt    time.Time
}

// ListedUser はユーザー一覧エンドポイントが返す1件分のユーザー情報。
type ListedUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSignInAt *time.Time `json:"last_sign_in_at"`
}
