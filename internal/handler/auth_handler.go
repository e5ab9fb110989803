package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/widgetdash/internal/cache"
	"github.com/hitoshi/widgetdash/internal/identity"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

// AuthHandler はサインイン・登録・サインアウトとID状態の参照を扱うHTTPハンドラー。
// 処理はすべてブラウザセッションのManagerに委譲する。
type AuthHandler struct {
	rotator *middleware.SessionRotator // nilの場合はセッションIDを切り替えない
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(rotator *middleware.SessionRotator, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{rotator: rotator, logger: logger}
}

// withFreshSession はサインイン処理を新しいセッションIDのManagerで実行する。
func (h *AuthHandler) withFreshSession(w http.ResponseWriter, r *http.Request, signIn func(ctx context.Context, m *identity.Manager) error) (*identity.Manager, error) {
	if h.rotator != nil {
		return h.rotator.Rotate(w, r, signIn)
	}
	m, ok := middleware.ManagerFromContext(r.Context())
	if !ok {
		return nil, errors.New("identity manager not found in context")
	}
	return m, signIn(r.Context(), m)
}

// credentialsRequest はサインイン・登録リクエストのボディ。
type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// signUpResponse は登録レスポンス。メール確認が必要な場合はStateを含まない。
type signUpResponse struct {
	ConfirmationRequired bool                  `json:"confirmationRequired"`
	Session              *sessionStateResponse `json:"session,omitempty"`
}

// advisoryResponse はキャッシュされた表示用スナップショットのレスポンス。
type advisoryResponse struct {
	Session *cache.Snapshot `json:"session"`
}

// SignIn はメールアドレスとパスワードでサインインする。成功するとセッションIDが切り替わる。
// POST /auth/sign-in
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	var ident *model.Identity
	m, err := h.withFreshSession(w, r, func(ctx context.Context, m *identity.Manager) error {
		var err error
		ident, err = m.SignIn(ctx, req.Email, req.Password)
		return err
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if ident != nil {
		h.logger.Info("user signed in",
			slog.String("user_id", ident.UserID),
			slog.Bool("is_admin", ident.IsAdmin),
		)
	}

	writeJSON(w, http.StatusOK, stateOf(m))
}

// SignUp はアカウントを登録する。
// メール確認が必要な構成では202を返し、サインイン状態にもならずセッションIDも変わらない。
// POST /auth/sign-up
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	var ident *model.Identity
	m, err := h.withFreshSession(w, r, func(ctx context.Context, m *identity.Manager) error {
		var err error
		ident, err = m.SignUp(ctx, req.Email, req.Password)
		return err
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if ident == nil {
		writeJSON(w, http.StatusAccepted, signUpResponse{ConfirmationRequired: true})
		return
	}

	state := stateOf(m)
	writeJSON(w, http.StatusCreated, signUpResponse{Session: &state})
}

// SignOut はサインアウトする。なりすまし中であれば退避していた管理者セッションも破棄される。
// POST /auth/sign-out
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	m.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のIDとなりすまし状態を返す。サインインしていなければ401。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	if m.CurrentIdentity() == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, stateOf(m))
}

// Session はキャッシュされた表示用スナップショットを返す。
// 画面の初期描画のためのもので、アクセス制御には使わない。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	snap, err := m.AdvisorySnapshot(r.Context())
	if err != nil {
		// キャッシュが読めなくても画面はサインアウト表示で続行できる
		h.logger.Warn("failed to read auth_session snapshot", slog.String("error", err.Error()))
		snap = nil
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, advisoryResponse{Session: snap})
}
