package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

// UserLister は管理者向けユーザー一覧の取得元。
type UserLister interface {
	ListUsers(ctx context.Context, accessToken string) ([]model.ListedUser, error)
}

// AdminHandler は管理者向けの操作（ユーザー一覧、なりすましの開始と終了、管理者確認のやり直し）を扱う。
type AdminHandler struct {
	users  UserLister
	logger *slog.Logger
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(users UserLister, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{users: users, logger: logger}
}

type startImpersonationRequest struct {
	TargetUserID string `json:"targetUserId" validate:"required,max=64"`
}

type listUsersResponse struct {
	Users []model.ListedUser `json:"users"`
}

// ListUsers は全ユーザーの一覧を返す。
// GET /api/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}

	token, ok := accessTokenFrom(w, r, m)
	if !ok {
		return
	}

	users, err := h.users.ListUsers(r.Context(), token)
	if err != nil {
		h.logger.Warn("failed to list users", slog.String("error", err.Error()))
		middleware.WriteError(w, r, model.NewFunctionFailedError(functions.FunctionListUsers, functions.Reason(err)))
		return
	}
	writeJSON(w, http.StatusOK, listUsersResponse{Users: users})
}

// StartImpersonation は対象ユーザーへのなりすましを開始する。
// POST /api/admin/impersonation
func (h *AdminHandler) StartImpersonation(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}

	var req startImpersonationRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if ident := m.CurrentIdentity(); ident != nil && ident.UserID == req.TargetUserID {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("自分自身にはなりすませません"))
		return
	}

	if err := m.StartImpersonation(r.Context(), req.TargetUserID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(m))
}

// StopImpersonation はなりすましを終了して管理者に戻る。
// なりすまし中の実効IDは管理者ではないため、管理者ゲートの外に置く。
// なりすまし中でなければ何もせず現在の状態を返す。
// DELETE /api/impersonation
func (h *AdminHandler) StopImpersonation(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	if err := m.StopImpersonation(r.Context()); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(m))
}

// RefreshAdminStatus は管理者確認をやり直し、結果を含む状態を返す。
// サインイン中であれば管理者でなくても呼び出せる。
// POST /api/admin/refresh
func (h *AdminHandler) RefreshAdminStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := managerFrom(w, r)
	if !ok {
		return
	}
	m.RefreshAdminStatus(r.Context())
	writeJSON(w, http.StatusOK, stateOf(m))
}
