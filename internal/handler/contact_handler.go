package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

// ContactSubmitter は問い合わせの送信先。
type ContactSubmitter interface {
	SubmitContact(ctx context.Context, sub model.ContactSubmission) error
}

// ContactHandler はマーケティングサイトの問い合わせフォームを受け付ける。
type ContactHandler struct {
	submitter ContactSubmitter
	logger    *slog.Logger
}

// NewContactHandler はContactHandlerを生成する。
func NewContactHandler(submitter ContactSubmitter, logger *slog.Logger) *ContactHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactHandler{submitter: submitter, logger: logger}
}

type contactRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Company string `json:"company" validate:"max=200"`
	Message string `json:"message" validate:"required,max=5000"`
}

// Submit は問い合わせを送信する。送信は匿名キーで行う。
// POST /contact
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	sub := model.ContactSubmission{
		Name:    strings.TrimSpace(req.Name),
		Email:   strings.TrimSpace(req.Email),
		Company: strings.TrimSpace(req.Company),
		Message: strings.TrimSpace(req.Message),
	}
	if sub.Name == "" || sub.Message == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("お名前とお問い合わせ内容を入力してください"))
		return
	}

	if err := h.submitter.SubmitContact(r.Context(), sub); err != nil {
		h.logger.Warn("failed to submit contact", slog.String("error", err.Error()))
		middleware.WriteError(w, r, model.NewFunctionFailedError(functions.FunctionContactSubmit, functions.Reason(err)))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
