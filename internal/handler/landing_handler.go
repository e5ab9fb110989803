package handler

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

var landingTemplate = template.Must(template.ParseFS(templateFS, "templates/landing.html"))

const productName = "Widget Dashboard"

// landingView はランディングページのテンプレートに渡す値。
type landingView struct {
	ProductName    string
	DashboardURL   string
	User           *model.Identity
	ImpersonatedBy *model.Identity
}

// LandingHandler はマーケティング用のランディングページを返す。
type LandingHandler struct {
	dashboardURL string
	logger       *slog.Logger
}

// NewLandingHandler はLandingHandlerを生成する。dashboardURLはサインイン後の遷移先。
func NewLandingHandler(dashboardURL string, logger *slog.Logger) *LandingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LandingHandler{dashboardURL: dashboardURL, logger: logger}
}

// ServeHTTP はランディングページを描画する。
// GET /
func (h *LandingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	view := landingView{ProductName: productName, DashboardURL: h.dashboardURL}
	if m, ok := middleware.ManagerFromContext(r.Context()); ok {
		view.User = m.CurrentIdentity()
		view.ImpersonatedBy = m.ImpersonatingAdmin()
	}

	var buf bytes.Buffer
	if err := landingTemplate.Execute(&buf, view); err != nil {
		h.logger.Error("failed to render landing page", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Pinger はヘルスチェックで疎通を確認する依存先。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はロードバランサーとDockerヘルスチェック向けの疎通確認を返す。
// GET /health
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
