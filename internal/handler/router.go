package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	// Gatherer がnilの場合は/metricsを公開しない
	Gatherer      prometheus.Gatherer
	HealthChecker Pinger

	// ミドルウェア依存
	Managers          middleware.ManagerSource
	SessionCookie     middleware.SessionCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	HSTS              bool
	RateLimiter       *middleware.RateLimiter

	// ランディングページからの遷移先
	DashboardURL string

	Dashboard DashboardService
	Revenue   RevenueReporter
	Insights  InsightsReporter
	Users     UserLister
	Contact   ContactSubmitter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → RealIP → SecurityHeaders → CORS → Identity → Logging
//	  /api:       RequireSignedIn → RateLimit(General) → CSRF
//	  /api/admin（refresh以外）: RequireAdmin
//
// Loggingはユーザーを記録するためIdentityの内側に置く。/healthと/metricsはセッションを発行しない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(middleware.NewSessionRotator(deps.Managers, deps.SessionCookie), logger)
	adminHandler := NewAdminHandler(deps.Users, logger)
	dashboardHandler := NewDashboardHandler(deps.Dashboard)
	reportHandler := NewReportHandler(deps.Revenue, deps.Insights)
	contactHandler := NewContactHandler(deps.Contact, logger)
	landingHandler := NewLandingHandler(deps.DashboardURL, logger)
	csrf := middleware.NewCSRFMiddleware(deps.CSRF)

	// --- セッションを持たないルート ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.Managers, deps.SessionCookie))
		r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))

		// --- 公開ルート ---
		r.Get("/", landingHandler.ServeHTTP)
		r.With(deps.RateLimiter.ContactMiddleware()).Post("/contact", contactHandler.Submit)

		r.Route("/auth", func(r chi.Router) {
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

			// サインイン前はCSRFトークンを持たないため、IP単位のレート制限で保護する
			r.With(deps.RateLimiter.SignInMiddleware()).Post("/sign-in", authHandler.SignIn)
			r.With(deps.RateLimiter.SignInMiddleware()).Post("/sign-up", authHandler.SignUp)

			r.With(csrf).Post("/sign-out", authHandler.SignOut)
			r.Get("/me", authHandler.Me)
			r.Get("/session", authHandler.Session)
		})

		// --- サインインが必要なルート ---
		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.RequireSignedIn())
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(csrf)

			r.Get("/accounts", dashboardHandler.ListAccounts)
			r.Get("/projects", dashboardHandler.ListProjects)
			r.Get("/articles", dashboardHandler.ListArticles)
			r.With(deps.RateLimiter.ImportMiddleware()).Post("/projects/{id}/articles/import", dashboardHandler.ImportArticles)
			r.Get("/conversations", dashboardHandler.ListConversations)

			r.Get("/insights", reportHandler.Insights)
			r.Get("/reports/revenue", reportHandler.Revenue)

			// なりすまし中の実効IDは管理者ではないため、終了は管理者ゲートの外に置く
			r.Delete("/impersonation", adminHandler.StopImpersonation)

			r.Route("/admin", func(r chi.Router) {
				// 確認がタイムアウトした管理者も再確認できるようにゲートの外に置く
				r.Post("/refresh", adminHandler.RefreshAdminStatus)

				// --- 管理者のみ ---
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireAdmin())

					r.Get("/users", adminHandler.ListUsers)
					r.Post("/impersonation", adminHandler.StartImpersonation)
				})
			})
		})
	})

	return r
}
