package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/widgetdash/internal/authclient"
	"github.com/hitoshi/widgetdash/internal/cache"
	"github.com/hitoshi/widgetdash/internal/config"
	"github.com/hitoshi/widgetdash/internal/dashboard"
	"github.com/hitoshi/widgetdash/internal/database"
	"github.com/hitoshi/widgetdash/internal/feed"
	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/handler"
	"github.com/hitoshi/widgetdash/internal/identity"
	"github.com/hitoshi/widgetdash/internal/insight"
	"github.com/hitoshi/widgetdash/internal/logger"
	"github.com/hitoshi/widgetdash/internal/metrics"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/report"
	"github.com/hitoshi/widgetdash/internal/repository"
	"github.com/hitoshi/widgetdash/internal/security"
	"github.com/hitoshi/widgetdash/internal/worker/cleanup"
)

const (
	dbConnectTimeout       = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	sessionCleanupEvery    = time.Hour
	defaultHealthcheckPort = "8080"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前でもログを出せるようにしておく
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = defaultHealthcheckPort
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		var rest []string
		if len(args) > 1 {
			rest = args[1:]
		}
		return runMigrate(cfg, rest)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	db, err := database.Connect(context.Background(), cfg.DatabaseURL, database.DefaultPoolConfig(), dbConnectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established")

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(reg)

	// 2. 参考スナップショットの保存先
	sessionTTL := time.Duration(cfg.SessionMaxAge) * time.Second
	var snapshots cache.SnapshotStore
	if cfg.RedisURL != "" {
		client, err := cache.OpenRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		snapshots = cache.NewRedisStore(client, sessionTTL)
		log.Info("session snapshots stored in redis")
	} else {
		snapshots = cache.NewMemoryStore(sessionTTL)
	}

	// 3. BaaSクライアント
	baasHTTP := &http.Client{Timeout: cfg.FunctionTimeout}
	fn, err := functions.NewClient(baasHTTP, log, mc, cfg.FunctionsBaseURL(), cfg.BaaSAnonKey)
	if err != nil {
		return fmt.Errorf("failed to create functions client: %w", err)
	}

	// 4. リポジトリ
	sessionRepo := repository.NewPostgresSessionRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	articleRepo := repository.NewPostgresArticleRepo(db)
	conversationRepo := repository.NewPostgresConversationRepo(db)

	// 5. ブラウザセッションごとのID管理
	registry := identity.NewRegistry(func(sessionID string) (*identity.Manager, error) {
		auth, err := authclient.NewClient(baasHTTP, log, cfg.AuthBaseURL(), cfg.BaaSAnonKey,
			authclient.BindStore(sessionRepo, sessionID))
		if err != nil {
			return nil, err
		}
		return identity.NewManager(identity.ManagerDeps{
			SessionID:      sessionID,
			Auth:           auth,
			Functions:      fn,
			Snapshots:      snapshots,
			Impersonations: sessionRepo,
			Metrics:        mc,
			Logger:         log,
		}, identity.ManagerConfig{
			AdminCheckTimeout: cfg.AdminCheckTimeout,
			SignOutTimeout:    cfg.SignOutTimeout,
		}), nil
	}, cfg.ManagerIdleTTL, mc, log)
	defer registry.Stop()

	// 6. ドメインサービス
	source := feed.NewSource(security.NewGuard(), cfg.FetchTimeout, cfg.FetchMaxSize)
	dashboardService := dashboard.NewService(
		accountRepo, articleRepo, conversationRepo,
		source, security.NewSanitizer(), mc, log,
	)
	revenueService := report.NewRevenueService(fn, dashboardService)
	insightsService := report.NewInsightsService(conversationRepo, dashboardService)

	// 7. レート制限（設定はreq/min単位）
	rlConfig := middleware.DefaultRateLimiterConfig()
	rlConfig.GeneralRate = middleware.PerMinute(cfg.RateLimitGeneral)
	rlConfig.GeneralBurst = cfg.RateLimitGeneral
	rlConfig.SignInRate = middleware.PerMinute(cfg.RateLimitSignIn)
	rlConfig.SignInBurst = cfg.RateLimitSignIn
	rlConfig.ContactRate = middleware.PerMinute(cfg.RateLimitContact)
	rlConfig.ContactBurst = cfg.RateLimitContact
	rateLimiter := middleware.NewRateLimiter(rlConfig)
	defer rateLimiter.Stop()

	// 8. ルーター
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        log,
		Metrics:       mc,
		Gatherer:      reg,
		HealthChecker: db,

		Managers: registry,
		SessionCookie: middleware.SessionCookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              cfg.CookieSecure,
		RateLimiter:       rateLimiter,

		DashboardURL: cfg.CORSAllowedOrigin,

		Dashboard: dashboardService,
		Revenue:   revenueService,
		Insights:  insightsService,
		Users:     fn,
		Contact:   fn,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// 記事取り込みはフィード取得を待つため長めにとる
		WriteTimeout: cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	log.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 会話分析バッチとセッションクリーンアップを実行し、シグナルを受信すると停止する。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	if cfg.BaaSServiceKey == "" {
		return fmt.Errorf("BAAS_SERVICE_KEY is required for worker mode")
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL, database.DefaultPoolConfig(), dbConnectTimeout)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connection established (worker)")

	fn, err := functions.NewClient(&http.Client{Timeout: cfg.FunctionTimeout}, log, nil, cfg.FunctionsBaseURL(), cfg.BaaSAnonKey)
	if err != nil {
		return fmt.Errorf("failed to create functions client: %w", err)
	}

	conversationRepo := repository.NewPostgresConversationRepo(db)
	analysis := insight.NewJob(conversationRepo, fn, nil, log, insight.Config{
		BatchInterval:    cfg.AnalysisBatchInterval,
		APIInterval:      cfg.AnalysisAPIInterval,
		MaxCallsPerCycle: cfg.AnalysisMaxCallsPerCycle,
		ServiceToken:     cfg.BaaSServiceKey,
	})
	sessionCleanup := cleanup.NewSessionCleanupJob(db, log, time.Duration(cfg.SessionMaxAge)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down worker...")
		cancel()
	}()

	log.Info("worker starting",
		slog.Duration("analysis_interval", cfg.AnalysisBatchInterval),
		slog.Int("analysis_max_calls", cfg.AnalysisMaxCallsPerCycle),
	)

	go func() {
		// 起動直後に1回実行
		if err := sessionCleanup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("session cleanup failed", slog.String("error", err.Error()))
		}
		sessionCleanup.Start(ctx, sessionCleanupEvery)
	}()

	// 分析バッチをメインgoroutineで実行（ブロッキング）
	analysis.Start(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// migrate [up] / migrate down [n] / migrate version
func runMigrate(cfg *config.Config, args []string) error {
	opts, err := ParseMigrateArgs(args)
	if err != nil {
		return err
	}

	log := slog.Default().With(slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)))

	switch opts.Action {
	case MigrateDown:
		log.Info("rolling back database migrations", slog.Int("steps", opts.Steps))
		if err := database.RollbackMigrations(cfg.DatabaseURL, opts.Steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		log.Info("current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil
	default:
		log.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
