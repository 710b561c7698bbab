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

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/config"
	"github.com/hitoshi/karmahub/internal/database"
	"github.com/hitoshi/karmahub/internal/guard"
	"github.com/hitoshi/karmahub/internal/handler"
	"github.com/hitoshi/karmahub/internal/identity"
	"github.com/hitoshi/karmahub/internal/job"
	"github.com/hitoshi/karmahub/internal/logger"
	"github.com/hitoshi/karmahub/internal/metrics"
	"github.com/hitoshi/karmahub/internal/middleware"
	"github.com/hitoshi/karmahub/internal/ratelimit"
	"github.com/hitoshi/karmahub/internal/repository"
	"github.com/hitoshi/karmahub/internal/security"
	"github.com/hitoshi/karmahub/internal/session"
	"github.com/hitoshi/karmahub/internal/validation"
	"github.com/hitoshi/karmahub/internal/worker/cleanup"
)

// engineCleanupInterval は未使用Engineの破棄を確認する間隔。
const engineCleanupInterval = time.Minute

// Init はアプリケーションの初期化を行う。
// 環境変数（および.env）からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み中の警告も同じ出力先に出す
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
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
			port = "8080"
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
		slog.String("auth_preset", cfg.AuthPreset),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	authCfg, err := cfg.AuthConfig()
	if err != nil {
		return fmt.Errorf("invalid auth configuration: %w", err)
	}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	activityRepo := repository.NewPostgresActivityLogRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	gamificationRepo := repository.NewPostgresGamificationRepo(db)

	// 3. トークン保存先（REDIS_URL指定時はRedis、未指定時はプロセス内メモリ）
	storage, closeStorage, err := newStorageFactory(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 5. Auth Policy Engine（ブラウザセッションごとに1つ）
	limiter := ratelimit.New()
	defer limiter.Stop()

	schema := validation.NewSchemaValidator()
	providerClient := &http.Client{Timeout: cfg.ProviderTimeout}

	factory := newEngineFactory(authCfg, engineDeps{
		httpClient:   providerClient,
		providerURL:  cfg.AuthProviderURL,
		anonKey:      cfg.AuthProviderAnonKey,
		storage:      storage,
		limiter:      limiter,
		schema:       schema,
		profiles:     profileRepo,
		gamification: gamificationRepo,
		activity:     activityRepo,
		metrics:      collector,
	})

	engines := session.NewRegistry(factory, engineCleanupInterval,
		session.WithIdleTTL(cfg.EngineIdleTTL),
		session.WithSizeObserver(collector.SetActiveEngines),
	)
	defer engines.Stop()

	cookies := session.NewCookieManager([]byte(cfg.SessionSecret), session.CookieOptions{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.SessionMaxAge,
	})

	// 6. Route Guard
	routeGuard := guard.New(guard.NewPolicy(authCfg), guard.WithRecorder(collector))

	// 7. ドメインサービス
	jobService := job.NewService(jobRepo, activityRepo, schema, security.NewDisplaySanitizer())

	// 8. ルーターの構築
	ipLimiter := middleware.NewRateLimiter(middleware.AuthRateLimiterConfig(cfg.RateLimitAuthIP))
	defer ipLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Cookies:           cookies,
		Registry:          engines,
		RateLimiter:       ipLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		HSTS:       cfg.CookieSecure,
		TrustProxy: cfg.TrustProxy,
		Logger:     slog.Default(),

		Guard: routeGuard,

		JobService: jobService,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// engineDeps はEngine生成に共通する依存関係。
type engineDeps struct {
	httpClient   *http.Client
	providerURL  string
	anonKey      string
	storage      identity.StorageFactory
	limiter      auth.AttemptLimiter
	schema       *validation.SchemaValidator
	profiles     repository.ProfileRepository
	gamification repository.GamificationRepository
	activity     repository.ActivityLogRepository
	metrics      auth.MetricsRecorder
}

// newEngineFactory はセッションIDごとにIdentity ProviderクライアントとEngineを組み立てるFactoryを返す。
// レート制限のカウンタは全セッションで共有する。
func newEngineFactory(cfg auth.Config, d engineDeps) session.Factory {
	hooks := []auth.Hook{
		auth.ProfileSyncHook(d.profiles, time.Now),
		auth.StreakHook(d.gamification),
		auth.ActivityLogHook(d.activity, time.Now),
	}

	return func(sid string) *auth.Engine {
		log := slog.Default().With(slog.String("component", "auth"))
		provider := identity.NewGoTrueClient(d.httpClient, identity.GoTrueConfig{
			BaseURL: d.providerURL,
			AnonKey: d.anonKey,
		}, d.storage.For(sid), log)

		return auth.NewEngine(cfg, auth.Deps{
			Provider:     provider,
			Limiter:      d.limiter,
			Schema:       d.schema,
			Profiles:     d.profiles,
			Gamification: d.gamification,
			Hooks:        hooks,
			Metrics:      d.metrics,
			Logger:       log,
		})
	}
}

// newStorageFactory はトークンの保存先を生成する。戻り値の関数で接続を閉じる。
func newStorageFactory(ctx context.Context, cfg *config.Config) (identity.StorageFactory, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set, auth sessions are kept in process memory")
		return identity.NewMemoryStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := identity.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established")

	return identity.NewRedisStore(client, cfg.SessionMaxAge), func() { client.Close() }, nil
}

// runWorker はワーカーモードで起動する。
// 保持期間を超過した監査ログを日次で削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(repository.NewPostgresActivityLogRepo(db), slog.Default())
	cleanupJob.RetentionDays = cfg.LogRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	// ブロッキング
	cleanupJob.Schedule(ctx, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
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
