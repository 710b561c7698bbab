package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/karmahub/internal/guard"
	"github.com/hitoshi/karmahub/internal/middleware"
)

// SessionCookies はブラウザセッションCookieの発行と削除。session.CookieManagerが満たす。
type SessionCookies interface {
	middleware.SessionIDResolver
	CookieClearer
}

// SessionRegistry はセッションIDごとのEngineの取得と破棄。session.Registryが満たす。
type SessionRegistry interface {
	middleware.EngineRegistry
	SessionTerminator
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Cookies           SessionCookies
	Registry          SessionRegistry
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	HSTS              bool
	TrustProxy        bool // X-Forwarded-For等から接続元IPを解決する
	Logger            *slog.Logger

	// Route Guard
	Guard   *guard.Guard
	Engines EngineLookup // 省略時はEngineFromRequest

	// ジョブ
	JobService JobServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → CSRF → (認証系) RateLimit / (保護対象) Guard
//
// /health と /metrics はセッションを発行しない。
func NewRouter(deps *RouterDeps) http.Handler {
	engines := deps.Engines
	if engines == nil {
		engines = EngineFromRequest
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(engines, deps.Registry, deps.Cookies, deps.Guard)
	profileHandler := NewProfileHandler(engines)
	jobHandler := NewJobHandler(deps.JobService, engines)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// --- ブラウザセッション単位のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Cookies, deps.Registry))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if deps.RateLimiter != nil {
					r.Use(deps.RateLimiter.AuthMiddleware())
				}
				r.Post("/signin", authHandler.SignIn)
				r.Post("/signup", authHandler.SignUp)
				r.Post("/reset-password", authHandler.ResetPassword)
			})
			r.Post("/signout", authHandler.SignOut)
			r.Get("/state", authHandler.State)
			r.Get("/stream", authHandler.Stream)
		})

		// --- Route Guardで保護するルート ---
		r.Group(func(r chi.Router) {
			r.Use(deps.Guard.Middleware(func(req *http.Request) (guard.StateSource, bool) {
				e, ok := engines(req)
				if !ok {
					return nil, false
				}
				return e, true
			}))

			r.Route("/api/profile", func(r chi.Router) {
				r.Put("/", profileHandler.UpdateProfile)
				r.Get("/level", profileHandler.Level)
			})

			r.Route("/api/jobs", func(r chi.Router) {
				r.Get("/", jobHandler.ListOpen)
				r.Post("/", jobHandler.Create)
				r.Get("/mine", jobHandler.ListMine)
			})

			r.Post("/api/karma/award", profileHandler.AwardKarma)
			r.Post("/api/missions/{id}/complete", profileHandler.CompleteMission)
		})
	})

	return r
}
