// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	engineContextKey    = contextKey("auth_engine")
	sessionIDContextKey = contextKey("session_id")
)

// SessionIDResolver はリクエストのブラウザセッションIDを解決する。session.CookieManagerが満たす。
type SessionIDResolver interface {
	SessionID(w http.ResponseWriter, r *http.Request) (string, error)
}

// EngineRegistry はセッションIDに対応するEngineを返す。session.Registryが満たす。
type EngineRegistry interface {
	Get(sid string) *auth.Engine
}

var (
	_ SessionIDResolver = (*session.CookieManager)(nil)
	_ EngineRegistry    = (*session.Registry)(nil)
)

// NewSessionMiddleware は署名付きCookieからブラウザセッションを特定し、
// 対応するAuth Policy Engineをリクエストコンテキストに注入する。
// Cookieが無い場合は新しいセッションを発行する。
func NewSessionMiddleware(cookies SessionIDResolver, registry EngineRegistry) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid, err := cookies.SessionID(w, r)
			if err != nil {
				slog.Error("failed to resolve browser session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			engine := registry.Get(sid)
			bindScopeEngine(r.Context(), engine)

			ctx := context.WithValue(r.Context(), sessionIDContextKey, sid)
			ctx = ContextWithEngine(ctx, engine)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EngineFromContext はリクエストコンテキストからEngineを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func EngineFromContext(ctx context.Context) (*auth.Engine, bool) {
	e, ok := ctx.Value(engineContextKey).(*auth.Engine)
	return e, ok && e != nil
}

// ContextWithEngine はコンテキストにEngineを注入する。
func ContextWithEngine(ctx context.Context, e *auth.Engine) context.Context {
	return context.WithValue(ctx, engineContextKey, e)
}

// SessionIDFromContext はリクエストコンテキストからブラウザセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) (string, error) {
	sid, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || sid == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return sid, nil
}

// UserIDFromContext はコンテキストのEngineから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	e, ok := EngineFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("auth engine not found in context")
	}
	st := e.State()
	if st.User == nil || st.User.ID == "" {
		return "", fmt.Errorf("user not authenticated")
	}
	return st.User.ID, nil
}
