package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500 INTERNAL_ERRORに変換する。
// http.ErrAbortHandlerは接続中断の合図なので再送出する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer handlePanic(w, r)
			next.ServeHTTP(w, r)
		})
	}
}

func handlePanic(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	switch rec {
	case nil:
		return
	case http.ErrAbortHandler:
		panic(rec)
	}

	slog.Error("handler panicked",
		slog.Group("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		),
		slog.Any("panic", rec),
		slog.String("stack", string(debug.Stack())),
	)
	WriteInternalServerError(w)
}
