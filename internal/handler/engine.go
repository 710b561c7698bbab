package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/middleware"
	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/validation"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// SessionEngine はハンドラーが必要とするブラウザセッション単位の認証操作。
// auth.Engineが満たす。
type SessionEngine interface {
	State() auth.State
	WaitReady(ctx context.Context) error
	RefreshIfNeeded(ctx context.Context) error
	Subscribe(fn func(auth.State)) (unsubscribe func())
	ExpireSession(ctx context.Context, reason string)

	SignIn(ctx context.Context, email, password string) (auth.Notice, error)
	SignUp(ctx context.Context, email, password string, data *auth.SignUpData) (auth.Notice, error)
	SignOut(ctx context.Context) (auth.Notice, error)
	ResetPassword(ctx context.Context, email string) (auth.Notice, error)
	UpdateProfile(ctx context.Context, in validation.ProfileInput) (auth.Notice, error)

	AwardKarma(ctx context.Context, award model.KarmaAward) (json.RawMessage, error)
	CompleteMission(ctx context.Context, missionID string, photoURL *string) (json.RawMessage, error)
	CalculateLevel(ctx context.Context) (int, error)
}

var _ SessionEngine = (*auth.Engine)(nil)

// EngineLookup はリクエストに紐づくSessionEngineを返す。
type EngineLookup func(r *http.Request) (SessionEngine, bool)

// EngineFromRequest はセッションミドルウェアが注入したEngineを返す。
func EngineFromRequest(r *http.Request) (SessionEngine, bool) {
	e, ok := middleware.EngineFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return e, true
}

// noticeResponse は操作成功時の通知。
type noticeResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func writeNotice(w http.ResponseWriter, n auth.Notice) {
	writeJSON(w, http.StatusOK, noticeResponse{Title: n.Title, Description: n.Description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRawJSON はデータストアの結果を解釈せずにそのまま返す。
func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// decodeJSON はリクエストボディをvに読み込む。失敗した場合は検証エラーを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, model.NewValidationError("Ungültige Anfrage"))
		return false
	}
	return true
}

// requireEngine はEngineを取得する。見つからない場合は未認証エラーを書き込む。
func requireEngine(w http.ResponseWriter, r *http.Request, lookup EngineLookup) (SessionEngine, bool) {
	e, ok := lookup(r)
	if !ok {
		middleware.WriteError(w, model.NewNotAuthenticatedError())
		return nil, false
	}
	return e, true
}

// waitReady はセッション復元の完了を最大dだけ待つ。
func waitReady(ctx context.Context, e SessionEngine, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	_ = e.WaitReady(ctx)
}
