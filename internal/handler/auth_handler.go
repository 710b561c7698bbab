package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/guard"
	"github.com/hitoshi/karmahub/internal/middleware"
	"github.com/hitoshi/karmahub/internal/model"
)

// SessionTerminator はブラウザセッションに紐づくEngineを破棄する。session.Registryが満たす。
type SessionTerminator interface {
	Remove(sid string)
}

// CookieClearer はセッションCookieを削除する。session.CookieManagerが満たす。
type CookieClearer interface {
	Clear(w http.ResponseWriter, r *http.Request) error
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	engines   EngineLookup
	sessions  SessionTerminator
	cookies   CookieClearer
	guard     *guard.Guard
	readyWait time.Duration
	keepAlive time.Duration
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(engines EngineLookup, sessions SessionTerminator, cookies CookieClearer, g *guard.Guard) *AuthHandler {
	return &AuthHandler{
		engines:   engines,
		sessions:  sessions,
		cookies:   cookies,
		guard:     g,
		readyWait: 2 * time.Second,
		keepAlive: 25 * time.Second,
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type resetPasswordRequest struct {
	Email string `json:"email"`
}

type userResponse struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	EmailConfirmed bool       `json:"email_confirmed"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	LastSignInAt   *time.Time `json:"last_sign_in_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type stateResponse struct {
	Loading       bool           `json:"loading"`
	Authenticated bool           `json:"authenticated"`
	User          *userResponse  `json:"user,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Decision      guard.Decision `json:"decision"`
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	notice, err := e.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeNotice(w, notice)
}

// SignUp はアカウントを登録する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var data *auth.SignUpData
	if req.FirstName != "" || req.LastName != "" {
		data = &auth.SignUpData{FirstName: req.FirstName, LastName: req.LastName}
	}

	notice, err := e.SignUp(r.Context(), req.Email, req.Password, data)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeNotice(w, notice)
}

// SignOut はサインアウトし、ブラウザセッションを破棄する。
// IdPでの失効に失敗した場合もローカルのセッションは破棄する。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	notice, err := e.SignOut(r.Context())

	if sid, sidErr := middleware.SessionIDFromContext(r.Context()); sidErr == nil {
		h.sessions.Remove(sid)
	}
	if clearErr := h.cookies.Clear(w, r); clearErr != nil {
		slog.Error("failed to clear session cookie", slog.String("error", clearErr.Error()))
	}

	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeNotice(w, notice)
}

// ResetPassword はパスワードリセットメールを依頼する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	notice, err := e.ResetPassword(r.Context(), req.Email)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeNotice(w, notice)
}

// State は現在の認証状態とRoute Guardの判定を返す。
// 判定のみを返し、期限切れでもセッションは終了しない。
// GET /auth/state
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	waitReady(r.Context(), e, h.readyWait)

	st := e.State()
	resp := stateResponse{
		Loading:       st.Loading,
		Authenticated: st.Authenticated(),
		User:          toUserResponse(st.User),
		Decision:      h.guard.EvaluateState(st),
	}
	if st.Session != nil {
		exp := st.Session.Expiry()
		resp.ExpiresAt = &exp
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stream は認証状態の変化に応じたRoute Guardの判定をServer-Sent Eventsで配信する。
// GET /auth/stream
func (h *AuthHandler) Stream(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutを長時間接続に適用しない
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not adjustable", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	decisions := h.guard.Watch(r.Context(), e)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case d, ok := <-decisions:
			if !ok {
				return
			}
			if err := writeEvent(w, "decision", d); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func toUserResponse(u *model.Identity) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:             u.ID,
		Email:          u.Email,
		EmailConfirmed: u.EmailConfirmed(),
		FirstName:      u.Metadata.FirstName,
		LastName:       u.Metadata.LastName,
		AvatarURL:      u.Metadata.AvatarURL,
		LastSignInAt:   u.LastSignInAt,
		CreatedAt:      u.CreatedAt,
	}
}
