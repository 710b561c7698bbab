package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const (
	// CookieName はセッションCookieの名前。
	CookieName = "karmahub_session"
	sidKey     = "sid"
)

// CookieOptions はセッションCookieの属性。
type CookieOptions struct {
	Domain string
	Secure bool
	MaxAge time.Duration
}

// CookieManager は署名付きCookieでブラウザのセッションIDを管理する。
// Cookieに格納するのはセッションIDのみで、トークンはサーバー側に保持する。
type CookieManager struct {
	store *sessions.CookieStore
}

// NewCookieManager はCookieManagerを生成する。secretはCookieの署名鍵。
func NewCookieManager(secret []byte, opts CookieOptions) *CookieManager {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   opts.Domain,
		MaxAge:   int(opts.MaxAge.Seconds()),
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieManager{store: store}
}

// SessionID はリクエストのセッションIDを返す。
// Cookieが無い、または署名が不正な場合は新しいIDを発行してCookieを設定する。
func (m *CookieManager) SessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	// 署名検証に失敗しても新しいセッションが返る
	s, _ := m.store.Get(r, CookieName)

	if sid, ok := s.Values[sidKey].(string); ok && sid != "" {
		return sid, nil
	}

	sid := uuid.NewString()
	s.Values[sidKey] = sid
	if err := s.Save(r, w); err != nil {
		return "", fmt.Errorf("failed to save session cookie: %w", err)
	}
	return sid, nil
}

// Clear はセッションCookieを削除する。
func (m *CookieManager) Clear(w http.ResponseWriter, r *http.Request) error {
	s, _ := m.store.Get(r, CookieName)
	s.Options.MaxAge = -1
	delete(s.Values, sidKey)
	if err := s.Save(r, w); err != nil {
		return fmt.Errorf("failed to clear session cookie: %w", err)
	}
	return nil
}
