package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
)

func newAuthLimitedHandler(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, http.Handler) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	handler := rl.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return rl, handler
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
	req.RemoteAddr = addr
	return req
}

func TestAuthRateLimit_AllowsBurstThenRejects(t *testing.T) {
	_, handler := newAuthLimitedHandler(t, RateLimiterConfig{AuthRate: 1.0 / 60.0, AuthBurst: 3})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.5:1234"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.5:5555"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want %q", got, "60")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
}

func TestAuthRateLimit_IndependentPerIP(t *testing.T) {
	rl, handler := newAuthLimitedHandler(t, RateLimiterConfig{AuthRate: 1.0 / 60.0, AuthBurst: 1})

	for _, addr := range []string{"198.51.100.1:1000", "198.51.100.2:1000", "[2001:db8::1]:443"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(addr))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", addr, w.Code, http.StatusOK)
		}
	}

	if rl.LimiterCount() != 3 {
		t.Errorf("LimiterCount() = %d, want 3", rl.LimiterCount())
	}
}

func TestAuthRateLimit_Cleanup(t *testing.T) {
	rl, handler := newAuthLimitedHandler(t, RateLimiterConfig{AuthRate: 1, AuthBurst: 1})
	rl.config.CleanupInterval = time.Minute

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("198.51.100.9:1"))

	rl.mu.Lock()
	for _, cl := range rl.limiters {
		cl.lastAccess = time.Now().Add(-3 * time.Minute)
	}
	rl.mu.Unlock()

	rl.cleanup()

	if rl.LimiterCount() != 0 {
		t.Errorf("LimiterCount() = %d, want 0 after cleanup", rl.LimiterCount())
	}
}

func TestAuthRateLimiterConfig(t *testing.T) {
	cfg := AuthRateLimiterConfig(30)
	if cfg.AuthBurst != 30 {
		t.Errorf("AuthBurst = %d, want 30", cfg.AuthBurst)
	}
	if float64(cfg.AuthRate) != 0.5 {
		t.Errorf("AuthRate = %v, want 0.5", cfg.AuthRate)
	}

	if got := AuthRateLimiterConfig(0); got.AuthBurst != 1 {
		t.Errorf("AuthBurst for 0 = %d, want 1", got.AuthBurst)
	}
	if DefaultRateLimiterConfig() != cfg {
		t.Error("default config must allow 30 requests per minute")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:8080", "192.0.2.1"},
		{"[2001:db8::2]:443", "2001:db8::2"},
		{"no-port", "no-port"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
