package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/karmahub/internal/model"
)

func newCSRFTestHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethodSetsCookie(t *testing.T) {
	var called bool
	handler := newCSRFTestHandler(t, &called)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/state", nil))

	if !called {
		t.Fatal("handler should be called for GET")
	}
	var found *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			found = c
		}
	}
	if found == nil {
		t.Fatal("CSRF cookie was not set")
	}
	if found.HttpOnly {
		t.Error("CSRF cookie must be readable by the frontend")
	}
	if len(found.Value) != 64 {
		t.Errorf("token length = %d, want 64", len(found.Value))
	}
}

func TestCSRFMiddleware_SafeMethodKeepsExistingCookie(t *testing.T) {
	var called bool
	handler := newCSRFTestHandler(t, &called)

	req := httptest.NewRequest(http.MethodGet, "/auth/state", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("existing CSRF cookie must not be replaced")
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name     string
		cookie   string
		header   string
		wantCode int
	}{
		{"valid token", "tok-1", "tok-1", http.StatusOK},
		{"missing cookie", "", "tok-1", http.StatusForbidden},
		{"missing header", "tok-1", "", http.StatusForbidden},
		{"mismatch", "tok-1", "tok-2", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			handler := newCSRFTestHandler(t, &called)

			req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if called != (tt.wantCode == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.wantCode == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				if body.Code != model.ErrCodeCSRFRejected {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFRejected)
				}
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true})

	t.Run("issues new token", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Value != body["token"] {
			t.Fatalf("cookie/token mismatch: cookies=%v body=%v", cookies, body)
		}
		if !cookies[0].Secure {
			t.Error("cookie must be Secure when configured")
		}
	})

	t.Run("returns existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["token"] != "existing" {
			t.Errorf("token = %q, want %q", body["token"], "existing")
		}
		if len(w.Result().Cookies()) != 0 {
			t.Error("no cookie should be set for an existing token")
		}
	})
}
