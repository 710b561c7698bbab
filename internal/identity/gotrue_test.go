package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
)

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, storage SessionStorage) (*GoTrueClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewGoTrueClient(server.Client(), GoTrueConfig{
		BaseURL: server.URL + "/",
		AnonKey: "anon-key",
		Now:     func() time.Time { return testNow },
	}, storage, newTestLogger())
	return c, server
}

// eventRecorder は受信した通知を記録する。
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 16)}
}

func (r *eventRecorder) handle(event Event, _ *model.Session) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.ch <- event
}

// waitFor は指定イベントを受信するまで待つ。
func (r *eventRecorder) waitFor(t *testing.T, want Event) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("event %s was not delivered", want)
		}
	}
}

func tokenJSON(access string, expiresAt int64) map[string]any {
	return map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"expires_at":    expiresAt,
		"refresh_token": "refresh-" + access,
		"user": map[string]any{
			"id":                 "user-1",
			"email":              "anna@example.de",
			"email_confirmed_at": "2024-01-01T00:00:00Z",
			"created_at":         "2024-01-01T00:00:00Z",
			"user_metadata":      map[string]any{"first_name": "Anna"},
		},
	}
}

func TestGoTrueClient_SignInWithPassword_Success(t *testing.T) {
	store := NewMemoryStore()
	storage := store.For("sid-1")

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" {
			t.Errorf("path = %s, want /auth/v1/token", r.URL.Path)
		}
		if got := r.URL.Query().Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %s, want password", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey = %s, want anon-key", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "anna@example.de" || body["password"] != "Secret123!" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(tokenJSON("access-1", testNow.Add(time.Hour).Unix()))
	}, storage)

	rec := newEventRecorder()
	unsubscribe := c.OnSessionChange(rec.handle)
	defer unsubscribe()
	rec.waitFor(t, EventInitialSession)

	sess, err := c.SignInWithPassword(context.Background(), "anna@example.de", "Secret123!")
	if err != nil {
		t.Fatalf("SignInWithPassword returned error: %v", err)
	}
	if sess.AccessToken != "access-1" {
		t.Errorf("AccessToken = %s, want access-1", sess.AccessToken)
	}
	if sess.User.Metadata.FirstName != "Anna" {
		t.Errorf("FirstName = %s, want Anna", sess.User.Metadata.FirstName)
	}
	if !sess.User.EmailConfirmed() {
		t.Error("expected confirmed email")
	}

	rec.waitFor(t, EventSignedIn)

	stored, _ := storage.Load(context.Background())
	if stored == nil || stored.AccessToken != "access-1" {
		t.Errorf("stored session = %v, want access-1", stored)
	}
}

func TestGoTrueClient_SignInWithPassword_ProviderError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	}, NewMemoryStore().For("sid"))

	_, err := c.SignInWithPassword(context.Background(), "a@b.de", "x")
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", pe.Status)
	}
	if pe.Code != "invalid_grant" {
		t.Errorf("Code = %s, want invalid_grant", pe.Code)
	}
	if pe.Message != "Invalid login credentials" {
		t.Errorf("Message = %s, want Invalid login credentials", pe.Message)
	}
}

func TestGoTrueClient_ErrorWithoutBodyUsesStatusText(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, NewMemoryStore().For("sid"))

	err := c.ResetPasswordForEmail(context.Background(), "a@b.de", "")
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Message != "Too Many Requests" {
		t.Errorf("Message = %q, want %q", pe.Message, "Too Many Requests")
	}
}

func TestGoTrueClient_SignUp_SendsMetadataAndRedirect(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			t.Errorf("path = %s, want /auth/v1/signup", r.URL.Path)
		}
		if got := r.URL.Query().Get("redirect_to"); got != "https://karma.example/dashboard" {
			t.Errorf("redirect_to = %s", got)
		}
		var body struct {
			Email string             `json:"email"`
			Data  model.UserMetadata `json:"data"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Data.FirstName != "Anna" || body.Data.LastName != "Müller" {
			t.Errorf("data = %+v", body.Data)
		}
		w.Write([]byte(`{"id":"user-1"}`))
	}, NewMemoryStore().For("sid"))

	err := c.SignUp(context.Background(), "anna@example.de", "Secret123!", SignUpOptions{
		Data:            model.UserMetadata{FirstName: "Anna", LastName: "Müller"},
		EmailRedirectTo: "https://karma.example/dashboard",
	})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
}

func TestGoTrueClient_ResetPasswordForEmail(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/auth/v1/recover" {
			t.Errorf("path = %s, want /auth/v1/recover", r.URL.Path)
		}
		if got := r.URL.Query().Get("redirect_to"); got != "https://karma.example/reset-password" {
			t.Errorf("redirect_to = %s", got)
		}
		w.Write([]byte(`{}`))
	}, NewMemoryStore().For("sid"))

	if err := c.ResetPasswordForEmail(context.Background(), "a@b.de", "https://karma.example/reset-password"); err != nil {
		t.Fatalf("ResetPasswordForEmail returned error: %v", err)
	}
	if !called {
		t.Error("provider was not called")
	}
}

func TestGoTrueClient_SignOut_ClearsLocalSessionOnRemoteFailure(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{AccessToken: "access-1", ExpiresAt: testNow.Add(time.Hour).Unix()})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("Authorization = %s, want Bearer access-1", got)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}, storage)

	rec := newEventRecorder()
	defer c.OnSessionChange(rec.handle)()
	rec.waitFor(t, EventInitialSession)

	err := c.SignOut(context.Background())
	if err == nil {
		t.Fatal("expected error from remote failure")
	}

	rec.waitFor(t, EventSignedOut)
	if stored, _ := storage.Load(context.Background()); stored != nil {
		t.Error("local session must be cleared")
	}
}

func TestGoTrueClient_SignOut_AlreadyRevokedIsSuccess(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{AccessToken: "access-1", ExpiresAt: testNow.Add(time.Hour).Unix()})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, storage)

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
}

func TestGoTrueClient_SignOut_NoSessionIsNoop(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a session")
	}, NewMemoryStore().For("sid"))

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
}

func TestGoTrueClient_GetSession_RefreshesNearExpiry(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{
		AccessToken:  "old",
		RefreshToken: "refresh-old",
		ExpiresAt:    testNow.Add(10 * time.Second).Unix(),
	})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s, want refresh_token", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "refresh-old" {
			t.Errorf("refresh_token = %s, want refresh-old", body["refresh_token"])
		}
		json.NewEncoder(w).Encode(tokenJSON("new", testNow.Add(time.Hour).Unix()))
	}, storage)

	sess, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if sess == nil || sess.AccessToken != "new" {
		t.Fatalf("session = %v, want refreshed session", sess)
	}

	stored, _ := storage.Load(context.Background())
	if stored.AccessToken != "new" {
		t.Errorf("stored AccessToken = %s, want new", stored.AccessToken)
	}
}

func TestGoTrueClient_GetSession_FreshSessionSkipsProvider(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{AccessToken: "valid", ExpiresAt: testNow.Add(time.Hour).Unix()})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called for a fresh session")
	}, storage)

	sess, err := c.GetSession(context.Background())
	if err != nil || sess == nil || sess.AccessToken != "valid" {
		t.Fatalf("GetSession = %v, %v", sess, err)
	}
}

func TestGoTrueClient_GetSession_RejectedRefreshDropsSession(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{
		AccessToken:  "old",
		RefreshToken: "revoked",
		ExpiresAt:    testNow.Add(-time.Minute).Unix(),
	})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
	}, storage)

	sess, err := c.GetSession(context.Background())
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if sess != nil {
		t.Errorf("session = %v, want nil", sess)
	}
	if stored, _ := storage.Load(context.Background()); stored != nil {
		t.Error("rejected session must be removed from storage")
	}
}

func TestGoTrueClient_GetSession_RefreshTransportErrorIsReturned(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{RefreshToken: "r", ExpiresAt: testNow.Unix()})

	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, storage)
	server.Close()

	if _, err := c.GetSession(context.Background()); err == nil {
		t.Fatal("expected error when provider is unreachable")
	}
	if stored, _ := storage.Load(context.Background()); stored == nil {
		t.Error("session must be kept on transient failure")
	}
}

func TestGoTrueClient_OnSessionChange_InitialSession(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	storage.Save(context.Background(), &model.Session{AccessToken: "valid", ExpiresAt: testNow.Add(time.Hour).Unix()})

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, storage)

	got := make(chan *model.Session, 1)
	unsubscribe := c.OnSessionChange(func(event Event, sess *model.Session) {
		if event == EventInitialSession {
			got <- sess
		}
	})
	defer unsubscribe()

	select {
	case sess := <-got:
		if sess == nil || sess.AccessToken != "valid" {
			t.Errorf("initial session = %v, want valid", sess)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("INITIAL_SESSION not delivered")
	}
}

func TestGoTrueClient_UnsubscribeStopsDelivery(t *testing.T) {
	storage := NewMemoryStore().For("sid")
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenJSON("a", testNow.Add(time.Hour).Unix()))
	}, storage)

	rec := newEventRecorder()
	unsubscribe := c.OnSessionChange(rec.handle)
	rec.waitFor(t, EventInitialSession)
	unsubscribe()
	unsubscribe()

	if _, err := c.SignInWithPassword(context.Background(), "a@b.de", "x"); err != nil {
		t.Fatalf("SignInWithPassword returned error: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		if ev == EventSignedIn {
			t.Error("unsubscribed callback must not receive SIGNED_IN")
		}
	}
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{Status: 400, Code: "invalid_grant", Message: "Invalid login credentials"}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid_grant")) {
		t.Errorf("Error() = %s, want code included", err.Error())
	}
}
