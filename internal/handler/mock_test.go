package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/validation"
)

// --- モック定義 ---

type mockEngine struct {
	mu    sync.Mutex
	state auth.State

	signInFn          func(ctx context.Context, email, password string) (auth.Notice, error)
	signUpFn          func(ctx context.Context, email, password string, data *auth.SignUpData) (auth.Notice, error)
	signOutFn         func(ctx context.Context) (auth.Notice, error)
	resetPasswordFn   func(ctx context.Context, email string) (auth.Notice, error)
	updateProfileFn   func(ctx context.Context, in validation.ProfileInput) (auth.Notice, error)
	awardKarmaFn      func(ctx context.Context, award model.KarmaAward) (json.RawMessage, error)
	completeMissionFn func(ctx context.Context, missionID string, photoURL *string) (json.RawMessage, error)
	calculateLevelFn  func(ctx context.Context) (int, error)

	listeners     []func(auth.State)
	expireReasons []string
}

func (m *mockEngine) State() auth.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState は状態を更新して購読者に通知する。
func (m *mockEngine) setState(s auth.State) {
	m.mu.Lock()
	m.state = s
	listeners := append([]func(auth.State){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

func (m *mockEngine) WaitReady(context.Context) error { return nil }

func (m *mockEngine) RefreshIfNeeded(context.Context) error { return nil }

func (m *mockEngine) Subscribe(fn func(auth.State)) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *mockEngine) ExpireSession(_ context.Context, reason string) {
	m.mu.Lock()
	m.expireReasons = append(m.expireReasons, reason)
	m.state = auth.State{}
	m.mu.Unlock()
}

func (m *mockEngine) SignIn(ctx context.Context, email, password string) (auth.Notice, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return auth.Notice{}, nil
}

func (m *mockEngine) SignUp(ctx context.Context, email, password string, data *auth.SignUpData) (auth.Notice, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, data)
	}
	return auth.Notice{}, nil
}

func (m *mockEngine) SignOut(ctx context.Context) (auth.Notice, error) {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return auth.Notice{}, nil
}

func (m *mockEngine) ResetPassword(ctx context.Context, email string) (auth.Notice, error) {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email)
	}
	return auth.Notice{}, nil
}

func (m *mockEngine) UpdateProfile(ctx context.Context, in validation.ProfileInput) (auth.Notice, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, in)
	}
	return auth.Notice{}, nil
}

func (m *mockEngine) AwardKarma(ctx context.Context, award model.KarmaAward) (json.RawMessage, error) {
	if m.awardKarmaFn != nil {
		return m.awardKarmaFn(ctx, award)
	}
	return nil, nil
}

func (m *mockEngine) CompleteMission(ctx context.Context, missionID string, photoURL *string) (json.RawMessage, error) {
	if m.completeMissionFn != nil {
		return m.completeMissionFn(ctx, missionID, photoURL)
	}
	return nil, nil
}

func (m *mockEngine) CalculateLevel(ctx context.Context) (int, error) {
	if m.calculateLevelFn != nil {
		return m.calculateLevelFn(ctx)
	}
	return model.DefaultUserLevel, nil
}

// lookupOf は常に同じEngineを返すEngineLookup。
func lookupOf(e SessionEngine) EngineLookup {
	return func(*http.Request) (SessionEngine, bool) { return e, true }
}

func noEngine(*http.Request) (SessionEngine, bool) { return nil, false }

// signedInState はメール確認済みの有効なセッションを持つ状態を返す。
func signedInState(userID string) auth.State {
	now := time.Now()
	return auth.State{
		User: &model.Identity{
			ID:               userID,
			Email:            "lena@example.de",
			EmailConfirmedAt: &now,
			Metadata:         model.UserMetadata{FirstName: "Lena"},
			CreatedAt:        now.Add(-time.Hour),
		},
		Session: &model.Session{
			AccessToken: "access",
			ExpiresAt:   now.Add(time.Hour).Unix(),
		},
	}
}

type mockRegistry struct {
	mu      sync.Mutex
	removed []string
}

func (m *mockRegistry) Get(string) *auth.Engine { return nil }

func (m *mockRegistry) Remove(sid string) {
	m.mu.Lock()
	m.removed = append(m.removed, sid)
	m.mu.Unlock()
}

type mockCookies struct {
	sid     string
	cleared int
}

func (m *mockCookies) SessionID(http.ResponseWriter, *http.Request) (string, error) {
	return m.sid, nil
}

func (m *mockCookies) Clear(http.ResponseWriter, *http.Request) error {
	m.cleared++
	return nil
}

type mockJobService struct {
	createFn        func(ctx context.Context, creatorID string, in validation.JobInput) (*model.Job, error)
	listOpenFn      func(ctx context.Context) ([]*model.Job, error)
	listByCreatorFn func(ctx context.Context, creatorID string) ([]*model.Job, error)
}

func (m *mockJobService) Create(ctx context.Context, creatorID string, in validation.JobInput) (*model.Job, error) {
	return m.createFn(ctx, creatorID, in)
}

func (m *mockJobService) ListOpen(ctx context.Context) ([]*model.Job, error) {
	if m.listOpenFn != nil {
		return m.listOpenFn(ctx)
	}
	return nil, nil
}

func (m *mockJobService) ListByCreator(ctx context.Context, creatorID string) ([]*model.Job, error) {
	if m.listByCreatorFn != nil {
		return m.listByCreatorFn(ctx, creatorID)
	}
	return nil, nil
}
