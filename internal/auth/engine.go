// Package auth はブラウザセッション単位の認証状態（Session Store）と
// 認証操作のポリシー（Auth Policy Engine）を提供する。
//
// Engineは {loading, user, session} の状態機械を所有し、
// 入力検証 → 試行回数制限 → IdP呼び出し → 状態更新 → サインイン後フック の順で処理する。
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/karmahub/internal/identity"
	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/ratelimit"
	"github.com/hitoshi/karmahub/internal/repository"
	"github.com/hitoshi/karmahub/internal/validation"
)

// 操作名（メトリクスのラベルと試行回数制限のキー接頭辞に使用）
const (
	OpSignIn        = "signin"
	OpSignUp        = "signup"
	OpSignOut       = "signout"
	OpResetPassword = "reset_password"
	OpUpdateProfile = "update_profile"
)

// RefreshMargin は有効期限のこの時間前からトークンを更新する。
const RefreshMargin = 30 * time.Second

// State はEngineが公開する読み取り専用のスナップショット。
type State struct {
	Loading bool
	User    *model.Identity
	Session *model.Session
}

// Authenticated はユーザーとセッションの両方が存在するかを返す。
func (s State) Authenticated() bool {
	return s.User != nil && s.Session != nil
}

// Notice は成功時にUIへ表示する通知。
type Notice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SignUpData はサインアップ時の任意の氏名。
type SignUpData struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// AttemptLimiter はキー単位の試行回数制限。
type AttemptLimiter interface {
	IsAllowed(key string, rule ratelimit.Rule) bool
	Reset(key string)
	RemainingTime(key string) time.Duration
}

// MetricsRecorder は認証操作のメトリクス記録先。
type MetricsRecorder interface {
	RecordAttempt(operation, outcome string)
	RecordRateLimited(operation string)
	RecordHookFailure(hook string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAttempt(string, string) {}
func (nopMetrics) RecordRateLimited(string)     {}
func (nopMetrics) RecordHookFailure(string)     {}

// Deps はEngineの依存コンポーネント。
type Deps struct {
	Provider     identity.Provider
	Limiter      AttemptLimiter
	Schema       *validation.SchemaValidator
	Profiles     repository.ProfileRepository
	Gamification repository.GamificationRepository
	Hooks        []Hook
	Metrics      MetricsRecorder
	Logger       *slog.Logger
	Now          func() time.Time
}

// Engine は1ブラウザセッション分の認証状態と操作を管理する。
type Engine struct {
	cfg          Config
	provider     identity.Provider
	limiter      AttemptLimiter
	schema       *validation.SchemaValidator
	profiles     repository.ProfileRepository
	gamification repository.GamificationRepository
	hooks        []Hook
	metrics      MetricsRecorder
	logger       *slog.Logger
	now          func() time.Time

	mu           sync.RWMutex
	state        State
	// generation はサインイン・サインアウト・更新通知など確定した変更ごとに進む。
	// 復元結果は0のときだけ反映する。
	generation   uint64
	closed       bool
	unsubscribe  func()
	listeners    map[int]func(State)
	nextListener int

	// 初期化バリア: 明示的なセッション取得と購読の初回通知の両方を待つ
	fetchSettled bool
	eventSettled bool
	readyOnce    sync.Once
	ready        chan struct{}
	initTimer    *time.Timer

	hookCtx    context.Context
	hookCancel context.CancelFunc
	hooksWG    sync.WaitGroup
}

// NewEngine はEngineを生成する。Startを呼ぶまで状態はLoadingのまま。
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Schema == nil {
		deps.Schema = validation.NewSchemaValidator()
	}

	hookCtx, hookCancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		provider:     deps.Provider,
		limiter:      deps.Limiter,
		schema:       deps.Schema,
		profiles:     deps.Profiles,
		gamification: deps.Gamification,
		hooks:        deps.Hooks,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		now:          deps.Now,
		state:        State{Loading: true},
		listeners:    make(map[int]func(State)),
		ready:        make(chan struct{}),
		hookCtx:      hookCtx,
		hookCancel:   hookCancel,
	}
}

// Start はセッション変更通知を購読してから現在のセッションを取得する。
// 両方の結果が揃った時点でLoadingを解除する。
func (e *Engine) Start() {
	unsubscribe := e.provider.OnSessionChange(e.handleChange)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unsubscribe()
		return
	}
	e.unsubscribe = unsubscribe
	if e.cfg.InitTimeout > 0 {
		e.initTimer = time.AfterFunc(e.cfg.InitTimeout, func() {
			e.logger.Warn("session restore timed out, clearing loading state",
				slog.Duration("timeout", e.cfg.InitTimeout),
			)
			e.finishLoading()
		})
	}
	e.mu.Unlock()

	go e.fetchInitial()
}

func (e *Engine) fetchInitial() {
	ctx := context.Background()
	if e.cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.InitTimeout)
		defer cancel()
	}

	sess, err := e.provider.GetSession(ctx)
	if err != nil {
		e.logger.Error("failed to get initial session",
			slog.String("error", err.Error()),
		)
		sess = nil
	}

	e.restoreSession(sess)
	e.settle(true)
}

// RefreshIfNeeded はセッションの有効期限が近ければIdPから取り直す。
// IdPはリフレッシュトークンで更新し TOKEN_REFRESHED を通知する。
// 更新に失敗した場合は状態を変えずにエラーを返す。
func (e *Engine) RefreshIfNeeded(ctx context.Context) error {
	e.mu.RLock()
	sess, gen := e.state.Session, e.generation
	e.mu.RUnlock()

	if sess == nil || sess.ExpiresAt == 0 {
		return nil
	}
	if e.now().Add(RefreshMargin).Before(sess.Expiry()) {
		return nil
	}

	fresh, err := e.provider.GetSession(ctx)
	if err != nil {
		e.logger.Warn("failed to refresh session",
			slog.String("user_id", sess.User.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to refresh session: %w", err)
	}

	// 通知経由で反映済みの場合は上書きしない
	e.commitIf(fresh, gen)
	return nil
}

// WaitReady は初期化（Loading解除）が完了するまで待つ。
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State は現在の状態のスナップショットを返す。
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Subscribe は状態変更の通知を購読する。fnはロックを保持せずに呼ばれるが、
// 状態を更新したゴルーチン上で同期的に実行されるためブロックしてはならない。
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Close は購読を解除し、実行中のフックの終了を待つ。
// 以降に届いた非同期の結果は破棄される。
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubscribe := e.unsubscribe
	if e.initTimer != nil {
		e.initTimer.Stop()
	}
	e.listeners = make(map[int]func(State))
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.hookCancel()
	e.hooksWG.Wait()

	e.readyOnce.Do(func() { close(e.ready) })
}

// handleChange はIdPからのセッション変更通知を処理する。
// IdPの内部ロックとの再入を避けるため、ここでIdPやデータストアを同期的に呼ばない。
func (e *Engine) handleChange(event identity.Event, sess *model.Session) {
	if e.isClosed() {
		return
	}

	switch event {
	case identity.EventInitialSession:
		e.restoreSession(sess)
	case identity.EventSignedOut:
		e.commitSession(nil)
		e.logger.Info("user signed out")
	default:
		e.commitSession(sess)
	}

	if event == identity.EventSignedIn && sess != nil {
		e.scheduleHooks(sess.User)
	}

	e.settle(false)
}

// settle は初期化バリアの片側の完了を記録する。
func (e *Engine) settle(fromFetch bool) {
	e.mu.Lock()
	if fromFetch {
		e.fetchSettled = true
	} else {
		e.eventSettled = true
	}
	done := e.fetchSettled && e.eventSettled
	e.mu.Unlock()

	if done {
		e.finishLoading()
	}
}

// finishLoading はLoadingを一度だけ解除する。
func (e *Engine) finishLoading() {
	e.readyOnce.Do(func() {
		e.mu.Lock()
		if e.initTimer != nil {
			e.initTimer.Stop()
		}
		if e.closed {
			e.mu.Unlock()
			close(e.ready)
			return
		}
		e.state.Loading = false
		snapshot, listeners := e.state, e.listenerList()
		e.mu.Unlock()

		close(e.ready)
		notify(listeners, snapshot)
	})
}

// commitSession はセッションから状態を確定し購読者に通知する。後勝ち。
func (e *Engine) commitSession(sess *model.Session) {
	e.apply(sess, func() bool {
		e.generation++
		return true
	})
}

// restoreSession は起動時に読み込んだセッションを反映する。
// 読み込み中に確定した変更があれば、古い読み込み結果として破棄する。
func (e *Engine) restoreSession(sess *model.Session) {
	e.apply(sess, func() bool {
		if e.generation != 0 {
			e.logger.Debug("dropping stale restored session")
			return false
		}
		return true
	})
}

// commitIf は世代がgenのままの場合に限り状態を確定する。
func (e *Engine) commitIf(sess *model.Session, gen uint64) {
	e.apply(sess, func() bool {
		if e.generation != gen {
			return false
		}
		e.generation++
		return true
	})
}

// apply はロック内でacceptが真を返した場合に状態を差し替えて通知する。
func (e *Engine) apply(sess *model.Session, accept func() bool) {
	var user *model.Identity
	var sessCopy *model.Session
	if sess != nil {
		s := *sess
		u := s.User
		sessCopy, user = &s, &u
	}

	e.mu.Lock()
	if e.closed || !accept() {
		e.mu.Unlock()
		return
	}
	e.state.User = user
	e.state.Session = sessCopy
	snapshot, listeners := e.state, e.listenerList()
	e.mu.Unlock()

	notify(listeners, snapshot)
}

func (e *Engine) listenerList() []func(State) {
	fns := make([]func(State), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// scheduleHooks はサインイン後フックを別ゴルーチンで実行する。
func (e *Engine) scheduleHooks(user model.Identity) {
	e.mu.Lock()
	if e.closed || len(e.hooks) == 0 {
		e.mu.Unlock()
		return
	}
	e.hooksWG.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.hooksWG.Done()
		for _, h := range e.hooks {
			e.runHook(h, user)
		}
	}()
}

func (e *Engine) runHook(h Hook, user model.Identity) {
	ctx := e.hookCtx
	if e.cfg.HookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.HookTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("post-auth hook panicked",
				slog.String("hook", h.Name),
				slog.Any("panic", r),
			)
			e.metrics.RecordHookFailure(h.Name)
		}
	}()

	if err := h.Run(ctx, user); err != nil {
		e.logger.Warn("post-auth hook failed",
			slog.String("hook", h.Name),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordHookFailure(h.Name)
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
func (e *Engine) SignIn(ctx context.Context, email, password string) (Notice, error) {
	notice, err := e.signIn(ctx, email, password)
	e.metrics.RecordAttempt(OpSignIn, outcome(err))
	return notice, err
}

func (e *Engine) signIn(ctx context.Context, email, password string) (Notice, error) {
	email = validation.NormalizeEmail(email)
	if email == "" || password == "" {
		return Notice{}, model.NewValidationError("E-Mail und Passwort sind erforderlich")
	}
	if !validation.ValidateEmail(email) {
		return Notice{}, model.NewValidationError("Ungültige E-Mail-Adresse")
	}

	key := OpSignIn + "_" + email
	if !e.limiter.IsAllowed(key, e.cfg.RateLimits.SignIn) {
		remaining := e.limiter.RemainingTime(key)
		e.metrics.RecordRateLimited(OpSignIn)
		e.logger.Warn("sign-in throttled",
			slog.String("email", redactEmail(email)),
			slog.Duration("remaining", remaining),
		)
		return Notice{}, model.NewSignInRateLimitedError(remaining)
	}

	sess, err := e.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		e.logger.Info("sign-in rejected",
			slog.String("email", redactEmail(email)),
			slog.Int("provider_status", providerStatus(err)),
		)
		return Notice{}, mapSignInError(err)
	}

	e.limiter.Reset(key)
	e.commitSession(sess)

	e.logger.Info("user signed in", slog.String("user_id", sess.User.ID))
	return Notice{Title: "Erfolgreich angemeldet", Description: "Willkommen zurück!"}, nil
}

// SignUp はアカウントを登録する。確認メールでの有効化を前提とし、自動ではサインインしない。
func (e *Engine) SignUp(ctx context.Context, email, password string, data *SignUpData) (Notice, error) {
	notice, err := e.signUp(ctx, email, password, data)
	e.metrics.RecordAttempt(OpSignUp, outcome(err))
	return notice, err
}

func (e *Engine) signUp(ctx context.Context, email, password string, data *SignUpData) (Notice, error) {
	email = validation.NormalizeEmail(email)

	var violations []string
	switch {
	case email == "":
		violations = append(violations, "E-Mail ist erforderlich")
	case !validation.ValidateEmail(email):
		violations = append(violations, "Ungültige E-Mail-Adresse")
	}
	if res := validation.ValidatePassword(password, e.cfg.Password); !res.IsValid {
		violations = append(violations, res.Errors...)
	}
	if data != nil {
		if data.FirstName != "" && !validation.ValidateName(data.FirstName) {
			violations = append(violations, "Vorname darf nur Buchstaben, Leerzeichen, Bindestriche und Apostrophe enthalten (1-50 Zeichen)")
		}
		if data.LastName != "" && !validation.ValidateName(data.LastName) {
			violations = append(violations, "Nachname darf nur Buchstaben, Leerzeichen, Bindestriche und Apostrophe enthalten (1-50 Zeichen)")
		}
	}
	if len(violations) > 0 {
		return Notice{}, model.NewValidationError(violations...)
	}

	key := OpSignUp + "_" + email
	if !e.limiter.IsAllowed(key, e.cfg.RateLimits.SignUp) {
		remaining := e.limiter.RemainingTime(key)
		e.metrics.RecordRateLimited(OpSignUp)
		e.logger.Warn("sign-up throttled",
			slog.String("email", redactEmail(email)),
			slog.Duration("remaining", remaining),
		)
		return Notice{}, model.NewSignUpRateLimitedError(remaining)
	}

	var meta model.UserMetadata
	if data != nil {
		meta.FirstName = validation.SanitizeInput(data.FirstName)
		meta.LastName = validation.SanitizeInput(data.LastName)
	}

	err := e.provider.SignUp(ctx, email, password, identity.SignUpOptions{
		Data:            meta,
		EmailRedirectTo: e.cfg.EmailRedirectTo,
	})
	if err != nil {
		e.logger.Info("sign-up rejected",
			slog.String("email", redactEmail(email)),
			slog.Int("provider_status", providerStatus(err)),
		)
		return Notice{}, mapSignUpError(err)
	}

	e.logger.Info("user signed up", slog.String("email", redactEmail(email)))
	return Notice{Title: "Registrierung erfolgreich", Description: "Bitte bestätigen Sie Ihre E-Mail-Adresse."}, nil
}

// SignOut はサインアウトする。
// IdP呼び出しが失敗してもローカルの状態は必ず破棄し、エラーを返す。
func (e *Engine) SignOut(ctx context.Context) (Notice, error) {
	notice, err := e.signOut(ctx)
	e.metrics.RecordAttempt(OpSignOut, outcome(err))
	return notice, err
}

func (e *Engine) signOut(ctx context.Context) (Notice, error) {
	st := e.State()

	err := e.provider.SignOut(ctx)

	if st.User != nil {
		e.limiter.Reset(OpSignIn + "_" + validation.NormalizeEmail(st.User.Email))
	}
	e.commitSession(nil)

	if err != nil {
		e.logger.Error("failed to sign out at identity provider",
			slog.String("error", err.Error()),
		)
		return Notice{}, model.NewProviderError("Abmeldung fehlgeschlagen", retryMessage)
	}
	return Notice{Title: "Erfolgreich abgemeldet", Description: "Bis bald!"}, nil
}

// ExpireSession はローカルで期限切れと判定したセッションを強制的に終了する。
func (e *Engine) ExpireSession(ctx context.Context, reason string) {
	st := e.State()
	if st.User == nil {
		return
	}

	e.logger.Info("session expired",
		slog.String("reason", reason),
		slog.String("user_id", st.User.ID),
	)

	if err := e.provider.SignOut(ctx); err != nil {
		e.logger.Warn("failed to revoke expired session",
			slog.String("error", err.Error()),
		)
	}
	e.commitSession(nil)
}

// ResetPassword はパスワードリセットメールを依頼する。
// アカウントの有無を推測させないため、IdPの結果に関わらず同じ通知を返す。
func (e *Engine) ResetPassword(ctx context.Context, email string) (Notice, error) {
	notice, err := e.resetPassword(ctx, email)
	e.metrics.RecordAttempt(OpResetPassword, outcome(err))
	return notice, err
}

func (e *Engine) resetPassword(ctx context.Context, email string) (Notice, error) {
	email = validation.NormalizeEmail(email)
	if email == "" {
		return Notice{}, model.NewValidationError("E-Mail ist erforderlich")
	}
	if !validation.ValidateEmail(email) {
		return Notice{}, model.NewValidationError("Ungültige E-Mail-Adresse")
	}

	if err := e.provider.ResetPasswordForEmail(ctx, email, e.cfg.PasswordResetRedirectTo); err != nil {
		e.logger.Warn("password reset request failed",
			slog.String("email", redactEmail(email)),
			slog.String("error", err.Error()),
		)
	}

	return Notice{Title: "E-Mail gesendet", Description: "Prüfen Sie Ihren Posteingang für den Passwort-Reset-Link."}, nil
}

// UpdateProfile はサインイン中のユーザーのプロフィールを部分更新する。
// 全文字列フィールドをサニタイズし、更新日時を付与してUPSERTする。
func (e *Engine) UpdateProfile(ctx context.Context, in validation.ProfileInput) (Notice, error) {
	notice, err := e.updateProfile(ctx, in)
	e.metrics.RecordAttempt(OpUpdateProfile, outcome(err))
	return notice, err
}

func (e *Engine) updateProfile(ctx context.Context, in validation.ProfileInput) (Notice, error) {
	user := e.State().User
	if user == nil {
		return Notice{}, model.NewNotAuthenticatedError()
	}

	clean, err := e.schema.ValidateProfile(in)
	if err != nil {
		return Notice{}, err
	}

	err = e.profiles.Upsert(ctx, &model.ProfileUpdate{
		ID:        user.ID,
		FirstName: clean.FirstName,
		LastName:  clean.LastName,
		AvatarURL: clean.AvatarURL,
		Bio:       clean.Bio,
		Location:  clean.Location,
		Phone:     clean.Phone,
		UpdatedAt: e.now(),
	})
	if err != nil {
		e.logger.Error("failed to update profile",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return Notice{}, model.NewProviderError("Aktualisierung fehlgeschlagen", retryMessage)
	}

	return Notice{Title: "Profil aktualisiert", Description: "Ihre Änderungen wurden gespeichert."}, nil
}

// AwardKarma はサインイン中のユーザーにKarmaを付与する。結果はそのまま返す。
func (e *Engine) AwardKarma(ctx context.Context, award model.KarmaAward) (json.RawMessage, error) {
	user := e.State().User
	if user == nil {
		return nil, model.NewNotAuthenticatedError()
	}

	award.UserID = user.ID
	award.Reason = validation.SanitizeInput(award.Reason)
	if award.Reason == "" {
		return nil, model.NewValidationError("Grund ist erforderlich")
	}
	for _, id := range []*string{award.JobID, award.MissionID} {
		if id != nil {
			if _, err := uuid.Parse(*id); err != nil {
				return nil, model.NewValidationError("Ungültige ID")
			}
		}
	}

	result, err := e.gamification.AwardKarma(ctx, &award)
	if err != nil {
		e.logger.Error("failed to award karma",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("Fehler", retryMessage)
	}
	return result, nil
}

// CompleteMission はサインイン中のユーザーのミッションを完了する。結果はそのまま返す。
func (e *Engine) CompleteMission(ctx context.Context, missionID string, photoURL *string) (json.RawMessage, error) {
	user := e.State().User
	if user == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	if _, err := uuid.Parse(missionID); err != nil {
		return nil, model.NewValidationError("Ungültige Missions-ID")
	}

	result, err := e.gamification.CompleteMission(ctx, user.ID, missionID, validation.SanitizeOptional(photoURL))
	if err != nil {
		e.logger.Error("failed to complete mission",
			slog.String("user_id", user.ID),
			slog.String("mission_id", missionID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("Fehler", "Fehler beim Abschließen der Mission")
	}
	return result, nil
}

// CalculateLevel はサインイン中のユーザーのレベルを返す。
// 計算に失敗した場合は既定のレベル1を返す。
func (e *Engine) CalculateLevel(ctx context.Context) (int, error) {
	user := e.State().User
	if user == nil {
		return 0, model.NewNotAuthenticatedError()
	}

	level, err := e.gamification.CalculateUserLevel(ctx, user.ID)
	if err != nil {
		e.logger.Warn("failed to calculate user level",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return model.DefaultUserLevel, nil
	}
	return level, nil
}

// redactEmail はログ出力用にメールアドレスのローカル部を伏せる。
func redactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return fmt.Sprintf("%c***%s", email[0], email[at:])
}
