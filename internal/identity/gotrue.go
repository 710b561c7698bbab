package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
)

const (
	// refreshMargin は有効期限のこの時間前からトークンを更新する。
	refreshMargin = 30 * time.Second
	// defaultInitTimeout は INITIAL_SESSION 通知のためのセッション取得タイムアウト。
	defaultInitTimeout = 10 * time.Second
	// maxErrorBodySize はエラーレスポンスとして読み取る最大バイト数。
	maxErrorBodySize = 64 * 1024
)

// GoTrueConfig はGoTrueClientの設定。
type GoTrueConfig struct {
	BaseURL     string           // 例: https://xyz.supabase.co
	AnonKey     string           // 公開APIキー（apikeyヘッダー）
	InitTimeout time.Duration    // INITIAL_SESSION 用のセッション取得タイムアウト
	Now         func() time.Time // テスト用に差し替え可能
}

// GoTrueClient はGoTrue互換REST APIを呼び出すProvider実装。
// 1インスタンスが1ブラウザセッションに対応する。
type GoTrueClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	anonKey     string
	initTimeout time.Duration
	now         func() time.Time
	storage     SessionStorage

	// refreshMu はリフレッシュトークンの同時使用を防ぐ
	refreshMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]ChangeFunc
	nextID int
}

var _ Provider = (*GoTrueClient)(nil)

// NewGoTrueClient はGoTrueClientを生成する。
func NewGoTrueClient(httpClient *http.Client, cfg GoTrueConfig, storage SessionStorage, logger *slog.Logger) *GoTrueClient {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	return &GoTrueClient{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:     cfg.AnonKey,
		initTimeout: initTimeout,
		now:         now,
		storage:     storage,
		subs:        make(map[int]ChangeFunc),
	}
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	RefreshToken string         `json:"refresh_token"`
	User         model.Identity `json:"user"`
}

func (tr *tokenResponse) session(now time.Time) *model.Session {
	expiresAt := tr.ExpiresAt
	if expiresAt == 0 {
		expiresAt = now.Unix() + tr.ExpiresIn
	}
	return &model.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		IssuedAt:     now.Unix(),
		ExpiresAt:    expiresAt,
		User:         tr.User,
	}
}

// errorBody はGoTrueのエラーレスポンス。エンドポイントにより形式が異なる。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// GetSession は保存済みセッションを返す。
// 有効期限が近い場合はリフレッシュトークンで更新し TOKEN_REFRESHED を通知する。
func (c *GoTrueClient) GetSession(ctx context.Context) (*model.Session, error) {
	sess, err := c.storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if c.now().Add(refreshMargin).Before(sess.Expiry()) {
		return sess, nil
	}
	return c.refresh(ctx, sess)
}

func (c *GoTrueClient) refresh(ctx context.Context, stale *model.Session) (*model.Session, error) {
	sess, event, err := c.refreshLocked(ctx, stale)
	if event != "" {
		c.emit(event, sess)
	}
	return sess, err
}

// refreshLocked はrefreshMuを保持したままトークンを更新する。通知は呼び出し元が行う。
func (c *GoTrueClient) refreshLocked(ctx context.Context, stale *model.Session) (*model.Session, Event, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, err := c.storage.Load(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}
	if current == nil {
		return nil, "", nil
	}
	// 待機中に他のリクエストが更新済み
	if current.RefreshToken != stale.RefreshToken && c.now().Add(refreshMargin).Before(current.Expiry()) {
		return current, "", nil
	}

	var tr tokenResponse
	err = c.do(ctx, http.MethodPost, "/auth/v1/token",
		url.Values{"grant_type": {"refresh_token"}},
		map[string]string{"refresh_token": current.RefreshToken},
		"", &tr)
	if err != nil {
		if pe, ok := AsProviderError(err); ok && pe.Status >= 400 && pe.Status < 500 && pe.Status != http.StatusTooManyRequests {
			// リフレッシュトークンが失効している
			c.logger.Info("refresh token rejected, dropping local session",
				slog.Int("status", pe.Status),
				slog.String("code", pe.Code),
			)
			if delErr := c.storage.Delete(ctx); delErr != nil {
				return nil, "", delErr
			}
			return nil, EventSignedOut, nil
		}
		return nil, "", fmt.Errorf("failed to refresh session: %w", err)
	}

	sess := tr.session(c.now())
	if err := c.storage.Save(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("failed to store refreshed session: %w", err)
	}
	return sess, EventTokenRefreshed, nil
}

// OnSessionChange は変更通知を購読する。
// 購読直後に現在のセッションを取得し、INITIAL_SESSION として非同期で通知する。
func (c *GoTrueClient) OnSessionChange(fn ChangeFunc) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.initTimeout)
		defer cancel()

		sess, err := c.GetSession(ctx)
		if err != nil {
			c.logger.Warn("failed to restore session for initial notification",
				slog.String("error", err.Error()),
			)
			sess = nil
		}

		c.mu.Lock()
		_, active := c.subs[id]
		c.mu.Unlock()
		if active {
			fn(EventInitialSession, sess)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// SignInWithPassword はメールアドレスとパスワードでサインインし、SIGNED_IN を通知する。
func (c *GoTrueClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var tr tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token",
		url.Values{"grant_type": {"password"}},
		map[string]string{"email": email, "password": password},
		"", &tr)
	if err != nil {
		return nil, err
	}

	sess := tr.session(c.now())
	if err := c.storage.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	c.emit(EventSignedIn, sess)
	return sess, nil
}

// SignUp はアカウントを登録する。確認メール経由での有効化を前提とし、セッションは保存しない。
func (c *GoTrueClient) SignUp(ctx context.Context, email, password string, opts SignUpOptions) error {
	var query url.Values
	if opts.EmailRedirectTo != "" {
		query = url.Values{"redirect_to": {opts.EmailRedirectTo}}
	}

	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     opts.Data,
	}
	return c.do(ctx, http.MethodPost, "/auth/v1/signup", query, body, "", nil)
}

// SignOut はリモートセッションを失効させ、ローカルセッションを破棄して SIGNED_OUT を通知する。
// リモートが既に失効済み（401/403/404）の場合は成功として扱う。
func (c *GoTrueClient) SignOut(ctx context.Context) error {
	sess, err := c.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil
	}

	remoteErr := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, sess.AccessToken, nil)
	if pe, ok := AsProviderError(remoteErr); ok {
		switch pe.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			remoteErr = nil
		}
	}

	if err := c.storage.Delete(ctx); err != nil {
		c.logger.Error("failed to delete local session",
			slog.String("error", err.Error()),
		)
		if remoteErr == nil {
			remoteErr = err
		}
	}

	c.emit(EventSignedOut, nil)
	return remoteErr
}

// ResetPasswordForEmail はパスワードリセットメールの送信を依頼する。
func (c *GoTrueClient) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	return c.do(ctx, http.MethodPost, "/auth/v1/recover", query, map[string]string{"email": email}, "", nil)
}

// emit は全購読者に通知する。ロックを保持したままコールバックを呼ばない。
func (c *GoTrueClient) emit(event Event, sess *model.Session) {
	c.mu.Lock()
	fns := make([]ChangeFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event, sess)
	}
}

// do はIdPへのHTTPリクエストを実行する。
// 2xx以外のレスポンスは*ProviderErrorとして返す。
func (c *GoTrueClient) do(ctx context.Context, method, path string, query url.Values, body any, bearer string, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("identity provider request failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to call identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

func (c *GoTrueClient) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	pe := &ProviderError{Status: resp.StatusCode}

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		pe.Code = firstNonEmpty(eb.ErrorCode, eb.Error)
		pe.Message = firstNonEmpty(eb.ErrorDescription, eb.Msg, eb.Message, eb.Error)
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	return pe
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
