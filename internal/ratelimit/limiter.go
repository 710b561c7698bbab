// Package ratelimit はキー単位の固定ウィンドウ型レートリミッターを提供する。
//
// サインイン・登録などの認証操作の試行回数を、メールアドレス等のキーごとに制限する。
// 状態はプロセス内メモリのみに保持する。
package ratelimit

import (
	"sync"
	"time"
)

// DefaultCleanupInterval は期限切れエントリを掃除する間隔。
const DefaultCleanupInterval = 5 * time.Minute

// Rule は1ウィンドウあたりの許容回数とウィンドウ長。
type Rule struct {
	Max    int
	Window time.Duration
}

// Enabled はルールが制限を課すかどうかを返す。
func (r Rule) Enabled() bool {
	return r.Max > 0 && r.Window > 0
}

// window はキーごとの試行カウンタ。
type window struct {
	count   int
	resetAt time.Time
}

// Limiter はキーごとの試行回数を固定ウィンドウで管理する。
// 全メソッドは並行呼び出しに対して安全。
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// Option はLimiterの設定を変更する。
type Option func(*Limiter)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithCleanupInterval はクリーンアップ間隔を変更する。0以下でクリーンアップを無効化する。
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.cleanupInterval = d
	}
}

// New は新しいLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows:         make(map[string]*window),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.cleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出してもよい。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// IsAllowed はキーに対する1回の試行を記録し、許可されるかを返す。
// 拒否された試行はカウントしない。
func (l *Limiter) IsAllowed(key string, rule Rule) bool {
	if !rule.Enabled() {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true
	}

	if w.count >= rule.Max {
		return false
	}

	w.count++
	return true
}

// Reset はキーのカウンタを破棄する。認証成功時に呼び出す。
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// RemainingTime は現在のウィンドウが終わるまでの残り時間を返す。
// エントリがない、または期限切れの場合は0。
func (l *Limiter) RemainingTime(key string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	if remaining := w.resetAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Len は現在保持しているエントリ数を返す。テストおよびメトリクス用。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Cleanup はウィンドウが終了したエントリを削除し、削除件数を返す。
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
