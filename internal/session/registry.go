// Package session はブラウザセッションとAuth Policy Engineの対応を管理する。
//
// ブラウザは署名付きCookieのセッションIDで識別され、
// セッションIDごとに1つのEngineが生成される。一定時間アクセスのないEngineは破棄する。
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
)

// Factory はセッションIDに対応するEngineを生成する。
type Factory func(sid string) *auth.Engine

type entry struct {
	engine     *auth.Engine
	lastAccess time.Time
}

// Registry はセッションIDごとのEngineを保持する。
type Registry struct {
	factory Factory
	idleTTL time.Duration
	now     func() time.Time
	observe func(n int)

	mu      sync.Mutex
	entries map[string]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option はRegistryの設定オプション。
type Option func(*Registry)

// WithIdleTTL は未使用のEngineを破棄するまでの時間を設定する。
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) { r.idleTTL = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSizeObserver は保持数が変わるたびに呼ばれる関数を設定する。
func WithSizeObserver(fn func(n int)) Option {
	return func(r *Registry) { r.observe = fn }
}

// NewRegistry はRegistryを生成する。
// cleanupIntervalが正の場合、バックグラウンドで未使用Engineの破棄を開始する。
func NewRegistry(factory Factory, cleanupInterval time.Duration, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		idleTTL: 30 * time.Minute,
		now:     time.Now,
		observe: func(int) {},
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cleanupInterval > 0 {
		go r.cleanupLoop(cleanupInterval)
	}
	return r
}

// Get はセッションIDに対応するEngineを返す。存在しなければ生成して開始する。
func (r *Registry) Get(sid string) *auth.Engine {
	r.mu.Lock()
	if e, ok := r.entries[sid]; ok {
		e.lastAccess = r.now()
		r.mu.Unlock()
		return e.engine
	}
	r.mu.Unlock()

	// Engineの生成はロック外で行う
	engine := r.factory(sid)

	r.mu.Lock()
	// ダブルチェック
	if e, ok := r.entries[sid]; ok {
		e.lastAccess = r.now()
		r.mu.Unlock()
		engine.Close()
		return e.engine
	}
	r.entries[sid] = &entry{engine: engine, lastAccess: r.now()}
	n := len(r.entries)
	r.mu.Unlock()

	engine.Start()
	r.observe(n)
	return engine
}

// Remove はEngineを破棄する。
func (r *Registry) Remove(sid string) {
	r.mu.Lock()
	e, ok := r.entries[sid]
	delete(r.entries, sid)
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		e.engine.Close()
		r.observe(n)
	}
}

// Len は保持しているEngine数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evict はidleTTLを超えて使われていないEngineを破棄し、破棄した数を返す。
func (r *Registry) Evict() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var idle []*auth.Engine
	for sid, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			idle = append(idle, e.engine)
			delete(r.entries, sid)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, e := range idle {
		e.Close()
	}
	if len(idle) > 0 {
		slog.Debug("evicted idle auth engines",
			slog.Int("evicted", len(idle)),
			slog.Int("remaining", n),
		)
		r.observe(n)
	}
	return len(idle)
}

// Stop はバックグラウンド処理を停止し、全てのEngineを破棄する。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		engines := make([]*auth.Engine, 0, len(r.entries))
		for _, e := range r.entries {
			engines = append(engines, e.engine)
		}
		r.entries = make(map[string]*entry)
		r.mu.Unlock()

		for _, e := range engines {
			e.Close()
		}
		r.observe(0)
	})
}

func (r *Registry) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Evict()
		case <-r.stopCh:
			return
		}
	}
}
