package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
)

// StateSource はRoute Guardが参照する認証状態の提供元。auth.Engineが満たす。
type StateSource interface {
	State() auth.State
	Subscribe(fn func(auth.State)) (unsubscribe func())
	ExpireSession(ctx context.Context, reason string)
}

// readyWaiter は初期化完了を待てるStateSource。
type readyWaiter interface {
	WaitReady(ctx context.Context) error
}

// refresher は有効期限が近いトークンを判定前に更新できるStateSource。
type refresher interface {
	RefreshIfNeeded(ctx context.Context) error
}

// SourceFunc はリクエストに紐づくStateSourceを返す。
type SourceFunc func(r *http.Request) (StateSource, bool)

// Recorder は判定結果のメトリクス記録先。
type Recorder interface {
	RecordGuardDecision(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordGuardDecision(string) {}

// Guard はPolicyに基づいてHTTPリクエストと状態変化を判定する。
type Guard struct {
	policy          Policy
	now             func() time.Time
	recorder        Recorder
	readyWait       time.Duration
	recheckInterval time.Duration
}

// Option はGuardの設定オプション。
type Option func(*Guard)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithRecorder は判定結果の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithReadyWait はGateがセッション復元の完了を待つ上限を設定する。
func WithReadyWait(d time.Duration) Option {
	return func(g *Guard) { g.readyWait = d }
}

// WithRecheckInterval はWatchが状態変化なしに再判定する間隔を設定する。0で無効。
func WithRecheckInterval(d time.Duration) Option {
	return func(g *Guard) { g.recheckInterval = d }
}

// New はGuardを生成する。
func New(policy Policy, opts ...Option) *Guard {
	g := &Guard{
		policy:          policy,
		now:             time.Now,
		recorder:        nopRecorder{},
		readyWait:       5 * time.Second,
		recheckInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy は判定条件を返す。
func (g *Guard) Policy() Policy {
	return g.policy
}

// Evaluate はStateSourceの現在の状態を判定する。
func (g *Guard) Evaluate(src StateSource) Decision {
	return g.EvaluateState(src.State())
}

// EvaluateState は取得済みの状態スナップショットを判定する。
func (g *Guard) EvaluateState(s auth.State) Decision {
	return g.policy.Evaluate(s, g.now())
}

// Middleware は判定がAllowedの場合のみ後続のハンドラを実行するミドルウェアを返す。
// それ以外の状態では後続を呼ばず、判定内容をJSONで返す。
// セッション失効と判定した場合はセッションを強制的に終了する。
func (g *Guard) Middleware(source SourceFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			src, ok := source(r)
			if !ok {
				d := g.policy.Evaluate(auth.State{}, g.now())
				g.recorder.RecordGuardDecision(string(d.Status))
				writeDecision(w, d)
				return
			}

			if rw, ok := src.(readyWaiter); ok && g.readyWait > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), g.readyWait)
				_ = rw.WaitReady(ctx)
				cancel()
			}

			g.refresh(r.Context(), src)
			d := g.Evaluate(src)
			g.recorder.RecordGuardDecision(string(d.Status))

			if d.Allowed() {
				next.ServeHTTP(w, r)
				return
			}

			if d.Status == StatusSessionExpired {
				slog.Info("guard rejected expired session",
					slog.String("reason", d.Reason),
					slog.String("path", r.URL.Path),
				)
				src.ExpireSession(r.Context(), d.Reason)
			}

			writeDecision(w, d)
		})
	}
}

// refresh は判定前にトークンの更新を試みる。
// 更新できなかった場合は現在の状態のまま判定する。
func (g *Guard) refresh(ctx context.Context, src StateSource) {
	rf, ok := src.(refresher)
	if !ok {
		return
	}
	if err := rf.RefreshIfNeeded(ctx); err != nil {
		slog.Warn("token refresh before evaluation failed",
			slog.String("error", err.Error()),
		)
	}
}

// writeDecision は許可以外の判定をJSONで書き込む。
func writeDecision(w http.ResponseWriter, d Decision) {
	status := http.StatusUnauthorized
	switch d.Status {
	case StatusLoading:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case StatusEmailUnverified:
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(d)
}
