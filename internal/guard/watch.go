package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
)

// Watch は認証状態の変化ごとに再判定し、判定が変わったときにDecisionを送出する。
//
// セッション失効・メール未確認の判定後は、通知の表示時間（Policyの遅延）が経過してから
// StatusRedirectを送出する。遅延中に届いた許可以外の判定は通知を置き換えない。
// ctxの終了で購読を解除しチャネルを閉じる。
func (g *Guard) Watch(ctx context.Context, src StateSource) <-chan Decision {
	out := make(chan Decision, 4)

	// 最新状態を読み直すため、通知は1件に畳み込む
	changed := make(chan struct{}, 1)
	unsubscribe := src.Subscribe(func(auth.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()

		var (
			last    Decision
			started bool
			timer   *time.Timer
			timerC  <-chan time.Time
			recheck <-chan time.Time
		)
		if g.recheckInterval > 0 {
			ticker := time.NewTicker(g.recheckInterval)
			defer ticker.Stop()
			recheck = ticker.C
		}
		stopTimer := func() {
			if timer != nil {
				timer.Stop()
				timer, timerC = nil, nil
			}
		}
		defer stopTimer()

		send := func(d Decision) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		evaluate := func() bool {
			g.refresh(ctx, src)
			d := g.Evaluate(src)
			if started && d.Status == last.Status && d.Reason == last.Reason {
				return true
			}
			// 遅延リダイレクト待ちの間は通知を維持する
			if timerC != nil && !d.Allowed() {
				return true
			}
			started = true
			last = d
			stopTimer()

			g.recorder.RecordGuardDecision(string(d.Status))
			if !send(d) {
				return false
			}

			switch d.Status {
			case StatusSessionExpired:
				slog.Info("session expired while watching",
					slog.String("reason", d.Reason),
				)
				src.ExpireSession(ctx, d.Reason)
				timer = time.NewTimer(d.Delay())
				timerC = timer.C
			case StatusEmailUnverified:
				timer = time.NewTimer(d.Delay())
				timerC = timer.C
			}
			return true
		}

		if !evaluate() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if !evaluate() {
					return
				}
			case <-recheck:
				if !evaluate() {
					return
				}
			case <-timerC:
				timer, timerC = nil, nil
				if !send(g.policy.redirectDecision()) {
					return
				}
				// 失効後の未認証判定は重複して送らない
				if last.Status == StatusSessionExpired {
					last = Decision{Status: StatusDenied}
				}
			}
		}
	}()

	return out
}
