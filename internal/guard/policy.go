// Package guard は保護されたルートへのアクセス判定（Route Guard）を提供する。
//
// 判定は認証状態のスナップショットと現在時刻のみから決まる純粋関数で、
// HTTPミドルウェア（Gate）と状態変化の監視（Watch）はこの判定を共有する。
package guard

import (
	"time"

	"github.com/hitoshi/karmahub/internal/auth"
	"github.com/hitoshi/karmahub/internal/model"
)

// Status はRoute Guardの状態。
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAllowed         Status = "allowed"
	StatusDenied          Status = "denied"
	StatusSessionExpired  Status = "session_expired"
	StatusEmailUnverified Status = "email_unverified"
	// StatusRedirect は通知表示後の遅延リダイレクトの発火を表す（Watchのみが出す）。
	StatusRedirect Status = "redirect"
)

// セッション失効の理由
const (
	ReasonExpired = "expired"         // アクセストークンの有効期限切れ
	ReasonStale   = "max_session_age" // Identity作成からの経過時間超過
	ReasonDormant = "dormant"         // 最終サインインからの経過時間超過
)

const (
	msgLoading    = "Lädt..."
	msgSignIn     = "Bitte melden Sie sich an."
	msgExpired    = "Ihre Sitzung ist abgelaufen. Sie werden zur Anmeldung weitergeleitet..."
	msgUnverified = "Bitte bestätigen Sie Ihre E-Mail-Adresse. Sie werden zur Anmeldung weitergeleitet..."
)

// Policy はRoute Guardの判定条件。
type Policy struct {
	RequireAuth          bool
	RequireEmailVerified bool
	MaxSessionAge        time.Duration // 0で無効
	MaxDormancy          time.Duration // 0で無効
	SignInPath           string

	ExpiredRedirectDelay    time.Duration
	UnverifiedRedirectDelay time.Duration
}

// NewPolicy はAuth Policy Engineの設定からPolicyを生成する。
func NewPolicy(cfg auth.Config) Policy {
	return Policy{
		RequireAuth:             true,
		RequireEmailVerified:    cfg.RequireEmailVerified,
		MaxSessionAge:           cfg.MaxSessionAge,
		MaxDormancy:             cfg.MaxDormancy,
		SignInPath:              "/",
		ExpiredRedirectDelay:    3 * time.Second,
		UnverifiedRedirectDelay: 5 * time.Second,
	}
}

// Decision はRoute Guardの判定結果。UIへの通知にそのまま使用する。
type Decision struct {
	Status          Status `json:"status"`
	Code            string `json:"code,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	RedirectTo      string `json:"redirect_to,omitempty"`
	RedirectAfterMs int64  `json:"redirect_after_ms"`
	Replace         bool   `json:"replace,omitempty"`
}

// Delay はリダイレクトまでの待機時間を返す。
func (d Decision) Delay() time.Duration {
	return time.Duration(d.RedirectAfterMs) * time.Millisecond
}

// Allowed は保護されたコンテンツを表示してよいかを返す。
func (d Decision) Allowed() bool {
	return d.Status == StatusAllowed
}

// Evaluate は認証状態を判定する。
//
// 判定順序: 読み込み中 → 未認証 → セッション失効（期限切れ・経過時間・休眠）→ メール未確認 → 許可。
// セッション失効はメール確認より優先し、期限切れのセッションは他の条件に関わらず失効と判定する。
func (p Policy) Evaluate(s auth.State, now time.Time) Decision {
	if s.Loading {
		return Decision{Status: StatusLoading, Message: msgLoading}
	}
	if !p.RequireAuth {
		return Decision{Status: StatusAllowed}
	}

	if s.User == nil || s.Session == nil {
		return Decision{
			Status:     StatusDenied,
			Code:       model.ErrCodeNotAuthenticated,
			Message:    msgSignIn,
			RedirectTo: p.SignInPath,
			Replace:    true,
		}
	}

	if reason := p.expiryReason(s, now); reason != "" {
		return Decision{
			Status:          StatusSessionExpired,
			Code:            model.ErrCodeSessionExpired,
			Reason:          reason,
			Message:         msgExpired,
			RedirectTo:      p.SignInPath,
			RedirectAfterMs: p.ExpiredRedirectDelay.Milliseconds(),
			Replace:         true,
		}
	}

	if p.RequireEmailVerified && !s.User.EmailConfirmed() {
		return Decision{
			Status:          StatusEmailUnverified,
			Code:            model.ErrCodeEmailUnverified,
			Message:         msgUnverified,
			RedirectTo:      p.SignInPath,
			RedirectAfterMs: p.UnverifiedRedirectDelay.Milliseconds(),
			Replace:         true,
		}
	}

	return Decision{Status: StatusAllowed}
}

func (p Policy) expiryReason(s auth.State, now time.Time) string {
	if s.Session.ExpiresAt > 0 && !now.Before(s.Session.Expiry()) {
		return ReasonExpired
	}
	if p.MaxSessionAge > 0 && !s.User.CreatedAt.IsZero() && now.Sub(s.User.CreatedAt) > p.MaxSessionAge {
		return ReasonStale
	}
	if p.MaxDormancy > 0 && s.User.LastSignInAt != nil && now.Sub(*s.User.LastSignInAt) > p.MaxDormancy {
		return ReasonDormant
	}
	return ""
}

// redirectDecision は遅延リダイレクトの発火を表す判定を返す。
func (p Policy) redirectDecision() Decision {
	return Decision{
		Status:     StatusRedirect,
		RedirectTo: p.SignInPath,
		Replace:    true,
	}
}
