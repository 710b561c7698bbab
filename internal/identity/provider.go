// Package identity はホスト型IdP（GoTrue互換REST API）のクライアントを提供する。
//
// ブラウザセッションごとに1つのクライアントを生成し、
// トークンはSessionStorage（メモリまたはRedis）に保持する。
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/karmahub/internal/model"
)

// Event はセッション変更通知の種別。
type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// ChangeFunc はセッション変更通知のコールバック。
// sessionはサインアウト時や未ログイン時にnilとなる。
type ChangeFunc func(event Event, session *model.Session)

// SignUpOptions はサインアップ時の追加情報。
type SignUpOptions struct {
	Data            model.UserMetadata
	EmailRedirectTo string
}

// Provider はIdPのRPCインターフェース。
type Provider interface {
	// GetSession は現在有効なセッションを返す。未ログインの場合はnil。
	GetSession(ctx context.Context) (*model.Session, error)
	// OnSessionChange は変更通知を購読する。戻り値の関数で購読を解除する。
	// 購読直後に INITIAL_SESSION が非同期で1回通知される。
	OnSessionChange(fn ChangeFunc) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string, opts SignUpOptions) error
	// SignOut はリモートのセッションを失効させる。
	// リモート呼び出しの成否に関わらずローカルのセッションは破棄する。
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// ProviderError はIdPが返したエラー。
// Messageは内部での分類にのみ使用し、ユーザーには表示しない。
type ProviderError struct {
	Status  int    // HTTPステータス（通信エラー時は0）
	Code    string // IdPのエラーコード（error_code または error）
	Message string // IdPのエラーメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider error (status=%d, code=%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("identity provider error (status=%d): %s", e.Status, e.Message)
}

// AsProviderError はerrからProviderErrorを取り出す。
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
