// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示するタイトル、メッセージ、原因カテゴリを含む。
type APIError struct {
	Code       string        // エラーコード
	Title      string        // 通知タイトル
	Message    string        // ユーザー向けメッセージ
	Category   string        // カテゴリ: validation, rate_limit, credential, conflict, session, provider
	Details    []string      // 検証エラーの全違反内容
	RetryAfter time.Duration // レート制限時の残り待機時間
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed   = "EMAIL_NOT_CONFIRMED"
	ErrCodeAccountExists       = "ACCOUNT_EXISTS"
	ErrCodeSessionExpired      = "SESSION_EXPIRED"
	ErrCodeEmailUnverified     = "EMAIL_UNVERIFIED"
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeCSRFRejected        = "CSRF_REJECTED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryRateLimit  = "rate_limit"
	CategoryCredential = "credential"
	CategoryConflict   = "conflict"
	CategorySession    = "session"
	CategoryProvider   = "provider"
	CategorySystem     = "system"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを判定する。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewValidationError は入力検証エラーを生成する。
// 違反はすべてDetailsに保持し、Messageには先頭の違反を設定する。
func NewValidationError(violations ...string) *APIError {
	msg := "Ungültige Eingabe."
	if len(violations) > 0 {
		msg = violations[0]
	}
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Title:    "Eingabefehler",
		Message:  msg,
		Category: CategoryValidation,
		Details:  violations,
	}
}

// NewSignInRateLimitedError はサインイン試行回数超過エラーを生成する。
// 残り時間は分単位に切り上げて表示する。
func NewSignInRateLimitedError(remaining time.Duration) *APIError {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	unit := "Minuten"
	if minutes == 1 {
		unit = "Minute"
	}
	return &APIError{
		Code:       ErrCodeRateLimited,
		Title:      "Anmeldung fehlgeschlagen",
		Message:    fmt.Sprintf("Zu viele Anmeldeversuche. Bitte warten Sie %d %s.", minutes, unit),
		Category:   CategoryRateLimit,
		RetryAfter: remaining,
	}
}

// NewSignUpRateLimitedError は登録試行回数超過エラーを生成する。
func NewSignUpRateLimitedError(remaining time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Title:      "Registrierung fehlgeschlagen",
		Message:    "Zu viele Registrierungsversuche. Versuchen Sie es später erneut.",
		Category:   CategoryRateLimit,
		RetryAfter: remaining,
	}
}

// NewProviderThrottledError はIdP側でレート制限された場合のエラーを生成する。
func NewProviderThrottledError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Title:    "Anmeldung fehlgeschlagen",
		Message:  "Zu viele Anmeldeversuche. Bitte warten Sie einen Moment.",
		Category: CategoryRateLimit,
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// アカウントの存在有無を推測できない汎用メッセージを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Title:    "Anmeldung fehlgeschlagen",
		Message:  "Ungültige E-Mail oder Passwort. Bitte überprüfen Sie Ihre Eingaben.",
		Category: CategoryCredential,
	}
}

// NewEmailNotConfirmedError はメール未確認でのサインインエラーを生成する。
func NewEmailNotConfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotConfirmed,
		Title:    "Anmeldung fehlgeschlagen",
		Message:  "Bitte bestätigen Sie Ihre E-Mail-Adresse vor der Anmeldung.",
		Category: CategoryCredential,
	}
}

// NewAccountExistsError は登録済みメールアドレスでの登録エラーを生成する。
func NewAccountExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountExists,
		Title:    "Registrierung fehlgeschlagen",
		Message:  "Ein Konto mit dieser E-Mail existiert bereits. Bitte melden Sie sich stattdessen an.",
		Category: CategoryConflict,
	}
}

// NewSessionExpiredError はセッション期限切れエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Title:    "Sitzung abgelaufen.",
		Message:  "Ihre Sitzung ist abgelaufen. Sie werden zur Anmeldung weitergeleitet...",
		Category: CategorySession,
	}
}

// NewEmailUnverifiedError はメール未確認で保護ページにアクセスした場合のエラーを生成する。
func NewEmailUnverifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailUnverified,
		Title:    "E-Mail nicht bestätigt",
		Message:  "Bitte bestätigen Sie Ihre E-Mail-Adresse, um fortzufahren.",
		Category: CategorySession,
	}
}

// NewNotAuthenticatedError は未ログイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Title:    "Nicht angemeldet",
		Message:  "Kein Benutzer angemeldet",
		Category: CategorySession,
	}
}

// NewProviderError はIdPまたはデータストアの一時的な障害エラーを生成する。
// titleには操作ごとの通知タイトルを、messageには再試行を促す汎用文言を渡す。
func NewProviderError(title, message string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Title:    title,
		Message:  message,
		Category: CategoryProvider,
	}
}

// NewCSRFRejectedError はCSRFトークン検証に失敗した場合のエラーを生成する。
func NewCSRFRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFRejected,
		Title:    "Anfrage abgelehnt",
		Message:  "Die Anfrage konnte nicht verifiziert werden. Bitte laden Sie die Seite neu.",
		Category: CategorySystem,
	}
}

// NewTooManyRequestsError は接続元単位のレート制限に達した場合のエラーを生成する。
func NewTooManyRequestsError(retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       ErrCodeRateLimited,
		Title:      "Zu viele Anfragen",
		Message:    "Zu viele Anfragen. Bitte warten Sie einen Moment.",
		Category:   CategoryRateLimit,
		RetryAfter: retryAfter,
	}
}
