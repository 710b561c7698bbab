package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/karmahub/internal/identity"
	"github.com/hitoshi/karmahub/internal/model"
)

// 汎用の再試行メッセージ
const retryMessage = "Ein Fehler ist aufgetreten. Bitte versuchen Sie es erneut."

// mapSignInError はIdPのサインインエラーをユーザー向けエラーに変換する。
// IdPのメッセージ本文はアカウントの存在を推測させうるため、そのまま返さない。
func mapSignInError(err error) *model.APIError {
	msg := providerMessage(err)
	switch {
	case strings.Contains(msg, "invalid login credentials"):
		return model.NewInvalidCredentialsError()
	case strings.Contains(msg, "email not confirmed"):
		return model.NewEmailNotConfirmedError()
	case strings.Contains(msg, "too many requests") || providerStatus(err) == http.StatusTooManyRequests:
		return model.NewProviderThrottledError()
	default:
		return model.NewProviderError("Anmeldung fehlgeschlagen", "Anmeldung fehlgeschlagen. Bitte versuchen Sie es erneut.")
	}
}

// mapSignUpError はIdPの登録エラーをユーザー向けエラーに変換する。
func mapSignUpError(err error) *model.APIError {
	msg := providerMessage(err)
	switch {
	case strings.Contains(msg, "user already registered"):
		return model.NewAccountExistsError()
	case strings.Contains(msg, "password should be at least"):
		return model.NewValidationError("Passwort muss mindestens 8 Zeichen lang sein")
	case strings.Contains(msg, "unable to validate email address"):
		return model.NewValidationError("Ungültige E-Mail-Adresse.")
	default:
		return model.NewProviderError("Registrierung fehlgeschlagen", "Registrierung fehlgeschlagen. Bitte versuchen Sie es erneut.")
	}
}

// providerMessage はIdPエラーのメッセージを小文字で返す。IdPエラーでなければ空文字。
func providerMessage(err error) string {
	if pe, ok := identity.AsProviderError(err); ok {
		return strings.ToLower(pe.Message)
	}
	return ""
}

func providerStatus(err error) int {
	if pe, ok := identity.AsProviderError(err); ok {
		return pe.Status
	}
	return 0
}

// outcome はメトリクス用にエラーを結果ラベルへ変換する。
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return model.CategoryProvider
}
