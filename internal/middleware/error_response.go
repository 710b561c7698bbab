package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/hitoshi/karmahub/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// UIの通知（タイトルとメッセージ）と原因カテゴリを含む。
type ErrorResponseBody struct {
	Code              string   `json:"code"`
	Title             string   `json:"title"`
	Message           string   `json:"message"`
	Category          string   `json:"category"`
	Details           []string `json:"details,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

// StatusFor はAPIErrorに対応するHTTPステータスコードを返す。
func StatusFor(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeInvalidCredentials, model.ErrCodeEmailNotConfirmed,
		model.ErrCodeNotAuthenticated, model.ErrCodeSessionExpired:
		return http.StatusUnauthorized
	case model.ErrCodeEmailUnverified, model.ErrCodeCSRFRejected:
		return http.StatusForbidden
	case model.ErrCodeAccountExists:
		return http.StatusConflict
	case model.ErrCodeProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// レート制限エラーにはRetry-Afterヘッダーを付与する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Title:    apiErr.Title,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Details:  apiErr.Details,
	}
	if apiErr.RetryAfter > 0 {
		secs := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteError はerrをAPIErrorとして書き込む。APIError以外は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusFor(apiErr), apiErr)
		return
	}
	slog.Error("unhandled error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Title:    "Fehler",
		Message:  "Ein interner Fehler ist aufgetreten. Bitte versuchen Sie es später erneut.",
		Category: model.CategorySystem,
	})
}
