// Package validation はユーザー入力の検証と正規化を提供する。
//
// 認証情報・プロフィール・ジョブの入力はネットワーク境界に到達する前に
// このパッケージで検証される。検証は常にフェイルクローズで、
// 違反はすべてまとめて報告する。
package validation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const (
	// MaxEmailLength はメールアドレスの最大長（RFC 5321）。
	MaxEmailLength = 254
	// MinPasswordLength はパスワードの最小長。
	MinPasswordLength = 8
	// MaxPasswordLength はパスワードの最大長。
	MaxPasswordLength = 128
	// MaxNameLength は氏名の最大長。
	MaxNameLength = 50
	// MaxInputLength はサニタイズ後の自由入力テキストの最大長。
	MaxInputLength = 1000
)

var (
	emailPattern = regexp.MustCompile(
		"^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$",
	)

	// 拡張ラテン文字（À-ÿ）を含む
	namePattern = regexp.MustCompile(`^[A-Za-zÀ-ÖØ-öø-ÿ\s'-]+$`)

	scriptSchemePattern  = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerPattern  = regexp.MustCompile(`(?i)\bon\w+\s*=`)
	angleBracketReplacer = strings.NewReplacer("<", "", ">", "")
)

// NormalizeEmail はメールアドレスの前後空白を除去し小文字化する。
// レート制限のキーやIdPへの送信にはこの値を使用する。
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidateEmail はメールアドレスの形式を検証する。
// 国際化ドメイン名はPunycodeに変換してから検証する。
func ValidateEmail(raw string) bool {
	email := strings.TrimSpace(raw)
	if email == "" || len(email) > MaxEmailLength {
		return false
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}

	domain, err := idna.Lookup.ToASCII(email[at+1:])
	if err != nil {
		return false
	}

	candidate := email[:at] + "@" + domain
	if len(candidate) > MaxEmailLength {
		return false
	}
	return emailPattern.MatchString(candidate)
}

// PasswordPolicy はパスワード強度の要件。
type PasswordPolicy struct {
	RequireSymbol bool // 記号を必須とするか（厳格モード）
}

// Result は非例外型の検証結果。
type Result struct {
	IsValid bool
	Errors  []string
}

// ValidatePassword はパスワード強度を検証する。
// 最初の違反で打ち切らず、違反したルールをすべて返す。
func ValidatePassword(raw string, policy PasswordPolicy) Result {
	if raw == "" {
		return Result{IsValid: false, Errors: []string{"Passwort ist erforderlich"}}
	}

	var errs []string
	length := utf8.RuneCountInString(raw)
	if length < MinPasswordLength {
		errs = append(errs, "Passwort muss mindestens 8 Zeichen lang sein")
	}
	if length > MaxPasswordLength {
		errs = append(errs, "Passwort darf höchstens 128 Zeichen lang sein")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range raw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLetter(r):
		default:
			hasSymbol = true
		}
	}

	if !hasUpper {
		errs = append(errs, "Passwort muss mindestens einen Großbuchstaben enthalten")
	}
	if !hasLower {
		errs = append(errs, "Passwort muss mindestens einen Kleinbuchstaben enthalten")
	}
	if !hasDigit {
		errs = append(errs, "Passwort muss mindestens eine Zahl enthalten")
	}
	if policy.RequireSymbol && !hasSymbol {
		errs = append(errs, "Passwort muss mindestens ein Sonderzeichen enthalten")
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

// ValidateName は氏名（名または姓）を検証する。
// 許可文字は英字（拡張ラテン文字を含む）、空白、ハイフン、アポストロフィ。
func ValidateName(raw string) bool {
	name := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(name)
	if n < 1 || n > MaxNameLength {
		return false
	}
	return namePattern.MatchString(name)
}

// SanitizeInput は自由入力テキストを無害化する。
//   - 山括弧、javascript: スキーム、インラインイベントハンドラ（onclick= 等）を除去
//   - 前後の空白を除去
//   - MaxInputLength文字に切り詰め
//
// 除去は不動点に達するまで繰り返すため、結果は冪等になる。
func SanitizeInput(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	for {
		next := angleBracketReplacer.Replace(s)
		next = scriptSchemePattern.ReplaceAllString(next, "")
		next = eventHandlerPattern.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}

	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxInputLength {
		s = strings.TrimSpace(string([]rune(s)[:MaxInputLength]))
	}
	return s
}

// SanitizeOptional はnilを許容するSanitizeInput。
func SanitizeOptional(raw *string) *string {
	if raw == nil {
		return nil
	}
	s := SanitizeInput(*raw)
	return &s
}
