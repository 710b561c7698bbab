// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DisplaySanitizer はデータストアから読み出したユーザー入力を表示用に無害化する。
// 書き込み時のサニタイズ（validation.SanitizeInput）をすり抜けた値や、
// 他のクライアントが書き込んだ値に対する読み出し側の防御として使用する。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// DisplaySanitizer は表示用テキストの無害化機能のインターフェースを定義する。
type DisplaySanitizer interface {
	// Text は全てのHTMLタグを除去し、特殊文字をエスケープしたテキストを返す。
	Text(raw string) string
	// TextPtr はnilを許容するText。
	TextPtr(raw *string) *string
	// TextSlice は各要素にTextを適用した新しいスライスを返す。
	TextSlice(raw []string) []string
}

// displaySanitizer はDisplaySanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type displaySanitizer struct {
	policy *bluemonday.Policy
}

// NewDisplaySanitizer はDisplaySanitizerの新しいインスタンスを生成する。
// タグを一切許可しないStrictPolicyを使用する。
func NewDisplaySanitizer() *displaySanitizer {
	return &displaySanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Text は全てのHTMLタグを除去する。
func (s *displaySanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	return s.policy.Sanitize(raw)
}

// TextPtr はnilを許容するText。
func (s *displaySanitizer) TextPtr(raw *string) *string {
	if raw == nil {
		return nil
	}
	v := s.Text(*raw)
	return &v
}

// TextSlice は各要素にTextを適用する。
func (s *displaySanitizer) TextSlice(raw []string) []string {
	if raw == nil {
		return nil
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = s.Text(v)
	}
	return out
}
