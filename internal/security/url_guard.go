package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrNotPublicURL はURLが公開URLとして受け付けられない場合のエラー。
var ErrNotPublicURL = errors.New("not a public URL")

// internalSuffixes は組織内やクラウド内部でのみ解決されるホスト名の接尾辞。
var internalSuffixes = []string{"localhost", "local", "internal"}

// ValidatePublicURL はユーザーが登録するURL（アバター画像、ミッション写真）を静的に検証する。
// DNS解決は行わない。サーバーはこのURLに自らリクエストを送らず、ブラウザが表示に使うのみ。
func ValidatePublicURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotPublicURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrNotPublicURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: embedded credentials", ErrNotPublicURL)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrNotPublicURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !isPublicAddr(addr.Unmap()) {
			return fmt.Errorf("%w: address %s", ErrNotPublicURL, addr)
		}
		return nil
	}

	for _, suffix := range internalSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return fmt.Errorf("%w: host %s", ErrNotPublicURL, host)
		}
	}
	return nil
}

// isPublicAddr はグローバルに到達可能なユニキャストアドレスか判定する。
// 169.254.169.254などのメタデータアドレスはリンクローカルとして除外される。
func isPublicAddr(addr netip.Addr) bool {
	if addr.Is4() && addr.As4()[0] == 0 {
		return false
	}
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}
