package auth

import (
	"fmt"
	"time"

	"github.com/hitoshi/karmahub/internal/ratelimit"
	"github.com/hitoshi/karmahub/internal/validation"
)

// プリセット名
const (
	PresetStandard = "standard"
	PresetSecure   = "secure"
	PresetStrict   = "strict"
)

// RateLimits は認証操作ごとの試行回数制限。
type RateLimits struct {
	SignIn ratelimit.Rule
	SignUp ratelimit.Rule
}

// Config はAuth Policy Engineの設定。
// 0値の期間は該当チェックを無効にする。
type Config struct {
	MaxSessionAge        time.Duration // Identity作成からの最大経過時間
	MaxDormancy          time.Duration // 最終サインインからの最大経過時間
	RequireEmailVerified bool
	Password             validation.PasswordPolicy
	RateLimits           RateLimits

	EmailRedirectTo         string // サインアップ確認メールの戻り先
	PasswordResetRedirectTo string // パスワードリセットメールの戻り先

	InitTimeout time.Duration // 初期セッション復元の待機上限
	HookTimeout time.Duration // サインイン後フック1件あたりのタイムアウト
}

// StandardConfig はスロットリングなし・期限チェックなしの設定を返す。
func StandardConfig() Config {
	return Config{
		InitTimeout: 10 * time.Second,
		HookTimeout: 5 * time.Second,
	}
}

// SecureConfig はサインイン5回/15分、登録3回/60分、記号必須、24時間のセッション上限を課す設定を返す。
func SecureConfig() Config {
	cfg := StandardConfig()
	cfg.MaxSessionAge = 24 * time.Hour
	cfg.Password = validation.PasswordPolicy{RequireSymbol: true}
	cfg.RateLimits = RateLimits{
		SignIn: ratelimit.Rule{Max: 5, Window: 15 * time.Minute},
		SignUp: ratelimit.Rule{Max: 3, Window: 60 * time.Minute},
	}
	return cfg
}

// StrictConfig はSecureConfigに7日間の休眠チェックとメール確認必須を加えた設定を返す。
func StrictConfig() Config {
	cfg := SecureConfig()
	cfg.MaxDormancy = 7 * 24 * time.Hour
	cfg.RequireEmailVerified = true
	return cfg
}

// PresetConfig はプリセット名に対応する設定を返す。
func PresetConfig(name string) (Config, error) {
	switch name {
	case PresetStandard:
		return StandardConfig(), nil
	case PresetSecure, "":
		return SecureConfig(), nil
	case PresetStrict:
		return StrictConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown auth preset: %q", name)
	}
}

// WithBaseURL はベースURLからメール内リンクの戻り先を設定する。
func (c Config) WithBaseURL(baseURL string) Config {
	c.EmailRedirectTo = baseURL + "/dashboard"
	c.PasswordResetRedirectTo = baseURL + "/reset-password"
	return c
}
