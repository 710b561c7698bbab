// Package model はドメインモデルを定義する。
package model

import "time"

// UserMetadata はIdPに登録されたユーザー属性を表す。
type UserMetadata struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Identity は認証済みのプリンシパルを表す。
// IdPが唯一の所有者であり、クライアントは読み取り専用のキャッシュを保持する。
type Identity struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	EmailConfirmedAt *time.Time   `json:"email_confirmed_at,omitempty"`
	Metadata         UserMetadata `json:"user_metadata"`
	LastSignInAt     *time.Time   `json:"last_sign_in_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// EmailConfirmed はメールアドレスが確認済みかどうかを返す。
func (i *Identity) EmailConfirmed() bool {
	return i != nil && i.EmailConfirmedAt != nil && !i.EmailConfirmedAt.IsZero()
}

// Session はブラウザ単位の認証セッションを表す。
// トークンは検査せず、IdPへの転送にのみ使用する。
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	IssuedAt     int64    `json:"issued_at,omitempty"`
	ExpiresAt    int64    `json:"expires_at"` // 絶対時刻（エポック秒）
	User         Identity `json:"user"`
}

// Expiry はセッションの有効期限を返す。
func (s *Session) Expiry() time.Time {
	return time.Unix(s.ExpiresAt, 0)
}

// Profile はIdentityと1対1で紐づくプロフィール（外部エンティティ）を表す。
// このサービスはupsert/updateの発行のみを行い、ライフサイクルは所有しない。
type Profile struct {
	ID                 string
	FirstName          *string
	LastName           *string
	AvatarURL          *string
	Bio                *string
	Location           *string
	Phone              *string
	KarmaPoints        int
	CashPoints         int
	Rank               string
	StreakDays         int
	GoodDeedsCompleted int
	UpdatedAt          time.Time
}

// ProfileUpdate はプロフィールへの部分更新を表す。
// nilのフィールドは既存値を保持する。
type ProfileUpdate struct {
	ID        string
	FirstName *string
	LastName  *string
	AvatarURL *string
	Bio       *string
	Location  *string
	Phone     *string
	UpdatedAt time.Time
}

// ActivityLog はユーザー操作の監査ログ1件を表す。
type ActivityLog struct {
	ID          string
	UserID      string
	Action      string
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}
