package auth

import (
	"context"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/repository"
	"github.com/hitoshi/karmahub/internal/validation"
)

// Hook はサインイン確定後に非同期で実行される副作用。
// 失敗はログとメトリクスに記録され、サインイン自体には影響しない。
type Hook struct {
	Name string
	Run  func(ctx context.Context, user model.Identity) error
}

// ProfileSyncHook はIdentityのメタデータからプロフィールの影レコードをUPSERTする。
// メタデータが空の項目は既存の値を上書きしない。
func ProfileSyncHook(profiles repository.ProfileRepository, now func() time.Time) Hook {
	return Hook{
		Name: "profile_sync",
		Run: func(ctx context.Context, user model.Identity) error {
			return profiles.Upsert(ctx, &model.ProfileUpdate{
				ID:        user.ID,
				FirstName: nonEmpty(validation.SanitizeInput(user.Metadata.FirstName)),
				LastName:  nonEmpty(validation.SanitizeInput(user.Metadata.LastName)),
				AvatarURL: nonEmpty(validation.SanitizeInput(user.Metadata.AvatarURL)),
				UpdatedAt: now(),
			})
		},
	}
}

// StreakHook はログイン連続日数の更新プロシージャを呼び出す。
func StreakHook(gamification repository.GamificationRepository) Hook {
	return Hook{
		Name: "update_streak",
		Run: func(ctx context.Context, user model.Identity) error {
			return gamification.UpdateUserStreak(ctx, user.ID)
		},
	}
}

// ActivityLogHook はログイン成功を監査ログに記録する。
func ActivityLogHook(logs repository.ActivityLogRepository, now func() time.Time) Hook {
	return Hook{
		Name: "activity_log",
		Run: func(ctx context.Context, user model.Identity) error {
			ts := now()
			return logs.Insert(ctx, &model.ActivityLog{
				UserID:      user.ID,
				Action:      "user_login",
				Description: "User successfully logged in",
				Metadata:    map[string]any{"timestamp": ts.UTC().Format(time.RFC3339)},
				CreatedAt:   ts,
			})
		},
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
