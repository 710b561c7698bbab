// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
)

// ProfileRepository はプロフィール（外部エンティティ）への書き込みインターフェース。
type ProfileRepository interface {
	// Upsert はプロフィールをid単位でUPSERTする。
	// nilフィールドは変更せず、既存の値を維持する部分更新を行う。
	Upsert(ctx context.Context, update *model.ProfileUpdate) error

	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)
}

// ActivityLogRepository は監査ログの永続化インターフェース。
type ActivityLogRepository interface {
	// Insert は監査ログを1件追加する。
	Insert(ctx context.Context, entry *model.ActivityLog) error

	// DeleteOlderThan はcutoffより古い監査ログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobRepository はジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.Job) error

	// ListOpen は募集中のジョブを新しい順に最大limit件返す。
	ListOpen(ctx context.Context, limit int) ([]*model.Job, error)

	// ListByCreator は指定ユーザーが作成したジョブを新しい順に最大limit件返す。
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]*model.Job, error)
}

// GamificationRepository はデータストア側のストアドプロシージャ呼び出しインターフェース。
// 結果は解釈せずに呼び出し元へ返す。
type GamificationRepository interface {
	// UpdateUserStreak はupdate_user_streakを呼び出す。
	UpdateUserStreak(ctx context.Context, userID string) error

	// AwardKarma はaward_karmaを呼び出し、結果をJSONで返す。
	AwardKarma(ctx context.Context, award *model.KarmaAward) (json.RawMessage, error)

	// CompleteMission はcomplete_missionを呼び出し、結果をJSONで返す。
	CompleteMission(ctx context.Context, userID, missionID string, photoURL *string) (json.RawMessage, error)

	// CalculateUserLevel はcalculate_user_levelを呼び出す。結果がNULLの場合は1を返す。
	CalculateUserLevel(ctx context.Context, userID string) (int, error)
}
