package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/karmahub/internal/model"
)

// PostgresGamificationRepo はデータストアのストアドプロシージャを呼び出すリポジトリ。
// プロシージャ本体はデータストア側が所有する。
type PostgresGamificationRepo struct {
	db *sql.DB
}

// NewPostgresGamificationRepo はPostgresGamificationRepoを生成する。
func NewPostgresGamificationRepo(db *sql.DB) *PostgresGamificationRepo {
	return &PostgresGamificationRepo{db: db}
}

// UpdateUserStreak はupdate_user_streakを呼び出す。
func (r *PostgresGamificationRepo) UpdateUserStreak(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`SELECT update_user_streak(user_id => $1::uuid)`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user streak: %w", err)
	}
	return nil
}

// AwardKarma はaward_karmaを呼び出し、結果をJSONで返す。
func (r *PostgresGamificationRepo) AwardKarma(ctx context.Context, award *model.KarmaAward) (json.RawMessage, error) {
	txType := award.TransactionType
	if txType == "" {
		txType = "manual"
	}

	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT to_jsonb(award_karma(
		   user_id => $1::uuid,
		   points => $2,
		   reason => $3,
		   job_id => $4::uuid,
		   mission_id => $5::uuid,
		   transaction_type => $6
		 ))`,
		award.UserID, award.Points, award.Reason,
		nullString(award.JobID), nullString(award.MissionID), txType,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to award karma: %w", err)
	}
	return json.RawMessage(raw), nil
}

// CompleteMission はcomplete_missionを呼び出し、結果をJSONで返す。
func (r *PostgresGamificationRepo) CompleteMission(ctx context.Context, userID, missionID string, photoURL *string) (json.RawMessage, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT to_jsonb(complete_mission(
		   user_id => $1::uuid,
		   mission_id => $2::uuid,
		   photo_url => $3
		 ))`,
		userID, missionID, nullString(photoURL),
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to complete mission: %w", err)
	}
	return json.RawMessage(raw), nil
}

// CalculateUserLevel はcalculate_user_levelを呼び出す。結果がNULLの場合は1を返す。
func (r *PostgresGamificationRepo) CalculateUserLevel(ctx context.Context, userID string) (int, error) {
	var level sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT calculate_user_level(user_id => $1::uuid)`,
		userID,
	).Scan(&level)
	if err != nil {
		return model.DefaultUserLevel, fmt.Errorf("failed to calculate user level: %w", err)
	}
	if !level.Valid || level.Int64 < 1 {
		return model.DefaultUserLevel, nil
	}
	return int(level.Int64), nil
}

// compile-time interface check
var _ GamificationRepository = (*PostgresGamificationRepo)(nil)
