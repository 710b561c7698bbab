package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/karmahub/internal/model"
)

// PostgresActivityLogRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresActivityLogRepo struct {
	db *sql.DB
}

// NewPostgresActivityLogRepo はPostgresActivityLogRepoを生成する。
func NewPostgresActivityLogRepo(db *sql.DB) *PostgresActivityLogRepo {
	return &PostgresActivityLogRepo{db: db}
}

// Insert は監査ログを1件追加する。IDと作成日時が未設定の場合は補完する。
func (r *PostgresActivityLogRepo) Insert(ctx context.Context, entry *model.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	metadata := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode activity metadata: %w", err)
		}
		metadata = raw
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, user_id, action, description, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.Action, entry.Description, metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity log: %w", err)
	}
	return nil
}

// DeleteOlderThan はcutoffより古い監査ログを削除し、削除件数を返す。
func (r *PostgresActivityLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activity_log WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old activity logs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ ActivityLogRepository = (*PostgresActivityLogRepo)(nil)
