// Package cleanup は監査ログの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したactivity_logを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Purger は指定時刻より古いレコードを削除する。
// repository.ActivityLogRepositoryが満たす。
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRetentionDays は監査ログの既定の保持日数。
const DefaultRetentionDays = 90

// CleanupJob は保持期間を超過した監査ログの自動削除ジョブ。
// 削除対象がない場合も成功として扱う冪等な処理。
type CleanupJob struct {
	logs          Purger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(logs Purger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		logs:          logs,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run は保持期間を超過した監査ログを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.RetentionDays <= 0 {
		return fmt.Errorf("invalid retention days: %d", j.RetentionDays)
	}

	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("activity log cleanup failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to purge activity log: %w", err)
	}

	j.logger.Info("activity log cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Schedule は起動直後に1回実行し、以降intervalごとに実行する。ctxのキャンセルで終了する。
// 個々の実行の失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Schedule(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = j.Run(ctx)
		case <-ctx.Done():
			j.logger.Info("activity log cleanup scheduler stopped")
			return
		}
	}
}
