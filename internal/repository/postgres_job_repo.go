package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/karmahub/internal/model"
)

const jobColumns = `id, creator_id, title, description, category, job_type, budget, karma_reward,
	location, latitude, longitude, status, assigned_to, estimated_duration,
	to_char(due_date, 'YYYY-MM-DD'), requirements, created_at, updated_at`

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// Create はジョブを作成する。ID・状態・日時が未設定の場合は補完する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = "open"
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	requirements := job.Requirements
	if requirements == nil {
		requirements = []string{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, creator_id, title, description, category, job_type, budget, karma_reward,
		                   location, latitude, longitude, status, estimated_duration, due_date,
		                   requirements, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::date, $15, $16, $17)`,
		job.ID, job.CreatorID, job.Title, job.Description, job.Category, string(job.JobType),
		job.Budget, job.KarmaReward, job.Location, job.Latitude, job.Longitude, job.Status,
		job.EstimatedDuration, nullString(job.DueDate), pq.Array(requirements),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ListOpen は募集中のジョブを新しい順に最大limit件返す。
func (r *PostgresJobRepo) ListOpen(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'open'
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByCreator は指定ユーザーが作成したジョブを新しい順に最大limit件返す。
func (r *PostgresJobRepo) ListByCreator(ctx context.Context, creatorID string, limit int) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE creator_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		creatorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by creator: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job := &model.Job{}
		var (
			jobType           string
			budget            sql.NullFloat64
			karmaReward       sql.NullInt64
			latitude          sql.NullFloat64
			longitude         sql.NullFloat64
			assignedTo        sql.NullString
			estimatedDuration sql.NullInt64
			dueDate           sql.NullString
			requirements      []string
		)
		if err := rows.Scan(
			&job.ID, &job.CreatorID, &job.Title, &job.Description, &job.Category, &jobType,
			&budget, &karmaReward, &job.Location, &latitude, &longitude, &job.Status,
			&assignedTo, &estimatedDuration, &dueDate, pq.Array(&requirements),
			&job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.JobType = model.JobType(jobType)
		if budget.Valid {
			job.Budget = &budget.Float64
		}
		if karmaReward.Valid {
			v := int(karmaReward.Int64)
			job.KarmaReward = &v
		}
		if latitude.Valid {
			job.Latitude = &latitude.Float64
		}
		if longitude.Valid {
			job.Longitude = &longitude.Float64
		}
		job.AssignedTo = stringPtr(assignedTo)
		if estimatedDuration.Valid {
			v := int(estimatedDuration.Int64)
			job.EstimatedDuration = &v
		}
		job.DueDate = stringPtr(dueDate)
		job.Requirements = requirements

		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
