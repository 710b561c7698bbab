// Package job はお手伝い依頼（ジョブ）の作成と一覧取得を提供する。
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/repository"
	"github.com/hitoshi/karmahub/internal/security"
	"github.com/hitoshi/karmahub/internal/validation"
)

const (
	// OpenListLimit は公開中ジョブ一覧の最大件数。
	OpenListLimit = 100
	// OwnListLimit は自分のジョブ一覧の最大件数。
	OwnListLimit = 50
)

// Service はジョブの作成と一覧取得のサービス。
type Service struct {
	jobs      repository.JobRepository
	logs      repository.ActivityLogRepository
	schema    *validation.SchemaValidator
	sanitizer security.DisplaySanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	jobs repository.JobRepository,
	logs repository.ActivityLogRepository,
	schema *validation.SchemaValidator,
	sanitizer security.DisplaySanitizer,
) *Service {
	return &Service{
		jobs:      jobs,
		logs:      logs,
		schema:    schema,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Create は入力を検証・サニタイズしてジョブを登録する。
// 登録後の監査ログ書き込みはベストエフォートで、失敗しても作成は成功とする。
func (s *Service) Create(ctx context.Context, creatorID string, in validation.JobInput) (*model.Job, error) {
	clean, err := s.schema.ValidateJob(in)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		CreatorID:         creatorID,
		Title:             clean.Title,
		Description:       clean.Description,
		Category:          clean.Category,
		JobType:           model.JobType(clean.JobType),
		Budget:            clean.Budget,
		KarmaReward:       clean.KarmaReward,
		Location:          clean.Location,
		Latitude:          clean.Latitude,
		Longitude:         clean.Longitude,
		EstimatedDuration: clean.EstimatedDuration,
		DueDate:           clean.DueDate,
		Requirements:      clean.Requirements,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		slog.Error("failed to create job",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("Fehler", "Job konnte nicht erstellt werden.")
	}

	if err := s.logs.Insert(ctx, &model.ActivityLog{
		UserID:      creatorID,
		Action:      "job_created",
		Description: fmt.Sprintf("Job \"%s\" erstellt", job.Title),
		Metadata:    map[string]any{"job_id": job.ID},
		CreatedAt:   s.now(),
	}); err != nil {
		slog.Warn("failed to log job creation",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.forDisplay(job), nil
}

// ListOpen は公開中のジョブを新しい順に返す。
func (s *Service) ListOpen(ctx context.Context) ([]*model.Job, error) {
	jobs, err := s.jobs.ListOpen(ctx, OpenListLimit)
	if err != nil {
		slog.Error("failed to list open jobs", slog.String("error", err.Error()))
		return nil, model.NewProviderError("Fehler", "Jobs konnten nicht geladen werden.")
	}
	return s.forDisplayAll(jobs), nil
}

// ListByCreator は指定ユーザーが作成したジョブを新しい順に返す。
func (s *Service) ListByCreator(ctx context.Context, creatorID string) ([]*model.Job, error) {
	jobs, err := s.jobs.ListByCreator(ctx, creatorID, OwnListLimit)
	if err != nil {
		slog.Error("failed to list own jobs",
			slog.String("creator_id", creatorID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("Fehler", "Ihre Jobs konnten nicht geladen werden.")
	}
	return s.forDisplayAll(jobs), nil
}

func (s *Service) forDisplayAll(jobs []*model.Job) []*model.Job {
	out := make([]*model.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.forDisplay(j))
	}
	return out
}

// forDisplay は表示用にテキストを無害化し、不正な種別・状態を既定値に補正したコピーを返す。
func (s *Service) forDisplay(j *model.Job) *model.Job {
	v := *j
	v.Title = s.sanitizer.Text(j.Title)
	v.Description = s.sanitizer.Text(j.Description)
	v.Category = s.sanitizer.Text(j.Category)
	v.Location = s.sanitizer.Text(j.Location)
	v.Requirements = s.sanitizer.TextSlice(j.Requirements)

	if v.JobType != model.JobTypeGoodDeeds && v.JobType != model.JobTypeKeinBock {
		v.JobType = model.JobTypeGoodDeeds
	}
	if v.Status == "" {
		v.Status = "open"
	}
	return &v
}
