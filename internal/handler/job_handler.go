package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/karmahub/internal/middleware"
	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/validation"
)

// JobServiceInterface はジョブハンドラーが必要とするサービスインターフェース。
type JobServiceInterface interface {
	Create(ctx context.Context, creatorID string, in validation.JobInput) (*model.Job, error)
	ListOpen(ctx context.Context) ([]*model.Job, error)
	ListByCreator(ctx context.Context, creatorID string) ([]*model.Job, error)
}

// JobHandler はジョブ掲載のHTTPハンドラー。
type JobHandler struct {
	service JobServiceInterface
	engines EngineLookup
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(service JobServiceInterface, engines EngineLookup) *JobHandler {
	return &JobHandler{service: service, engines: engines}
}

// jobResponse はジョブ情報のAPIレスポンス。
type jobResponse struct {
	ID                string    `json:"id"`
	CreatorID         string    `json:"creator_id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	JobType           string    `json:"job_type"`
	Budget            *float64  `json:"budget,omitempty"`
	KarmaReward       *int      `json:"karma_reward,omitempty"`
	Location          string    `json:"location"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	Status            string    `json:"status"`
	AssignedTo        *string   `json:"assigned_to,omitempty"`
	EstimatedDuration *int      `json:"estimated_duration,omitempty"`
	DueDate           *string   `json:"due_date,omitempty"`
	Requirements      []string  `json:"requirements"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Create はジョブを掲載する。
// POST /api/jobs
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	var in validation.JobInput
	if !decodeJSON(w, r, &in) {
		return
	}

	job, err := h.service.Create(r.Context(), userID, in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// ListOpen は募集中のジョブを返す。
// GET /api/jobs
func (h *JobHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListOpen(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponses(jobs))
}

// ListMine はサインイン中のユーザーが掲載したジョブを返す。
// GET /api/jobs/mine
func (h *JobHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUserID(w, r)
	if !ok {
		return
	}

	jobs, err := h.service.ListByCreator(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponses(jobs))
}

func (h *JobHandler) currentUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return "", false
	}
	u := e.State().User
	if u == nil {
		middleware.WriteError(w, model.NewNotAuthenticatedError())
		return "", false
	}
	return u.ID, true
}

func toJobResponses(jobs []*model.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}

func toJobResponse(j *model.Job) jobResponse {
	req := j.Requirements
	if req == nil {
		req = []string{}
	}
	return jobResponse{
		ID:                j.ID,
		CreatorID:         j.CreatorID,
		Title:             j.Title,
		Description:       j.Description,
		Category:          j.Category,
		JobType:           string(j.JobType),
		Budget:            j.Budget,
		KarmaReward:       j.KarmaReward,
		Location:          j.Location,
		Latitude:          j.Latitude,
		Longitude:         j.Longitude,
		Status:            j.Status,
		AssignedTo:        j.AssignedTo,
		EstimatedDuration: j.EstimatedDuration,
		DueDate:           j.DueDate,
		Requirements:      req,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}
