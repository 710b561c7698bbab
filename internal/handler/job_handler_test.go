package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/validation"
)

func sampleJob(id, creatorID string) *model.Job {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.Job{
		ID:        id,
		CreatorID: creatorID,
		Title:     "Rasen mähen",
		Category:  "garten",
		JobType:   model.JobTypeGoodDeeds,
		Location:  "Berlin",
		Status:    "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobHandler_Create(t *testing.T) {
	var gotCreator string
	var gotInput validation.JobInput
	svc := &mockJobService{
		createFn: func(ctx context.Context, creatorID string, in validation.JobInput) (*model.Job, error) {
			gotCreator, gotInput = creatorID, in
			return sampleJob("job-1", creatorID), nil
		},
	}
	e := &mockEngine{state: signedInState("user-1")}
	h := NewJobHandler(svc, lookupOf(e))

	body := `{"title":"Rasen mähen","category":"garten","job_type":"good_deeds","location":"Berlin"}`
	w := httptest.NewRecorder()
	h.Create(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body)))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotCreator != "user-1" {
		t.Errorf("creator = %q, want user-1", gotCreator)
	}
	if gotInput.Title != "Rasen mähen" || gotInput.JobType != "good_deeds" {
		t.Errorf("input = %+v", gotInput)
	}

	resp := decodeBody[jobResponse](t, w)
	if resp.ID != "job-1" || resp.JobType != "good_deeds" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Requirements == nil {
		t.Error("requirements must be an empty array, not null")
	}
}

func TestJobHandler_Create_SignedOut(t *testing.T) {
	svc := &mockJobService{
		createFn: func(context.Context, string, validation.JobInput) (*model.Job, error) {
			t.Fatal("service must not be called without a user")
			return nil, nil
		},
	}
	h := NewJobHandler(svc, lookupOf(&mockEngine{}))

	w := httptest.NewRecorder()
	h.Create(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{}`)))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestJobHandler_Create_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation", model.NewValidationError("Titel ist erforderlich"), http.StatusBadRequest},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockJobService{
				createFn: func(context.Context, string, validation.JobInput) (*model.Job, error) {
					return nil, tt.err
				},
			}
			h := NewJobHandler(svc, lookupOf(&mockEngine{state: signedInState("user-1")}))

			w := httptest.NewRecorder()
			h.Create(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"title":""}`)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestJobHandler_ListOpen_EmptyIsArray(t *testing.T) {
	h := NewJobHandler(&mockJobService{}, noEngine)

	w := httptest.NewRecorder()
	h.ListOpen(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", w.Body.String())
	}
}

func TestJobHandler_ListMine(t *testing.T) {
	var gotCreator string
	svc := &mockJobService{
		listByCreatorFn: func(ctx context.Context, creatorID string) ([]*model.Job, error) {
			gotCreator = creatorID
			return []*model.Job{sampleJob("job-1", creatorID), sampleJob("job-2", creatorID)}, nil
		},
	}
	h := NewJobHandler(svc, lookupOf(&mockEngine{state: signedInState("user-9")}))

	w := httptest.NewRecorder()
	h.ListMine(w, httptest.NewRequest(http.MethodGet, "/api/jobs/mine", nil))

	if gotCreator != "user-9" {
		t.Errorf("creator = %q, want user-9", gotCreator)
	}
	jobs := decodeBody[[]jobResponse](t, w)
	if len(jobs) != 2 {
		t.Errorf("len = %d, want 2", len(jobs))
	}
}
