package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/karmahub/internal/middleware"
	"github.com/hitoshi/karmahub/internal/model"
	"github.com/hitoshi/karmahub/internal/validation"
)

// ProfileHandler はプロフィールとゲーミフィケーション操作のHTTPハンドラー。
// いずれもRoute Guardを通過したリクエストのみを受け付ける。
type ProfileHandler struct {
	engines EngineLookup
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(engines EngineLookup) *ProfileHandler {
	return &ProfileHandler{engines: engines}
}

type awardKarmaRequest struct {
	Points          int     `json:"points"`
	Reason          string  `json:"reason"`
	TransactionType string  `json:"transaction_type"`
	JobID           *string `json:"job_id"`
	MissionID       *string `json:"mission_id"`
}

type completeMissionRequest struct {
	PhotoURL *string `json:"photo_url"`
}

type levelResponse struct {
	Level int `json:"level"`
}

// UpdateProfile はプロフィールを部分更新する。
// PUT /api/profile
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var in validation.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}

	notice, err := e.UpdateProfile(r.Context(), in)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeNotice(w, notice)
}

// Level はユーザーのレベルを返す。
// GET /api/profile/level
func (h *ProfileHandler) Level(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	level, err := e.CalculateLevel(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, levelResponse{Level: level})
}

// AwardKarma はサインイン中のユーザーにKarmaを付与する。
// POST /api/karma/award
func (h *ProfileHandler) AwardKarma(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var req awardKarmaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := e.AwardKarma(r.Context(), model.KarmaAward{
		Points:          req.Points,
		Reason:          req.Reason,
		TransactionType: req.TransactionType,
		JobID:           req.JobID,
		MissionID:       req.MissionID,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeRawJSON(w, result)
}

// CompleteMission はミッションを完了する。
// POST /api/missions/{id}/complete
func (h *ProfileHandler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	e, ok := requireEngine(w, r, h.engines)
	if !ok {
		return
	}

	var req completeMissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := e.CompleteMission(r.Context(), chi.URLParam(r, "id"), req.PhotoURL)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeRawJSON(w, result)
}
