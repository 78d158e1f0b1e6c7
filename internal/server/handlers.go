// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/costs"
	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/intervene"
	"github.com/pipewright/pipewright/internal/models"
	"github.com/pipewright/pipewright/internal/store"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	db     *store.GormDB
	engine *engine.Engine
	gate   *intervene.Gate
	costs  *costs.Tracker
}

// NewHandlers creates the handler set.
func NewHandlers(db *store.GormDB, eng *engine.Engine, gate *intervene.Gate, tracker *costs.Tracker) *Handlers {
	return &Handlers{db: db, engine: eng, gate: gate, costs: tracker}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	body := map[string]string{"error": msg}
	if err != nil {
		body["context"] = err.Error()
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// --- projects ---

// GetProjects handles GET /api/v1/projects
func (h *Handlers) GetProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.db.GetProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// CreateProject handles POST /api/v1/projects
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string  `json:"name"`
		RepoPath       string  `json:"repo_path"`
		DefaultModel   string  `json:"default_model"`
		MaxBudget      float64 `json:"max_budget"`
		PermissionMode string  `json:"permission_mode"`
		IsSelfRepo     bool    `json:"is_self_repo"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "name and repo_path are required", nil)
		return
	}

	project := &models.Project{
		ID:             uuid.NewString(),
		Name:           req.Name,
		RepoPath:       req.RepoPath,
		DefaultModel:   req.DefaultModel,
		MaxBudget:      req.MaxBudget,
		PermissionMode: req.PermissionMode,
		IsSelfRepo:     req.IsSelfRepo,
	}
	if err := h.db.CreateProject(r.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create project", err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// GetProjectPipelines handles GET /api/v1/projects/{id}/pipelines
func (h *Handlers) GetProjectPipelines(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	pipelines, err := h.db.GetPipelinesByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load pipelines", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines})
}

// CreatePipeline handles POST /api/v1/projects/{id}/pipelines. With
// {"start": true} the pipeline begins executing immediately.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	ctx := r.Context()

	var req struct {
		Requirements string `json:"requirements"`
		Model        string `json:"model"`
		Start        bool   `json:"start"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Requirements) == "" {
		writeError(w, http.StatusBadRequest, "requirements are required", nil)
		return
	}

	if _, err := h.db.GetProject(ctx, projectID); err != nil {
		writeError(w, http.StatusNotFound, "Project not found", err)
		return
	}

	pipeline := &models.Pipeline{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Requirements: req.Requirements,
		State:        models.PipelineStateRequirementsInput,
		CurrentModel: req.Model,
	}
	if err := h.db.CreatePipeline(ctx, pipeline); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create pipeline", err)
		return
	}

	if req.Start {
		if err := h.engine.Start(ctx, pipeline.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to start pipeline", err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, pipeline)
}

// --- pipeline reads ---

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	pipeline, err := h.db.GetPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Pipeline not found", err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// GetPipelineStages handles GET /api/v1/pipelines/{id}/stages
func (h *Handlers) GetPipelineStages(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	stages, err := h.db.GetStagesByPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": stages})
}

// GetPipelineTasks handles GET /api/v1/pipelines/{id}/tasks
func (h *Handlers) GetPipelineTasks(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	tasks, err := h.db.GetTasksByPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// GetPipelinePlan handles GET /api/v1/pipelines/{id}/plan
func (h *Handlers) GetPipelinePlan(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	plan, err := h.db.GetLatestPlan(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load plan", err)
		return
	}
	if plan == nil {
		writeError(w, http.StatusNotFound, "No plan yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// GetPipelineSessions handles GET /api/v1/pipelines/{id}/sessions
func (h *Handlers) GetPipelineSessions(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	sessions, err := h.db.GetSessionsByPipeline(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetPipelineCosts handles GET /api/v1/pipelines/{id}/costs
func (h *Handlers) GetPipelineCosts(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	summary, err := h.costs.GetSummary(r.Context(), pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load cost summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetPipelineInterventions handles GET /api/v1/pipelines/{id}/interventions
func (h *Handlers) GetPipelineInterventions(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	ctx := r.Context()
	interventions, err := h.db.GetPendingInterventionsByPipeline(ctx, pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load interventions", err)
		return
	}
	consultations, err := h.db.GetPendingConsultationsByPipeline(ctx, pipelineID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load consultations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interventions": interventions,
		"consultations": consultations,
	})
}

// --- pipeline control ---

// StartPipeline handles POST /api/v1/pipelines/{id}/start
func (h *Handlers) StartPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if err := h.engine.Start(r.Context(), pipelineID); err != nil {
		writeError(w, http.StatusConflict, "Failed to start pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// CancelPipeline handles POST /api/v1/pipelines/{id}/cancel
func (h *Handlers) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "Cancelled by user"
	}
	if err := h.engine.Cancel(r.Context(), pipelineID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to cancel pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// PausePipeline handles POST /api/v1/pipelines/{id}/pause
func (h *Handlers) PausePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if err := h.engine.Pause(r.Context(), pipelineID); err != nil {
		writeError(w, http.StatusConflict, "Failed to pause pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "paused"})
}

// ResumePipeline handles POST /api/v1/pipelines/{id}/resume
func (h *Handlers) ResumePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if err := h.engine.ResumePaused(r.Context(), pipelineID); err != nil {
		writeError(w, http.StatusConflict, "Failed to resume pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// ReplanPipeline handles POST /api/v1/pipelines/{id}/replan
func (h *Handlers) ReplanPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "Replan requested by user"
	}
	if err := h.engine.Replan(r.Context(), pipelineID, req.Reason); err != nil {
		writeError(w, http.StatusConflict, "Failed to replan pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replanning"})
}

// ReviewPlan handles POST /api/v1/pipelines/{id}/plan-review
func (h *Handlers) ReviewPlan(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	var req struct {
		Decision string `json:"decision"` // "approve", "edit", "reject"
		Feedback string `json:"feedback"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.HandlePlanReview(r.Context(), pipelineID, req.Decision, req.Feedback); err != nil {
		writeError(w, http.StatusConflict, "Failed to apply plan review", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": req.Decision})
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}. Only terminal
// pipelines can be deleted; the cascade removes all dependent records.
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	if err := h.db.DeletePipelineCascade(r.Context(), pipelineID); err != nil {
		writeError(w, http.StatusConflict, "Failed to delete pipeline", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- interventions ---

// ResolveIntervention handles POST /api/v1/interventions/{id}/resolve
func (h *Handlers) ResolveIntervention(w http.ResponseWriter, r *http.Request) {
	interventionID := chi.URLParam(r, "id")
	var req struct {
		Response string `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.gate.ResolveIntervention(r.Context(), interventionID, req.Response); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve intervention", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// RespondToConsultation handles POST /api/v1/consultations/{id}/respond
func (h *Handlers) RespondToConsultation(w http.ResponseWriter, r *http.Request) {
	consultationID := chi.URLParam(r, "id")
	var req struct {
		Response string `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.gate.RespondToConsultation(r.Context(), consultationID, req.Response); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to respond to consultation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
