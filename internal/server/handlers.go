package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/storage"
	"github.com/scrypster/engram/pkg/types"
)

// Handlers holds the API handlers bound to one engine instance.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates the API handler set.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeStoreError maps storage sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, storage.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_REFERENCE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// captureRequest is the POST /api/episodes body. Only task is mandatory;
// everything else has a working default.
type captureRequest struct {
	Task            string   `json:"task"`
	Context         string   `json:"context"`
	Solution        string   `json:"solution"`
	SolutionSummary string   `json:"solution_summary"`
	Outcome         string   `json:"outcome"`
	Success         *bool    `json:"success"`
	EpisodeType     string   `json:"episode_type"`
	Tags            []string `json:"tags"`
	FilesAffected   []string `json:"files_affected"`
	LessonsLearned  []string `json:"lessons_learned"`
	SourceAssistant string   `json:"source_assistant"`
	ProjectName     string   `json:"project_name"`
	ImportanceScore *float64 `json:"importance_score"`

	RawThinking            string   `json:"raw_thinking"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	DecisionFactors        []string `json:"decision_factors"`
	ConfidenceLevel        *float64 `json:"confidence_level"`
}

// CreateEpisode handles POST /api/episodes.
func (h *Handlers) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}

	ep := types.NewEpisode(req.Task, req.Context)
	ep.Solution = req.Solution
	ep.SolutionSummary = req.SolutionSummary
	ep.Outcome = req.Outcome
	if req.Success != nil {
		ep.Success = *req.Success
	}
	if req.EpisodeType != "" {
		ep.EpisodeType = types.EpisodeType(req.EpisodeType)
	}
	ep.Tags = req.Tags
	ep.FilesAffected = req.FilesAffected
	ep.LessonsLearned = req.LessonsLearned
	if req.SourceAssistant != "" {
		ep.SourceAssistant = req.SourceAssistant
	}
	if req.ProjectName != "" {
		ep.ProjectName = req.ProjectName
	}
	if req.ImportanceScore != nil {
		ep.ImportanceScore = *req.ImportanceScore
	}
	ep.ReasoningTrace = types.ReasoningTrace{
		RawThinking:            req.RawThinking,
		AlternativesConsidered: req.AlternativesConsidered,
		DecisionFactors:        req.DecisionFactors,
		ConfidenceLevel:        req.ConfidenceLevel,
	}

	if err := h.engine.CaptureEpisode(r.Context(), ep); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

// GetEpisode handles GET /api/episodes/{id}.
func (h *Handlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.engine.GetEpisode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// markRequest is the POST /api/episodes/{id}/mark body. Absent fields leave
// the corresponding flag unchanged.
type markRequest struct {
	IsCritical        *bool   `json:"is_critical"`
	IsAntipattern     *bool   `json:"is_antipattern"`
	SupersededBy      *string `json:"superseded_by"`
	DeprecationReason *string `json:"deprecation_reason"`
}

// MarkEpisode handles POST /api/episodes/{id}/mark.
func (h *Handlers) MarkEpisode(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}

	mark := storage.Mark{
		IsCritical:        req.IsCritical,
		IsAntipattern:     req.IsAntipattern,
		SupersededBy:      req.SupersededBy,
		DeprecationReason: req.DeprecationReason,
	}
	if mark.IsEmpty() {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "mark request carries no flags")
		return
	}

	updated, err := h.engine.MarkEpisode(r.Context(), r.PathValue("id"), mark)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// retrieveRequest is the POST /api/retrieve body.
type retrieveRequest struct {
	Query   string `json:"query"`
	Project string `json:"project"`
	K       int    `json:"k"`
}

// Retrieve handles POST /api/retrieve.
func (h *Handlers) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "query is required")
		return
	}

	result, err := h.engine.Retrieve(r.Context(), req.Query, req.Project, req.K)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"episodes":      result.Episodes,
		"meta_memories": result.MetaMemories,
		"warnings":      result.Warnings,
		"degraded":      result.Degraded,
	})
}

// GetContext handles GET /api/context.
func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	project := r.URL.Query().Get("project")
	includeReasoning, _ := strconv.ParseBool(r.URL.Query().Get("include_reasoning"))

	payload, err := h.engine.GetContext(r.Context(), topic, project, includeReasoning)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// consolidateRequest is the POST /api/consolidate body.
type consolidateRequest struct {
	Project        string `json:"project"`
	MinClusterSize int    `json:"min_cluster_size"`
}

// Consolidate handles POST /api/consolidate.
func (h *Handlers) Consolidate(w http.ResponseWriter, r *http.Request) {
	var req consolidateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
			return
		}
	}

	report, err := h.engine.Consolidate(r.Context(), req.Project, req.MinClusterSize)
	if err != nil {
		if report != nil {
			// All clusters failed: the report explains what was skipped.
			writeJSON(w, http.StatusBadGateway, report)
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ConsolidationStatus handles GET /api/consolidation/status.
func (h *Handlers) ConsolidationStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.CheckConsolidation(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Timeline handles GET /api/timeline.
func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Timeline(r.Context(), r.URL.Query().Get("project"), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": entries})
}

// Lessons handles GET /api/lessons.
func (h *Handlers) Lessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := h.engine.Lessons(r.Context(), r.URL.Query().Get("project"), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lessons": lessons})
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /api/health: liveness plus the dual-persistence
// reconciliation report.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    healthStatus(report.Healthy()),
		"checked":   report.CheckedAt.Format(time.RFC3339),
		"reconcile": report,
	})
}

func healthStatus(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}
