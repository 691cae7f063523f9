// Package handler exposes the engine over HTTP. Transport is thin glue: all
// semantics live in the service layer, and authentication happens upstream at
// the gateway, which forwards the acting principal and tenant.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
	"github.com/opsite-ai/be-pm-approvals/internal/service"
)

// HTTPHandler routes approval engine requests.
type HTTPHandler struct {
	routing    *service.RoutingService
	decisions  *service.DecisionService
	thresholds *service.ThresholdService
	log        *logger.Logger
}

// NewHTTPHandler creates the HTTP handler.
func NewHTTPHandler(
	routing *service.RoutingService,
	decisions *service.DecisionService,
	thresholds *service.ThresholdService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		routing:    routing,
		decisions:  decisions,
		thresholds: thresholds,
		log:        log,
	}
}

// ── routing ──────────────────────────────────────────────────────────────────

type routeRequest struct {
	TenantID    string  `json:"tenant_id"`
	ProjectID   string  `json:"project_id"`
	EntityType  string  `json:"entity_type"`
	EntityID    string  `json:"entity_id"`
	Value       float64 `json:"value"`
	InitiatedBy string  `json:"initiated_by"`
	Notes       *string `json:"notes,omitempty"`
}

// RouteForApproval handles POST /api/v1/approvals/route.
func (h *HTTPHandler) RouteForApproval(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.routing.RouteForApproval(r.Context(), service.RouteRequest{
		TenantID:    req.TenantID,
		ProjectID:   req.ProjectID,
		Entity:      repository.EntityRef{Kind: repository.ParseEntityKind(req.EntityType), ID: req.EntityID},
		Value:       req.Value,
		InitiatedBy: req.InitiatedBy,
		Notes:       req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if result == nil {
		// No threshold matched: approval not required, not an error.
		writeJSON(w, http.StatusOK, map[string]any{"approval_required": false})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// RequiresApproval handles GET /api/v1/approvals/preview.
func (h *HTTPHandler) RequiresApproval(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		writeError(w, apperrors.InvalidInput("value", "numeric value is required"))
		return
	}

	required, err := h.routing.RequiresApproval(r.Context(),
		r.URL.Query().Get("tenant_id"),
		repository.ParseEntityKind(r.URL.Query().Get("entity_type")),
		value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_required": required})
}

// GetActiveWorkflow handles GET /api/v1/approvals/active.
func (h *HTTPHandler) GetActiveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.routing.GetActiveWorkflow(r.Context(),
		r.URL.Query().Get("tenant_id"),
		repository.EntityRef{
			Kind: repository.ParseEntityKind(r.URL.Query().Get("entity_type")),
			ID:   r.URL.Query().Get("entity_id"),
		})
	if err != nil {
		writeError(w, err)
		return
	}
	if wf == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workflow": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf})
}

// GetWorkflowSteps handles GET /api/v1/approvals/steps.
func (h *HTTPHandler) GetWorkflowSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.routing.GetWorkflowSteps(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// GetHistory handles GET /api/v1/approvals/history.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.routing.GetHistory(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetPendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	steps, err := h.routing.GetPendingForUser(r.Context(),
		r.URL.Query().Get("tenant_id"),
		r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// ── decisions ────────────────────────────────────────────────────────────────

type decideRequest struct {
	StepID     string  `json:"step_id"`
	Decision   string  `json:"decision"`
	ActorID    string  `json:"actor_id"`
	Comments   *string `json:"comments,omitempty"`
	Conditions *string `json:"conditions,omitempty"`
}

// Decide handles POST /api/v1/approvals/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	wf, err := h.decisions.Decide(r.Context(), req.StepID,
		repository.Decision(req.Decision), req.ActorID, req.Comments, req.Conditions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type delegateRequest struct {
	StepID     string  `json:"step_id"`
	FromUserID string  `json:"from_user_id"`
	ToUserID   string  `json:"to_user_id"`
	Reason     *string `json:"reason,omitempty"`
}

// Delegate handles POST /api/v1/approvals/delegate.
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	step, err := h.decisions.Delegate(r.Context(), req.StepID, req.FromUserID, req.ToUserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

type assignRequest struct {
	StepID  string `json:"step_id"`
	UserID  string `json:"user_id"`
	ActorID string `json:"actor_id"`
}

// Assign handles POST /api/v1/approvals/assign.
func (h *HTTPHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	step, err := h.decisions.Assign(r.Context(), req.StepID, req.UserID, req.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

type terminateRequest struct {
	WorkflowID string `json:"workflow_id"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason"`
}

// Override handles POST /api/v1/approvals/override.
func (h *HTTPHandler) Override(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	wf, err := h.decisions.Override(r.Context(), req.WorkflowID, req.ActorID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// Cancel handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	wf, err := h.decisions.Cancel(r.Context(), req.WorkflowID, req.ActorID, reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// ── thresholds ───────────────────────────────────────────────────────────────

type thresholdRequest struct {
	ID            string                    `json:"id,omitempty"`
	TenantID      string                    `json:"tenant_id"`
	EntityType    string                    `json:"entity_type"`
	Name          string                    `json:"name"`
	MinValue      float64                   `json:"min_value"`
	MaxValue      *float64                  `json:"max_value,omitempty"`
	StepTemplates []repository.StepTemplate `json:"step_templates"`
	TargetDays    int                       `json:"target_days"`
	IsActive      bool                      `json:"is_active"`
	Sequence      int                       `json:"sequence"`
}

func (req *thresholdRequest) toThreshold() *repository.Threshold {
	return &repository.Threshold{
		ID:            req.ID,
		TenantID:      req.TenantID,
		EntityType:    repository.EntityKind(req.EntityType),
		Name:          req.Name,
		MinValue:      req.MinValue,
		MaxValue:      req.MaxValue,
		StepTemplates: req.StepTemplates,
		TargetDays:    req.TargetDays,
		IsActive:      req.IsActive,
		Sequence:      req.Sequence,
	}
}

// CreateThreshold handles POST /api/v1/thresholds.
func (h *HTTPHandler) CreateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	t := req.toThreshold()
	if err := h.thresholds.Create(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// UpdateThreshold handles PUT /api/v1/thresholds.
func (h *HTTPHandler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	t := req.toThreshold()
	if err := h.thresholds.Update(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListThresholds handles GET /api/v1/thresholds.
func (h *HTTPHandler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	thresholds, err := h.thresholds.List(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholds)
}

// ── response helpers ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	})
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case apperrors.ErrCodeConflict, apperrors.ErrCodeConfigConflict:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
