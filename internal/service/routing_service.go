// Package service implements the approval routing and workflow engine:
// threshold matching, workflow materialization, step assignment, the decision
// state machine, progression, delegation, override/cancel, and the overdue
// escalation sweeper.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/metrics"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// RoutingService decides whether an entity needs approval and materializes the
// workflow aggregate when it does.
type RoutingService struct {
	store    repository.Store
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewRoutingService creates a RoutingService.
func NewRoutingService(store repository.Store, notifier Notifier, log *logger.Logger) *RoutingService {
	return &RoutingService{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// RouteRequest carries the entity context for a routing call.
type RouteRequest struct {
	TenantID    string
	ProjectID   string
	Entity      repository.EntityRef
	Value       float64
	InitiatedBy string
	Notes       *string
}

// RoutingResult is the outcome of a successful routing call. Warnings carry
// per-step assignment conflicts (unfilled roles); they never fail the call.
type RoutingResult struct {
	Workflow *repository.Workflow `json:"workflow"`
	Steps    []*repository.Step   `json:"steps"`
	Warnings []string             `json:"warnings,omitempty"`
}

// RequiresApproval is a side-effect-free preview of threshold matching.
func (s *RoutingService) RequiresApproval(ctx context.Context, tenantID string, entityType repository.EntityKind, value float64) (bool, error) {
	if entityType == repository.EntityUnknown {
		return false, apperrors.InvalidInput("entityType", "unknown entity type")
	}

	thresholds, err := s.store.Thresholds().ListActive(ctx, tenantID, entityType)
	if err != nil {
		return false, err
	}
	matched, _ := matchThreshold(thresholds, value)
	return matched != nil, nil
}

// RouteForApproval routes an entity through threshold matching and, when a
// threshold applies, builds the workflow with all steps, assigns approvers and
// activates stage 1 — atomically. A nil result means no threshold matched and
// no approval is required; that is not an error.
func (s *RoutingService) RouteForApproval(ctx context.Context, req RouteRequest) (*RoutingResult, error) {
	if req.Entity.Kind == repository.EntityUnknown {
		return nil, apperrors.InvalidInput("entity.kind", "unknown entity type")
	}
	if req.Entity.ID == "" {
		return nil, apperrors.InvalidInput("entity.id", "entity id is required")
	}
	if req.InitiatedBy == "" {
		return nil, apperrors.InvalidInput("initiatedBy", "initiator is required")
	}

	var result *RoutingResult

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		existing, err := st.Workflows().GetActiveByEntity(ctx, req.TenantID, req.Entity)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"entity %s/%s already has an active approval workflow", req.Entity.Kind, req.Entity.ID)
		}

		thresholds, err := st.Thresholds().ListActive(ctx, req.TenantID, req.Entity.Kind)
		if err != nil {
			return err
		}

		threshold, matchCount := matchThreshold(thresholds, req.Value)
		if matchCount > 1 {
			// Overlapping active ranges violate configuration; resolve
			// deterministically to the lowest sequence and surface the anomaly.
			s.log.Error().
				Str("tenant_id", req.TenantID).
				Str("entity_type", string(req.Entity.Kind)).
				Float64("value", req.Value).
				Str("threshold_id", threshold.ID).
				Int("matches", matchCount).
				Msg("Overlapping threshold ranges; picked lowest sequence")
		}
		if threshold == nil {
			return nil // no approval required
		}
		if len(threshold.StepTemplates) == 0 {
			// Thresholds are validated at write time; an empty template list
			// means the registry was mutated out of band. Refuse it rather
			// than materialize an unapprovable workflow.
			s.log.Error().
				Str("tenant_id", req.TenantID).
				Str("entity_type", string(req.Entity.Kind)).
				Str("threshold_id", threshold.ID).
				Msg("Matched threshold has no step templates")
			return apperrors.Newf(apperrors.ErrCodeConfigConflict,
				"threshold %q has no step templates", threshold.Name)
		}

		now := s.now()
		wf := &repository.Workflow{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			ProjectID:   req.ProjectID,
			Entity:      req.Entity,
			ThresholdID: threshold.ID,
			EntityValue: req.Value,
			Status:      repository.WorkflowInProgress,
			InitiatedBy: req.InitiatedBy,
			Notes:       req.Notes,
		}

		steps, warnings, err := s.buildSteps(ctx, st, wf, threshold, now)
		if err != nil {
			return err
		}

		if err := st.Workflows().Create(ctx, wf, steps); err != nil {
			return err
		}

		if err := st.History().Append(ctx, &repository.HistoryEntry{
			WorkflowID: wf.ID,
			Action:     repository.ActionSubmitted,
			ActorID:    req.InitiatedBy,
			Comments:   req.Notes,
			Metadata: map[string]any{
				"threshold_id": threshold.ID,
				"entity_value": req.Value,
				"total_steps":  len(steps),
			},
		}); err != nil {
			return err
		}

		result = &RoutingResult{Workflow: wf, Steps: steps, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	metrics.WorkflowsCreated.WithLabelValues(string(req.Entity.Kind)).Inc()
	s.log.Info().
		Str("workflow_id", result.Workflow.ID).
		Str("entity_type", string(req.Entity.Kind)).
		Str("entity_id", req.Entity.ID).
		Int("total_steps", len(result.Steps)).
		Int("warnings", len(result.Warnings)).
		Msg("Approval workflow created")

	if first := result.Steps[0]; first.AssignedTo != nil && first.Status == repository.StepInReview {
		s.notifier.Publish(ctx, Notification{
			Event:      EventApprovalRequired,
			TenantID:   result.Workflow.TenantID,
			Recipient:  *first.AssignedTo,
			Entity:     result.Workflow.Entity,
			WorkflowID: result.Workflow.ID,
			Stage:      first.Stage,
			DueAt:      &first.DueAt,
		})
	}

	return result, nil
}

// GetActiveWorkflow returns the active workflow for an entity, or nil.
func (s *RoutingService) GetActiveWorkflow(ctx context.Context, tenantID string, ref repository.EntityRef) (*repository.Workflow, error) {
	return s.store.Workflows().GetActiveByEntity(ctx, tenantID, ref)
}

// GetWorkflowSteps returns all steps of a workflow in stage order.
func (s *RoutingService) GetWorkflowSteps(ctx context.Context, workflowID string) ([]*repository.Step, error) {
	if _, err := s.store.Workflows().GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.Steps().ListByWorkflow(ctx, workflowID)
}

// GetHistory returns the full audit trail for a workflow, oldest first.
func (s *RoutingService) GetHistory(ctx context.Context, workflowID string) ([]*repository.HistoryEntry, error) {
	if _, err := s.store.Workflows().GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.History().ListByWorkflow(ctx, workflowID)
}

// GetPendingForUser returns all open steps awaiting action from a user.
func (s *RoutingService) GetPendingForUser(ctx context.Context, tenantID, userID string) ([]*repository.Step, error) {
	return s.store.Steps().ListPendingForUser(ctx, tenantID, userID)
}

// ── workflow factory / step assignment ───────────────────────────────────────

// buildSteps materializes the threshold's step templates, resolves an approver
// per step from the project role registry and activates stage 1. A role that
// does not resolve leaves the step unassigned and records a warning; stage 1
// still activates with a null assignee so the workflow is visible to
// operators.
func (s *RoutingService) buildSteps(
	ctx context.Context,
	st repository.Store,
	wf *repository.Workflow,
	threshold *repository.Threshold,
	now time.Time,
) ([]*repository.Step, []string, error) {
	steps := make([]*repository.Step, 0, len(threshold.StepTemplates))
	var warnings []string

	for _, tpl := range threshold.StepTemplates {
		step := &repository.Step{
			ID:          uuid.NewString(),
			Stage:       tpl.Stage,
			Role:        tpl.Role,
			Required:    tpl.Required,
			Description: tpl.Description,
			Status:      repository.StepPending,
			DueAt:       stageDueDate(now, threshold.TargetDays, tpl.Stage),
		}
		if tpl.Stage == 1 {
			step.Status = repository.StepInReview
		}

		assignment, err := st.Roles().Get(ctx, wf.TenantID, wf.ProjectID, tpl.Role)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case assignment == nil:
			warnings = append(warnings, fmt.Sprintf("stage %d: role %s is not assigned on this project", tpl.Stage, tpl.Role))
			s.log.Warn().
				Str("project_id", wf.ProjectID).
				Str("role", string(tpl.Role)).
				Int("stage", tpl.Stage).
				Msg("No approver for role; step will be unassigned")
		case !assignment.CanApprove:
			warnings = append(warnings, fmt.Sprintf("stage %d: role %s holder cannot approve", tpl.Stage, tpl.Role))
		default:
			step.AssignedTo = &assignment.UserID
			step.AssignedAt = &now
			if assignment.DeputyUserID != nil {
				// The deputy is decision-authorized from activation.
				step.DelegatedTo = assignment.DeputyUserID
				step.DelegatedAt = &now
			}
		}

		steps = append(steps, step)
	}

	return steps, warnings, nil
}

// matchThreshold returns the applicable threshold for value and the number of
// thresholds whose range contained it. The input is ordered by min_value then
// sequence; with healthy configuration at most one matches. When corrupt data
// yields several, the lowest-sequence one wins deterministically.
func matchThreshold(thresholds []*repository.Threshold, value float64) (*repository.Threshold, int) {
	var matched *repository.Threshold
	count := 0
	for _, t := range thresholds {
		if !t.Contains(value) {
			continue
		}
		count++
		if matched == nil || t.Sequence < matched.Sequence {
			matched = t
		}
	}
	return matched, count
}

// stageDueDate computes a step's due date as ceil(targetDays / stage) days
// from workflow creation, applied independently per stage. Later stages get
// proportionally less slack, and a delayed earlier stage can push past a later
// stage's due date; this mirrors the documented product behavior and is
// flagged with product rather than silently changed.
func stageDueDate(createdAt time.Time, targetDays, stage int) time.Time {
	days := (targetDays + stage - 1) / stage
	if days < 1 {
		days = 1
	}
	return createdAt.AddDate(0, 0, days)
}
