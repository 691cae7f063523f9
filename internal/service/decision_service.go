package service

import (
	"context"
	"strings"
	"time"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/metrics"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// DecisionService is the transactional core of the engine: it validates a
// decision against the step's state and the actor's authority, records it,
// appends the audit entry and advances or terminates the workflow — all inside
// one transaction. Notifications go out only after commit.
type DecisionService struct {
	store    repository.Store
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewDecisionService creates a DecisionService.
func NewDecisionService(store repository.Store, notifier Notifier, log *logger.Logger) *DecisionService {
	return &DecisionService{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Decide records a decision on a step. The actor must be the step's assignee
// or delegate; administrative bypass is Override, never Decide.
func (s *DecisionService) Decide(
	ctx context.Context,
	stepID string,
	decision repository.Decision,
	actorID string,
	comments *string,
	conditions *string,
) (*repository.Workflow, error) {
	if _, ok := repository.ParseDecision(string(decision)); !ok {
		return nil, apperrors.InvalidInput("decision", "unknown decision value")
	}
	if decision == repository.DecisionRejected && emptyText(comments) {
		return nil, apperrors.InvalidInput("comments", "rejection comments are required")
	}

	var (
		wf            *repository.Workflow
		notifications []Notification
	)

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		// Unlocked read resolves the parent workflow; locks are then taken
		// workflow first, step second — the same order terminate uses, so a
		// concurrent Decide and Override cannot deadlock.
		step, err := st.Steps().GetByID(ctx, stepID)
		if err != nil {
			return err
		}

		w, err := st.Workflows().GetByIDForUpdate(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		if !w.Status.Active() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"workflow is not open (status: %s)", w.Status)
		}

		// Re-read under the row lock: concurrent decisions on the same step
		// serialize here, and the loser observes a terminal status.
		step, err = st.Steps().GetByIDForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if err := authorizeDecider(step, actorID); err != nil {
			return err
		}
		if !step.Status.Decidable() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"step %d is no longer decidable (status: %s)", step.Stage, step.Status)
		}

		now := s.now()
		notifications, err = s.applyDecision(ctx, st, w, step, decision, actorID, comments, conditions, now)
		if err != nil {
			return err
		}

		wf, err = st.Workflows().GetByID(ctx, w.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Decisions.WithLabelValues(string(decision)).Inc()
	if !wf.Status.Active() {
		metrics.WorkflowsCompleted.WithLabelValues(string(wf.Status)).Inc()
	}
	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("step_id", stepID).
		Str("decision", string(decision)).
		Str("actor_id", actorID).
		Str("workflow_status", string(wf.Status)).
		Msg("Approval decision recorded")

	s.publishAll(ctx, notifications)
	return wf, nil
}

// applyDecision mutates step and workflow per the decision vocabulary and
// returns the notifications to publish after commit.
func (s *DecisionService) applyDecision(
	ctx context.Context,
	st repository.Store,
	w *repository.Workflow,
	step *repository.Step,
	decision repository.Decision,
	actorID string,
	comments *string,
	conditions *string,
	now time.Time,
) ([]Notification, error) {
	record := func(action repository.HistoryAction, meta map[string]any) error {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["stage"] = step.Stage
		meta["decision"] = string(decision)
		return st.History().Append(ctx, &repository.HistoryEntry{
			WorkflowID: w.ID,
			StepID:     &step.ID,
			Action:     action,
			ActorID:    actorID,
			Comments:   comments,
			Metadata:   meta,
		})
	}

	switch decision {
	case repository.DecisionApproved, repository.DecisionApprovedConditions:
		step.Status = repository.StepApproved
		step.Decision = &decision
		step.DecidedBy = &actorID
		step.DecidedAt = &now
		step.Comments = comments
		if decision == repository.DecisionApprovedConditions {
			step.Conditions = conditions
		}
		if err := st.Steps().UpdateDecision(ctx, step); err != nil {
			return nil, err
		}

		action := repository.ActionApproved
		if decision == repository.DecisionApprovedConditions {
			action = repository.ActionApprovedConditions
		}
		if err := record(action, nil); err != nil {
			return nil, err
		}
		return s.progress(ctx, st, w, step, now)

	case repository.DecisionRejected:
		step.Status = repository.StepRejected
		step.Decision = &decision
		step.DecidedBy = &actorID
		step.DecidedAt = &now
		step.Comments = comments
		if err := st.Steps().UpdateDecision(ctx, step); err != nil {
			return nil, err
		}
		if err := record(repository.ActionRejected, nil); err != nil {
			return nil, err
		}
		// Remaining steps stay untouched for audit fidelity; the rejecting
		// comments become the workflow's terminal note.
		if err := st.Workflows().UpdateStatus(ctx, w.ID, repository.WorkflowRejected, &now, comments); err != nil {
			return nil, err
		}
		return []Notification{{
			Event:      EventWorkflowRejected,
			TenantID:   w.TenantID,
			Recipient:  w.InitiatedBy,
			Entity:     w.Entity,
			WorkflowID: w.ID,
			Stage:      step.Stage,
		}}, nil

	case repository.DecisionChangesRequired:
		// Re-opens the step for the same assignee; no workflow transition.
		step.Status = repository.StepChangesRequested
		step.Decision = &decision
		step.DecidedBy = &actorID
		step.DecidedAt = &now
		step.Comments = comments
		if err := st.Steps().UpdateDecision(ctx, step); err != nil {
			return nil, err
		}
		if err := record(repository.ActionChangesRequested, nil); err != nil {
			return nil, err
		}
		return []Notification{{
			Event:      EventChangesRequested,
			TenantID:   w.TenantID,
			Recipient:  w.InitiatedBy,
			Entity:     w.Entity,
			WorkflowID: w.ID,
			Stage:      step.Stage,
		}}, nil

	case repository.DecisionReferUp:
		// Advisory escalation: the step keeps its status and assignee; the
		// workflow is flagged overdue for the reporting layer.
		if err := st.Workflows().MarkOverdue(ctx, w.ID, now); err != nil {
			return nil, err
		}
		if err := record(repository.ActionReferredUp, nil); err != nil {
			return nil, err
		}
		return []Notification{{
			Event:      EventWorkflowEscalated,
			TenantID:   w.TenantID,
			Recipient:  w.InitiatedBy,
			Entity:     w.Entity,
			WorkflowID: w.ID,
			Stage:      step.Stage,
			DueAt:      &step.DueAt,
		}}, nil

	case repository.DecisionDefer:
		// No state change; the deferral is visible only in the audit trail.
		return nil, record(repository.ActionDeferred, nil)
	}

	return nil, apperrors.InvalidInput("decision", "unknown decision value")
}

// ── progression controller ───────────────────────────────────────────────────

// progress runs after an approval: it completes the workflow when nothing
// remains, or activates the immediate successor of the step just approved.
func (s *DecisionService) progress(
	ctx context.Context,
	st repository.Store,
	w *repository.Workflow,
	approved *repository.Step,
	now time.Time,
) ([]Notification, error) {
	steps, err := st.Steps().ListByWorkflow(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	next := nextRemaining(steps)
	if next == nil {
		if err := st.Workflows().UpdateStatus(ctx, w.ID, repository.WorkflowApproved, &now, nil); err != nil {
			return nil, err
		}
		return []Notification{{
			Event:      EventWorkflowApproved,
			TenantID:   w.TenantID,
			Recipient:  w.InitiatedBy,
			Entity:     w.Entity,
			WorkflowID: w.ID,
		}}, nil
	}

	if next.Stage != approved.Stage+1 {
		// A non-successor remains open (e.g. an earlier step re-opened for
		// changes); nothing to activate.
		return nil, nil
	}

	var assignTo, delegateTo *string
	recipient := next.AssignedTo
	if next.AssignedTo == nil {
		assignment, err := st.Roles().Get(ctx, w.TenantID, w.ProjectID, next.Role)
		if err != nil {
			return nil, err
		}
		if assignment != nil && assignment.CanApprove {
			assignTo = &assignment.UserID
			delegateTo = assignment.DeputyUserID
			recipient = assignTo
		} else {
			s.log.Warn().
				Str("workflow_id", w.ID).
				Str("role", string(next.Role)).
				Int("stage", next.Stage).
				Msg("Activating step with no resolvable approver")
		}
	}

	if err := st.Steps().Activate(ctx, next.ID, assignTo, delegateTo, now); err != nil {
		return nil, err
	}

	if recipient == nil {
		return nil, nil
	}
	return []Notification{{
		Event:      EventApprovalRequired,
		TenantID:   w.TenantID,
		Recipient:  *recipient,
		Entity:     w.Entity,
		WorkflowID: w.ID,
		Stage:      next.Stage,
		DueAt:      &next.DueAt,
	}}, nil
}

// nextRemaining returns the lowest-stage step not yet terminally satisfied.
// Pure function over the stage-ordered step collection.
func nextRemaining(steps []*repository.Step) *repository.Step {
	for _, step := range steps {
		if !step.Status.TerminalSuccess() {
			return step
		}
	}
	return nil
}

// ── delegation ───────────────────────────────────────────────────────────────

// Delegate reassigns decision authority for a step to another principal. Only
// the original assignee may delegate; the assignee and stage order are
// unchanged.
func (s *DecisionService) Delegate(ctx context.Context, stepID, fromUserID, toUserID string, reason *string) (*repository.Step, error) {
	if toUserID == "" {
		return nil, apperrors.InvalidInput("toUserId", "delegate user is required")
	}

	var (
		step *repository.Step
		note *Notification
	)

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		step, err = st.Steps().GetByIDForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if step.AssignedTo == nil || *step.AssignedTo != fromUserID {
			return apperrors.Unauthorized("only the assigned approver may delegate this step")
		}
		if !step.Status.Decidable() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"step %d is no longer open (status: %s)", step.Stage, step.Status)
		}

		now := s.now()
		if err := st.Steps().Delegate(ctx, step.ID, toUserID, reason, now); err != nil {
			return err
		}
		step.DelegatedTo = &toUserID
		step.DelegatedAt = &now
		step.DelegationReason = reason

		w, err := st.Workflows().GetByID(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		if err := st.History().Append(ctx, &repository.HistoryEntry{
			WorkflowID: step.WorkflowID,
			StepID:     &step.ID,
			Action:     repository.ActionDelegated,
			ActorID:    fromUserID,
			Comments:   reason,
			Metadata:   map[string]any{"delegated_to": toUserID, "stage": step.Stage},
		}); err != nil {
			return err
		}

		note = &Notification{
			Event:      EventStepDelegated,
			TenantID:   w.TenantID,
			Recipient:  toUserID,
			Entity:     w.Entity,
			WorkflowID: w.ID,
			Stage:      step.Stage,
			DueAt:      &step.DueAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(ctx, *note)
	return step, nil
}

// Assign binds a user to an unassigned or reassignable step. Privileged:
// authorization happens at the caller boundary.
func (s *DecisionService) Assign(ctx context.Context, stepID, userID, actorID string) (*repository.Step, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("userId", "assignee is required")
	}

	var (
		step *repository.Step
		note *Notification
	)

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		var err error
		step, err = st.Steps().GetByIDForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		if !step.Status.Decidable() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"step %d is no longer open (status: %s)", step.Stage, step.Status)
		}

		now := s.now()
		if err := st.Steps().Assign(ctx, step.ID, userID, now); err != nil {
			return err
		}
		step.AssignedTo = &userID
		step.AssignedAt = &now

		w, err := st.Workflows().GetByID(ctx, step.WorkflowID)
		if err != nil {
			return err
		}
		if err := st.History().Append(ctx, &repository.HistoryEntry{
			WorkflowID: step.WorkflowID,
			StepID:     &step.ID,
			Action:     repository.ActionAssigned,
			ActorID:    actorID,
			Metadata:   map[string]any{"assigned_to": userID, "stage": step.Stage},
		}); err != nil {
			return err
		}

		note = &Notification{
			Event:      EventStepAssigned,
			TenantID:   w.TenantID,
			Recipient:  userID,
			Entity:     w.Entity,
			WorkflowID: w.ID,
			Stage:      step.Stage,
			DueAt:      &step.DueAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(ctx, *note)
	return step, nil
}

// ── override / cancel ────────────────────────────────────────────────────────

// Override force-terminates a workflow, bypassing all remaining steps. The
// reason is mandatory and validated before any mutation. Privileged: the
// caller boundary gates who may invoke it.
func (s *DecisionService) Override(ctx context.Context, workflowID, actorID, reason string) (*repository.Workflow, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperrors.InvalidInput("reason", "override reason is required")
	}
	return s.terminate(ctx, workflowID, actorID, &reason,
		repository.WorkflowOverridden, repository.StepOverridden,
		repository.ActionOverride, EventWorkflowOverridden)
}

// Cancel terminates a workflow, marking remaining steps skipped. Privileged,
// like Override; the reason is optional.
func (s *DecisionService) Cancel(ctx context.Context, workflowID, actorID string, reason *string) (*repository.Workflow, error) {
	return s.terminate(ctx, workflowID, actorID, reason,
		repository.WorkflowCancelled, repository.StepSkipped,
		repository.ActionCancel, EventWorkflowCancelled)
}

// terminate atomically closes every open step and the workflow itself,
// recording exactly one audit entry.
func (s *DecisionService) terminate(
	ctx context.Context,
	workflowID, actorID string,
	reason *string,
	wfStatus repository.WorkflowStatus,
	stepStatus repository.StepStatus,
	action repository.HistoryAction,
	event NotificationEvent,
) (*repository.Workflow, error) {
	var wf *repository.Workflow

	err := s.store.InTransaction(ctx, func(st repository.Store) error {
		w, err := st.Workflows().GetByIDForUpdate(ctx, workflowID)
		if err != nil {
			return err
		}
		if !w.Status.Active() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"workflow is already terminal (status: %s)", w.Status)
		}

		now := s.now()
		if err := st.Steps().CloseOpen(ctx, workflowID, stepStatus); err != nil {
			return err
		}
		if err := st.Workflows().UpdateStatus(ctx, workflowID, wfStatus, &now, reason); err != nil {
			return err
		}
		if err := st.History().Append(ctx, &repository.HistoryEntry{
			WorkflowID: workflowID,
			Action:     action,
			ActorID:    actorID,
			Comments:   reason,
		}); err != nil {
			return err
		}

		wf, err = st.Workflows().GetByID(ctx, workflowID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.WorkflowsCompleted.WithLabelValues(string(wfStatus)).Inc()
	s.log.Info().
		Str("workflow_id", workflowID).
		Str("actor_id", actorID).
		Str("status", string(wfStatus)).
		Msg("Workflow terminated administratively")

	s.notifier.Publish(ctx, Notification{
		Event:      event,
		TenantID:   wf.TenantID,
		Recipient:  wf.InitiatedBy,
		Entity:     wf.Entity,
		WorkflowID: wf.ID,
	})
	return wf, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// authorizeDecider checks that the actor is the step's assignee or delegate.
// Unassigned steps are not decidable by anyone until assigned.
func authorizeDecider(step *repository.Step, actorID string) error {
	if step.AssignedTo != nil && *step.AssignedTo == actorID {
		return nil
	}
	if step.DelegatedTo != nil && *step.DelegatedTo == actorID {
		return nil
	}
	return apperrors.Unauthorized("user is not the assignee or delegate of this step")
}

func (s *DecisionService) publishAll(ctx context.Context, notifications []Notification) {
	for _, n := range notifications {
		s.notifier.Publish(ctx, n)
	}
}

func emptyText(p *string) bool {
	return p == nil || strings.TrimSpace(*p) == ""
}
