package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

const stepColumns = `
	id, workflow_id, stage, role, required, description,
	status, due_at,
	assigned_to, assigned_at,
	delegated_to, delegated_at, delegation_reason,
	decision, decided_by, decided_at, comments, conditions,
	created_at, updated_at`

type stepRepo struct {
	q database.Querier
}

func (r *stepRepo) GetByID(ctx context.Context, id string) (*Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE id = $1
	`

	step, err := scanStep(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_step", id)
	}
	return step, err
}

func (r *stepRepo) GetByIDForUpdate(ctx context.Context, id string) (*Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE id = $1
		FOR UPDATE
	`

	step, err := scanStep(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_step", id)
	}
	return step, err
}

func (r *stepRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE workflow_id = $1
		ORDER BY stage ASC
	`

	rows, err := r.q.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func (r *stepRepo) ListPendingForUser(ctx context.Context, tenantID, userID string) ([]*Step, error) {
	query := `
		SELECT s.id, s.workflow_id, s.stage, s.role, s.required, s.description,
		       s.status, s.due_at,
		       s.assigned_to, s.assigned_at,
		       s.delegated_to, s.delegated_at, s.delegation_reason,
		       s.decision, s.decided_by, s.decided_at, s.comments, s.conditions,
		       s.created_at, s.updated_at
		FROM approval_steps s
		JOIN approval_workflows w ON w.id = s.workflow_id
		WHERE w.tenant_id = $1
		  AND w.status IN ('PENDING', 'IN_PROGRESS')
		  AND s.status IN ('IN_REVIEW', 'CHANGES_REQUESTED')
		  AND (s.assigned_to = $2 OR s.delegated_to = $2)
		ORDER BY s.due_at ASC, s.created_at ASC
	`

	rows, err := r.q.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func (r *stepRepo) ListOverdueInReview(ctx context.Context, asOf time.Time) ([]*Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE status = 'IN_REVIEW'
		  AND due_at < $1
		ORDER BY due_at ASC
	`

	rows, err := r.q.Query(ctx, query, asOf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list overdue steps")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func (r *stepRepo) UpdateDecision(ctx context.Context, step *Step) error {
	query := `
		UPDATE approval_steps
		SET status     = $2,
		    decision   = $3,
		    decided_by = $4,
		    decided_at = $5,
		    comments   = $6,
		    conditions = $7,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		step.ID,
		step.Status,
		step.Decision,
		step.DecidedBy,
		step.DecidedAt,
		step.Comments,
		step.Conditions,
	).Scan(&step.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_step", step.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record step decision")
	}
	return nil
}

func (r *stepRepo) Activate(ctx context.Context, id string, assignedTo, delegatedTo *string, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET status       = 'IN_REVIEW',
		    assigned_to  = COALESCE($2, assigned_to),
		    assigned_at  = CASE WHEN $2 IS NOT NULL THEN $4 ELSE assigned_at END,
		    delegated_to = COALESCE($3, delegated_to),
		    delegated_at = CASE WHEN $3 IS NOT NULL THEN $4 ELSE delegated_at END,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, assignedTo, delegatedTo, at).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_step", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to activate step")
	}
	return nil
}

func (r *stepRepo) Delegate(ctx context.Context, id, toUserID string, reason *string, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET delegated_to      = $2,
		    delegated_at      = $3,
		    delegation_reason = $4,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, toUserID, at, reason).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_step", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delegate step")
	}
	return nil
}

func (r *stepRepo) Assign(ctx context.Context, id, userID string, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET assigned_to = $2,
		    assigned_at = $3,
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, userID, at).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_step", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to assign step")
	}
	return nil
}

func (r *stepRepo) CloseOpen(ctx context.Context, workflowID string, to StepStatus) error {
	query := `
		UPDATE approval_steps
		SET status     = $2,
		    updated_at = NOW()
		WHERE workflow_id = $1
		  AND status IN ('PENDING', 'IN_REVIEW', 'CHANGES_REQUESTED')
	`

	if _, err := r.q.Exec(ctx, query, workflowID, to); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to close open steps")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanStep(row rowScanner) (*Step, error) {
	s := &Step{}
	err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&s.Stage,
		&s.Role,
		&s.Required,
		&s.Description,
		&s.Status,
		&s.DueAt,
		&s.AssignedTo,
		&s.AssignedAt,
		&s.DelegatedTo,
		&s.DelegatedAt,
		&s.DelegationReason,
		&s.Decision,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.Comments,
		&s.Conditions,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanStepRows(rows pgx.Rows) ([]*Step, error) {
	var steps []*Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
