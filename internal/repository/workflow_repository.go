package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

const workflowColumns = `
	id, tenant_id, project_id, entity_type, entity_id,
	threshold_id, entity_value, status, initiated_by,
	notes, completed_note, is_overdue,
	created_at, updated_at, completed_at, escalated_at`

type workflowRepo struct {
	q database.Querier
}

// Create inserts a workflow and all of its steps. Callers run this inside
// Store.InTransaction so the aggregate appears atomically.
func (r *workflowRepo) Create(ctx context.Context, wf *Workflow, steps []*Step) error {
	wfQuery := `
		INSERT INTO approval_workflows
		    (id, tenant_id, project_id, entity_type, entity_id,
		     threshold_id, entity_value, status, initiated_by, notes)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, wfQuery,
		wf.ID,
		wf.TenantID,
		wf.ProjectID,
		wf.Entity.Kind,
		wf.Entity.ID,
		wf.ThresholdID,
		wf.EntityValue,
		wf.Status,
		wf.InitiatedBy,
		wf.Notes,
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		// The partial unique index on active workflows turns a concurrent
		// double-route into a constraint violation here.
		if isUniqueViolation(err) {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"entity %s/%s already has an active approval workflow", wf.Entity.Kind, wf.Entity.ID)
		}
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval workflow")
	}

	stepQuery := `
		INSERT INTO approval_steps
		    (id, workflow_id, stage, role, required, description,
		     status, due_at, assigned_to, assigned_at, delegated_to, delegated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	for _, step := range steps {
		step.WorkflowID = wf.ID

		err := r.q.QueryRow(ctx, stepQuery,
			step.ID,
			step.WorkflowID,
			step.Stage,
			step.Role,
			step.Required,
			step.Description,
			step.Status,
			step.DueAt,
			step.AssignedTo,
			step.AssignedAt,
			step.DelegatedTo,
			step.DelegatedAt,
		).Scan(&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval step")
		}
	}

	return nil
}

func (r *workflowRepo) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE id = $1
	`

	wf, err := scanWorkflow(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	return wf, err
}

func (r *workflowRepo) GetByIDForUpdate(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE id = $1
		FOR UPDATE
	`

	wf, err := scanWorkflow(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	return wf, err
}

func (r *workflowRepo) GetActiveByEntity(ctx context.Context, tenantID string, ref EntityRef) (*Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows
		WHERE tenant_id = $1
		  AND entity_type = $2
		  AND entity_id = $3
		  AND status IN ('PENDING', 'IN_PROGRESS')
		LIMIT 1
	`

	wf, err := scanWorkflow(r.q.QueryRow(ctx, query, tenantID, ref.Kind, ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

func (r *workflowRepo) UpdateStatus(ctx context.Context, id string, status WorkflowStatus, completedAt *time.Time, completedNote *string) error {
	query := `
		UPDATE approval_workflows
		SET status         = $2,
		    completed_at   = $3,
		    completed_note = COALESCE($4, completed_note),
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, status, completedAt, completedNote).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update workflow status")
	}
	return nil
}

func (r *workflowRepo) MarkOverdue(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE approval_workflows
		SET is_overdue   = TRUE,
		    escalated_at = $2,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.q.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to mark workflow overdue")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.TenantID,
		&wf.ProjectID,
		&wf.Entity.Kind,
		&wf.Entity.ID,
		&wf.ThresholdID,
		&wf.EntityValue,
		&wf.Status,
		&wf.InitiatedBy,
		&wf.Notes,
		&wf.CompletedNote,
		&wf.IsOverdue,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
		&wf.EscalatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
