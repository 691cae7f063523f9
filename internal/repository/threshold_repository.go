package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

const thresholdColumns = `
	id, tenant_id, entity_type, name,
	min_value, max_value, step_templates, target_days,
	is_active, sequence, created_at, updated_at`

type thresholdRepo struct {
	q database.Querier
}

func (r *thresholdRepo) Create(ctx context.Context, t *Threshold) error {
	templatesJSON, err := json.Marshal(t.StepTemplates)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal step templates")
	}

	query := `
		INSERT INTO approval_thresholds
		    (id, tenant_id, entity_type, name,
		     min_value, max_value, step_templates, target_days,
		     is_active, sequence)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10)
		RETURNING created_at, updated_at
	`

	err = r.q.QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.EntityType,
		t.Name,
		t.MinValue,
		t.MaxValue,
		templatesJSON,
		t.TargetDays,
		t.IsActive,
		t.Sequence,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create threshold")
	}
	return nil
}

func (r *thresholdRepo) Update(ctx context.Context, t *Threshold) error {
	templatesJSON, err := json.Marshal(t.StepTemplates)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal step templates")
	}

	query := `
		UPDATE approval_thresholds
		SET name           = $3,
		    min_value      = $4,
		    max_value      = $5,
		    step_templates = $6,
		    target_days    = $7,
		    is_active      = $8,
		    sequence       = $9,
		    updated_at     = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.q.QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.Name,
		t.MinValue,
		t.MaxValue,
		templatesJSON,
		t.TargetDays,
		t.IsActive,
		t.Sequence,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("threshold", t.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update threshold")
	}
	return nil
}

func (r *thresholdRepo) GetByID(ctx context.Context, tenantID, id string) (*Threshold, error) {
	query := `
		SELECT ` + thresholdColumns + `
		FROM approval_thresholds
		WHERE id = $1 AND tenant_id = $2
	`

	t, err := scanThreshold(r.q.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("threshold", id)
	}
	return t, err
}

func (r *thresholdRepo) ListActive(ctx context.Context, tenantID string, entityType EntityKind) ([]*Threshold, error) {
	query := `
		SELECT ` + thresholdColumns + `
		FROM approval_thresholds
		WHERE tenant_id = $1
		  AND entity_type = $2
		  AND is_active = TRUE
		ORDER BY min_value ASC, sequence ASC
	`

	rows, err := r.q.Query(ctx, query, tenantID, entityType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list active thresholds")
	}
	defer rows.Close()

	return scanThresholdRows(rows)
}

func (r *thresholdRepo) List(ctx context.Context, tenantID string) ([]*Threshold, error) {
	query := `
		SELECT ` + thresholdColumns + `
		FROM approval_thresholds
		WHERE tenant_id = $1
		ORDER BY entity_type ASC, min_value ASC, sequence ASC
	`

	rows, err := r.q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list thresholds")
	}
	defer rows.Close()

	return scanThresholdRows(rows)
}

func (r *thresholdRepo) HasActiveWorkflows(ctx context.Context, thresholdID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM approval_workflows
			WHERE threshold_id = $1
			  AND status IN ('PENDING', 'IN_PROGRESS')
		)
	`

	var inUse bool
	if err := r.q.QueryRow(ctx, query, thresholdID).Scan(&inUse); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check threshold usage")
	}
	return inUse, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreshold(row rowScanner) (*Threshold, error) {
	t := &Threshold{}
	var templatesJSON []byte

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.EntityType,
		&t.Name,
		&t.MinValue,
		&t.MaxValue,
		&templatesJSON,
		&t.TargetDays,
		&t.IsActive,
		&t.Sequence,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(templatesJSON, &t.StepTemplates); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal step templates")
	}
	return t, nil
}

func scanThresholdRows(rows pgx.Rows) ([]*Threshold, error) {
	var thresholds []*Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan threshold")
		}
		thresholds = append(thresholds, t)
	}
	return thresholds, rows.Err()
}
