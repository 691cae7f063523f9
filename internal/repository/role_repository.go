package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

// roleRepo reads project_role_assignments. The table is owned by the
// platform's project module; this engine never writes it.
type roleRepo struct {
	q database.Querier
}

// Get returns the assignment for (tenant, project, role), or (nil, nil) when
// the role is unfilled.
func (r *roleRepo) Get(ctx context.Context, tenantID, projectID string, role RoleKind) (*RoleAssignment, error) {
	query := `
		SELECT id, tenant_id, project_id, role, user_id,
		       deputy_user_id, can_approve, created_at, updated_at
		FROM project_role_assignments
		WHERE tenant_id = $1 AND project_id = $2 AND role = $3
	`

	a := &RoleAssignment{}
	err := r.q.QueryRow(ctx, query, tenantID, projectID, role).Scan(
		&a.ID,
		&a.TenantID,
		&a.ProjectID,
		&a.Role,
		&a.UserID,
		&a.DeputyUserID,
		&a.CanApprove,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to resolve role assignment")
	}
	return a, nil
}
