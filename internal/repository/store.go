// Package repository defines the engine's persistence contract and its
// PostgreSQL implementation. The service layer depends only on the Store
// interfaces; tests substitute an in-memory implementation.
package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

// Store is the engine's unit of persistence. InTransaction yields a Store
// bound to one database transaction; every mutating engine operation runs its
// whole body through that bound Store so the step update, history append and
// workflow transition commit or roll back together.
type Store interface {
	Thresholds() ThresholdStore
	Roles() RoleStore
	Workflows() WorkflowStore
	Steps() StepStore
	History() HistoryStore
	InTransaction(ctx context.Context, fn func(Store) error) error
}

// ThresholdStore persists approval thresholds.
type ThresholdStore interface {
	Create(ctx context.Context, t *Threshold) error
	Update(ctx context.Context, t *Threshold) error
	GetByID(ctx context.Context, tenantID, id string) (*Threshold, error)
	// ListActive returns active thresholds for (tenant, entityType) ordered by
	// min_value ascending, then sequence ascending.
	ListActive(ctx context.Context, tenantID string, entityType EntityKind) ([]*Threshold, error)
	List(ctx context.Context, tenantID string) ([]*Threshold, error)
	// HasActiveWorkflows reports whether any non-terminal workflow references
	// the threshold. Such thresholds have an immutable shape.
	HasActiveWorkflows(ctx context.Context, thresholdID string) (bool, error)
}

// RoleStore reads the project role registry (owned by the project module).
type RoleStore interface {
	// Get returns the assignment for (tenant, project, role), or (nil, nil)
	// when the role is unfilled. Absence is not an error.
	Get(ctx context.Context, tenantID, projectID string, role RoleKind) (*RoleAssignment, error)
}

// WorkflowStore persists workflow aggregates.
type WorkflowStore interface {
	// Create inserts the workflow and all of its steps.
	Create(ctx context.Context, wf *Workflow, steps []*Step) error
	GetByID(ctx context.Context, id string) (*Workflow, error)
	// GetByIDForUpdate locks the workflow row for the current transaction.
	GetByIDForUpdate(ctx context.Context, id string) (*Workflow, error)
	// GetActiveByEntity returns the PENDING/IN_PROGRESS workflow for an
	// entity, or (nil, nil) when there is none.
	GetActiveByEntity(ctx context.Context, tenantID string, ref EntityRef) (*Workflow, error)
	UpdateStatus(ctx context.Context, id string, status WorkflowStatus, completedAt *time.Time, completedNote *string) error
	// MarkOverdue raises the advisory overdue flag and refreshes escalated_at.
	MarkOverdue(ctx context.Context, id string, at time.Time) error
}

// StepStore persists individual approval steps.
type StepStore interface {
	GetByID(ctx context.Context, id string) (*Step, error)
	// GetByIDForUpdate locks the step row; two concurrent decisions on the
	// same step serialize here, and the loser observes a terminal status.
	GetByIDForUpdate(ctx context.Context, id string) (*Step, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Step, error)
	// ListPendingForUser returns open steps of active workflows assigned or
	// delegated to the user, ordered by due date.
	ListPendingForUser(ctx context.Context, tenantID, userID string) ([]*Step, error)
	// ListOverdueInReview returns IN_REVIEW steps whose due date is strictly
	// before asOf.
	ListOverdueInReview(ctx context.Context, asOf time.Time) ([]*Step, error)
	// UpdateDecision persists status, decision, decider, comments and
	// conditions from the step struct.
	UpdateDecision(ctx context.Context, step *Step) error
	// Activate moves a step to IN_REVIEW, binding assignee and delegate when
	// they were unresolved at creation.
	Activate(ctx context.Context, id string, assignedTo, delegatedTo *string, at time.Time) error
	Delegate(ctx context.Context, id, toUserID string, reason *string, at time.Time) error
	Assign(ctx context.Context, id, userID string, at time.Time) error
	// CloseOpen transitions every non-terminal step of a workflow to the given
	// status. Used by override (OVERRIDDEN) and cancel (SKIPPED).
	CloseOpen(ctx context.Context, workflowID string, to StepStatus) error
}

// HistoryStore appends and reads the immutable audit trail.
type HistoryStore interface {
	Append(ctx context.Context, e *HistoryEntry) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*HistoryEntry, error)
}

// ── PostgreSQL implementation ────────────────────────────────────────────────

// PG implements Store over a pgx pool or transaction.
type PG struct {
	db *database.DB
	q  database.Querier
}

// NewStore creates the PostgreSQL-backed Store.
func NewStore(db *database.DB) *PG {
	return &PG{db: db, q: db.Pool()}
}

// Thresholds returns the threshold repository bound to the current querier.
func (s *PG) Thresholds() ThresholdStore { return &thresholdRepo{q: s.q} }

// Roles returns the role registry reader bound to the current querier.
func (s *PG) Roles() RoleStore { return &roleRepo{q: s.q} }

// Workflows returns the workflow repository bound to the current querier.
func (s *PG) Workflows() WorkflowStore { return &workflowRepo{q: s.q} }

// Steps returns the step repository bound to the current querier.
func (s *PG) Steps() StepStore { return &stepRepo{q: s.q} }

// History returns the audit repository bound to the current querier.
func (s *PG) History() HistoryStore { return &historyRepo{q: s.q} }

// InTransaction runs fn with a Store bound to one transaction.
func (s *PG) InTransaction(ctx context.Context, fn func(Store) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&PG{db: s.db, q: tx})
	})
}
