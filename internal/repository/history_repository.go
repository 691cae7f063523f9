package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
)

// historyRepo appends and reads the immutable audit trail. The table carries a
// trigger rejecting updates and deletes, so Append is the only mutation.
type historyRepo struct {
	q database.Querier
}

func (r *historyRepo) Append(ctx context.Context, e *HistoryEntry) error {
	var metadataJSON []byte
	if e.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_history
		    (workflow_id, step_id, action, actor_id, comments, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query,
		e.WorkflowID,
		e.StepID,
		e.Action,
		e.ActorID,
		e.Comments,
		metadataJSON,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByWorkflow returns the audit trail in commit order (the BIGSERIAL key
// preserves per-workflow decision ordering).
func (r *historyRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, workflow_id, step_id, action, actor_id, comments, metadata, created_at
		FROM approval_history
		WHERE workflow_id = $1
		ORDER BY id ASC
	`

	rows, err := r.q.Query(ctx, query, workflowID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	return scanHistoryRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanHistoryRows(rows pgx.Rows) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&e.ID,
			&e.WorkflowID,
			&e.StepID,
			&e.Action,
			&e.ActorID,
			&e.Comments,
			&metadataJSON,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
