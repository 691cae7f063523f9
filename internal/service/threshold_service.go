package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// ThresholdService administers the threshold registry. Validation happens at
// write time so workflow creation never has to re-check templates or ranges.
type ThresholdService struct {
	store repository.Store
	log   *logger.Logger
}

// NewThresholdService creates a ThresholdService.
func NewThresholdService(store repository.Store, log *logger.Logger) *ThresholdService {
	return &ThresholdService{store: store, log: log}
}

// Create validates and persists a new threshold.
func (s *ThresholdService) Create(ctx context.Context, t *repository.Threshold) error {
	if err := validateThreshold(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	return s.store.InTransaction(ctx, func(st repository.Store) error {
		if t.IsActive {
			if err := s.checkOverlap(ctx, st, t); err != nil {
				return err
			}
		}
		return st.Thresholds().Create(ctx, t)
	})
}

// Update persists changes to a threshold. Once an active workflow references
// the threshold, its shape (range, templates, SLA) is immutable; the caller
// must create a replacement threshold instead. Name and active-flag changes
// stay allowed so a superseded threshold can be retired.
func (s *ThresholdService) Update(ctx context.Context, t *repository.Threshold) error {
	if err := validateThreshold(t); err != nil {
		return err
	}

	return s.store.InTransaction(ctx, func(st repository.Store) error {
		existing, err := st.Thresholds().GetByID(ctx, t.TenantID, t.ID)
		if err != nil {
			return err
		}

		if shapeChanged(existing, t) {
			inUse, err := st.Thresholds().HasActiveWorkflows(ctx, t.ID)
			if err != nil {
				return err
			}
			if inUse {
				return apperrors.New(apperrors.ErrCodeConfigConflict,
					"threshold is referenced by an active workflow; create a new threshold instead of changing its shape")
			}
		}

		if t.IsActive {
			if err := s.checkOverlap(ctx, st, t); err != nil {
				return err
			}
		}
		return st.Thresholds().Update(ctx, t)
	})
}

// Get returns one threshold.
func (s *ThresholdService) Get(ctx context.Context, tenantID, id string) (*repository.Threshold, error) {
	return s.store.Thresholds().GetByID(ctx, tenantID, id)
}

// List returns all thresholds for a tenant.
func (s *ThresholdService) List(ctx context.Context, tenantID string) ([]*repository.Threshold, error) {
	return s.store.Thresholds().List(ctx, tenantID)
}

// checkOverlap rejects a threshold whose half-open range intersects another
// active threshold for the same (tenant, entity type).
func (s *ThresholdService) checkOverlap(ctx context.Context, st repository.Store, t *repository.Threshold) error {
	active, err := st.Thresholds().ListActive(ctx, t.TenantID, t.EntityType)
	if err != nil {
		return err
	}
	for _, other := range active {
		if other.ID == t.ID {
			continue
		}
		if rangesOverlap(t, other) {
			return apperrors.Newf(apperrors.ErrCodeConfigConflict,
				"value range overlaps active threshold %q", other.Name)
		}
	}
	return nil
}

// validateThreshold checks structural invariants: a sane range and a
// well-formed ordered step template list.
func validateThreshold(t *repository.Threshold) error {
	if repository.ParseEntityKind(string(t.EntityType)) == repository.EntityUnknown {
		return apperrors.InvalidInput("entityType", "unknown entity type")
	}
	if t.Name == "" {
		return apperrors.InvalidInput("name", "name is required")
	}
	if t.MinValue < 0 {
		return apperrors.InvalidInput("minValue", "must not be negative")
	}
	if t.MaxValue != nil && *t.MaxValue <= t.MinValue {
		return apperrors.InvalidInput("maxValue", "must be greater than minValue")
	}
	if t.TargetDays < 1 {
		return apperrors.InvalidInput("targetDays", "must be at least 1")
	}
	if len(t.StepTemplates) == 0 {
		return apperrors.InvalidInput("stepTemplates", "at least one step is required")
	}
	for i, tpl := range t.StepTemplates {
		if tpl.Stage != i+1 {
			return apperrors.InvalidInput("stepTemplates", "stages must be contiguous ascending integers starting at 1")
		}
		if repository.ParseRoleKind(string(tpl.Role)) == repository.RoleUnknown {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "stepTemplates: unknown role %q at stage %d", tpl.Role, tpl.Stage)
		}
	}
	return nil
}

// shapeChanged reports whether the update touches the parts frozen while the
// threshold is referenced by an active workflow.
func shapeChanged(old, upd *repository.Threshold) bool {
	if old.MinValue != upd.MinValue || old.TargetDays != upd.TargetDays {
		return true
	}
	if (old.MaxValue == nil) != (upd.MaxValue == nil) {
		return true
	}
	if old.MaxValue != nil && *old.MaxValue != *upd.MaxValue {
		return true
	}
	if len(old.StepTemplates) != len(upd.StepTemplates) {
		return true
	}
	for i := range old.StepTemplates {
		if old.StepTemplates[i] != upd.StepTemplates[i] {
			return true
		}
	}
	return false
}

// rangesOverlap reports whether two half-open [min, max) ranges intersect.
// A nil max means unbounded.
func rangesOverlap(a, b *repository.Threshold) bool {
	aBelowB := a.MaxValue != nil && *a.MaxValue <= b.MinValue
	bBelowA := b.MaxValue != nil && *b.MaxValue <= a.MinValue
	return !aBelowB && !bBelowA
}
