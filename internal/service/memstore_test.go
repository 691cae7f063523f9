package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// memStore is an in-memory repository.Store. InTransaction serializes on one
// mutex, standing in for the row-level locking the Postgres store gets from
// FOR UPDATE; that is what makes the concurrent-decision test meaningful.
type memStore struct {
	mu         sync.Mutex
	thresholds map[string]*repository.Threshold
	workflows  map[string]*repository.Workflow
	steps      map[string]*repository.Step
	history    []*repository.HistoryEntry
	roles      map[string]*repository.RoleAssignment
	historySeq int64
}

func newMemStore() *memStore {
	return &memStore{
		thresholds: make(map[string]*repository.Threshold),
		workflows:  make(map[string]*repository.Workflow),
		steps:      make(map[string]*repository.Step),
		roles:      make(map[string]*repository.RoleAssignment),
	}
}

func (m *memStore) Thresholds() repository.ThresholdStore { return (*memThresholds)(m) }
func (m *memStore) Roles() repository.RoleStore           { return (*memRoles)(m) }
func (m *memStore) Workflows() repository.WorkflowStore   { return (*memWorkflows)(m) }
func (m *memStore) Steps() repository.StepStore           { return (*memSteps)(m) }
func (m *memStore) History() repository.HistoryStore      { return (*memHistory)(m) }

func (m *memStore) InTransaction(_ context.Context, fn func(repository.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(txStore{m})
}

// txStore is the store handed to transaction bodies; it bypasses the mutex
// already held by InTransaction.
type txStore struct{ *memStore }

func (t txStore) InTransaction(_ context.Context, fn func(repository.Store) error) error {
	return fn(t)
}

func (m *memStore) roleKey(tenantID, projectID string, role repository.RoleKind) string {
	return tenantID + "|" + projectID + "|" + string(role)
}

func (m *memStore) addRole(a *repository.RoleAssignment) {
	m.roles[m.roleKey(a.TenantID, a.ProjectID, a.Role)] = a
}

// ── thresholds ───────────────────────────────────────────────────────────────

type memThresholds memStore

func (m *memThresholds) Create(_ context.Context, t *repository.Threshold) error {
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	m.thresholds[t.ID] = cloneThreshold(t)
	return nil
}

func (m *memThresholds) Update(_ context.Context, t *repository.Threshold) error {
	if _, ok := m.thresholds[t.ID]; !ok {
		return apperrors.NotFound("threshold", t.ID)
	}
	t.UpdatedAt = time.Now()
	m.thresholds[t.ID] = cloneThreshold(t)
	return nil
}

func (m *memThresholds) GetByID(_ context.Context, tenantID, id string) (*repository.Threshold, error) {
	t, ok := m.thresholds[id]
	if !ok || t.TenantID != tenantID {
		return nil, apperrors.NotFound("threshold", id)
	}
	return cloneThreshold(t), nil
}

func (m *memThresholds) ListActive(_ context.Context, tenantID string, entityType repository.EntityKind) ([]*repository.Threshold, error) {
	var out []*repository.Threshold
	for _, t := range m.thresholds {
		if t.TenantID == tenantID && t.EntityType == entityType && t.IsActive {
			out = append(out, cloneThreshold(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinValue != out[j].MinValue {
			return out[i].MinValue < out[j].MinValue
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (m *memThresholds) List(_ context.Context, tenantID string) ([]*repository.Threshold, error) {
	var out []*repository.Threshold
	for _, t := range m.thresholds {
		if t.TenantID == tenantID {
			out = append(out, cloneThreshold(t))
		}
	}
	return out, nil
}

func (m *memThresholds) HasActiveWorkflows(_ context.Context, thresholdID string) (bool, error) {
	for _, wf := range m.workflows {
		if wf.ThresholdID == thresholdID && wf.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// ── roles ────────────────────────────────────────────────────────────────────

type memRoles memStore

func (m *memRoles) Get(_ context.Context, tenantID, projectID string, role repository.RoleKind) (*repository.RoleAssignment, error) {
	a, ok := m.roles[(*memStore)(m).roleKey(tenantID, projectID, role)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// ── workflows ────────────────────────────────────────────────────────────────

type memWorkflows memStore

func (m *memWorkflows) Create(_ context.Context, wf *repository.Workflow, steps []*repository.Step) error {
	for _, existing := range m.workflows {
		if existing.TenantID == wf.TenantID && existing.Entity == wf.Entity && existing.Status.Active() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"entity %s/%s already has an active approval workflow", wf.Entity.Kind, wf.Entity.ID)
		}
	}
	now := time.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	m.workflows[wf.ID] = cloneWorkflow(wf)
	for _, step := range steps {
		step.WorkflowID = wf.ID
		step.CreatedAt = now
		step.UpdatedAt = now
		m.steps[step.ID] = cloneStep(step)
	}
	return nil
}

func (m *memWorkflows) GetByID(_ context.Context, id string) (*repository.Workflow, error) {
	wf, ok := m.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("approval_workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (m *memWorkflows) GetByIDForUpdate(ctx context.Context, id string) (*repository.Workflow, error) {
	return m.GetByID(ctx, id)
}

func (m *memWorkflows) GetActiveByEntity(_ context.Context, tenantID string, ref repository.EntityRef) (*repository.Workflow, error) {
	for _, wf := range m.workflows {
		if wf.TenantID == tenantID && wf.Entity == ref && wf.Status.Active() {
			return cloneWorkflow(wf), nil
		}
	}
	return nil, nil
}

func (m *memWorkflows) UpdateStatus(_ context.Context, id string, status repository.WorkflowStatus, completedAt *time.Time, completedNote *string) error {
	wf, ok := m.workflows[id]
	if !ok {
		return apperrors.NotFound("approval_workflow", id)
	}
	wf.Status = status
	wf.CompletedAt = completedAt
	if completedNote != nil {
		wf.CompletedNote = completedNote
	}
	wf.UpdatedAt = time.Now()
	return nil
}

func (m *memWorkflows) MarkOverdue(_ context.Context, id string, at time.Time) error {
	wf, ok := m.workflows[id]
	if !ok {
		return apperrors.NotFound("approval_workflow", id)
	}
	wf.IsOverdue = true
	escalatedAt := at
	wf.EscalatedAt = &escalatedAt
	wf.UpdatedAt = time.Now()
	return nil
}

// ── steps ────────────────────────────────────────────────────────────────────

type memSteps memStore

func (m *memSteps) GetByID(_ context.Context, id string) (*repository.Step, error) {
	s, ok := m.steps[id]
	if !ok {
		return nil, apperrors.NotFound("approval_step", id)
	}
	return cloneStep(s), nil
}

func (m *memSteps) GetByIDForUpdate(ctx context.Context, id string) (*repository.Step, error) {
	return m.GetByID(ctx, id)
}

func (m *memSteps) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.Step, error) {
	var out []*repository.Step
	for _, s := range m.steps {
		if s.WorkflowID == workflowID {
			out = append(out, cloneStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (m *memSteps) ListPendingForUser(_ context.Context, tenantID, userID string) ([]*repository.Step, error) {
	var out []*repository.Step
	for _, s := range m.steps {
		wf, ok := m.workflows[s.WorkflowID]
		if !ok || wf.TenantID != tenantID || !wf.Status.Active() {
			continue
		}
		if s.Status != repository.StepInReview && s.Status != repository.StepChangesRequested {
			continue
		}
		assigned := s.AssignedTo != nil && *s.AssignedTo == userID
		delegated := s.DelegatedTo != nil && *s.DelegatedTo == userID
		if assigned || delegated {
			out = append(out, cloneStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memSteps) ListOverdueInReview(_ context.Context, asOf time.Time) ([]*repository.Step, error) {
	var out []*repository.Step
	for _, s := range m.steps {
		if s.Status == repository.StepInReview && s.DueAt.Before(asOf) {
			out = append(out, cloneStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memSteps) UpdateDecision(_ context.Context, step *repository.Step) error {
	s, ok := m.steps[step.ID]
	if !ok {
		return apperrors.NotFound("approval_step", step.ID)
	}
	s.Status = step.Status
	s.Decision = step.Decision
	s.DecidedBy = step.DecidedBy
	s.DecidedAt = step.DecidedAt
	s.Comments = step.Comments
	s.Conditions = step.Conditions
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memSteps) Activate(_ context.Context, id string, assignedTo, delegatedTo *string, at time.Time) error {
	s, ok := m.steps[id]
	if !ok {
		return apperrors.NotFound("approval_step", id)
	}
	s.Status = repository.StepInReview
	if assignedTo != nil {
		s.AssignedTo = assignedTo
		assignedAt := at
		s.AssignedAt = &assignedAt
	}
	if delegatedTo != nil {
		s.DelegatedTo = delegatedTo
		delegatedAt := at
		s.DelegatedAt = &delegatedAt
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memSteps) Delegate(_ context.Context, id, toUserID string, reason *string, at time.Time) error {
	s, ok := m.steps[id]
	if !ok {
		return apperrors.NotFound("approval_step", id)
	}
	s.DelegatedTo = &toUserID
	delegatedAt := at
	s.DelegatedAt = &delegatedAt
	s.DelegationReason = reason
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memSteps) Assign(_ context.Context, id, userID string, at time.Time) error {
	s, ok := m.steps[id]
	if !ok {
		return apperrors.NotFound("approval_step", id)
	}
	s.AssignedTo = &userID
	assignedAt := at
	s.AssignedAt = &assignedAt
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memSteps) CloseOpen(_ context.Context, workflowID string, to repository.StepStatus) error {
	for _, s := range m.steps {
		if s.WorkflowID == workflowID && s.Status.Decidable() {
			s.Status = to
			s.UpdatedAt = time.Now()
		}
	}
	return nil
}

// ── history ──────────────────────────────────────────────────────────────────

type memHistory memStore

func (m *memHistory) Append(_ context.Context, e *repository.HistoryEntry) error {
	m.historySeq++
	e.ID = m.historySeq
	e.CreatedAt = time.Now()
	cp := *e
	m.history = append(m.history, &cp)
	return nil
}

func (m *memHistory) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.HistoryEntry, error) {
	var out []*repository.HistoryEntry
	for _, e := range m.history {
		if e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ── clone helpers ────────────────────────────────────────────────────────────

func cloneThreshold(t *repository.Threshold) *repository.Threshold {
	cp := *t
	cp.StepTemplates = append([]repository.StepTemplate(nil), t.StepTemplates...)
	return &cp
}

func cloneWorkflow(wf *repository.Workflow) *repository.Workflow {
	cp := *wf
	return &cp
}

func cloneStep(s *repository.Step) *repository.Step {
	cp := *s
	return &cp
}
