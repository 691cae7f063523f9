package repository

import "time"

// ── Closed enumerations ──────────────────────────────────────────────────────

// EntityKind tags the business entity a workflow routes. The set is closed;
// anything else parses to EntityUnknown and is rejected at the boundary.
type EntityKind string

const (
	EntityPackage   EntityKind = "PACKAGE"
	EntityContract  EntityKind = "CONTRACT"
	EntityVariation EntityKind = "VARIATION"
	EntityPayment   EntityKind = "PAYMENT"
	EntityTimesheet EntityKind = "TIMESHEET"
	EntityUnknown   EntityKind = "UNKNOWN"
)

// ParseEntityKind maps a wire string onto the closed EntityKind set.
func ParseEntityKind(s string) EntityKind {
	switch EntityKind(s) {
	case EntityPackage, EntityContract, EntityVariation, EntityPayment, EntityTimesheet:
		return EntityKind(s)
	}
	return EntityUnknown
}

// EntityRef identifies one business entity under approval.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// RoleKind is the closed set of project roles a step template may require.
type RoleKind string

const (
	RoleProjectManager     RoleKind = "PROJECT_MANAGER"
	RoleQuantitySurveyor   RoleKind = "QUANTITY_SURVEYOR"
	RoleCommercialManager  RoleKind = "COMMERCIAL_MANAGER"
	RoleFinanceManager     RoleKind = "FINANCE_MANAGER"
	RoleOperationsDirector RoleKind = "OPERATIONS_DIRECTOR"
	RoleManagingDirector   RoleKind = "MANAGING_DIRECTOR"
	RoleUnknown            RoleKind = "UNKNOWN"
)

// ParseRoleKind maps a role string onto the closed RoleKind set.
func ParseRoleKind(s string) RoleKind {
	switch RoleKind(s) {
	case RoleProjectManager, RoleQuantitySurveyor, RoleCommercialManager,
		RoleFinanceManager, RoleOperationsDirector, RoleManagingDirector:
		return RoleKind(s)
	}
	return RoleUnknown
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowApproved   WorkflowStatus = "APPROVED"
	WorkflowRejected   WorkflowStatus = "REJECTED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
	WorkflowOverridden WorkflowStatus = "OVERRIDDEN"
)

// Active reports whether the workflow is still open for decisions.
func (s WorkflowStatus) Active() bool {
	return s == WorkflowPending || s == WorkflowInProgress
}

// StepStatus is the lifecycle state of one approval step.
type StepStatus string

const (
	StepPending          StepStatus = "PENDING"
	StepInReview         StepStatus = "IN_REVIEW"
	StepApproved         StepStatus = "APPROVED"
	StepRejected         StepStatus = "REJECTED"
	StepChangesRequested StepStatus = "CHANGES_REQUESTED"
	StepSkipped          StepStatus = "SKIPPED"
	StepOverridden       StepStatus = "OVERRIDDEN"
)

// Decidable reports whether a step in this status can still receive a
// decision. CHANGES_REQUESTED is a re-opened step, decidable again by the
// same assignee.
func (s StepStatus) Decidable() bool {
	return s == StepPending || s == StepInReview || s == StepChangesRequested
}

// TerminalSuccess reports whether the status counts as satisfied when the
// progression controller scans for the next remaining step.
func (s StepStatus) TerminalSuccess() bool {
	return s == StepApproved || s == StepSkipped || s == StepOverridden
}

// Decision is the closed vocabulary an approver may record on a step.
type Decision string

const (
	DecisionApproved           Decision = "APPROVED"
	DecisionApprovedConditions Decision = "APPROVED_WITH_CONDITIONS"
	DecisionRejected           Decision = "REJECTED"
	DecisionChangesRequired    Decision = "CHANGES_REQUIRED"
	DecisionReferUp            Decision = "REFER_UP"
	DecisionDefer              Decision = "DEFER"
)

// ParseDecision validates a wire string against the decision vocabulary.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionApproved, DecisionApprovedConditions, DecisionRejected,
		DecisionChangesRequired, DecisionReferUp, DecisionDefer:
		return Decision(s), true
	}
	return "", false
}

// HistoryAction labels one entry in the audit trail.
type HistoryAction string

const (
	ActionSubmitted          HistoryAction = "SUBMITTED"
	ActionApproved           HistoryAction = "APPROVED"
	ActionApprovedConditions HistoryAction = "APPROVED_WITH_CONDITIONS"
	ActionRejected           HistoryAction = "REJECTED"
	ActionChangesRequested   HistoryAction = "CHANGES_REQUESTED"
	ActionReferredUp         HistoryAction = "REFERRED_UP"
	ActionDeferred           HistoryAction = "DEFERRED"
	ActionDelegated          HistoryAction = "DELEGATED"
	ActionAssigned           HistoryAction = "ASSIGNED"
	ActionOverride           HistoryAction = "OVERRIDE"
	ActionCancel             HistoryAction = "CANCEL"
	ActionEscalated          HistoryAction = "ESCALATED"
)

// ── Aggregates ───────────────────────────────────────────────────────────────

// StepTemplate is one entry in a threshold's ordered step_templates value.
// Validated at threshold-creation time, never re-parsed ad hoc.
type StepTemplate struct {
	Stage       int      `json:"stage"`
	Role        RoleKind `json:"role"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
}

// Threshold maps a half-open value range [MinValue, MaxValue) for one
// (tenant, entity type) to a required chain of approval steps.
type Threshold struct {
	ID            string
	TenantID      string
	EntityType    EntityKind
	Name          string
	MinValue      float64
	MaxValue      *float64 // nil = unbounded
	StepTemplates []StepTemplate
	TargetDays    int
	IsActive      bool
	Sequence      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Contains reports whether value falls in the threshold's half-open range.
func (t *Threshold) Contains(value float64) bool {
	if value < t.MinValue {
		return false
	}
	return t.MaxValue == nil || value < *t.MaxValue
}

// Workflow is one instantiated approval process for one business entity.
type Workflow struct {
	ID            string
	TenantID      string
	ProjectID     string
	Entity        EntityRef
	ThresholdID   string
	EntityValue   float64
	Status        WorkflowStatus
	InitiatedBy   string
	Notes         *string
	CompletedNote *string
	IsOverdue     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	EscalatedAt   *time.Time
}

// Step is one stage in a workflow's approval chain.
type Step struct {
	ID               string
	WorkflowID       string
	Stage            int
	Role             RoleKind
	Required         bool
	Description      string
	Status           StepStatus
	DueAt            time.Time
	AssignedTo       *string
	AssignedAt       *time.Time
	DelegatedTo      *string
	DelegatedAt      *time.Time
	DelegationReason *string
	Decision         *Decision
	DecidedBy        *string
	DecidedAt        *time.Time
	Comments         *string
	Conditions       *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HistoryEntry is one immutable record in the audit trail.
type HistoryEntry struct {
	ID         int64
	WorkflowID string
	StepID     *string
	Action     HistoryAction
	ActorID    string
	Comments   *string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// RoleAssignment maps (tenant, project, role) to an assigned user and an
// optional deputy. Owned by the platform's project module; read-only here.
type RoleAssignment struct {
	ID           string
	TenantID     string
	ProjectID    string
	Role         RoleKind
	UserID       string
	DeputyUserID *string
	CanApprove   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
