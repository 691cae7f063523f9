package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

const (
	testTenant  = "tenant-1"
	testProject = "project-1"

	userPM        = "user-pm"
	userPMDeputy  = "user-pm-deputy"
	userCM        = "user-cm"
	userFM        = "user-fm"
	userAdmin     = "user-admin"
	userInitiator = "user-initiator"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (r *recordingNotifier) Publish(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *recordingNotifier) byEvent(event NotificationEvent) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.events {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

type engineEnv struct {
	store      *memStore
	notifier   *recordingNotifier
	routing    *RoutingService
	decisions  *DecisionService
	thresholds *ThresholdService
}

func newEngineEnv() *engineEnv {
	store := newMemStore()
	notifier := &recordingNotifier{}
	log := logger.Nop()
	return &engineEnv{
		store:      store,
		notifier:   notifier,
		routing:    NewRoutingService(store, notifier, log),
		decisions:  NewDecisionService(store, notifier, log),
		thresholds: NewThresholdService(store, log),
	}
}

// seedRoles fills the standard three-role project: a project manager with a
// deputy, a commercial manager and a finance manager.
func (e *engineEnv) seedRoles() {
	e.store.addRole(&repository.RoleAssignment{
		ID: uuid.NewString(), TenantID: testTenant, ProjectID: testProject,
		Role: repository.RoleProjectManager, UserID: userPM,
		DeputyUserID: strPtr(userPMDeputy), CanApprove: true,
	})
	e.store.addRole(&repository.RoleAssignment{
		ID: uuid.NewString(), TenantID: testTenant, ProjectID: testProject,
		Role: repository.RoleCommercialManager, UserID: userCM, CanApprove: true,
	})
	e.store.addRole(&repository.RoleAssignment{
		ID: uuid.NewString(), TenantID: testTenant, ProjectID: testProject,
		Role: repository.RoleFinanceManager, UserID: userFM, CanApprove: true,
	})
}

// seedThreshold installs an active threshold directly in the store, bypassing
// admin validation.
func (e *engineEnv) seedThreshold(t *repository.Threshold) *repository.Threshold {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TenantID == "" {
		t.TenantID = testTenant
	}
	_ = e.store.Thresholds().Create(context.Background(), t)
	return t
}

func threeStageThreshold(minValue float64, maxValue *float64) *repository.Threshold {
	return &repository.Threshold{
		TenantID:   testTenant,
		EntityType: repository.EntityPackage,
		Name:       "major works",
		MinValue:   minValue,
		MaxValue:   maxValue,
		TargetDays: 6,
		IsActive:   true,
		Sequence:   1,
		StepTemplates: []repository.StepTemplate{
			{Stage: 1, Role: repository.RoleProjectManager, Required: true},
			{Stage: 2, Role: repository.RoleCommercialManager, Required: true},
			{Stage: 3, Role: repository.RoleFinanceManager, Required: true},
		},
	}
}

func packageRef(id string) repository.EntityRef {
	return repository.EntityRef{Kind: repository.EntityPackage, ID: id}
}

func routeRequest(entityID string, value float64) RouteRequest {
	return RouteRequest{
		TenantID:    testTenant,
		ProjectID:   testProject,
		Entity:      packageRef(entityID),
		Value:       value,
		InitiatedBy: userInitiator,
	}
}

func strPtr(s string) *string { return &s }

func f64Ptr(v float64) *float64 { return &v }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
