package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsite-ai/be-pm-approvals/internal/apperrors"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

func validThreshold() *repository.Threshold {
	return &repository.Threshold{
		TenantID:   testTenant,
		EntityType: repository.EntityContract,
		Name:       "contracts tier 1",
		MinValue:   1000,
		MaxValue:   f64Ptr(50_000),
		TargetDays: 5,
		IsActive:   true,
		Sequence:   1,
		StepTemplates: []repository.StepTemplate{
			{Stage: 1, Role: repository.RoleProjectManager, Required: true},
			{Stage: 2, Role: repository.RoleCommercialManager, Required: true},
		},
	}
}

func TestCreateThresholdValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*repository.Threshold)
	}{
		{"unknown entity type", func(c *repository.Threshold) { c.EntityType = "INVOICE" }},
		{"empty name", func(c *repository.Threshold) { c.Name = "" }},
		{"negative min", func(c *repository.Threshold) { c.MinValue = -1 }},
		{"max equal to min", func(c *repository.Threshold) { c.MaxValue = f64Ptr(1000) }},
		{"max below min", func(c *repository.Threshold) { c.MaxValue = f64Ptr(500) }},
		{"zero target days", func(c *repository.Threshold) { c.TargetDays = 0 }},
		{"no step templates", func(c *repository.Threshold) { c.StepTemplates = nil }},
		{"stages not starting at 1", func(c *repository.Threshold) {
			c.StepTemplates = []repository.StepTemplate{{Stage: 2, Role: repository.RoleProjectManager}}
		}},
		{"stage gap", func(c *repository.Threshold) {
			c.StepTemplates = []repository.StepTemplate{
				{Stage: 1, Role: repository.RoleProjectManager},
				{Stage: 3, Role: repository.RoleFinanceManager},
			}
		}},
		{"unknown role", func(c *repository.Threshold) {
			c.StepTemplates = []repository.StepTemplate{{Stage: 1, Role: "SITE_FOREMAN"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newEngineEnv()
			threshold := validThreshold()
			tc.mutate(threshold)
			err := env.thresholds.Create(context.Background(), threshold)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput), "got: %v", err)
		})
	}
}

func TestCreateThresholdAssignsID(t *testing.T) {
	env := newEngineEnv()
	threshold := validThreshold()
	require.NoError(t, env.thresholds.Create(context.Background(), threshold))
	assert.NotEmpty(t, threshold.ID)

	got, err := env.thresholds.Get(context.Background(), testTenant, threshold.ID)
	require.NoError(t, err)
	assert.Equal(t, threshold.Name, got.Name)
}

func TestCreateThresholdRejectsOverlap(t *testing.T) {
	env := newEngineEnv()
	ctx := context.Background()
	require.NoError(t, env.thresholds.Create(ctx, validThreshold()))

	overlapping := validThreshold()
	overlapping.Name = "contracts tier 2"
	overlapping.MinValue = 40_000
	overlapping.MaxValue = nil
	err := env.thresholds.Create(ctx, overlapping)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigConflict))

	// Adjacent half-open ranges do not overlap.
	adjacent := validThreshold()
	adjacent.Name = "contracts tier 2"
	adjacent.MinValue = 50_000
	adjacent.MaxValue = nil
	adjacent.Sequence = 2
	require.NoError(t, env.thresholds.Create(ctx, adjacent))

	// Inactive thresholds are exempt from the overlap check.
	draft := validThreshold()
	draft.Name = "draft rework"
	draft.IsActive = false
	require.NoError(t, env.thresholds.Create(ctx, draft))
}

func TestCreateThresholdOverlapScopedByEntityType(t *testing.T) {
	env := newEngineEnv()
	ctx := context.Background()
	require.NoError(t, env.thresholds.Create(ctx, validThreshold()))

	sameRange := validThreshold()
	sameRange.EntityType = repository.EntityVariation
	sameRange.Name = "variations tier 1"
	require.NoError(t, env.thresholds.Create(ctx, sameRange))
}

func TestUpdateThresholdShapeFrozenWhileInUse(t *testing.T) {
	env := newEngineEnv()
	env.seedRoles()
	ctx := context.Background()

	threshold := validThreshold()
	threshold.EntityType = repository.EntityPackage
	require.NoError(t, env.thresholds.Create(ctx, threshold))

	result, err := env.routing.RouteForApproval(ctx, routeRequest("pkg-1", 5000))
	require.NoError(t, err)
	require.NotNil(t, result)

	// Shape changes are rejected while the workflow is open.
	reshaped := *threshold
	reshaped.MaxValue = f64Ptr(80_000)
	err = env.thresholds.Update(ctx, &reshaped)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigConflict))

	templates := *threshold
	templates.StepTemplates = append([]repository.StepTemplate(nil), threshold.StepTemplates...)
	templates.StepTemplates[1].Role = repository.RoleFinanceManager
	err = env.thresholds.Update(ctx, &templates)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigConflict))

	// Rename and retirement stay allowed.
	renamed := *threshold
	renamed.Name = "packages tier 1 (superseded)"
	renamed.IsActive = false
	require.NoError(t, env.thresholds.Update(ctx, &renamed))

	// Once the workflow terminates, the shape unfreezes.
	_, err = env.decisions.Cancel(ctx, result.Workflow.ID, userAdmin, nil)
	require.NoError(t, err)
	require.NoError(t, env.thresholds.Update(ctx, &reshaped))
}

func TestUpdateThresholdNotFound(t *testing.T) {
	env := newEngineEnv()
	missing := validThreshold()
	missing.ID = "no-such-id"
	err := env.thresholds.Update(context.Background(), missing)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestRangesOverlap(t *testing.T) {
	mk := func(min float64, max *float64) *repository.Threshold {
		return &repository.Threshold{MinValue: min, MaxValue: max}
	}
	tests := []struct {
		name string
		a, b *repository.Threshold
		want bool
	}{
		{"disjoint", mk(0, f64Ptr(100)), mk(200, f64Ptr(300)), false},
		{"adjacent half-open", mk(0, f64Ptr(100)), mk(100, f64Ptr(200)), false},
		{"partial overlap", mk(0, f64Ptr(150)), mk(100, f64Ptr(200)), true},
		{"contained", mk(0, f64Ptr(1000)), mk(100, f64Ptr(200)), true},
		{"both unbounded", mk(0, nil), mk(5000, nil), true},
		{"bounded below unbounded", mk(0, f64Ptr(100)), mk(100, nil), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rangesOverlap(tc.a, tc.b))
			assert.Equal(t, tc.want, rangesOverlap(tc.b, tc.a))
		})
	}
}
