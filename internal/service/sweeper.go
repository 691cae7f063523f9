package service

import (
	"context"
	"time"

	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/metrics"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
)

// EscalationSweeper flags workflows whose active step has blown its due date.
// Escalation is advisory: the sweep never touches step status, so it needs no
// coordination with in-flight decisions beyond ordinary row updates.
type EscalationSweeper struct {
	store    repository.Store
	notifier Notifier
	log      *logger.Logger
	interval time.Duration
	now      func() time.Time
}

// NewEscalationSweeper creates a sweeper with the given pass interval.
func NewEscalationSweeper(store repository.Store, notifier Notifier, log *logger.Logger, interval time.Duration) *EscalationSweeper {
	return &EscalationSweeper{
		store:    store,
		notifier: notifier,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

// Run executes SweepOverdue on a fixed interval until ctx is cancelled.
func (s *EscalationSweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("Escalation sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation sweeper stopped")
			return
		case <-ticker.C:
			flagged, err := s.SweepOverdue(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("Escalation sweep failed")
				continue
			}
			if flagged > 0 {
				s.log.Info().Int("newly_flagged", flagged).Msg("Escalation sweep flagged overdue workflows")
			}
		}
	}
}

// SweepOverdue flags the parent workflow of every IN_REVIEW step whose due
// date has elapsed, refreshing escalated_at and emitting one notification per
// overdue step. Returns the count of workflows newly flagged this pass.
// Re-running on an already-flagged workflow only refreshes the timestamp and
// re-notifies; a workflow completed concurrently has no IN_REVIEW steps left
// and falls out of the query.
func (s *EscalationSweeper) SweepOverdue(ctx context.Context) (int, error) {
	now := s.now()
	overdue, err := s.store.Steps().ListOverdueInReview(ctx, now)
	if err != nil {
		return 0, err
	}

	newlyFlagged := 0
	seen := make(map[string]bool)

	for _, step := range overdue {
		wf, err := s.store.Workflows().GetByID(ctx, step.WorkflowID)
		if err != nil {
			// Tolerate concurrent deletion or visibility races; the next pass
			// re-evaluates.
			s.log.Warn().Err(err).Str("step_id", step.ID).Msg("Sweep: could not load parent workflow")
			continue
		}
		if !wf.Status.Active() {
			continue
		}

		if !seen[wf.ID] {
			seen[wf.ID] = true
			if !wf.IsOverdue {
				newlyFlagged++
				metrics.OverdueFlagged.Inc()
			}
			if err := s.store.Workflows().MarkOverdue(ctx, wf.ID, now); err != nil {
				s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Sweep: could not flag workflow overdue")
				continue
			}
		}

		recipient := wf.InitiatedBy
		if step.AssignedTo != nil {
			recipient = *step.AssignedTo
		}
		s.notifier.Publish(ctx, Notification{
			Event:      EventWorkflowEscalated,
			TenantID:   wf.TenantID,
			Recipient:  recipient,
			Entity:     wf.Entity,
			WorkflowID: wf.ID,
			Stage:      step.Stage,
			DueAt:      &step.DueAt,
		})
	}

	return newlyFlagged, nil
}
