// Package availability owns practitioner presence: manual status changes,
// load-driven automatic busy/available flips, and break timers that are
// rebuilt from the persisted documents on every process start.
package availability

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"clinicflow/internal/models"
	"clinicflow/internal/retry"
	"clinicflow/internal/store"
)

const (
	ReasonAutoBusy      = "auto: active case load reached ceiling"
	ReasonAutoAvailable = "auto: active case load dropped below ceiling"
	ReasonAutoReturn    = "auto-return"
)

type Controller struct {
	practitioners store.PractitionerStore
	cases         store.CaseStore
	policy        retry.Policy
	now           func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type Options struct {
	Retry retry.Policy
	Now   func() time.Time
}

func NewController(practitioners store.PractitionerStore, cases store.CaseStore, options Options) *Controller {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	policy := options.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Controller{
		practitioners: practitioners,
		cases:         cases,
		policy:        policy,
		now:           now,
		timers:        make(map[string]*time.Timer),
	}
}

// SetStatus applies a manual transition. Going on break arms the break
// timer; any other accepted transition cancels a pending one, so a timer
// that later fires finds the practitioner no longer on break and no-ops.
func (c *Controller) SetStatus(ctx context.Context, practitionerID string, newStatus models.AvailabilityStatus, reason string, durationMinutes int) (models.Practitioner, error) {
	if !newStatus.Valid() {
		return models.Practitioner{}, fmt.Errorf("%w: unknown status %q", store.ErrValidation, newStatus)
	}
	if newStatus == models.StatusUnavailable && strings.TrimSpace(reason) == "" {
		return models.Practitioner{}, fmt.Errorf("%w: a reason is required to go unavailable", store.ErrValidation)
	}
	if newStatus == models.StatusOnBreak && !models.ValidBreakDuration(durationMinutes) {
		return models.Practitioner{}, fmt.Errorf("%w: break duration must be one of %v minutes", store.ErrValidation, models.AllowedBreakDurations)
	}

	updated, err := retry.Do(ctx, c.policy, func() (models.Practitioner, error) {
		current, err := c.practitioners.GetPractitioner(ctx, practitionerID)
		if err != nil {
			return models.Practitioner{}, err
		}
		if !models.ValidManualTransition(current.Role, newStatus) {
			return models.Practitioner{}, fmt.Errorf("%w: %s may not be set to %s manually", store.ErrInvalidTransition, current.Role, newStatus)
		}

		next := current
		next.Status = newStatus
		next.BreakStartedAt = nil
		next.BreakDuration = 0
		// The flag outlives the capped history, so a manual busy is never
		// mistaken for an automatic one later.
		next.BusySetManually = newStatus == models.StatusBusy

		change := models.StatusChangeEvent{
			PreviousStatus: current.Status,
			NewStatus:      newStatus,
			ChangedAt:      c.now(),
			Reason:         reason,
			CasesAtChange:  current.ActiveCaseCount,
		}
		if newStatus == models.StatusOnBreak {
			startedAt := c.now()
			next.BreakStartedAt = &startedAt
			next.BreakDuration = durationMinutes
			returnAt := startedAt.Add(time.Duration(durationMinutes) * time.Minute)
			change.ExpectedDuration = durationMinutes
			change.ExpectedReturn = &returnAt
		}

		return c.practitioners.UpdatePractitioner(ctx, next, current.Version, change)
	})
	if err != nil {
		return models.Practitioner{}, err
	}

	if updated.Status == models.StatusOnBreak {
		c.armTimer(updated.PractitionerID, updated.BreakEndsAt())
	} else {
		c.cancelTimer(updated.PractitionerID)
	}
	return updated, nil
}

// ReconcileLoad recomputes the active case count and applies the
// load-threshold transition. It is driven from the change feed, after the
// triggering case write is durably committed, and is idempotent: a second
// recomputation at the same load changes nothing.
func (c *Controller) ReconcileLoad(ctx context.Context, practitionerID string) error {
	_, err := retry.Do(ctx, c.policy, func() (models.Practitioner, error) {
		current, err := c.practitioners.GetPractitioner(ctx, practitionerID)
		if err != nil {
			return models.Practitioner{}, err
		}
		if current.Status != models.StatusAvailable && current.Status != models.StatusBusy {
			return current, nil
		}

		count, err := c.cases.CountActiveCases(ctx, practitionerID, current.Role)
		if err != nil {
			return models.Practitioner{}, err
		}
		ceiling := models.ActiveCaseCeiling(current.Role)

		next := current
		next.ActiveCaseCount = count
		change := models.StatusChangeEvent{
			PreviousStatus: current.Status,
			ChangedAt:      c.now(),
			CasesAtChange:  count,
		}

		switch {
		case current.Status == models.StatusAvailable && count >= ceiling:
			next.Status = models.StatusBusy
			next.BusySetManually = false
			change.NewStatus = models.StatusBusy
			change.Reason = ReasonAutoBusy
		case current.Status == models.StatusBusy && count < ceiling:
			// Manual busy is not auto-reverted.
			if current.BusySetManually {
				break
			}
			next.Status = models.StatusAvailable
			change.NewStatus = models.StatusAvailable
			change.Reason = ReasonAutoAvailable
		}

		if next.Status == current.Status && count == current.ActiveCaseCount {
			return current, nil
		}
		return c.practitioners.UpdatePractitioner(ctx, next, current.Version, change)
	})
	return err
}

// ReconcileBreakTimers rebuilds timer state from the persisted documents.
// Process memory is not the source of truth: a break that expired while
// the process was down is returned immediately, a live one is re-armed for
// its remaining duration.
func (c *Controller) ReconcileBreakTimers(ctx context.Context) error {
	onBreak, err := c.practitioners.ListOnBreak(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	for _, p := range onBreak {
		if !p.OnBreak() {
			continue
		}
		endsAt := p.BreakEndsAt()
		if !endsAt.After(now) {
			if err := c.autoReturn(ctx, p.PractitionerID); err != nil {
				log.Printf("break reconcile %s: %v", p.PractitionerID, err)
			}
			continue
		}
		c.armTimer(p.PractitionerID, endsAt)
	}
	return nil
}

// autoReturn flips an expired break back to available. A timer that fires
// after a manual early return finds the status no longer on_break and does
// nothing.
func (c *Controller) autoReturn(ctx context.Context, practitionerID string) error {
	defer c.cancelTimer(practitionerID)

	_, err := retry.Do(ctx, c.policy, func() (models.Practitioner, error) {
		current, err := c.practitioners.GetPractitioner(ctx, practitionerID)
		if err != nil {
			return models.Practitioner{}, err
		}
		if current.Status != models.StatusOnBreak {
			return current, nil
		}

		next := current
		next.Status = models.StatusAvailable
		next.BreakStartedAt = nil
		next.BreakDuration = 0

		change := models.StatusChangeEvent{
			PreviousStatus: current.Status,
			NewStatus:      models.StatusAvailable,
			ChangedAt:      c.now(),
			Reason:         ReasonAutoReturn,
			CasesAtChange:  current.ActiveCaseCount,
		}
		return c.practitioners.UpdatePractitioner(ctx, next, current.Version, change)
	})
	return err
}

func (c *Controller) armTimer(practitionerID string, endsAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.timers[practitionerID]; ok {
		existing.Stop()
	}
	remaining := time.Until(endsAt)
	if remaining < 0 {
		remaining = 0
	}
	c.timers[practitionerID] = time.AfterFunc(remaining, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.autoReturn(ctx, practitionerID); err != nil {
			log.Printf("break auto-return %s: %v", practitionerID, err)
		}
	})
}

func (c *Controller) cancelTimer(practitionerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[practitionerID]; ok {
		timer.Stop()
		delete(c.timers, practitionerID)
	}
}

// TimerArmed reports whether a break timer is pending for the
// practitioner.
func (c *Controller) TimerArmed(practitionerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[practitionerID]
	return ok
}

// Close stops every pending break timer. Document state is untouched;
// ReconcileBreakTimers rebuilds the timers on the next start.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) GetPractitioner(ctx context.Context, practitionerID string) (models.Practitioner, error) {
	return c.practitioners.GetPractitioner(ctx, practitionerID)
}

func (c *Controller) ListHistory(ctx context.Context, practitionerID string, limit int) ([]models.StatusChangeEvent, error) {
	return c.practitioners.ListHistory(ctx, practitionerID, limit)
}

func (c *Controller) LinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	return c.practitioners.LinkPharmacist(ctx, doctorID, pharmacistID)
}

func (c *Controller) UnlinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	return c.practitioners.UnlinkPharmacist(ctx, doctorID, pharmacistID)
}

func (c *Controller) ListLinkedPharmacists(ctx context.Context, doctorID string) ([]string, error) {
	return c.practitioners.ListLinkedPharmacists(ctx, doctorID)
}

func (c *Controller) ListLinkedDoctors(ctx context.Context, pharmacistID string) ([]string, error) {
	return c.practitioners.ListLinkedDoctors(ctx, pharmacistID)
}
