// Package quota implements admission control over shared quota groups.
//
// Every read-modify-write of a group happens inside Store.WithLockedGroup,
// which holds the group's row lock for the duration of the callback.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// ErrQuotaExceeded is returned when a group denies admission.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Cap names
const (
	CapConcurrent = "concurrent"
	CapDay        = "day"
	CapMonth      = "month"
	CapMissing    = "missing_group"
)

// Locked is handed to callbacks while the group row lock is held.
type Locked struct {
	Group *domain.QuotaGroup
	// Running counts RUNNING posts of the group's accounts in the same transaction.
	Running func(ctx context.Context) (int, error)
}

// Store persists quota groups under a row lock. The group is written back
// when fn returns nil and discarded otherwise.
type Store interface {
	WithLockedGroup(ctx context.Context, groupID int64, fn func(l *Locked) error) error
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Cap      string
	Limit    int
	Current  int
}

// Err converts a denial into an ErrQuotaExceeded-wrapping error.
func (d Decision) Err(groupID int64) error {
	if d.Admitted {
		return nil
	}
	return fmt.Errorf("%w: group %d %s cap %d/%d", ErrQuotaExceeded, groupID, d.Cap, d.Current, d.Limit)
}

// Ledger tracks concurrency, daily and monthly launch counts per group.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a new ledger
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Check resets expired windows and evaluates caps in order concurrency, day, month.
// Only the reset fields are persisted; counters are left untouched.
func (l *Ledger) Check(ctx context.Context, groupID int64) (Decision, error) {
	var decision Decision
	err := l.store.WithLockedGroup(ctx, groupID, func(lk *Locked) error {
		ResetWindows(lk.Group, l.now())
		decision = Evaluate(lk.Group)
		return nil
	})
	if errors.Is(err, domain.ErrQuotaGroupNotFound) {
		l.logger.Warn("Quota group not found, denying admission",
			slog.Int64("quota_group_id", groupID),
		)
		return Decision{Cap: CapMissing}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check quota group %d: %w", groupID, err)
	}
	return decision, nil
}

// CanAdmit reports whether one more job may start in the group.
func (l *Ledger) CanAdmit(ctx context.Context, groupID int64) (bool, error) {
	d, err := l.Check(ctx, groupID)
	if err != nil {
		return false, err
	}
	if !d.Admitted {
		l.logger.Info("Quota admission denied",
			slog.Int64("quota_group_id", groupID),
			slog.String("cap", d.Cap),
			slog.Int("current", d.Current),
			slog.Int("limit", d.Limit),
		)
	}
	return d.Admitted, nil
}

// OnStart counts a job start against every window.
func (l *Ledger) OnStart(ctx context.Context, groupID int64) error {
	err := l.store.WithLockedGroup(ctx, groupID, func(lk *Locked) error {
		g := lk.Group
		ResetWindows(g, l.now())
		if g.CurrentConcurrent < 0 {
			g.CurrentConcurrent = 0
		}
		g.CurrentConcurrent++
		g.CurrentDayCount++
		g.CurrentMonthCount++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record start for quota group %d: %w", groupID, err)
	}
	return nil
}

// OnFinish releases one concurrency slot, floored at zero.
func (l *Ledger) OnFinish(ctx context.Context, groupID int64) error {
	err := l.store.WithLockedGroup(ctx, groupID, func(lk *Locked) error {
		g := lk.Group
		g.CurrentConcurrent--
		if g.CurrentConcurrent < 0 {
			g.CurrentConcurrent = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record finish for quota group %d: %w", groupID, err)
	}
	return nil
}

// Reconcile recomputes current_concurrent from posts actually RUNNING and
// returns the corrected value.
func (l *Ledger) Reconcile(ctx context.Context, groupID int64) (int, error) {
	var before, after int
	err := l.store.WithLockedGroup(ctx, groupID, func(lk *Locked) error {
		running, err := lk.Running(ctx)
		if err != nil {
			return err
		}
		before = lk.Group.CurrentConcurrent
		lk.Group.CurrentConcurrent = running
		after = running
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile quota group %d: %w", groupID, err)
	}
	if before != after {
		l.logger.Warn("Quota concurrency drift corrected",
			slog.Int64("quota_group_id", groupID),
			slog.Int("recorded", before),
			slog.Int("running", after),
		)
	}
	return after, nil
}

// ResetWindows starts a new day or month window when the stored one is
// missing or belongs to an earlier UTC period. It reports whether anything changed.
func ResetWindows(g *domain.QuotaGroup, now time.Time) bool {
	now = now.UTC()
	changed := false

	if g.DayWindowStart == nil || !sameDay(g.DayWindowStart.UTC(), now) {
		g.CurrentDayCount = 0
		start := now
		g.DayWindowStart = &start
		changed = true
	}
	if g.MonthWindowStart == nil || !sameMonth(g.MonthWindowStart.UTC(), now) {
		g.CurrentMonthCount = 0
		start := now
		g.MonthWindowStart = &start
		changed = true
	}
	if g.CurrentConcurrent < 0 {
		g.CurrentConcurrent = 0
		changed = true
	}
	return changed
}

// Evaluate applies caps in order; the first cap at or over its limit denies.
func Evaluate(g *domain.QuotaGroup) Decision {
	checks := []struct {
		cap     string
		limit   *int
		current int
	}{
		{CapConcurrent, g.MaxConcurrent, g.CurrentConcurrent},
		{CapDay, g.MaxPerDay, g.CurrentDayCount},
		{CapMonth, g.MaxPerMonth, g.CurrentMonthCount},
	}
	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		if c.current >= *c.limit {
			return Decision{Cap: c.cap, Limit: *c.limit, Current: c.current}
		}
	}
	return Decision{Admitted: true}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
