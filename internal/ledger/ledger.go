/**
 * @description
 * Package ledger enforces per-period spending budgets for card stacks and their
 * sub-cards. It owns every mutation of the spend counters: a reservation is taken
 * before funds are pulled, then either committed as permanent spend or released.
 *
 * All three operations run inside Store.WithCounters, which loads the attempt, its
 * stack and its sub-card under an exclusive lock and persists them atomically. The
 * check and the write can therefore never interleave with another attempt on the
 * same stack.
 *
 * @dependencies
 * - internal/domain: card stack, sub-card and attempt models.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
)

// DenialReason explains why a reservation was refused.
type DenialReason string

const (
	DenialStackNotActive     DenialReason = "STACK_NOT_ACTIVE"
	DenialStackExpired       DenialReason = "STACK_EXPIRED"
	DenialBudgetExceeded     DenialReason = "BUDGET_EXCEEDED"
	DenialDailyLimitExceeded DenialReason = "DAILY_LIMIT_EXCEEDED"
	DenialSubCardNotActive   DenialReason = "SUB_CARD_NOT_ACTIVE"
	DenialPermissionNotGiven DenialReason = "PERMISSION_NOT_GRANTED"
)

// DeniedError is returned by CheckAndReserve when the spend is not allowed.
type DeniedError struct {
	Reason DenialReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("spend denied: %s", e.Reason)
}

// IsBudget reports whether the denial is a budget (as opposed to authorization) failure.
func (e *DeniedError) IsBudget() bool {
	return e.Reason == DenialBudgetExceeded || e.Reason == DenialDailyLimitExceeded
}

var (
	ErrInvalidAmount        = errors.New("reservation amount must be positive")
	ErrReservationReleased  = errors.New("reservation already released")
	ErrReservationCommitted = errors.New("reservation already committed")
	ErrNoReservation        = errors.New("attempt holds no reservation")
)

// Counters is the locked view handed to a WithCounters callback.
// Stack or SubCard is nil when the row has been deleted.
type Counters struct {
	Attempt *domain.ExecutionAttempt
	Stack   *domain.CardStack
	SubCard *domain.SubCard
}

// Store gives the ledger exclusive, transactional access to an attempt's counters.
// When fn returns an error nothing is persisted.
type Store interface {
	WithCounters(ctx context.Context, attemptID uuid.UUID, fn func(*Counters) error) error
}

// Ledger applies budget rules through a Store.
type Ledger struct {
	store Store
	model AllocationModel
	now   func() time.Time
}

// New creates a Ledger using the given allocation model.
func New(store Store, model AllocationModel) *Ledger {
	return &Ledger{store: store, model: model, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Model returns the allocation model in force.
func (l *Ledger) Model() AllocationModel {
	return l.model
}

// CheckAndReserve places a hold for the attempt's amount. A *DeniedError means no counter changed.
// Calling it again for an attempt that already holds a reservation is a no-op.
func (l *Ledger) CheckAndReserve(ctx context.Context, attemptID uuid.UUID) error {
	return l.store.WithCounters(ctx, attemptID, func(c *Counters) error {
		return Reserve(c, l.model, l.now())
	})
}

// Commit turns the attempt's reservation into permanent spend.
func (l *Ledger) Commit(ctx context.Context, attemptID uuid.UUID) error {
	return l.store.WithCounters(ctx, attemptID, func(c *Counters) error {
		return Commit(c, l.now())
	})
}

// Rollback releases the attempt's reservation.
func (l *Ledger) Rollback(ctx context.Context, attemptID uuid.UUID) error {
	return l.store.WithCounters(ctx, attemptID, func(c *Counters) error {
		return Release(c)
	})
}

// Reserve applies the reservation rules to locked counters.
func Reserve(c *Counters, model AllocationModel, now time.Time) error {
	attempt := c.Attempt
	switch attempt.Reservation {
	case domain.ReservationReserved, domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return ErrReservationReleased
	}
	if attempt.Amount == nil || attempt.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	stack := c.Stack
	if stack == nil {
		return &DeniedError{Reason: DenialStackNotActive}
	}
	if stack.IsExpired(now) {
		return &DeniedError{Reason: DenialStackExpired}
	}
	if stack.Status != domain.CardStackStatusActive {
		return &DeniedError{Reason: DenialStackNotActive}
	}
	if !stack.Permission.IsEncoded() {
		return &DeniedError{Reason: DenialPermissionNotGiven}
	}
	sub := c.SubCard
	if sub == nil || sub.CardStackID != stack.ID || sub.Status != domain.SubCardStatusActive {
		return &DeniedError{Reason: DenialSubCardNotActive}
	}

	rollStack(stack, now)
	rollSubCard(sub, stack.PeriodDuration, now)

	amount := attempt.Amount
	committed := new(big.Int).Add(domain.CloneAmount(stack.PeriodSpent), domain.CloneAmount(stack.PeriodReserved))
	if committed.Add(committed, amount).Cmp(domain.CloneAmount(stack.TotalBudget)) > 0 {
		return &DeniedError{Reason: DenialBudgetExceeded}
	}

	if limit, capped := model.strategyCap(sub); capped {
		used := new(big.Int).Add(domain.CloneAmount(sub.CurrentSpent), domain.CloneAmount(sub.Reserved))
		if used.Add(used, amount).Cmp(limit) > 0 {
			return &DeniedError{Reason: DenialDailyLimitExceeded}
		}
	}

	stack.PeriodReserved = new(big.Int).Add(domain.CloneAmount(stack.PeriodReserved), amount)
	sub.Reserved = new(big.Int).Add(domain.CloneAmount(sub.Reserved), amount)
	attempt.Reservation = domain.ReservationReserved
	attempt.ReservedStackPeriod = stack.PeriodStartedAt
	attempt.ReservedSubCardPeriod = sub.LastResetAt
	return nil
}

// Commit applies the commit rules to locked counters. Spend reserved in a period that
// has since rolled over is recorded only in the sub-card's lifetime total.
func Commit(c *Counters, now time.Time) error {
	attempt := c.Attempt
	switch attempt.Reservation {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return ErrReservationReleased
	case domain.ReservationReserved:
	default:
		return ErrNoReservation
	}
	amount := attempt.Amount

	if stack := c.Stack; stack != nil && stack.PeriodStartedAt.Equal(attempt.ReservedStackPeriod) {
		stack.PeriodReserved = subtractFloor(stack.PeriodReserved, amount)
		stack.PeriodSpent = new(big.Int).Add(domain.CloneAmount(stack.PeriodSpent), amount)
	}
	if sub := c.SubCard; sub != nil {
		if sub.LastResetAt.Equal(attempt.ReservedSubCardPeriod) {
			sub.Reserved = subtractFloor(sub.Reserved, amount)
			sub.CurrentSpent = new(big.Int).Add(domain.CloneAmount(sub.CurrentSpent), amount)
		}
		sub.TotalSpent = new(big.Int).Add(domain.CloneAmount(sub.TotalSpent), amount)
		spentAt := now
		sub.LastSpentAt = &spentAt
	}
	attempt.Reservation = domain.ReservationCommitted
	return nil
}

// Release applies the rollback rules to locked counters.
func Release(c *Counters) error {
	attempt := c.Attempt
	switch attempt.Reservation {
	case domain.ReservationReleased, domain.ReservationNone:
		return nil
	case domain.ReservationCommitted:
		return ErrReservationCommitted
	}
	amount := attempt.Amount

	if stack := c.Stack; stack != nil && stack.PeriodStartedAt.Equal(attempt.ReservedStackPeriod) {
		stack.PeriodReserved = subtractFloor(stack.PeriodReserved, amount)
	}
	if sub := c.SubCard; sub != nil && sub.LastResetAt.Equal(attempt.ReservedSubCardPeriod) {
		sub.Reserved = subtractFloor(sub.Reserved, amount)
	}
	attempt.Reservation = domain.ReservationReleased
	return nil
}

func rollStack(stack *domain.CardStack, now time.Time) {
	start, rolled := advancePeriod(stack.PeriodStartedAt, stack.PeriodDuration, now)
	if !rolled {
		return
	}
	stack.PeriodStartedAt = start
	stack.PeriodSpent = new(big.Int)
	stack.PeriodReserved = new(big.Int)
}

func rollSubCard(sub *domain.SubCard, period time.Duration, now time.Time) {
	start, rolled := advancePeriod(sub.LastResetAt, period, now)
	if !rolled {
		return
	}
	sub.LastResetAt = start
	sub.CurrentSpent = new(big.Int)
	sub.Reserved = new(big.Int)
}

// advancePeriod moves start forward by whole periods until now falls inside
// [start, start+period). A zero start begins a fresh period at now.
func advancePeriod(start time.Time, period time.Duration, now time.Time) (time.Time, bool) {
	if start.IsZero() {
		return now, true
	}
	if period <= 0 || now.Before(start.Add(period)) {
		return start, false
	}
	elapsed := now.Sub(start)
	return start.Add(elapsed / period * period), true
}

func subtractFloor(value, amount *big.Int) *big.Int {
	out := new(big.Int).Sub(domain.CloneAmount(value), amount)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
