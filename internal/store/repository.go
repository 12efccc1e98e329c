/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the cardstack-service. By defining an interface,
 * we decouple the execution engine from the specific database implementation
 * (PostgreSQL in production, memory in tests and local runs).
 *
 * @dependencies
 * - context, time, math/big: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 * - internal/ledger: The repository is the ledger's transactional Store.
 */

package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
)

var (
	ErrCardStackNotFound       = errors.New("card stack not found")
	ErrSubCardNotFound         = errors.New("sub-card not found")
	ErrAttemptNotFound         = errors.New("execution attempt not found")
	ErrPermissionImmutable     = errors.New("permission context already set")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Card stack methods
	CreateCardStack(ctx context.Context, stack *domain.CardStack) error
	FindCardStackByID(ctx context.Context, stackID uuid.UUID) (*domain.CardStack, error)
	FindCardStackOwner(ctx context.Context, stackID uuid.UUID) (string, error)
	ListCardStacksByOwner(ctx context.Context, ownerID string) ([]domain.CardStack, error)
	// AttachPermission moves a PENDING stack with no grant to ACTIVE with the given grant.
	AttachPermission(ctx context.Context, stackID uuid.UUID, permission domain.PermissionContext) error
	UpdateCardStackBudget(ctx context.Context, stackID uuid.UUID, totalBudget *big.Int, period time.Duration) error
	TransitionCardStackStatus(ctx context.Context, stackID uuid.UUID, from []domain.CardStackStatus, to domain.CardStackStatus) (bool, error)
	ExpireCardStacks(ctx context.Context, now time.Time) (int64, error)
	DeleteCardStack(ctx context.Context, stackID uuid.UUID) error

	// Sub-card methods
	CreateSubCard(ctx context.Context, sub *domain.SubCard) error
	FindSubCardByID(ctx context.Context, subCardID uuid.UUID) (*domain.SubCard, error)
	ListSubCardsByStack(ctx context.Context, stackID uuid.UUID) ([]domain.SubCard, error)
	UpdateSubCardStatus(ctx context.Context, subCardID uuid.UUID, status domain.SubCardStatus) error
	UpdateSubCardSchedule(ctx context.Context, subCardID uuid.UUID, next *time.Time) error
	DeleteSubCard(ctx context.Context, subCardID uuid.UUID) error

	// Execution attempt methods
	CreateAttempt(ctx context.Context, attempt *domain.ExecutionAttempt) error
	FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionAttempt, error)
	FindAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.ExecutionAttempt, error)
	ListAttemptsByStack(ctx context.Context, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error)
	TransitionAttempt(ctx context.Context, attemptID uuid.UUID, transition AttemptTransition) (bool, error)
	ListReconcileCandidates(ctx context.Context, states []domain.AttemptState, updatedBefore time.Time, limit int) ([]domain.ExecutionAttempt, error)

	// Spend counters, used by the ledger.
	ledger.Store
}

// AttemptTransition is a conditional update of an attempt's state. It applies only when the
// current state is one of From and, if set, act_retries equals ExpectActRetries.
// Nil fields are left unchanged.
type AttemptTransition struct {
	From             []domain.AttemptState
	To               domain.AttemptState
	ExpectActRetries *int

	IncrementActRetries bool
	PullOpHash          *string
	PullTxHash          *string
	ActOpHash           *string
	ActTxHash           *string
	ErrorClass          *string
	ErrorCode           *string
	ErrorMessage        *string
}

func (t AttemptTransition) allows(attempt *domain.ExecutionAttempt) bool {
	if t.ExpectActRetries != nil && attempt.ActRetries != *t.ExpectActRetries {
		return false
	}
	for _, from := range t.From {
		if attempt.State == from {
			return true
		}
	}
	return false
}

func (t AttemptTransition) apply(attempt *domain.ExecutionAttempt, now time.Time) {
	attempt.State = t.To
	if t.IncrementActRetries {
		attempt.ActRetries++
	}
	setIf(&attempt.PullOpHash, t.PullOpHash)
	setIf(&attempt.PullTxHash, t.PullTxHash)
	setIf(&attempt.ActOpHash, t.ActOpHash)
	setIf(&attempt.ActTxHash, t.ActTxHash)
	setIf(&attempt.ErrorClass, t.ErrorClass)
	setIf(&attempt.ErrorCode, t.ErrorCode)
	setIf(&attempt.ErrorMessage, t.ErrorMessage)
	attempt.UpdatedAt = now
}

func setIf(dst *string, value *string) {
	if value != nil {
		*dst = *value
	}
}

func statesToStrings(states []domain.AttemptState) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
