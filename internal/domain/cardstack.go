/**
 * @description
 * This file defines the core domain models for the cardstack-service: the Card Stack
 * authorization envelope and the Sub-Card strategies funded from its budget.
 *
 * @notes
 * - Amounts are `*big.Int` values in the token's smallest unit. Floating point is never
 *   used for comparisons; display formatting lives in amount.go.
 * - Spend counters on both entities are owned by the ledger package and are only
 *   mutated inside a locked store transaction.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// CardStackStatus is the lifecycle state of a card stack.
type CardStackStatus string

const (
	CardStackStatusPending CardStackStatus = "PENDING"
	CardStackStatusActive  CardStackStatus = "ACTIVE"
	CardStackStatusExpired CardStackStatus = "EXPIRED"
	CardStackStatusRevoked CardStackStatus = "REVOKED"
)

// Common budget period presets.
const (
	PeriodDaily   = 24 * time.Hour
	PeriodWeekly  = 7 * PeriodDaily
	PeriodMonthly = 30 * PeriodDaily
)

// TokenRef identifies an ERC-20 (or native, when Address is the zero address) token on a chain.
type TokenRef struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// CardStack is a budget- and time-bounded authorization envelope tied to one token and one owner.
// This struct maps directly to the `card_stacks` table.
type CardStack struct {
	ID                uuid.UUID
	OwnerID           string
	WalletAddress     string
	ChainID           int64
	Token             TokenRef
	Permission        PermissionContext
	DelegationManager string
	TotalBudget       *big.Int
	PeriodDuration    time.Duration
	Status            CardStackStatus
	ExpiresAt         time.Time

	// Stack-wide spend for the current period. Kept on the stack so spend
	// by deleted sub-cards still counts against the budget.
	PeriodStartedAt time.Time
	PeriodSpent     *big.Int
	PeriodReserved  *big.Int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether the stack's expiry has passed at now.
func (s *CardStack) IsExpired(now time.Time) bool {
	return s.Status == CardStackStatusExpired || !now.Before(s.ExpiresAt)
}

// SubCardKind is the strategy implemented by a sub-card.
type SubCardKind string

const (
	SubCardKindRecurringBuy SubCardKind = "RECURRING_BUY"
	SubCardKindLimitOrder   SubCardKind = "LIMIT_ORDER"
	SubCardKindSubscription SubCardKind = "SUBSCRIPTION"
)

// Valid reports whether k is a known strategy kind.
func (k SubCardKind) Valid() bool {
	switch k {
	case SubCardKindRecurringBuy, SubCardKindLimitOrder, SubCardKindSubscription:
		return true
	}
	return false
}

// SubCardStatus is the owner-controlled state of a sub-card.
type SubCardStatus string

const (
	SubCardStatusActive SubCardStatus = "ACTIVE"
	SubCardStatusPaused SubCardStatus = "PAUSED"
)

// SubCardConfig carries the kind-specific strategy parameters.
type SubCardConfig struct {
	// RECURRING_BUY and LIMIT_ORDER
	TargetToken *TokenRef
	SlippageBps int

	// LIMIT_ORDER: minimum output expected for AmountPerExecution of the source token.
	MinAmountOut *big.Int

	// SUBSCRIPTION
	Recipient string
	Label     string

	AmountPerExecution *big.Int
	Interval           time.Duration
	NextExecutionAt    *time.Time
}

// SubCard is one automated behavior funded from a card stack's budget.
// This struct maps directly to the `sub_cards` table.
type SubCard struct {
	ID          uuid.UUID
	CardStackID uuid.UUID
	Kind        SubCardKind
	Status      SubCardStatus
	Config      SubCardConfig

	// DailyLimit caps spend per period for this strategy. nil means no strategy cap.
	DailyLimit *big.Int

	CurrentSpent *big.Int
	TotalSpent   *big.Int
	Reserved     *big.Int
	LastResetAt  time.Time
	LastSpentAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDue reports whether a scheduled sub-card may run at now.
func (c *SubCard) IsDue(now time.Time) bool {
	if c.Config.NextExecutionAt == nil {
		return true
	}
	return !now.Before(*c.Config.NextExecutionAt)
}
