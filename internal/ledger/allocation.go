package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
)

// AllocationModel decides how a sub-card's spend relates to its stack's budget.
type AllocationModel string

const (
	// AllocationShared lets every strategy draw from the stack budget. A sub-card's
	// DailyLimit, when set, is an additional cap on that strategy.
	AllocationShared AllocationModel = "shared"
	// AllocationCarveOut requires every strategy to own a DailyLimit slice of the
	// stack budget. The slices may not sum to more than the budget.
	AllocationCarveOut AllocationModel = "carve_out"
)

var (
	ErrUnknownAllocationModel = errors.New("unknown allocation model")
	ErrAllocationRequired     = errors.New("carve-out allocation requires a daily limit")
	ErrAllocationExceeded     = errors.New("sub-card allocations exceed stack budget")
	ErrLimitExceedsBudget     = errors.New("daily limit exceeds stack budget")
)

// ParseAllocationModel maps a configuration value onto a model.
func ParseAllocationModel(raw string) (AllocationModel, error) {
	switch AllocationModel(strings.ToLower(strings.TrimSpace(raw))) {
	case "", AllocationShared:
		return AllocationShared, nil
	case AllocationCarveOut:
		return AllocationCarveOut, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAllocationModel, raw)
}

// strategyCap returns the per-period cap that applies to sub, if any.
// Under carve-out a missing limit is a zero allocation.
func (m AllocationModel) strategyCap(sub *domain.SubCard) (*big.Int, bool) {
	if sub.DailyLimit != nil {
		return sub.DailyLimit, true
	}
	if m == AllocationCarveOut {
		return new(big.Int), true
	}
	return nil, false
}

// ValidateAllocation checks that candidate can be added to (or updated on) a stack whose
// other sub-cards are siblings, given budget as the stack's total.
func ValidateAllocation(model AllocationModel, budget *big.Int, siblings []domain.SubCard, candidate *domain.SubCard) error {
	if candidate.DailyLimit != nil && candidate.DailyLimit.Cmp(domain.CloneAmount(budget)) > 0 {
		return ErrLimitExceedsBudget
	}
	if model != AllocationCarveOut {
		return nil
	}
	if candidate.DailyLimit == nil || candidate.DailyLimit.Sign() <= 0 {
		return ErrAllocationRequired
	}
	total := new(big.Int).Set(candidate.DailyLimit)
	for _, sibling := range siblings {
		if sibling.ID == candidate.ID || sibling.ID == uuid.Nil {
			continue
		}
		total.Add(total, domain.CloneAmount(sibling.DailyLimit))
	}
	if total.Cmp(domain.CloneAmount(budget)) > 0 {
		return ErrAllocationExceeded
	}
	return nil
}

// ValidateBudgetChange checks that a stack can move to newBudget without orphaning
// carve-out allocations.
func ValidateBudgetChange(model AllocationModel, newBudget *big.Int, subCards []domain.SubCard) error {
	if model != AllocationCarveOut {
		return nil
	}
	total := new(big.Int)
	for _, sub := range subCards {
		total.Add(total, domain.CloneAmount(sub.DailyLimit))
	}
	if total.Cmp(newBudget) > 0 {
		return ErrAllocationExceeded
	}
	return nil
}
