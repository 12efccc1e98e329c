package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
)

// MemoryRepository is an in-process Repository. A single mutex serializes every
// operation, so WithCounters callbacks never run concurrently.
type MemoryRepository struct {
	mu          sync.Mutex
	stacks      map[uuid.UUID]*domain.CardStack
	subCards    map[uuid.UUID]*domain.SubCard
	attempts    map[uuid.UUID]*domain.ExecutionAttempt
	idempotency map[string]uuid.UUID
	now         func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stacks:      make(map[uuid.UUID]*domain.CardStack),
		subCards:    make(map[uuid.UUID]*domain.SubCard),
		attempts:    make(map[uuid.UUID]*domain.ExecutionAttempt),
		idempotency: make(map[string]uuid.UUID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for timestamps.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *MemoryRepository) CreateCardStack(ctx context.Context, stack *domain.CardStack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stack.ID == uuid.Nil {
		stack.ID = uuid.New()
	}
	now := r.now()
	stack.CreatedAt, stack.UpdatedAt = now, now
	r.stacks[stack.ID] = cloneStack(stack)
	return nil
}

func (r *MemoryRepository) FindCardStackByID(ctx context.Context, stackID uuid.UUID) (*domain.CardStack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackID]
	if !ok {
		return nil, ErrCardStackNotFound
	}
	return cloneStack(stack), nil
}

func (r *MemoryRepository) FindCardStackOwner(ctx context.Context, stackID uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackID]
	if !ok {
		return "", ErrCardStackNotFound
	}
	return stack.OwnerID, nil
}

func (r *MemoryRepository) ListCardStacksByOwner(ctx context.Context, ownerID string) ([]domain.CardStack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CardStack, 0)
	for _, stack := range r.stacks {
		if stack.OwnerID == ownerID {
			out = append(out, *cloneStack(stack))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) AttachPermission(ctx context.Context, stackID uuid.UUID, permission domain.PermissionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackID]
	if !ok {
		return ErrCardStackNotFound
	}
	if stack.Permission.IsEncoded() || stack.Status != domain.CardStackStatusPending {
		return ErrPermissionImmutable
	}
	stack.Permission = permission
	stack.Status = domain.CardStackStatusActive
	stack.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) UpdateCardStackBudget(ctx context.Context, stackID uuid.UUID, totalBudget *big.Int, period time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackID]
	if !ok {
		return ErrCardStackNotFound
	}
	stack.TotalBudget = new(big.Int).Set(totalBudget)
	stack.PeriodDuration = period
	stack.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) TransitionCardStackStatus(ctx context.Context, stackID uuid.UUID, from []domain.CardStackStatus, to domain.CardStackStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack, ok := r.stacks[stackID]
	if !ok {
		return false, ErrCardStackNotFound
	}
	for _, status := range from {
		if stack.Status == status {
			stack.Status = to
			stack.UpdatedAt = r.now()
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) ExpireCardStacks(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, stack := range r.stacks {
		if (stack.Status == domain.CardStackStatusActive || stack.Status == domain.CardStackStatusPending) && !now.Before(stack.ExpiresAt) {
			stack.Status = domain.CardStackStatusExpired
			stack.UpdatedAt = now
			expired++
		}
	}
	return expired, nil
}

func (r *MemoryRepository) DeleteCardStack(ctx context.Context, stackID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stacks[stackID]; !ok {
		return ErrCardStackNotFound
	}
	delete(r.stacks, stackID)
	for id, sub := range r.subCards {
		if sub.CardStackID == stackID {
			delete(r.subCards, id)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateSubCard(ctx context.Context, sub *domain.SubCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stacks[sub.CardStackID]; !ok {
		return ErrCardStackNotFound
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := r.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.subCards[sub.ID] = cloneSubCard(sub)
	return nil
}

func (r *MemoryRepository) FindSubCardByID(ctx context.Context, subCardID uuid.UUID) (*domain.SubCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subCards[subCardID]
	if !ok {
		return nil, ErrSubCardNotFound
	}
	return cloneSubCard(sub), nil
}

func (r *MemoryRepository) ListSubCardsByStack(ctx context.Context, stackID uuid.UUID) ([]domain.SubCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SubCard, 0)
	for _, sub := range r.subCards {
		if sub.CardStackID == stackID {
			out = append(out, *cloneSubCard(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateSubCardStatus(ctx context.Context, subCardID uuid.UUID, status domain.SubCardStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subCards[subCardID]
	if !ok {
		return ErrSubCardNotFound
	}
	sub.Status = status
	sub.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) UpdateSubCardSchedule(ctx context.Context, subCardID uuid.UUID, next *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subCards[subCardID]
	if !ok {
		return ErrSubCardNotFound
	}
	sub.Config.NextExecutionAt = cloneTime(next)
	sub.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) DeleteSubCard(ctx context.Context, subCardID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subCards[subCardID]; !ok {
		return ErrSubCardNotFound
	}
	delete(r.subCards, subCardID)
	return nil
}

func (r *MemoryRepository) CreateAttempt(ctx context.Context, attempt *domain.ExecutionAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attempt.IdempotencyKey != nil {
		if _, exists := r.idempotency[*attempt.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.State == "" {
		attempt.State = domain.AttemptStateInit
	}
	if attempt.Reservation == "" {
		attempt.Reservation = domain.ReservationNone
	}
	now := r.now()
	attempt.CreatedAt, attempt.UpdatedAt = now, now
	r.attempts[attempt.ID] = cloneAttempt(attempt)
	if attempt.IdempotencyKey != nil {
		r.idempotency[*attempt.IdempotencyKey] = attempt.ID
	}
	return nil
}

func (r *MemoryRepository) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

func (r *MemoryRepository) FindAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.ExecutionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.idempotency[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return cloneAttempt(r.attempts[id]), nil
}

func (r *MemoryRepository) ListAttemptsByStack(ctx context.Context, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExecutionAttempt, 0)
	for _, attempt := range r.attempts {
		if attempt.CardStackID == stackID {
			out = append(out, *cloneAttempt(attempt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) TransitionAttempt(ctx context.Context, attemptID uuid.UUID, transition AttemptTransition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return false, ErrAttemptNotFound
	}
	if !transition.allows(attempt) {
		return false, nil
	}
	transition.apply(attempt, r.now())
	return true, nil
}

func (r *MemoryRepository) ListReconcileCandidates(ctx context.Context, states []domain.AttemptState, updatedBefore time.Time, limit int) ([]domain.ExecutionAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[domain.AttemptState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	out := make([]domain.ExecutionAttempt, 0)
	for _, attempt := range r.attempts {
		if wanted[attempt.State] && attempt.UpdatedAt.Before(updatedBefore) {
			out = append(out, *cloneAttempt(attempt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithCounters runs fn against copies of the attempt, stack and sub-card and
// swaps them in only when fn succeeds.
func (r *MemoryRepository) WithCounters(ctx context.Context, attemptID uuid.UUID, fn func(*ledger.Counters) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[attemptID]
	if !ok {
		return ErrAttemptNotFound
	}
	counters := &ledger.Counters{Attempt: cloneAttempt(attempt)}
	if stack, ok := r.stacks[attempt.CardStackID]; ok {
		counters.Stack = cloneStack(stack)
	}
	if sub, ok := r.subCards[attempt.SubCardID]; ok {
		counters.SubCard = cloneSubCard(sub)
	}

	if err := fn(counters); err != nil {
		return err
	}

	now := r.now()
	counters.Attempt.UpdatedAt = now
	r.attempts[attemptID] = counters.Attempt
	if counters.Stack != nil {
		if _, ok := r.stacks[counters.Stack.ID]; ok {
			counters.Stack.UpdatedAt = now
			r.stacks[counters.Stack.ID] = counters.Stack
		}
	}
	if counters.SubCard != nil {
		if _, ok := r.subCards[counters.SubCard.ID]; ok {
			counters.SubCard.UpdatedAt = now
			r.subCards[counters.SubCard.ID] = counters.SubCard
		}
	}
	return nil
}

func cloneStack(in *domain.CardStack) *domain.CardStack {
	out := *in
	out.TotalBudget = domain.CloneAmount(in.TotalBudget)
	out.PeriodSpent = domain.CloneAmount(in.PeriodSpent)
	out.PeriodReserved = domain.CloneAmount(in.PeriodReserved)
	return &out
}

func cloneSubCard(in *domain.SubCard) *domain.SubCard {
	out := *in
	out.CurrentSpent = domain.CloneAmount(in.CurrentSpent)
	out.TotalSpent = domain.CloneAmount(in.TotalSpent)
	out.Reserved = domain.CloneAmount(in.Reserved)
	if in.DailyLimit != nil {
		out.DailyLimit = new(big.Int).Set(in.DailyLimit)
	}
	out.LastSpentAt = cloneTime(in.LastSpentAt)
	out.Config.NextExecutionAt = cloneTime(in.Config.NextExecutionAt)
	if in.Config.TargetToken != nil {
		target := *in.Config.TargetToken
		out.Config.TargetToken = &target
	}
	if in.Config.AmountPerExecution != nil {
		out.Config.AmountPerExecution = new(big.Int).Set(in.Config.AmountPerExecution)
	}
	if in.Config.MinAmountOut != nil {
		out.Config.MinAmountOut = new(big.Int).Set(in.Config.MinAmountOut)
	}
	return &out
}

func cloneAttempt(in *domain.ExecutionAttempt) *domain.ExecutionAttempt {
	out := *in
	out.Amount = domain.CloneAmount(in.Amount)
	if in.IdempotencyKey != nil {
		key := *in.IdempotencyKey
		out.IdempotencyKey = &key
	}
	return &out
}

func cloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
