package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/chains"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
)

// errAttemptMoved means another worker advanced the attempt first.
var errAttemptMoved = errors.New("execution attempt changed concurrently")

// executionPlan is everything one attempt needs after validation.
type executionPlan struct {
	stack     *domain.CardStack
	sub       *domain.SubCard
	amount    *big.Int
	recipient common.Address
	source    domain.TokenRef
	target    *domain.TokenRef
	attempt   *domain.ExecutionAttempt
}

func (s *Service) execute(ctx context.Context, kind domain.SubCardKind, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if result, found, err := s.replay(ctx, kind, req, key); err != nil || found {
			return result, err
		}
	}

	if err := s.consumeExecutionRate(ctx, req.SubCardID); err != nil {
		return nil, err
	}

	plan, err := s.prepare(ctx, kind, req)
	if err != nil {
		log.Printf("level=info component=executor kind=%s outcome=reject card_stack_id=%s sub_card_id=%s err=%v", kind, req.CardStackID, req.SubCardID, err)
		return nil, err
	}

	attempt := &domain.ExecutionAttempt{
		CardStackID: plan.stack.ID,
		SubCardID:   plan.sub.ID,
		ChainID:     plan.stack.ChainID,
		Kind:        kind,
		Amount:      plan.amount,
		Recipient:   plan.recipient.Hex(),
		State:       domain.AttemptStateInit,
		Reservation: domain.ReservationNone,
	}
	if key != "" {
		attempt.IdempotencyKey = &key
	}
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			result, _, replayErr := s.replay(ctx, kind, req, key)
			return result, replayErr
		}
		return nil, fmt.Errorf("failed to record execution attempt: %w", err)
	}
	plan.attempt = attempt
	log.Printf("level=info component=executor kind=%s msg=\"attempt created\" attempt_id=%s card_stack_id=%s sub_card_id=%s amount=%s", kind, attempt.ID, plan.stack.ID, plan.sub.ID, plan.amount)

	runCtx, cancel := s.detach(ctx)
	defer cancel()

	err = s.reserve(runCtx, plan)
	if err == nil {
		err = s.pull(runCtx, plan)
	}
	if err == nil {
		err = s.act(runCtx, plan)
	}
	return s.finish(runCtx, plan, err)
}

// replay returns the stored outcome of the attempt registered under key.
func (s *Service) replay(ctx context.Context, kind domain.SubCardKind, req domain.ExecutionRequest, key string) (*domain.ExecutionResult, bool, error) {
	attempt, err := s.repo.FindAttemptByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if attempt.Kind != kind || attempt.SubCardID != req.SubCardID || attempt.CardStackID != req.CardStackID {
		return nil, true, validationError(CodeIdempotencyConflict, "idempotency key %q belongs to another execution", key)
	}
	log.Printf("level=info component=executor kind=%s msg=\"idempotent replay\" attempt_id=%s state=%s", kind, attempt.ID, attempt.State)
	return s.describeAttempt(ctx, attempt), true, nil
}

func (s *Service) consumeExecutionRate(ctx context.Context, subCardID uuid.UUID) error {
	if s.rateLimiter == nil || s.executionRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, executionRateScope, subCardID.String(), s.executionRateLimit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=executor msg=\"rate limiter unavailable; allowing execution\" sub_card_id=%s err=%v", subCardID, err)
		return nil
	}
	if count > s.executionRateLimit {
		return validationError(CodeRateLimited, "too many executions for sub-card %s; retry in %ds", subCardID, retryAfter)
	}
	return nil
}

// prepare runs every check that must pass before budget is reserved.
func (s *Service) prepare(ctx context.Context, kind domain.SubCardKind, req domain.ExecutionRequest) (*executionPlan, error) {
	stack, err := s.repo.FindCardStackByID(ctx, req.CardStackID)
	if err != nil {
		if errors.Is(err, store.ErrCardStackNotFound) {
			return nil, validationError(CodeStackNotFound, "card stack %s not found", req.CardStackID)
		}
		return nil, fmt.Errorf("failed to load card stack: %w", err)
	}
	sub, err := s.repo.FindSubCardByID(ctx, req.SubCardID)
	if err != nil {
		if errors.Is(err, store.ErrSubCardNotFound) {
			return nil, validationError(CodeSubCardNotFound, "sub-card %s not found", req.SubCardID)
		}
		return nil, fmt.Errorf("failed to load sub-card: %w", err)
	}
	if sub.CardStackID != stack.ID {
		return nil, validationError(CodeSubCardNotFound, "sub-card %s does not belong to card stack %s", sub.ID, stack.ID)
	}
	if sub.Kind != kind {
		return nil, validationError(CodeKindMismatch, "sub-card %s is a %s strategy", sub.ID, sub.Kind)
	}

	amount := domain.CloneAmount(sub.Config.AmountPerExecution)
	if strings.TrimSpace(req.Amount) != "" {
		if amount, err = domain.ParseAmount(req.Amount); err != nil {
			return nil, validationError(CodeInvalidAmount, "%v", err)
		}
	}
	if amount.Sign() <= 0 {
		return nil, validationError(CodeInvalidAmount, "amount must be greater than zero")
	}

	source, err := s.chains.ResolveToken(stack.ChainID, stack.Token.Address)
	if err != nil {
		return nil, validationError(CodeUnknownToken, "%v", err)
	}

	plan := &executionPlan{stack: stack, sub: sub, amount: amount, source: source}
	if err := strategyFor(kind).validate(ctx, s, plan, req); err != nil {
		return nil, err
	}
	return plan, nil
}

// reserve takes the budget hold. Denials close the attempt without touching counters.
func (s *Service) reserve(ctx context.Context, plan *executionPlan) error {
	err := s.ledger.CheckAndReserve(ctx, plan.attempt.ID)
	if err == nil {
		return s.transition(ctx, plan, store.AttemptTransition{
			From: []domain.AttemptState{domain.AttemptStateInit},
			To:   domain.AttemptStateReserved,
		})
	}

	var denied *ledger.DeniedError
	if errors.As(err, &denied) {
		class := ClassAuthorization
		if denied.IsBudget() {
			class = ClassBudget
		}
		execErr := newExecutionError(class, string(denied.Reason), err)
		s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStateInit}, domain.AttemptStateDenied, execErr, "")
		return execErr
	}

	log.Printf("level=error component=executor msg=\"reservation failed\" attempt_id=%s err=%v", plan.attempt.ID, err)
	s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStateInit}, domain.AttemptStateDenied, newExecutionError(ClassCollaborator, CodeLedgerUnavailable, err), "")
	return fmt.Errorf("failed to reserve budget: %w", err)
}

// pull redeems the owner's grant to move amount into the agent account.
// The attempt is marked PULL_UNKNOWN before submission so a crash mid-submit is never
// mistaken for a pull that did not happen.
func (s *Service) pull(ctx context.Context, plan *executionPlan) error {
	call, err := s.pullCall(plan)
	if err != nil {
		return s.pullFailed(ctx, plan, "", err)
	}
	permission := plan.stack.Permission.Bytes()
	if len(permission) == 0 {
		return s.pullFailed(ctx, plan, "", redeemer.ErrPermissionInvalidOrExpired)
	}

	if err := s.transition(ctx, plan, store.AttemptTransition{
		From: []domain.AttemptState{domain.AttemptStateReserved},
		To:   domain.AttemptStatePullUnknown,
	}); err != nil {
		return err
	}

	submission, err := s.redeemer.SubmitRedemption(ctx, redeemer.RedemptionRequest{
		ChainID:           plan.attempt.ChainID,
		NonceKey:          nonceKey(plan.attempt),
		Permission:        permission,
		DelegationManager: common.HexToAddress(plan.stack.DelegationManager),
		Call:              call,
	})
	if err != nil {
		var unknown *redeemer.SettlementUnknownError
		if errors.As(err, &unknown) {
			return s.pullUnknown(ctx, plan, unknown.OpHash.Hex(), err)
		}
		return s.pullFailed(ctx, plan, "", err)
	}

	opHash := submission.OpHash.Hex()
	if err := s.transition(ctx, plan, store.AttemptTransition{
		From:       []domain.AttemptState{domain.AttemptStatePullUnknown},
		To:         domain.AttemptStatePullUnknown,
		PullOpHash: &opHash,
	}); err != nil {
		return err
	}

	receipt, err := s.redeemer.WaitForReceipt(ctx, submission)
	return s.applyPullReceipt(ctx, plan, receipt, err)
}

func (s *Service) pullCall(plan *executionPlan) (redeemer.Call, error) {
	agent := s.redeemer.AgentAddress()
	if chains.IsNative(plan.source) {
		return redeemer.Call{Target: agent, Value: plan.amount}, nil
	}
	data, err := redeemer.EncodeERC20Transfer(agent, plan.amount)
	if err != nil {
		return redeemer.Call{}, err
	}
	return redeemer.Call{Target: common.HexToAddress(plan.source.Address), Data: data}, nil
}

func (s *Service) applyPullReceipt(ctx context.Context, plan *executionPlan, receipt *redeemer.Receipt, err error) error {
	switch {
	case err == nil:
		txHash := receipt.TxHash().Hex()
		log.Printf("level=info component=executor msg=\"pull settled\" attempt_id=%s tx_hash=%s", plan.attempt.ID, txHash)
		return s.transition(ctx, plan, store.AttemptTransition{
			From:       []domain.AttemptState{domain.AttemptStatePullUnknown},
			To:         domain.AttemptStatePulled,
			PullTxHash: &txHash,
		})
	case receipt != nil:
		return s.pullFailed(ctx, plan, receipt.TxHash().Hex(), err)
	default:
		return s.pullUnknown(ctx, plan, "", err)
	}
}

func (s *Service) pullUnknown(ctx context.Context, plan *executionPlan, opHash string, cause error) error {
	execErr := newExecutionError(ClassSettlementUnknown, CodeSettlementTimeout, cause)
	s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStatePullUnknown}, domain.AttemptStatePullUnknown, execErr, "")
	if opHash != "" && opHash != plan.attempt.PullOpHash {
		_ = s.transition(ctx, plan, store.AttemptTransition{
			From:       []domain.AttemptState{domain.AttemptStatePullUnknown},
			To:         domain.AttemptStatePullUnknown,
			PullOpHash: &opHash,
		})
	}
	log.Printf("level=warn component=executor msg=\"pull outcome unknown; left for reconciliation\" attempt_id=%s op_hash=%s err=%v", plan.attempt.ID, plan.attempt.PullOpHash, cause)
	return execErr
}

// pullFailed releases the reservation for a pull that moved no funds. txHash is set
// when the operation landed and reverted.
func (s *Service) pullFailed(ctx context.Context, plan *executionPlan, txHash string, cause error) error {
	execErr := classifyPullError(cause)
	if txHash == "" && plan.attempt.State == domain.AttemptStatePullUnknown {
		if err := s.transition(ctx, plan, store.AttemptTransition{
			From: []domain.AttemptState{domain.AttemptStatePullUnknown},
			To:   domain.AttemptStateReserved,
		}); err != nil {
			return err
		}
	}
	if err := s.ledger.Rollback(ctx, plan.attempt.ID); err != nil {
		log.Printf("level=error component=executor msg=\"failed to release reservation after failed pull\" attempt_id=%s err=%v", plan.attempt.ID, err)
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStateReserved, domain.AttemptStatePullUnknown}, domain.AttemptStatePullFailed, execErr, txHash)
	log.Printf("level=warn component=executor msg=\"pull failed; reservation released\" attempt_id=%s code=%s err=%v", plan.attempt.ID, execErr.Code, cause)
	return execErr
}

// act performs the strategy from the agent account and settles on success.
// Failures keep the reservation: the funds have already left the owner.
func (s *Service) act(ctx context.Context, plan *executionPlan) error {
	calls, err := strategyFor(plan.attempt.Kind).calls(ctx, s, plan)
	if err != nil {
		return s.actFailed(ctx, plan, "", err)
	}

	if err := s.transition(ctx, plan, store.AttemptTransition{
		From: []domain.AttemptState{domain.AttemptStatePulled},
		To:   domain.AttemptStateActUnknown,
	}); err != nil {
		return err
	}

	submission, err := s.redeemer.SubmitExecution(ctx, redeemer.ExecutionRequest{
		ChainID:  plan.attempt.ChainID,
		NonceKey: nonceKey(plan.attempt),
		Calls:    calls,
	})
	if err != nil {
		var unknown *redeemer.SettlementUnknownError
		if errors.As(err, &unknown) {
			return s.actUnknown(ctx, plan, unknown.OpHash.Hex(), err)
		}
		return s.actFailed(ctx, plan, "", err)
	}

	opHash := submission.OpHash.Hex()
	if err := s.transition(ctx, plan, store.AttemptTransition{
		From:      []domain.AttemptState{domain.AttemptStateActUnknown},
		To:        domain.AttemptStateActUnknown,
		ActOpHash: &opHash,
	}); err != nil {
		return err
	}

	receipt, err := s.redeemer.WaitForReceipt(ctx, submission)
	return s.applyActReceipt(ctx, plan, receipt, err)
}

func (s *Service) applyActReceipt(ctx context.Context, plan *executionPlan, receipt *redeemer.Receipt, err error) error {
	switch {
	case err == nil:
		txHash := receipt.TxHash().Hex()
		if err := s.transition(ctx, plan, store.AttemptTransition{
			From:      []domain.AttemptState{domain.AttemptStateActUnknown},
			To:        domain.AttemptStateActed,
			ActTxHash: &txHash,
		}); err != nil {
			return err
		}
		return s.settle(ctx, plan)
	case receipt != nil:
		return s.actFailed(ctx, plan, receipt.TxHash().Hex(), err)
	default:
		return s.actUnknown(ctx, plan, "", err)
	}
}

func (s *Service) actUnknown(ctx context.Context, plan *executionPlan, opHash string, cause error) error {
	execErr := newExecutionError(ClassSettlementUnknown, CodeSettlementTimeout, cause)
	s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStateActUnknown}, domain.AttemptStateActUnknown, execErr, "")
	if opHash != "" && opHash != plan.attempt.ActOpHash {
		_ = s.transition(ctx, plan, store.AttemptTransition{
			From:      []domain.AttemptState{domain.AttemptStateActUnknown},
			To:        domain.AttemptStateActUnknown,
			ActOpHash: &opHash,
		})
	}
	log.Printf("level=warn component=executor msg=\"act outcome unknown; left for reconciliation\" attempt_id=%s op_hash=%s err=%v", plan.attempt.ID, plan.attempt.ActOpHash, cause)
	return execErr
}

func (s *Service) actFailed(ctx context.Context, plan *executionPlan, txHash string, cause error) error {
	execErr := classifyActError(cause)
	s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStatePulled, domain.AttemptStateActUnknown}, domain.AttemptStateActFailed, execErr, txHash)
	log.Printf("level=warn component=executor msg=\"act failed; funds held by agent\" attempt_id=%s pull_tx=%s code=%s err=%v", plan.attempt.ID, plan.attempt.PullTxHash, execErr.Code, cause)
	return execErr
}

// settle commits the reservation and advances the sub-card's schedule. A failed commit
// leaves the attempt ACTED for reconciliation; the act itself succeeded.
func (s *Service) settle(ctx context.Context, plan *executionPlan) error {
	if err := s.ledger.Commit(ctx, plan.attempt.ID); err != nil {
		log.Printf("level=error component=executor msg=\"commit failed; attempt left acted\" attempt_id=%s err=%v", plan.attempt.ID, err)
		return nil
	}
	if err := s.transition(ctx, plan, store.AttemptTransition{
		From: []domain.AttemptState{domain.AttemptStateActed},
		To:   domain.AttemptStateSettled,
	}); err != nil {
		log.Printf("level=error component=executor msg=\"failed to mark attempt settled\" attempt_id=%s err=%v", plan.attempt.ID, err)
		return nil
	}
	s.advanceSchedule(ctx, plan.sub)
	log.Printf("level=info component=executor kind=%s msg=\"attempt settled\" attempt_id=%s amount=%s", plan.attempt.Kind, plan.attempt.ID, plan.amount)
	return nil
}

// advanceSchedule moves a recurring sub-card to its next run. A filled limit order is
// paused so it does not fire again.
func (s *Service) advanceSchedule(ctx context.Context, sub *domain.SubCard) {
	if sub == nil {
		return
	}
	if sub.Kind == domain.SubCardKindLimitOrder {
		if err := s.repo.UpdateSubCardStatus(ctx, sub.ID, domain.SubCardStatusPaused); err != nil {
			log.Printf("level=warn component=executor msg=\"failed to pause filled limit order\" sub_card_id=%s err=%v", sub.ID, err)
			return
		}
		sub.Status = domain.SubCardStatusPaused
		return
	}
	if sub.Config.Interval <= 0 {
		return
	}
	now := s.now()
	next := now.Add(sub.Config.Interval)
	if prev := sub.Config.NextExecutionAt; prev != nil {
		if candidate := prev.Add(sub.Config.Interval); candidate.After(now) {
			next = candidate
		}
	}
	if err := s.repo.UpdateSubCardSchedule(ctx, sub.ID, &next); err != nil {
		log.Printf("level=warn component=executor msg=\"failed to advance schedule\" sub_card_id=%s err=%v", sub.ID, err)
		return
	}
	sub.Config.NextExecutionAt = &next
}

// transition applies a conditional state change and refreshes the plan's attempt.
func (s *Service) transition(ctx context.Context, plan *executionPlan, t store.AttemptTransition) error {
	ok, err := s.repo.TransitionAttempt(ctx, plan.attempt.ID, t)
	if err != nil {
		return fmt.Errorf("failed to update attempt %s: %w", plan.attempt.ID, err)
	}
	if !ok {
		return fmt.Errorf("attempt %s to %s: %w", plan.attempt.ID, t.To, errAttemptMoved)
	}
	updated, err := s.repo.FindAttemptByID(ctx, plan.attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to reload attempt %s: %w", plan.attempt.ID, err)
	}
	plan.attempt = updated
	return nil
}

func (s *Service) recordFailure(ctx context.Context, plan *executionPlan, from []domain.AttemptState, to domain.AttemptState, execErr *ExecutionError, txHash string) {
	class := string(execErr.Class)
	message := ""
	if execErr.Err != nil {
		message = execErr.Err.Error()
	}
	t := store.AttemptTransition{
		From:         from,
		To:           to,
		ErrorClass:   &class,
		ErrorCode:    &execErr.Code,
		ErrorMessage: &message,
	}
	if txHash != "" {
		switch to {
		case domain.AttemptStatePullFailed:
			t.PullTxHash = &txHash
		case domain.AttemptStateActFailed:
			t.ActTxHash = &txHash
		}
	}
	if err := s.transition(ctx, plan, t); err != nil {
		log.Printf("level=error component=executor msg=\"failed to record attempt failure\" attempt_id=%s to=%s err=%v", plan.attempt.ID, to, err)
	}
}

// finish reports the attempt and emits it to the activity sink.
func (s *Service) finish(ctx context.Context, plan *executionPlan, err error) (*domain.ExecutionResult, error) {
	result := buildResult(plan.attempt, plan.source, plan.target)
	s.emit(ctx, plan.stack, plan.sub, plan.attempt, plan.source, plan.target)
	if err != nil && errors.Is(err, errAttemptMoved) {
		log.Printf("level=warn component=executor msg=\"attempt advanced by another worker\" attempt_id=%s", plan.attempt.ID)
	}
	return result, err
}

func (s *Service) emit(ctx context.Context, stack *domain.CardStack, sub *domain.SubCard, attempt *domain.ExecutionAttempt, source domain.TokenRef, target *domain.TokenRef) {
	if s.sink == nil {
		return
	}
	event := domain.ExecutionEvent{
		AttemptID:         attempt.ID,
		CardStackID:       attempt.CardStackID,
		SubCardID:         attempt.SubCardID,
		Kind:              attempt.Kind,
		State:             attempt.State,
		Status:            activityStatus(attempt),
		Amount:            domain.AmountString(attempt.Amount),
		AmountDisplay:     domain.FormatUnits(attempt.Amount, source.Decimals),
		SourceTokenSymbol: source.Symbol,
		Recipient:         attempt.Recipient,
		PullTxRef:         txRef(attempt.PullTxHash, attempt.PullOpHash),
		ActTxRef:          txRef(attempt.ActTxHash, attempt.ActOpHash),
		ErrorClass:        attempt.ErrorClass,
		ErrorCode:         attempt.ErrorCode,
		OccurredAt:        s.now(),
	}
	if stack != nil {
		event.OwnerID = stack.OwnerID
	}
	if sub != nil {
		event.Label = sub.Config.Label
	}
	if target != nil {
		event.TargetTokenSymbol = target.Symbol
	}
	s.sink.RecordExecution(ctx, event)
}

// describeAttempt rebuilds the result of a stored attempt, resolving token symbols
// from its stack and sub-card when they still exist.
func (s *Service) describeAttempt(ctx context.Context, attempt *domain.ExecutionAttempt) *domain.ExecutionResult {
	var source domain.TokenRef
	var target *domain.TokenRef
	if stack, err := s.repo.FindCardStackByID(ctx, attempt.CardStackID); err == nil {
		source = stack.Token
	}
	if sub, err := s.repo.FindSubCardByID(ctx, attempt.SubCardID); err == nil {
		target = sub.Config.TargetToken
	}
	return buildResult(attempt, source, target)
}

func buildResult(attempt *domain.ExecutionAttempt, source domain.TokenRef, target *domain.TokenRef) *domain.ExecutionResult {
	result := &domain.ExecutionResult{
		AttemptID:         attempt.ID,
		State:             attempt.State,
		Success:           attempt.State == domain.AttemptStateSettled || attempt.State == domain.AttemptStateActed,
		PullTxRef:         txRef(attempt.PullTxHash, attempt.PullOpHash),
		ActTxRef:          txRef(attempt.ActTxHash, attempt.ActOpHash),
		AmountIn:          domain.AmountString(attempt.Amount),
		SourceTokenSymbol: source.Symbol,
		Error:             attempt.ErrorMessage,
		ErrorClass:        attempt.ErrorClass,
		ErrorCode:         attempt.ErrorCode,
	}
	if target != nil {
		result.TargetTokenSymbol = target.Symbol
	}
	if result.Success {
		result.Error, result.ErrorClass, result.ErrorCode = "", "", ""
	}
	return result
}

// txRef prefers the settled transaction hash and falls back to the user operation hash.
func txRef(txHash, opHash string) *string {
	switch {
	case txHash != "":
		return &txHash
	case opHash != "":
		return &opHash
	}
	return nil
}

func classifyPullError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	var revert *redeemer.RevertError
	switch {
	case errors.Is(err, redeemer.ErrPermissionInvalidOrExpired):
		return newExecutionError(ClassAuthorization, CodePermissionInvalid, err)
	case errors.Is(err, redeemer.ErrInsufficientAgentGas):
		return newExecutionError(ClassPull, CodeInsufficientGas, err)
	case errors.As(err, &revert):
		return newExecutionError(ClassPull, CodeReverted, err)
	default:
		return newExecutionError(ClassPull, CodeRelayRejected, err)
	}
}

func classifyActError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	var revert *redeemer.RevertError
	switch {
	case errors.Is(err, redeemer.ErrInsufficientAgentGas):
		return newExecutionError(ClassAct, CodeInsufficientGas, err)
	case errors.As(err, &revert):
		return newExecutionError(ClassAct, CodeReverted, err)
	default:
		return newExecutionError(ClassAct, CodeRelayRejected, err)
	}
}
