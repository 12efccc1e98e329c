package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/redeemer"
	"github.com/transfa/cardstack-service/internal/store"
)

const (
	defaultReconcileLimit       = 100
	maxReconcileLimit           = 500
	defaultReconcileEligibility = 2 * time.Minute
)

// reconcileStates are the states an attempt can be stranded in.
var reconcileStates = []domain.AttemptState{
	domain.AttemptStateInit,
	domain.AttemptStateReserved,
	domain.AttemptStatePullUnknown,
	domain.AttemptStatePulled,
	domain.AttemptStateActFailed,
	domain.AttemptStateActUnknown,
	domain.AttemptStateActed,
}

type reconcileOutcome int

const (
	outcomeSkipped reconcileOutcome = iota
	outcomePending
	outcomeReleased
	outcomePullFailed
	outcomeResumed
	outcomeSettled
	outcomeResumedSettled
	outcomeActFailed
)

// ReconcileExecutions drives stranded attempts to a resting state. It resolves unknown
// outcomes by their operation hash, releases reservations that never reached the chain,
// re-runs the act phase for pulled funds and commits acted attempts. It never pulls again.
func (s *Service) ReconcileExecutions(ctx context.Context, limit int) (*domain.ExecutionReconcileResponse, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}

	cutoff := s.now().Add(-s.reconcileEligibility)
	candidates, err := s.repo.ListReconcileCandidates(ctx, reconcileStates, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation candidates: %w", err)
	}

	result := &domain.ExecutionReconcileResponse{}

	for i := range candidates {
		if ctx.Err() != nil {
			log.Printf("level=warn component=reconciler msg=\"pass cancelled\" remaining=%d err=%v", len(candidates)-i, ctx.Err())
			break
		}
		attempt := candidates[i]
		result.Processed++
		attemptCtx, cancel := s.detach(ctx)
		outcome, err := s.reconcileAttempt(attemptCtx, &attempt)
		cancel()
		if err != nil {
			if errors.Is(err, errAttemptMoved) {
				log.Printf("level=info component=reconciler msg=\"skip candidate advanced concurrently\" attempt_id=%s", attempt.ID)
				continue
			}
			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				result.Failed++
				log.Printf("level=error component=reconciler msg=\"candidate reconciliation failed\" attempt_id=%s state=%s err=%v", attempt.ID, attempt.State, err)
				continue
			}
		}
		switch outcome {
		case outcomePending:
			result.StillPending++
		case outcomeReleased:
			result.Released++
		case outcomePullFailed:
			result.PullFailed++
		case outcomeResumed:
			result.Resumed++
		case outcomeSettled:
			result.Settled++
		case outcomeResumedSettled:
			result.Resumed++
			result.Settled++
		case outcomeActFailed:
			result.Resumed++
			result.Failed++
		}
	}

	log.Printf("level=info component=reconciler msg=\"pass complete\" processed=%d settled=%d resumed=%d pull_failed=%d released=%d pending=%d failed=%d",
		result.Processed, result.Settled, result.Resumed, result.PullFailed, result.Released, result.StillPending, result.Failed)
	return result, nil
}

func (s *Service) reconcileAttempt(ctx context.Context, attempt *domain.ExecutionAttempt) (reconcileOutcome, error) {
	plan := s.reconcilePlan(ctx, attempt)

	switch attempt.State {
	case domain.AttemptStateInit, domain.AttemptStateReserved:
		return s.releaseUnsubmitted(ctx, plan)
	case domain.AttemptStatePullUnknown:
		return s.resolvePull(ctx, plan)
	case domain.AttemptStatePulled:
		return s.resumeAct(ctx, plan)
	case domain.AttemptStateActFailed:
		return s.retryAct(ctx, plan)
	case domain.AttemptStateActUnknown:
		return s.resolveAct(ctx, plan)
	case domain.AttemptStateActed:
		if err := s.settle(ctx, plan); err != nil {
			return outcomeSkipped, err
		}
		return s.finishReconcile(ctx, plan, nil)
	}
	return outcomeSkipped, nil
}

// reconcilePlan rebuilds an execution plan from stored state. Stack and sub-card are nil
// when they have since been deleted.
func (s *Service) reconcilePlan(ctx context.Context, attempt *domain.ExecutionAttempt) *executionPlan {
	plan := &executionPlan{
		attempt:   attempt,
		amount:    domain.CloneAmount(attempt.Amount),
		recipient: common.HexToAddress(attempt.Recipient),
	}
	if stack, err := s.repo.FindCardStackByID(ctx, attempt.CardStackID); err == nil {
		plan.stack = stack
		plan.source = stack.Token
	}
	if sub, err := s.repo.FindSubCardByID(ctx, attempt.SubCardID); err == nil {
		plan.sub = sub
		plan.target = sub.Config.TargetToken
	}
	return plan
}

// releaseUnsubmitted closes an attempt that stopped before its pull was submitted. The
// state is claimed before the reservation is released so a late executor cannot pull
// against a released hold.
func (s *Service) releaseUnsubmitted(ctx context.Context, plan *executionPlan) (reconcileOutcome, error) {
	from := plan.attempt.State
	to := domain.AttemptStatePullFailed
	if from == domain.AttemptStateInit {
		to = domain.AttemptStateDenied
	}
	execErr := newExecutionError(ClassPull, CodePullNotSubmitted, errors.New("attempt abandoned before the pull was submitted"))
	s.recordFailure(ctx, plan, []domain.AttemptState{from}, to, execErr, "")
	if plan.attempt.State != to {
		return outcomeSkipped, errAttemptMoved
	}
	if err := s.ledger.Rollback(ctx, plan.attempt.ID); err != nil {
		log.Printf("level=error component=reconciler msg=\"attempt closed but reservation release failed\" attempt_id=%s err=%v", plan.attempt.ID, err)
		return outcomeSkipped, fmt.Errorf("failed to release reservation: %w", err)
	}
	log.Printf("level=info component=reconciler msg=\"released unsubmitted attempt\" attempt_id=%s", plan.attempt.ID)
	return s.finishReconcile(ctx, plan, execErr)
}

func (s *Service) resolvePull(ctx context.Context, plan *executionPlan) (reconcileOutcome, error) {
	if plan.attempt.PullOpHash == "" {
		log.Printf("level=error component=reconciler msg=\"pull submission state unknown; operator action required\" attempt_id=%s", plan.attempt.ID)
		s.touch(ctx, plan)
		return outcomePending, nil
	}
	receipt, err := s.redeemer.Status(ctx, submissionOf(plan.attempt, plan.attempt.PullOpHash))
	if errors.Is(err, redeemer.ErrReceiptPending) {
		return outcomePending, nil
	}
	if err != nil && receipt == nil {
		return outcomeSkipped, fmt.Errorf("failed to read pull receipt: %w", err)
	}
	if applyErr := s.applyPullReceipt(ctx, plan, receipt, err); applyErr != nil {
		if plan.attempt.State == domain.AttemptStatePullFailed {
			return s.finishReconcile(ctx, plan, applyErr)
		}
		return outcomeSkipped, applyErr
	}
	return s.resumeAct(ctx, plan)
}

func (s *Service) resumeAct(ctx context.Context, plan *executionPlan) (reconcileOutcome, error) {
	if plan.stack == nil || plan.sub == nil {
		err := newExecutionError(ClassAct, CodeSubCardNotFound, errors.New("card stack or sub-card deleted after the pull"))
		s.recordFailure(ctx, plan, []domain.AttemptState{domain.AttemptStatePulled}, domain.AttemptStateActFailed, err, "")
		return s.finishReconcile(ctx, plan, err)
	}
	log.Printf("level=info component=reconciler msg=\"resuming act phase\" attempt_id=%s act_retries=%d", plan.attempt.ID, plan.attempt.ActRetries)
	err := s.act(ctx, plan)
	if errors.Is(err, errAttemptMoved) {
		return outcomeSkipped, err
	}
	outcome, err := s.finishReconcile(ctx, plan, err)
	if outcome == outcomeSettled {
		outcome = outcomeResumedSettled
	}
	return outcome, err
}

// retryAct claims one act retry. The claim is conditional on the retry counter so two
// reconcilers never re-run the same act. The failed act's hashes are cleared so the
// retry is only ever resolved by its own operation.
func (s *Service) retryAct(ctx context.Context, plan *executionPlan) (reconcileOutcome, error) {
	retries := plan.attempt.ActRetries
	if retries >= s.maxActRetries {
		log.Printf("level=warn component=reconciler msg=\"act retries exhausted; operator action required\" attempt_id=%s act_retries=%d", plan.attempt.ID, retries)
		s.touch(ctx, plan)
		return outcomeSkipped, nil
	}
	log.Printf("level=info component=reconciler msg=\"retrying failed act\" attempt_id=%s failed_act_op=%s failed_act_tx=%s", plan.attempt.ID, plan.attempt.ActOpHash, plan.attempt.ActTxHash)
	cleared := ""
	if err := s.transition(ctx, plan, store.AttemptTransition{
		From:                []domain.AttemptState{domain.AttemptStateActFailed},
		To:                  domain.AttemptStatePulled,
		ExpectActRetries:    &retries,
		IncrementActRetries: true,
		ActOpHash:           &cleared,
		ActTxHash:           &cleared,
	}); err != nil {
		return outcomeSkipped, err
	}
	return s.resumeAct(ctx, plan)
}

func (s *Service) resolveAct(ctx context.Context, plan *executionPlan) (reconcileOutcome, error) {
	if plan.attempt.ActOpHash == "" {
		log.Printf("level=error component=reconciler msg=\"act submission state unknown; operator action required\" attempt_id=%s", plan.attempt.ID)
		s.touch(ctx, plan)
		return outcomePending, nil
	}
	receipt, err := s.redeemer.Status(ctx, submissionOf(plan.attempt, plan.attempt.ActOpHash))
	if errors.Is(err, redeemer.ErrReceiptPending) {
		return outcomePending, nil
	}
	if err != nil && receipt == nil {
		return outcomeSkipped, fmt.Errorf("failed to read act receipt: %w", err)
	}
	applyErr := s.applyActReceipt(ctx, plan, receipt, err)
	if errors.Is(applyErr, errAttemptMoved) {
		return outcomeSkipped, applyErr
	}
	return s.finishReconcile(ctx, plan, applyErr)
}

// finishReconcile emits the attempt once it reaches a resting state in this pass.
func (s *Service) finishReconcile(ctx context.Context, plan *executionPlan, err error) (reconcileOutcome, error) {
	s.emit(ctx, plan.stack, plan.sub, plan.attempt, plan.source, plan.target)
	switch plan.attempt.State {
	case domain.AttemptStateSettled:
		return outcomeSettled, nil
	case domain.AttemptStatePullFailed:
		return outcomePullFailed, nil
	case domain.AttemptStateDenied:
		return outcomeReleased, nil
	case domain.AttemptStateActFailed:
		return outcomeActFailed, nil
	case domain.AttemptStatePullUnknown, domain.AttemptStateActUnknown, domain.AttemptStateActed:
		return outcomePending, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	return outcomeResumed, nil
}

// touch moves an attempt that needs an operator to the back of the reconciliation queue.
func (s *Service) touch(ctx context.Context, plan *executionPlan) {
	state := plan.attempt.State
	if _, err := s.repo.TransitionAttempt(ctx, plan.attempt.ID, store.AttemptTransition{
		From: []domain.AttemptState{state},
		To:   state,
	}); err != nil {
		log.Printf("level=warn component=reconciler msg=\"failed to requeue attempt\" attempt_id=%s err=%v", plan.attempt.ID, err)
	}
}

func submissionOf(attempt *domain.ExecutionAttempt, opHash string) redeemer.Submission {
	return redeemer.Submission{ChainID: attempt.ChainID, OpHash: common.HexToHash(opHash)}
}

// ExpireCardStacks marks ACTIVE stacks past their expiry as EXPIRED.
func (s *Service) ExpireCardStacks(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireCardStacks(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire card stacks: %w", err)
	}
	if expired > 0 {
		log.Printf("level=info component=expiry msg=\"card stacks expired\" count=%d", expired)
	}
	return expired, nil
}
