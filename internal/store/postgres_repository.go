/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to persist card stacks, sub-cards and execution
 * attempts, and the locked transaction the spending ledger runs its rules in.
 *
 * @notes
 * - Token amounts are NUMERIC(78,0) columns. They are read as text and parsed into
 *   big.Int, and written as text cast to numeric, so no precision is lost.
 * - WithCounters locks rows in a fixed order (attempt, stack, sub-card) so concurrent
 *   attempts on one stack serialize without deadlocking.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain, internal/ledger: Models and the ledger's Store contract.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/ledger"
)

const (
	cardStackColumns = `id, owner_id, wallet_address, chain_id, token_address, token_symbol, token_decimals,
		permission_context, delegation_manager, total_budget::text, period_seconds, status, expires_at,
		period_started_at, period_spent::text, period_reserved::text, created_at, updated_at`

	subCardColumns = `id, card_stack_id, kind, status, config, next_execution_at, daily_limit::text,
		current_spent::text, total_spent::text, reserved::text, last_reset_at, last_spent_at, created_at, updated_at`

	attemptColumns = `id, idempotency_key, card_stack_id, sub_card_id, chain_id, kind, amount::text, recipient, state,
		reservation_state, reserved_stack_period, reserved_sub_card_period, pull_op_hash, pull_tx_hash,
		act_op_hash, act_tx_hash, error_class, error_code, error_message, act_retries, created_at, updated_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateCardStack inserts a new card stack. Spend counters start at zero.
func (r *PostgresRepository) CreateCardStack(ctx context.Context, stack *domain.CardStack) error {
	if stack.ID == uuid.Nil {
		stack.ID = uuid.New()
	}
	if stack.PeriodStartedAt.IsZero() {
		stack.PeriodStartedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO card_stacks (
			id, owner_id, wallet_address, chain_id, token_address, token_symbol, token_decimals,
			permission_context, delegation_manager, total_budget, period_seconds, status, expires_at,
			period_started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		stack.ID,
		stack.OwnerID,
		stack.WalletAddress,
		stack.ChainID,
		stack.Token.Address,
		stack.Token.Symbol,
		stack.Token.Decimals,
		stack.Permission.Bytes(),
		stack.DelegationManager,
		domain.AmountString(stack.TotalBudget),
		int64(stack.PeriodDuration/time.Second),
		string(stack.Status),
		stack.ExpiresAt,
		stack.PeriodStartedAt,
	).Scan(&stack.CreatedAt, &stack.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert card stack: %w", err)
	}
	return nil
}

// FindCardStackByID retrieves a card stack by its ID.
func (r *PostgresRepository) FindCardStackByID(ctx context.Context, stackID uuid.UUID) (*domain.CardStack, error) {
	stack, err := scanCardStack(r.db.QueryRow(ctx, "SELECT "+cardStackColumns+" FROM card_stacks WHERE id = $1", stackID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardStackNotFound
		}
		return nil, err
	}
	return stack, nil
}

// FindCardStackOwner returns the owning user of a stack, used to address side effects.
func (r *PostgresRepository) FindCardStackOwner(ctx context.Context, stackID uuid.UUID) (string, error) {
	var ownerID string
	err := r.db.QueryRow(ctx, "SELECT owner_id FROM card_stacks WHERE id = $1", stackID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCardStackNotFound
		}
		return "", err
	}
	return ownerID, nil
}

// ListCardStacksByOwner returns an owner's stacks, newest first.
func (r *PostgresRepository) ListCardStacksByOwner(ctx context.Context, ownerID string) ([]domain.CardStack, error) {
	rows, err := r.db.Query(ctx, "SELECT "+cardStackColumns+" FROM card_stacks WHERE owner_id = $1 ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stacks := make([]domain.CardStack, 0)
	for rows.Next() {
		stack, scanErr := scanCardStack(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		stacks = append(stacks, *stack)
	}
	return stacks, rows.Err()
}

// AttachPermission stores the signed grant on a pending stack and activates it.
// A stack that already carries a grant is never modified.
func (r *PostgresRepository) AttachPermission(ctx context.Context, stackID uuid.UUID, permission domain.PermissionContext) error {
	if !permission.IsEncoded() {
		return domain.ErrInvalidPermissionContext
	}
	query := `
		UPDATE card_stacks
		SET permission_context = $2, status = 'ACTIVE', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND permission_context IS NULL
	`
	tag, err := r.db.Exec(ctx, query, stackID, permission.Bytes())
	if err != nil {
		return fmt.Errorf("failed to attach permission: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, findErr := r.FindCardStackOwner(ctx, stackID); findErr != nil {
		return findErr
	}
	return ErrPermissionImmutable
}

// UpdateCardStackBudget changes the budget and period length of a stack.
func (r *PostgresRepository) UpdateCardStackBudget(ctx context.Context, stackID uuid.UUID, totalBudget *big.Int, period time.Duration) error {
	query := `
		UPDATE card_stacks
		SET total_budget = $2::numeric, period_seconds = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, stackID, domain.AmountString(totalBudget), int64(period/time.Second))
	if err != nil {
		return fmt.Errorf("failed to update card stack budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCardStackNotFound
	}
	return nil
}

// TransitionCardStackStatus moves a stack to `to` only when its current status is in `from`.
func (r *PostgresRepository) TransitionCardStackStatus(ctx context.Context, stackID uuid.UUID, from []domain.CardStackStatus, to domain.CardStackStatus) (bool, error) {
	fromValues := make([]string, 0, len(from))
	for _, status := range from {
		fromValues = append(fromValues, string(status))
	}
	query := `
		UPDATE card_stacks
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3::text[])
	`
	tag, err := r.db.Exec(ctx, query, stackID, string(to), fromValues)
	if err != nil {
		return false, fmt.Errorf("failed to transition card stack status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, findErr := r.FindCardStackOwner(ctx, stackID); findErr != nil {
		return false, findErr
	}
	return false, nil
}

// ExpireCardStacks marks every live stack whose expiry has passed as EXPIRED.
func (r *PostgresRepository) ExpireCardStacks(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE card_stacks
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE status IN ('ACTIVE', 'PENDING') AND expires_at <= $1
	`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire card stacks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteCardStack hard-deletes a stack. Sub-cards cascade; attempts keep their history.
func (r *PostgresRepository) DeleteCardStack(ctx context.Context, stackID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM card_stacks WHERE id = $1", stackID)
	if err != nil {
		return fmt.Errorf("failed to delete card stack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCardStackNotFound
	}
	return nil
}

// CreateSubCard inserts a sub-card under an existing stack.
func (r *PostgresRepository) CreateSubCard(ctx context.Context, sub *domain.SubCard) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.LastResetAt.IsZero() {
		sub.LastResetAt = time.Now().UTC()
	}
	config, err := encodeSubCardConfig(sub.Config)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO sub_cards (
			id, card_stack_id, kind, status, config, next_execution_at, daily_limit, last_reset_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		sub.ID,
		sub.CardStackID,
		string(sub.Kind),
		string(sub.Status),
		config,
		sub.Config.NextExecutionAt,
		optionalAmount(sub.DailyLimit),
		sub.LastResetAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrCardStackNotFound
		}
		return fmt.Errorf("failed to insert sub-card: %w", err)
	}
	return nil
}

// FindSubCardByID retrieves a sub-card by its ID.
func (r *PostgresRepository) FindSubCardByID(ctx context.Context, subCardID uuid.UUID) (*domain.SubCard, error) {
	sub, err := scanSubCard(r.db.QueryRow(ctx, "SELECT "+subCardColumns+" FROM sub_cards WHERE id = $1", subCardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubCardNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListSubCardsByStack returns a stack's sub-cards in creation order.
func (r *PostgresRepository) ListSubCardsByStack(ctx context.Context, stackID uuid.UUID) ([]domain.SubCard, error) {
	rows, err := r.db.Query(ctx, "SELECT "+subCardColumns+" FROM sub_cards WHERE card_stack_id = $1 ORDER BY created_at ASC", stackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]domain.SubCard, 0)
	for rows.Next() {
		sub, scanErr := scanSubCard(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubCardStatus pauses or resumes a sub-card.
func (r *PostgresRepository) UpdateSubCardStatus(ctx context.Context, subCardID uuid.UUID, status domain.SubCardStatus) error {
	tag, err := r.db.Exec(ctx, "UPDATE sub_cards SET status = $2, updated_at = NOW() WHERE id = $1", subCardID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update sub-card status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubCardNotFound
	}
	return nil
}

// UpdateSubCardSchedule sets the next eligible execution time.
func (r *PostgresRepository) UpdateSubCardSchedule(ctx context.Context, subCardID uuid.UUID, next *time.Time) error {
	tag, err := r.db.Exec(ctx, "UPDATE sub_cards SET next_execution_at = $2, updated_at = NOW() WHERE id = $1", subCardID, next)
	if err != nil {
		return fmt.Errorf("failed to update sub-card schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubCardNotFound
	}
	return nil
}

// DeleteSubCard removes a sub-card. Its committed spend stays on the parent stack.
func (r *PostgresRepository) DeleteSubCard(ctx context.Context, subCardID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM sub_cards WHERE id = $1", subCardID)
	if err != nil {
		return fmt.Errorf("failed to delete sub-card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubCardNotFound
	}
	return nil
}

// CreateAttempt inserts a new execution attempt in INIT.
func (r *PostgresRepository) CreateAttempt(ctx context.Context, attempt *domain.ExecutionAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.State == "" {
		attempt.State = domain.AttemptStateInit
	}
	if attempt.Reservation == "" {
		attempt.Reservation = domain.ReservationNone
	}
	query := `
		INSERT INTO execution_attempts (
			id, idempotency_key, card_stack_id, sub_card_id, chain_id, kind, amount, recipient, state, reservation_state
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		attempt.ID,
		attempt.IdempotencyKey,
		attempt.CardStackID,
		attempt.SubCardID,
		attempt.ChainID,
		string(attempt.Kind),
		domain.AmountString(attempt.Amount),
		attempt.Recipient,
		string(attempt.State),
		string(attempt.Reservation),
	).Scan(&attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert execution attempt: %w", err)
	}
	return nil
}

// FindAttemptByID retrieves an execution attempt by its ID.
func (r *PostgresRepository) FindAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, "SELECT "+attemptColumns+" FROM execution_attempts WHERE id = $1", attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// FindAttemptByIdempotencyKey retrieves the attempt created with key.
func (r *PostgresRepository) FindAttemptByIdempotencyKey(ctx context.Context, key string) (*domain.ExecutionAttempt, error) {
	attempt, err := scanAttempt(r.db.QueryRow(ctx, "SELECT "+attemptColumns+" FROM execution_attempts WHERE idempotency_key = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// ListAttemptsByStack returns a stack's attempts, newest first.
func (r *PostgresRepository) ListAttemptsByStack(ctx context.Context, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error) {
	query := "SELECT " + attemptColumns + " FROM execution_attempts WHERE card_stack_id = $1 ORDER BY created_at DESC LIMIT $2"
	return r.queryAttempts(ctx, query, stackID, limit)
}

// ListReconcileCandidates returns attempts in one of states that have not moved since updatedBefore.
func (r *PostgresRepository) ListReconcileCandidates(ctx context.Context, states []domain.AttemptState, updatedBefore time.Time, limit int) ([]domain.ExecutionAttempt, error) {
	query := "SELECT " + attemptColumns + ` FROM execution_attempts
		WHERE state = ANY($1::text[]) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`
	return r.queryAttempts(ctx, query, statesToStrings(states), updatedBefore, limit)
}

func (r *PostgresRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]domain.ExecutionAttempt, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.ExecutionAttempt, 0)
	for rows.Next() {
		attempt, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// TransitionAttempt applies a conditional state change. It reports false when the attempt
// was not in an allowed state (another worker moved it first).
func (r *PostgresRepository) TransitionAttempt(ctx context.Context, attemptID uuid.UUID, t AttemptTransition) (bool, error) {
	args := []any{attemptID, string(t.To)}
	sets := []string{"state = $2", "updated_at = NOW()"}
	addSet := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addSet("pull_op_hash", t.PullOpHash)
	addSet("pull_tx_hash", t.PullTxHash)
	addSet("act_op_hash", t.ActOpHash)
	addSet("act_tx_hash", t.ActTxHash)
	addSet("error_class", t.ErrorClass)
	addSet("error_code", t.ErrorCode)
	addSet("error_message", t.ErrorMessage)
	if t.IncrementActRetries {
		sets = append(sets, "act_retries = act_retries + 1")
	}

	args = append(args, statesToStrings(t.From))
	where := fmt.Sprintf("id = $1 AND state = ANY($%d::text[])", len(args))
	if t.ExpectActRetries != nil {
		args = append(args, *t.ExpectActRetries)
		where += fmt.Sprintf(" AND act_retries = $%d", len(args))
	}

	query := "UPDATE execution_attempts SET " + strings.Join(sets, ", ") + " WHERE " + where
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// WithCounters locks the attempt, its stack and its sub-card, runs fn, and persists the
// resulting counters in the same transaction. If fn fails the transaction rolls back.
func (r *PostgresRepository) WithCounters(ctx context.Context, attemptID uuid.UUID, fn func(*ledger.Counters) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	attempt, err := scanAttempt(tx.QueryRow(ctx, "SELECT "+attemptColumns+" FROM execution_attempts WHERE id = $1 FOR UPDATE", attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAttemptNotFound
		}
		return fmt.Errorf("failed to lock attempt: %w", err)
	}
	counters := &ledger.Counters{Attempt: attempt}

	if attempt.CardStackID != uuid.Nil {
		stack, stackErr := scanCardStack(tx.QueryRow(ctx, "SELECT "+cardStackColumns+" FROM card_stacks WHERE id = $1 FOR UPDATE", attempt.CardStackID))
		if stackErr != nil && !errors.Is(stackErr, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock card stack: %w", stackErr)
		}
		counters.Stack = stack
	}
	if attempt.SubCardID != uuid.Nil {
		sub, subErr := scanSubCard(tx.QueryRow(ctx, "SELECT "+subCardColumns+" FROM sub_cards WHERE id = $1 FOR UPDATE", attempt.SubCardID))
		if subErr != nil && !errors.Is(subErr, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock sub-card: %w", subErr)
		}
		counters.SubCard = sub
	}

	if err := fn(counters); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE execution_attempts
		SET reservation_state = $2, reserved_stack_period = $3, reserved_sub_card_period = $4, updated_at = NOW()
		WHERE id = $1
	`, attempt.ID, string(counters.Attempt.Reservation), nullTime(counters.Attempt.ReservedStackPeriod), nullTime(counters.Attempt.ReservedSubCardPeriod))
	if err != nil {
		return fmt.Errorf("failed to persist reservation: %w", err)
	}

	if stack := counters.Stack; stack != nil {
		_, err = tx.Exec(ctx, `
			UPDATE card_stacks
			SET period_started_at = $2, period_spent = $3::numeric, period_reserved = $4::numeric, updated_at = NOW()
			WHERE id = $1
		`, stack.ID, stack.PeriodStartedAt, domain.AmountString(stack.PeriodSpent), domain.AmountString(stack.PeriodReserved))
		if err != nil {
			return fmt.Errorf("failed to persist stack counters: %w", err)
		}
	}

	if sub := counters.SubCard; sub != nil {
		_, err = tx.Exec(ctx, `
			UPDATE sub_cards
			SET current_spent = $2::numeric, total_spent = $3::numeric, reserved = $4::numeric,
				last_reset_at = $5, last_spent_at = $6, updated_at = NOW()
			WHERE id = $1
		`, sub.ID, domain.AmountString(sub.CurrentSpent), domain.AmountString(sub.TotalSpent), domain.AmountString(sub.Reserved), sub.LastResetAt, sub.LastSpentAt)
		if err != nil {
			return fmt.Errorf("failed to persist sub-card counters: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func scanCardStack(row rowScanner) (*domain.CardStack, error) {
	var (
		stack                   domain.CardStack
		permission              []byte
		budget, spent, reserved string
		periodSeconds           int64
		status                  string
	)
	err := row.Scan(
		&stack.ID,
		&stack.OwnerID,
		&stack.WalletAddress,
		&stack.ChainID,
		&stack.Token.Address,
		&stack.Token.Symbol,
		&stack.Token.Decimals,
		&permission,
		&stack.DelegationManager,
		&budget,
		&periodSeconds,
		&status,
		&stack.ExpiresAt,
		&stack.PeriodStartedAt,
		&spent,
		&reserved,
		&stack.CreatedAt,
		&stack.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	stack.Status = domain.CardStackStatus(status)
	stack.PeriodDuration = time.Duration(periodSeconds) * time.Second
	if len(permission) > 0 {
		if stack.Permission, err = domain.EncodedPermission(permission); err != nil {
			return nil, err
		}
	}
	if stack.TotalBudget, err = domain.ParseAmount(budget); err != nil {
		return nil, fmt.Errorf("card stack %s total_budget: %w", stack.ID, err)
	}
	if stack.PeriodSpent, err = domain.ParseAmount(spent); err != nil {
		return nil, fmt.Errorf("card stack %s period_spent: %w", stack.ID, err)
	}
	if stack.PeriodReserved, err = domain.ParseAmount(reserved); err != nil {
		return nil, fmt.Errorf("card stack %s period_reserved: %w", stack.ID, err)
	}
	return &stack, nil
}

// subCardConfigRecord is the JSONB layout of sub_cards.config. Amounts are strings.
type subCardConfigRecord struct {
	TargetToken        *domain.TokenRef `json:"target_token,omitempty"`
	SlippageBps        int              `json:"slippage_bps,omitempty"`
	MinAmountOut       string           `json:"min_amount_out,omitempty"`
	Recipient          string           `json:"recipient,omitempty"`
	Label              string           `json:"label,omitempty"`
	AmountPerExecution string           `json:"amount_per_execution,omitempty"`
	IntervalSeconds    int64            `json:"interval_seconds,omitempty"`
}

func encodeSubCardConfig(cfg domain.SubCardConfig) ([]byte, error) {
	record := subCardConfigRecord{
		TargetToken:     cfg.TargetToken,
		SlippageBps:     cfg.SlippageBps,
		Recipient:       cfg.Recipient,
		Label:           cfg.Label,
		IntervalSeconds: int64(cfg.Interval / time.Second),
	}
	if cfg.MinAmountOut != nil {
		record.MinAmountOut = cfg.MinAmountOut.String()
	}
	if cfg.AmountPerExecution != nil {
		record.AmountPerExecution = cfg.AmountPerExecution.String()
	}
	return json.Marshal(record)
}

func decodeSubCardConfig(raw []byte) (domain.SubCardConfig, error) {
	var record subCardConfigRecord
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &record); err != nil {
			return domain.SubCardConfig{}, fmt.Errorf("decode sub-card config: %w", err)
		}
	}
	cfg := domain.SubCardConfig{
		TargetToken: record.TargetToken,
		SlippageBps: record.SlippageBps,
		Recipient:   record.Recipient,
		Label:       record.Label,
		Interval:    time.Duration(record.IntervalSeconds) * time.Second,
	}
	var err error
	if record.MinAmountOut != "" {
		if cfg.MinAmountOut, err = domain.ParseAmount(record.MinAmountOut); err != nil {
			return domain.SubCardConfig{}, err
		}
	}
	if record.AmountPerExecution != "" {
		if cfg.AmountPerExecution, err = domain.ParseAmount(record.AmountPerExecution); err != nil {
			return domain.SubCardConfig{}, err
		}
	}
	return cfg, nil
}

func scanSubCard(row rowScanner) (*domain.SubCard, error) {
	var (
		sub                           domain.SubCard
		kind, status                  string
		config                        []byte
		nextExecutionAt               *time.Time
		dailyLimit                    *string
		currentSpent, total, reserved string
	)
	err := row.Scan(
		&sub.ID,
		&sub.CardStackID,
		&kind,
		&status,
		&config,
		&nextExecutionAt,
		&dailyLimit,
		&currentSpent,
		&total,
		&reserved,
		&sub.LastResetAt,
		&sub.LastSpentAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Kind = domain.SubCardKind(kind)
	sub.Status = domain.SubCardStatus(status)
	if sub.Config, err = decodeSubCardConfig(config); err != nil {
		return nil, err
	}
	sub.Config.NextExecutionAt = nextExecutionAt
	if dailyLimit != nil {
		if sub.DailyLimit, err = domain.ParseAmount(*dailyLimit); err != nil {
			return nil, err
		}
	}
	if sub.CurrentSpent, err = domain.ParseAmount(currentSpent); err != nil {
		return nil, err
	}
	if sub.TotalSpent, err = domain.ParseAmount(total); err != nil {
		return nil, err
	}
	if sub.Reserved, err = domain.ParseAmount(reserved); err != nil {
		return nil, err
	}
	return &sub, nil
}

func scanAttempt(row rowScanner) (*domain.ExecutionAttempt, error) {
	var (
		attempt                  domain.ExecutionAttempt
		stackID, subCardID       uuid.NullUUID
		kind, state, reservation string
		amount                   string
		stackPeriod, subPeriod   *time.Time
	)
	err := row.Scan(
		&attempt.ID,
		&attempt.IdempotencyKey,
		&stackID,
		&subCardID,
		&attempt.ChainID,
		&kind,
		&amount,
		&attempt.Recipient,
		&state,
		&reservation,
		&stackPeriod,
		&subPeriod,
		&attempt.PullOpHash,
		&attempt.PullTxHash,
		&attempt.ActOpHash,
		&attempt.ActTxHash,
		&attempt.ErrorClass,
		&attempt.ErrorCode,
		&attempt.ErrorMessage,
		&attempt.ActRetries,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stackID.Valid {
		attempt.CardStackID = stackID.UUID
	}
	if subCardID.Valid {
		attempt.SubCardID = subCardID.UUID
	}
	attempt.Kind = domain.SubCardKind(kind)
	attempt.State = domain.AttemptState(state)
	attempt.Reservation = domain.ReservationState(reservation)
	if stackPeriod != nil {
		attempt.ReservedStackPeriod = *stackPeriod
	}
	if subPeriod != nil {
		attempt.ReservedSubCardPeriod = *subPeriod
	}
	if attempt.Amount, err = domain.ParseAmount(amount); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func optionalAmount(amount *big.Int) *string {
	if amount == nil {
		return nil
	}
	value := amount.String()
	return &value
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
