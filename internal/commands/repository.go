package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/constants"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
)

type Repository interface {
	Create(ctx context.Context, cmd *Command) error
	GetByID(ctx context.Context, id string) (*Command, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Command, error)
	List(ctx context.Context, status Status, limit int) ([]Command, error)
	SetDecision(ctx context.Context, id string, matchedRuleID string, approvalThreshold int) error
	MarkStatus(ctx context.Context, id string, status Status, reason *string) error
	FindAwaitingDuplicate(ctx context.Context, userID, text string) (*Command, error)
	Execute(ctx context.Context, commandID, userID string) (int, error)
	FinalizeIfQuorum(ctx context.Context, commandID string) (*FinalizeResult, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

const commandColumns = `id, user_id, command_text, status, matched_rule_id, approval_threshold, reject_reason, created_at, updated_at, executed_at`

func (r *PostgresRepository) Create(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now()
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}

	query := `
		INSERT INTO commands (id, user_id, command_text, status, matched_rule_id, approval_threshold, reject_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		cmd.ID, cmd.UserID, cmd.Text, cmd.Status, cmd.MatchedRuleID,
		cmd.ApprovalThreshold, cmd.RejectReason, cmd.CreatedAt, cmd.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("command_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}

	return cmd, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.queryCommands(ctx, query, userID, limit)
}

func (r *PostgresRepository) List(ctx context.Context, status Status, limit int) ([]Command, error) {
	if status == "" {
		query := `SELECT ` + commandColumns + ` FROM commands ORDER BY created_at DESC LIMIT $1`
		return r.queryCommands(ctx, query, limit)
	}

	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryCommands(ctx, query, status, limit)
}

func (r *PostgresRepository) SetDecision(ctx context.Context, id string, matchedRuleID string, approvalThreshold int) error {
	query := `
		UPDATE commands
		SET matched_rule_id = $1, approval_threshold = $2, updated_at = $3
		WHERE id = $4
	`

	res, err := r.db.ExecContext(ctx, query, matchedRuleID, approvalThreshold, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record rule match: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("command_id", id)
	}

	return nil
}

// MarkStatus moves a non-final command to the given status. Final
// commands (executed or rejected) are never overwritten; losing the
// race surfaces as a conflict.
func (r *PostgresRepository) MarkStatus(ctx context.Context, id string, status Status, reason *string) error {
	query := `
		UPDATE commands
		SET status = $1, reject_reason = $2, updated_at = $3
		WHERE id = $4 AND status IN ('pending', 'awaiting_approval')
	`

	res, err := r.db.ExecContext(ctx, query, status, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update command status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrConflict.WithDetail("message", "command already finalized")
	}

	return nil
}

func (r *PostgresRepository) FindAwaitingDuplicate(ctx context.Context, userID, text string) (*Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE user_id = $1 AND command_text = $2 AND status = 'awaiting_approval'
		ORDER BY created_at DESC
		LIMIT 1
	`

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, userID, text))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up duplicate command: %w", err)
	}

	return cmd, nil
}

// Execute atomically debits one credit and marks the command executed.
// The user row is locked first so a concurrent execution cannot read a
// stale balance; the guarded status update makes the transition
// exactly-once even if two callers reach this point.
func (r *PostgresRepository) Execute(ctx context.Context, commandID, userID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	newBalance, err := debitAndMarkExecuted(ctx, tx, commandID, userID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.ErrExecutionFailed.WithCause(err)
	}

	return newBalance, nil
}

// FinalizeIfQuorum re-checks a command's approval tally inside a single
// transaction and executes it when the tier-adjusted threshold is met.
// The command row is locked for the whole check, so two concurrent
// quorum-crossing votes serialize here and only the first one executes;
// the second observes the executed status and reports already_final.
func (r *PostgresRepository) FinalizeIfQuorum(ctx context.Context, commandID string) (*FinalizeResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID string
	var status Status
	var threshold int
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, status, approval_threshold FROM commands WHERE id = $1 FOR UPDATE`,
		commandID,
	).Scan(&ownerID, &status, &threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("command_id", commandID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock command: %w", err)
	}

	if status != StatusAwaitingApproval {
		return &FinalizeResult{Outcome: FinalizeAlreadyFinal, Status: status}, nil
	}

	// The owner's tier is read at check time, not submission time, so
	// a promotion between submission and quorum lowers the bar.
	var tier users.Tier
	err = tx.QueryRowContext(ctx,
		`SELECT tier FROM users WHERE id = $1 FOR UPDATE`,
		ownerID,
	).Scan(&tier)
	if err != nil {
		return nil, fmt.Errorf("failed to lock command owner: %w", err)
	}

	var approvalCount int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE command_id = $1 AND decision = 'approved'`,
		commandID,
	).Scan(&approvalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count approvals: %w", err)
	}

	required := rules.RequiredApprovals(threshold, tier)
	result := &FinalizeResult{
		Status:            StatusAwaitingApproval,
		ApprovalCount:     approvalCount,
		RequiredApprovals: required,
	}

	if approvalCount < required {
		result.Outcome = FinalizeQuorumNotReached
		return result, nil
	}

	newBalance, err := debitAndMarkExecuted(ctx, tx, commandID, ownerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, pkgerrors.ErrExecutionFailed.WithCause(err)
	}

	result.Outcome = FinalizeExecuted
	result.Status = StatusExecuted
	result.NewBalance = newBalance
	return result, nil
}

func debitAndMarkExecuted(ctx context.Context, tx *sql.Tx, commandID, userID string) (int, error) {
	var credits int
	err := tx.QueryRowContext(ctx,
		`SELECT credits FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pkgerrors.ErrNotFound.WithDetail("user_id", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read credit balance: %w", err)
	}

	if credits < constants.ExecutionCost {
		return 0, pkgerrors.ErrInsufficientCredits.WithDetail("credits", credits)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = 'executed', executed_at = $1, updated_at = $1
		 WHERE id = $2 AND status IN ('pending', 'awaiting_approval')`,
		now, commandID,
	)
	if err != nil {
		return 0, pkgerrors.ErrExecutionFailed.WithCause(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, pkgerrors.ErrExecutionFailed.WithDetail("message", "command no longer executable")
	}

	var newBalance int
	err = tx.QueryRowContext(ctx,
		`UPDATE users SET credits = credits - $1 WHERE id = $2 RETURNING credits`,
		constants.ExecutionCost, userID,
	).Scan(&newBalance)
	if err != nil {
		return 0, pkgerrors.ErrExecutionFailed.WithCause(err)
	}

	return newBalance, nil
}

func (r *PostgresRepository) queryCommands(ctx context.Context, query string, args ...interface{}) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		commands = append(commands, *cmd)
	}

	return commands, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	err := row.Scan(
		&cmd.ID, &cmd.UserID, &cmd.Text, &cmd.Status, &cmd.MatchedRuleID,
		&cmd.ApprovalThreshold, &cmd.RejectReason, &cmd.CreatedAt, &cmd.UpdatedAt, &cmd.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}
