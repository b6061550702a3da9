package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"cmdgate/internal/commands"
	pkgerrors "cmdgate/pkg/errors"
)

const uniqueViolation = "23505"

type Repository interface {
	Insert(ctx context.Context, vote *Approval) error
	ListForCommand(ctx context.Context, commandID string) ([]Approval, error)
	ListPending(ctx context.Context, limit int) ([]PendingCommand, error)
	ListEscalations(ctx context.Context, olderThan time.Time, limit int) ([]PendingCommand, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

// Insert stores a vote. The unique constraint on (command_id,
// approver_id) is the idempotence guard: a duplicate surfaces as a
// conflict rather than racing a read-then-write check.
func (r *PostgresRepository) Insert(ctx context.Context, vote *Approval) error {
	if vote.ID == "" {
		vote.ID = uuid.New().String()
	}
	vote.CreatedAt = time.Now()

	query := `
		INSERT INTO approvals (id, command_id, approver_id, decision, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		vote.ID, vote.CommandID, vote.ApproverID, vote.Decision, vote.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return pkgerrors.ErrConflict.WithDetail("message", "vote already recorded")
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}

	return nil
}

func (r *PostgresRepository) ListForCommand(ctx context.Context, commandID string) ([]Approval, error) {
	query := `
		SELECT id, command_id, approver_id, decision, created_at
		FROM approvals
		WHERE command_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []Approval
	for rows.Next() {
		var v Approval
		if err := rows.Scan(&v.ID, &v.CommandID, &v.ApproverID, &v.Decision, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}

	return votes, rows.Err()
}

func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]PendingCommand, error) {
	return r.listAwaiting(ctx, time.Time{}, limit)
}

func (r *PostgresRepository) ListEscalations(ctx context.Context, olderThan time.Time, limit int) ([]PendingCommand, error) {
	return r.listAwaiting(ctx, olderThan, limit)
}

// listAwaiting returns awaiting_approval commands oldest first with
// requester tier, rule pattern and vote detail attached. A non-zero
// olderThan restricts the result to commands waiting since before it.
func (r *PostgresRepository) listAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]PendingCommand, error) {
	query := `
		SELECT c.id, c.user_id, c.command_text, c.status, c.matched_rule_id,
			c.approval_threshold, c.reject_reason, c.created_at, c.updated_at, c.executed_at,
			u.tier, r.pattern
		FROM commands c
		JOIN users u ON u.id = c.user_id
		LEFT JOIN rules r ON r.id = c.matched_rule_id
		WHERE c.status = 'awaiting_approval'
	`
	args := []interface{}{}
	if !olderThan.IsZero() {
		query += ` AND c.created_at < $1`
		args = append(args, olderThan)
	}
	query += fmt.Sprintf(` ORDER BY c.created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var pending []PendingCommand
	for rows.Next() {
		var p PendingCommand
		var cmd commands.Command
		err := rows.Scan(
			&cmd.ID, &cmd.UserID, &cmd.Text, &cmd.Status, &cmd.MatchedRuleID,
			&cmd.ApprovalThreshold, &cmd.RejectReason, &cmd.CreatedAt, &cmd.UpdatedAt, &cmd.ExecutedAt,
			&p.RequesterTier, &p.RulePattern,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending command: %w", err)
		}
		p.Command = cmd
		p.WaitingSince = cmd.CreatedAt
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range pending {
		votes, err := r.ListForCommand(ctx, pending[i].Command.ID)
		if err != nil {
			return nil, err
		}
		pending[i].Votes = votes
		for _, v := range votes {
			if v.Decision == DecisionApproved {
				pending[i].ApprovalCount++
			}
		}
	}

	return pending, nil
}
