package commands

import (
	"context"

	"cmdgate/internal/audit"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/pkg/metrics"
)

// Executor performs the terminal effects of a decision: the atomic
// credit-debiting execution, the rejection, and the hand-off into the
// approval queue. Audit and notification are best-effort side effects
// of each.
type Executor struct {
	repo     Repository
	audit    audit.Recorder
	notifier notify.Notifier
	logger   logger.Logger
}

func NewExecutor(repo Repository, recorder audit.Recorder, notifier notify.Notifier, log logger.Logger) *Executor {
	return &Executor{
		repo:     repo,
		audit:    recorder,
		notifier: notifier,
		logger:   log,
	}
}

// Execute debits one credit and marks the command executed, exactly
// once. On failure the command keeps its prior status and stays
// retryable.
func (e *Executor) Execute(ctx context.Context, cmd *Command) (int, error) {
	newBalance, err := e.repo.Execute(ctx, cmd.ID, cmd.UserID)
	if err != nil {
		metrics.CommandExecutionsTotal.WithLabelValues("failed").Inc()
		e.audit.Record(ctx, cmd.UserID, audit.ActionCommandExecutionFailed, map[string]interface{}{
			"command_id": cmd.ID,
			"command":    cmd.Text,
			"error":      err.Error(),
		})
		return 0, err
	}

	metrics.CommandExecutionsTotal.WithLabelValues("executed").Inc()
	e.audit.Record(ctx, cmd.UserID, audit.ActionCommandExecuted, map[string]interface{}{
		"command_id":  cmd.ID,
		"command":     cmd.Text,
		"new_balance": newBalance,
	})
	e.notifier.CommandExecuted(ctx, cmd.ID, cmd.UserID, newBalance)

	e.logger.InfowCtx(ctx, "Command executed",
		"command_id", cmd.ID,
		"new_balance", newBalance,
	)

	return newBalance, nil
}

// Finalize runs the transactional quorum check for a command in the
// approval queue and, when the tally crosses the tier-adjusted
// threshold, executes it in the same transaction. Side effects are
// emitted only for the caller that actually executed.
func (e *Executor) Finalize(ctx context.Context, cmd *Command) (*FinalizeResult, error) {
	result, err := e.repo.FinalizeIfQuorum(ctx, cmd.ID)
	if err != nil {
		metrics.CommandExecutionsTotal.WithLabelValues("failed").Inc()
		e.audit.Record(ctx, cmd.UserID, audit.ActionCommandExecutionFailed, map[string]interface{}{
			"command_id": cmd.ID,
			"command":    cmd.Text,
			"error":      err.Error(),
		})
		return nil, err
	}

	if result.Outcome == FinalizeExecuted {
		metrics.CommandExecutionsTotal.WithLabelValues("executed").Inc()
		metrics.PendingApprovals.Dec()
		e.audit.Record(ctx, cmd.UserID, audit.ActionCommandExecuted, map[string]interface{}{
			"command_id":  cmd.ID,
			"command":     cmd.Text,
			"new_balance": result.NewBalance,
		})
		e.notifier.CommandExecuted(ctx, cmd.ID, cmd.UserID, result.NewBalance)

		e.logger.InfowCtx(ctx, "Command executed on quorum",
			"command_id", cmd.ID,
			"approval_count", result.ApprovalCount,
			"required_approvals", result.RequiredApprovals,
		)
	}

	return result, nil
}

func (e *Executor) Reject(ctx context.Context, cmd *Command, reason string) error {
	if err := e.repo.MarkStatus(ctx, cmd.ID, StatusRejected, &reason); err != nil {
		return err
	}

	metrics.CommandExecutionsTotal.WithLabelValues("rejected").Inc()
	e.audit.Record(ctx, cmd.UserID, audit.ActionCommandRejected, map[string]interface{}{
		"command_id": cmd.ID,
		"command":    cmd.Text,
		"reason":     reason,
	})

	e.logger.InfowCtx(ctx, "Command rejected",
		"command_id", cmd.ID,
		"reason", reason,
	)

	return nil
}

func (e *Executor) MarkAwaitingApproval(ctx context.Context, cmd *Command, requiredApprovals int) error {
	if err := e.repo.MarkStatus(ctx, cmd.ID, StatusAwaitingApproval, nil); err != nil {
		return err
	}

	metrics.PendingApprovals.Inc()
	e.audit.Record(ctx, cmd.UserID, audit.ActionCommandPendingApproval, map[string]interface{}{
		"command_id":         cmd.ID,
		"command":            cmd.Text,
		"required_approvals": requiredApprovals,
	})
	e.notifier.CommandPendingApproval(ctx, cmd.ID, cmd.UserID, requiredApprovals)

	e.logger.InfowCtx(ctx, "Command awaiting approval",
		"command_id", cmd.ID,
		"required_approvals", requiredApprovals,
	)

	return nil
}
