package approvals

import (
	"context"
	"time"

	"cmdgate/internal/audit"
	"cmdgate/internal/commands"
	"cmdgate/internal/constants"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
	"cmdgate/pkg/logging"
	"cmdgate/pkg/metrics"
	"cmdgate/pkg/tracing"
)

// Service aggregates admin votes over commands awaiting approval and
// triggers execution once the tier-adjusted quorum is reached.
type Service struct {
	repo     Repository
	commands commands.Repository
	executor *commands.Executor
	audit    audit.Recorder
	notifier notify.Notifier
	logger   logger.Logger
}

func NewService(repo Repository, cmdRepo commands.Repository, executor *commands.Executor,
	recorder audit.Recorder, notifier notify.Notifier, log logger.Logger) *Service {
	return &Service{
		repo:     repo,
		commands: cmdRepo,
		executor: executor,
		audit:    recorder,
		notifier: notifier,
		logger:   log,
	}
}

// CastVote records one admin's decision on a command. A duplicate vote
// from the same admin is reported as already_voted without any state
// change. A single rejection is terminal; approvals accumulate until
// the requester-tier-adjusted threshold is met, at which point the
// command executes exactly once.
func (s *Service) CastVote(ctx context.Context, approver *users.User, commandID string, decision Decision) (*VoteResult, error) {
	ctx, span := tracing.GetTracer("approval-workflow").Start(ctx, "approvals.cast_vote")
	defer span.End()
	ctx = logging.WithCommandID(ctx, commandID)

	if !decision.Valid() {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "decision must be approved or rejected")
	}
	if !approver.IsAdmin() {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "only admins can vote")
	}

	cmd, err := s.commands.GetByID(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.UserID == approver.ID {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "cannot vote on your own command")
	}

	// A repeated vote is reported as already_voted even when the command
	// has since been finalized.
	votes, err := s.repo.ListForCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	for i := range votes {
		if votes[i].ApproverID == approver.ID {
			metrics.VotesTotal.WithLabelValues(string(decision), string(OutcomeAlreadyVoted)).Inc()
			return &VoteResult{Outcome: OutcomeAlreadyVoted, CommandID: commandID}, nil
		}
	}

	if cmd.Status != commands.StatusAwaitingApproval {
		return nil, pkgerrors.ErrConflict.WithDetail("message", "command is not awaiting approval")
	}

	vote := &Approval{
		CommandID:  commandID,
		ApproverID: approver.ID,
		Decision:   decision,
	}
	if err := s.repo.Insert(ctx, vote); err != nil {
		if pkgerrors.IsConflict(err) {
			metrics.VotesTotal.WithLabelValues(string(decision), string(OutcomeAlreadyVoted)).Inc()
			return &VoteResult{Outcome: OutcomeAlreadyVoted, CommandID: commandID}, nil
		}
		return nil, err
	}

	s.notifier.CommandDecision(ctx, commandID, approver.ID, string(decision))

	if decision == DecisionRejected {
		return s.reject(ctx, approver, cmd)
	}
	return s.approve(ctx, approver, cmd)
}

func (s *Service) reject(ctx context.Context, approver *users.User, cmd *commands.Command) (*VoteResult, error) {
	if err := s.executor.Reject(ctx, cmd, "rejected by "+approver.ID); err != nil {
		if pkgerrors.IsConflict(err) {
			// Another voter finalized first; the vote itself stands.
			return &VoteResult{
				Outcome:   OutcomeRejected,
				CommandID: cmd.ID,
				Message:   "command already finalized",
			}, nil
		}
		return nil, err
	}

	metrics.VotesTotal.WithLabelValues(string(DecisionRejected), string(OutcomeRejected)).Inc()
	metrics.PendingApprovals.Dec()

	return &VoteResult{Outcome: OutcomeRejected, CommandID: cmd.ID}, nil
}

func (s *Service) approve(ctx context.Context, approver *users.User, cmd *commands.Command) (*VoteResult, error) {
	s.audit.Record(ctx, approver.ID, audit.ActionCommandApproved, map[string]interface{}{
		"command_id": cmd.ID,
		"command":    cmd.Text,
	})

	result, err := s.executor.Finalize(ctx, cmd)
	if err != nil {
		if pkgerrors.IsInsufficientCredits(err) || pkgerrors.IsExecutionFailed(err) {
			// The command stays awaiting_approval for retry.
			metrics.VotesTotal.WithLabelValues(string(DecisionApproved), string(OutcomeExecutionFailed)).Inc()
			return &VoteResult{
				Outcome:   OutcomeExecutionFailed,
				CommandID: cmd.ID,
				Message:   err.Error(),
			}, nil
		}
		return nil, err
	}

	switch result.Outcome {
	case commands.FinalizeExecuted:
		metrics.VotesTotal.WithLabelValues(string(DecisionApproved), string(OutcomeExecuted)).Inc()
		balance := result.NewBalance
		return &VoteResult{
			Outcome:           OutcomeExecuted,
			CommandID:         cmd.ID,
			ApprovalCount:     result.ApprovalCount,
			RequiredApprovals: result.RequiredApprovals,
			NewBalance:        &balance,
		}, nil

	case commands.FinalizeQuorumNotReached:
		metrics.VotesTotal.WithLabelValues(string(DecisionApproved), string(OutcomeVoteRecorded)).Inc()
		return &VoteResult{
			Outcome:           OutcomeVoteRecorded,
			CommandID:         cmd.ID,
			ApprovalCount:     result.ApprovalCount,
			RequiredApprovals: result.RequiredApprovals,
		}, nil

	default: // finalized concurrently by another voter
		return &VoteResult{
			Outcome:   OutcomeExecuted,
			CommandID: cmd.ID,
			Message:   "command already finalized",
		}, nil
	}
}

// PendingApprovals lists the approval queue for admin review, oldest
// first, with the requester-tier-adjusted threshold attached.
func (s *Service) PendingApprovals(ctx context.Context, actor *users.User) ([]PendingCommand, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "only admins can review the approval queue")
	}

	pending, err := s.repo.ListPending(ctx, constants.DefaultLimit)
	if err != nil {
		return nil, err
	}

	for i := range pending {
		pending[i].RequiredApprovals = rules.RequiredApprovals(
			pending[i].Command.ApprovalThreshold, pending[i].RequesterTier)
	}

	metrics.PendingApprovals.Set(float64(len(pending)))

	return pending, nil
}

// PendingEscalations returns commands still awaiting approval for
// longer than the timeout. This is a pull-based query for an external
// poller; flagging is informational and triggers no re-routing.
func (s *Service) PendingEscalations(ctx context.Context, actor *users.User, timeout time.Duration) ([]PendingCommand, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "only admins can review escalations")
	}
	if timeout <= 0 {
		timeout = constants.DefaultEscalationTimeout
	}

	escalated, err := s.repo.ListEscalations(ctx, time.Now().Add(-timeout), constants.DefaultLimit)
	if err != nil {
		return nil, err
	}

	for i := range escalated {
		escalated[i].RequiredApprovals = rules.RequiredApprovals(
			escalated[i].Command.ApprovalThreshold, escalated[i].RequesterTier)

		metrics.EscalationsTotal.Inc()
		s.audit.Record(ctx, escalated[i].Command.UserID, audit.ActionCommandEscalated, map[string]interface{}{
			"command_id":    escalated[i].Command.ID,
			"waiting_since": escalated[i].WaitingSince,
		})
		s.logger.WarnwCtx(ctx, "Command escalated",
			"command_id", escalated[i].Command.ID,
			"waiting_since", escalated[i].WaitingSince,
			"approval_count", escalated[i].ApprovalCount,
			"required_approvals", escalated[i].RequiredApprovals,
		)
	}

	return escalated, nil
}
