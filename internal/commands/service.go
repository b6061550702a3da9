package commands

import (
	"context"
	"strings"
	"time"

	"cmdgate/internal/constants"
	"cmdgate/internal/logger"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
	"cmdgate/pkg/logging"
	"cmdgate/pkg/metrics"
	"cmdgate/pkg/tracing"
)

const (
	reasonNoMatchingRule = "no matching rule"
	reasonBlockedByRule  = "blocked by rule"
)

// Service is the submission workflow: classify a command against the
// rule set and drive it to executed, rejected or awaiting_approval.
type Service struct {
	repo     Repository
	matcher  rules.Matcher
	executor *Executor
	logger   logger.Logger
	now      func() time.Time
}

func NewService(repo Repository, matcher rules.Matcher, executor *Executor, log logger.Logger) *Service {
	return &Service{
		repo:     repo,
		matcher:  matcher,
		executor: executor,
		logger:   log,
		now:      time.Now,
	}
}

// Submit runs a newly submitted command through the pipeline. An
// identical command from the same user still awaiting approval is
// treated as a continuation of that workflow: its tally is re-checked
// instead of opening a new command.
func (s *Service) Submit(ctx context.Context, actor *users.User, text string) (*SubmissionResult, error) {
	ctx, span := tracing.GetTracer("command-pipeline").Start(ctx, "commands.submit")
	defer span.End()

	start := s.now()
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, pkgerrors.ErrValidation.WithDetail("message", "command must not be empty")
	}

	if actor.Credits <= 0 {
		metrics.CommandsSubmittedTotal.WithLabelValues("insufficient_credits").Inc()
		return nil, pkgerrors.ErrInsufficientCredits.WithDetail("credits", actor.Credits)
	}

	duplicate, err := s.repo.FindAwaitingDuplicate(ctx, actor.ID, text)
	if err != nil {
		return nil, err
	}
	if duplicate != nil {
		return s.reconcile(ctx, duplicate)
	}

	cmd := &Command{
		UserID: actor.ID,
		Text:   text,
		Status: StatusPending,
	}
	if err := s.repo.Create(ctx, cmd); err != nil {
		return nil, err
	}
	ctx = logging.WithCommandID(ctx, cmd.ID)

	rule, action, err := s.matcher.MatchCommand(ctx, text, s.now())
	if err != nil {
		return nil, err
	}

	if rule == nil {
		// Fail closed: an unmatched command is never auto-accepted.
		if err := s.executor.Reject(ctx, cmd, reasonNoMatchingRule); err != nil {
			return nil, err
		}
		s.observeSubmission(start, "rejected")
		return &SubmissionResult{
			CommandID: cmd.ID,
			Status:    StatusRejected,
			Message:   reasonNoMatchingRule,
		}, nil
	}

	if err := s.repo.SetDecision(ctx, cmd.ID, rule.ID, rule.ApprovalThreshold); err != nil {
		return nil, err
	}
	cmd.MatchedRuleID = &rule.ID
	cmd.ApprovalThreshold = rule.ApprovalThreshold

	switch action {
	case rules.ActionAutoAccept:
		newBalance, err := s.executor.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		s.observeSubmission(start, "executed")
		return &SubmissionResult{
			CommandID:     cmd.ID,
			Status:        StatusExecuted,
			NewBalance:    &newBalance,
			MatchedRuleID: cmd.MatchedRuleID,
		}, nil

	case rules.ActionAutoReject:
		if err := s.executor.Reject(ctx, cmd, reasonBlockedByRule); err != nil {
			return nil, err
		}
		s.observeSubmission(start, "rejected")
		return &SubmissionResult{
			CommandID:     cmd.ID,
			Status:        StatusRejected,
			Message:       reasonBlockedByRule,
			MatchedRuleID: cmd.MatchedRuleID,
		}, nil

	default: // REQUIRE_APPROVAL
		required := rules.RequiredApprovals(rule.ApprovalThreshold, actor.Tier)
		if err := s.executor.MarkAwaitingApproval(ctx, cmd, required); err != nil {
			return nil, err
		}
		s.observeSubmission(start, "awaiting_approval")
		return &SubmissionResult{
			CommandID:         cmd.ID,
			Status:            StatusAwaitingApproval,
			RequiredApprovals: required,
			MatchedRuleID:     cmd.MatchedRuleID,
		}, nil
	}
}

// Resubmit re-checks an existing command's approval tally. Rule
// matching is never re-run; the original decision stands.
func (s *Service) Resubmit(ctx context.Context, actor *users.User, commandID string) (*SubmissionResult, error) {
	cmd, err := s.repo.GetByID(ctx, commandID)
	if err != nil {
		return nil, err
	}

	if cmd.UserID != actor.ID {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "only the submitting user may resubmit a command")
	}
	if cmd.Status == StatusExecuted {
		return nil, pkgerrors.ErrConflict.WithDetail("message", "command already executed")
	}

	return s.reconcile(ctx, cmd)
}

func (s *Service) reconcile(ctx context.Context, cmd *Command) (*SubmissionResult, error) {
	result, err := s.executor.Finalize(ctx, cmd)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case FinalizeExecuted:
		balance := result.NewBalance
		return &SubmissionResult{
			CommandID:         cmd.ID,
			Status:            StatusExecuted,
			ApprovalCount:     result.ApprovalCount,
			RequiredApprovals: result.RequiredApprovals,
			NewBalance:        &balance,
			MatchedRuleID:     cmd.MatchedRuleID,
		}, nil

	case FinalizeQuorumNotReached:
		return &SubmissionResult{
			CommandID:         cmd.ID,
			Status:            StatusAwaitingApproval,
			Message:           "awaiting further approvals",
			ApprovalCount:     result.ApprovalCount,
			RequiredApprovals: result.RequiredApprovals,
			MatchedRuleID:     cmd.MatchedRuleID,
		}, nil

	default: // already finalized by a concurrent caller
		if result.Status == StatusExecuted {
			return nil, pkgerrors.ErrConflict.WithDetail("message", "command already executed")
		}
		return &SubmissionResult{
			CommandID:     cmd.ID,
			Status:        result.Status,
			Message:       "command already finalized",
			MatchedRuleID: cmd.MatchedRuleID,
		}, nil
	}
}

// Get returns a command visible to the actor: its owner or any admin.
func (s *Service) Get(ctx context.Context, actor *users.User, id string) (*Command, error) {
	cmd, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd.UserID != actor.ID && !actor.IsAdmin() {
		return nil, pkgerrors.ErrForbidden.WithDetail("message", "not your command")
	}
	return cmd, nil
}

// List returns the actor's own commands; admins may list everyone's,
// optionally filtered by status.
func (s *Service) List(ctx context.Context, actor *users.User, status Status, limit int) ([]Command, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}

	if actor.IsAdmin() {
		return s.repo.List(ctx, status, limit)
	}
	return s.repo.ListByUser(ctx, actor.ID, limit)
}

func (s *Service) observeSubmission(start time.Time, outcome string) {
	metrics.CommandsSubmittedTotal.WithLabelValues(outcome).Inc()
	metrics.ObserveDecisionDuration(s.now().Sub(start), outcome)
}
