package approvals

import (
	"time"

	"cmdgate/internal/commands"
	"cmdgate/internal/users"
)

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

type Approval struct {
	ID         string    `json:"id" db:"id"`
	CommandID  string    `json:"command_id" db:"command_id"`
	ApproverID string    `json:"approver_id" db:"approver_id"`
	Decision   Decision  `json:"decision" db:"decision"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

type CastVoteRequest struct {
	Decision Decision `json:"decision" binding:"required"`
}

type VoteOutcome string

const (
	OutcomeAlreadyVoted    VoteOutcome = "already_voted"
	OutcomeRejected        VoteOutcome = "rejected"
	OutcomeVoteRecorded    VoteOutcome = "vote_recorded"
	OutcomeExecuted        VoteOutcome = "executed"
	OutcomeExecutionFailed VoteOutcome = "execution_failed"
)

type VoteResult struct {
	Outcome           VoteOutcome `json:"outcome"`
	CommandID         string      `json:"command_id"`
	ApprovalCount     int         `json:"approval_count,omitempty"`
	RequiredApprovals int         `json:"required_approvals,omitempty"`
	NewBalance        *int        `json:"new_balance,omitempty"`
	Message           string      `json:"message,omitempty"`
}

// PendingCommand is a command in the approval queue with the detail an
// admin needs to decide: who asked, what rule put it here, and how the
// tally stands.
type PendingCommand struct {
	Command           commands.Command `json:"command"`
	RequesterTier     users.Tier       `json:"requester_tier"`
	RulePattern       *string          `json:"rule_pattern,omitempty"`
	Votes             []Approval       `json:"votes"`
	ApprovalCount     int              `json:"approval_count"`
	RequiredApprovals int              `json:"required_approvals"`
	WaitingSince      time.Time        `json:"waiting_since"`
}
