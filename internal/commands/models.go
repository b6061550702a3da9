package commands

import "time"

type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuted         Status = "executed"
	StatusRejected         Status = "rejected"
)

// Command is a unit of text a user wants executed. The approval
// threshold is snapshotted from the matched rule at decision time so
// later rule edits do not move the goalposts for in-flight commands;
// the requester's tier, by contrast, is re-read at every quorum check.
type Command struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Text              string     `json:"command" db:"command_text"`
	Status            Status     `json:"status" db:"status"`
	MatchedRuleID     *string    `json:"matched_rule_id,omitempty" db:"matched_rule_id"`
	ApprovalThreshold int        `json:"approval_threshold" db:"approval_threshold"`
	RejectReason      *string    `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	ExecutedAt        *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

type SubmitCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// SubmissionResult is returned from submit and resubmit.
type SubmissionResult struct {
	CommandID         string  `json:"command_id"`
	Status            Status  `json:"status"`
	Message           string  `json:"message,omitempty"`
	ApprovalCount     int     `json:"approval_count,omitempty"`
	RequiredApprovals int     `json:"required_approvals,omitempty"`
	NewBalance        *int    `json:"new_balance,omitempty"`
	MatchedRuleID     *string `json:"matched_rule_id,omitempty"`
}

// FinalizeOutcome reports what a quorum check decided inside its
// transaction.
type FinalizeOutcome string

const (
	FinalizeQuorumNotReached FinalizeOutcome = "quorum_not_reached"
	FinalizeExecuted         FinalizeOutcome = "executed"
	FinalizeAlreadyFinal     FinalizeOutcome = "already_final"
)

type FinalizeResult struct {
	Outcome           FinalizeOutcome
	Status            Status
	ApprovalCount     int
	RequiredApprovals int
	NewBalance        int
}
