package rules

import "time"

type Action string

const (
	ActionAutoAccept      Action = "AUTO_ACCEPT"
	ActionAutoReject      Action = "AUTO_REJECT"
	ActionRequireApproval Action = "REQUIRE_APPROVAL"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAutoAccept, ActionAutoReject, ActionRequireApproval:
		return true
	}
	return false
}

// TimeRestrictions defines a weekly window during which a
// REQUIRE_APPROVAL rule is relaxed to AUTO_ACCEPT. Hours form a
// half-open interval [StartHour, EndHour) on the local clock.
type TimeRestrictions struct {
	Days      []int `json:"days"`
	StartHour int   `json:"start_hour"`
	EndHour   int   `json:"end_hour"`
}

type Rule struct {
	ID                string            `json:"id" db:"id"`
	Pattern           string            `json:"pattern" db:"pattern"`
	Action            Action            `json:"action" db:"action"`
	Priority          int               `json:"priority" db:"priority"`
	ApprovalThreshold int               `json:"approval_threshold" db:"approval_threshold"`
	TimeRestrictions  *TimeRestrictions `json:"time_restrictions,omitempty"`
	CreatedBy         string            `json:"created_by" db:"created_by"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

type CreateRuleRequest struct {
	Pattern           string            `json:"pattern" binding:"required"`
	Action            Action            `json:"action" binding:"required"`
	Priority          int               `json:"priority"`
	ApprovalThreshold int               `json:"approval_threshold"`
	TimeRestrictions  *TimeRestrictions `json:"time_restrictions"`
	Force             bool              `json:"force"`
}

type UpdateRuleRequest struct {
	Pattern           *string           `json:"pattern"`
	Action            *Action           `json:"action"`
	Priority          *int              `json:"priority"`
	ApprovalThreshold *int              `json:"approval_threshold"`
	TimeRestrictions  *TimeRestrictions `json:"time_restrictions"`
	Force             bool              `json:"force"`
}

type TestPatternRequest struct {
	Pattern string `json:"pattern" binding:"required"`
	Sample  string `json:"sample"`
}

type TestPatternResult struct {
	Valid         bool            `json:"valid"`
	Error         string          `json:"error,omitempty"`
	SampleMatched *bool           `json:"sample_matched,omitempty"`
	ProbeMatches  []string        `json:"probe_matches,omitempty"`
	Conflict      *ConflictReport `json:"conflict,omitempty"`
}

type ConflictReport struct {
	HasConflict      bool              `json:"has_conflict"`
	ConflictingRules []ConflictingRule `json:"conflicting_rules,omitempty"`
}

type ConflictingRule struct {
	RuleID  string   `json:"rule_id"`
	Pattern string   `json:"pattern"`
	Probes  []string `json:"probes"`
}
