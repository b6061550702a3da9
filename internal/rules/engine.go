package rules

import (
	"regexp"
	"time"

	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
)

// ValidatePattern reports whether the pattern compiles as a regular
// expression. The compiler message is preserved in the error details.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return pkgerrors.ErrValidation.WithDetail("message", "pattern is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return pkgerrors.ErrValidation.
			WithCause(err).
			WithDetail("message", "invalid pattern: "+err.Error())
	}
	return nil
}

// EffectiveAction resolves the action of a matched rule at the given
// time. A REQUIRE_APPROVAL rule carrying time restrictions is relaxed to
// AUTO_ACCEPT inside its window; all other actions ignore restrictions.
func EffectiveAction(rule *Rule, now time.Time) Action {
	if rule.Action != ActionRequireApproval || rule.TimeRestrictions == nil {
		return rule.Action
	}

	tr := rule.TimeRestrictions
	weekday := int(now.Weekday())
	dayAllowed := false
	for _, d := range tr.Days {
		if d == weekday {
			dayAllowed = true
			break
		}
	}
	if !dayAllowed {
		return rule.Action
	}

	hour := now.Hour()
	if tr.StartHour <= hour && hour < tr.EndHour {
		return ActionAutoAccept
	}
	return rule.Action
}

// RequiredApprovals scales the rule's base threshold by the requester's
// seniority. The result is never below one vote.
func RequiredApprovals(baseThreshold int, tier users.Tier) int {
	required := baseThreshold
	switch tier {
	case users.TierLead:
		required = baseThreshold / 2
	case users.TierSenior:
		required = baseThreshold * 3 / 4
	}
	if required < 1 {
		required = 1
	}
	return required
}
