package rules

import (
	"context"
	"regexp"
	"time"

	"cmdgate/internal/audit"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
	"cmdgate/pkg/metrics"
)

// Matcher is the read side of the rule engine consumed by the command
// pipeline.
type Matcher interface {
	MatchCommand(ctx context.Context, command string, now time.Time) (*Rule, Action, error)
}

type Service struct {
	repo     Repository
	cache    Cache
	audit    audit.Recorder
	notifier notify.Notifier
	logger   logger.Logger
}

func NewService(repo Repository, cache Cache, recorder audit.Recorder, notifier notify.Notifier, log logger.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		audit:    recorder,
		notifier: notifier,
		logger:   log,
	}
}

// Create validates and stores a new rule. Unless req.Force is set, the
// pattern is checked against existing rules with the probe corpus and a
// detected overlap rejects the request with the conflict report
// attached.
func (s *Service) Create(ctx context.Context, actor *users.User, req CreateRuleRequest) (*Rule, *ConflictReport, error) {
	if !actor.IsAdmin() {
		return nil, nil, pkgerrors.ErrForbidden.WithDetail("message", "only admins can manage rules")
	}

	if err := validateRuleFields(req.Pattern, req.Action, req.ApprovalThreshold, req.TimeRestrictions); err != nil {
		return nil, nil, err
	}

	if !req.Force {
		report, err := s.conflictReport(ctx, req.Pattern, "")
		if err != nil {
			return nil, nil, err
		}
		if report.HasConflict {
			return nil, report, pkgerrors.ErrConflict.WithDetail("message", "pattern overlaps existing rules; retry with force to override")
		}
	}

	rule := &Rule{
		Pattern:           req.Pattern,
		Action:            req.Action,
		Priority:          req.Priority,
		ApprovalThreshold: req.ApprovalThreshold,
		TimeRestrictions:  req.TimeRestrictions,
		CreatedBy:         actor.ID,
	}

	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.cache.Invalidate(ctx)
	s.audit.Record(ctx, actor.ID, audit.ActionRuleCreated, map[string]interface{}{
		"rule_id": rule.ID,
		"pattern": rule.Pattern,
		"action":  string(rule.Action),
		"forced":  req.Force,
	})
	s.notifier.RuleChanged(ctx, audit.ActionRuleCreated, rule.ID, actor.ID)

	s.logger.InfowCtx(ctx, "Rule created",
		"rule_id", rule.ID,
		"action", rule.Action,
		"priority", rule.Priority,
	)

	return rule, nil, nil
}

func (s *Service) Update(ctx context.Context, actor *users.User, id string, req UpdateRuleRequest) (*Rule, *ConflictReport, error) {
	if !actor.IsAdmin() {
		return nil, nil, pkgerrors.ErrForbidden.WithDetail("message", "only admins can manage rules")
	}

	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if req.Pattern != nil {
		rule.Pattern = *req.Pattern
	}
	if req.Action != nil {
		rule.Action = *req.Action
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.ApprovalThreshold != nil {
		rule.ApprovalThreshold = *req.ApprovalThreshold
	}
	if req.TimeRestrictions != nil {
		rule.TimeRestrictions = req.TimeRestrictions
	}

	if err := validateRuleFields(rule.Pattern, rule.Action, rule.ApprovalThreshold, rule.TimeRestrictions); err != nil {
		return nil, nil, err
	}

	if req.Pattern != nil && !req.Force {
		report, err := s.conflictReport(ctx, rule.Pattern, rule.ID)
		if err != nil {
			return nil, nil, err
		}
		if report.HasConflict {
			return nil, report, pkgerrors.ErrConflict.WithDetail("message", "pattern overlaps existing rules; retry with force to override")
		}
	}

	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, nil, err
	}

	s.cache.Invalidate(ctx)
	s.audit.Record(ctx, actor.ID, audit.ActionRuleUpdated, map[string]interface{}{
		"rule_id": rule.ID,
		"pattern": rule.Pattern,
		"action":  string(rule.Action),
	})
	s.notifier.RuleChanged(ctx, audit.ActionRuleUpdated, rule.ID, actor.ID)

	return rule, nil, nil
}

func (s *Service) Delete(ctx context.Context, actor *users.User, id string) error {
	if !actor.IsAdmin() {
		return pkgerrors.ErrForbidden.WithDetail("message", "only admins can manage rules")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.cache.Invalidate(ctx)
	s.audit.Record(ctx, actor.ID, audit.ActionRuleDeleted, map[string]interface{}{
		"rule_id": id,
	})
	s.notifier.RuleChanged(ctx, audit.ActionRuleDeleted, id, actor.ID)

	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Rule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Rule, error) {
	return s.loadRules(ctx)
}

// MatchCommand returns the highest-priority rule whose pattern matches
// the command, with its time-resolved action. Rules with patterns that
// no longer compile are skipped. A nil rule means nothing matched.
func (s *Service) MatchCommand(ctx context.Context, command string, now time.Time) (*Rule, Action, error) {
	rules, err := s.loadRules(ctx)
	if err != nil {
		return nil, "", err
	}

	for i := range rules {
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Skipping rule with uncompilable pattern",
				"rule_id", rules[i].ID,
				"error", err,
			)
			continue
		}
		if re.MatchString(command) {
			action := EffectiveAction(&rules[i], now)
			metrics.RuleMatchesTotal.WithLabelValues(string(action)).Inc()
			return &rules[i], action, nil
		}
	}

	return nil, "", nil
}

// TestPattern is a dry-run: it validates the pattern, optionally checks
// it against a sample command, and reports probe-corpus overlap with
// existing rules. Nothing is persisted.
func (s *Service) TestPattern(ctx context.Context, req TestPatternRequest) (*TestPatternResult, error) {
	result := &TestPatternResult{}

	re, err := regexp.Compile(req.Pattern)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.Valid = true
	result.ProbeMatches = probeMatches(re)

	if req.Sample != "" {
		matched := re.MatchString(req.Sample)
		result.SampleMatched = &matched
	}

	report, err := s.conflictReport(ctx, req.Pattern, "")
	if err != nil {
		return nil, err
	}
	result.Conflict = report

	return result, nil
}

func (s *Service) conflictReport(ctx context.Context, pattern, excludeRuleID string) (*ConflictReport, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, pkgerrors.ErrValidation.
			WithCause(err).
			WithDetail("message", "invalid pattern: "+err.Error())
	}

	existing, err := s.repo.List(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	return detectConflict(re, existing, excludeRuleID), nil
}

func (s *Service) loadRules(ctx context.Context) ([]Rule, error) {
	if rules, ok := s.cache.Get(ctx); ok {
		return rules, nil
	}

	rules, err := s.repo.List(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	s.cache.Set(ctx, rules)
	metrics.ActiveRules.Set(float64(len(rules)))

	return rules, nil
}

func validateRuleFields(pattern string, action Action, threshold int, tr *TimeRestrictions) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if !action.Valid() {
		return pkgerrors.ErrValidation.WithDetail("message", "action must be AUTO_ACCEPT, AUTO_REJECT or REQUIRE_APPROVAL")
	}
	if action == ActionRequireApproval && threshold < 1 {
		return pkgerrors.ErrValidation.WithDetail("message", "approval_threshold must be at least 1 for REQUIRE_APPROVAL rules")
	}
	if tr != nil {
		if action != ActionRequireApproval {
			return pkgerrors.ErrValidation.WithDetail("message", "time_restrictions only apply to REQUIRE_APPROVAL rules")
		}
		if len(tr.Days) == 0 {
			return pkgerrors.ErrValidation.WithDetail("message", "time_restrictions.days must not be empty")
		}
		for _, d := range tr.Days {
			if d < 0 || d > 6 {
				return pkgerrors.ErrValidation.WithDetail("message", "time_restrictions.days entries must be 0 (Sunday) through 6 (Saturday)")
			}
		}
		if tr.StartHour < 0 || tr.StartHour > 23 || tr.EndHour < 1 || tr.EndHour > 24 || tr.StartHour >= tr.EndHour {
			return pkgerrors.ErrValidation.WithDetail("message", "time_restrictions hours must satisfy 0 <= start_hour < end_hour <= 24")
		}
	}
	return nil
}
