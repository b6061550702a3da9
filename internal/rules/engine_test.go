package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{name: "valid literal", pattern: "rm -rf", wantErr: false},
		{name: "valid group", pattern: "a(b)", wantErr: false},
		{name: "valid anchored", pattern: "^sudo .*$", wantErr: false},
		{name: "unclosed group", pattern: "a(b", wantErr: true},
		{name: "bad repetition", pattern: "*foo", wantErr: true},
		{name: "empty", pattern: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequiredApprovals(t *testing.T) {
	tests := []struct {
		name string
		base int
		tier users.Tier
		want int
	}{
		{"junior full threshold", 4, users.TierJunior, 4},
		{"senior three quarters", 4, users.TierSenior, 3},
		{"lead half", 4, users.TierLead, 2},
		{"senior floors", 5, users.TierSenior, 3},
		{"lead floors", 5, users.TierLead, 2},
		{"lead never below one", 1, users.TierLead, 1},
		{"senior never below one", 1, users.TierSenior, 1},
		{"junior of one", 1, users.TierJunior, 1},
		{"lead of two", 2, users.TierLead, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredApprovals(tt.base, tt.tier))
		})
	}
}

func TestRequiredApprovalsOrdering(t *testing.T) {
	// For any threshold, a more senior requester never needs more
	// votes than a less senior one.
	for base := 1; base <= 20; base++ {
		junior := RequiredApprovals(base, users.TierJunior)
		senior := RequiredApprovals(base, users.TierSenior)
		lead := RequiredApprovals(base, users.TierLead)

		assert.GreaterOrEqual(t, junior, senior, "base %d", base)
		assert.GreaterOrEqual(t, senior, lead, "base %d", base)
		assert.GreaterOrEqual(t, lead, 1, "base %d", base)
	}
}

func TestEffectiveAction(t *testing.T) {
	// 2026-09-01 is a Tuesday.
	tuesday10 := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	tuesday17 := time.Date(2026, 9, 1, 17, 0, 0, 0, time.UTC)
	tuesday9 := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	sunday10 := time.Date(2026, 9, 6, 10, 0, 0, 0, time.UTC)

	businessHours := &TimeRestrictions{
		Days:      []int{1, 2, 3, 4, 5},
		StartHour: 9,
		EndHour:   17,
	}

	tests := []struct {
		name string
		rule Rule
		now  time.Time
		want Action
	}{
		{
			name: "inside window relaxes to auto accept",
			rule: Rule{Action: ActionRequireApproval, TimeRestrictions: businessHours},
			now:  tuesday10,
			want: ActionAutoAccept,
		},
		{
			name: "window start is inclusive",
			rule: Rule{Action: ActionRequireApproval, TimeRestrictions: businessHours},
			now:  tuesday9,
			want: ActionAutoAccept,
		},
		{
			name: "window end is exclusive",
			rule: Rule{Action: ActionRequireApproval, TimeRestrictions: businessHours},
			now:  tuesday17,
			want: ActionRequireApproval,
		},
		{
			name: "day outside window",
			rule: Rule{Action: ActionRequireApproval, TimeRestrictions: businessHours},
			now:  sunday10,
			want: ActionRequireApproval,
		},
		{
			name: "no restrictions",
			rule: Rule{Action: ActionRequireApproval},
			now:  tuesday10,
			want: ActionRequireApproval,
		},
		{
			name: "auto reject ignores restrictions",
			rule: Rule{Action: ActionAutoReject, TimeRestrictions: businessHours},
			now:  tuesday10,
			want: ActionAutoReject,
		},
		{
			name: "auto accept stays auto accept",
			rule: Rule{Action: ActionAutoAccept},
			now:  sunday10,
			want: ActionAutoAccept,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveAction(&tt.rule, tt.now))
		})
	}
}
