package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdgate/internal/approvals"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
)

func TestApprovals_PendingQueue(t *testing.T) {
	infra := SetupTestInfra(t)
	p := newPipeline(infra.PostgresDB)
	ctx := context.Background()

	admin := insertUser(t, infra.PostgresDB, "admin", users.RoleAdmin, users.TierLead, 100)
	voter := insertUser(t, infra.PostgresDB, "voter", users.RoleAdmin, users.TierLead, 100)
	requester := insertUser(t, infra.PostgresDB, "alice", users.RoleMember, users.TierJunior, 5)

	createRule(t, p, admin, rules.CreateRuleRequest{
		Pattern:           `sudo\s+`,
		Action:            rules.ActionRequireApproval,
		ApprovalThreshold: 3,
	})

	first, err := p.commands.Submit(ctx, requester, "sudo reboot")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := p.commands.Submit(ctx, requester, "sudo halt")
	require.NoError(t, err)

	_, err = p.approvals.CastVote(ctx, voter, first.CommandID, approvals.DecisionApproved)
	require.NoError(t, err)

	pending, err := p.approvals.PendingApprovals(ctx, admin)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, first.CommandID, pending[0].Command.ID, "oldest first")
	assert.Equal(t, second.CommandID, pending[1].Command.ID)
	assert.Equal(t, users.TierJunior, pending[0].RequesterTier)
	assert.Equal(t, 3, pending[0].RequiredApprovals)
	assert.Equal(t, 1, pending[0].ApprovalCount)
	require.Len(t, pending[0].Votes, 1)
	assert.Equal(t, "voter", pending[0].Votes[0].ApproverID)
	require.NotNil(t, pending[0].RulePattern)
	assert.Equal(t, `sudo\s+`, *pending[0].RulePattern)
}

func TestApprovals_Escalations(t *testing.T) {
	infra := SetupTestInfra(t)
	p := newPipeline(infra.PostgresDB)
	ctx := context.Background()

	admin := insertUser(t, infra.PostgresDB, "admin", users.RoleAdmin, users.TierLead, 100)
	requester := insertUser(t, infra.PostgresDB, "alice", users.RoleMember, users.TierJunior, 5)

	createRule(t, p, admin, rules.CreateRuleRequest{
		Pattern:           `sudo\s+`,
		Action:            rules.ActionRequireApproval,
		ApprovalThreshold: 2,
	})

	submitted, err := p.commands.Submit(ctx, requester, "sudo reboot")
	require.NoError(t, err)

	// Nothing is old enough for the default one-hour window.
	escalated, err := p.approvals.PendingEscalations(ctx, admin, 0)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	// Age the command past the window.
	_, err = infra.PostgresDB.ExecContext(ctx,
		`UPDATE commands SET created_at = created_at - INTERVAL '2 hours' WHERE id = $1`,
		submitted.CommandID,
	)
	require.NoError(t, err)

	escalated, err = p.approvals.PendingEscalations(ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, submitted.CommandID, escalated[0].Command.ID)
	assert.Equal(t, 2, escalated[0].RequiredApprovals)
}
