package approvals

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cmdgate/internal/audit"
	"cmdgate/internal/commands"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
)

// voteStore backs both the approvals and commands repositories with one
// lock, mirroring the real store's transactional contract: vote
// uniqueness is enforced on insert and finalization serializes per
// command.
type voteStore struct {
	mu       sync.Mutex
	commands map[string]*commands.Command
	votes    map[string]*Approval // keyed by commandID/approverID
	credits  map[string]int
	tiers    map[string]users.Tier
}

func newVoteStore() *voteStore {
	return &voteStore{
		commands: make(map[string]*commands.Command),
		votes:    make(map[string]*Approval),
		credits:  make(map[string]int),
		tiers:    make(map[string]users.Tier),
	}
}

func voteKey(commandID, approverID string) string {
	return fmt.Sprintf("%s/%s", commandID, approverID)
}

func (s *voteStore) addUser(id string, tier users.Tier, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[id] = tier
	s.credits[id] = credits
}

func (s *voteStore) addAwaitingCommand(id, userID, text string, threshold int, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[id] = &commands.Command{
		ID:                id,
		UserID:            userID,
		Text:              text,
		Status:            commands.StatusAwaitingApproval,
		ApprovalThreshold: threshold,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func (s *voteStore) balance(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[id]
}

func (s *voteStore) status(id string) commands.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[id].Status
}

// approvals.Repository

func (s *voteStore) Insert(ctx context.Context, vote *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voteKey(vote.CommandID, vote.ApproverID)
	if _, exists := s.votes[key]; exists {
		return pkgerrors.ErrConflict
	}
	vote.ID = uuid.New().String()
	vote.CreatedAt = time.Now()
	clone := *vote
	s.votes[key] = &clone
	return nil
}

func (s *voteStore) approvedCount(commandID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countApprovedLocked(commandID)
}

func (s *voteStore) countApprovedLocked(commandID string) int {
	count := 0
	for _, v := range s.votes {
		if v.CommandID == commandID && v.Decision == DecisionApproved {
			count++
		}
	}
	return count
}

func (s *voteStore) ListForCommand(ctx context.Context, commandID string) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Approval
	for _, v := range s.votes {
		if v.CommandID == commandID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (s *voteStore) ListPending(ctx context.Context, limit int) ([]PendingCommand, error) {
	return s.listAwaiting(time.Time{}), nil
}

func (s *voteStore) ListEscalations(ctx context.Context, olderThan time.Time, limit int) ([]PendingCommand, error) {
	return s.listAwaiting(olderThan), nil
}

func (s *voteStore) listAwaiting(olderThan time.Time) []PendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingCommand
	for _, cmd := range s.commands {
		if cmd.Status != commands.StatusAwaitingApproval {
			continue
		}
		if !olderThan.IsZero() && !cmd.CreatedAt.Before(olderThan) {
			continue
		}
		out = append(out, PendingCommand{
			Command:       *cmd,
			RequesterTier: s.tiers[cmd.UserID],
			ApprovalCount: s.countApprovedLocked(cmd.ID),
			WaitingSince:  cmd.CreatedAt,
		})
	}
	return out
}

// commands.Repository

func (s *voteStore) Create(ctx context.Context, cmd *commands.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cmd
	s.commands[cmd.ID] = &clone
	return nil
}

func (s *voteStore) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	clone := *cmd
	return &clone, nil
}

func (s *voteStore) ListByUser(ctx context.Context, userID string, limit int) ([]commands.Command, error) {
	return nil, nil
}

func (s *voteStore) List(ctx context.Context, status commands.Status, limit int) ([]commands.Command, error) {
	return nil, nil
}

func (s *voteStore) SetDecision(ctx context.Context, id string, matchedRuleID string, approvalThreshold int) error {
	return nil
}

func (s *voteStore) FindAwaitingDuplicate(ctx context.Context, userID, text string) (*commands.Command, error) {
	return nil, nil
}

func (s *voteStore) MarkStatus(ctx context.Context, id string, status commands.Status, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	if cmd.Status != commands.StatusPending && cmd.Status != commands.StatusAwaitingApproval {
		return pkgerrors.ErrConflict
	}
	cmd.Status = status
	cmd.RejectReason = reason
	return nil
}

func (s *voteStore) Execute(ctx context.Context, commandID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(commandID, userID)
}

func (s *voteStore) executeLocked(commandID, userID string) (int, error) {
	if s.credits[userID] < 1 {
		return 0, pkgerrors.ErrInsufficientCredits
	}
	cmd := s.commands[commandID]
	if cmd.Status != commands.StatusPending && cmd.Status != commands.StatusAwaitingApproval {
		return 0, pkgerrors.ErrExecutionFailed
	}
	cmd.Status = commands.StatusExecuted
	now := time.Now()
	cmd.ExecutedAt = &now
	s.credits[userID]--
	return s.credits[userID], nil
}

func (s *voteStore) FinalizeIfQuorum(ctx context.Context, commandID string) (*commands.FinalizeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	if cmd.Status != commands.StatusAwaitingApproval {
		return &commands.FinalizeResult{Outcome: commands.FinalizeAlreadyFinal, Status: cmd.Status}, nil
	}

	required := rules.RequiredApprovals(cmd.ApprovalThreshold, s.tiers[cmd.UserID])
	count := s.countApprovedLocked(commandID)
	if count < required {
		return &commands.FinalizeResult{
			Outcome:           commands.FinalizeQuorumNotReached,
			Status:            commands.StatusAwaitingApproval,
			ApprovalCount:     count,
			RequiredApprovals: required,
		}, nil
	}

	newBalance, err := s.executeLocked(commandID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return &commands.FinalizeResult{
		Outcome:           commands.FinalizeExecuted,
		Status:            commands.StatusExecuted,
		ApprovalCount:     count,
		RequiredApprovals: required,
		NewBalance:        newBalance,
	}, nil
}

var _ Repository = (*voteStore)(nil)
var _ commands.Repository = (*voteStore)(nil)

func newApprovalService(store *voteStore) *Service {
	log := logger.NopLogger()
	executor := commands.NewExecutor(store, audit.NopRecorder{}, notify.NopNotifier{}, log)
	return NewService(store, store, executor, audit.NopRecorder{}, notify.NopNotifier{}, log)
}

func admin(id string) *users.User {
	return &users.User{ID: id, Role: users.RoleAdmin, Tier: users.TierLead, Credits: 100}
}

func TestCastVoteValidation(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierJunior, 5)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 2, time.Now())
	svc := newApprovalService(store)

	t.Run("invalid decision", func(t *testing.T) {
		_, err := svc.CastVote(ctx, admin("a1"), "cmd-1", "maybe")
		require.Error(t, err)
		assert.True(t, pkgerrors.IsValidation(err))
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		member := &users.User{ID: "m1", Role: users.RoleMember, Tier: users.TierJunior}
		_, err := svc.CastVote(ctx, member, "cmd-1", DecisionApproved)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsForbidden(err))
	})

	t.Run("own command forbidden", func(t *testing.T) {
		owner := &users.User{ID: "owner", Role: users.RoleAdmin, Tier: users.TierJunior}
		_, err := svc.CastVote(ctx, owner, "cmd-1", DecisionApproved)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsForbidden(err))
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := svc.CastVote(ctx, admin("a1"), "missing", DecisionApproved)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsNotFound(err))
	})
}

func TestCastVoteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierJunior, 5)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 2, time.Now())
	svc := newApprovalService(store)

	first, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVoteRecorded, first.Outcome)
	assert.Equal(t, 1, first.ApprovalCount)

	second, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyVoted, second.Outcome)

	assert.Equal(t, 1, store.approvedCount("cmd-1"), "duplicate vote must not change the tally")
	assert.Equal(t, commands.StatusAwaitingApproval, store.status("cmd-1"))
}

func TestCastVoteRejectionTerminal(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierJunior, 5)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 3, time.Now())
	svc := newApprovalService(store)

	_, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)

	result, err := svc.CastVote(ctx, admin("a2"), "cmd-1", DecisionRejected)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, commands.StatusRejected, store.status("cmd-1"))
	assert.Equal(t, 5, store.balance("owner"), "rejection must not debit credits")

	// Further votes hit the finalized command.
	_, err = svc.CastVote(ctx, admin("a3"), "cmd-1", DecisionApproved)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConflict(err))

	// A voter who already voted still gets already_voted, not a conflict.
	repeat, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyVoted, repeat.Outcome)
}

func TestCastVoteQuorum(t *testing.T) {
	ctx := context.Background()

	t.Run("junior owner needs full threshold", func(t *testing.T) {
		store := newVoteStore()
		store.addUser("owner", users.TierJunior, 5)
		store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 2, time.Now())
		svc := newApprovalService(store)

		first, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
		require.NoError(t, err)
		assert.Equal(t, OutcomeVoteRecorded, first.Outcome)
		assert.Equal(t, 1, first.ApprovalCount)
		assert.Equal(t, 2, first.RequiredApprovals)

		second, err := svc.CastVote(ctx, admin("a2"), "cmd-1", DecisionApproved)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExecuted, second.Outcome)
		require.NotNil(t, second.NewBalance)
		assert.Equal(t, 4, *second.NewBalance)
		assert.Equal(t, commands.StatusExecuted, store.status("cmd-1"))
	})

	t.Run("lead owner executes on a single approval", func(t *testing.T) {
		store := newVoteStore()
		store.addUser("owner", users.TierLead, 5)
		store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 2, time.Now())
		svc := newApprovalService(store)

		result, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
		require.NoError(t, err)
		assert.Equal(t, OutcomeExecuted, result.Outcome)
		assert.Equal(t, 1, result.RequiredApprovals)
	})
}

func TestCastVoteExecutionFailureKeepsCommandRetryable(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierLead, 0)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 1, time.Now())
	svc := newApprovalService(store)

	result, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecutionFailed, result.Outcome)
	assert.Equal(t, commands.StatusAwaitingApproval, store.status("cmd-1"))
	assert.Equal(t, 0, store.balance("owner"))
}

func TestConcurrentVotesExecuteOnce(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierJunior, 5)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 2, time.Now())
	svc := newApprovalService(store)

	const voters = 12
	outcomes := make([]VoteOutcome, voters)
	g := new(errgroup.Group)
	for i := 0; i < voters; i++ {
		g.Go(func() error {
			result, err := svc.CastVote(ctx, admin(fmt.Sprintf("a%d", i)), "cmd-1", DecisionApproved)
			if err != nil {
				if pkgerrors.IsConflict(err) {
					return nil
				}
				return err
			}
			outcomes[i] = result.Outcome
			return nil
		})
	}
	require.NoError(t, g.Wait())

	executed := 0
	for _, o := range outcomes {
		if o == OutcomeExecuted {
			executed++
		}
	}
	assert.GreaterOrEqual(t, executed, 1)
	assert.Equal(t, commands.StatusExecuted, store.status("cmd-1"))
	assert.Equal(t, 4, store.balance("owner"), "credits must be debited exactly once")
}

func TestPendingEscalations(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierJunior, 5)
	store.addAwaitingCommand("old", "owner", "sudo reboot", 2, time.Now().Add(-2*time.Hour))
	store.addAwaitingCommand("recent", "owner", "sudo halt", 2, time.Now().Add(-5*time.Minute))
	svc := newApprovalService(store)

	t.Run("non-admin forbidden", func(t *testing.T) {
		member := &users.User{ID: "m1", Role: users.RoleMember}
		_, err := svc.PendingEscalations(ctx, member, 0)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsForbidden(err))
	})

	t.Run("default window flags only stale commands", func(t *testing.T) {
		escalated, err := svc.PendingEscalations(ctx, admin("a1"), 0)
		require.NoError(t, err)
		require.Len(t, escalated, 1)
		assert.Equal(t, "old", escalated[0].Command.ID)
		assert.Equal(t, 2, escalated[0].RequiredApprovals)
	})

	t.Run("custom window", func(t *testing.T) {
		escalated, err := svc.PendingEscalations(ctx, admin("a1"), time.Minute)
		require.NoError(t, err)
		assert.Len(t, escalated, 2)
	})
}

func TestPendingApprovals(t *testing.T) {
	ctx := context.Background()
	store := newVoteStore()
	store.addUser("owner", users.TierSenior, 5)
	store.addAwaitingCommand("cmd-1", "owner", "sudo reboot", 4, time.Now())
	svc := newApprovalService(store)

	_, err := svc.CastVote(ctx, admin("a1"), "cmd-1", DecisionApproved)
	require.NoError(t, err)

	pending, err := svc.PendingApprovals(ctx, admin("a2"))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].ApprovalCount)
	assert.Equal(t, 3, pending[0].RequiredApprovals, "senior owner scales 4 down to 3")
	assert.Equal(t, users.TierSenior, pending[0].RequesterTier)
}
