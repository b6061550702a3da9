package commands

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cmdgate/internal/audit"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
	pkgerrors "cmdgate/pkg/errors"
)

// fakeStore implements Repository in memory with the same transactional
// contract as the real store: Execute and FinalizeIfQuorum run under a
// single lock so concurrent finalizations serialize.
type fakeStore struct {
	mu       sync.Mutex
	commands map[string]*Command
	credits  map[string]int
	tiers    map[string]users.Tier
	approved map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commands: make(map[string]*Command),
		credits:  make(map[string]int),
		tiers:    make(map[string]users.Tier),
		approved: make(map[string]int),
	}
}

func (f *fakeStore) addUser(id string, tier users.Tier, credits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers[id] = tier
	f.credits[id] = credits
}

func (f *fakeStore) balance(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[id]
}

func (f *fakeStore) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeStore) Create(ctx context.Context, cmd *Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now()
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	clone := *cmd
	f.commands[cmd.ID] = &clone
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	clone := *cmd
	return &clone, nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string, limit int) ([]Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, cmd := range f.commands {
		if cmd.UserID == userID {
			out = append(out, *cmd)
		}
	}
	return out, nil
}

func (f *fakeStore) List(ctx context.Context, status Status, limit int) ([]Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, cmd := range f.commands {
		if status == "" || cmd.Status == status {
			out = append(out, *cmd)
		}
	}
	return out, nil
}

func (f *fakeStore) SetDecision(ctx context.Context, id string, matchedRuleID string, approvalThreshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	cmd.MatchedRuleID = &matchedRuleID
	cmd.ApprovalThreshold = approvalThreshold
	return nil
}

func (f *fakeStore) MarkStatus(ctx context.Context, id string, status Status, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		return pkgerrors.ErrNotFound
	}
	if cmd.Status != StatusPending && cmd.Status != StatusAwaitingApproval {
		return pkgerrors.ErrConflict
	}
	cmd.Status = status
	cmd.RejectReason = reason
	return nil
}

func (f *fakeStore) FindAwaitingDuplicate(ctx context.Context, userID, text string) (*Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *Command
	for _, cmd := range f.commands {
		if cmd.UserID == userID && cmd.Text == text && cmd.Status == StatusAwaitingApproval {
			if latest == nil || cmd.CreatedAt.After(latest.CreatedAt) {
				latest = cmd
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeStore) Execute(ctx context.Context, commandID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeLocked(commandID, userID)
}

func (f *fakeStore) executeLocked(commandID, userID string) (int, error) {
	if f.credits[userID] < 1 {
		return 0, pkgerrors.ErrInsufficientCredits
	}
	cmd, ok := f.commands[commandID]
	if !ok {
		return 0, pkgerrors.ErrNotFound
	}
	if cmd.Status != StatusPending && cmd.Status != StatusAwaitingApproval {
		return 0, pkgerrors.ErrExecutionFailed
	}
	cmd.Status = StatusExecuted
	now := time.Now()
	cmd.ExecutedAt = &now
	f.credits[userID]--
	return f.credits[userID], nil
}

func (f *fakeStore) FinalizeIfQuorum(ctx context.Context, commandID string) (*FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd, ok := f.commands[commandID]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	if cmd.Status != StatusAwaitingApproval {
		return &FinalizeResult{Outcome: FinalizeAlreadyFinal, Status: cmd.Status}, nil
	}

	required := rules.RequiredApprovals(cmd.ApprovalThreshold, f.tiers[cmd.UserID])
	count := f.approved[commandID]
	if count < required {
		return &FinalizeResult{
			Outcome:           FinalizeQuorumNotReached,
			Status:            StatusAwaitingApproval,
			ApprovalCount:     count,
			RequiredApprovals: required,
		}, nil
	}

	newBalance, err := f.executeLocked(commandID, cmd.UserID)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{
		Outcome:           FinalizeExecuted,
		Status:            StatusExecuted,
		ApprovalCount:     count,
		RequiredApprovals: required,
		NewBalance:        newBalance,
	}, nil
}

var _ Repository = (*fakeStore)(nil)

// fakeMatcher returns a fixed decision for every command.
type fakeMatcher struct {
	rule   *rules.Rule
	action rules.Action
}

func (m *fakeMatcher) MatchCommand(ctx context.Context, command string, now time.Time) (*rules.Rule, rules.Action, error) {
	return m.rule, m.action, nil
}

func newCommandService(store *fakeStore, matcher rules.Matcher) *Service {
	log := logger.NopLogger()
	executor := NewExecutor(store, audit.NopRecorder{}, notify.NopNotifier{}, log)
	return NewService(store, matcher, executor, log)
}

func junior(id string, credits int) *users.User {
	return &users.User{ID: id, Role: users.RoleMember, Tier: users.TierJunior, Credits: credits}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	store := newFakeStore()
	store.addUser("u1", users.TierJunior, 0)
	svc := newCommandService(store, &fakeMatcher{})

	_, err := svc.Submit(context.Background(), junior("u1", 0), "ls -la")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsInsufficientCredits(err))
	assert.Equal(t, 0, store.commandCount())
}

func TestSubmitNoMatchingRule(t *testing.T) {
	store := newFakeStore()
	store.addUser("u1", users.TierJunior, 5)
	svc := newCommandService(store, &fakeMatcher{rule: nil})

	result, err := svc.Submit(context.Background(), junior("u1", 5), "mystery command")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, result.Status)
	assert.Equal(t, "no matching rule", result.Message)
	assert.Equal(t, 5, store.balance("u1"), "credits must be unchanged on rejection")
}

func TestSubmitAutoAccept(t *testing.T) {
	store := newFakeStore()
	store.addUser("u1", users.TierJunior, 5)
	rule := &rules.Rule{ID: "rule-1", Pattern: `^(ls|cat|pwd|echo)`, Action: rules.ActionAutoAccept, Priority: 49}
	svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionAutoAccept})

	result, err := svc.Submit(context.Background(), junior("u1", 5), "ls -la")
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, result.Status)
	require.NotNil(t, result.NewBalance)
	assert.Equal(t, 4, *result.NewBalance)
	assert.Equal(t, 4, store.balance("u1"))
}

func TestSubmitAutoReject(t *testing.T) {
	store := newFakeStore()
	store.addUser("u1", users.TierJunior, 5)
	rule := &rules.Rule{ID: "rule-1", Pattern: `^rm -rf`, Action: rules.ActionAutoReject, Priority: 100}
	svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionAutoReject})

	result, err := svc.Submit(context.Background(), junior("u1", 5), "rm -rf /")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, result.Status)
	assert.Equal(t, 5, store.balance("u1"))
}

func TestSubmitRequireApprovalTiers(t *testing.T) {
	rule := &rules.Rule{ID: "rule-1", Pattern: `sudo\s+`, Action: rules.ActionRequireApproval, ApprovalThreshold: 2}

	tests := []struct {
		tier     users.Tier
		required int
	}{
		{users.TierJunior, 2},
		{users.TierSenior, 1},
		{users.TierLead, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			store := newFakeStore()
			store.addUser("u1", tt.tier, 5)
			svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionRequireApproval})

			actor := &users.User{ID: "u1", Role: users.RoleMember, Tier: tt.tier, Credits: 5}
			result, err := svc.Submit(context.Background(), actor, "sudo reboot")
			require.NoError(t, err)
			assert.Equal(t, StatusAwaitingApproval, result.Status)
			assert.Equal(t, tt.required, result.RequiredApprovals)
		})
	}
}

func TestSubmitDuplicatePending(t *testing.T) {
	rule := &rules.Rule{ID: "rule-1", Pattern: `sudo\s+`, Action: rules.ActionRequireApproval, ApprovalThreshold: 2}

	t.Run("short of quorum reports tally without new command", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", users.TierJunior, 5)
		svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionRequireApproval})
		actor := junior("u1", 5)

		first, err := svc.Submit(context.Background(), actor, "sudo reboot")
		require.NoError(t, err)
		require.Equal(t, StatusAwaitingApproval, first.Status)

		store.mu.Lock()
		store.approved[first.CommandID] = 1
		store.mu.Unlock()

		second, err := svc.Submit(context.Background(), actor, "sudo reboot")
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingApproval, second.Status)
		assert.Equal(t, first.CommandID, second.CommandID)
		assert.Equal(t, 1, second.ApprovalCount)
		assert.Equal(t, 2, second.RequiredApprovals)
		assert.Equal(t, 1, store.commandCount())
	})

	t.Run("quorum already met executes directly", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", users.TierJunior, 5)
		svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionRequireApproval})
		actor := junior("u1", 5)

		first, err := svc.Submit(context.Background(), actor, "sudo reboot")
		require.NoError(t, err)

		store.mu.Lock()
		store.approved[first.CommandID] = 2
		store.mu.Unlock()

		second, err := svc.Submit(context.Background(), actor, "sudo reboot")
		require.NoError(t, err)
		assert.Equal(t, StatusExecuted, second.Status)
		assert.Equal(t, first.CommandID, second.CommandID)
		assert.Equal(t, 4, store.balance("u1"))
	})
}

func TestResubmit(t *testing.T) {
	rule := &rules.Rule{ID: "rule-1", Pattern: `sudo\s+`, Action: rules.ActionRequireApproval, ApprovalThreshold: 2}
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeStore, *Service, string) {
		store := newFakeStore()
		store.addUser("u1", users.TierJunior, 5)
		svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionRequireApproval})

		result, err := svc.Submit(ctx, junior("u1", 5), "sudo reboot")
		require.NoError(t, err)
		require.Equal(t, StatusAwaitingApproval, result.Status)
		return store, svc, result.CommandID
	}

	t.Run("only owner may resubmit", func(t *testing.T) {
		store, svc, id := setup(t)
		store.addUser("u2", users.TierJunior, 5)

		_, err := svc.Resubmit(ctx, junior("u2", 5), id)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsForbidden(err))
	})

	t.Run("already executed conflicts", func(t *testing.T) {
		store, svc, id := setup(t)
		store.mu.Lock()
		store.approved[id] = 2
		store.mu.Unlock()

		_, err := svc.Resubmit(ctx, junior("u1", 5), id)
		require.NoError(t, err)

		_, err = svc.Resubmit(ctx, junior("u1", 5), id)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsConflict(err))
	})

	t.Run("short tally reported unchanged", func(t *testing.T) {
		store, svc, id := setup(t)
		store.mu.Lock()
		store.approved[id] = 1
		store.mu.Unlock()

		result, err := svc.Resubmit(ctx, junior("u1", 5), id)
		require.NoError(t, err)
		assert.Equal(t, StatusAwaitingApproval, result.Status)
		assert.Equal(t, 1, result.ApprovalCount)
		assert.Equal(t, 2, result.RequiredApprovals)
	})
}

func TestConcurrentFinalizeExecutesOnce(t *testing.T) {
	rule := &rules.Rule{ID: "rule-1", Pattern: `sudo\s+`, Action: rules.ActionRequireApproval, ApprovalThreshold: 2}
	store := newFakeStore()
	store.addUser("u1", users.TierJunior, 5)
	svc := newCommandService(store, &fakeMatcher{rule: rule, action: rules.ActionRequireApproval})
	ctx := context.Background()

	result, err := svc.Submit(ctx, junior("u1", 5), "sudo reboot")
	require.NoError(t, err)

	store.mu.Lock()
	store.approved[result.CommandID] = 2
	store.mu.Unlock()

	var executed int64
	var mu sync.Mutex
	g := new(errgroup.Group)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res, err := svc.Resubmit(ctx, junior("u1", 5), result.CommandID)
			if err != nil {
				if pkgerrors.IsConflict(err) {
					return nil
				}
				return err
			}
			if res.Status == StatusExecuted {
				mu.Lock()
				executed++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), executed, "exactly one caller must observe the execution")
	assert.Equal(t, 4, store.balance("u1"), "credits must be debited exactly once")
}
