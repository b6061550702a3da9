package integration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"cmdgate/internal/approvals"
	"cmdgate/internal/audit"
	"cmdgate/internal/commands"
	"cmdgate/internal/logger"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/users"
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

// pipeline bundles the wired services for a test against real storage.
type pipeline struct {
	users     users.Repository
	rules     *rules.Service
	commands  *commands.Service
	approvals *approvals.Service
	executor  *commands.Executor
	audit     audit.Recorder
}

func newPipeline(db *sql.DB) *pipeline {
	log := createTestLogger()
	recorder := audit.NewPostgresRecorder(db, log)
	notifier := notify.NopNotifier{}

	ruleService := rules.NewService(rules.NewRepository(db), rules.NopCache{}, recorder, notifier, log)
	commandRepo := commands.NewRepository(db)
	executor := commands.NewExecutor(commandRepo, recorder, notifier, log)
	commandService := commands.NewService(commandRepo, ruleService, executor, log)
	approvalService := approvals.NewService(approvals.NewRepository(db), commandRepo, executor, recorder, notifier, log)

	return &pipeline{
		users:     users.NewRepository(db),
		rules:     ruleService,
		commands:  commandService,
		approvals: approvalService,
		executor:  executor,
		audit:     recorder,
	}
}

func insertUser(t *testing.T, db *sql.DB, id string, role users.Role, tier users.Tier, credits int) *users.User {
	t.Helper()

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO users (id, role, tier, credits, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, role, tier, credits, time.Now(),
	)
	if err != nil {
		t.Fatalf("failed to insert user %s: %v", id, err)
	}

	return &users.User{ID: id, Role: role, Tier: tier, Credits: credits}
}

func userCredits(t *testing.T, db *sql.DB, id string) int {
	t.Helper()

	var credits int
	if err := db.QueryRowContext(context.Background(),
		`SELECT credits FROM users WHERE id = $1`, id).Scan(&credits); err != nil {
		t.Fatalf("failed to read credits for %s: %v", id, err)
	}
	return credits
}

func createRule(t *testing.T, p *pipeline, admin *users.User, req rules.CreateRuleRequest) *rules.Rule {
	t.Helper()

	rule, _, err := p.rules.Create(context.Background(), admin, req)
	if err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	return rule
}
