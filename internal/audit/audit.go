package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"cmdgate/internal/logger"
	"cmdgate/pkg/metrics"
)

// Action tags recorded by the decision pipeline.
const (
	ActionCommandExecuted        = "COMMAND_EXECUTED"
	ActionCommandExecutionFailed = "COMMAND_EXECUTION_FAILED"
	ActionCommandRejected        = "COMMAND_REJECTED"
	ActionCommandPendingApproval = "COMMAND_PENDING_APPROVAL"
	ActionCommandApproved        = "COMMAND_APPROVED"
	ActionCommandEscalated       = "COMMAND_ESCALATED"
	ActionRuleCreated            = "RULE_CREATED"
	ActionRuleUpdated            = "RULE_UPDATED"
	ActionRuleDeleted            = "RULE_DELETED"
)

type Event struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Recorder appends audit events. Implementations must be best-effort:
// Record never returns an error and must not panic, because audit is
// observability, not correctness.
type Recorder interface {
	Record(ctx context.Context, userID, action string, details map[string]interface{})
	List(ctx context.Context, userID string, limit int) ([]Event, error)
}

type PostgresRecorder struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresRecorder(db *sql.DB, log logger.Logger) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: log}
}

func (r *PostgresRecorder) Record(ctx context.Context, userID, action string, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	query := `
		INSERT INTO audit_events (id, user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = r.db.ExecContext(ctx, query,
		uuid.New().String(), userID, action, detailsJSON, time.Now(),
	)
	if err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		r.logger.WarnwCtx(ctx, "Failed to write audit event",
			"action", action,
			"error", err,
		)
	}
}

func (r *PostgresRecorder) List(ctx context.Context, userID string, limit int) ([]Event, error) {
	query := `
		SELECT id, user_id, action, details, created_at
		FROM audit_events
	`
	args := []interface{}{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`
	if userID != "" {
		query += ` LIMIT $2`
	} else {
		query += ` LIMIT $1`
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// NopRecorder discards all events. Used in tests.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, userID, action string, details map[string]interface{}) {
}

func (NopRecorder) List(ctx context.Context, userID string, limit int) ([]Event, error) {
	return nil, nil
}
