package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	pkgerrors "cmdgate/pkg/errors"
)

type Repository interface {
	Create(ctx context.Context, rule *Rule) error
	List(ctx context.Context) ([]Rule, error)
	GetByID(ctx context.Context, id string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (id, pattern, action, priority, approval_threshold,
			time_days, time_start_hour, time_end_hour, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	days, startHour, endHour := restrictionColumns(rule.TimeRestrictions)

	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Pattern, rule.Action, rule.Priority, rule.ApprovalThreshold,
		days, startHour, endHour, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Rule, error) {
	// Priority decides precedence; creation order is the stable
	// tiebreak so equal-priority matches stay deterministic.
	query := `
		SELECT id, pattern, action, priority, approval_threshold,
			time_days, time_start_hour, time_end_hour, created_by, created_at, updated_at
		FROM rules
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return rules, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	query := `
		SELECT id, pattern, action, priority, approval_threshold,
			time_days, time_start_hour, time_end_hour, created_by, created_at, updated_at
		FROM rules
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("rule_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now()

	query := `
		UPDATE rules
		SET pattern = $1, action = $2, priority = $3, approval_threshold = $4,
			time_days = $5, time_start_hour = $6, time_end_hour = $7, updated_at = $8
		WHERE id = $9
	`

	days, startHour, endHour := restrictionColumns(rule.TimeRestrictions)

	res, err := r.db.ExecContext(ctx, query,
		rule.Pattern, rule.Action, rule.Priority, rule.ApprovalThreshold,
		days, startHour, endHour, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", rule.ID)
	}

	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM rules WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var days pq.Int64Array
	var startHour, endHour sql.NullInt64

	err := row.Scan(
		&rule.ID, &rule.Pattern, &rule.Action, &rule.Priority, &rule.ApprovalThreshold,
		&days, &startHour, &endHour, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(days) > 0 && startHour.Valid && endHour.Valid {
		tr := &TimeRestrictions{
			StartHour: int(startHour.Int64),
			EndHour:   int(endHour.Int64),
		}
		for _, d := range days {
			tr.Days = append(tr.Days, int(d))
		}
		rule.TimeRestrictions = tr
	}

	return &rule, nil
}

func restrictionColumns(tr *TimeRestrictions) (interface{}, interface{}, interface{}) {
	if tr == nil {
		return nil, nil, nil
	}
	days := make(pq.Int64Array, 0, len(tr.Days))
	for _, d := range tr.Days {
		days = append(days, int64(d))
	}
	return days, tr.StartHour, tr.EndHour
}
