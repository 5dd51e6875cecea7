package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakepilot/engine/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

const executionColumns = `id, strategy_id, listing_id, side, stake_micro,
	status, tx_hash, error, confidence, condition_label, created_at`

// Create inserts a new execution record.
func (s *ExecutionStore) Create(ctx context.Context, e domain.Execution) error {
	const query = `
		INSERT INTO executions (id, strategy_id, listing_id, side, stake_micro,
			status, tx_hash, error, confidence, condition_label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.StrategyID, e.ListingID, string(e.Side), e.StakeMicro,
		string(e.Status), e.TxHash, e.Error, e.Confidence, e.ConditionLabel, e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create execution %s: %w", e.ID, err)
	}
	return nil
}

// GetByID retrieves a single execution by its ID.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	e, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return e, nil
}

// ListByStrategy returns executions for a strategy, newest first.
func (s *ExecutionStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE strategy_id = $1`
	args := []any{strategyID}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", strategyID, err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListRecent returns the most recent executions across all strategies.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionColumns + `
		FROM executions ORDER BY created_at DESC, id LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListBefore returns executions created strictly before cutoff, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions WHERE created_at < $1 ORDER BY created_at, id`
	args := []any{cutoff}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// DeleteBefore removes executions created strictly before cutoff, returning
// the number of rows deleted.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e      domain.Execution
		side   string
		status string
	)
	err := row.Scan(
		&e.ID, &e.StrategyID, &e.ListingID, &side, &e.StakeMicro,
		&status, &e.TxHash, &e.Error, &e.Confidence, &e.ConditionLabel, &e.CreatedAt,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	e.Side = domain.Side(side)
	e.Status = domain.ExecutionStatus(status)
	return e, nil
}

func collectExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: executions rows: %w", err)
	}
	return out, nil
}
