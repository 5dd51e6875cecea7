package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakepilot/engine/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given connection pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

var _ domain.StrategyStore = (*StrategyStore)(nil)

const strategyColumns = `id, name, status, conditions, action, limits,
	total_predictions, total_staked_micro, use_ai_oracle, ai_min_confidence, created_at`

// Create inserts a new strategy. Conditions, action and limits are stored as
// JSONB.
func (s *StrategyStore) Create(ctx context.Context, st domain.Strategy) error {
	conditionsJSON, err := json.Marshal(st.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: marshal conditions for %s: %w", st.ID, err)
	}
	actionJSON, err := json.Marshal(st.Action)
	if err != nil {
		return fmt.Errorf("postgres: marshal action for %s: %w", st.ID, err)
	}
	var limitsJSON []byte
	if st.Limits != nil {
		limitsJSON, err = json.Marshal(st.Limits)
		if err != nil {
			return fmt.Errorf("postgres: marshal limits for %s: %w", st.ID, err)
		}
	}

	const query = `
		INSERT INTO strategies (id, name, status, conditions, action, limits,
			total_predictions, total_staked_micro, use_ai_oracle, ai_min_confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.pool.Exec(ctx, query,
		st.ID, st.Name, string(st.Status), conditionsJSON, actionJSON, limitsJSON,
		st.Stats.TotalPredictions, st.Stats.TotalStakedMicro,
		st.UseAIOracle, st.AIMinConfidence, st.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create strategy %s: %w", st.ID, err)
	}
	return nil
}

// GetByID retrieves a single strategy by its ID.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1`

	st, err := scanStrategy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return st, nil
}

// ListActive returns all strategies whose status is active, oldest first.
func (s *StrategyStore) ListActive(ctx context.Context) ([]domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + `
		FROM strategies WHERE status = $1 ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, string(domain.StrategyStatusActive))
	if err != nil {
		return nil, fmt.Errorf("postgres: list active strategies: %w", err)
	}
	defer rows.Close()

	return collectStrategies(rows)
}

// List returns strategies ordered oldest first, with pagination.
func (s *StrategyStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies ORDER BY created_at, id`
	args := []any{}
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
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	return collectStrategies(rows)
}

// Patch applies a partial update atomically. Status is only changed when the
// patch carries one; the Add* fields increment the stats counters.
func (s *StrategyStore) Patch(ctx context.Context, p domain.StrategyPatch) error {
	var status *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}

	const query = `
		UPDATE strategies SET
			status             = COALESCE($2, status),
			total_predictions  = total_predictions + $3,
			total_staked_micro = total_staked_micro + $4
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, p.ID, status, p.AddPredictions, p.AddStakedMicro)
	if err != nil {
		return fmt.Errorf("postgres: patch strategy %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (domain.Strategy, error) {
	var (
		st             domain.Strategy
		status         string
		conditionsJSON []byte
		actionJSON     []byte
		limitsJSON     []byte
	)

	err := row.Scan(
		&st.ID, &st.Name, &status, &conditionsJSON, &actionJSON, &limitsJSON,
		&st.Stats.TotalPredictions, &st.Stats.TotalStakedMicro,
		&st.UseAIOracle, &st.AIMinConfidence, &st.CreatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}

	st.Status = domain.StrategyStatus(status)
	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, &st.Conditions); err != nil {
			return domain.Strategy{}, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if actionJSON != nil {
		if err := json.Unmarshal(actionJSON, &st.Action); err != nil {
			return domain.Strategy{}, fmt.Errorf("unmarshal action: %w", err)
		}
	}
	if limitsJSON != nil {
		st.Limits = &domain.Limits{}
		if err := json.Unmarshal(limitsJSON, st.Limits); err != nil {
			return domain.Strategy{}, fmt.Errorf("unmarshal limits: %w", err)
		}
	}
	return st, nil
}

func collectStrategies(rows pgx.Rows) ([]domain.Strategy, error) {
	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: strategies rows: %w", err)
	}
	return out, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
