package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/domain"
)

// StrategyStore implements domain.StrategyStore using PostgreSQL. Selectors
// are stored as JSONB so every strategy kind shares one schema.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a new StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategyCols = `id, domain, field, selector, confidence, priority,
	attempts, successes, last_success, sample_urls, parent_id,
	created_at, updated_at`

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var s domain.Strategy
	var field string
	var selectorJSON []byte
	err := row.Scan(
		&s.ID, &s.Domain, &field, &selectorJSON, &s.Confidence, &s.Priority,
		&s.Attempts, &s.Successes, &s.LastSuccess, &s.SampleURLs, &s.ParentID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.Field = domain.Field(field)
	if err := json.Unmarshal(selectorJSON, &s.Selector); err != nil {
		return domain.Strategy{}, fmt.Errorf("decode selector of %s: %w", s.ID, err)
	}
	return s, nil
}

// ListByDomain returns the live portfolio for a domain ordered by rank.
func (s *StrategyStore) ListByDomain(ctx context.Context, dom string) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyCols+` FROM strategies
		 WHERE domain = $1
		 ORDER BY priority ASC, confidence DESC, id ASC`, dom)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies for %s: %w", dom, err)
	}
	defer rows.Close()

	var strategies []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		strategies = append(strategies, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies rows: %w", err)
	}
	return strategies, nil
}

// UpsertBatch writes a domain's live strategies in a single batch.
func (s *StrategyStore) UpsertBatch(ctx context.Context, dom string, strategies []domain.Strategy) error {
	if len(strategies) == 0 {
		return nil
	}

	const query = `
		INSERT INTO strategies (
			id, domain, field, selector, confidence, priority,
			attempts, successes, last_success, sample_urls, parent_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13
		)
		ON CONFLICT (id) DO UPDATE SET
			selector     = EXCLUDED.selector,
			confidence   = EXCLUDED.confidence,
			priority     = EXCLUDED.priority,
			attempts     = EXCLUDED.attempts,
			successes    = EXCLUDED.successes,
			last_success = EXCLUDED.last_success,
			sample_urls  = EXCLUDED.sample_urls,
			updated_at   = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, st := range strategies {
		selectorJSON, err := json.Marshal(st.Selector)
		if err != nil {
			return fmt.Errorf("postgres: encode selector of %s: %w", st.ID, err)
		}
		batch.Queue(query,
			st.ID, dom, string(st.Field), selectorJSON, st.Confidence, st.Priority,
			st.Attempts, st.Successes, st.LastSuccess, st.SampleURLs, st.ParentID,
			st.CreatedAt, st.UpdatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range strategies {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert strategy batch item %d: %w", i, err)
		}
	}
	return nil
}

// Archive moves a retired strategy into the archive table. The archived row
// keeps the full strategy for offline analysis; archived rows are never
// deleted.
func (s *StrategyStore) Archive(ctx context.Context, st domain.Strategy, reason string) error {
	selectorJSON, err := json.Marshal(st.Selector)
	if err != nil {
		return fmt.Errorf("postgres: encode selector of %s: %w", st.ID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin archive tx for %s: %w", st.ID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategy_archive (
			id, domain, field, selector, confidence, priority,
			attempts, successes, last_success, parent_id,
			reason, created_at, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO NOTHING`,
		st.ID, st.Domain, string(st.Field), selectorJSON, st.Confidence, st.Priority,
		st.Attempts, st.Successes, st.LastSuccess, st.ParentID,
		reason, st.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: archive strategy %s: %w", st.ID, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM strategies WHERE id = $1`, st.ID,
	); err != nil {
		return fmt.Errorf("postgres: remove archived strategy %s: %w", st.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit archive of %s: %w", st.ID, err)
	}
	return nil
}
