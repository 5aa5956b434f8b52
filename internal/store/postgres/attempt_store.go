package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/domain"
)

// AttemptStore implements domain.AttemptLogStore using PostgreSQL. The log is
// a diagnostic trail: one row per attempt with its trials serialized as JSONB.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore creates a new AttemptStore backed by the given pool.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

// Insert appends one attempt summary.
func (s *AttemptStore) Insert(ctx context.Context, res domain.AttemptResult) error {
	trials, err := json.Marshal(res.Trials)
	if err != nil {
		return fmt.Errorf("postgres: encode trials for %s: %w", res.URLID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO attempt_log (
			id, url_id, domain, started_at, finished_at,
			outcome, trials, signals, cancelled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (url_id, started_at) DO NOTHING`,
		uuid.NewString(), res.URLID, res.Domain, res.StartedAt, res.FinishedAt,
		string(res.Outcome), trials, res.Signals, res.Cancelled,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert attempt for %s: %w", res.URLID, err)
	}
	return nil
}
