package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/domain"
)

// URLStore implements domain.URLStore using PostgreSQL.
type URLStore struct {
	pool *pgxpool.Pool
}

// NewURLStore creates a new URLStore backed by the given connection pool.
func NewURLStore(pool *pgxpool.Pool) *URLStore {
	return &URLStore{pool: pool}
}

const urlCols = `id, url, domain, priority, base_interval_seconds,
	last_check, active, created_at, updated_at`

func scanURL(row pgx.Row) (domain.MonitoredURL, error) {
	var u domain.MonitoredURL
	var intervalSeconds int64
	err := row.Scan(
		&u.ID, &u.URL, &u.Domain, &u.Priority, &intervalSeconds,
		&u.LastCheck, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return domain.MonitoredURL{}, err
	}
	u.BaseInterval = time.Duration(intervalSeconds) * time.Second
	return u, nil
}

// Upsert registers or updates a monitored URL.
func (s *URLStore) Upsert(ctx context.Context, u domain.MonitoredURL) error {
	const query = `
		INSERT INTO monitored_urls (
			id, url, domain, priority, base_interval_seconds,
			last_check, active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			url                   = EXCLUDED.url,
			domain                = EXCLUDED.domain,
			priority              = EXCLUDED.priority,
			base_interval_seconds = EXCLUDED.base_interval_seconds,
			active                = EXCLUDED.active,
			updated_at            = NOW()`

	_, err := s.pool.Exec(ctx, query,
		u.ID, u.URL, u.Domain, u.Priority, int64(u.BaseInterval/time.Second),
		u.LastCheck, u.Active, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert url %s: %w", u.ID, err)
	}
	return nil
}

// List returns monitored URLs matching the filter.
func (s *URLStore) List(ctx context.Context, filter domain.URLFilter) ([]domain.MonitoredURL, error) {
	query := `SELECT ` + urlCols + ` FROM monitored_urls WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.ActiveOnly {
		query += " AND active"
	}
	if filter.Domain != "" {
		query += fmt.Sprintf(" AND domain = $%d", argIdx)
		args = append(args, filter.Domain)
		argIdx++
	}
	query += " ORDER BY priority DESC, last_check ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list urls: %w", err)
	}
	defer rows.Close()

	var urls []domain.MonitoredURL
	for rows.Next() {
		u, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list urls rows: %w", err)
	}
	return urls, nil
}

// GetByID retrieves a monitored URL by its primary key.
func (s *URLStore) GetByID(ctx context.Context, id string) (domain.MonitoredURL, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+urlCols+` FROM monitored_urls WHERE id = $1`, id)
	u, err := scanURL(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MonitoredURL{}, domain.ErrNotFound
		}
		return domain.MonitoredURL{}, fmt.Errorf("postgres: get url %s: %w", id, err)
	}
	return u, nil
}

// UpdateLastCheck advances last_check only when the stored value still equals
// prev, so concurrent schedulers claim each URL at most once per cycle.
func (s *URLStore) UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitored_urls SET last_check = $1, updated_at = NOW()
		 WHERE id = $2 AND last_check = $3`,
		next, urlID, prev,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: update last_check %s: %w", urlID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetActive toggles monitoring for a URL.
func (s *URLStore) SetActive(ctx context.Context, urlID string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitored_urls SET active = $1, updated_at = NOW() WHERE id = $2`,
		active, urlID,
	)
	if err != nil {
		return fmt.Errorf("postgres: set active %s: %w", urlID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
