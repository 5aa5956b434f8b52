package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/domain"
)

// RecordStore implements domain.RecordStore using PostgreSQL. Price records
// are append-only.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a new RecordStore backed by the given pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// Insert appends one validated price record.
func (s *RecordStore) Insert(ctx context.Context, rec domain.PriceRecord) error {
	installments, err := json.Marshal(rec.Installments)
	if err != nil {
		return fmt.Errorf("postgres: encode installments for %s: %w", rec.URLID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO price_records (
			id, url_id, checked_at, price, old_price, pix_price,
			installments, availability, availability_text, seller,
			promotion_labels, promotion_end, strategy_id, confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		uuid.NewString(), rec.URLID, rec.CheckedAt, rec.Price, rec.OldPrice, rec.PixPrice,
		installments, string(rec.Availability), rec.AvailabilityText, rec.Seller,
		rec.PromotionLabels, rec.PromotionEnd, rec.StrategyID, rec.Confidence,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert price record for %s: %w", rec.URLID, err)
	}
	return nil
}

// Latest returns the most recent record for a URL.
func (s *RecordStore) Latest(ctx context.Context, urlID string) (domain.PriceRecord, error) {
	var rec domain.PriceRecord
	var availability string
	var installments []byte
	err := s.pool.QueryRow(ctx,
		`SELECT url_id, checked_at, price, old_price, pix_price,
			installments, availability, availability_text, seller,
			promotion_labels, promotion_end, strategy_id, confidence
		 FROM price_records WHERE url_id = $1
		 ORDER BY checked_at DESC LIMIT 1`, urlID,
	).Scan(
		&rec.URLID, &rec.CheckedAt, &rec.Price, &rec.OldPrice, &rec.PixPrice,
		&installments, &availability, &rec.AvailabilityText, &rec.Seller,
		&rec.PromotionLabels, &rec.PromotionEnd, &rec.StrategyID, &rec.Confidence,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.PriceRecord{}, domain.ErrNotFound
		}
		return domain.PriceRecord{}, fmt.Errorf("postgres: latest record for %s: %w", urlID, err)
	}
	rec.Availability = domain.Availability(availability)
	if len(installments) > 0 {
		if err := json.Unmarshal(installments, &rec.Installments); err != nil {
			return domain.PriceRecord{}, fmt.Errorf("postgres: decode installments for %s: %w", urlID, err)
		}
	}
	return rec, nil
}

// History returns records for a URL newer than since, oldest first.
func (s *RecordStore) History(ctx context.Context, urlID string, since time.Time) ([]domain.PriceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url_id, checked_at, price, old_price, pix_price,
			installments, availability, availability_text, seller,
			promotion_labels, promotion_end, strategy_id, confidence
		 FROM price_records WHERE url_id = $1 AND checked_at >= $2
		 ORDER BY checked_at ASC`, urlID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: history for %s: %w", urlID, err)
	}
	defer rows.Close()

	var records []domain.PriceRecord
	for rows.Next() {
		var rec domain.PriceRecord
		var availability string
		var installments []byte
		if err := rows.Scan(
			&rec.URLID, &rec.CheckedAt, &rec.Price, &rec.OldPrice, &rec.PixPrice,
			&installments, &availability, &rec.AvailabilityText, &rec.Seller,
			&rec.PromotionLabels, &rec.PromotionEnd, &rec.StrategyID, &rec.Confidence,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		rec.Availability = domain.Availability(availability)
		if len(installments) > 0 {
			if err := json.Unmarshal(installments, &rec.Installments); err != nil {
				return nil, fmt.Errorf("postgres: decode installments: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history rows for %s: %w", urlID, err)
	}
	return records, nil
}
