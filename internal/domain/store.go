package domain

import (
	"context"
	"time"
)

// URLFilter narrows URL listing queries.
type URLFilter struct {
	Domain     string
	ActiveOnly bool
	Limit      int
}

// URLStore persists the monitored URL registry.
type URLStore interface {
	List(ctx context.Context, filter URLFilter) ([]MonitoredURL, error)
	GetByID(ctx context.Context, id string) (MonitoredURL, error)
	// UpdateLastCheck performs a compare-and-swap on last_check keyed by the
	// previously observed value. It returns false without error when the
	// stored value no longer matches prev (a concurrent writer won).
	UpdateLastCheck(ctx context.Context, urlID string, prev, next time.Time) (bool, error)
}

// StrategyStore persists strategy portfolios keyed by domain. Reads dominate;
// writes arrive batched from the learning layer.
type StrategyStore interface {
	ListByDomain(ctx context.Context, domain string) ([]Strategy, error)
	UpsertBatch(ctx context.Context, domain string, strategies []Strategy) error
	// Archive moves a retired strategy out of the live portfolio. Archived
	// rows are never deleted.
	Archive(ctx context.Context, s Strategy, reason string) error
}

// RecordStore persists validated price records.
type RecordStore interface {
	Insert(ctx context.Context, rec PriceRecord) error
}

// AttemptLogStore persists per-attempt summaries for diagnostics.
type AttemptLogStore interface {
	Insert(ctx context.Context, res AttemptResult) error
}

// DomainStateStore persists anti-detection state so cooldowns survive
// restarts.
type DomainStateStore interface {
	Get(ctx context.Context, domain string) (DomainState, error)
	Put(ctx context.Context, st DomainState) error
	All(ctx context.Context) ([]DomainState, error)
}

// PriceCache keeps the latest observed price per URL for change detection.
type PriceCache interface {
	SetLatest(ctx context.Context, urlID string, price float64, ts time.Time) error
	GetLatest(ctx context.Context, urlID string) (float64, time.Time, error)
}

// DedupIndex records attempt identities so that replayed AttemptResults are
// applied to strategy metrics exactly once.
type DedupIndex interface {
	// MarkSeen returns true when the key was already present.
	MarkSeen(ctx context.Context, key string) (bool, error)
}

// SnapshotArchive stores DOM snapshots of failed attempts for offline
// strategy mining.
type SnapshotArchive interface {
	Put(ctx context.Context, domain, urlID string, startedAt time.Time, snap DOMSnapshot) error
}
