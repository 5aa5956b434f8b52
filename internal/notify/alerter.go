package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pricewatch/internal/domain"
)

// Event types emitted by the Alerter. Operators filter on these via the
// notify.events config key.
const (
	EventPriceDrop    = "price_drop"
	EventDomainBroken = "domain_broken"
)

// Alerter turns persisted price records and domain health transitions into
// operator notifications. It compares each new record against the cached
// previous observation so alerts fire without a database round-trip.
type Alerter struct {
	cache        domain.PriceCache
	notifier     *Notifier
	thresholdPct float64
	logger       *slog.Logger
}

// NewAlerter creates an Alerter. thresholdPct is the minimum relative price
// decrease, in percent, that triggers a price_drop notification.
func NewAlerter(cache domain.PriceCache, notifier *Notifier, thresholdPct float64, logger *slog.Logger) *Alerter {
	return &Alerter{
		cache:        cache,
		notifier:     notifier,
		thresholdPct: thresholdPct,
		logger:       logger.With(slog.String("component", "alerter")),
	}
}

// OnRecord processes a freshly extracted record: it alerts when the price
// dropped past the threshold relative to the cached previous value, then
// updates the cache. Called after the record has been persisted.
func (a *Alerter) OnRecord(ctx context.Context, u domain.MonitoredURL, rec domain.PriceRecord) error {
	prev, _, err := a.cache.GetLatest(ctx, u.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// First observation for this URL; nothing to compare against.
	case err != nil:
		return fmt.Errorf("notify: load previous price for %s: %w", u.ID, err)
	case prev > 0 && rec.Price < prev:
		dropPct := (prev - rec.Price) / prev * 100
		if dropPct >= a.thresholdPct {
			title := fmt.Sprintf("Price drop on %s", u.Domain)
			msg := fmt.Sprintf("%s\nR$ %.2f -> R$ %.2f (-%.1f%%)", u.URL, prev, rec.Price, dropPct)
			if rec.PixPrice != nil {
				msg += fmt.Sprintf("\nPix: R$ %.2f", *rec.PixPrice)
			}
			if err := a.notifier.Notify(ctx, EventPriceDrop, title, msg); err != nil {
				a.logger.WarnContext(ctx, "price drop alert failed",
					slog.String("url_id", u.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := a.cache.SetLatest(ctx, u.ID, rec.Price, rec.CheckedAt); err != nil {
		return fmt.Errorf("notify: cache latest price for %s: %w", u.ID, err)
	}
	return nil
}

// OnDomainBroken reports that extraction has stopped working for a domain,
// typically because every live strategy was retired or the site now blocks
// the monitor.
func (a *Alerter) OnDomainBroken(ctx context.Context, dom, detail string) {
	title := fmt.Sprintf("Extraction broken on %s", dom)
	if err := a.notifier.Notify(ctx, EventDomainBroken, title, detail); err != nil {
		a.logger.WarnContext(ctx, "domain broken alert failed",
			slog.String("domain", dom),
			slog.String("error", err.Error()),
		)
	}
}
