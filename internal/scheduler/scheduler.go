// Package scheduler decides when each monitored URL is due for a check and
// feeds due URLs to the dispatch queue. Due times are jittered per URL so
// same-interval URLs spread across the window, and per-domain check rates
// stretch adaptively when a domain's recent success rate degrades.
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/domain"
	"pricewatch/internal/queue"
)

// ledgerWindow bounds the outcome history used for the adaptive rate.
const ledgerWindow = 24 * time.Hour

// maxStretch caps the adaptive interval stretch for degraded domains.
const maxStretch = 3.0

// costWindow bounds the per-domain duration samples used for complexity
// classification.
const costWindow = 20

// Config holds the dispatch cadence parameters.
type Config struct {
	TickInterval   time.Duration
	JitterFraction float64
	SuccessFloor   float64
}

// CooldownChecker reports whether a domain is excluded from dispatch.
type CooldownChecker interface {
	InCooldown(domain string, now time.Time) bool
}

type outcomeEvent struct {
	at time.Time
	ok bool
}

type domainLedger struct {
	events    []outcomeEvent
	durations []time.Duration
}

// Scheduler periodically scans the URL registry and enqueues due work. Safe
// for one Run loop plus concurrent OnResult calls.
type Scheduler struct {
	urls      domain.URLStore
	q         *queue.Queue
	cooldowns CooldownChecker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	ledgers syncMap
}

// syncMap is a tiny typed wrapper; the scheduler mutates ledgers from the
// Run loop and OnResult concurrently.
type syncMap struct {
	mu sync.Mutex
	m  map[string]*domainLedger
}

// New creates a Scheduler.
func New(urls domain.URLStore, q *queue.Queue, cooldowns CooldownChecker, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		urls:      urls,
		q:         q,
		cooldowns: cooldowns,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
		ledgers:   syncMap{m: make(map[string]*domainLedger)},
	}
}

// Run ticks until the context ends. The first scan happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick scans active URLs once and enqueues everything due. last_check is
// advanced with a compare-and-swap before enqueueing so concurrent instances
// never double-dispatch; a rejected enqueue rolls the swap back.
func (s *Scheduler) Tick(ctx context.Context) error {
	urls, err := s.urls.List(ctx, domain.URLFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	now := s.now()

	// Collect everything due, then dispatch most-overdue first. Priority and
	// id break ties so the order stays deterministic when the queue cannot
	// take the whole batch.
	type candidate struct {
		u   domain.MonitoredURL
		due time.Time
	}
	var ready []candidate
	for _, u := range urls {
		if s.cooldowns != nil && s.cooldowns.InCooldown(u.Domain, now) {
			continue
		}
		due := s.DueAt(u)
		// Dispatch anything due within half a tick so due times between
		// ticks are not systematically missed.
		if due.After(now.Add(s.cfg.TickInterval / 2)) {
			continue
		}
		ready = append(ready, candidate{u: u, due: due})
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		if a.u.Priority != b.u.Priority {
			return a.u.Priority < b.u.Priority
		}
		return a.u.ID < b.u.ID
	})

	dispatched := 0
	for _, c := range ready {
		u := c.u

		swapped, err := s.urls.UpdateLastCheck(ctx, u.ID, u.LastCheck, now)
		if err != nil {
			s.logger.Error("advance last_check failed",
				slog.String("url_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !swapped {
			continue // a concurrent scheduler won this URL
		}

		task := queue.Task{URL: u, Class: s.classify(u.Domain)}
		if err := s.q.Enqueue(task); err != nil {
			// Roll the claim back so the URL is retried next tick.
			if _, rbErr := s.urls.UpdateLastCheck(ctx, u.ID, now, u.LastCheck); rbErr != nil {
				s.logger.Error("rollback last_check failed",
					slog.String("url_id", u.ID),
					slog.String("error", rbErr.Error()),
				)
			}
			s.logger.Warn("enqueue rejected",
				slog.String("url_id", u.ID),
				slog.String("reason", err.Error()),
			)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		s.logger.Info("tick dispatched",
			slog.Int("urls", dispatched),
			slog.Int("scanned", len(urls)),
		)
	}
	return nil
}

// DueAt computes the next check time for a URL: the base interval scaled by
// the URL's priority factor and the domain's adaptive stretch, with a stable
// per-URL jitter so equal-interval URLs do not fire in lockstep.
func (s *Scheduler) DueAt(u domain.MonitoredURL) time.Time {
	interval := time.Duration(float64(u.BaseInterval) *
		domain.IntervalFactor(u.Priority) *
		s.stretch(u.Domain) *
		(1 + s.jitter(u.ID)))
	return u.LastCheck.Add(interval)
}

// jitter derives a stable value in [-JitterFraction, +JitterFraction) from
// the URL id. Hashing keeps the offset constant across ticks and restarts, so
// the fleet's due times stay spread instead of re-randomizing every scan.
func (s *Scheduler) jitter(urlID string) float64 {
	if s.cfg.JitterFraction <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(urlID))
	unit := float64(h.Sum64()%1_000_000) / 1_000_000
	return (2*unit - 1) * s.cfg.JitterFraction
}

// stretch returns the adaptive interval multiplier for a domain: 1.0 while
// the recent success rate holds the floor, growing linearly with the deficit
// up to maxStretch.
func (s *Scheduler) stretch(dom string) float64 {
	rate, samples := s.successRate(dom)
	if samples == 0 || rate >= s.cfg.SuccessFloor {
		return 1.0
	}
	f := 1 + (s.cfg.SuccessFloor - rate)
	if f > maxStretch {
		f = maxStretch
	}
	return f
}

// successRate computes the domain's success fraction over the ledger window.
func (s *Scheduler) successRate(dom string) (float64, int) {
	s.ledgers.mu.Lock()
	defer s.ledgers.mu.Unlock()
	l, ok := s.ledgers.m[dom]
	if !ok {
		return 0, 0
	}
	s.pruneLocked(l)
	if len(l.events) == 0 {
		return 0, 0
	}
	okCount := 0
	for _, e := range l.events {
		if e.ok {
			okCount++
		}
	}
	return float64(okCount) / float64(len(l.events)), len(l.events)
}

func (s *Scheduler) pruneLocked(l *domainLedger) {
	cutoff := s.now().Add(-ledgerWindow)
	i := 0
	for i < len(l.events) && l.events[i].at.Before(cutoff) {
		i++
	}
	l.events = l.events[i:]
}

// classify maps the domain's rolling median attempt duration to a queue
// complexity class.
func (s *Scheduler) classify(dom string) queue.Class {
	s.ledgers.mu.Lock()
	defer s.ledgers.mu.Unlock()
	l, ok := s.ledgers.m[dom]
	if !ok || len(l.durations) == 0 {
		return queue.ClassNormal
	}
	sorted := make([]time.Duration, len(l.durations))
	copy(sorted, l.durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return queue.ClassifyDuration(sorted[len(sorted)/2])
}

// OnResult feeds one attempt outcome back into the adaptive rate and the
// complexity classifier. Cancelled attempts carry no signal.
func (s *Scheduler) OnResult(res domain.AttemptResult) {
	if res.Cancelled {
		return
	}
	s.ledgers.mu.Lock()
	defer s.ledgers.mu.Unlock()
	l, ok := s.ledgers.m[res.Domain]
	if !ok {
		l = &domainLedger{}
		s.ledgers.m[res.Domain] = l
	}
	l.events = append(l.events, outcomeEvent{
		at: res.FinishedAt,
		ok: res.Outcome == domain.OutcomeOK || res.Outcome == domain.OutcomePartial,
	})
	if d := res.FinishedAt.Sub(res.StartedAt); d > 0 {
		l.durations = append(l.durations, d)
		if len(l.durations) > costWindow {
			l.durations = l.durations[len(l.durations)-costWindow:]
		}
	}
}
