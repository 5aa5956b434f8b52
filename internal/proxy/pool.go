// Package proxy implements a health-tracking proxy pool. Selection is a
// lock-free read of an atomic roster snapshot; health bookkeeping happens off
// the hot path in Report.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"pricewatch/internal/domain"
)

type roster struct {
	endpoints []domain.ProxyEndpoint
}

// Pool rotates extraction traffic across upstream proxies and quarantines
// endpoints that keep failing. An empty roster is valid: Select then reports
// ErrNoProxy and callers go direct.
type Pool struct {
	all          []domain.ProxyEndpoint
	failureLimit int
	refreshEvery time.Duration
	logger       *slog.Logger

	healthy atomic.Pointer[roster]
	cursor  atomic.Uint64

	mu          sync.Mutex
	failures    map[string]int
	quarantined map[string]bool
}

// New parses the endpoint roster and starts with every endpoint healthy.
func New(endpoints []string, failureLimit int, refreshEvery time.Duration, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		failureLimit: failureLimit,
		refreshEvery: refreshEvery,
		logger:       logger.With(slog.String("component", "proxy")),
		failures:     make(map[string]int),
		quarantined:  make(map[string]bool),
	}
	for _, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy: invalid endpoint %q", raw)
		}
		p.all = append(p.all, domain.ProxyEndpoint{URL: raw})
	}
	p.healthy.Store(&roster{endpoints: p.all})
	return p, nil
}

// Select returns the next healthy endpoint round-robin. It never blocks.
func (p *Pool) Select(_ string) (domain.ProxyEndpoint, error) {
	r := p.healthy.Load()
	if r == nil || len(r.endpoints) == 0 {
		return domain.ProxyEndpoint{}, domain.ErrNoProxy
	}
	idx := p.cursor.Add(1) % uint64(len(r.endpoints))
	return r.endpoints[idx], nil
}

// Report feeds an attempt outcome back into endpoint health. Blocks and
// network errors count against the endpoint; anything that reached and read
// the page clears its failure streak.
func (p *Pool) Report(endpoint domain.ProxyEndpoint, outcome domain.Outcome) {
	if endpoint.URL == "" {
		return
	}
	switch outcome {
	case domain.OutcomeNetworkError, domain.OutcomeBlocked, domain.OutcomeCaptcha:
		p.mu.Lock()
		p.failures[endpoint.URL]++
		if p.failures[endpoint.URL] >= p.failureLimit && !p.quarantined[endpoint.URL] {
			p.quarantined[endpoint.URL] = true
			p.rebuildLocked()
			p.logger.Warn("proxy quarantined",
				slog.String("endpoint", endpoint.URL),
				slog.Int("failures", p.failures[endpoint.URL]),
			)
		}
		p.mu.Unlock()
	default:
		p.mu.Lock()
		if p.failures[endpoint.URL] > 0 {
			p.failures[endpoint.URL] = 0
		}
		p.mu.Unlock()
	}
}

// rebuildLocked publishes a new healthy snapshot. Caller holds p.mu.
func (p *Pool) rebuildLocked() {
	var healthy []domain.ProxyEndpoint
	for _, ep := range p.all {
		if !p.quarantined[ep.URL] {
			healthy = append(healthy, ep)
		}
	}
	p.healthy.Store(&roster{endpoints: healthy})
}

// Run periodically paroles quarantined endpoints so transient upstream
// trouble does not shrink the pool forever. Blocks until the context ends.
func (p *Pool) Run(ctx context.Context) error {
	if p.refreshEvery <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(p.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.parole()
		}
	}
}

// parole restores all quarantined endpoints with a cleared streak; the next
// failures will quarantine them again quickly if they are still bad.
func (p *Pool) parole() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.quarantined) == 0 {
		return
	}
	n := len(p.quarantined)
	for k := range p.quarantined {
		delete(p.quarantined, k)
		p.failures[k] = 0
	}
	p.rebuildLocked()
	p.logger.Info("proxies paroled", slog.Int("endpoints", n))
}

// Size reports the healthy endpoint count.
func (p *Pool) Size() int {
	r := p.healthy.Load()
	if r == nil {
		return 0
	}
	return len(r.endpoints)
}
