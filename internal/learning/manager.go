// Package learning maintains the per-domain strategy portfolios: it turns
// per-attempt feedback into confidence updates, reprioritizes by expected
// utility, spawns strategy variants, and retires the weak.
package learning

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/domain"
)

// stripeCount sizes the per-domain lock stripe. Mutations for one domain are
// serialized; domains hashing to different stripes proceed in parallel.
const stripeCount = 256

// Config holds the portfolio evolution parameters.
type Config struct {
	ReprioritizeEvery   int
	VariantEvery        int
	VariantFanout       int
	RetireConfidence    float64
	RetireMinAttempts   int
	ProbationAttempts   int
	ProbationConfidence float64
}

// portfolio is the in-memory working copy of one domain's strategy set.
type portfolio struct {
	strategies           []domain.Strategy
	attemptsSinceReprio  int
	attemptsSinceVariant int
	dirty                bool
}

// Manager is the single consumer of AttemptResults. It owns all strategy
// mutations; writes back to the store are batched per domain at every
// reprioritization to avoid write amplification.
type Manager struct {
	store  domain.StrategyStore
	dedup  domain.DedupIndex
	seeds  []domain.Strategy
	cfg    Config
	logger *slog.Logger

	stripes [stripeCount]sync.Mutex

	mu         sync.RWMutex
	portfolios map[string]*portfolio
}

// NewManager creates a Manager. The seeds slice supplies the starter
// portfolio for unseen domains: the shared generic strategies plus any static
// per-domain seeds from configuration.
func NewManager(store domain.StrategyStore, dedup domain.DedupIndex, seeds []domain.Strategy, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		dedup:      dedup,
		seeds:      seeds,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "learning")),
		portfolios: make(map[string]*portfolio),
	}
}

func (m *Manager) stripe(dom string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(dom))
	return &m.stripes[h.Sum32()%stripeCount]
}

// Portfolio returns the ranked live strategies for a domain, loading from the
// store on first use and seeding the starter set for unseen domains. The
// returned slice is a copy safe for the caller to hold across the attempt.
func (m *Manager) Portfolio(ctx context.Context, dom string) ([]domain.Strategy, error) {
	lock := m.stripe(dom)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.loadLocked(ctx, dom)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Strategy, len(p.strategies))
	copy(out, p.strategies)
	return out, nil
}

// loadLocked fetches or builds the domain portfolio. Caller holds the stripe.
func (m *Manager) loadLocked(ctx context.Context, dom string) (*portfolio, error) {
	m.mu.RLock()
	p, ok := m.portfolios[dom]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	stored, err := m.store.ListByDomain(ctx, dom)
	if err != nil {
		return nil, fmt.Errorf("learning: load portfolio %s: %w", dom, err)
	}
	if len(stored) == 0 {
		stored = m.starterSet(dom)
		if err := m.store.UpsertBatch(ctx, dom, domainScoped(stored, dom)); err != nil {
			m.logger.Warn("persist starter portfolio failed",
				slog.String("domain", dom),
				slog.String("error", err.Error()),
			)
		}
		m.logger.Info("seeded starter portfolio",
			slog.String("domain", dom),
			slog.Int("strategies", len(stored)),
		)
	}

	p = &portfolio{strategies: stored}
	m.mu.Lock()
	m.portfolios[dom] = p
	m.mu.Unlock()
	return p, nil
}

// starterSet assembles the portfolio for an unseen domain: every generic seed
// plus the static seeds registered for exactly this domain.
func (m *Manager) starterSet(dom string) []domain.Strategy {
	var out []domain.Strategy
	for _, s := range m.seeds {
		if s.Domain == domain.GenericDomain || s.Domain == dom {
			out = append(out, s)
		}
	}
	return out
}

// domainScoped filters out the shared generic strategies, which are never
// persisted under a concrete domain.
func domainScoped(strategies []domain.Strategy, dom string) []domain.Strategy {
	var out []domain.Strategy
	for _, s := range strategies {
		if s.Domain == dom {
			out = append(out, s)
		}
	}
	return out
}

// OnResult applies one attempt's feedback to the domain portfolio. Events are
// deduplicated by (url_id, started_at); replays are no-ops. Attempts
// cancelled by shutdown never reach strategy metrics.
func (m *Manager) OnResult(ctx context.Context, res domain.AttemptResult) error {
	if res.Cancelled || len(res.Trials) == 0 {
		return nil
	}
	seen, err := m.dedup.MarkSeen(ctx, res.DedupKey())
	if err != nil {
		return fmt.Errorf("learning: dedup %s: %w", res.DedupKey(), err)
	}
	if seen {
		return nil
	}

	lock := m.stripe(res.Domain)
	lock.Lock()
	defer lock.Unlock()

	p, err := m.loadLocked(ctx, res.Domain)
	if err != nil {
		return err
	}

	now := res.FinishedAt
	for _, trial := range res.Trials {
		m.applyTrialLocked(p, res.Domain, trial, now)
	}
	p.attemptsSinceReprio++
	p.attemptsSinceVariant++
	p.dirty = true

	m.retireLocked(ctx, p, res.Domain)
	m.maybeSpawnVariantsLocked(p, res.Domain, now)

	if p.attemptsSinceReprio >= m.cfg.ReprioritizeEvery {
		m.reprioritizeLocked(p)
		p.attemptsSinceReprio = 0
		if err := m.flushLocked(ctx, res.Domain, p); err != nil {
			m.logger.Error("portfolio write-back failed",
				slog.String("domain", res.Domain),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// applyTrialLocked runs the exponential-moving-average confidence update for
// one (strategy, attempt) observation. Generic strategies are read-only: a
// successful generic spawns a domain-scoped copy which absorbs the update.
func (m *Manager) applyTrialLocked(p *portfolio, dom string, trial domain.StrategyTrial, now time.Time) {
	idx := findStrategy(p.strategies, trial.StrategyID)
	if idx < 0 {
		return
	}
	s := &p.strategies[idx]

	if s.Generic() {
		if !trial.Success {
			return
		}
		copy := m.copyGeneric(*s, dom, now)
		applyUpdate(&copy, trial.Success, now)
		// The copy supersedes the generic in this domain's live view.
		p.strategies[idx] = copy
		m.logger.Info("generic strategy promoted to domain copy",
			slog.String("domain", dom),
			slog.String("parent_id", copy.ParentID),
			slog.String("strategy_id", copy.ID),
		)
		return
	}

	applyUpdate(s, trial.Success, now)
}

// applyUpdate is the confidence EMA of the learning rule: step 0.1 smooths
// noise with a half-life of roughly seven attempts, bounded in [0,1] by
// construction.
func applyUpdate(s *domain.Strategy, success bool, now time.Time) {
	if success {
		s.Confidence = 0.9*s.Confidence + 0.1
		s.Successes++
		t := now
		s.LastSuccess = &t
	} else {
		s.Confidence = 0.9 * s.Confidence
	}
	s.Attempts++
	s.UpdatedAt = now
}

// retireLocked archives strategies that fell below the retirement threshold
// and probation children that never took hold. Archived strategies leave the
// live portfolio but are kept forever in the archive store.
func (m *Manager) retireLocked(ctx context.Context, p *portfolio, dom string) {
	kept := p.strategies[:0]
	for _, s := range p.strategies {
		retire := ""
		switch {
		case s.Generic():
			// Generic seeds are never retired.
		case s.Confidence < m.cfg.RetireConfidence && s.Attempts > m.cfg.RetireMinAttempts:
			retire = "confidence below retirement threshold"
		case s.ParentID != "" && s.Attempts >= m.cfg.ProbationAttempts && s.Confidence < m.cfg.ProbationConfidence:
			retire = "probation failed"
		}
		if retire == "" {
			kept = append(kept, s)
			continue
		}
		if err := m.store.Archive(ctx, s, retire); err != nil {
			m.logger.Error("archive strategy failed",
				slog.String("domain", dom),
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()),
			)
			kept = append(kept, s) // keep until the archive write succeeds
			continue
		}
		m.logger.Info("strategy retired",
			slog.String("domain", dom),
			slog.String("strategy_id", s.ID),
			slog.String("reason", retire),
		)
	}
	p.strategies = kept
}

// reprioritizeLocked reassigns priorities by expected utility so that after
// the pass the domain's priorities are exactly 0..n-1.
func (m *Manager) reprioritizeLocked(p *portfolio) {
	sort.SliceStable(p.strategies, func(i, j int) bool {
		si, sj := &p.strategies[i], &p.strategies[j]
		if si.Score() != sj.Score() {
			return si.Score() > sj.Score()
		}
		li, lj := lastSuccessOrZero(si), lastSuccessOrZero(sj)
		if !li.Equal(lj) {
			return li.After(lj)
		}
		return si.ID < sj.ID
	})
	for i := range p.strategies {
		p.strategies[i].Priority = i
	}
}

func lastSuccessOrZero(s *domain.Strategy) time.Time {
	if s.LastSuccess == nil {
		return time.Time{}
	}
	return *s.LastSuccess
}

// flushLocked writes the domain's live strategies back to the store in one
// batch. Generic seeds are excluded; they are shared and read-only.
func (m *Manager) flushLocked(ctx context.Context, dom string, p *portfolio) error {
	if !p.dirty {
		return nil
	}
	batch := make([]domain.Strategy, 0, len(p.strategies))
	for _, s := range p.strategies {
		if !s.Generic() {
			batch = append(batch, s)
		}
	}
	if len(batch) == 0 {
		p.dirty = false
		return nil
	}
	if err := m.store.UpsertBatch(ctx, dom, batch); err != nil {
		return fmt.Errorf("learning: flush %s: %w", dom, err)
	}
	p.dirty = false
	return nil
}

// Flush force-writes every dirty portfolio; called on shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.RLock()
	domains := make([]string, 0, len(m.portfolios))
	for dom := range m.portfolios {
		domains = append(domains, dom)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, dom := range domains {
		lock := m.stripe(dom)
		lock.Lock()
		m.mu.RLock()
		p := m.portfolios[dom]
		m.mu.RUnlock()
		if p != nil {
			if err := m.flushLocked(ctx, dom, p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		lock.Unlock()
	}
	return firstErr
}

func findStrategy(strategies []domain.Strategy, id string) int {
	for i := range strategies {
		if strategies[i].ID == id {
			return i
		}
	}
	return -1
}

func hasChild(strategies []domain.Strategy, parentID string) bool {
	for i := range strategies {
		if strategies[i].ParentID == parentID {
			return true
		}
	}
	return false
}
