// Package engine executes one extraction attempt end to end: session
// acquisition with fingerprint and proxy, navigation under an adaptive
// budget, block detection, human-like interaction, snapshotting, and
// strategy evaluation. Every invocation emits exactly one AttemptResult.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/domain"
	"pricewatch/internal/evaluator"
)

// navWindow bounds the per-domain navigation duration samples.
const navWindow = 20

// PortfolioSource yields the ranked strategies for a domain.
type PortfolioSource interface {
	Portfolio(ctx context.Context, dom string) ([]domain.Strategy, error)
}

// FingerprintSource picks a coherent fingerprint profile for a session and
// reassigns a domain's profile when the site signals a block.
type FingerprintSource interface {
	Pick(dom string) domain.FingerprintProfile
	Rotate(dom string)
}

// Config holds per-attempt budgets.
type Config struct {
	// NavigationTimeout is the baseline navigation budget; the effective
	// budget grows with the domain's observed median up to NavigationMax.
	NavigationTimeout time.Duration
	NavigationMax     time.Duration
	// ReadyFloor is the minimum settle time after navigation even when the
	// readiness predicate matches immediately.
	ReadyFloor      time.Duration
	AttemptDeadline time.Duration
}

// Engine is safe for concurrent use by the worker pool.
type Engine struct {
	pool         domain.BrowserPool
	proxies      domain.ProxyPool // nil disables proxying
	fingerprints FingerprintSource
	portfolios   PortfolioSource
	eval         *evaluator.Evaluator
	archive      domain.SnapshotArchive // nil disables snapshot archiving
	cfg          Config
	logger       *slog.Logger

	mu       sync.Mutex
	navTimes map[string][]time.Duration
}

// New creates an Engine.
func New(
	pool domain.BrowserPool,
	proxies domain.ProxyPool,
	fingerprints FingerprintSource,
	portfolios PortfolioSource,
	eval *evaluator.Evaluator,
	archive domain.SnapshotArchive,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		pool:         pool,
		proxies:      proxies,
		fingerprints: fingerprints,
		portfolios:   portfolios,
		eval:         eval,
		archive:      archive,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "engine")),
		navTimes:     make(map[string][]time.Duration),
	}
}

// Process runs one attempt for the URL. It never returns an error; every
// failure mode is encoded in the result's outcome and signals. The parent
// context ending marks the result cancelled so it carries no learning signal.
func (e *Engine) Process(ctx context.Context, u domain.MonitoredURL) domain.AttemptResult {
	res := domain.AttemptResult{
		URLID:     u.ID,
		URL:       u.URL,
		Domain:    u.Domain,
		StartedAt: time.Now().UTC(),
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptDeadline)
	defer cancel()

	finish := func(outcome domain.Outcome, signals ...string) domain.AttemptResult {
		res.Outcome = outcome
		res.Signals = append(res.Signals, signals...)
		res.FinishedAt = time.Now().UTC()
		if ctx.Err() != nil {
			res.Cancelled = true
		}
		return res
	}

	portfolio, err := e.portfolios.Portfolio(attemptCtx, u.Domain)
	if err != nil {
		e.logger.Error("portfolio unavailable",
			slog.String("domain", u.Domain),
			slog.String("error", err.Error()),
		)
		return finish(domain.OutcomeNetworkError, "portfolio_unavailable")
	}

	var proxy domain.ProxyEndpoint
	if e.proxies != nil {
		proxy, err = e.proxies.Select(u.Domain)
		if err != nil {
			if !errors.Is(err, domain.ErrNoProxy) {
				return finish(domain.OutcomeNetworkError, "proxy_select_failed")
			}
			res.Signals = append(res.Signals, "no_proxy")
			proxy = domain.ProxyEndpoint{}
		}
	}
	report := func(outcome domain.Outcome) {
		if e.proxies != nil && proxy.URL != "" {
			e.proxies.Report(proxy, outcome)
		}
	}

	session, err := e.pool.Acquire(attemptCtx, domain.SessionConfig{
		Fingerprint: e.fingerprints.Pick(u.Domain),
		Proxy:       proxy,
	})
	if err != nil {
		return finish(domain.OutcomeNetworkError, "session_acquire_failed")
	}
	defer func() {
		e.pool.Release(session)
		if err := session.Close(); err != nil {
			e.logger.Debug("session close failed", slog.String("error", err.Error()))
		}
	}()

	navStart := time.Now()
	if err := session.Navigate(attemptCtx, u.URL, e.navBudget(u.Domain)); err != nil {
		report(domain.OutcomeNetworkError)
		if domain.Classify(err) == domain.KindBrowser {
			return finish(domain.OutcomeNetworkError, "session_crashed")
		}
		if errors.Is(err, domain.ErrNavTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return finish(domain.OutcomeNetworkError, "timeout")
		}
		return finish(domain.OutcomeNetworkError, "navigation_failed")
	}
	e.observeNav(u.Domain, time.Since(navStart))

	// Block checks short-circuit before any extraction work; a recognized
	// challenge page yields no strategy signal. The domain's fingerprint is
	// rotated so the next attempt does not present the burned profile again.
	if out, sig := e.checkBlock(attemptCtx, session); out != "" {
		e.fingerprints.Rotate(u.Domain)
		report(out)
		return finish(out, sig...)
	}

	if err := session.WaitReady(attemptCtx, e.readiness(portfolio), e.cfg.ReadyFloor); err != nil {
		// A missed readiness predicate is not fatal; the snapshot may still
		// carry the price.
		res.Signals = append(res.Signals, "ready_timeout")
	}

	if err := session.Interact(attemptCtx, defaultInteraction()); err != nil {
		e.logger.Debug("interaction script failed",
			slog.String("url_id", u.ID),
			slog.String("error", err.Error()),
		)
	}

	// Challenges can also appear after interaction on lazy-loading sites.
	if out, sig := e.checkBlock(attemptCtx, session); out != "" {
		e.fingerprints.Rotate(u.Domain)
		report(out)
		return finish(out, sig...)
	}

	snap, err := session.Snapshot(attemptCtx)
	if err != nil {
		report(domain.OutcomeNetworkError)
		return finish(domain.OutcomeNetworkError, "snapshot_failed")
	}

	evalRes, err := e.eval.Evaluate(snap, u.ID, portfolio, time.Now().UTC())
	if err != nil {
		return finish(domain.OutcomeExtractionFailed, "parse_failed")
	}
	res.Trials = evalRes.Trials

	if evalRes.Record == nil {
		report(domain.OutcomeExtractionFailed)
		e.archiveSnapshot(u, res.StartedAt, snap)
		return finish(domain.OutcomeExtractionFailed)
	}
	if err := evalRes.Record.Validate(); err != nil {
		// The page was readable but the numbers contradict each other. The
		// record is not persisted; the snapshot is kept for offline mining.
		report(domain.OutcomePartial)
		e.archiveSnapshot(u, res.StartedAt, snap)
		return finish(domain.OutcomePartial, "validation_failed")
	}

	res.Record = evalRes.Record
	report(domain.OutcomeOK)
	if evalRes.Partial {
		return finish(domain.OutcomePartial)
	}
	return finish(domain.OutcomeOK)
}

// checkBlock queries the session for block evidence. An empty outcome means
// no block was detected.
func (e *Engine) checkBlock(ctx context.Context, session domain.PageSession) (domain.Outcome, []string) {
	sig, err := session.DetectBlock(ctx)
	if err != nil || sig == nil {
		return "", nil
	}
	signals := []string{sig.Kind}
	if sig.Detail != "" {
		signals = append(signals, sig.Detail)
	}
	if sig.Kind == "captcha" {
		return domain.OutcomeCaptcha, signals
	}
	return domain.OutcomeBlocked, signals
}

// readiness derives the readiness predicate from the portfolio: the CSS
// selector of the best-ranked price strategy, when one exists.
func (e *Engine) readiness(portfolio []domain.Strategy) domain.ReadyPredicate {
	best := domain.ReadyPredicate{}
	bestPriority := -1
	for i := range portfolio {
		s := &portfolio[i]
		if s.Field != domain.FieldPrice || s.Selector.Kind != domain.KindCSS || s.Selector.CSS == nil {
			continue
		}
		if bestPriority < 0 || s.Priority < bestPriority {
			best = domain.ReadyPredicate{Selector: s.Selector.CSS.Selector}
			bestPriority = s.Priority
		}
	}
	return best
}

// defaultInteraction is the standard human-simulation pass: scroll toward the
// buy box in steps with short pauses, then dwell.
func defaultInteraction() domain.InteractionScript {
	return domain.InteractionScript{
		Scrolls: []domain.ScrollStep{
			{Pixels: 400, Pause: 300 * time.Millisecond},
			{Pixels: 600, Pause: 450 * time.Millisecond},
			{Pixels: 800, Pause: 350 * time.Millisecond},
		},
		Dwell: 500 * time.Millisecond,
	}
}

// navBudget computes the navigation timeout for a domain: 1.5x the rolling
// median of recent navigations, clamped between the configured baseline and
// maximum. Unseen domains get the baseline.
func (e *Engine) navBudget(dom string) time.Duration {
	e.mu.Lock()
	samples := e.navTimes[dom]
	var sorted []time.Duration
	if len(samples) > 0 {
		sorted = make([]time.Duration, len(samples))
		copy(sorted, samples)
	}
	e.mu.Unlock()

	if len(sorted) == 0 {
		return e.cfg.NavigationTimeout
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	budget := time.Duration(float64(sorted[len(sorted)/2]) * 1.5)
	if budget < e.cfg.NavigationTimeout {
		budget = e.cfg.NavigationTimeout
	}
	if budget > e.cfg.NavigationMax {
		budget = e.cfg.NavigationMax
	}
	return budget
}

func (e *Engine) observeNav(dom string, d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	samples := append(e.navTimes[dom], d)
	if len(samples) > navWindow {
		samples = samples[len(samples)-navWindow:]
	}
	e.navTimes[dom] = samples
	e.mu.Unlock()
}

// archiveSnapshot stores the failed page for offline strategy mining.
func (e *Engine) archiveSnapshot(u domain.MonitoredURL, startedAt time.Time, snap domain.DOMSnapshot) {
	if e.archive == nil {
		return
	}
	// Archiving must not extend the attempt; it gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.archive.Put(ctx, u.Domain, u.ID, startedAt, snap); err != nil {
		e.logger.Warn("snapshot archive failed",
			slog.String("url_id", u.ID),
			slog.String("error", err.Error()),
		)
	}
}
