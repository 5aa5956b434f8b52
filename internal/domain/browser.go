package domain

import (
	"context"
	"time"
)

// DOMSnapshot is a serialized page state handed to the strategy evaluator:
// the full HTML plus the rendered text used for proximity heuristics.
type DOMSnapshot struct {
	URL     string
	HTML    string
	Text    string
	TakenAt time.Time
}

// BlockSignal is a positive indicator that the target site recognized
// automation.
type BlockSignal struct {
	// Kind is "captcha" or "blocked".
	Kind   string
	Detail string
}

// ReadyPredicate is a domain-specific page readiness check, typically the
// presence of a price-bearing selector learned from strategy data.
type ReadyPredicate struct {
	Selector string
}

// ScrollStep is one step of simulated scrolling with a human-like pause.
type ScrollStep struct {
	Pixels int
	Pause  time.Duration
}

// InteractionScript describes the human-simulation pass the engine runs
// before snapshotting. It is not cosmetic: known sites render price blocks
// lazily on scroll and hover.
type InteractionScript struct {
	Scrolls []ScrollStep
	Hovers  []string
	Dwell   time.Duration
}

// FingerprintProfile is a coherent bundle of browser identity knobs applied
// together for one session.
type FingerprintProfile struct {
	Name          string
	UserAgent     string
	Language      string
	Timezone      string
	ScreenWidth   int
	ScreenHeight  int
	WebGLVendor   string
	WebGLRenderer string
}

// SessionConfig configures one PageSession acquisition.
type SessionConfig struct {
	Fingerprint FingerprintProfile
	Proxy       ProxyEndpoint
}

// PageSession is the capability abstraction over one browser tab. Close is
// idempotent; implementations must be safe to Close on every exit path.
type PageSession interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitReady(ctx context.Context, pred ReadyPredicate, timeout time.Duration) error
	Interact(ctx context.Context, script InteractionScript) error
	DetectBlock(ctx context.Context) (*BlockSignal, error)
	Snapshot(ctx context.Context) (DOMSnapshot, error)
	Close() error
}

// BrowserPool hands out configured PageSessions under a bounded budget.
// Acquire blocks while the pool is exhausted; Release must be called on all
// exit paths.
type BrowserPool interface {
	Acquire(ctx context.Context, cfg SessionConfig) (PageSession, error)
	Release(session PageSession)
}
