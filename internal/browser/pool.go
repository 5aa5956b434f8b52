package browser

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"pricewatch/internal/domain"
)

// Pool bounds concurrent sessions with a weighted semaphore. Sessions are
// created per acquisition; what is pooled is the budget, not the session,
// since each attempt needs a fresh fingerprint and proxy binding.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewPool creates a Pool admitting at most maxSessions concurrent sessions.
func NewPool(maxSessions int, logger *slog.Logger) *Pool {
	return &Pool{
		sem:    semaphore.NewWeighted(int64(maxSessions)),
		logger: logger.With(slog.String("component", "browser")),
	}
}

// Acquire blocks until a session slot frees or the context ends.
func (p *Pool) Acquire(ctx context.Context, cfg domain.SessionConfig) (domain.PageSession, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	session, err := newHTTPSession(cfg)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.logger.Debug("session acquired",
		slog.String("fingerprint", cfg.Fingerprint.Name),
		slog.Bool("proxied", cfg.Proxy.URL != ""),
	)
	return session, nil
}

// Release returns the slot. The caller remains responsible for Close.
func (p *Pool) Release(domain.PageSession) {
	p.sem.Release(1)
}
