package learning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pricewatch/internal/domain"
)

// CooldownTracker maintains per-domain cooldown state. Blocks extend the
// cooldown exponentially with the consecutive-block streak; a clean attempt
// resets the streak. State is persisted through the DomainStateStore so a
// restart does not release blocked domains early.
type CooldownTracker struct {
	store  domain.DomainStateStore
	policy domain.CooldownPolicy
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]domain.DomainState
}

// NewCooldownTracker creates a tracker and restores persisted state.
func NewCooldownTracker(ctx context.Context, store domain.DomainStateStore, policy domain.CooldownPolicy, logger *slog.Logger) (*CooldownTracker, error) {
	t := &CooldownTracker{
		store:  store,
		policy: policy,
		logger: logger.With(slog.String("component", "cooldown")),
		states: make(map[string]domain.DomainState),
	}
	persisted, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range persisted {
		t.states[st.Domain] = st
	}
	if len(persisted) > 0 {
		t.logger.Info("restored domain state", slog.Int("domains", len(persisted)))
	}
	return t, nil
}

// InCooldown reports whether the domain is currently cooling down.
func (t *CooldownTracker) InCooldown(dom string, now time.Time) bool {
	t.mu.RLock()
	st, ok := t.states[dom]
	t.mu.RUnlock()
	return ok && st.InCooldown(now)
}

// CooldownUntil returns the cooldown deadline for a domain, zero when none.
func (t *CooldownTracker) CooldownUntil(dom string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[dom].CooldownUntil
}

// Observe folds one attempt outcome into the domain's state. Only captcha and
// blocked outcomes grow the cooldown; any completed attempt that reached the
// page resets the streak. Cooldown deadlines never move backward.
func (t *CooldownTracker) Observe(ctx context.Context, dom string, outcome domain.Outcome, now time.Time) {
	t.mu.Lock()
	st, ok := t.states[dom]
	if !ok {
		st = domain.DomainState{Domain: dom}
	}
	switch outcome {
	case domain.OutcomeCaptcha, domain.OutcomeBlocked:
		t.policy.ApplyBlock(&st, now)
	case domain.OutcomeOK, domain.OutcomePartial, domain.OutcomeExtractionFailed:
		t.policy.ApplySuccess(&st, now)
	default:
		// Network errors are not block evidence; leave the streak alone.
		st.LastOutcome = outcome
		st.UpdatedAt = now
	}
	t.states[dom] = st
	t.mu.Unlock()

	if outcome == domain.OutcomeCaptcha || outcome == domain.OutcomeBlocked {
		t.logger.Warn("domain cooldown extended",
			slog.String("domain", dom),
			slog.Int("consecutive_blocks", st.ConsecutiveBlocks),
			slog.Time("cooldown_until", st.CooldownUntil),
		)
	}

	if err := t.store.Put(ctx, st); err != nil {
		t.logger.Error("persist domain state failed",
			slog.String("domain", dom),
			slog.String("error", err.Error()),
		)
	}
}
