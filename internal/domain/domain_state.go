package domain

import "time"

// DomainState tracks per-domain anti-detection state. It lives in memory
// inside the core process and is persisted on every mutation so that
// CooldownUntil survives a restart.
type DomainState struct {
	Domain            string
	CooldownUntil     time.Time
	ConsecutiveBlocks int
	LastOutcome       Outcome
	UpdatedAt         time.Time
}

// InCooldown reports whether the domain is excluded from dispatch at now.
func (s *DomainState) InCooldown(now time.Time) bool {
	return s.CooldownUntil.After(now)
}

// CooldownPolicy computes exponential cooldown windows from consecutive block
// events. Cooldowns are monotonic within a block streak: a new block never
// shortens an existing window.
type CooldownPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// ApplyBlock registers one block event and extends the cooldown window.
func (p CooldownPolicy) ApplyBlock(st *DomainState, now time.Time) {
	st.ConsecutiveBlocks++
	d := p.Base
	for i := 1; i < st.ConsecutiveBlocks; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	until := now.Add(d)
	if until.After(st.CooldownUntil) {
		st.CooldownUntil = until
	}
	st.LastOutcome = OutcomeBlocked
	st.UpdatedAt = now
}

// ApplySuccess resets the block streak on the next ok outcome.
func (p CooldownPolicy) ApplySuccess(st *DomainState, now time.Time) {
	st.ConsecutiveBlocks = 0
	st.LastOutcome = OutcomeOK
	st.UpdatedAt = now
}
