package domain

import "time"

// Outcome classifies the end state of one extraction attempt.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomePartial          Outcome = "partial"
	OutcomeCaptcha          Outcome = "captcha"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeNetworkError     Outcome = "network_error"
	OutcomeExtractionFailed Outcome = "extraction_failed"
)

// StrategyTrial records the outcome of applying one strategy to one field
// during an attempt. Every attempted (field, strategy) pair is reported, even
// when an earlier strategy already resolved the field, so the learning layer
// can credit strategies independently.
type StrategyTrial struct {
	StrategyID string
	Field      Field
	Success    bool
	Confidence float64
	Elapsed    time.Duration
}

// AttemptResult is emitted exactly once per engine invocation and is
// immutable after emission.
type AttemptResult struct {
	URLID      string
	URL        string
	Domain     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Trials     []StrategyTrial
	Record     *PriceRecord
	// Signals carries block indicators and failure hints ("timeout",
	// "captcha_iframe", "http_403", ...).
	Signals []string
	// Cancelled marks attempts aborted by process shutdown; these do not
	// count against strategy confidence.
	Cancelled bool
}

// Succeeded reports whether the attempt produced a validated record.
func (r *AttemptResult) Succeeded() bool {
	return r.Outcome == OutcomeOK && r.Record != nil
}

// DedupKey identifies an attempt for exactly-once learning updates.
func (r *AttemptResult) DedupKey() string {
	return r.URLID + "@" + r.StartedAt.UTC().Format(time.RFC3339Nano)
}
