package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrDuplicateURL   = errors.New("url already in flight")
	ErrNoProxy        = errors.New("no proxy available")
	ErrInvalidRecord  = errors.New("invalid price record")
	ErrSessionCrashed = errors.New("browser session crashed")
	ErrNavTimeout     = errors.New("navigation timed out")
	ErrContextDone    = errors.New("context cancelled")
)

// ErrorKind classifies attempt failures per the propagation policy: transient
// kinds stay inside the queue for backoff retry, persistent kinds flow to the
// learning layer as signal, fatal kinds stop the process.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNetwork
	KindBrowser
	KindBlock
	KindExtraction
	KindValidation
	KindStore
)

// Transient reports whether the kind should be requeued with backoff.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindBrowser
}

// Kind maps an attempt outcome onto the error taxonomy so the dispatch path
// and the error path share one retry policy.
func (o Outcome) Kind() ErrorKind {
	switch o {
	case OutcomeNetworkError:
		return KindNetwork
	case OutcomeBlocked, OutcomeCaptcha:
		return KindBlock
	case OutcomeExtractionFailed:
		return KindExtraction
	default:
		return KindUnknown
	}
}

// Classify maps an error to its kind using the sentinel taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNavTimeout), errors.Is(err, ErrContextDone):
		return KindNetwork
	case errors.Is(err, ErrSessionCrashed):
		return KindBrowser
	case errors.Is(err, ErrInvalidRecord):
		return KindValidation
	default:
		return KindUnknown
	}
}
