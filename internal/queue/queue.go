// Package queue implements the bounded dispatch queue between the scheduler
// and the extraction workers: global and per-domain concurrency caps,
// per-domain token-bucket rate limits, complexity-class scheduling with a
// dedicated slot for expensive pages, cooldown-aware dispatch, and jittered
// exponential backoff for transient failures.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/domain"
)

// Class buckets tasks by expected page cost so one heavy site cannot occupy
// the whole worker pool.
type Class int

const (
	ClassCheap Class = iota
	ClassNormal
	ClassExpensive

	classCount = 3
)

// String returns the log label for the class.
func (c Class) String() string {
	switch c {
	case ClassCheap:
		return "cheap"
	case ClassExpensive:
		return "expensive"
	default:
		return "normal"
	}
}

// ClassifyDuration maps an observed median attempt duration onto a class.
// Pages finishing under ten seconds are cheap; past thirty they are expensive.
func ClassifyDuration(median time.Duration) Class {
	switch {
	case median <= 0:
		return ClassNormal
	case median < 10*time.Second:
		return ClassCheap
	case median > 30*time.Second:
		return ClassExpensive
	default:
		return ClassNormal
	}
}

// Task is one scheduled extraction attempt.
type Task struct {
	URL   domain.MonitoredURL
	Class Class
	// Attempt counts retries of this dispatch; the first try is 0.
	Attempt int
	// NotBefore delays dispatch, used for backoff requeues.
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// CooldownChecker excludes blocked domains from dispatch. Implementations
// must be safe for concurrent use.
type CooldownChecker interface {
	InCooldown(domain string, now time.Time) bool
	CooldownUntil(domain string) time.Time
}

// Config holds the queue bounds. MaxConcurrency includes the dedicated
// expensive slot; cheap and normal tasks share the remaining slots.
type Config struct {
	MaxPending     int
	MaxConcurrency int
	MaxPerDomain   int
	RatePerSecond  float64
	Burst          int
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	// Cooldowns, when set, holds back pending tasks of a domain that is
	// serving a block cooldown. Tasks stay queued and dispatch after expiry.
	Cooldowns CooldownChecker
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Pending          int
	PendingByClass   [classCount]int
	Running          int
	RunningExpensive int
	Paused           bool
}

// Queue is safe for concurrent use by one scheduler and many workers.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	pending   [classCount][]*Task
	count     int
	tracked   map[string]struct{} // url_ids pending or running
	running   int
	expensive int
	byDomain  map[string]int
	limiters  map[string]*rate.Limiter
	paused    bool
	closed    bool

	wake chan struct{}
}

// New creates a Queue.
func New(cfg Config, logger *slog.Logger) *Queue {
	return &Queue{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "queue")),
		now:      time.Now,
		tracked:  make(map[string]struct{}),
		byDomain: make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) limiter(dom string) *rate.Limiter {
	lim, ok := q.limiters[dom]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(q.cfg.RatePerSecond), q.cfg.Burst)
		q.limiters[dom] = lim
	}
	return lim
}

// Enqueue admits a task. It fails fast with ErrQueueFull at capacity and
// ErrDuplicateURL when the URL is already pending or running; rejections leave
// the queue untouched so the caller can roll back its own bookkeeping.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}
	if q.count >= q.cfg.MaxPending {
		return domain.ErrQueueFull
	}
	if _, dup := q.tracked[t.URL.ID]; dup {
		return domain.ErrDuplicateURL
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	q.insertLocked(&t)
	q.tracked[t.URL.ID] = struct{}{}
	q.count++
	q.signal()
	return nil
}

// insertLocked keeps each class list ordered by (NotBefore, EnqueuedAt).
func (q *Queue) insertLocked(t *Task) {
	list := q.pending[t.Class]
	at := len(list)
	for i, other := range list {
		if t.NotBefore.Before(other.NotBefore) ||
			(t.NotBefore.Equal(other.NotBefore) && t.EnqueuedAt.Before(other.EnqueuedAt)) {
			at = i
			break
		}
	}
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = t
	q.pending[t.Class] = list
}

// Dequeue blocks until a task is dispatchable or the context ends. A task is
// dispatchable when its NotBefore has passed, a concurrency slot of its class
// is free, the domain is not cooling down, the domain is under its
// parallelism cap, and the domain's token bucket grants a token. The token is
// consumed on dispatch.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if q.closed && q.count == 0 {
			q.mu.Unlock()
			return Task{}, domain.ErrQueueClosed
		}
		var next time.Time
		if !q.paused {
			if t := q.pickLocked(&next); t != nil {
				task := *t
				q.mu.Unlock()
				return task, nil
			}
		}
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			d := time.Until(next)
			if d < time.Millisecond {
				d = time.Millisecond
			}
			timer = time.NewTimer(d)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Task{}, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// pickLocked selects the next dispatchable task, removing it from pending and
// claiming its slots. When nothing is dispatchable it records the soonest
// moment anything could become so in next. The expensive class is scanned
// first so its dedicated slot never sits idle behind cheap work.
func (q *Queue) pickLocked(next *time.Time) *Task {
	now := q.now()
	shared := q.cfg.MaxConcurrency - 1

	for _, class := range []Class{ClassExpensive, ClassCheap, ClassNormal} {
		if q.running >= q.cfg.MaxConcurrency {
			return nil
		}
		if class == ClassExpensive {
			if q.expensive >= 1 {
				continue
			}
		} else if q.running-q.expensive >= shared {
			continue
		}
		for i, t := range q.pending[class] {
			if t.NotBefore.After(now) {
				// The list is ordered by NotBefore; the rest of the class
				// is further out.
				earlier(next, t.NotBefore)
				break
			}
			if q.cfg.Cooldowns != nil && q.cfg.Cooldowns.InCooldown(t.URL.Domain, now) {
				earlier(next, q.cfg.Cooldowns.CooldownUntil(t.URL.Domain))
				continue
			}
			if q.byDomain[t.URL.Domain] >= q.cfg.MaxPerDomain {
				continue
			}
			lim := q.limiter(t.URL.Domain)
			res := lim.ReserveN(now, 1)
			if !res.OK() {
				continue
			}
			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				earlier(next, now.Add(delay))
				continue
			}

			q.pending[class] = append(q.pending[class][:i], q.pending[class][i+1:]...)
			q.count--
			q.running++
			if class == ClassExpensive {
				q.expensive++
			}
			q.byDomain[t.URL.Domain]++
			return t
		}
	}
	return nil
}

func earlier(dst *time.Time, t time.Time) {
	if dst.IsZero() || t.Before(*dst) {
		*dst = t
	}
}

// Done releases a finished task's slots and forgets its URL. A task already
// dropped by an exhausted Retry has no slots left to release; calling Done on
// it is a no-op rather than a double release.
func (q *Queue) Done(t Task) {
	q.mu.Lock()
	if _, held := q.tracked[t.URL.ID]; held {
		q.releaseLocked(t)
		delete(q.tracked, t.URL.ID)
	}
	q.mu.Unlock()
	q.signal()
}

// Retry releases the task's slots and requeues it with exponential backoff
// and jitter. It reports false once the retry budget is spent, in which case
// the task is dropped like Done.
func (q *Queue) Retry(t Task) bool {
	q.mu.Lock()
	q.releaseLocked(t)
	if q.closed || t.Attempt >= q.cfg.MaxRetries {
		delete(q.tracked, t.URL.ID)
		q.mu.Unlock()
		q.signal()
		return false
	}

	delay := q.backoff(t.Attempt)
	t.Attempt++
	t.NotBefore = q.now().Add(delay)
	q.insertLocked(&t)
	q.count++
	q.mu.Unlock()

	q.logger.Debug("task requeued",
		slog.String("url_id", t.URL.ID),
		slog.Int("attempt", t.Attempt),
		slog.Duration("backoff", delay),
	)
	q.signal()
	return true
}

func (q *Queue) releaseLocked(t Task) {
	q.running--
	if t.Class == ClassExpensive {
		q.expensive--
	}
	if n := q.byDomain[t.URL.Domain]; n <= 1 {
		delete(q.byDomain, t.URL.Domain)
	} else {
		q.byDomain[t.URL.Domain] = n - 1
	}
}

// backoff computes min(cap, base*2^attempt) scaled by jitter in [0.5, 1.5).
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BackoffBase << uint(attempt)
	if d > q.cfg.BackoffCap || d <= 0 {
		d = q.cfg.BackoffCap
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// Pause stops dispatch; queued tasks are kept and running tasks finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatch.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Close rejects further enqueues. Pending tasks can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Stats returns a snapshot of queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Pending:          q.count,
		Running:          q.running,
		RunningExpensive: q.expensive,
		Paused:           q.paused,
	}
	for class, list := range q.pending {
		s.PendingByClass[class] = len(list)
	}
	return s
}
