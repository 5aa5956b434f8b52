package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/domain"
)

func testQueue(cfg Config) *Queue {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func defaultConfig() Config {
	return Config{
		MaxPending:     100,
		MaxConcurrency: 10,
		MaxPerDomain:   2,
		RatePerSecond:  100, // effectively unlimited unless a test tightens it
		Burst:          100,
		MaxRetries:     3,
		BackoffBase:    5 * time.Second,
		BackoffCap:     10 * time.Minute,
	}
}

func task(id, dom string, class Class) Task {
	return Task{
		URL: domain.MonitoredURL{
			ID:     id,
			URL:    "https://" + dom + "/p/" + id,
			Domain: dom,
		},
		Class: class,
	}
}

// mustDequeue dequeues with a short deadline; the task must be available.
func mustDequeue(t *testing.T, q *Queue) Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return got
}

// expectBlocked asserts that Dequeue yields nothing within the wait window.
func expectBlocked(t *testing.T, q *Queue, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPending = 2
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u2", "a.com.br", ClassNormal)))
	err := q.Enqueue(task("u3", "a.com.br", ClassNormal))
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 2, q.Stats().Pending)
}

func TestEnqueueRejectsDuplicateURL(t *testing.T) {
	q := testQueue(defaultConfig())
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	require.ErrorIs(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)), domain.ErrDuplicateURL)

	// Still a duplicate while running, free again after Done.
	got := mustDequeue(t, q)
	require.ErrorIs(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)), domain.ErrDuplicateURL)
	q.Done(got)
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
}

func TestPerDomainConcurrencyCap(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPerDomain = 1
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u2", "a.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u3", "b.com.br", ClassNormal)))

	first := mustDequeue(t, q)
	second := mustDequeue(t, q)
	domains := []string{first.URL.Domain, second.URL.Domain}
	assert.ElementsMatch(t, []string{"a.com.br", "b.com.br"}, domains)

	expectBlocked(t, q, 100*time.Millisecond)
	if first.URL.Domain == "a.com.br" {
		q.Done(first)
	} else {
		q.Done(second)
	}
	third := mustDequeue(t, q)
	assert.Equal(t, "a.com.br", third.URL.Domain)
}

func TestDomainRateLimitSpacesDispatches(t *testing.T) {
	cfg := defaultConfig()
	cfg.RatePerSecond = 2 // 500ms between tokens
	cfg.Burst = 1
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u2", "a.com.br", ClassNormal)))

	start := time.Now()
	q.Done(mustDequeue(t, q))
	q.Done(mustDequeue(t, q))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond, "second dispatch must wait for a token")
}

func TestExpensiveSlotIsDedicated(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrency = 3 // 1 expensive + 2 shared
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("e1", "a.com.br", ClassExpensive)))
	require.NoError(t, q.Enqueue(task("e2", "b.com.br", ClassExpensive)))
	require.NoError(t, q.Enqueue(task("c1", "c.com.br", ClassCheap)))
	require.NoError(t, q.Enqueue(task("c2", "d.com.br", ClassCheap)))
	require.NoError(t, q.Enqueue(task("c3", "e.com.br", ClassCheap)))

	var expensive, cheap int
	running := make([]Task, 0, 3)
	for i := 0; i < 3; i++ {
		got := mustDequeue(t, q)
		running = append(running, got)
		if got.Class == ClassExpensive {
			expensive++
		} else {
			cheap++
		}
	}
	assert.Equal(t, 1, expensive, "only one expensive task may run")
	assert.Equal(t, 2, cheap, "cheap tasks fill the shared slots")

	// All slots of both kinds are taken now.
	expectBlocked(t, q, 100*time.Millisecond)

	for _, r := range running {
		if r.Class == ClassExpensive {
			q.Done(r)
		}
	}
	next := mustDequeue(t, q)
	assert.Equal(t, ClassExpensive, next.Class, "freed expensive slot goes to the waiting expensive task")
}

func TestRetryBackoffAndBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = time.Second
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	got := mustDequeue(t, q)

	for i := 0; i < cfg.MaxRetries; i++ {
		require.True(t, q.Retry(got), "retry %d within budget", i)
		got = mustDequeue(t, q)
		assert.Equal(t, i+1, got.Attempt)
	}
	assert.False(t, q.Retry(got), "budget exhausted")

	// The URL is released once the budget is spent.
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
}

func TestDoneAfterExhaustedRetryReleasesOnce(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrency = 2
	cfg.MaxRetries = 0
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	got := mustDequeue(t, q)
	require.False(t, q.Retry(got), "budget exhausted on the first retry")

	// Workers call Done on the way out regardless; the slots were already
	// released by Retry and must not be released again.
	q.Done(got)
	assert.Equal(t, 0, q.Stats().Running)

	// The accounting still admits a full batch afterwards.
	require.NoError(t, q.Enqueue(task("u2", "b.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u3", "c.com.br", ClassNormal)))
	mustDequeue(t, q)
	mustDequeue(t, q)
	assert.Equal(t, 2, q.Stats().Running)
}

func TestRetryDelaysRedispatch(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffBase = 300 * time.Millisecond
	cfg.BackoffCap = time.Second
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	got := mustDequeue(t, q)
	start := time.Now()
	require.True(t, q.Retry(got))

	redispatched := mustDequeue(t, q)
	elapsed := time.Since(start)
	assert.Equal(t, 1, redispatched.Attempt)
	// Jitter lower bound is 0.5x base.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestBackoffBounds(t *testing.T) {
	cfg := defaultConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffCap = 10 * time.Second
	q := testQueue(cfg)

	for attempt := 0; attempt < 10; attempt++ {
		exp := cfg.BackoffBase << uint(attempt)
		if exp > cfg.BackoffCap || exp <= 0 {
			exp = cfg.BackoffCap
		}
		for i := 0; i < 50; i++ {
			d := q.backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(exp)*0.5), fmt.Sprintf("attempt %d", attempt))
			assert.Less(t, d, time.Duration(float64(exp)*1.5), fmt.Sprintf("attempt %d", attempt))
		}
	}
}

type fakeCooldowns struct {
	until map[string]time.Time
}

func (f *fakeCooldowns) InCooldown(dom string, now time.Time) bool {
	return now.Before(f.until[dom])
}

func (f *fakeCooldowns) CooldownUntil(dom string) time.Time {
	return f.until[dom]
}

func TestCooldownHoldsBackDomainTasks(t *testing.T) {
	cfg := defaultConfig()
	cooled := &fakeCooldowns{until: map[string]time.Time{
		"blocked.com.br": time.Now().Add(300 * time.Millisecond),
	}}
	cfg.Cooldowns = cooled
	q := testQueue(cfg)

	require.NoError(t, q.Enqueue(task("u1", "blocked.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u2", "open.com.br", ClassNormal)))

	// The open domain dispatches immediately, the cooled one stays queued.
	got := mustDequeue(t, q)
	assert.Equal(t, "open.com.br", got.URL.Domain)
	expectBlocked(t, q, 100*time.Millisecond)
	assert.Equal(t, 1, q.Stats().Pending)

	// Expiry wakes the dequeuer without a new enqueue.
	held := mustDequeue(t, q)
	assert.Equal(t, "blocked.com.br", held.URL.Domain)
}

func TestPauseAndResume(t *testing.T) {
	q := testQueue(defaultConfig())
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))

	q.Pause()
	assert.True(t, q.Stats().Paused)
	expectBlocked(t, q, 100*time.Millisecond)

	q.Resume()
	got := mustDequeue(t, q)
	assert.Equal(t, "u1", got.URL.ID)
}

func TestCloseRejectsEnqueueAndDrains(t *testing.T) {
	q := testQueue(defaultConfig())
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassNormal)))
	q.Close()

	require.ErrorIs(t, q.Enqueue(task("u2", "a.com.br", ClassNormal)), domain.ErrQueueClosed)

	got := mustDequeue(t, q)
	assert.Equal(t, "u1", got.URL.ID)
	q.Done(got)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.True(t, errors.Is(err, domain.ErrQueueClosed))
}

func TestStatsCountsByClass(t *testing.T) {
	q := testQueue(defaultConfig())
	require.NoError(t, q.Enqueue(task("u1", "a.com.br", ClassCheap)))
	require.NoError(t, q.Enqueue(task("u2", "b.com.br", ClassNormal)))
	require.NoError(t, q.Enqueue(task("u3", "c.com.br", ClassExpensive)))

	s := q.Stats()
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, 1, s.PendingByClass[ClassCheap])
	assert.Equal(t, 1, s.PendingByClass[ClassNormal])
	assert.Equal(t, 1, s.PendingByClass[ClassExpensive])
}

func TestClassifyDuration(t *testing.T) {
	assert.Equal(t, ClassNormal, ClassifyDuration(0))
	assert.Equal(t, ClassCheap, ClassifyDuration(3*time.Second))
	assert.Equal(t, ClassNormal, ClassifyDuration(20*time.Second))
	assert.Equal(t, ClassExpensive, ClassifyDuration(45*time.Second))
}
