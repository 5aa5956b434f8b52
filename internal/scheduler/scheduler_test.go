package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/domain"
	"pricewatch/internal/queue"
)

type fakeURLStore struct {
	mu   sync.Mutex
	urls map[string]domain.MonitoredURL
	// casFail forces UpdateLastCheck to report a lost race for these ids.
	casFail map[string]bool
}

func newFakeURLStore(urls ...domain.MonitoredURL) *fakeURLStore {
	s := &fakeURLStore{
		urls:    make(map[string]domain.MonitoredURL),
		casFail: make(map[string]bool),
	}
	for _, u := range urls {
		s.urls[u.ID] = u
	}
	return s
}

func (s *fakeURLStore) List(_ context.Context, filter domain.URLFilter) ([]domain.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MonitoredURL
	for _, u := range s.urls {
		if filter.ActiveOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeURLStore) GetByID(_ context.Context, id string) (domain.MonitoredURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.urls[id]
	if !ok {
		return domain.MonitoredURL{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *fakeURLStore) UpdateLastCheck(_ context.Context, id string, prev, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casFail[id] {
		return false, nil
	}
	u, ok := s.urls[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !u.LastCheck.Equal(prev) {
		return false, nil
	}
	u.LastCheck = next
	s.urls[id] = u
	return true, nil
}

type noCooldown struct{}

func (noCooldown) InCooldown(string, time.Time) bool { return false }

type mapCooldown map[string]bool

func (m mapCooldown) InCooldown(dom string, _ time.Time) bool { return m[dom] }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueue(maxPending int) *queue.Queue {
	return queue.New(queue.Config{
		MaxPending:     maxPending,
		MaxConcurrency: 10,
		MaxPerDomain:   10,
		RatePerSecond:  1000,
		Burst:          1000,
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffCap:     time.Minute,
	}, discard())
}

func monitored(id, dom string, priority int, interval time.Duration, lastCheck time.Time) domain.MonitoredURL {
	return domain.MonitoredURL{
		ID:           id,
		URL:          "https://" + dom + "/p/" + id,
		Domain:       dom,
		Priority:     priority,
		BaseInterval: interval,
		LastCheck:    lastCheck,
		Active:       true,
	}
}

func testConfig() Config {
	return Config{
		TickInterval:   time.Minute,
		JitterFraction: 0.083,
		SuccessFloor:   0.5,
	}
}

func TestTickDispatchesDueURLs(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeURLStore(
		monitored("due", "a.com.br", 5, time.Hour, now.Add(-2*time.Hour)),
		monitored("fresh", "b.com.br", 5, time.Hour, now.Add(-time.Minute)),
	)
	q := testQueue(100)
	s := New(store, q, noCooldown{}, testConfig(), discard())

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, q.Stats().Pending)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "due", got.URL.ID)

	// The claim advanced last_check, so the next tick skips it.
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestTickDispatchesMostOverdueFirst(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeURLStore(
		monitored("tie-b", "b.com.br", 5, time.Hour, now.Add(-2*time.Hour)),
		monitored("tie-a", "a.com.br", 5, time.Hour, now.Add(-2*time.Hour)),
		monitored("late", "c.com.br", 5, time.Hour, now.Add(-6*time.Hour)),
	)
	q := testQueue(100)
	// No jitter so equal parameters mean equal due times.
	s := New(store, q, noCooldown{}, Config{
		TickInterval: time.Minute,
		SuccessFloor: 0.5,
	}, discard())

	require.NoError(t, s.Tick(context.Background()))
	require.Equal(t, 3, q.Stats().Pending)

	var order []string
	for i := 0; i < 3; i++ {
		task, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		order = append(order, task.URL.ID)
	}
	// Most overdue dispatches first; equal due times fall back to id order.
	assert.Equal(t, []string{"late", "tie-a", "tie-b"}, order)
}

func TestTickSkipsInactiveAndCooldownDomains(t *testing.T) {
	now := time.Now().UTC()
	inactive := monitored("off", "a.com.br", 5, time.Hour, now.Add(-2*time.Hour))
	inactive.Active = false
	store := newFakeURLStore(
		inactive,
		monitored("cooled", "blocked.com.br", 5, time.Hour, now.Add(-2*time.Hour)),
	)
	q := testQueue(100)
	s := New(store, q, mapCooldown{"blocked.com.br": true}, testConfig(), discard())

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestTickLostCASMeansNoDispatch(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeURLStore(monitored("due", "a.com.br", 5, time.Hour, now.Add(-2*time.Hour)))
	store.casFail["due"] = true
	q := testQueue(100)
	s := New(store, q, noCooldown{}, testConfig(), discard())

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestTickRollsBackOnQueueRejection(t *testing.T) {
	now := time.Now().UTC()
	u := monitored("due", "a.com.br", 5, time.Hour, now.Add(-2*time.Hour))
	blocker := monitored("blocker", "b.com.br", 5, time.Hour, now.Add(-2*time.Hour))
	store := newFakeURLStore(u, blocker)
	q := testQueue(1) // room for exactly one dispatch
	s := New(store, q, noCooldown{}, testConfig(), discard())

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, q.Stats().Pending)

	// Exactly one of the two URLs was claimed; the rejected one kept its
	// original last_check so a later tick can pick it up.
	advanced := 0
	for _, id := range []string{"due", "blocker"} {
		stored, err := store.GetByID(context.Background(), id)
		require.NoError(t, err)
		if !stored.LastCheck.Equal(now.Add(-2 * time.Hour)) {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)
}

func TestPriorityCompressesInterval(t *testing.T) {
	now := time.Now().UTC()
	base := time.Hour
	s := New(newFakeURLStore(), testQueue(1), noCooldown{}, Config{
		TickInterval: time.Minute,
		SuccessFloor: 0.5,
		// No jitter so the factor is exact.
	}, discard())

	low := monitored("low", "a.com.br", 0, base, now)
	high := monitored("high", "a.com.br", 9, base, now)
	assert.Equal(t, now.Add(90*time.Minute), s.DueAt(low))
	assert.Equal(t, now.Add(30*time.Minute), s.DueAt(high))
}

func TestJitterSpreadsEqualIntervals(t *testing.T) {
	now := time.Now().UTC()
	s := New(newFakeURLStore(), testQueue(1), noCooldown{}, testConfig(), discard())

	offsets := make(map[time.Time]int)
	var min, max time.Time
	for i := 0; i < 100; i++ {
		u := monitored(string(rune('a'+i%26))+string(rune('0'+i/26)), "a.com.br", 5, time.Hour, now)
		due := s.DueAt(u)
		offsets[due]++
		if min.IsZero() || due.Before(min) {
			min = due
		}
		if due.After(max) {
			max = due
		}
	}
	// With ~8% jitter on a 1h interval the fleet must not collapse onto a
	// handful of instants.
	assert.Greater(t, len(offsets), 50, "due times must spread")
	assert.Greater(t, max.Sub(min), 4*time.Minute)

	// And the jitter is stable per URL.
	u := monitored("stable", "a.com.br", 5, time.Hour, now)
	assert.Equal(t, s.DueAt(u), s.DueAt(u))
}

func TestAdaptiveStretchOnLowSuccessRate(t *testing.T) {
	now := time.Now().UTC()
	s := New(newFakeURLStore(), testQueue(1), noCooldown{}, testConfig(), discard())

	dom := "flaky.com.br"
	for i := 0; i < 10; i++ {
		s.OnResult(domain.AttemptResult{
			Domain:     dom,
			StartedAt:  now.Add(-time.Minute),
			FinishedAt: now,
			Outcome:    domain.OutcomeNetworkError,
		})
	}
	assert.InDelta(t, 1.5, s.stretch(dom), 1e-9) // rate 0, floor 0.5

	// Recovery pulls the stretch back toward 1.
	for i := 0; i < 30; i++ {
		s.OnResult(domain.AttemptResult{
			Domain:     dom,
			StartedAt:  now.Add(-time.Minute),
			FinishedAt: now,
			Outcome:    domain.OutcomeOK,
		})
	}
	assert.Equal(t, 1.0, s.stretch(dom))

	// Healthy unseen domains are never stretched.
	assert.Equal(t, 1.0, s.stretch("unknown.com.br"))
}

func TestClassificationFollowsMedianDuration(t *testing.T) {
	now := time.Now().UTC()
	s := New(newFakeURLStore(), testQueue(1), noCooldown{}, testConfig(), discard())

	dom := "slow.com.br"
	assert.Equal(t, queue.ClassNormal, s.classify(dom))
	for i := 0; i < 10; i++ {
		s.OnResult(domain.AttemptResult{
			Domain:     dom,
			StartedAt:  now.Add(-45 * time.Second),
			FinishedAt: now,
			Outcome:    domain.OutcomeOK,
		})
	}
	assert.Equal(t, queue.ClassExpensive, s.classify(dom))

	fast := "fast.com.br"
	for i := 0; i < 10; i++ {
		s.OnResult(domain.AttemptResult{
			Domain:     fast,
			StartedAt:  now.Add(-2 * time.Second),
			FinishedAt: now,
			Outcome:    domain.OutcomeOK,
		})
	}
	assert.Equal(t, queue.ClassCheap, s.classify(fast))
}

func TestCancelledResultsCarryNoSignal(t *testing.T) {
	now := time.Now().UTC()
	s := New(newFakeURLStore(), testQueue(1), noCooldown{}, testConfig(), discard())

	dom := "a.com.br"
	for i := 0; i < 10; i++ {
		s.OnResult(domain.AttemptResult{
			Domain:     dom,
			StartedAt:  now.Add(-time.Minute),
			FinishedAt: now,
			Outcome:    domain.OutcomeNetworkError,
			Cancelled:  true,
		})
	}
	assert.Equal(t, 1.0, s.stretch(dom))
}
