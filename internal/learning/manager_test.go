package learning

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
)

type fakeStrategyStore struct {
	mu       sync.Mutex
	byDomain map[string][]domain.Strategy
	archived []domain.Strategy
	upserts  int
}

func newFakeStrategyStore() *fakeStrategyStore {
	return &fakeStrategyStore{byDomain: make(map[string][]domain.Strategy)}
}

func (s *fakeStrategyStore) ListByDomain(_ context.Context, dom string) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Strategy, len(s.byDomain[dom]))
	copy(out, s.byDomain[dom])
	return out, nil
}

func (s *fakeStrategyStore) UpsertBatch(_ context.Context, dom string, strategies []domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	stored := make([]domain.Strategy, len(strategies))
	copy(stored, strategies)
	s.byDomain[dom] = stored
	return nil
}

func (s *fakeStrategyStore) Archive(_ context.Context, st domain.Strategy, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, st)
	return nil
}

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeDedup() *fakeDedup { return &fakeDedup{seen: make(map[string]bool)} }

func (d *fakeDedup) MarkSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func testConfig() Config {
	return Config{
		ReprioritizeEvery:   50,
		VariantEvery:        200,
		VariantFanout:       3,
		RetireConfidence:    0.1,
		RetireMinAttempts:   20,
		ProbationAttempts:   5,
		ProbationConfidence: 0.2,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cssStrategy(id, dom string, field domain.Field, conf float64, priority int) domain.Strategy {
	return domain.Strategy{
		ID:     id,
		Domain: dom,
		Field:  field,
		Selector: domain.Selector{
			Kind: domain.KindCSS,
			CSS:  &domain.CSSSelector{Selector: ".price-current"},
		},
		Confidence: conf,
		Priority:   priority,
	}
}

func result(urlID, dom string, startedAt time.Time, trials ...domain.StrategyTrial) domain.AttemptResult {
	return domain.AttemptResult{
		URLID:      urlID,
		Domain:     dom,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(3 * time.Second),
		Outcome:    domain.OutcomeOK,
		Trials:     trials,
	}
}

func TestConfidenceUpdateBoundsAndDirection(t *testing.T) {
	now := time.Now().UTC()
	s := cssStrategy("s1", "shop.example.com.br", domain.FieldPrice, 0.5, 0)

	applyUpdate(&s, true, now)
	assert.InDelta(t, 0.55, s.Confidence, 1e-9)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, 1, s.Successes)
	require.NotNil(t, s.LastSuccess)

	applyUpdate(&s, false, now)
	assert.InDelta(t, 0.495, s.Confidence, 1e-9)
	assert.Equal(t, 2, s.Attempts)

	// Confidence stays inside [0,1] no matter the history.
	for i := 0; i < 200; i++ {
		applyUpdate(&s, true, now)
	}
	assert.LessOrEqual(t, s.Confidence, 1.0)
	for i := 0; i < 200; i++ {
		applyUpdate(&s, false, now)
	}
	assert.GreaterOrEqual(t, s.Confidence, 0.0)
}

func TestOnResultIsIdempotentPerAttempt(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	store.byDomain[dom] = []domain.Strategy{cssStrategy("s1", dom, domain.FieldPrice, 0.5, 0)}

	m := NewManager(store, newFakeDedup(), nil, testConfig(), discard())
	ctx := context.Background()

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "s1", Field: domain.FieldPrice, Success: true},
	)
	require.NoError(t, m.OnResult(ctx, res))
	require.NoError(t, m.OnResult(ctx, res)) // replay

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
	assert.InDelta(t, 0.55, got[0].Confidence, 1e-9)
}

func TestCancelledAttemptsDoNotTouchMetrics(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	store.byDomain[dom] = []domain.Strategy{cssStrategy("s1", dom, domain.FieldPrice, 0.5, 0)}

	m := NewManager(store, newFakeDedup(), nil, testConfig(), discard())
	ctx := context.Background()

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "s1", Field: domain.FieldPrice, Success: false},
	)
	res.Cancelled = true
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	assert.Equal(t, 0, got[0].Attempts)
}

func TestReprioritizationCoversZeroToNMinusOne(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	a := cssStrategy("a", dom, domain.FieldPrice, 0.9, 2)
	a.Attempts, a.Successes = 10, 9
	b := cssStrategy("b", dom, domain.FieldPrice, 0.3, 0)
	b.Attempts, b.Successes = 10, 3
	c := cssStrategy("c", dom, domain.FieldPrice, 0.6, 1)
	c.Attempts, c.Successes = 10, 6
	store.byDomain[dom] = []domain.Strategy{a, b, c}

	cfg := testConfig()
	cfg.ReprioritizeEvery = 1
	m := NewManager(store, newFakeDedup(), nil, cfg, discard())
	ctx := context.Background()

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "a", Field: domain.FieldPrice, Success: true},
	)
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.Len(t, got, 3)
	seen := map[int]string{}
	for _, s := range got {
		seen[s.Priority] = s.ID
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, "a", seen[0]) // highest score keeps rank 0
	assert.Equal(t, "c", seen[1])
	assert.Equal(t, "b", seen[2])
	assert.Positive(t, store.upserts) // reprioritization flushes the batch
}

func TestRetirementArchivesWeakStrategies(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	weak := cssStrategy("weak", dom, domain.FieldPrice, 0.05, 1)
	weak.Attempts = 25
	strong := cssStrategy("strong", dom, domain.FieldPrice, 0.8, 0)
	store.byDomain[dom] = []domain.Strategy{weak, strong}

	m := NewManager(store, newFakeDedup(), nil, testConfig(), discard())
	ctx := context.Background()

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "weak", Field: domain.FieldPrice, Success: false},
	)
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "strong", got[0].ID)
	require.Len(t, store.archived, 1)
	assert.Equal(t, "weak", store.archived[0].ID)
}

func TestProbationChildRetiredEarly(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	child := cssStrategy("child", dom, domain.FieldPrice, 0.15, 1)
	child.ParentID = "parent"
	child.Attempts = 4
	store.byDomain[dom] = []domain.Strategy{child, cssStrategy("parent", dom, domain.FieldPrice, 0.9, 0)}

	m := NewManager(store, newFakeDedup(), nil, testConfig(), discard())
	ctx := context.Background()

	// Fifth attempt fails; confidence drops below the probation floor.
	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "child", Field: domain.FieldPrice, Success: false},
	)
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "parent", got[0].ID)
	require.Len(t, store.archived, 1)
	assert.Equal(t, "child", store.archived[0].ID)
}

func TestGenericPromotedToDomainCopyOnSuccess(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "newshop.example.com.br"
	seeds := GenericSeeds()
	m := NewManager(store, newFakeDedup(), seeds, testConfig(), discard())
	ctx := context.Background()

	initial, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.NotEmpty(t, initial)
	genericID := ""
	for _, s := range initial {
		if s.Field == domain.FieldPrice && s.Generic() {
			genericID = s.ID
			break
		}
	}
	require.NotEmpty(t, genericID)

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: genericID, Field: domain.FieldPrice, Success: true},
	)
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	var promoted *domain.Strategy
	for i := range got {
		if got[i].ParentID == genericID {
			promoted = &got[i]
		}
		assert.NotEqual(t, genericID, got[i].ID, "generic must leave the live view once copied")
	}
	require.NotNil(t, promoted)
	assert.Equal(t, dom, promoted.Domain)
	assert.Equal(t, 1, promoted.Attempts)
	assert.InDelta(t, 0.9*seedConfidence+0.1, promoted.Confidence, 1e-9)

	// The shared seed itself is untouched.
	for _, s := range seeds {
		if s.ID == genericID {
			assert.Equal(t, 0, s.Attempts)
		}
	}
}

func TestVariantGeneration(t *testing.T) {
	store := newFakeStrategyStore()
	dom := "shop.example.com.br"
	parent := cssStrategy("parent", dom, domain.FieldPrice, 0.9, 0)
	parent.Attempts, parent.Successes = 20, 18
	store.byDomain[dom] = []domain.Strategy{parent}

	cfg := testConfig()
	cfg.VariantEvery = 1
	m := NewManager(store, newFakeDedup(), nil, cfg, discard())
	ctx := context.Background()

	res := result("url-1", dom, time.Now().UTC(),
		domain.StrategyTrial{StrategyID: "parent", Field: domain.FieldPrice, Success: true},
	)
	require.NoError(t, m.OnResult(ctx, res))

	got, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	require.Greater(t, len(got), 1)

	var children []domain.Strategy
	var parentNow domain.Strategy
	for _, s := range got {
		if s.ParentID == "parent" {
			children = append(children, s)
		}
		if s.ID == "parent" {
			parentNow = s
		}
	}
	require.NotEmpty(t, children)
	assert.LessOrEqual(t, len(children), cfg.VariantFanout)
	for _, c := range children {
		assert.Equal(t, domain.FieldPrice, c.Field)
		assert.InDelta(t, 0.5*parentNow.Confidence, c.Confidence, 1e-9)
		assert.Equal(t, parentNow.Priority+1, c.Priority)
		assert.Equal(t, 0, c.Attempts)
		assert.NotEqual(t, parentNow.Selector, c.Selector)
	}

	// Next pass must not duplicate children for the same parent.
	res2 := result("url-1", dom, time.Now().UTC().Add(time.Minute),
		domain.StrategyTrial{StrategyID: "parent", Field: domain.FieldPrice, Success: true},
	)
	require.NoError(t, m.OnResult(ctx, res2))
	after, err := m.Portfolio(ctx, dom)
	require.NoError(t, err)
	assert.Equal(t, len(got), len(after))
}

func TestMutateSelectorKeepsDepthBounded(t *testing.T) {
	composite := domain.Selector{
		Kind: domain.KindComposite,
		Composite: &domain.CompositeSelector{
			Steps: []domain.Selector{
				{Kind: domain.KindCSS, CSS: &domain.CSSSelector{Selector: "div.product .price"}},
				{Kind: domain.KindRegex, Regex: &domain.RegexSelector{Pattern: `R\$\s*(\d+,\d{2})`, Group: 1}},
			},
			Transform: "extract_decimal",
		},
	}
	for _, mutated := range mutateSelector(composite, 3) {
		assert.LessOrEqual(t, mutated.Depth(), domain.MaxCompositeDepth)
		assert.Equal(t, domain.KindComposite, mutated.Kind)
	}
}
