package evaluator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snap(html string) domain.DOMSnapshot {
	return domain.DOMSnapshot{
		URL:     "https://shop.example.com.br/p/notebook",
		HTML:    html,
		TakenAt: time.Now(),
	}
}

func strategy(id string, field domain.Field, sel domain.Selector, conf float64, priority int) domain.Strategy {
	return domain.Strategy{
		ID:         id,
		Domain:     "shop.example.com.br",
		Field:      field,
		Selector:   sel,
		Confidence: conf,
		Priority:   priority,
	}
}

func css(selector string) domain.Selector {
	return domain.Selector{Kind: domain.KindCSS, CSS: &domain.CSSSelector{Selector: selector}}
}

func rx(pattern string, group int) domain.Selector {
	return domain.Selector{Kind: domain.KindRegex, Regex: &domain.RegexSelector{Pattern: pattern, Group: group}}
}

func TestEvaluateHappyPath(t *testing.T) {
	html := `<html><body><div class="product">
		<span class="price-current">R$ 1.299,90</span>
		<span class="stock">em estoque</span>
	</div></body></html>`

	portfolio := []domain.Strategy{
		strategy("price-css", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("avail-css", domain.FieldAvailability, css(".stock"), 0.7, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 1299.90, res.Record.Price, 1e-9)
	assert.Equal(t, "price-css", res.Record.StrategyID)
	assert.InDelta(t, 0.9, res.Record.Confidence, 1e-9)
	assert.Equal(t, domain.AvailabilityInStock, res.Record.Availability)
	assert.False(t, res.Partial)

	require.Len(t, res.Trials, 2)
	for _, trial := range res.Trials {
		assert.True(t, trial.Success)
	}
}

func TestEvaluateFallbackToLowerRankedStrategy(t *testing.T) {
	// The top-ranked selector no longer exists after a site redesign; the
	// second-ranked one must win, and the first must report a failed trial.
	html := `<html><body>
		<span class="preco-novo">R$ 899,00</span>
	</body></html>`

	portfolio := []domain.Strategy{
		strategy("stale", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("fresh", domain.FieldPrice, css(".preco-novo"), 0.4, 1),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 899.00, res.Record.Price, 1e-9)
	assert.Equal(t, "fresh", res.Record.StrategyID)

	require.Len(t, res.Trials, 2)
	byID := map[string]domain.StrategyTrial{}
	for _, trial := range res.Trials {
		byID[trial.StrategyID] = trial
	}
	assert.False(t, byID["stale"].Success)
	assert.True(t, byID["fresh"].Success)
}

func TestEvaluateCrossFieldDropsOffendingPix(t *testing.T) {
	// The pix selector accidentally grabs a higher number than the price.
	// With no second pix strategy the field is dropped and the result is a
	// partial record; the bad strategy's trial is flipped to failure.
	html := `<html><body>
		<span class="price-current">R$ 100,00</span>
		<span class="wrong-pix">R$ 250,00</span>
	</body></html>`

	portfolio := []domain.Strategy{
		strategy("price", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("bad-pix", domain.FieldPixPrice, css(".wrong-pix"), 0.3, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 100.00, res.Record.Price, 1e-9)
	assert.Nil(t, res.Record.PixPrice)
	assert.True(t, res.Partial)

	byID := map[string]domain.StrategyTrial{}
	for _, trial := range res.Trials {
		byID[trial.StrategyID] = trial
	}
	assert.False(t, byID["bad-pix"].Success, "offending trial is re-marked failed")
	assert.True(t, byID["price"].Success)
}

func TestEvaluateCrossFieldRetriesNextStrategy(t *testing.T) {
	html := `<html><body>
		<span class="price-current">R$ 100,00</span>
		<span class="wrong-pix">R$ 250,00</span>
		<span class="right-pix">R$ 95,00 no Pix</span>
	</body></html>`

	portfolio := []domain.Strategy{
		strategy("price", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("bad-pix", domain.FieldPixPrice, css(".wrong-pix"), 0.5, 0),
		strategy("good-pix", domain.FieldPixPrice, css(".right-pix"), 0.4, 1),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Record.PixPrice)
	assert.InDelta(t, 95.00, *res.Record.PixPrice, 1e-9)
	assert.False(t, res.Partial, "retry repaired the record")
}

func TestEvaluateOldPriceBelowPriceRejected(t *testing.T) {
	html := `<html><body>
		<span class="price-current">R$ 500,00</span>
		<span class="price-old">R$ 300,00</span>
	</body></html>`

	portfolio := []domain.Strategy{
		strategy("price", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("old", domain.FieldOldPrice, css(".price-old"), 0.3, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Nil(t, res.Record.OldPrice)
	assert.True(t, res.Partial)
}

func TestEvaluateNoPriceMeansNoRecord(t *testing.T) {
	html := `<html><body><p>produto sem preço visível</p></body></html>`
	portfolio := []domain.Strategy{
		strategy("price", domain.FieldPrice, css(".price-current"), 0.9, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	require.Len(t, res.Trials, 1)
	assert.False(t, res.Trials[0].Success)
}

func TestEvaluateInstallmentsAndOldPrice(t *testing.T) {
	html := `<html><body>
		<span class="price-old">de R$ 1.499,90</span>
		<span class="price-current">por R$ 1.299,90</span>
		<span class="parcelas">10x de R$ 129,90 sem juros</span>
	</body></html>`

	portfolio := []domain.Strategy{
		strategy("price", domain.FieldPrice, css(".price-current"), 0.9, 0),
		strategy("old", domain.FieldOldPrice, css(".price-old"), 0.8, 0),
		strategy("inst", domain.FieldInstallment, css(".parcelas"), 0.7, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Record.OldPrice)
	assert.InDelta(t, 1499.90, *res.Record.OldPrice, 1e-9)
	require.Len(t, res.Record.Installments, 1)
	plan := res.Record.Installments[0]
	assert.Equal(t, 10, plan.Times)
	assert.InDelta(t, 129.90, plan.Value, 1e-9)
	assert.False(t, plan.Interest)
}

func TestEvaluateRegexStrategy(t *testing.T) {
	html := `<html><body><div>à vista R$ 2.349,00 no boleto</div></body></html>`
	portfolio := []domain.Strategy{
		strategy("rx", domain.FieldPrice, rx(`R\$\s*(\d{1,3}(?:\.\d{3})*,\d{2})`, 1), 0.6, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 2349.00, res.Record.Price, 1e-9)
}

func TestEvaluateSemanticStrategy(t *testing.T) {
	html := `<html><head>
		<meta itemprop="price" content="1299.90">
	</head><body><span>R$ 1.299,90</span></body></html>`

	portfolio := []domain.Strategy{
		strategy("sem", domain.FieldPrice, domain.Selector{
			Kind: domain.KindSemantic,
			Semantic: &domain.SemanticSelector{
				Attributes: []string{"itemprop=price"},
			},
		}, 0.7, 0),
	}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 1299.90, res.Record.Price, 1e-9)
}

func TestEvaluateCompositeStrategy(t *testing.T) {
	html := `<html><body>
		<div class="buy-box">
			<span class="valor">R$ 449,99</span>
		</div>
		<div class="suggestions">
			<span class="valor">R$ 999,99</span>
		</div>
	</body></html>`

	sel := domain.Selector{
		Kind: domain.KindComposite,
		Composite: &domain.CompositeSelector{
			Steps: []domain.Selector{
				{Kind: domain.KindCSS, CSS: &domain.CSSSelector{Selector: ".buy-box"}},
				{Kind: domain.KindCSS, CSS: &domain.CSSSelector{Selector: ".valor"}},
			},
			Transform: "extract_decimal",
			Range:     &domain.RangeCheck{Min: 1, Max: 100000},
		},
	}
	portfolio := []domain.Strategy{strategy("comp", domain.FieldPrice, sel, 0.8, 0)}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 449.99, res.Record.Price, 1e-9, "composite scopes to the buy box, not the suggestions")
}

func TestEvaluateCompositeDepthLimit(t *testing.T) {
	leaf := domain.Selector{Kind: domain.KindRegex, Regex: &domain.RegexSelector{Pattern: `(\d+,\d{2})`, Group: 1}}
	nested := leaf
	for i := 0; i < domain.MaxCompositeDepth; i++ {
		nested = domain.Selector{
			Kind:      domain.KindComposite,
			Composite: &domain.CompositeSelector{Steps: []domain.Selector{nested}},
		}
	}
	portfolio := []domain.Strategy{strategy("deep", domain.FieldPrice, nested, 0.8, 0)}

	e := New(discard())
	res, err := e.Evaluate(snap(`<html><body>R$ 12,34</body></html>`), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	assert.Nil(t, res.Record, "over-deep composites fail as non-matches")
	require.Len(t, res.Trials, 1)
	assert.False(t, res.Trials[0].Success)
}

func TestEvaluateContextTermDisambiguation(t *testing.T) {
	html := `<html><body>
		<div class="card"><span class="price">R$ 999,99</span> produto relacionado</div>
		<div class="main"><span class="price">R$ 349,90</span> preço à vista no Pix</div>
	</body></html>`

	sel := domain.Selector{
		Kind: domain.KindCSS,
		CSS: &domain.CSSSelector{
			Selector:     ".price",
			ContextTerms: []string{"pix", "à vista"},
		},
	}
	portfolio := []domain.Strategy{strategy("ctx", domain.FieldPrice, sel, 0.8, 0)}

	e := New(discard())
	res, err := e.Evaluate(snap(html), "url-1", portfolio, time.Now())
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.InDelta(t, 349.90, res.Record.Price, 1e-9)
}
