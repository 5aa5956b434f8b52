package learning

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/domain"
)

// variantTriggerConfidence and variantTriggerAttempts gate variant generation:
// only strategies that have proven themselves spawn exploratory children.
const (
	variantTriggerConfidence = 0.8
	variantTriggerAttempts   = 10
)

// maybeSpawnVariantsLocked scans the portfolio for variant candidates once the
// domain's attempt counter crosses the generation interval. A candidate is a
// proven strategy with no surviving child. Children start at half the parent's
// confidence and one priority step below it, so they are exercised without
// displacing the parent.
func (m *Manager) maybeSpawnVariantsLocked(p *portfolio, dom string, now time.Time) {
	if m.cfg.VariantEvery <= 0 || p.attemptsSinceVariant < m.cfg.VariantEvery {
		return
	}
	p.attemptsSinceVariant = 0

	var children []domain.Strategy
	for i := range p.strategies {
		s := &p.strategies[i]
		if s.Generic() ||
			s.Confidence < variantTriggerConfidence ||
			s.Attempts < variantTriggerAttempts ||
			hasChild(p.strategies, s.ID) {
			continue
		}
		for _, sel := range mutateSelector(s.Selector, m.cfg.VariantFanout) {
			children = append(children, domain.Strategy{
				ID:         uuid.NewString(),
				Domain:     dom,
				Field:      s.Field,
				Selector:   sel,
				Confidence: 0.5 * s.Confidence,
				Priority:   s.Priority + 1,
				ParentID:   s.ID,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}
	if len(children) == 0 {
		return
	}
	p.strategies = append(p.strategies, children...)
	p.dirty = true
	m.logger.Info("spawned strategy variants",
		slog.String("domain", dom),
		slog.Int("children", len(children)),
	)
}

// copyGeneric derives a domain-scoped strategy from a shared generic one. The
// copy inherits the generic's selector and stats and records the generic as
// its parent; the generic itself is never mutated.
func (m *Manager) copyGeneric(g domain.Strategy, dom string, now time.Time) domain.Strategy {
	c := g
	c.ID = uuid.NewString()
	c.Domain = dom
	c.ParentID = g.ID
	c.CreatedAt = now
	c.UpdatedAt = now
	return c
}

// mutateSelector produces up to fanout structural mutations of a selector.
// Mutations are deliberately small: widen or tighten the match, or re-anchor
// it, so a child explores the neighborhood of a working selector rather than
// the whole page.
func mutateSelector(sel domain.Selector, fanout int) []domain.Selector {
	var out []domain.Selector
	switch sel.Kind {
	case domain.KindCSS:
		out = mutateCSS(sel.CSS)
	case domain.KindXPath:
		out = mutateXPath(sel.XPath)
	case domain.KindRegex:
		out = mutateRegex(sel.Regex)
	case domain.KindComposite:
		out = mutateComposite(sel.Composite, fanout)
	case domain.KindSemantic:
		// Semantic selectors have no useful structural neighborhood.
	}
	if len(out) > fanout {
		out = out[:fanout]
	}
	return out
}

func mutateCSS(sel *domain.CSSSelector) []domain.Selector {
	if sel == nil {
		return nil
	}
	var out []domain.Selector

	// Widen: drop the last compound of a descendant chain.
	if idx := strings.LastIndex(sel.Selector, " "); idx > 0 {
		c := *sel
		c.Selector = strings.TrimSpace(sel.Selector[:idx])
		out = append(out, domain.Selector{Kind: domain.KindCSS, CSS: &c})
	}
	// Widen: drop the last class qualifier of the final compound.
	if idx := strings.LastIndex(sel.Selector, "."); idx > 0 && !strings.Contains(sel.Selector[idx:], " ") {
		c := *sel
		c.Selector = sel.Selector[:idx]
		out = append(out, domain.Selector{Kind: domain.KindCSS, CSS: &c})
	}
	// Re-anchor under the typical product container.
	{
		c := *sel
		c.Selector = "main " + sel.Selector
		out = append(out, domain.Selector{Kind: domain.KindCSS, CSS: &c})
	}
	return out
}

func mutateXPath(sel *domain.XPathSelector) []domain.Selector {
	if sel == nil {
		return nil
	}
	var out []domain.Selector

	// Widen: drop a trailing predicate.
	if strings.HasSuffix(sel.Expression, "]") {
		if idx := strings.LastIndex(sel.Expression, "["); idx > 0 {
			c := *sel
			c.Expression = sel.Expression[:idx]
			out = append(out, domain.Selector{Kind: domain.KindXPath, XPath: &c})
		}
	}
	// Tighten: pin the first match.
	if !strings.HasSuffix(sel.Expression, "[1]") {
		c := *sel
		c.Expression = "(" + sel.Expression + ")[1]"
		out = append(out, domain.Selector{Kind: domain.KindXPath, XPath: &c})
	}
	// Re-anchor under main content.
	if !strings.HasPrefix(sel.Expression, "//main") {
		c := *sel
		c.Expression = "//main" + strings.TrimPrefix(sel.Expression, "/")
		out = append(out, domain.Selector{Kind: domain.KindXPath, XPath: &c})
	}
	return out
}

func mutateRegex(sel *domain.RegexSelector) []domain.Selector {
	if sel == nil {
		return nil
	}
	var out []domain.Selector

	// Loosen whitespace matching.
	if strings.Contains(sel.Pattern, `\s*`) {
		c := *sel
		c.Pattern = strings.ReplaceAll(sel.Pattern, `\s*`, `\s+`)
		out = append(out, domain.Selector{Kind: domain.KindRegex, Regex: &c})
	} else if strings.Contains(sel.Pattern, " ") {
		c := *sel
		c.Pattern = strings.ReplaceAll(sel.Pattern, " ", `\s*`)
		out = append(out, domain.Selector{Kind: domain.KindRegex, Regex: &c})
	}
	// Accept either decimal separator.
	if strings.Contains(sel.Pattern, ",") && !strings.Contains(sel.Pattern, "[.,]") {
		c := *sel
		c.Pattern = strings.ReplaceAll(sel.Pattern, ",", "[.,]")
		out = append(out, domain.Selector{Kind: domain.KindRegex, Regex: &c})
	}
	// Case-insensitive match.
	if !strings.Contains(sel.Flags, "i") {
		c := *sel
		c.Flags = sel.Flags + "i"
		out = append(out, domain.Selector{Kind: domain.KindRegex, Regex: &c})
	}
	return out
}

// mutateComposite mutates one inner step at a time, leaving the rest of the
// chain intact. Depth never grows, so children stay within the depth limit.
func mutateComposite(sel *domain.CompositeSelector, fanout int) []domain.Selector {
	if sel == nil {
		return nil
	}
	var out []domain.Selector
	for i, step := range sel.Steps {
		for _, mutated := range mutateSelector(step, 1) {
			steps := make([]domain.Selector, len(sel.Steps))
			copy(steps, sel.Steps)
			steps[i] = mutated
			c := *sel
			c.Steps = steps
			out = append(out, domain.Selector{Kind: domain.KindComposite, Composite: &c})
			if len(out) >= fanout {
				return out
			}
		}
	}
	return out
}
