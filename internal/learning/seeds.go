package learning

import (
	"encoding/json"
	"fmt"
	"time"

	"pricewatch/internal/domain"
)

// seedConfidence is the starting confidence for every seed strategy; it keeps
// seeds in rotation long enough for the EMA to separate winners from losers.
const seedConfidence = 0.5

// GenericSeeds returns the shared starter strategies available to every
// domain. They lean on markup-independent signals: Brazilian price formats,
// schema.org metadata, and Portuguese stock phrases. Generic strategies are
// read-only; the first success on a domain promotes a domain-scoped copy.
func GenericSeeds() []domain.Strategy {
	now := time.Unix(0, 0).UTC()
	mk := func(id string, field domain.Field, sel domain.Selector, priority int) domain.Strategy {
		return domain.Strategy{
			ID:         id,
			Domain:     domain.GenericDomain,
			Field:      field,
			Selector:   sel,
			Confidence: seedConfidence,
			Priority:   priority,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	money := `(\d{1,3}(?:\.\d{3})*,\d{2})`

	return []domain.Strategy{
		mk("generic-price-semantic", domain.FieldPrice, domain.Selector{
			Kind: domain.KindSemantic,
			Semantic: &domain.SemanticSelector{
				Attributes:   []string{"itemprop=price", "data-price", "property=product:price:amount"},
				ContextTerms: []string{"R$", "preço", "por"},
				MaxDistance:  120,
			},
		}, 0),
		mk("generic-price-css", domain.FieldPrice, domain.Selector{
			Kind: domain.KindCSS,
			CSS: &domain.CSSSelector{
				Selector:     `[class*="price"]`,
				ContextTerms: []string{"R$", "por"},
			},
		}, 1),
		mk("generic-price-regex", domain.FieldPrice, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `R\$\s*` + money,
				Group:   1,
			},
		}, 2),
		mk("generic-old-price-regex", domain.FieldOldPrice, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `(?i)de:?\s*R\$\s*` + money,
				Group:   1,
			},
		}, 0),
		mk("generic-pix-regex", domain.FieldPixPrice, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `(?i)R\$\s*` + money + `\s*(?:à vista\s*)?(?:no|com|via)?\s*pix`,
				Group:   1,
			},
		}, 0),
		mk("generic-pix-regex-prefix", domain.FieldPixPrice, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `(?i)pix[^0-9R]{0,30}R\$\s*` + money,
				Group:   1,
			},
		}, 1),
		mk("generic-installment-regex", domain.FieldInstallment, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `(?i)(\d{1,2}\s*x\s*(?:de\s*)?R\$\s*` + money + `(?:\s*sem juros)?)`,
				Group:   1,
			},
		}, 0),
		mk("generic-availability-regex", domain.FieldAvailability, domain.Selector{
			Kind: domain.KindRegex,
			Regex: &domain.RegexSelector{
				Pattern: `(?i)(esgotado|indisponível|fora de estoque|sem estoque|últimas unidades|pré-venda|em estoque|disponível)`,
				Group:   1,
			},
		}, 0),
		mk("generic-availability-semantic", domain.FieldAvailability, domain.Selector{
			Kind: domain.KindSemantic,
			Semantic: &domain.SemanticSelector{
				Attributes: []string{"itemprop=availability", "property=product:availability"},
			},
		}, 1),
	}
}

// ParseSeed builds a domain-scoped seed strategy from its configuration row.
// The selector is carried as JSON so operators can express any selector kind.
func ParseSeed(dom string, field domain.Field, kind domain.Kind, selectorJSON string, priority int) (domain.Strategy, error) {
	var sel domain.Selector
	if err := json.Unmarshal([]byte(selectorJSON), &sel); err != nil {
		return domain.Strategy{}, fmt.Errorf("learning: parse seed selector for %s/%s: %w", dom, field, err)
	}
	if sel.Kind == "" {
		sel.Kind = kind
	}
	if sel.Kind != kind {
		return domain.Strategy{}, fmt.Errorf("learning: seed selector kind %q does not match declared kind %q", sel.Kind, kind)
	}
	now := time.Now().UTC()
	return domain.Strategy{
		ID:         fmt.Sprintf("seed-%s-%s-%d", dom, field, priority),
		Domain:     dom,
		Field:      field,
		Selector:   sel,
		Confidence: seedConfidence,
		Priority:   priority,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
