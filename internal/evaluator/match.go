package evaluator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"pricewatch/internal/domain"
)

// match executes a selector against the document and returns the raw matched
// text. ok is false for a clean non-match; err reports malformed selectors.
func match(doc *Document, sel domain.Selector, depth int) (value string, ok bool, err error) {
	if depth > domain.MaxCompositeDepth {
		return "", false, fmt.Errorf("evaluator: composite depth exceeds %d", domain.MaxCompositeDepth)
	}
	switch sel.Kind {
	case domain.KindRegex:
		if sel.Regex == nil {
			return "", false, fmt.Errorf("evaluator: regex selector without data")
		}
		return matchRegex(doc, sel.Regex)
	case domain.KindCSS:
		if sel.CSS == nil {
			return "", false, fmt.Errorf("evaluator: css selector without data")
		}
		return matchCSS(doc, sel.CSS)
	case domain.KindXPath:
		if sel.XPath == nil {
			return "", false, fmt.Errorf("evaluator: xpath selector without data")
		}
		return matchXPath(doc, sel.XPath)
	case domain.KindSemantic:
		if sel.Semantic == nil {
			return "", false, fmt.Errorf("evaluator: semantic selector without data")
		}
		return matchSemantic(doc, sel.Semantic)
	case domain.KindComposite:
		if sel.Composite == nil || len(sel.Composite.Steps) == 0 {
			return "", false, fmt.Errorf("evaluator: composite selector without steps")
		}
		return matchComposite(doc, sel.Composite, depth)
	default:
		return "", false, fmt.Errorf("evaluator: unknown strategy kind %q", sel.Kind)
	}
}

func matchRegex(doc *Document, sel *domain.RegexSelector) (string, bool, error) {
	pattern := sel.Pattern
	if sel.Flags != "" {
		pattern = "(?" + sel.Flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false, fmt.Errorf("evaluator: compile pattern %q: %w", sel.Pattern, err)
	}

	haystack := doc.Text
	if sel.Scope != "" {
		scoped := doc.doc.Find(sel.Scope)
		if scoped.Length() == 0 {
			return "", false, nil
		}
		haystack = normalizeSpace(scoped.Text())
	} else if strings.Contains(sel.Pattern, "<") {
		// Patterns that reference markup need the raw document.
		html, err := doc.doc.Html()
		if err == nil {
			haystack = html
		}
	}

	groups := re.FindStringSubmatch(haystack)
	if groups == nil {
		return "", false, nil
	}
	idx := sel.Group
	if idx < 0 || idx >= len(groups) {
		return "", false, nil
	}
	return strings.TrimSpace(groups[idx]), groups[idx] != "", nil
}

func matchCSS(doc *Document, sel *domain.CSSSelector) (string, bool, error) {
	matches := doc.doc.Find(sel.Selector)
	if matches.Length() == 0 {
		return "", false, nil
	}

	extract := func(s *goquery.Selection) string {
		if sel.Attribute != "" {
			v, _ := s.Attr(sel.Attribute)
			return strings.TrimSpace(v)
		}
		return normalizeSpace(s.Text())
	}

	if matches.Length() == 1 || len(sel.ContextTerms) == 0 {
		v := extract(matches.First())
		return v, v != "", nil
	}

	// Multiple matches: prefer the one nearest to a context keyword in the
	// rendered text.
	best := ""
	bestDist := -1
	matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v := extract(s)
		if v == "" {
			return true
		}
		if best == "" {
			best = v
		}
		d := doc.nearestContextDistance(v, sel.ContextTerms)
		if d >= 0 && (bestDist < 0 || d < bestDist) {
			best, bestDist = v, d
		}
		return true
	})
	return best, best != "", nil
}

func matchXPath(doc *Document, sel *domain.XPathSelector) (string, bool, error) {
	node, err := htmlquery.Query(doc.root, sel.Expression)
	if err != nil {
		return "", false, fmt.Errorf("evaluator: xpath %q: %w", sel.Expression, err)
	}
	if node == nil {
		return "", false, nil
	}
	var v string
	if sel.Attribute != "" {
		v = htmlquery.SelectAttr(node, sel.Attribute)
	} else {
		v = htmlquery.InnerText(node)
	}
	v = normalizeSpace(v)
	return v, v != "", nil
}

// semanticAttrSelector converts a marker like "itemprop=price" or "data-price"
// into a CSS attribute selector.
func semanticAttrSelector(marker string) string {
	if k, v, found := strings.Cut(marker, "="); found {
		return fmt.Sprintf("[%s=%q]", strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return "[" + strings.TrimSpace(marker) + "]"
}

func matchSemantic(doc *Document, sel *domain.SemanticSelector) (string, bool, error) {
	for _, marker := range sel.Attributes {
		matches := doc.doc.Find(semanticAttrSelector(marker))
		found := ""
		matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v := semanticValue(s, marker)
			if v == "" {
				return true
			}
			if len(sel.ContextTerms) > 0 && sel.MaxDistance > 0 {
				d := doc.nearestContextDistance(v, sel.ContextTerms)
				// Attribute-borne values do not occur in the rendered text;
				// only reject when the value was located and lies too far.
				if d > sel.MaxDistance {
					return true
				}
			}
			found = v
			return false
		})
		if found != "" {
			return found, true, nil
		}
	}
	return "", false, nil
}

// semanticValue extracts the candidate value from a semantically marked node:
// content attribute for meta tags, the marker attribute itself when it carries
// a value, node text otherwise.
func semanticValue(s *goquery.Selection, marker string) string {
	if goquery.NodeName(s) == "meta" {
		v, _ := s.Attr("content")
		return strings.TrimSpace(v)
	}
	attr, _, _ := strings.Cut(marker, "=")
	attr = strings.TrimSpace(attr)
	if strings.HasPrefix(attr, "data-") {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return normalizeSpace(s.Text())
}

func matchComposite(doc *Document, sel *domain.CompositeSelector, depth int) (string, bool, error) {
	scope := doc
	value := ""
	for i, step := range sel.Steps {
		// Node-selecting steps narrow the scope for subsequent steps; value
		// steps extract from the current scope.
		switch step.Kind {
		case domain.KindCSS:
			if step.CSS == nil {
				return "", false, fmt.Errorf("evaluator: composite step %d: css selector without data", i)
			}
			sub := scope.doc.Find(step.CSS.Selector)
			if sub.Length() == 0 {
				return "", false, nil
			}
			if step.CSS.Attribute != "" {
				v, _ := sub.First().Attr(step.CSS.Attribute)
				value = strings.TrimSpace(v)
			} else {
				value = normalizeSpace(sub.First().Text())
			}
			if i < len(sel.Steps)-1 {
				frag, err := goquery.OuterHtml(sub.First())
				if err != nil {
					return "", false, fmt.Errorf("evaluator: composite step %d: render scope: %w", i, err)
				}
				scope, err = subDocument(frag, doc.URL)
				if err != nil {
					return "", false, err
				}
			}
		default:
			v, ok, err := match(scope, step, depth+1)
			if err != nil || !ok {
				return "", false, err
			}
			value = v
		}
	}
	if value == "" {
		return "", false, nil
	}

	if sel.Transform == "extract_decimal" {
		money, err := ParseMoneyBR(value)
		if err != nil {
			return "", false, nil
		}
		value = formatMoney(money)
		if sel.Range != nil && (money < sel.Range.Min || (sel.Range.Max > 0 && money > sel.Range.Max)) {
			return "", false, nil
		}
	}
	return value, true, nil
}
