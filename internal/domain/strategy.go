package domain

import "time"

// Field names a product attribute that strategies target.
type Field string

const (
	FieldPrice        Field = "price"
	FieldOldPrice     Field = "old_price"
	FieldPixPrice     Field = "pix_price"
	FieldInstallment  Field = "installment"
	FieldAvailability Field = "availability"
)

// RequiredFields are the fields an extraction must resolve for an attempt to
// count as ok. The remaining fields are best-effort.
var RequiredFields = []Field{FieldPrice}

// Kind tags the matcher variant a strategy executes.
type Kind string

const (
	KindRegex     Kind = "regex"
	KindXPath     Kind = "xpath"
	KindCSS       Kind = "css"
	KindSemantic  Kind = "semantic"
	KindComposite Kind = "composite"
)

// GenericDomain marks strategies shared across all domains. Generic
// strategies are read-only: the learning layer copies them into a domain
// before mutating.
const GenericDomain = "*"

// MaxCompositeDepth bounds composite nesting to keep evaluation cheap and
// variant generation acyclic.
const MaxCompositeDepth = 4

// RegexSelector matches a capture group, either over the whole document or
// over the text of a CSS-scoped subtree.
type RegexSelector struct {
	Pattern string `json:"pattern"`
	Flags   string `json:"flags,omitempty"`
	Group   int    `json:"group_index"`
	// Scope is a CSS selector restricting the searched text; empty means
	// whole document.
	Scope string `json:"scope,omitempty"`
}

// CSSSelector extracts text or an attribute from the first suitable match of
// a CSS selector. When several nodes match, the one nearest to a context
// keyword in the rendered text wins.
type CSSSelector struct {
	Selector     string   `json:"selector"`
	Attribute    string   `json:"attribute,omitempty"`
	TextMode     string   `json:"text_mode,omitempty"` // innerText | textContent
	ContextTerms []string `json:"context_terms,omitempty"`
}

// XPathSelector extracts the first node's text or attribute.
type XPathSelector struct {
	Expression string `json:"expression"`
	Attribute  string `json:"attribute,omitempty"`
}

// SemanticSelector picks the node whose semantic markers (itemprop,
// data-price, ...) match and which lies within MaxDistance characters of a
// context term in the rendered text.
type SemanticSelector struct {
	Attributes   []string `json:"attributes"`
	ContextTerms []string `json:"context_terms,omitempty"`
	MaxDistance  int      `json:"max_distance_chars,omitempty"`
}

// CompositeSelector threads a scope through a pipeline of child selectors,
// then applies an optional transformation and numeric validation.
type CompositeSelector struct {
	Steps     []Selector  `json:"steps"`
	Transform string      `json:"transformation,omitempty"` // e.g. extract_decimal
	Range     *RangeCheck `json:"validation,omitempty"`
}

// RangeCheck bounds a numeric extraction result.
type RangeCheck struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Selector is the tagged variant over the strategy kinds. Exactly one of the
// kind-specific members is set, matching Kind. Composite steps are themselves
// Selectors, bounded at MaxCompositeDepth.
type Selector struct {
	Kind      Kind               `json:"kind"`
	Regex     *RegexSelector     `json:"regex,omitempty"`
	CSS       *CSSSelector       `json:"css,omitempty"`
	XPath     *XPathSelector     `json:"xpath,omitempty"`
	Semantic  *SemanticSelector  `json:"semantic,omitempty"`
	Composite *CompositeSelector `json:"composite,omitempty"`
}

// Depth returns the nesting depth of the selector (1 for leaf kinds).
func (s Selector) Depth() int {
	if s.Kind != KindComposite || s.Composite == nil {
		return 1
	}
	max := 0
	for _, step := range s.Composite.Steps {
		if d := step.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// Strategy is one extraction recipe for one target field of one domain,
// carrying the online-learning state that ranks it inside the portfolio.
type Strategy struct {
	ID          string
	Domain      string // registrable host, or GenericDomain
	Field       Field
	Selector    Selector
	Confidence  float64
	Priority    int // lower runs earlier
	Attempts    int
	Successes   int
	LastSuccess *time.Time
	SampleURLs  []string
	ParentID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Kind returns the matcher variant of the strategy.
func (s *Strategy) Kind() Kind { return s.Selector.Kind }

// Generic reports whether the strategy belongs to the shared read-only set.
func (s *Strategy) Generic() bool { return s.Domain == GenericDomain }

// SuccessRate is the lifetime success fraction, 0 when untried.
func (s *Strategy) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Score is the expected-utility estimate used for reprioritization.
func (s *Strategy) Score() float64 {
	return s.Confidence * s.SuccessRate()
}
