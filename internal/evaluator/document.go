// Package evaluator applies a ranked strategy portfolio to a DOM snapshot and
// assembles the best candidate price record, reporting a per-strategy outcome
// for every attempted (field, strategy) pair.
package evaluator

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"pricewatch/internal/domain"
)

// Document is the parsed form of a DOMSnapshot, shared by all matchers so the
// HTML is parsed once per attempt.
type Document struct {
	URL  string
	Text string

	doc  *goquery.Document
	root *html.Node
}

// Parse builds a Document from a snapshot. The rendered-text member falls
// back to the document text when the browser did not supply one.
func Parse(snap domain.DOMSnapshot) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("evaluator: parse snapshot: %w", err)
	}
	root, err := htmlquery.Parse(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, fmt.Errorf("evaluator: parse snapshot for xpath: %w", err)
	}
	text := snap.Text
	if text == "" {
		text = normalizeSpace(doc.Text())
	}
	return &Document{
		URL:  snap.URL,
		Text: text,
		doc:  doc,
		root: root,
	}, nil
}

// subDocument re-parses an HTML fragment so composite steps can narrow the
// matching scope to a previously selected subtree.
func subDocument(fragment, url string) (*Document, error) {
	return Parse(domain.DOMSnapshot{URL: url, HTML: fragment})
}

// normalizeSpace collapses runs of whitespace into single spaces; proximity
// heuristics need stable character offsets.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// textOffset returns the character offset of needle inside the rendered text,
// or -1 when absent. Matching is case-insensitive.
func (d *Document) textOffset(needle string) int {
	if needle == "" {
		return -1
	}
	return strings.Index(strings.ToLower(d.Text), strings.ToLower(normalizeSpace(needle)))
}

// nearestContextDistance returns the smallest distance in characters between
// the candidate text and any of the context terms within the rendered text.
// It returns -1 when either side cannot be located.
func (d *Document) nearestContextDistance(candidate string, terms []string) int {
	pos := d.textOffset(candidate)
	if pos < 0 {
		return -1
	}
	best := -1
	lower := strings.ToLower(d.Text)
	for _, term := range terms {
		idx := 0
		t := strings.ToLower(term)
		for {
			at := strings.Index(lower[idx:], t)
			if at < 0 {
				break
			}
			at += idx
			dist := pos - at
			if dist < 0 {
				dist = -dist
			}
			if best < 0 || dist < best {
				best = dist
			}
			idx = at + len(t)
		}
	}
	return best
}
