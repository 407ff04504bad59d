package scrape

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// strategy locates one piece of page data. Variants carry an ordered list per
// field; sites restructure their markup over time, and trying several
// strategies before giving up survives a revision without a new variant.
type strategy struct {
	selector string
	// attrs are tried in order on the first matching element; empty means the
	// element's text content.
	attrs []string
}

// extract runs the strategy against a parsed document, returning "" on miss.
func (s strategy) extract(doc *goquery.Document) string {
	sel := doc.Find(s.selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if len(s.attrs) == 0 {
		return strings.TrimSpace(sel.Text())
	}
	for _, attr := range s.attrs {
		if val, ok := sel.Attr(attr); ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

// firstMatch tries strategies in order and returns the first non-empty result.
func firstMatch(doc *goquery.Document, strategies []strategy) string {
	for _, s := range strategies {
		if val := s.extract(doc); val != "" {
			return val
		}
	}
	return ""
}
