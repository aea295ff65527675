// Package parse turns raw forum markup into typed records. Every function
// here is a pure transform over a page body: no I/O, no clocks beyond the
// injected "now" used for relative dates.
package parse

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Error reports an unexpected markup shape for a single page. Orchestrator
// policy is to log, sink the page, and continue with other items.
type Error struct {
	Page   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Page, e.Reason)
}

func newDoc(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("build document: %w", err)
	}
	return doc, nil
}

// IsCooldownPage reports whether the body is the site's "Board Message"
// interstitial, returned when the search rate limit is hit. It is a normal
// 200 response, distinct from both results and errors.
func IsCooldownPage(html string) bool {
	doc, err := newDoc(html)
	if err != nil {
		return false
	}
	title := doc.Find("title").First().Text()
	return strings.Contains(title, "Board Message")
}

// SearchRedirect returns the target of a meta-refresh redirect page, or ""
// when the page is not a redirect. The site sometimes interposes one of
// these before search results.
func SearchRedirect(html, baseURL string) string {
	doc, err := newDoc(html)
	if err != nil {
		return ""
	}
	content, ok := doc.Find(`meta[http-equiv="refresh"]`).First().Attr("content")
	if !ok {
		return ""
	}
	idx := strings.Index(strings.ToLower(content), "url=")
	if idx < 0 {
		return ""
	}
	target := strings.TrimSpace(content[idx+len("url="):])
	return absoluteURL(target, baseURL)
}

func absoluteURL(href, baseURL string) string {
	if href == "" || strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(href, "/")
}
