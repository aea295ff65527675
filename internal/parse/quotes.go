package parse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxQuoteLen bounds stored quote text; longer runs are cut at a word
// boundary.
const maxQuoteLen = 500

// Unicode quotation variants folded before matching and uniqueness checks.
var quoteFolder = strings.NewReplacer(
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"«", `"`, // left guillemet
	"»", `"`, // right guillemet
)

var quoteOpeners = `"'`

// NormalizeQuote folds unicode quote variants to their canonical ASCII forms
// and trims whitespace. The store compares quote uniqueness on the
// normalized text.
func NormalizeQuote(text string) string {
	return strings.TrimSpace(quoteFolder.Replace(text))
}

// ExtractQuotes scans bold/strong runs inside posts authored by the named
// character and returns those that look like spoken dialogue: delimited by
// quotation marks and at least minWords words long after trimming.
func ExtractQuotes(html, characterName string, minWords int) []string {
	doc, err := newDoc(html)
	if err != nil {
		return nil
	}

	var quotes []string
	doc.Find(".pr-a").Each(func(_ int, post *goquery.Selection) {
		author := strings.TrimSpace(post.Find(".pr-j").First().Text())
		if !strings.EqualFold(author, characterName) {
			return
		}
		body := post.Find(".postcolor").First()
		if body.Length() == 0 {
			return
		}
		body.Find("b, strong").Each(func(_ int, bold *goquery.Selection) {
			if q, ok := qualifyQuote(bold.Text(), minWords); ok {
				quotes = append(quotes, q)
			}
		})
	})
	return quotes
}

// qualifyQuote decides whether a bold run is dialogue and returns its
// cleaned text.
func qualifyQuote(raw string, minWords int) (string, bool) {
	text := NormalizeQuote(raw)
	if text == "" || !strings.ContainsAny(text[:1], quoteOpeners) {
		return "", false
	}

	cleaned := strings.TrimFunc(text, func(r rune) bool {
		return strings.ContainsRune(quoteOpeners, r)
	})
	cleaned = strings.TrimSpace(cleaned)
	if len(strings.Fields(cleaned)) < minWords {
		return "", false
	}

	if len(cleaned) > maxQuoteLen {
		cut := cleaned[:maxQuoteLen]
		if idx := strings.LastIndex(cut, " "); idx > 0 {
			cut = cut[:idx]
		}
		cleaned = cut + "..."
	}
	return cleaned, true
}
