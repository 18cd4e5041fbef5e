// Package content turns post HTML into notification text.
package content

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Summary is the plain-text digest of a post body.
type Summary struct {
	Text  string
	Image string // first image source, if any
}

// Summarize extracts whitespace-collapsed text, cut to at most maxRunes
// runes with an ellipsis, and the first image of an HTML fragment.
func Summarize(body string, maxRunes int) (Summary, error) {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return Summary{}, fmt.Errorf("parse post body: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)
	doc.Find("script, style").Remove()
	// Block boundaries separate words even without whitespace in the markup.
	doc.Find("p, div, br, li, h1, h2, h3, h4, h5, h6, blockquote, tr").Each(func(_ int, sel *goquery.Selection) {
		sel.AfterHtml(" ")
	})

	var s Summary
	if src, ok := doc.Find("img[src]").First().Attr("src"); ok {
		s.Image = strings.TrimSpace(src)
	}
	s.Text = Truncate(strings.Join(strings.Fields(doc.Text()), " "), maxRunes)
	return s, nil
}

// Truncate cuts s to at most maxRunes runes, ending in an ellipsis when cut.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + "…"
}
