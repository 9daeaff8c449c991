// Package content turns fetched HTML into the plain text stream fed to the
// extraction pipeline.
package content

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ToText strips markup from an HTML document and returns readable text.
// Anchors are rendered in markdown form so link targets survive for the
// extraction model.
func ToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript, iframe, svg").Remove()

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(s.Text())
		if text == "" || href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		s.SetText(fmt.Sprintf("[%s](%s)", text, href))
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return normalize(body.Text()), nil
}

// normalize collapses intra-line whitespace and blank-line runs while keeping
// paragraph breaks.
func normalize(text string) string {
	var b strings.Builder
	blank := true
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				b.WriteString("\n\n")
				blank = true
			}
			continue
		}
		if !blank {
			b.WriteString("\n")
		}
		b.WriteString(line)
		blank = false
	}
	return strings.TrimSpace(b.String())
}
