package prefilter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PlainText reduces an HTML fragment to whitespace-collapsed text. Plain
// input is only collapsed.
func PlainText(body string) string {
	if !looksLikeHTML(body) {
		return collapse(body)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return collapse(body)
	}
	doc.Find("script, style, noscript, iframe, figure figcaption").Remove()

	var parts []string
	doc.Find("p, h1, h2, h3, h4, li:not(:has(p)), blockquote:not(:has(p))").Each(func(_ int, s *goquery.Selection) {
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return collapse(doc.Text())
	}
	return strings.Join(parts, "\n")
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
