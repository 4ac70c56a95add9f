package skills

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// ArticleTitle returns the text of the article's first h1, or fallback.
func ArticleTitle(html, fallback string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fallback
	}
	if t := strings.Join(strings.Fields(doc.Find("h1").First().Text()), " "); t != "" {
		return t
	}
	return fallback
}

// ArticleWords counts the words of visible article text.
func ArticleWords(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	n := 0
	doc.Find("*").Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#text" {
			n += len(strings.Fields(s.Text()))
		}
	})
	return n
}

// ArticleMarkdown converts sanitized article HTML to Markdown for the
// archive kept in memory.
func ArticleMarkdown(html string) (string, error) {
	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
