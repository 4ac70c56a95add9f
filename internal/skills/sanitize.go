package skills

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// Posts are plain text.
	postPolicy = bluemonday.StrictPolicy()

	articlePolicy = func() *bluemonday.Policy {
		p := bluemonday.StrictPolicy()
		p.AllowElements("p", "br", "strong", "em", "code", "pre", "blockquote")
		p.AllowElements("ul", "ol", "li")
		p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
		p.AllowAttrs("href").OnElements("a")
		p.RequireParseableURLs(true)
		p.AddTargetBlankToFullyQualifiedLinks(true)
		p.RequireNoFollowOnLinks(true)
		return p
	}()
)

var platformLimits = map[string]int{
	"twitter":  280,
	"x":        280,
	"mastodon": 500,
	"bluesky":  300,
	"linkedin": 3000,
	"facebook": 5000,
}

const defaultPostLimit = 2000

// PostLimit returns the maximum post length in characters for platform.
func PostLimit(platform string) int {
	if n, ok := platformLimits[strings.ToLower(platform)]; ok {
		return n
	}
	return defaultPostLimit
}

// SanitizePost strips markup from generated text and truncates it to limit
// characters on a word boundary.
func SanitizePost(s string, limit int) string {
	s = html.UnescapeString(postPolicy.Sanitize(s))
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)[:limit-1]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, " \n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// SanitizeArticle keeps basic formatting and drops everything else.
func SanitizeArticle(s string) string {
	return strings.TrimSpace(articlePolicy.Sanitize(s))
}
