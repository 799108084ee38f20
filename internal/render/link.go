package render

import (
	"html"
	"regexp"
	"strings"

	"github.com/foxzi/newsmail/internal/models"
)

// PlainLinkLimit is the length above which plain text links are shortened
// when a mailing does not redirect all links.
const PlainLinkLimit = 76

var (
	anchorPattern    = regexp.MustCompile(`(?is)<a\s[^>]*>`)
	hrefPattern      = regexp.MustCompile(`(?is)(\shref\s*=\s*)(?:"([^"]*)"|'([^']*)')`)
	plainLinkPattern = regexp.MustCompile(`https?://[^\s<>"'\]\)]+`)
)

func isAbsolute(u string) bool {
	l := strings.ToLower(u)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Prepare extracts the hyperlink tables of a mailing. Each distinct absolute
// URL gets one entry, in order of first appearance.
func Prepare(htmlContent, plainContent string) (htmlLinks, plainLinks []models.Link) {
	seen := make(map[string]bool)
	for _, tag := range anchorPattern.FindAllString(htmlContent, -1) {
		m := hrefPattern.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		u := html.UnescapeString(m[2] + m[3])
		if !isAbsolute(u) || seen[u] {
			continue
		}
		seen[u] = true
		htmlLinks = append(htmlLinks, models.Link{URL: u})
	}

	seen = make(map[string]bool)
	for _, u := range plainLinkPattern.FindAllString(plainContent, -1) {
		if seen[u] {
			continue
		}
		seen[u] = true
		plainLinks = append(plainLinks, models.Link{URL: u})
	}
	return htmlLinks, plainLinks
}

func linkIndex(links []models.Link) map[string]int {
	idx := make(map[string]int, len(links))
	for i, l := range links {
		if _, ok := idx[l.URL]; !ok {
			idx[l.URL] = i
		}
	}
	return idx
}

// rewriteHTML replaces absolute anchor hrefs found in the link table with jump URLs
func rewriteHTML(content string, links []models.Link, jump func(id string) string) string {
	if len(links) == 0 {
		return content
	}
	idx := linkIndex(links)
	return anchorPattern.ReplaceAllStringFunc(content, func(tag string) string {
		return hrefPattern.ReplaceAllStringFunc(tag, func(attr string) string {
			m := hrefPattern.FindStringSubmatch(attr)
			u := html.UnescapeString(m[2] + m[3])
			id, ok := idx[u]
			if !ok {
				return attr
			}
			return m[1] + `"` + html.EscapeString(jump(itoa(id))) + `"`
		})
	})
}

// rewritePlain replaces plain text links with jump URLs. Unless all is set only
// links longer than PlainLinkLimit are touched.
func rewritePlain(content string, links []models.Link, all bool, jump func(id string) string) string {
	if len(links) == 0 {
		return content
	}
	idx := linkIndex(links)
	return plainLinkPattern.ReplaceAllStringFunc(content, func(u string) string {
		id, ok := idx[u]
		if !ok {
			return u
		}
		if !all && len(u) <= PlainLinkLimit {
			return u
		}
		return jump("-" + itoa(id))
	})
}
