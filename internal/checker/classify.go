package checker

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// robotsBlocked reports whether a robots meta directive forbids indexing.
func robotsBlocked(doc *goquery.Document) (string, bool) {
	var reason string
	doc.Find("meta[name]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name, _ := sel.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "robots") {
			return true
		}
		content, _ := sel.Attr("content")
		content = strings.ToLower(content)
		if strings.Contains(content, "noindex") {
			reason = "noindex"
			return false
		}
		if containsDirective(content, "none") {
			reason = "noindex"
			return false
		}
		return true
	})
	return reason, reason != ""
}

func containsDirective(content, directive string) bool {
	for _, part := range strings.Split(content, ",") {
		if strings.TrimSpace(part) == directive {
			return true
		}
	}
	return false
}

// canonicalURL returns the declared canonical link, resolved against the
// page URL when relative.
func canonicalURL(doc *goquery.Document, pageURL string) (string, bool) {
	href, ok := doc.Find("link[rel='canonical']").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", false
	}
	href = strings.TrimSpace(href)
	base, err := url.Parse(pageURL)
	if err != nil {
		return href, true
	}
	resolved, err := base.Parse(href)
	if err != nil {
		return href, true
	}
	return resolved.String(), true
}

// canonicalEquivalent compares URLs ignoring case and trailing slashes.
func canonicalEquivalent(a, b string) bool {
	return normalizeURL(a) == normalizeURL(b)
}

func normalizeURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "/")
	return s
}
