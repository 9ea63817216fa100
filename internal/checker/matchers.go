package checker

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/linksentry/linksentry/internal/linkcheck"
)

// Match is a located target-domain reference on the page.
type Match struct {
	Relation    linkcheck.Relation
	Description string
	Href        string
}

// Matcher is one strategy for locating a target-domain link in a document.
// Strategies are tried in priority order; the first match wins.
type Matcher interface {
	Name() string
	FindMatch(doc *goquery.Document, pageURL string, targetDomains []string) *Match
}

// DefaultMatchers returns the fallback chain in priority order.
func DefaultMatchers() []Matcher {
	return []Matcher{
		resolvedAnchorMatcher{},
		rawAnchorMatcher{},
		eventHandlerMatcher{},
		mediaAnchorMatcher{},
		inlineScriptMatcher{},
	}
}

func findTarget(matchers []Matcher, doc *goquery.Document, pageURL string, targetDomains []string) *Match {
	if len(targetDomains) == 0 {
		return nil
	}
	for _, m := range matchers {
		if match := m.FindMatch(doc, pageURL, targetDomains); match != nil {
			return match
		}
	}
	return nil
}

// resolvedAnchorMatcher resolves each anchor's href against the page URL
// and matches on the resulting host.
type resolvedAnchorMatcher struct{}

func (resolvedAnchorMatcher) Name() string { return "resolved-anchor" }

func (resolvedAnchorMatcher) FindMatch(doc *goquery.Document, pageURL string, targetDomains []string) *Match {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var match *Match
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		resolved, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if !hostMatches(resolved.Hostname(), targetDomains) {
			return true
		}
		match = &Match{
			Relation:    anchorRelation(sel),
			Description: anchorDescription(sel),
			Href:        resolved.String(),
		}
		return false
	})
	return match
}

// rawAnchorMatcher catches hrefs a URL parser would reject but which still
// carry a target domain verbatim.
type rawAnchorMatcher struct{}

func (rawAnchorMatcher) Name() string { return "raw-anchor" }

func (rawAnchorMatcher) FindMatch(doc *goquery.Document, _ string, targetDomains []string) *Match {
	var match *Match
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if !containsDomain(href, targetDomains) {
			return true
		}
		match = &Match{
			Relation:    anchorRelation(sel),
			Description: anchorDescription(sel),
			Href:        strings.TrimSpace(href),
		}
		return false
	})
	return match
}

// eventHandlerMatcher scans inline handler attributes for URL literals that
// reference a target domain (window.open / location assignments).
type eventHandlerMatcher struct{}

var handlerAttrs = []string{"onclick", "onmousedown", "onmouseup", "ontouchstart"}

func (eventHandlerMatcher) Name() string { return "event-handler" }

func (eventHandlerMatcher) FindMatch(doc *goquery.Document, _ string, targetDomains []string) *Match {
	var match *Match
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		for _, attr := range handlerAttrs {
			code, ok := sel.Attr(attr)
			if !ok {
				continue
			}
			href, ok := urlLiteralForDomain(code, targetDomains)
			if !ok {
				continue
			}
			match = &Match{
				Relation:    linkcheck.RelationUnknown,
				Description: "Link in event handler",
				Href:        href,
			}
			return false
		}
		return true
	})
	return match
}

// mediaAnchorMatcher finds icon/image/svg elements whose nearest ancestor
// anchor points at a target domain.
type mediaAnchorMatcher struct{}

func (mediaAnchorMatcher) Name() string { return "media-anchor" }

func (mediaAnchorMatcher) FindMatch(doc *goquery.Document, pageURL string, targetDomains []string) *Match {
	base, baseErr := url.Parse(pageURL)
	var match *Match
	doc.Find("img, svg, i, picture").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		anchor := sel.Closest("a")
		if anchor.Length() == 0 {
			return true
		}
		href, ok := anchor.Attr("href")
		if !ok {
			return true
		}
		matched := containsDomain(href, targetDomains)
		if !matched && baseErr == nil {
			if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
				matched = hostMatches(resolved.Hostname(), targetDomains)
			}
		}
		if !matched {
			return true
		}
		match = &Match{
			Relation:    anchorRelation(anchor),
			Description: "Image link",
			Href:        strings.TrimSpace(href),
		}
		return false
	})
	return match
}

// inlineScriptMatcher looks for target-domain URL literals inside inline
// script bodies; links injected by custom widgets often live here.
type inlineScriptMatcher struct{}

func (inlineScriptMatcher) Name() string { return "inline-script" }

func (inlineScriptMatcher) FindMatch(doc *goquery.Document, _ string, targetDomains []string) *Match {
	var match *Match
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if _, external := sel.Attr("src"); external {
			return true
		}
		href, ok := urlLiteralForDomain(sel.Text(), targetDomains)
		if !ok {
			return true
		}
		match = &Match{
			Relation:    linkcheck.RelationUnknown,
			Description: "Link in script",
			Href:        href,
		}
		return false
	})
	return match
}

var urlLiteralRe = regexp.MustCompile(`https?://[^\s"'\\)<>]+`)

// urlLiteralForDomain extracts the first URL literal referencing any target
// domain from a blob of code.
func urlLiteralForDomain(code string, targetDomains []string) (string, bool) {
	for _, literal := range urlLiteralRe.FindAllString(code, -1) {
		if containsDomain(literal, targetDomains) {
			return literal, true
		}
	}
	return "", false
}

// hostMatches reports whether host equals a target domain or is one of its
// subdomains.
func hostMatches(host string, targetDomains []string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, domain := range targetDomains {
		domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "www."))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func containsDomain(s string, targetDomains []string) bool {
	s = strings.ToLower(s)
	for _, domain := range targetDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" && strings.Contains(s, domain) {
			return true
		}
	}
	return false
}

func anchorRelation(sel *goquery.Selection) linkcheck.Relation {
	rel, _ := sel.Attr("rel")
	if strings.Contains(strings.ToLower(rel), "nofollow") {
		return linkcheck.RelationNofollow
	}
	return linkcheck.RelationDofollow
}

func anchorDescription(sel *goquery.Selection) string {
	text := strings.TrimSpace(sel.Text())
	if text == "" {
		return "Link"
	}
	// Truncate on runes so a multi-byte character is never split.
	if utf8.RuneCountInString(text) > 120 {
		runes := []rune(text)
		text = string(runes[:120])
	}
	return text
}
