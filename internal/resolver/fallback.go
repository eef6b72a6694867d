package resolver

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var refreshTarget = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'"\s>]+)`)

// ExtractFromHTML runs the fallback chain over an HTML body: a canonical link,
// then a meta refresh target, then the first absolute anchor. base resolves a
// relative refresh target and may be nil.
func ExtractFromHTML(body []byte, base *url.URL) (string, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	for _, extract := range []func(*goquery.Document, *url.URL) string{
		canonicalLink,
		metaRefresh,
		firstAnchor,
	} {
		if target := extract(doc, base); target != "" {
			return target, true
		}
	}
	return "", false
}

func canonicalLink(doc *goquery.Document, _ *url.URL) string {
	var found string
	doc.Find("link[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if !hasToken(rel, "canonical") {
			return true
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if isAbsoluteHTTP(href) {
			found = href
			return false
		}
		return true
	})
	return found
}

func metaRefresh(doc *goquery.Document, base *url.URL) string {
	var found string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return true
		}
		m := refreshTarget.FindStringSubmatch(s.AttrOr("content", ""))
		if m == nil {
			return true
		}
		if target := absolutize(m[1], base); target != "" {
			found = target
			return false
		}
		return true
	})
	return found
}

func firstAnchor(doc *goquery.Document, _ *url.URL) string {
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if isAbsoluteHTTP(href) {
			found = href
			return false
		}
		return true
	})
	return found
}

func hasToken(list, token string) bool {
	for _, field := range strings.Fields(list) {
		if strings.EqualFold(field, token) {
			return true
		}
	}
	return false
}

func isAbsoluteHTTP(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func absolutize(raw string, base *url.URL) string {
	if isAbsoluteHTTP(raw) {
		return raw
	}
	if base == nil {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref).String()
	if !isAbsoluteHTTP(resolved) {
		return ""
	}
	return resolved
}
