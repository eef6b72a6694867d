package resolver

import (
	"net/url"
	"regexp"
	"strings"
)

// urlPattern matches scheme:// followed by anything up to whitespace, ASCII
// delimiters that cannot appear unescaped in a URL, or CJK punctuation.
var urlPattern = regexp.MustCompile("https?://[^\\s\\p{Z}\"<>\\\\^`{|}，。；！？、【】《》]+")

// DefaultShortHosts are redirector hosts that may answer with an interstitial
// page instead of a 3xx.
var DefaultShortHosts = []string{
	"v.douyin.com",
	"vm.tiktok.com",
	"vt.tiktok.com",
}

// Scan returns every candidate URL in text in first-seen order. Duplicates are
// kept.
func Scan(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
