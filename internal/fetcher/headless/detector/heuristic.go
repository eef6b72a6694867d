// Package detector decides when a fetched page is an unrendered JavaScript
// shell, so snapshots capture the headless-rendered DOM instead of the raw
// bootstrap HTML.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/taskhub/internal/fetcher"
)

const defaultMinTextBytes = 256

// appRoots match the mount points of common client-side frameworks.
const appRoots = "#root, #app, #__next, #__nuxt, [data-reactroot], [data-v-app], [ng-version]"

// Heuristic promotes pages whose visible text is too thin to be the real
// content.
type Heuristic struct {
	// MinTextBytes is the visible text size below which a scripted page is
	// treated as a shell.
	MinTextBytes int
}

// NewHeuristic creates a detector. A non-positive threshold uses the default.
func NewHeuristic(minTextBytes int) *Heuristic {
	if minTextBytes <= 0 {
		minTextBytes = defaultMinTextBytes
	}
	return &Heuristic{MinTextBytes: minTextBytes}
}

// ShouldPromote reports whether resp should be re-fetched with a browser.
// Only successful HTML responses are candidates.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK || !isHTML(resp.Headers) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	scripts := doc.Find("script").Length()
	if scripts == 0 {
		return false
	}
	thin := visibleTextLen(doc) < h.MinTextBytes
	if thin && doc.Find(appRoots).Length() > 0 {
		return true
	}
	if thin && strings.Contains(strings.ToLower(doc.Find("noscript").Text()), "javascript") {
		return true
	}
	return thin && scripts >= 3
}

func isHTML(h http.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "html")
}

func visibleTextLen(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}
