// Package detector decides when a static listing page must be re-rendered in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// challengeMarkers appear in anti-bot interstitials that only a browser can pass.
var challengeMarkers = [][]byte{
	[]byte("cf-chl"),
	[]byte("challenge-platform"),
	[]byte("ddos-guard"),
	[]byte("enable javascript"),
	[]byte("__next"),
	[]byte("id=\"app\""),
}

// ShouldPromote decides whether a headless render is required.
func (h *Heuristic) ShouldPromote(resp harvest.FetchResponse) bool {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusForbidden, http.StatusServiceUnavailable:
	default:
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(body) == 0 {
		return resp.StatusCode == http.StatusOK
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(string(body))
}

// scriptDensityHigh reports whether script elements cover at least a quarter of the document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			covered += total - start
			break
		}
		next := start + end + len(closeTag)
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
