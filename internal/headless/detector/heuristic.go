// Package detector flags rendered documents that still look like an
// unhydrated client-side shell.
package detector

import (
	"strings"
)

// DefaultMinBytes is the size below which a script-heavy document is suspect.
const DefaultMinBytes = 2048

// Heuristic implements a handful of rule-based checks on rendered markup.
type Heuristic struct {
	MinBytes int
}

// NewHeuristic creates a new detector. A zero threshold uses DefaultMinBytes.
func NewHeuristic(minBytes int) *Heuristic {
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}
	return &Heuristic{MinBytes: minBytes}
}

// Empty mount points left behind when a framework never hydrated.
var emptyMounts = []string{
	`<div id="__next"></div>`,
	`<div id="root"></div>`,
	`<div id="app"></div>`,
}

// Check returns a short reason when content looks unrendered, or "" when it
// looks like a real document.
func (h *Heuristic) Check(content string) string {
	if strings.TrimSpace(content) == "" {
		return "empty document"
	}
	lower := strings.ToLower(content)
	for _, mount := range emptyMounts {
		if strings.Contains(lower, mount) {
			return "empty mount point " + mount
		}
	}
	if len(lower) < h.MinBytes {
		if pct := scriptCoverage(lower); pct >= 25 {
			return "script-heavy document"
		}
	}
	return ""
}

// scriptCoverage returns the percentage of lower covered by <script> elements.
func scriptCoverage(lower string) int {
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag; count the rest of the document.
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd != -1 {
			next = contentStart + relativeEnd + len(closeTag)
		}
		covered += next - start
		searchPos = next
	}
	return covered * 100 / total
}
