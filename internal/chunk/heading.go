package chunk

import (
	"regexp"
	"strings"
)

// Heading is a markdown heading located within a document.
type Heading struct {
	Text   string // heading text without the leading hashes
	Anchor string // GitHub-style anchor derived from Text
	Level  int    // 1 for H1, 2 for H2, 3 for H3
	Offset int    // byte offset of the heading line within the document
}

// headingPattern matches H1-H3 ATX headings at the start of a line.
var headingPattern = regexp.MustCompile(`(?m)^(#{1,3})[ \t]+(.+)$`)

var anchorStrip = regexp.MustCompile(`[^a-z0-9-]`)

// Anchor converts heading text to a GitHub-style anchor:
// lowercase, spaces become hyphens, everything outside [a-z0-9-]
// is removed, leading/trailing hyphens trimmed.
//
//	"API Reference"     -> "api-reference"
//	"What's New (v2)?"  -> "whats-new-v2"
func Anchor(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, " ", "-")
	s = anchorStrip.ReplaceAllString(s, "")
	return strings.Trim(s, "-")
}

// ExtractHeadings returns all H1-H3 headings of a markdown document in
// document order, up to maxLevel deep (3 when maxLevel is 0).
func ExtractHeadings(text string, maxLevel int) []Heading {
	if maxLevel <= 0 || maxLevel > 3 {
		maxLevel = 3
	}

	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	headings := make([]Heading, 0, len(matches))
	for _, m := range matches {
		level := m[3] - m[2] // length of the hash run
		if level > maxLevel {
			continue
		}
		headingText := strings.TrimSpace(text[m[4]:m[5]])
		if headingText == "" {
			continue
		}
		headings = append(headings, Heading{
			Text:   headingText,
			Anchor: Anchor(headingText),
			Level:  level,
			Offset: m[0],
		})
	}
	return headings
}

// NearestHeading returns the anchor of the nearest heading at or before
// offset. When several headings share the winning offset the shallowest
// one wins. Returns "" when no heading precedes the offset; absence of
// a heading is a valid state, not an error.
func NearestHeading(headings []Heading, offset int) string {
	best := -1
	for i, h := range headings {
		if h.Offset > offset {
			break // headings are in document order
		}
		if best == -1 || h.Offset > headings[best].Offset ||
			(h.Offset == headings[best].Offset && h.Level < headings[best].Level) {
			best = i
		}
	}
	if best == -1 {
		return ""
	}
	return headings[best].Anchor
}
