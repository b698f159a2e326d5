package main

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxNameLen  = 64
	maxTitleLen = 100
	maxTextLen  = 2000
	maxSongLen  = 500
)

var (
	// the clients render text, never markup
	textPolicy = bluemonday.StrictPolicy()

	colorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]{3,20}|rgba?\([0-9., %]+\)|hsla?\([0-9., %deg]+\))$`)
)

// sanitizeText strips markup and control characters, trims, and limits the
// result to maxLen runes.
func sanitizeText(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(textPolicy.Sanitize(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if runes := []rune(out); len(runes) > maxLen {
		out = strings.TrimSpace(string(runes[:maxLen]))
	}
	return out
}

// sanitizeName is sanitizeText for single-line values.
func sanitizeName(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	return sanitizeText(s, maxLen)
}

// validColor is a superficial check for CSS color values.
func validColor(s string) bool {
	return colorPattern.MatchString(s)
}
