package ingestion

import (
	"regexp"
	"strings"
)

var (
	hyphenBreakRe = regexp.MustCompile(`(\w)-\n(\w)`)
	pageMarkerRe  = regexp.MustCompile(`\s*--- Page \d+ ---\s*`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	spaceRunRe    = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanText repairs line wrapping left behind by extraction. Hyphenated
// breaks are joined, page markers dropped, single newlines become spaces
// while blank-line paragraph breaks survive, and runs of spaces collapse.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = pageMarkerRe.ReplaceAllString(text, "\n")
	text = joinSingleNewlines(text)
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	text = spaceRunRe.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

func joinSingleNewlines(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '\n' {
			b.WriteByte(c)
			continue
		}
		prev := i > 0 && text[i-1] == '\n'
		next := i+1 < len(text) && text[i+1] == '\n'
		if prev || next {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}
