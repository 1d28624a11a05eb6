package extract

import (
	"regexp"
	"strconv"
	"strings"
)

const defaultMaxTextLength = 10 << 20 // 10 MiB

const truncationMarker = "[TRUNCATED]"

var (
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// postProcess normalizes extracted text in place: whitespace collapsing,
// control-character stripping, newline normalization, and truncation to the
// configured ceiling with a visible marker.
func postProcess(res *Result, maxTextLength int) {
	text := res.Text

	// CRLF and bare CR become LF before anything else so the newline rules
	// see one shape.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	// Strip control characters except newline and tab.
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)

	// Collapse horizontal whitespace runs to single spaces and newline runs
	// of three or more to exactly two.
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")

	if len(text) > maxTextLength {
		original := len(text)
		text = text[:maxTextLength] + truncationMarker
		res.setMeta("truncated", "true")
		res.setMeta("originalLength", strconv.Itoa(original))
	}

	res.Text = text
}
