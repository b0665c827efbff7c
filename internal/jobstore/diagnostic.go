package jobstore

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const truncatedMarker = "\n...(truncated)"

// BoundDiagnostic prepares failure text for the error column. It drops NUL and
// other control characters except newline and tab, replaces invalid UTF-8, and
// cuts the text on a rune boundary so the result is at most maxBytes long.
func BoundDiagnostic(text string, maxBytes int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, strings.ToValidUTF8(text, "�"))

	if maxBytes <= 0 || len(clean) <= maxBytes {
		return clean
	}

	budget := maxBytes - len(truncatedMarker)
	if budget <= 0 {
		return cutRunes(clean, maxBytes)
	}
	return cutRunes(clean, budget) + truncatedMarker
}

// cutRunes returns the longest prefix of s within n bytes that ends on a rune boundary.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
