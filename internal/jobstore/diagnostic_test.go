package jobstore

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestBoundDiagnostic(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxBytes int
		want     string
	}{
		{name: "short text untouched", text: "fetch: boom", maxBytes: 100, want: "fetch: boom"},
		{name: "keeps newlines and tabs", text: "a\n\tb", maxBytes: 100, want: "a\n\tb"},
		{name: "strips NUL and control chars", text: "a\x00b\x1bc\rd", maxBytes: 100, want: "abcd"},
		{name: "replaces invalid utf8", text: "a\xffb", maxBytes: 100, want: "a�b"},
		{name: "no limit", text: strings.Repeat("z", 50), maxBytes: 0, want: strings.Repeat("z", 50)},
		{name: "tiny limit has no marker", text: strings.Repeat("z", 50), maxBytes: 4, want: "zzzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BoundDiagnostic(tt.text, tt.maxBytes))
		})
	}
}

func TestBoundDiagnostic_TruncatesOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("가", 100) // 3 bytes per rune

	got := BoundDiagnostic(text, 50)

	assert.LessOrEqual(t, len(got), 50)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, truncatedMarker))
	assert.True(t, strings.HasPrefix(got, "가"))
}
