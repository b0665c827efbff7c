// Package subtitle serializes timed transcription segments into WebVTT cue files.
package subtitle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Header is the first line of every document.
const Header = "WEBVTT"

// msTolerance absorbs binary float error so 59.999 renders as .999, not .998.
const msTolerance = 1e-6

// Segment is one timed utterance produced by the transcription engine.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Cue is one numbered entry of a Document.
type Cue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// Document is the ordered list of cues derived from a job's segments.
type Document struct {
	Cues []Cue
}

// Build numbers segments from 1 in input order. Segments are not re-sorted.
//
// Timings are normalized instead of rejected: negative, NaN and infinite values
// become 0 and an end earlier than its start is raised to the start.
func Build(segments []Segment) Document {
	doc := Document{Cues: make([]Cue, 0, len(segments))}
	for i, seg := range segments {
		start := clampSeconds(seg.Start)
		end := clampSeconds(seg.End)
		if end < start {
			end = start
		}
		doc.Cues = append(doc.Cues, Cue{
			Index: i + 1,
			Start: start,
			End:   end,
			Text:  cleanText(seg.Text),
		})
	}
	return doc
}

// String renders the document. An empty document is the header line alone.
func (d Document) String() string {
	var b strings.Builder
	b.WriteString(Header)
	b.WriteString("\n")
	for _, c := range d.Cues {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(c.Index))
		b.WriteString("\n")
		b.WriteString(FormatTimestamp(c.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(c.End))
		b.WriteString("\n")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Assemble is Build followed by String.
func Assemble(segments []Segment) string {
	return Build(segments).String()
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm. Milliseconds are truncated,
// hours are not wrapped at 24.
func FormatTimestamp(seconds float64) string {
	totalMs := int64(math.Floor(clampSeconds(seconds)*1000 + msTolerance))
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func clampSeconds(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func cleanText(text string) string {
	return newlines.Replace(strings.TrimSpace(text))
}
