// Package sentence converts a token-by-token text stream into
// complete-sentence chunks. Detection is conservative: a longer chunk beats
// a split inside an abbreviation.
package sentence

import (
	"regexp"
	"strings"
)

// Punctuation followed by space or tab (never newline) and a capital letter.
var boundaryRe = regexp.MustCompile(`([.!?]+)[ \t]+([A-Z])`)

var (
	singleLowerRe  = regexp.MustCompile(`^[a-z]$`)
	bareNumberRe   = regexp.MustCompile(`^\d+$`)
	endsInDigitRe  = regexp.MustCompile(`\d$`)
	strongPunctRe  = regexp.MustCompile(`[!?]`)
	capitalInitRe  = regexp.MustCompile(`\b[A-Z]\.$`)
	colonTailRe    = regexp.MustCompile(`:\s*[.!?]*$`)
	colonListRe    = regexp.MustCompile(`:\s+\d+\.`)
)

// Abbreviations that must not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"inc": true, "ltd": true, "corp": true, "co": true,
	"etc": true, "vs": true, "e.g": true, "i.e": true, "p.s": true,
	"st": true, "ave": true, "blvd": true, "rd": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "may": true, "jun": true,
	"jul": true, "aug": true, "sep": true, "oct": true, "nov": true, "dec": true,
	"u.s": true, "u.k": true, "u.s.a": true, "ph.d": true, "m.d": true,
	"b.a": true, "m.a": true, "a.m": true, "p.m": true,
}

// Segmenter buffers streamed text and emits sentences as boundaries are
// confirmed. Not safe for concurrent use; one segmenter per stream.
type Segmenter struct {
	buffer string
}

// New creates an empty segmenter.
func New() *Segmenter {
	return &Segmenter{}
}

// AddChunk appends a streamed chunk and returns any sentences completed by
// it. May return an empty slice when no boundary is confirmed yet.
func (s *Segmenter) AddChunk(chunk string) []string {
	s.buffer += chunk

	var sentences []string
	searchPos := 0

	for {
		loc := boundaryRe.FindStringSubmatchIndex(s.buffer[searchPos:])
		if loc == nil {
			break
		}

		actualStart := searchPos + loc[0]
		actualEnd := searchPos + loc[1]

		// Sentence runs up to and including the punctuation group.
		sentenceEnd := actualStart + (loc[3] - loc[2])
		candidate := strings.TrimSpace(s.buffer[:sentenceEnd])

		if isFalsePositive(candidate) {
			// Skip this match but keep the buffer; the capital may start
			// the next candidate.
			searchPos = actualEnd - 1
			continue
		}

		sentences = append(sentences, candidate)
		s.buffer = strings.TrimLeft(s.buffer[sentenceEnd:], " \t\n\r")
		searchPos = 0
	}

	return sentences
}

// Flush returns the remaining buffer as the final sentence and resets the
// segmenter. Call once when the stream completes.
func (s *Segmenter) Flush() string {
	final := strings.TrimSpace(s.buffer)
	s.buffer = ""
	return final
}

// Reset discards any buffered text.
func (s *Segmenter) Reset() {
	s.buffer = ""
}

func isFalsePositive(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 {
		return true
	}

	lastWord := strings.TrimRight(strings.ToLower(words[len(words)-1]), ".!?")

	if abbreviations[lastWord] {
		return true
	}

	// Single-letter initials: "F.", "K.".
	if singleLowerRe.MatchString(lastWord) {
		return true
	}

	// Numbered list markers: "1.", "2.".
	if bareNumberRe.MatchString(lastWord) {
		return true
	}

	// "1. F" style list item openings.
	if len(words) == 2 &&
		bareNumberRe.MatchString(strings.TrimRight(words[0], ".")) &&
		singleLowerRe.MatchString(lastWord) {
		return true
	}

	// Decimals: "4.99".
	if endsInDigitRe.MatchString(lastWord) {
		return true
	}

	// Too short to stand alone, unless it carries strong punctuation.
	if !strongPunctRe.MatchString(text) {
		if len(strings.TrimSpace(text)) < 10 && len(words) < 2 {
			return true
		}
	}

	// "John F." style trailing initials.
	if capitalInitRe.MatchString(text) {
		return true
	}

	// Section headers: "PROCESS:".
	if colonTailRe.MatchString(text) {
		return true
	}

	// Colon-introduced numbered lists: "Steps: 1."
	if colonListRe.MatchString(text) {
		return true
	}

	return false
}
