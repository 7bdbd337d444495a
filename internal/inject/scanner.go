// Package inject inserts a hidden CSRF token field into every HTML form of
// a response body.
//
// The transform is a byte-level state machine. Bytes outside the injection
// points pass through untouched, and a "<form" split across two reads is
// still recognised because the match progress lives in the scanner state
// rather than in a buffered copy of the input.
package inject

import (
	"html"

	"github.com/noah-isme/formguard/internal/tokens"
)

const formOpen = "<form"

type phase uint8

const (
	phaseText phase = iota // looking for '<'
	phaseOpen              // matched formOpen[:matched]
	phaseName              // matched "<form", need a tag-name terminator
	phaseTag               // inside the form tag, waiting for '>'
)

// HiddenField renders the markup injected after each form tag.
func HiddenField(token string) string {
	return `<input type="hidden" name="` + tokens.FormField + `" value="` + html.EscapeString(token) + `">`
}

// scanner holds the per-response transform state.
type scanner struct {
	field    []byte
	phase    phase
	matched  int
	injected int
}

func newScanner(token string) *scanner {
	return &scanner{field: []byte(HiddenField(token))}
}

// transform appends the transformed form of in to out and returns it.
func (s *scanner) transform(out, in []byte) []byte {
	start := 0
	for i := 0; i < len(in); i++ {
		c := in[i]
		switch s.phase {
		case phaseText:
			if c == '<' {
				s.phase, s.matched = phaseOpen, 1
			}
		case phaseOpen:
			switch {
			case lower(c) == formOpen[s.matched]:
				s.matched++
				if s.matched == len(formOpen) {
					s.phase = phaseName
				}
			case c == '<':
				s.matched = 1
			default:
				s.phase = phaseText
			}
		case phaseName:
			switch {
			case c == '>':
				out = append(out, in[start:i+1]...)
				out = append(out, s.field...)
				s.injected++
				start = i + 1
				s.phase = phaseText
			case isTerminator(c):
				s.phase = phaseTag
			case c == '<':
				s.phase, s.matched = phaseOpen, 1
			default:
				// "<formula", "<format" and friends
				s.phase = phaseText
			}
		case phaseTag:
			if c == '>' {
				out = append(out, in[start:i+1]...)
				out = append(out, s.field...)
				s.injected++
				start = i + 1
				s.phase = phaseText
			}
		}
	}
	return append(out, in[start:]...)
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func isTerminator(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '/':
		return true
	}
	return false
}
