package destination

import (
	"fmt"
	"strings"
)

const (
	anySegment = "*"
	remainder  = ">"
)

// Pattern is a compiled, kind-scoped destination pattern. Segments are
// separated by ".", "*" matches exactly one segment and ">" matches one or
// more trailing segments.
type Pattern struct {
	kind     Kind
	text     string
	segments []string
}

// Compile parses pattern text for the given kind. ">" is only allowed as the
// final segment.
func Compile(kind Kind, text string) (Pattern, error) {
	if kind != Queue && kind != Topic {
		return Pattern{}, fmt.Errorf("%w: unknown kind", ErrInvalid)
	}
	if text == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalid)
	}
	segs := strings.Split(text, Delimiter)
	for i, s := range segs {
		if s == "" {
			return Pattern{}, fmt.Errorf("%w: empty segment in pattern %q", ErrInvalid, text)
		}
		if s == remainder && i != len(segs)-1 {
			return Pattern{}, fmt.Errorf("%w: %q must be the last segment in %q", ErrInvalid, remainder, text)
		}
	}
	return Pattern{kind: kind, text: text, segments: segs}, nil
}

// MustCompile is Compile for static patterns; it panics on error.
func MustCompile(kind Kind, text string) Pattern {
	p, err := Compile(kind, text)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePattern accepts the same URI forms as Parse.
func ParsePattern(s string) (Pattern, error) {
	switch {
	case strings.HasPrefix(s, "queue://"):
		return Compile(Queue, strings.TrimPrefix(s, "queue://"))
	case strings.HasPrefix(s, "topic://"):
		return Compile(Topic, strings.TrimPrefix(s, "topic://"))
	default:
		return Compile(Queue, s)
	}
}

func (p Pattern) Kind() Kind       { return p.kind }
func (p Pattern) Text() string     { return p.text }
func (p Pattern) String() string   { return p.kind.String() + "://" + p.text }
func (p Pattern) IsWildcard() bool { return p.literals() != len(p.segments) }

// Matches reports whether d is selected by p. Kinds must agree.
func (p Pattern) Matches(d Destination) bool {
	if d.Kind != p.kind {
		return false
	}
	name := strings.Split(d.Name, Delimiter)
	for i, seg := range p.segments {
		if seg == remainder {
			return len(name) > i
		}
		if i >= len(name) {
			return false
		}
		if seg != anySegment && seg != name[i] {
			return false
		}
	}
	return len(name) == len(p.segments)
}

// Specificity summarises how narrowly a pattern selects destinations.
type Specificity struct {
	Literals  int
	Remainder int
	Segments  int
}

// Specificity returns the ordering key for p.
func (p Pattern) Specificity() Specificity {
	s := Specificity{Literals: p.literals(), Segments: len(p.segments)}
	if p.segments[len(p.segments)-1] == remainder {
		s.Remainder = 1
	}
	return s
}

// MoreSpecific reports whether s ranks strictly before o: more literal
// segments, then fewer ">" wildcards, then more segments.
func (s Specificity) MoreSpecific(o Specificity) bool {
	if s.Literals != o.Literals {
		return s.Literals > o.Literals
	}
	if s.Remainder != o.Remainder {
		return s.Remainder < o.Remainder
	}
	return s.Segments > o.Segments
}

func (p Pattern) literals() int {
	n := 0
	for _, s := range p.segments {
		if s != anySegment && s != remainder {
			n++
		}
	}
	return n
}
