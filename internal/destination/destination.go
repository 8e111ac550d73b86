// Package destination models queue and topic addresses and the hierarchical
// wildcard patterns used to select them.
package destination

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes point-to-point queues from publish/subscribe topics.
type Kind uint8

const (
	Queue Kind = iota + 1
	Topic
)

func (k Kind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// ParseKind accepts "queue" or "topic".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "queue":
		return Queue, nil
	case "topic":
		return Topic, nil
	default:
		return 0, fmt.Errorf("destination: unknown kind %q", s)
	}
}

// Delimiter separates name segments.
const Delimiter = "."

// ErrInvalid is returned for empty or malformed destination names.
var ErrInvalid = errors.New("destination: invalid destination")

// Destination addresses a queue or topic by name.
type Destination struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// NewQueue returns the queue named name.
func NewQueue(name string) Destination { return Destination{Kind: Queue, Name: name} }

// NewTopic returns the topic named name.
func NewTopic(name string) Destination { return Destination{Kind: Topic, Name: name} }

// String renders queue://NAME or topic://NAME.
func (d Destination) String() string { return d.Kind.String() + "://" + d.Name }

// IsZero reports whether d is unset.
func (d Destination) IsZero() bool { return d.Kind == 0 && d.Name == "" }

// Validate rejects empty names, empty segments and wildcard characters.
func (d Destination) Validate() error {
	if d.Kind != Queue && d.Kind != Topic {
		return fmt.Errorf("%w: unknown kind", ErrInvalid)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	for _, seg := range strings.Split(d.Name, Delimiter) {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalid, d.Name)
		}
		if seg == anySegment || seg == remainder {
			return fmt.Errorf("%w: wildcard in name %q", ErrInvalid, d.Name)
		}
	}
	if strings.Contains(d.Name, "/") {
		return fmt.Errorf("%w: '/' not allowed in %q", ErrInvalid, d.Name)
	}
	return nil
}

// Parse reads queue://NAME, topic://NAME or a bare NAME (a queue).
func Parse(s string) (Destination, error) {
	var d Destination
	switch {
	case strings.HasPrefix(s, "queue://"):
		d = NewQueue(strings.TrimPrefix(s, "queue://"))
	case strings.HasPrefix(s, "topic://"):
		d = NewTopic(strings.TrimPrefix(s, "topic://"))
	default:
		d = NewQueue(s)
	}
	if err := d.Validate(); err != nil {
		return Destination{}, err
	}
	return d, nil
}

// MarshalText encodes the URI form.
func (d Destination) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText decodes the URI form.
func (d *Destination) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
