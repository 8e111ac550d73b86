package policy

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rzbill/redq/internal/destination"
)

// Resolver yields the policy governing a destination.
type Resolver interface {
	Resolve(dest destination.Destination) (Policy, error)
}

// Entry pairs a compiled pattern with its policy.
type Entry struct {
	Pattern destination.Pattern
	Policy  Policy
}

// snapshot is immutable once published.
type snapshot struct {
	def     *Policy
	entries []Entry // insertion order
	ranked  []Entry // most specific first, stable on insertion order
}

// Map resolves destinations to policies. Reads are lock-free against an
// immutable snapshot; writers copy and swap, so an update only affects
// resolutions that start after it.
type Map struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewMap returns a map with no default and no entries.
func NewMap() *Map {
	m := &Map{}
	m.snap.Store(&snapshot{})
	return m
}

// NewMapWithDefault returns a map whose global default is def.
func NewMapWithDefault(def Policy) (*Map, error) {
	m := NewMap()
	if err := m.SetDefault(def); err != nil {
		return nil, err
	}
	return m, nil
}

// SetDefault replaces the global fallback policy.
func (m *Map) SetDefault(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	m.snap.Store(&snapshot{def: &p, entries: cur.entries, ranked: cur.ranked})
	return nil
}

// ClearDefault removes the global fallback.
func (m *Map) ClearDefault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	m.snap.Store(&snapshot{entries: cur.entries, ranked: cur.ranked})
}

// Default returns the global fallback, if any.
func (m *Map) Default() (Policy, bool) {
	s := m.snap.Load()
	if s.def == nil {
		return Policy{}, false
	}
	return *s.def, true
}

// Put registers p for pattern. Re-registering a pattern replaces its policy
// in place and keeps its original registration order.
func (m *Map) Put(pattern destination.Pattern, p Policy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%s: %w", pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	entries := make([]Entry, 0, len(cur.entries)+1)
	replaced := false
	for _, e := range cur.entries {
		if e.Pattern.Kind() == pattern.Kind() && e.Pattern.Text() == pattern.Text() {
			e.Policy = p
			replaced = true
		}
		entries = append(entries, e)
	}
	if !replaced {
		entries = append(entries, Entry{Pattern: pattern, Policy: p})
	}
	m.snap.Store(newSnapshot(cur.def, entries))
	return nil
}

// Remove deletes the entry for pattern; it reports whether one existed.
func (m *Map) Remove(pattern destination.Pattern) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snap.Load()
	entries := make([]Entry, 0, len(cur.entries))
	for _, e := range cur.entries {
		if e.Pattern.Kind() == pattern.Kind() && e.Pattern.Text() == pattern.Text() {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == len(cur.entries) {
		return false
	}
	m.snap.Store(newSnapshot(cur.def, entries))
	return true
}

// Entries returns the registered entries in insertion order.
func (m *Map) Entries() []Entry {
	return append([]Entry(nil), m.snap.Load().entries...)
}

// Resolve picks the most specific matching pattern of the destination's
// kind, falling back to the default. Ties go to the first registered.
func (m *Map) Resolve(dest destination.Destination) (Policy, error) {
	p, _, err := m.Lookup(dest)
	return p, err
}

// Lookup is Resolve that also reports which pattern matched; a zero
// Pattern means the default applied.
func (m *Map) Lookup(dest destination.Destination) (Policy, destination.Pattern, error) {
	s := m.snap.Load()
	for _, e := range s.ranked {
		if e.Pattern.Matches(dest) {
			return e.Policy, e.Pattern, nil
		}
	}
	if s.def != nil {
		return *s.def, destination.Pattern{}, nil
	}
	return Policy{}, destination.Pattern{}, fmt.Errorf("%w: %s", ErrNoPolicy, dest)
}

// Clone copies the map; later writes to either side are independent.
func (m *Map) Clone() *Map {
	c := &Map{}
	c.snap.Store(m.snap.Load())
	return c
}

func newSnapshot(def *Policy, entries []Entry) *snapshot {
	ranked := append([]Entry(nil), entries...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Pattern.Specificity().MoreSpecific(ranked[j].Pattern.Specificity())
	})
	return &snapshot{def: def, entries: entries, ranked: ranked}
}
