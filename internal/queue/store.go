package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rzbill/redq/internal/message"
	pebblestore "github.com/rzbill/redq/internal/storage/pebble"
)

var (
	// ErrNotFound is returned when a sequence has no stored message.
	ErrNotFound = errors.New("queue: message not found")
	// ErrNotInFlight is returned when settling a message nobody claimed.
	ErrNotInFlight = errors.New("queue: message not in flight")
)

// Store is the durable message store for one scope.
type Store struct {
	db     *pebblestore.DB
	scope  string
	prefix string

	mu      sync.Mutex
	lastSeq uint64

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

// Open initializes a Store and restores lastSeq from metadata if present.
func Open(db *pebblestore.DB, scope string) (*Store, error) {
	if scope == "" {
		return nil, errors.New("queue: empty scope")
	}
	s := &Store{db: db, scope: scope, prefix: scopePrefix(scope), notifyCh: make(chan struct{})}
	meta, err := db.Get(s.metaKey())
	switch {
	case err == nil && len(meta) >= 8:
		s.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err == nil:
	case !pebblestore.IsNotFound(err):
		return nil, fmt.Errorf("queue: open %s: %w", scope, err)
	}
	return s, nil
}

// Scope returns the store's scope.
func (s *Store) Scope() string { return s.scope }

// Append stores m as ready at readyAtMs (0 = immediately) and returns its sequence.
func (s *Store) Append(ctx context.Context, m *message.Message, readyAtMs int64) (uint64, error) {
	rec, err := message.Marshal(m)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	b := s.db.NewBatch()
	seq := s.lastSeq + 1
	_ = b.Set(s.msgKey(seq), rec, nil)
	_ = b.Set(s.readyKey(seq), putInt64(readyAtMs), nil)
	_ = b.Set(s.metaKey(), putInt64(int64(seq)), nil)
	err = s.db.CommitBatch(ctx, b)
	b.Close()
	if err == nil {
		s.lastSeq = seq
	}
	s.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("queue: append %s: %w", s.scope, err)
	}
	s.notify()
	return seq, nil
}

// Claimed is a message taken from the ready index.
type Claimed struct {
	Seq     uint64
	Message *message.Message
}

// Claim takes the lowest-sequence ready message whose readyAt has passed and
// that accept (if non-nil) admits. nextReadyMs is the earliest future readyAt
// among skipped entries, or 0 when nothing is waiting on time.
func (s *Store) Claim(ctx context.Context, nowMs int64, owner string, accept func(*message.Message) bool) (*Claimed, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.db.PrefixIter(s.indexPrefix(prefixReady))
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	var nextReady int64
	for ok := it.First(); ok; ok = it.Next() {
		seq, ok := seqFromKey(it.Key())
		if !ok {
			continue
		}
		readyAt := getInt64(it.Value())
		if readyAt > nowMs {
			if nextReady == 0 || readyAt < nextReady {
				nextReady = readyAt
			}
			continue
		}
		m, err := s.load(seq)
		if err != nil {
			// orphaned index entry; drop it
			if errors.Is(err, ErrNotFound) || errors.Is(err, message.ErrCorrupt) {
				_ = s.db.Delete(s.readyKey(seq))
			}
			continue
		}
		if accept != nil && !accept(m) {
			continue
		}

		b := s.db.NewBatch()
		_ = b.Delete(s.readyKey(seq), nil)
		_ = b.Set(s.inflightKey(seq), append(putInt64(nowMs), owner...), nil)
		err = s.db.CommitBatch(ctx, b)
		b.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("queue: claim %s/%d: %w", s.scope, seq, err)
		}
		return &Claimed{Seq: seq, Message: m}, nextReady, nil
	}
	return nil, nextReady, nil
}

// Release returns an in-flight message to the ready index at readyAtMs and
// records its redelivery counter.
func (s *Store) Release(ctx context.Context, seq uint64, readyAtMs int64, counter int) error {
	s.mu.Lock()
	err := s.release(ctx, seq, readyAtMs, counter)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) release(ctx context.Context, seq uint64, readyAtMs int64, counter int) error {
	if _, err := s.db.Get(s.inflightKey(seq)); err != nil {
		if pebblestore.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%d", ErrNotInFlight, s.scope, seq)
		}
		return err
	}
	m, err := s.load(seq)
	if err != nil {
		return err
	}
	m.RedeliveryCounter = counter
	m.Redelivered = counter > 0
	rec, err := message.Marshal(m)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(s.msgKey(seq), rec, nil)
	_ = b.Delete(s.inflightKey(seq), nil)
	_ = b.Set(s.readyKey(seq), putInt64(readyAtMs), nil)
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("queue: release %s/%d: %w", s.scope, seq, err)
	}
	return nil
}

// Remove deletes a message and its index entries.
func (s *Store) Remove(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(s.msgKey(seq), nil)
	_ = b.Delete(s.readyKey(seq), nil)
	_ = b.Delete(s.inflightKey(seq), nil)
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("queue: remove %s/%d: %w", s.scope, seq, err)
	}
	return nil
}

// InFlight is a claimed message that was never settled.
type InFlight struct {
	Seq         uint64
	Owner       string
	ClaimedAtMs int64
	Message     *message.Message
}

// InFlight lists claimed messages. After a restart these are orphans whose
// consumers are gone.
func (s *Store) InFlight() ([]InFlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.db.PrefixIter(s.indexPrefix(prefixInflight))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []InFlight
	for ok := it.First(); ok; ok = it.Next() {
		seq, ok := seqFromKey(it.Key())
		if !ok {
			continue
		}
		v := it.Value()
		m, err := s.load(seq)
		if err != nil {
			continue
		}
		f := InFlight{Seq: seq, ClaimedAtMs: getInt64(v), Message: m}
		if len(v) > 8 {
			f.Owner = string(v[8:])
		}
		out = append(out, f)
	}
	return out, nil
}

// Browse returns up to limit stored messages (ready or in flight) in
// sequence order without claiming them.
func (s *Store) Browse(limit int) ([]*message.Message, error) {
	it, err := s.db.PrefixIter(s.indexPrefix(prefixMsg))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*message.Message
	for ok := it.First(); ok && (limit <= 0 || len(out) < limit); ok = it.Next() {
		m, err := message.Unmarshal(it.Value())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Stats counts ready and in-flight messages.
func (s *Store) Stats() (ready, inflight int, err error) {
	count := func(kind string) (int, error) {
		it, err := s.db.PrefixIter(s.indexPrefix(kind))
		if err != nil {
			return 0, err
		}
		defer it.Close()
		n := 0
		for ok := it.First(); ok; ok = it.Next() {
			n++
		}
		return n, nil
	}
	if ready, err = count(prefixReady); err != nil {
		return 0, 0, err
	}
	inflight, err = count(prefixInflight)
	return ready, inflight, err
}

// Drop deletes every key of the scope.
func (s *Store) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeletePrefix(ctx, []byte(s.prefix)); err != nil {
		return fmt.Errorf("queue: drop %s: %w", s.scope, err)
	}
	s.lastSeq = 0
	return nil
}

// Changed returns a channel closed on the next append or release.
func (s *Store) Changed() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

// Notify wakes every waiter on Changed.
func (s *Store) Notify() { s.notify() }

func (s *Store) notify() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

func (s *Store) load(seq uint64) (*message.Message, error) {
	val, err := s.db.Get(s.msgKey(seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, s.scope, seq)
		}
		return nil, err
	}
	return message.Unmarshal(val)
}
