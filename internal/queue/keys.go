package queue

import (
	"encoding/binary"
	"time"
)

const (
	prefixMsg      = "msg/"
	prefixReady    = "ready/"
	prefixInflight = "inflight/"
	keyMeta        = "meta"
)

// scopePrefix returns dst/{scope}/.
func scopePrefix(scope string) string { return "dst/" + scope + "/" }

func seqKey(prefix, kind string, seq uint64) []byte {
	key := make([]byte, len(prefix)+len(kind)+8)
	n := copy(key, prefix)
	n += copy(key[n:], kind)
	binary.BigEndian.PutUint64(key[n:], seq)
	return key
}

func (s *Store) msgKey(seq uint64) []byte      { return seqKey(s.prefix, prefixMsg, seq) }
func (s *Store) readyKey(seq uint64) []byte    { return seqKey(s.prefix, prefixReady, seq) }
func (s *Store) inflightKey(seq uint64) []byte { return seqKey(s.prefix, prefixInflight, seq) }
func (s *Store) metaKey() []byte               { return []byte(s.prefix + keyMeta) }

func (s *Store) indexPrefix(kind string) []byte { return []byte(s.prefix + kind) }

// seqFromKey reads the trailing 8-byte sequence.
func seqFromKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

func putInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func getInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}

// ReadyAtMs converts t to the store's millisecond resolution. It rounds up,
// so a message is never claimable before t. The zero time means now.
func ReadyAtMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) > 0 {
		ms++
	}
	return ms
}
