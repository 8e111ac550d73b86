package redelivery

import (
	"encoding/binary"
	"errors"
	"time"
)

// State is the per-message retry record. It exists from the first failed
// acknowledgment until the message is acknowledged or dead-lettered.
type State struct {
	Key Key `json:"key"`
	// AttemptCount is the number of failed deliveries so far.
	AttemptCount int `json:"attemptCount"`
	// NextEligible is when the message may be offered again; zero means now.
	NextEligible time.Time `json:"nextEligible"`
	// LastDelay feeds the next exponential step.
	LastDelay time.Duration `json:"lastDelay"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Eligible reports whether the message may be delivered at now.
func (s State) Eligible(now time.Time) bool {
	return s.NextEligible.IsZero() || !now.Before(s.NextEligible)
}

// state record: version(1) | attempts(4) | nextEligibleMs(8) | lastDelayNs(8) | updatedMs(8)
const (
	stateVersion = 1
	stateLen     = 29
)

var errBadState = errors.New("redelivery: malformed state record")

func encodeState(s State) []byte {
	b := make([]byte, stateLen)
	b[0] = stateVersion
	binary.BigEndian.PutUint32(b[1:5], uint32(s.AttemptCount))
	binary.BigEndian.PutUint64(b[5:13], uint64(unixMs(s.NextEligible)))
	binary.BigEndian.PutUint64(b[13:21], uint64(s.LastDelay))
	binary.BigEndian.PutUint64(b[21:29], uint64(unixMs(s.UpdatedAt)))
	return b
}

func decodeState(key Key, b []byte) (State, error) {
	if len(b) != stateLen || b[0] != stateVersion {
		return State{}, errBadState
	}
	return State{
		Key:          key,
		AttemptCount: int(binary.BigEndian.Uint32(b[1:5])),
		NextEligible: fromUnixMs(int64(binary.BigEndian.Uint64(b[5:13]))),
		LastDelay:    time.Duration(binary.BigEndian.Uint64(b[13:21])),
		UpdatedAt:    fromUnixMs(int64(binary.BigEndian.Uint64(b[21:29]))),
	}, nil
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
