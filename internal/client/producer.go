package client

import (
	"context"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/pkg/id"
)

// Producer sends messages on behalf of a session.
type Producer struct {
	sess *Session
}

// Send publishes body to dest. In a transacted session the message is held
// until Commit and the returned id is zero.
func (p *Producer) Send(ctx context.Context, dest destination.Destination, body []byte, props map[string]string) (id.ID, error) {
	if err := dest.Validate(); err != nil {
		return id.Zero, err
	}
	m := message.New(dest, body, props)
	s := p.sess
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return id.Zero, ErrClosed
	}
	if s.mode == Transacted {
		s.sends = append(s.sends, pendingSend{dest: dest, msg: m.Clone()})
		s.mu.Unlock()
		return id.Zero, nil
	}
	s.mu.Unlock()
	return s.conn.b.Send(ctx, dest, m)
}
