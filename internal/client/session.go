package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rzbill/redq/internal/broker"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// AckMode selects how a session settles deliveries.
type AckMode int

const (
	// AutoAcknowledge acks a pulled message on return and a pushed one when
	// the listener returns without error.
	AutoAcknowledge AckMode = iota
	// ClientAcknowledge holds deliveries until Acknowledge or Recover.
	ClientAcknowledge
	// Transacted holds deliveries and sends until Commit or Rollback.
	Transacted
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case Transacted:
		return "transacted"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}

type pending struct {
	d        *broker.Delivery
	consumer *Consumer
}

type pendingSend struct {
	dest destination.Destination
	msg  *message.Message
}

// Session groups deliveries under one acknowledgement mode. A Session is
// safe for concurrent use, but its consumers share one unacknowledged set.
type Session struct {
	conn   *Connection
	id     string
	mode   AckMode
	logger logpkg.Logger

	mu        sync.Mutex
	closed    bool
	unacked   []pending
	sends     []pendingSend
	consumers map[*Consumer]struct{}
}

func newSession(c *Connection, mode AckMode) *Session {
	id := uuid.NewString()
	return &Session{
		conn:      c,
		id:        id,
		mode:      mode,
		logger:    c.logger.With(logpkg.Str("session", id), logpkg.Str("ack_mode", mode.String())),
		consumers: make(map[*Consumer]struct{}),
	}
}

// Mode returns the session's acknowledgement mode.
func (s *Session) Mode() AckMode { return s.mode }

// CreateConsumer attaches a consumer to dest. selector is an optional CEL
// expression.
func (s *Session) CreateConsumer(dest destination.Destination, selector string) (*Consumer, error) {
	return s.createConsumer(dest, broker.SubscribeOptions{Selector: selector})
}

// CreateDurableConsumer attaches to the durable subscription name on topic,
// creating it if needed.
func (s *Session) CreateDurableConsumer(topic destination.Destination, name, selector string) (*Consumer, error) {
	if topic.Kind != destination.Topic {
		return nil, fmt.Errorf("client: durable consumers need a topic, got %s", topic)
	}
	return s.createConsumer(topic, broker.SubscribeOptions{Name: name, Durable: true, Selector: selector})
}

// Unsubscribe deletes the durable subscription name on topic. It fails while
// a consumer is attached to it.
func (s *Session) Unsubscribe(ctx context.Context, topic destination.Destination, name string) error {
	sub, err := s.conn.b.Subscribe(topic, broker.SubscribeOptions{Name: name, Durable: true})
	if err != nil {
		return err
	}
	return sub.Unsubscribe(ctx)
}

func (s *Session) createConsumer(dest destination.Destination, opts broker.SubscribeOptions) (*Consumer, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	sub, err := s.conn.b.Subscribe(dest, opts)
	if err != nil {
		return nil, err
	}
	c, err := newConsumer(s, sub)
	if err != nil {
		_ = sub.Close(context.Background())
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close(context.Background())
		return nil, ErrClosed
	}
	s.consumers[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

// CreateProducer returns a producer bound to this session.
func (s *Session) CreateProducer() (*Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &Producer{sess: s}, nil
}

// Commit acknowledges every delivery and publishes every send of the
// current transaction.
func (s *Session) Commit(ctx context.Context) error {
	if s.mode != Transacted {
		return ErrWrongAckMode
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sends, unacked := s.sends, s.unacked
	s.sends, s.unacked = nil, nil
	s.mu.Unlock()

	var errs []error
	for _, ps := range sends {
		if _, err := s.conn.b.Send(ctx, ps.dest, ps.msg); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.ackAll(ctx, unacked))
	return errors.Join(errs...)
}

// Rollback discards pending sends and fails every delivery of the current
// transaction.
func (s *Session) Rollback(ctx context.Context) error {
	if s.mode != Transacted {
		return ErrWrongAckMode
	}
	s.mu.Lock()
	s.sends = nil
	s.mu.Unlock()
	return s.failAll(ctx, redelivery.ReasonRollback, nil)
}

// Recover fails every unacknowledged delivery of a non-transacted session
// so it is redelivered under policy.
func (s *Session) Recover(ctx context.Context) error {
	if s.mode == Transacted {
		return ErrWrongAckMode
	}
	return s.failAll(ctx, redelivery.ReasonRecover, nil)
}

// Acknowledge acks every delivery the session has handed out so far.
func (s *Session) Acknowledge(ctx context.Context) error {
	if s.mode != ClientAcknowledge {
		return ErrWrongAckMode
	}
	s.mu.Lock()
	unacked := s.unacked
	s.unacked = nil
	s.mu.Unlock()
	return s.ackAll(ctx, unacked)
}

// Close closes the session's consumers. Unacknowledged deliveries and
// uncommitted work are failed and discarded.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.sends = nil
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.failAll(ctx, redelivery.ReasonClose, nil))
	s.conn.removeSession(s)
	return errors.Join(errs...)
}

// track records d as handed to the application and awaiting settlement.
func (s *Session) track(d *broker.Delivery, c *Consumer) {
	s.mu.Lock()
	s.unacked = append(s.unacked, pending{d: d, consumer: c})
	s.mu.Unlock()
}

func (s *Session) untrack(d *broker.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.unacked {
		if p.d == d {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
			return true
		}
	}
	return false
}

// takeFor removes and returns the deliveries of consumer c.
func (s *Session) takeFor(c *Consumer) []pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pending
	kept := s.unacked[:0]
	for _, p := range s.unacked {
		if p.consumer == c {
			out = append(out, p)
		} else {
			kept = append(kept, p)
		}
	}
	s.unacked = kept
	return out
}

func (s *Session) failAll(ctx context.Context, reason redelivery.Reason, cause error) error {
	s.mu.Lock()
	unacked := s.unacked
	s.unacked = nil
	s.mu.Unlock()
	return s.failPending(ctx, unacked, reason, cause)
}

func (s *Session) failPending(ctx context.Context, items []pending, reason redelivery.Reason, cause error) error {
	var errs []error
	for _, p := range items {
		if err := s.fail(ctx, p.d, reason, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) fail(ctx context.Context, d *broker.Delivery, reason redelivery.Reason, cause error) error {
	out, err := s.conn.b.Fail(context.WithoutCancel(ctx), d, s.conn, reason, cause)
	if errors.Is(err, broker.ErrUnknownDelivery) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("client: fail %s: %w", d.Key, err)
	}
	s.logger.Debug("delivery failed",
		logpkg.Str("key", string(d.Key)), logpkg.Str("reason", string(reason)),
		logpkg.Str("action", out.Action.String()), logpkg.Int("attempt", out.Attempt))
	return nil
}

func (s *Session) ack(ctx context.Context, d *broker.Delivery) error {
	err := s.conn.b.Ack(ctx, d)
	if errors.Is(err, broker.ErrUnknownDelivery) {
		return nil
	}
	return err
}

func (s *Session) ackAll(ctx context.Context, items []pending) error {
	var errs []error
	for _, p := range items {
		if err := s.ack(ctx, p.d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

func (s *Session) consumerList() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		out = append(out, c)
	}
	return out
}

func (s *Session) startListeners() {
	for _, c := range s.consumerList() {
		c.startListener()
	}
}

func (s *Session) stopListeners(ctx context.Context) {
	for _, c := range s.consumerList() {
		c.stopListener(ctx)
	}
}
