package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/redq/internal/broker"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

var (
	// ErrClosed is returned by operations on a closed connection, session or consumer.
	ErrClosed = errors.New("client: closed")
	// ErrConnectionLost is returned while the transport is down.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrListenerSet is returned by Receive on a consumer with a listener.
	ErrListenerSet = errors.New("client: consumer has a message listener")
	// ErrWrongAckMode is returned when an operation does not apply to the
	// session's acknowledgement mode.
	ErrWrongAckMode = errors.New("client: operation not valid for session ack mode")
)

// Options configures a Connection.
type Options struct {
	// ClientID defaults to a random UUID.
	ClientID string
	// Policies seeds the connection's policy map. It is cloned; later
	// changes to the argument do not affect the connection. Defaults to a
	// clone of the broker's map.
	Policies *policy.Map
	Logger   logpkg.Logger
	// PollInterval bounds consumer waits; see dispatch.Options.
	PollInterval time.Duration
}

// Connection is one client attachment to a broker.
type Connection struct {
	id     string
	b      *broker.Broker
	logger logpkg.Logger
	poll   time.Duration

	policies atomic.Pointer[policy.Map]

	mu       sync.Mutex
	started  bool
	closed   bool
	lost     bool
	sessions map[*Session]struct{}
}

// Dial opens a stopped connection to b. Listeners are not invoked until Start.
func Dial(b *broker.Broker, opts Options) (*Connection, error) {
	if b == nil {
		return nil, errors.New("client: nil broker")
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	src := opts.Policies
	if src == nil {
		src = b.Policies()
	}
	c := &Connection{
		id:       opts.ClientID,
		b:        b,
		logger:   opts.Logger.WithComponent("client").With(logpkg.Str("client_id", opts.ClientID)),
		poll:     opts.PollInterval,
		sessions: make(map[*Session]struct{}),
	}
	c.policies.Store(src.Clone())
	return c, nil
}

// ID returns the client id.
func (c *Connection) ID() string { return c.id }

// RedeliveryPolicy returns the default policy of the connection's map.
func (c *Connection) RedeliveryPolicy() (policy.Policy, bool) {
	return c.policies.Load().Default()
}

// SetRedeliveryPolicy replaces the default policy. Messages already pending
// keep their state; the new policy applies from their next decision.
func (c *Connection) SetRedeliveryPolicy(p policy.Policy) error {
	return c.policies.Load().SetDefault(p)
}

// RedeliveryPolicyMap returns the live policy map. Changes made through it
// apply to the next decision.
func (c *Connection) RedeliveryPolicyMap() *policy.Map { return c.policies.Load() }

// SetRedeliveryPolicyMap swaps the whole map.
func (c *Connection) SetRedeliveryPolicyMap(m *policy.Map) {
	if m == nil {
		m = policy.NewMap()
	}
	c.policies.Store(m)
}

// Resolve implements policy.Resolver over the current map, so failures on
// this connection's deliveries use its policies.
func (c *Connection) Resolve(dest destination.Destination) (policy.Policy, error) {
	return c.policies.Load().Resolve(dest)
}

// Start begins listener dispatch.
func (c *Connection) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	sessions := c.sessionList()
	c.mu.Unlock()
	for _, s := range sessions {
		s.startListeners()
	}
	return nil
}

// CreateSession opens a session in mode.
func (c *Connection) CreateSession(mode AckMode) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := newSession(c, mode)
	c.sessions[s] = struct{}{}
	return s, nil
}

// Close closes every session. Unacknowledged deliveries count as failed.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessionList()
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectionLost reports a transport failure. Listener dispatch stops,
// Receive returns ErrConnectionLost and every unacknowledged delivery is
// failed.
func (c *Connection) ConnectionLost(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.closed || c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = true
	sessions := c.sessionList()
	c.mu.Unlock()

	c.logger.Warn("connection lost", logpkg.Err(cause))
	for _, s := range sessions {
		s.stopListeners(ctx)
		if err := s.failAll(ctx, redelivery.ReasonTransport, cause); err != nil {
			c.logger.Error("failing deliveries after connection loss", logpkg.Err(err))
		}
	}
}

// ConnectionRestored resumes dispatch after ConnectionLost.
func (c *Connection) ConnectionRestored() {
	c.mu.Lock()
	if c.closed || !c.lost {
		c.mu.Unlock()
		return
	}
	c.lost = false
	started := c.started
	sessions := c.sessionList()
	c.mu.Unlock()

	c.logger.Info("connection restored")
	if !started {
		return
	}
	for _, s := range sessions {
		s.startListeners()
	}
}

func (c *Connection) state() (started, lost, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.lost, c.closed
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// sessionList must be called with c.mu held.
func (c *Connection) sessionList() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}
