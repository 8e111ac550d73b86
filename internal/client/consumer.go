package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/redq/internal/broker"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/dispatch"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// Listener handles one pushed message. Returning an error, or panicking,
// rolls back that delivery alone.
type Listener func(ctx context.Context, m *message.Message) error

type listenerKey struct{}

// Consumer receives from one destination.
type Consumer struct {
	sess *Session
	sub  *broker.Subscription
	gate *dispatch.Gate

	mu       sync.Mutex
	closed   bool
	listener Listener
	cancel   context.CancelFunc
	done     chan struct{}
	// inListener is set while the listener callback runs.
	inListener atomic.Bool
}

func newConsumer(s *Session, sub *broker.Subscription) (*Consumer, error) {
	g, err := dispatch.New(sub, dispatch.Options{
		Settler:      s.conn.b,
		Eligibility:  s.conn.b.Coordinator(),
		Logger:       s.logger,
		PollInterval: s.conn.poll,
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{sess: s, sub: sub, gate: g}, nil
}

// Destination returns the consumed destination.
func (c *Consumer) Destination() destination.Destination { return c.sub.Destination() }

// Receive waits up to timeout for the next eligible message; a negative
// timeout waits until ctx ends. It returns nil, nil when the wait expires.
// Redelivery delays are honoured: a message is never handed out before its
// eligibility time.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	c.mu.Lock()
	closed, hasListener := c.closed, c.listener != nil
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if hasListener {
		return nil, ErrListenerSet
	}
	if _, lost, cclosed := c.sess.conn.state(); cclosed {
		return nil, ErrClosed
	} else if lost {
		return nil, ErrConnectionLost
	}

	d, err := c.gate.Receive(ctx, timeout)
	if err != nil || d == nil {
		if errors.Is(err, broker.ErrClosed) {
			err = ErrClosed
		}
		return nil, err
	}
	if c.sess.mode == AutoAcknowledge {
		if err := c.sess.ack(ctx, d); err != nil {
			return nil, err
		}
	} else {
		c.sess.track(d, c)
	}
	return d.Message.Clone(), nil
}

// ReceiveNoWait returns a message only if one is eligible now.
func (c *Consumer) ReceiveNoWait(ctx context.Context) (*message.Message, error) {
	return c.Receive(ctx, 0)
}

// SetListener installs l for asynchronous delivery, replacing any previous
// listener. A nil l stops push delivery. Listeners run once the connection
// is started, on a goroutine owned by the consumer.
func (c *Consumer) SetListener(ctx context.Context, l Listener) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.stopListener(ctx)
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.startListener()
	return nil
}

// Close stops the listener, fails this consumer's unacknowledged deliveries
// and detaches from the destination. It waits for the listener goroutine to
// exit, except while a listener call is in progress: that call may be the
// caller, so Close returns without waiting and the call settles on return.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopListener(ctx)
	err := c.sess.failPending(ctx, c.sess.takeFor(c), redelivery.ReasonClose, nil)
	c.sess.removeConsumer(c)
	return errors.Join(err, c.sub.Close(context.WithoutCancel(ctx)))
}

func (c *Consumer) startListener() {
	started, lost, closed := c.sess.conn.state()
	if !started || lost || closed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.listener == nil || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), listenerKey{}, c))
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	l := c.listener

	go func() {
		defer close(done)
		err := c.gate.Listen(ctx, func(ctx context.Context, d *broker.Delivery) error {
			if c.sess.mode != AutoAcknowledge {
				c.sess.track(d, c)
			}
			c.inListener.Store(true)
			defer c.inListener.Store(false)
			return l(ctx, d.Message.Clone())
		}, c.completed)
		if err != nil && !errors.Is(err, broker.ErrClosed) {
			c.sess.logger.Error("listener dispatch stopped", logpkg.Err(err))
		}
	}()
}

func (c *Consumer) completed(ctx context.Context, d *broker.Delivery, err error) {
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		c.sess.untrack(d)
		if ferr := c.sess.fail(ctx, d, redelivery.ReasonListener, err); ferr != nil {
			c.sess.logger.Error("failing listener delivery", logpkg.Err(ferr))
		}
		return
	}
	if c.sess.mode == AutoAcknowledge {
		if aerr := c.sess.ack(ctx, d); aerr != nil {
			c.sess.logger.Error("auto acknowledge failed", logpkg.Err(aerr))
		}
	}
}

// stopListener cancels the listener goroutine and waits for it, unless ctx
// belongs to that listener or a listener call is running.
func (c *Consumer) stopListener(ctx context.Context) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if owner, _ := ctx.Value(listenerKey{}).(*Consumer); owner == c {
		return
	}
	if c.inListener.Load() {
		return
	}
	<-done
}
