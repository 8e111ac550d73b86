package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/queue"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// SubscribeOptions configures a Subscription.
type SubscribeOptions struct {
	// Name identifies a durable topic subscription. Optional elsewhere.
	Name string
	// Durable keeps a topic subscription, and the messages fanned out to it,
	// after its consumer closes.
	Durable bool
	// Selector is an optional CEL expression; see CompileSelector.
	Selector string
}

// Subscription is one consumer's attachment to a destination. Queue
// subscriptions compete for the queue's messages; topic subscriptions own a
// private copy of every message published after they were created.
type Subscription struct {
	b        *Broker
	dest     destination.Destination
	name     string
	owner    string
	selector Selector
	store    *queue.Store
	sub      *subscription

	closeOnce sync.Once
}

// Subscribe attaches to dest.
func (b *Broker) Subscribe(dest destination.Destination, opts SubscribeOptions) (*Subscription, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	if strings.Contains(opts.Name, "/") {
		return nil, fmt.Errorf("broker: subscription name %q must not contain '/'", opts.Name)
	}
	sel, err := CompileSelector(opts.Selector)
	if err != nil {
		return nil, err
	}
	s := &Subscription{b: b, dest: dest, name: opts.Name, owner: uuid.NewString(), selector: sel}

	if dest.Kind == destination.Queue {
		if opts.Durable {
			return nil, errors.New("broker: durable subscriptions apply to topics only")
		}
		st, err := b.queueStore(dest.Name)
		if err != nil {
			return nil, err
		}
		s.store = st
		if s.name == "" {
			s.name = s.owner
		}
		return s, nil
	}

	if opts.Durable && opts.Name == "" {
		return nil, errors.New("broker: durable subscription needs a name")
	}
	if s.name == "" {
		s.name = s.owner
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if existing, ok := b.topics[dest.Name][s.name]; ok {
		if existing.active {
			return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionActive, dest, s.name)
		}
		if existing.selector.String() != sel.String() {
			existing.selector = sel
			if err := b.saveSub(existing); err != nil {
				return nil, err
			}
		}
		existing.active = true
		s.sub, s.store = existing, existing.store
		return s, nil
	}

	st, err := queue.Open(b.db, subScope(dest.Name, s.name))
	if err != nil {
		return nil, err
	}
	sub := &subscription{topic: dest.Name, name: s.name, durable: opts.Durable, selector: sel, store: st, active: true}
	if err := b.saveSub(sub); err != nil {
		return nil, fmt.Errorf("broker: register subscription %s/%s: %w", dest, s.name, err)
	}
	b.addSub(sub)
	s.sub, s.store = sub, st
	return s, nil
}

// Destination returns the subscribed destination.
func (s *Subscription) Destination() destination.Destination { return s.dest }

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Claim takes the next deliverable message. When none is ready it returns a
// nil Delivery and, if a delayed message is waiting, the time it becomes
// ready (zero otherwise).
func (s *Subscription) Claim(ctx context.Context) (*Delivery, time.Time, error) {
	s.b.mu.RLock()
	closed := s.b.closed
	s.b.mu.RUnlock()
	if closed {
		return nil, time.Time{}, ErrClosed
	}
	c, nextMs, err := s.store.Claim(ctx, s.b.now().UnixMilli(), s.owner, s.accept())
	if err != nil {
		return nil, time.Time{}, err
	}
	var next time.Time
	if nextMs > 0 {
		next = time.UnixMilli(nextMs)
	}
	if c == nil {
		return nil, next, nil
	}
	d := &Delivery{Message: c.Message, Seq: c.Seq, Subscription: s.name, store: s.store}
	if s.dest.Kind == destination.Queue {
		d.Key = redelivery.QueueKey(s.dest, c.Message.ID)
	} else {
		d.Key = redelivery.SubscriptionKey(s.dest, s.name, c.Message.ID)
	}
	return d, next, nil
}

// Topic selectors filter at fan-out; queue selectors filter at claim.
func (s *Subscription) accept() func(*message.Message) bool {
	if s.dest.Kind == destination.Topic || s.selector.Empty() {
		return nil
	}
	return s.selector.Accept
}

// Changed returns a channel closed when the underlying store changes.
func (s *Subscription) Changed() <-chan struct{} { return s.store.Changed() }

// Close detaches the subscription. A non-durable topic subscription is
// deleted along with its pending messages and their redelivery state.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.sub == nil {
			return
		}
		s.b.mu.Lock()
		s.sub.active = false
		durable := s.sub.durable
		s.b.mu.Unlock()
		if !durable {
			err = s.b.dropSub(ctx, s.sub)
		}
	})
	return err
}

// Unsubscribe closes s and deletes it even when durable.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s.sub == nil {
		return errors.New("broker: only topic subscriptions can be unsubscribed")
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	if !s.sub.durable {
		return nil
	}
	return s.b.dropSub(ctx, s.sub)
}

func (b *Broker) dropSub(ctx context.Context, sub *subscription) error {
	b.mu.Lock()
	if cur, ok := b.topics[sub.topic][sub.name]; ok && cur == sub {
		delete(b.topics[sub.topic], sub.name)
		if len(b.topics[sub.topic]) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()

	msgs, err := sub.store.Browse(0)
	if err != nil {
		return err
	}
	dest := destination.NewTopic(sub.topic)
	for _, m := range msgs {
		if err := b.coord.Acknowledge(ctx, redelivery.SubscriptionKey(dest, sub.name, m.ID)); err != nil {
			b.logger.Warn("dropping redelivery state failed",
				logpkg.Str("topic", sub.topic), logpkg.Str("subscription", sub.name), logpkg.Err(err))
		}
	}
	if err := sub.store.Drop(ctx); err != nil {
		return err
	}
	return b.db.Delete(subRegKey(sub.topic, sub.name))
}
