package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/queue"
	"github.com/rzbill/redq/internal/redelivery"
)

// Delivery is one claimed message awaiting settlement. Exactly one of Ack,
// Fail or Defer applies to it.
type Delivery struct {
	Message *message.Message
	Key     redelivery.Key
	Seq     uint64
	// Subscription names the owning subscription.
	Subscription string

	store   *queue.Store
	settled atomic.Bool
}

// Settled reports whether the delivery has been acknowledged or failed.
func (d *Delivery) Settled() bool { return d.settled.Load() }

func (d *Delivery) settle() bool { return d.settled.CompareAndSwap(false, true) }

// storeSettler applies Coordinator decisions to the delivery's store.
type storeSettler struct {
	store *queue.Store
	seq   uint64
}

func (s storeSettler) Release(ctx context.Context, readyAt time.Time, counter int) error {
	return s.store.Release(ctx, s.seq, queue.ReadyAtMs(readyAt), counter)
}

func (s storeSettler) Remove(ctx context.Context) error {
	return s.store.Remove(ctx, s.seq)
}
