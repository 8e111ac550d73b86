package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/internal/queue"
	"github.com/rzbill/redq/internal/redelivery"
	pebblestore "github.com/rzbill/redq/internal/storage/pebble"
	"github.com/rzbill/redq/pkg/id"
	logpkg "github.com/rzbill/redq/pkg/log"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrUnknownDelivery is returned when settling a delivery this broker
	// did not hand out, or one that was already settled.
	ErrUnknownDelivery = errors.New("broker: unknown or settled delivery")
	// ErrSubscriptionActive is returned when a durable subscription already
	// has a consumer attached.
	ErrSubscriptionActive = errors.New("broker: durable subscription already active")
)

const (
	regQueuePrefix = "reg/queue/"
	regSubPrefix   = "sub/topic/"
)

// Options configures a Broker.
type Options struct {
	// DataDir opens a Pebble database owned by the broker. Ignored when DB is set.
	DataDir        string
	DB             *pebblestore.DB
	Fsync          pebblestore.FsyncMode
	StorageMetrics pebblestore.MetricsHook

	Logger logpkg.Logger
	// Policies is the broker-side policy map used when a failure carries no
	// resolver of its own. Defaults to a map holding policy.Default().
	Policies *policy.Map
	// StateStore defaults to a Pebble store sharing the broker's database.
	StateStore redelivery.StateStore
	DeadLetter deadletter.Options

	Shards         int
	QueueDepth     int
	DivertRetry    time.Duration
	MaxDivertRetry time.Duration
	Recorder       redelivery.Recorder
	Tracer         trace.Tracer
	Now            func() time.Time
}

type subscription struct {
	topic    string
	name     string
	durable  bool
	selector Selector
	store    *queue.Store
	active   bool
}

type subRecord struct {
	Durable  bool   `json:"durable"`
	Selector string `json:"selector,omitempty"`
}

// Broker owns destination stores, the redelivery Coordinator and the
// dead-letter Router for one data directory.
type Broker struct {
	db       *pebblestore.DB
	ownsDB   bool
	logger   logpkg.Logger
	policies *policy.Map
	coord    *redelivery.Coordinator
	router   *deadletter.Router
	ids      *id.Generator
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	queues map[string]*queue.Store
	topics map[string]map[string]*subscription
}

// Open builds a Broker, starts its Coordinator and recovers messages left in
// flight by a previous run.
func Open(ctx context.Context, opts Options) (*Broker, error) {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broker{
		db:     opts.DB,
		logger: opts.Logger.WithComponent("broker"),
		ids:    id.NewGenerator(),
		now:    opts.Now,
		queues: make(map[string]*queue.Store),
		topics: make(map[string]map[string]*subscription),
	}
	if b.db == nil {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, Metrics: opts.StorageMetrics})
		if err != nil {
			return nil, fmt.Errorf("broker: open storage: %w", err)
		}
		b.db, b.ownsDB = db, true
	}

	b.policies = opts.Policies
	if b.policies == nil {
		m, err := policy.NewMapWithDefault(policy.Default())
		if err != nil {
			b.closeDB()
			return nil, err
		}
		b.policies = m
	}

	dl := opts.DeadLetter
	dl.Sender = b
	if dl.Logger == nil {
		dl.Logger = opts.Logger
	}
	if dl.Now == nil {
		dl.Now = opts.Now
	}
	router, err := deadletter.NewRouter(dl)
	if err != nil {
		b.closeDB()
		return nil, err
	}
	b.router = router

	states := opts.StateStore
	if states == nil {
		states = redelivery.NewPebbleStore(b.db)
	}
	coord, err := redelivery.New(redelivery.Options{
		Store:          states,
		Resolver:       b.policies,
		Diverter:       router,
		Logger:         opts.Logger,
		Recorder:       opts.Recorder,
		Tracer:         opts.Tracer,
		Shards:         opts.Shards,
		QueueDepth:     opts.QueueDepth,
		DivertRetry:    opts.DivertRetry,
		MaxDivertRetry: opts.MaxDivertRetry,
		Now:            opts.Now,
	})
	if err != nil {
		_ = router.Close()
		b.closeDB()
		return nil, err
	}
	b.coord = coord

	if err := b.loadRegistry(ctx); err != nil {
		_ = router.Close()
		b.closeDB()
		return nil, err
	}
	if err := coord.Start(context.WithoutCancel(ctx)); err != nil {
		_ = router.Close()
		b.closeDB()
		return nil, err
	}
	if err := b.recover(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Policies returns the broker-side policy map.
func (b *Broker) Policies() *policy.Map { return b.policies }

// Coordinator returns the redelivery Coordinator.
func (b *Broker) Coordinator() *redelivery.Coordinator { return b.coord }

// Router returns the dead-letter Router.
func (b *Broker) Router() *deadletter.Router { return b.router }

// Close stops the Coordinator and releases storage. Messages still in flight
// stay claimed and are recovered by the next Open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.coord.Close(); err != nil && !errors.Is(err, redelivery.ErrClosed) {
		errs = append(errs, err)
	}
	if err := b.router.Close(); err != nil {
		errs = append(errs, err)
	}
	b.mu.Lock()
	for _, st := range b.queues {
		st.Notify()
	}
	for _, subs := range b.topics {
		for _, s := range subs {
			s.store.Notify()
		}
	}
	b.mu.Unlock()
	if b.ownsDB {
		if err := b.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) closeDB() {
	if b.ownsDB {
		_ = b.db.Close()
	}
}

// Send is the destination send path. It assigns the message an id and
// timestamp when it has none. Topic messages are copied to every
// subscription whose selector accepts them; a topic without subscriptions
// drops the message.
func (b *Broker) Send(ctx context.Context, dest destination.Destination, msg *message.Message) (id.ID, error) {
	if err := dest.Validate(); err != nil {
		return id.Zero, err
	}
	m := msg.Clone()
	m.Destination = dest
	if m.ID.IsZero() {
		m.ID = b.ids.Next()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = b.now()
	}

	if dest.Kind == destination.Queue {
		st, err := b.queueStore(dest.Name)
		if err != nil {
			return id.Zero, err
		}
		if _, err := st.Append(ctx, m, 0); err != nil {
			return id.Zero, err
		}
		return m.ID, nil
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return id.Zero, ErrClosed
	}
	targets := make([]*subscription, 0, len(b.topics[dest.Name]))
	for _, s := range b.topics[dest.Name] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.selector.Accept(m) {
			continue
		}
		if _, err := s.store.Append(ctx, m, 0); err != nil {
			return id.Zero, fmt.Errorf("broker: fan out to %s/%s: %w", dest, s.name, err)
		}
	}
	return m.ID, nil
}

// Ack settles d as consumed: the message is removed and its redelivery
// state destroyed.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.store == nil || !d.settle() {
		return ErrUnknownDelivery
	}
	if err := d.store.Remove(ctx, d.Seq); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
		return err
	}
	return b.coord.Acknowledge(ctx, d.Key)
}

// Fail settles d as a failed delivery and returns the Coordinator's
// decision. A nil resolver uses the broker's policy map.
func (b *Broker) Fail(ctx context.Context, d *Delivery, resolver policy.Resolver, reason redelivery.Reason, cause error) (redelivery.Outcome, error) {
	if d == nil || d.store == nil || !d.settle() {
		return redelivery.Outcome{}, ErrUnknownDelivery
	}
	return b.fail(ctx, d.Key, d.Seq, d.Message, d.store, resolver, reason, cause)
}

func (b *Broker) fail(ctx context.Context, key redelivery.Key, seq uint64, m *message.Message, st *queue.Store, resolver policy.Resolver, reason redelivery.Reason, cause error) (redelivery.Outcome, error) {
	return b.coord.Fail(ctx, redelivery.Failure{
		Key:      key,
		Message:  m,
		Reason:   reason,
		Err:      cause,
		Resolver: resolver,
		Settle:   storeSettler{store: st, seq: seq},
	})
}

// Defer returns d to its store unchanged, deliverable again at until. It is
// used when a claimed message turns out not to be eligible yet.
func (b *Broker) Defer(ctx context.Context, d *Delivery, until time.Time) error {
	if d == nil || d.store == nil || !d.settle() {
		return ErrUnknownDelivery
	}
	return d.store.Release(ctx, d.Seq, queue.ReadyAtMs(until), d.Message.RedeliveryCounter)
}

// DeadLetters lists up to limit records on dead-letter destinations that
// match f. limit <= 0 means no limit.
func (b *Broker) DeadLetters(f deadletter.Filter, limit int) ([]deadletter.Record, error) {
	b.mu.RLock()
	var stores []*queue.Store
	for name, st := range b.queues {
		if b.router.IsDeadLetter(destination.NewQueue(name)) {
			stores = append(stores, st)
		}
	}
	b.mu.RUnlock()
	sort.Slice(stores, func(i, j int) bool { return stores[i].Scope() < stores[j].Scope() })

	var out []deadletter.Record
	for _, st := range stores {
		msgs, err := st.Browse(0)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			rec := deadletter.RecordOf(m)
			if !f.Match(rec) {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// DestinationStats summarizes one store.
type DestinationStats struct {
	Destination  string `json:"destination"`
	Subscription string `json:"subscription,omitempty"`
	Durable      bool   `json:"durable,omitempty"`
	Ready        int    `json:"ready"`
	InFlight     int    `json:"inFlight"`
}

// Stats reports every known queue and topic subscription.
func (b *Broker) Stats() ([]DestinationStats, error) {
	b.mu.RLock()
	type item struct {
		stats DestinationStats
		store *queue.Store
	}
	var items []item
	for name, st := range b.queues {
		items = append(items, item{DestinationStats{Destination: destination.NewQueue(name).String()}, st})
	}
	for topic, subs := range b.topics {
		for _, s := range subs {
			items = append(items, item{DestinationStats{
				Destination:  destination.NewTopic(topic).String(),
				Subscription: s.name,
				Durable:      s.durable,
			}, s.store})
		}
	}
	b.mu.RUnlock()

	out := make([]DestinationStats, 0, len(items))
	for _, it := range items {
		ready, inflight, err := it.store.Stats()
		if err != nil {
			return nil, err
		}
		it.stats.Ready, it.stats.InFlight = ready, inflight
		out = append(out, it.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].Subscription < out[j].Subscription
	})
	return out, nil
}

func (b *Broker) queueStore(name string) (*queue.Store, error) {
	b.mu.RLock()
	st, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return st, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if st, ok := b.queues[name]; ok {
		return st, nil
	}
	st, err := queue.Open(b.db, queueScope(name))
	if err != nil {
		return nil, err
	}
	if err := b.db.Set([]byte(regQueuePrefix+name), nil); err != nil {
		return nil, fmt.Errorf("broker: register queue %s: %w", name, err)
	}
	b.queues[name] = st
	return st, nil
}

func queueScope(name string) string { return "queue/" + name }
func subScope(topic, name string) string { return "topic/" + topic + "/" + name }
func subRegKey(topic, name string) []byte { return []byte(regSubPrefix + topic + "/" + name) }

func (b *Broker) saveSub(s *subscription) error {
	raw, err := json.Marshal(subRecord{Durable: s.durable, Selector: s.selector.String()})
	if err != nil {
		return err
	}
	return b.db.Set(subRegKey(s.topic, s.name), raw)
}

// loadRegistry reopens every registered queue and durable subscription.
// Non-durable subscriptions did not survive their consumer and are dropped.
func (b *Broker) loadRegistry(ctx context.Context) error {
	it, err := b.db.PrefixIter([]byte(regQueuePrefix))
	if err != nil {
		return err
	}
	var names []string
	for ok := it.First(); ok; ok = it.Next() {
		names = append(names, strings.TrimPrefix(string(it.Key()), regQueuePrefix))
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, name := range names {
		st, err := queue.Open(b.db, queueScope(name))
		if err != nil {
			return err
		}
		b.queues[name] = st
	}

	it, err = b.db.PrefixIter([]byte(regSubPrefix))
	if err != nil {
		return err
	}
	type pending struct {
		topic, name string
		rec         subRecord
	}
	var subs []pending
	for ok := it.First(); ok; ok = it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), regSubPrefix)
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			continue
		}
		var rec subRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			b.logger.Warn("skipping malformed subscription record", logpkg.Str("key", string(it.Key())), logpkg.Err(err))
			continue
		}
		subs = append(subs, pending{topic: rest[:i], name: rest[i+1:], rec: rec})
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, p := range subs {
		st, err := queue.Open(b.db, subScope(p.topic, p.name))
		if err != nil {
			return err
		}
		if !p.rec.Durable {
			if err := st.Drop(ctx); err != nil {
				return err
			}
			if err := b.db.Delete(subRegKey(p.topic, p.name)); err != nil {
				return err
			}
			continue
		}
		sel, err := CompileSelector(p.rec.Selector)
		if err != nil {
			b.logger.Warn("durable subscription selector no longer compiles; accepting all",
				logpkg.Str("topic", p.topic), logpkg.Str("subscription", p.name), logpkg.Err(err))
		}
		b.addSub(&subscription{topic: p.topic, name: p.name, durable: true, selector: sel, store: st})
	}
	return nil
}

func (b *Broker) addSub(s *subscription) {
	subs := b.topics[s.topic]
	if subs == nil {
		subs = make(map[string]*subscription)
		b.topics[s.topic] = subs
	}
	subs[s.name] = s
}

// recover fails every message a previous run left claimed but unsettled.
// Counters carry on from the persisted state.
func (b *Broker) recover(ctx context.Context) error {
	type orphan struct {
		key   redelivery.Key
		store *queue.Store
		item  queue.InFlight
	}
	var orphans []orphan
	for name, st := range b.queues {
		items, err := st.InFlight()
		if err != nil {
			return err
		}
		for _, it := range items {
			orphans = append(orphans, orphan{redelivery.QueueKey(destination.NewQueue(name), it.Message.ID), st, it})
		}
	}
	for topic, subs := range b.topics {
		for _, s := range subs {
			items, err := s.store.InFlight()
			if err != nil {
				return err
			}
			for _, it := range items {
				orphans = append(orphans, orphan{redelivery.SubscriptionKey(destination.NewTopic(topic), s.name, it.Message.ID), s.store, it})
			}
		}
	}
	for _, o := range orphans {
		out, err := b.fail(ctx, o.key, o.item.Seq, o.item.Message, o.store, nil, redelivery.ReasonRestart, nil)
		if err != nil {
			return fmt.Errorf("broker: recover %s: %w", o.key, err)
		}
		b.logger.Info("recovered in-flight message",
			logpkg.Str("key", string(o.key)), logpkg.Str("action", out.Action.String()), logpkg.Int("attempt", out.Attempt))
	}
	return nil
}
