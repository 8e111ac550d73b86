package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/redq/internal/broker"
	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
)

func quick(max int) policy.Policy {
	return policy.Policy{
		InitialRedeliveryDelay: 5 * time.Millisecond,
		RedeliveryDelay:        5 * time.Millisecond,
		BackOffMultiplier:      2,
		MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    max,
	}
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	return newBrokerAt(t, t.TempDir())
}

func newBrokerAt(t *testing.T, dir string) *broker.Broker {
	t.Helper()
	b, err := broker.Open(context.Background(), broker.Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func dial(t *testing.T, b *broker.Broker, p policy.Policy) *Connection {
	t.Helper()
	m, err := policy.NewMapWithDefault(p)
	if err != nil {
		t.Fatalf("policy map: %v", err)
	}
	c, err := Dial(b, Options{Policies: m, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func produce(t *testing.T, b *broker.Broker, dest destination.Destination, body string) {
	t.Helper()
	c := dial(t, b, policy.Default())
	defer c.Close(context.Background())
	s, _ := c.CreateSession(AutoAcknowledge)
	p, _ := s.CreateProducer()
	if _, err := p.Send(context.Background(), dest, []byte(body), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func drainDLQ(t *testing.T, b *broker.Broker, wait time.Duration) *message.Message {
	t.Helper()
	c := dial(t, b, policy.Default())
	defer c.Close(context.Background())
	s, _ := c.CreateSession(AutoAcknowledge)
	cons, err := s.CreateConsumer(destination.NewQueue(deadletter.DefaultQueue), "")
	if err != nil {
		t.Fatalf("dlq consumer: %v", err)
	}
	m, err := cons.Receive(context.Background(), wait)
	if err != nil {
		t.Fatalf("dlq receive: %v", err)
	}
	return m
}

// Each iteration reads the message on a fresh connection and closes it
// without acknowledging; the counter must carry across connections.
func TestReconnectLoopPull(t *testing.T) {
	const max = 3
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("reconnect.pull")
	produce(t, b, q, "poison")

	for i := 0; i <= max; i++ {
		c := dial(t, b, quick(max))
		s, _ := c.CreateSession(ClientAcknowledge)
		cons, _ := s.CreateConsumer(q, "")
		m, err := cons.Receive(ctx, 2*time.Second)
		if err != nil || m == nil {
			t.Fatalf("iteration %d: receive %v, %v", i, m, err)
		}
		if m.RedeliveryCounter != i {
			t.Fatalf("iteration %d: counter %d", i, m.RedeliveryCounter)
		}
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	c := dial(t, b, quick(max))
	s, _ := c.CreateSession(ClientAcknowledge)
	cons, _ := s.CreateConsumer(q, "")
	if m, _ := cons.Receive(ctx, 100*time.Millisecond); m != nil {
		t.Fatalf("message redelivered past the limit (counter %d)", m.RedeliveryCounter)
	}
	c.Close(ctx)

	dlq := drainDLQ(t, b, time.Second)
	if dlq == nil {
		t.Fatalf("message not dead-lettered")
	}
	if dlq.Properties[message.PropRedeliveryCounter] != "4" {
		t.Fatalf("dlq counter %q", dlq.Properties[message.PropRedeliveryCounter])
	}
	if !strings.Contains(dlq.Properties[message.PropFailureCause], "RedeliveryPolicy") {
		t.Fatalf("cause does not name the policy: %q", dlq.Properties[message.PropFailureCause])
	}
}

func TestReconnectLoopListener(t *testing.T) {
	const max = 3
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("reconnect.push")
	produce(t, b, q, "poison")

	var invocations atomic.Int32
	for i := 0; i <= max; i++ {
		c := dial(t, b, quick(max))
		s, _ := c.CreateSession(AutoAcknowledge)
		cons, _ := s.CreateConsumer(q, "")
		got := make(chan int, 1)
		cons.SetListener(ctx, func(lctx context.Context, m *message.Message) error {
			invocations.Add(1)
			got <- m.RedeliveryCounter
			// hold the delivery until the connection closes underneath it
			<-lctx.Done()
			return errors.New("cannot process")
		})
		c.Start()
		select {
		case n := <-got:
			if n != i {
				t.Fatalf("iteration %d: counter %d", i, n)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: listener not invoked", i)
		}
		c.Close(ctx)
	}

	if dlq := drainDLQ(t, b, time.Second); dlq == nil {
		t.Fatalf("message not dead-lettered")
	}
	if n := invocations.Load(); n != max+1 {
		t.Fatalf("listener invoked %d times, want %d", n, max+1)
	}
}

// A single listener sees exactly max+1 invocations and nothing afterwards.
func TestListenerStopsAtLimit(t *testing.T) {
	const max = 2
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("listener.limit")
	produce(t, b, q, "poison")

	c := dial(t, b, quick(max))
	defer c.Close(ctx)
	s, _ := c.CreateSession(AutoAcknowledge)
	cons, _ := s.CreateConsumer(q, "")
	var mu sync.Mutex
	var counters []int
	cons.SetListener(ctx, func(_ context.Context, m *message.Message) error {
		mu.Lock()
		counters = append(counters, m.RedeliveryCounter)
		mu.Unlock()
		panic("listener blew up")
	})
	c.Start()

	if dlq := drainDLQ(t, b, 2*time.Second); dlq == nil {
		t.Fatalf("message not dead-lettered")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(counters) != max+1 {
		t.Fatalf("invocations %v, want %d", counters, max+1)
	}
	for i, n := range counters {
		if n != i {
			t.Fatalf("invocation %d saw counter %d", i, n)
		}
	}
}

func TestListenerClosesOwnConsumer(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("listener.close")
	produce(t, b, q, "last")

	c := dial(t, b, quick(2))
	defer c.Close(ctx)
	s, _ := c.CreateSession(AutoAcknowledge)
	cons, _ := s.CreateConsumer(q, "")
	closed := make(chan error, 1)
	cons.SetListener(ctx, func(context.Context, *message.Message) error {
		closed <- cons.Close(context.Background())
		return nil
	})
	c.Start()

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close from listener: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close from listener did not return")
	}
	if _, err := cons.Receive(ctx, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close: %v", err)
	}
}

func TestZeroRedeliveriesDivertsImmediately(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("zero")
	produce(t, b, q, "x")

	c := dial(t, b, quick(0))
	defer c.Close(ctx)
	s, _ := c.CreateSession(Transacted)
	cons, _ := s.CreateConsumer(q, "")
	if m, _ := cons.Receive(ctx, time.Second); m == nil {
		t.Fatalf("no message")
	}
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if m, _ := cons.Receive(ctx, 100*time.Millisecond); m != nil {
		t.Fatalf("redelivered with maximumRedeliveries=0")
	}
	dlq := drainDLQ(t, b, time.Second)
	if dlq == nil || dlq.Properties[message.PropRedeliveryCounter] != "1" {
		t.Fatalf("dlq %+v", dlq)
	}
}

func TestUnlimitedRedeliveries(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("forever")
	produce(t, b, q, "x")

	p := quick(policy.UnlimitedRedeliveries)
	p.InitialRedeliveryDelay, p.RedeliveryDelay = 0, time.Millisecond
	c := dial(t, b, p)
	defer c.Close(ctx)
	s, _ := c.CreateSession(Transacted)
	cons, _ := s.CreateConsumer(q, "")
	for i := 0; i < 25; i++ {
		m, err := cons.Receive(ctx, time.Second)
		if err != nil || m == nil {
			t.Fatalf("cycle %d: %v, %v", i, m, err)
		}
		if m.RedeliveryCounter != i {
			t.Fatalf("cycle %d: counter %d", i, m.RedeliveryCounter)
		}
		if err := s.Rollback(ctx); err != nil {
			t.Fatalf("rollback: %v", err)
		}
	}
	if m := drainDLQ(t, b, 20*time.Millisecond); m != nil {
		t.Fatalf("unlimited policy dead-lettered")
	}
}

func TestExponentialBackoffTiming(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("backoff")
	produce(t, b, q, "x")

	c := dial(t, b, policy.Policy{
		InitialRedeliveryDelay: 0,
		RedeliveryDelay:        50 * time.Millisecond,
		UseExponentialBackOff:  true,
		BackOffMultiplier:      2,
		MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    5,
	})
	defer c.Close(ctx)
	s, _ := c.CreateSession(Transacted)
	cons, _ := s.CreateConsumer(q, "")

	// delays after each rollback: 0, 50ms, 100ms
	minGaps := []time.Duration{0, 40 * time.Millisecond, 90 * time.Millisecond}
	if m, _ := cons.Receive(ctx, time.Second); m == nil {
		t.Fatalf("no first delivery")
	}
	for i, floor := range minGaps {
		s.Rollback(ctx)
		start := time.Now()
		m, err := cons.Receive(ctx, 2*time.Second)
		if err != nil || m == nil {
			t.Fatalf("redelivery %d: %v, %v", i+1, m, err)
		}
		if gap := time.Since(start); gap < floor {
			t.Fatalf("redelivery %d after %v, want >= %v", i+1, gap, floor)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// Same literal name, different kinds: each resolves its own policy.
func TestQueueAndTopicPoliciesResolveIndependently(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	m := policy.NewMap()
	if err := m.Put(destination.MustCompile(destination.Queue, ">"), quick(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(destination.MustCompile(destination.Topic, ">"), quick(3)); err != nil {
		t.Fatalf("put: %v", err)
	}

	deliveries := func(dest destination.Destination) int {
		c, err := Dial(b, Options{Policies: m, PollInterval: 10 * time.Millisecond})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close(ctx)
		s, _ := c.CreateSession(Transacted)
		cons, _ := s.CreateConsumer(dest, "")
		p, _ := s.CreateProducer()
		p.Send(ctx, dest, []byte("x"), nil)
		s.Commit(ctx)
		n := 0
		for {
			msg, err := cons.Receive(ctx, 150*time.Millisecond)
			if err != nil {
				t.Fatalf("receive: %v", err)
			}
			if msg == nil {
				return n
			}
			n++
			s.Rollback(ctx)
		}
	}
	if n := deliveries(destination.NewQueue("same")); n != 3 {
		t.Fatalf("queue deliveries %d, want 3", n)
	}
	if n := deliveries(destination.NewTopic("same")); n != 4 {
		t.Fatalf("topic deliveries %d, want 4", n)
	}
}

func TestDurableConsumerKeepsCounterAcrossConnections(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	topic := destination.NewTopic("alerts")

	open := func() (*Connection, *Consumer) {
		c := dial(t, b, quick(5))
		s, _ := c.CreateSession(ClientAcknowledge)
		cons, err := s.CreateDurableConsumer(topic, "pager", "")
		if err != nil {
			t.Fatalf("durable consumer: %v", err)
		}
		return c, cons
	}

	c, _ := open()
	c.Close(ctx)
	produce(t, b, topic, "disk full")

	for i := 0; i < 3; i++ {
		c, cons := open()
		m, err := cons.Receive(ctx, time.Second)
		if err != nil || m == nil || m.RedeliveryCounter != i {
			t.Fatalf("round %d: %+v %v", i, m, err)
		}
		c.Close(ctx)
	}
	c, cons := open()
	defer c.Close(ctx)
	m, _ := cons.Receive(ctx, time.Second)
	if m == nil || m.RedeliveryCounter != 3 {
		t.Fatalf("final round: %+v", m)
	}
}

func TestPolicySwapAppliesToNextDecision(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("swap")
	produce(t, b, q, "x")

	c := dial(t, b, quick(5))
	defer c.Close(ctx)
	s, _ := c.CreateSession(Transacted)
	cons, _ := s.CreateConsumer(q, "")
	cons.Receive(ctx, time.Second)
	s.Rollback(ctx)

	if err := c.SetRedeliveryPolicy(quick(1)); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if m, _ := cons.Receive(ctx, time.Second); m == nil || m.RedeliveryCounter != 1 {
		t.Fatalf("pending message lost by policy swap: %+v", m)
	}
	s.Rollback(ctx)
	if m, _ := cons.Receive(ctx, 100*time.Millisecond); m != nil {
		t.Fatalf("new limit not applied")
	}
	if got, ok := c.RedeliveryPolicy(); !ok || got.MaximumRedeliveries != 1 {
		t.Fatalf("policy %+v", got)
	}
}

func TestConnectionLostFailsDeliveries(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("flaky")
	produce(t, b, q, "x")

	c := dial(t, b, quick(5))
	defer c.Close(ctx)
	s, _ := c.CreateSession(ClientAcknowledge)
	cons, _ := s.CreateConsumer(q, "")
	if m, _ := cons.Receive(ctx, time.Second); m == nil {
		t.Fatalf("no message")
	}
	c.ConnectionLost(ctx, errors.New("socket reset"))
	if _, err := cons.Receive(ctx, 10*time.Millisecond); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("want ErrConnectionLost, got %v", err)
	}
	c.ConnectionRestored()
	m, err := cons.Receive(ctx, time.Second)
	if err != nil || m == nil || m.RedeliveryCounter != 1 {
		t.Fatalf("after restore: %+v %v", m, err)
	}
	if err := s.Acknowledge(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if m, _ := cons.Receive(ctx, 50*time.Millisecond); m != nil {
		t.Fatalf("acknowledged message came back")
	}
}

func TestTransactedSendsWaitForCommit(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	q := destination.NewQueue("tx")

	c := dial(t, b, quick(5))
	defer c.Close(ctx)
	tx, _ := c.CreateSession(Transacted)
	p, _ := tx.CreateProducer()
	rx, _ := c.CreateSession(AutoAcknowledge)
	cons, _ := rx.CreateConsumer(q, "")

	p.Send(ctx, q, []byte("dropped"), nil)
	tx.Rollback(ctx)
	p.Send(ctx, q, []byte("kept"), nil)
	if m, _ := cons.ReceiveNoWait(ctx); m != nil {
		t.Fatalf("uncommitted send visible")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	m, _ := cons.Receive(ctx, time.Second)
	if m == nil || string(m.Body) != "kept" {
		t.Fatalf("got %+v", m)
	}
	if m, _ := cons.ReceiveNoWait(ctx); m != nil {
		t.Fatalf("rolled back send delivered")
	}
}

func TestAckModeErrors(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	c := dial(t, b, quick(5))
	defer c.Close(ctx)
	auto, _ := c.CreateSession(AutoAcknowledge)
	if err := auto.Commit(ctx); !errors.Is(err, ErrWrongAckMode) {
		t.Fatalf("commit on auto session: %v", err)
	}
	if err := auto.Acknowledge(ctx); !errors.Is(err, ErrWrongAckMode) {
		t.Fatalf("acknowledge on auto session: %v", err)
	}
	tx, _ := c.CreateSession(Transacted)
	if err := tx.Recover(ctx); !errors.Is(err, ErrWrongAckMode) {
		t.Fatalf("recover on transacted session: %v", err)
	}
	cons, _ := auto.CreateConsumer(destination.NewQueue("modes"), "")
	cons.SetListener(ctx, func(context.Context, *message.Message) error { return nil })
	if _, err := cons.Receive(ctx, 0); !errors.Is(err, ErrListenerSet) {
		t.Fatalf("receive with listener: %v", err)
	}
	cons.Close(ctx)
	if _, err := cons.Receive(ctx, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive after close: %v", err)
	}
}

func TestRestartKeepsCounter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := destination.NewQueue("restart")

	b, err := broker.Open(ctx, broker.Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	produce(t, b, q, "x")
	c := dial(t, b, quick(5))
	s, _ := c.CreateSession(ClientAcknowledge)
	cons, _ := s.CreateConsumer(q, "")
	if m, _ := cons.Receive(ctx, time.Second); m == nil {
		t.Fatalf("no message")
	}
	s.Recover(ctx)
	if m, _ := cons.Receive(ctx, time.Second); m == nil || m.RedeliveryCounter != 1 {
		t.Fatalf("redelivery: %+v", m)
	}
	// crash with the message in flight
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = newBrokerAt(t, dir)
	c = dial(t, b, quick(5))
	defer c.Close(ctx)
	s, _ = c.CreateSession(ClientAcknowledge)
	cons, _ = s.CreateConsumer(q, "")
	m, err := cons.Receive(ctx, 2*time.Second)
	if err != nil || m == nil || m.RedeliveryCounter != 2 {
		t.Fatalf("after restart: %+v %v", m, err)
	}
}
