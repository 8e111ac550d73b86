package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/internal/redelivery"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func flat(max int) policy.Policy {
	return policy.Policy{
		InitialRedeliveryDelay: 100 * time.Millisecond,
		RedeliveryDelay:        100 * time.Millisecond,
		BackOffMultiplier:      2,
		MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    max,
	}
}

func openBroker(t *testing.T, dir string, clk *clock, p policy.Policy, dl deadletter.Options) *Broker {
	t.Helper()
	m, err := policy.NewMapWithDefault(p)
	if err != nil {
		t.Fatalf("policy map: %v", err)
	}
	b, err := Open(context.Background(), Options{DataDir: dir, Policies: m, DeadLetter: dl, Now: clk.Now})
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	return b
}

func mustClaim(t *testing.T, s *Subscription) *Delivery {
	t.Helper()
	d, _, err := s.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if d == nil {
		t.Fatalf("expected a delivery")
	}
	return d
}

func expectEmpty(t *testing.T, s *Subscription) time.Time {
	t.Helper()
	d, next, err := s.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if d != nil {
		t.Fatalf("unexpected delivery %s", d.Key)
	}
	return next
}

func TestSendClaimAck(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(3), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("orders")
	sub, err := b.Subscribe(q, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msgID, err := b.Send(ctx, q, message.New(q, []byte("hello"), map[string]string{"k": "v"}))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	d := mustClaim(t, sub)
	if d.Message.ID != msgID || string(d.Message.Body) != "hello" {
		t.Fatalf("unexpected message %+v", d.Message)
	}
	if d.Key != redelivery.QueueKey(q, msgID) {
		t.Fatalf("unexpected key %s", d.Key)
	}
	if d.Message.Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := b.Ack(ctx, d); !errors.Is(err, ErrUnknownDelivery) {
		t.Fatalf("double ack: want ErrUnknownDelivery, got %v", err)
	}
	expectEmpty(t, sub)
}

func TestFailSchedulesRedelivery(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(3), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("jobs")
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	if _, err := b.Send(ctx, q, message.New(q, []byte("x"), nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	d := mustClaim(t, sub)
	out, err := b.Fail(ctx, d, nil, redelivery.ReasonRollback, nil)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.Action != redelivery.ActionRedeliver || out.Attempt != 1 || out.Delay != 100*time.Millisecond {
		t.Fatalf("unexpected outcome %+v", out)
	}

	next := expectEmpty(t, sub)
	if want := clk.Now().Add(100 * time.Millisecond); !next.Equal(want) {
		t.Fatalf("next ready = %v, want %v", next, want)
	}
	clk.Advance(100 * time.Millisecond)
	d = mustClaim(t, sub)
	if d.Message.RedeliveryCounter != 1 || !d.Message.Redelivered {
		t.Fatalf("counter=%d redelivered=%v", d.Message.RedeliveryCounter, d.Message.Redelivered)
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, found, _ := b.Coordinator().State(ctx, d.Key); found {
		t.Fatalf("state survived ack")
	}
}

func TestDelayedMessageDoesNotBlockLaterOnes(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(3), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("mixed")
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	first, _ := b.Send(ctx, q, message.New(q, []byte("1"), nil))
	second, _ := b.Send(ctx, q, message.New(q, []byte("2"), nil))

	d := mustClaim(t, sub)
	if d.Message.ID != first {
		t.Fatalf("expected first message")
	}
	if _, err := b.Fail(ctx, d, nil, redelivery.ReasonRollback, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	d = mustClaim(t, sub)
	if d.Message.ID != second {
		t.Fatalf("delayed message blocked the eligible one")
	}
}

func TestDivertAfterMaxRedeliveries(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(1), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("billing")
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	orig, _ := b.Send(ctx, q, message.New(q, []byte("poison"), map[string]string{"tenant": "a"}))

	d := mustClaim(t, sub)
	if _, err := b.Fail(ctx, d, nil, redelivery.ReasonRollback, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	clk.Advance(time.Second)
	d = mustClaim(t, sub)
	out, err := b.Fail(ctx, d, nil, redelivery.ReasonListener, errors.New("boom"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.Action != redelivery.ActionDeadLetter || out.Attempt != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	expectEmpty(t, sub)

	dlq, err := b.Subscribe(destination.NewQueue(deadletter.DefaultQueue), SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	dd := mustClaim(t, dlq)
	if dd.Message.ID == orig {
		t.Fatalf("dead-letter copy kept the original id")
	}
	props := dd.Message.Properties
	if props[message.PropOriginalDestination] != q.String() {
		t.Fatalf("original destination = %q", props[message.PropOriginalDestination])
	}
	if props[message.PropOriginalMessageID] != orig.String() {
		t.Fatalf("original id = %q", props[message.PropOriginalMessageID])
	}
	if props[message.PropRedeliveryCounter] != "2" {
		t.Fatalf("counter = %q", props[message.PropRedeliveryCounter])
	}
	cause := props[message.PropFailureCause]
	if !strings.Contains(cause, "exceeds redelivery policy limit") || !strings.Contains(cause, "boom") {
		t.Fatalf("cause = %q", cause)
	}
	if props["tenant"] != "a" || string(dd.Message.Body) != "poison" {
		t.Fatalf("payload not preserved")
	}

	recs, err := b.DeadLetters(deadletter.Filter{Field: "destination", Value: q.String()}, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("dead letters = %v, %v", recs, err)
	}
	recs, _ = b.DeadLetters(deadletter.Filter{Field: "nonsense", Value: "zzz"}, 0)
	if len(recs) != 1 {
		t.Fatalf("unknown filter field should match everything, got %d", len(recs))
	}
	recs, _ = b.DeadLetters(deadletter.Filter{Field: "cause", Value: "no such cause"}, 0)
	if len(recs) != 0 {
		t.Fatalf("cause filter matched %d", len(recs))
	}
}

func TestIndividualDeadLetterStrategy(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(0), deadletter.Options{Strategy: deadletter.Individual})
	defer b.Close()

	q := destination.NewQueue("payments.eu")
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	b.Send(ctx, q, message.New(q, []byte("x"), nil))
	out, err := b.Fail(ctx, mustClaim(t, sub), nil, redelivery.ReasonRollback, nil)
	if err != nil || out.Action != redelivery.ActionDeadLetter || out.Attempt != 1 {
		t.Fatalf("outcome %+v err %v", out, err)
	}
	dlq, _ := b.Subscribe(destination.NewQueue("DLQ.payments.eu"), SubscribeOptions{})
	mustClaim(t, dlq)
}

func TestDeadLetterMessagesAreNotRediverted(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(0), deadletter.Options{})
	defer b.Close()

	dlqDest := destination.NewQueue(deadletter.DefaultQueue)
	dlq, _ := b.Subscribe(dlqDest, SubscribeOptions{})
	b.Send(ctx, dlqDest, message.New(dlqDest, []byte("x"), nil))
	out, err := b.Fail(ctx, mustClaim(t, dlq), nil, redelivery.ReasonRollback, nil)
	if err != nil || out.Action != redelivery.ActionDeadLetter {
		t.Fatalf("outcome %+v err %v", out, err)
	}
	expectEmpty(t, dlq)
}

func TestTopicFanOutAndSelector(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(3), deadletter.Options{})
	defer b.Close()

	topic := destination.NewTopic("prices")
	all, err := b.Subscribe(topic, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	eu, err := b.Subscribe(topic, SubscribeOptions{Selector: `properties["region"] == "eu"`})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Send(ctx, topic, message.New(topic, []byte("1"), map[string]string{"region": "us"}))
	b.Send(ctx, topic, message.New(topic, []byte("2"), map[string]string{"region": "eu"}))

	d1 := mustClaim(t, all)
	d2 := mustClaim(t, all)
	if string(d1.Message.Body) != "1" || string(d2.Message.Body) != "2" {
		t.Fatalf("unexpected order")
	}
	d := mustClaim(t, eu)
	if string(d.Message.Body) != "2" {
		t.Fatalf("selector let through %q", d.Message.Body)
	}
	expectEmpty(t, eu)
	if d.Key == d2.Key {
		t.Fatalf("subscriptions share a redelivery key")
	}
	if _, err := b.Subscribe(topic, SubscribeOptions{Selector: "1 + "}); err == nil {
		t.Fatalf("expected selector compile error")
	}
}

func TestQueueSelectorFiltersAtClaim(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(3), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("work")
	urgent, _ := b.Subscribe(q, SubscribeOptions{Selector: `json.priority > 5.0`})
	plain, _ := b.Subscribe(q, SubscribeOptions{})
	b.Send(ctx, q, message.New(q, []byte(`{"priority":1}`), nil))
	b.Send(ctx, q, message.New(q, []byte(`{"priority":9}`), nil))

	d := mustClaim(t, urgent)
	if !strings.Contains(string(d.Message.Body), "9") {
		t.Fatalf("urgent got %s", d.Message.Body)
	}
	expectEmpty(t, urgent)
	d = mustClaim(t, plain)
	if !strings.Contains(string(d.Message.Body), "1") {
		t.Fatalf("plain got %s", d.Message.Body)
	}
}

func TestDurableSubscriptionKeepsCounter(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(5), deadletter.Options{})
	defer b.Close()

	topic := destination.NewTopic("events")
	sub, err := b.Subscribe(topic, SubscribeOptions{Name: "audit", Durable: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(topic, SubscribeOptions{Name: "audit", Durable: true}); !errors.Is(err, ErrSubscriptionActive) {
		t.Fatalf("want ErrSubscriptionActive, got %v", err)
	}
	b.Send(ctx, topic, message.New(topic, []byte("e1"), nil))
	if _, err := b.Fail(ctx, mustClaim(t, sub), nil, redelivery.ReasonClose, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// published while detached
	b.Send(ctx, topic, message.New(topic, []byte("e2"), nil))

	sub, err = b.Subscribe(topic, SubscribeOptions{Name: "audit", Durable: true})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	clk.Advance(time.Second)
	d := mustClaim(t, sub)
	if string(d.Message.Body) != "e1" || d.Message.RedeliveryCounter != 1 {
		t.Fatalf("got %q counter=%d", d.Message.Body, d.Message.RedeliveryCounter)
	}
	if d = mustClaim(t, sub); string(d.Message.Body) != "e2" {
		t.Fatalf("missed message published while detached")
	}

	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	stats, _ := b.Stats()
	for _, s := range stats {
		if s.Subscription == "audit" {
			t.Fatalf("durable subscription survived unsubscribe")
		}
	}
}

func TestNonDurableSubscriptionDroppedOnClose(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(5), deadletter.Options{})
	defer b.Close()

	topic := destination.NewTopic("ticks")
	sub, _ := b.Subscribe(topic, SubscribeOptions{})
	b.Send(ctx, topic, message.New(topic, []byte("t"), nil))
	d := mustClaim(t, sub)
	if _, err := b.Fail(ctx, d, nil, redelivery.ReasonClose, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, found, _ := b.Coordinator().State(ctx, d.Key); found {
		t.Fatalf("state outlived the subscription")
	}
	stats, _ := b.Stats()
	if len(stats) != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRestartRecoversInFlight(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	dir := t.TempDir()
	q := destination.NewQueue("durable")

	b := openBroker(t, dir, clk, flat(5), deadletter.Options{})
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	b.Send(ctx, q, message.New(q, []byte("m"), nil))
	if _, err := b.Fail(ctx, mustClaim(t, sub), nil, redelivery.ReasonRollback, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	clk.Advance(time.Second)
	d := mustClaim(t, sub) // left in flight across the restart
	key := d.Key
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b = openBroker(t, dir, clk, flat(5), deadletter.Options{})
	defer b.Close()
	st, found, err := b.Coordinator().State(ctx, key)
	if err != nil || !found {
		t.Fatalf("state after restart: found=%v err=%v", found, err)
	}
	if st.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", st.AttemptCount)
	}
	sub, _ = b.Subscribe(q, SubscribeOptions{})
	expectEmpty(t, sub)
	clk.Advance(time.Second)
	if d = mustClaim(t, sub); d.Message.RedeliveryCounter != 2 {
		t.Fatalf("counter = %d", d.Message.RedeliveryCounter)
	}
}

func TestDeferKeepsCounter(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(5), deadletter.Options{})
	defer b.Close()

	q := destination.NewQueue("later")
	sub, _ := b.Subscribe(q, SubscribeOptions{})
	b.Send(ctx, q, message.New(q, nil, nil))
	d := mustClaim(t, sub)
	if err := b.Defer(ctx, d, clk.Now().Add(time.Minute)); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if next := expectEmpty(t, sub); !next.Equal(clk.Now().Add(time.Minute)) {
		t.Fatalf("next = %v", next)
	}
	clk.Advance(time.Minute)
	if d = mustClaim(t, sub); d.Message.RedeliveryCounter != 0 {
		t.Fatalf("defer changed the counter")
	}
}

func TestClosedBroker(t *testing.T) {
	clk := newClock()
	b := openBroker(t, t.TempDir(), clk, flat(5), deadletter.Options{})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	q := destination.NewQueue("q")
	if _, err := b.Send(context.Background(), q, message.New(q, nil, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}
