package redelivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
	"github.com/rzbill/redq/pkg/id"
)

type release struct {
	readyAt time.Time
	counter int
}

type fakeSettler struct {
	mu       sync.Mutex
	releases []release
	removed  int
}

func (s *fakeSettler) Release(_ context.Context, readyAt time.Time, counter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, release{readyAt, counter})
	return nil
}

func (s *fakeSettler) Remove(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
	return nil
}

func (s *fakeSettler) removedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

type diversion struct {
	msg     *message.Message
	attempt int
	cause   string
}

type fakeDiverter struct {
	mu    sync.Mutex
	fail  int // number of upcoming calls that fail
	calls []diversion
}

func (d *fakeDiverter) Divert(_ context.Context, msg *message.Message, attempt int, cause string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return errors.New("dead-letter destination unavailable")
	}
	d.calls = append(d.calls, diversion{msg, attempt, cause})
	return nil
}

func (d *fakeDiverter) diverted() []diversion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]diversion(nil), d.calls...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	c        *Coordinator
	store    *MemoryStore
	diverter *fakeDiverter
	policies *policy.Map
	clock    *clock
}

func newHarness(t *testing.T, def policy.Policy) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		diverter: &fakeDiverter{},
		clock:    &clock{now: time.UnixMilli(1_000_000)},
	}
	var err error
	h.policies, err = policy.NewMapWithDefault(def)
	if err != nil {
		t.Fatalf("policy map: %v", err)
	}
	h.c, err = New(Options{
		Store:       h.store,
		Resolver:    h.policies,
		Diverter:    h.diverter,
		Shards:      4,
		DivertRetry: 10 * time.Millisecond,
		Now:         h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func testMessage(dest destination.Destination) (*message.Message, Key) {
	m := message.New(dest, []byte("payload"), nil)
	m.ID = id.NewGenerator().Next()
	return m, QueueKey(dest, m.ID)
}

func (h *harness) fail(t *testing.T, m *message.Message, key Key, s Settler) Outcome {
	t.Helper()
	out, err := h.c.Fail(context.Background(), Failure{Key: key, Message: m, Reason: ReasonRollback, Settle: s})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	return out
}

func exponential(max int) policy.Policy {
	return policy.Policy{
		RedeliveryDelay:        500 * time.Millisecond,
		UseExponentialBackOff:  true,
		BackOffMultiplier:      2,
		MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    max,
	}
}

func TestExponentialDelaysAcrossFailures(t *testing.T) {
	h := newHarness(t, exponential(policy.UnlimitedRedeliveries))
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	want := []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, d := range want {
		out := h.fail(t, m, key, s)
		if out.Action != ActionRedeliver || out.Attempt != i+1 || out.Delay != d {
			t.Fatalf("failure %d: %+v, want delay %s", i+1, out, d)
		}
		if !out.NextEligible.Equal(h.clock.Now().Add(d)) {
			t.Fatalf("next eligible %s", out.NextEligible)
		}
	}
	st, found, _ := h.c.State(context.Background(), key)
	if !found || st.AttemptCount != 4 || st.LastDelay != 2*time.Second {
		t.Fatalf("state %+v", st)
	}
	if got := s.releases[3].counter; got != 4 {
		t.Fatalf("release counter %d", got)
	}
}

func TestZeroMaximumDivertsOnFirstFailure(t *testing.T) {
	h := newHarness(t, exponential(0))
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	out := h.fail(t, m, key, s)
	if out.Action != ActionDeadLetter || out.Attempt != 1 {
		t.Fatalf("outcome %+v", out)
	}
	if len(s.releases) != 0 || s.removed != 1 {
		t.Fatalf("settler %+v", s)
	}
	d := h.diverter.diverted()
	if len(d) != 1 || !strings.Contains(d[0].cause, "RedeliveryPolicy") {
		t.Fatalf("diversions %+v", d)
	}
	if h.store.Len() != 0 {
		t.Fatalf("state left behind")
	}
}

func TestUnlimitedNeverDiverts(t *testing.T) {
	h := newHarness(t, policy.Policy{MaximumRedeliveries: policy.UnlimitedRedeliveries, MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay})
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}
	for i := 0; i < 200; i++ {
		if out := h.fail(t, m, key, s); out.Action != ActionRedeliver {
			t.Fatalf("failure %d: %+v", i+1, out)
		}
	}
	if len(h.diverter.diverted()) != 0 {
		t.Fatalf("unexpected diversion")
	}
}

func TestFiniteMaximumDivertsAfterLimit(t *testing.T) {
	const max = 3
	h := newHarness(t, exponential(max))
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	for i := 1; i <= max; i++ {
		if out := h.fail(t, m, key, s); out.Action != ActionRedeliver || out.Attempt != i {
			t.Fatalf("attempt %d: %+v", i, out)
		}
	}
	out := h.fail(t, m, key, s)
	if out.Action != ActionDeadLetter || out.Attempt != max+1 {
		t.Fatalf("final: %+v", out)
	}
	if !strings.Contains(out.Cause, "Delivery[4] exceeds redelivery policy limit: RedeliveryPolicy{") {
		t.Fatalf("cause %q", out.Cause)
	}
	if _, found, _ := h.c.State(context.Background(), key); found {
		t.Fatalf("state must be destroyed after diversion")
	}
}

func TestMissingPolicyDivertsImmediately(t *testing.T) {
	h := newHarness(t, exponential(5))
	h.policies.ClearDefault()
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	out := h.fail(t, m, key, s)
	if out.Action != ActionDeadLetter || !strings.Contains(out.Cause, "RedeliveryPolicy") {
		t.Fatalf("outcome %+v", out)
	}
}

func TestFailureResolverOverridesDefault(t *testing.T) {
	h := newHarness(t, exponential(5))
	connMap, _ := policy.NewMapWithDefault(exponential(0))
	m, key := testMessage(destination.NewQueue("orders"))

	out, err := h.c.Fail(context.Background(), Failure{Key: key, Message: m, Reason: ReasonRollback, Resolver: connMap, Settle: &fakeSettler{}})
	if err != nil || out.Action != ActionDeadLetter {
		t.Fatalf("outcome %+v %v", out, err)
	}
}

func TestPolicySwapAppliesToNextDecisionOnly(t *testing.T) {
	h := newHarness(t, exponential(5))
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	h.fail(t, m, key, s)
	if err := h.policies.SetDefault(exponential(1)); err != nil {
		t.Fatalf("swap: %v", err)
	}
	st, _, _ := h.c.State(context.Background(), key)
	if st.AttemptCount != 1 {
		t.Fatalf("swap touched tracked state: %+v", st)
	}
	if out := h.fail(t, m, key, s); out.Action != ActionDeadLetter || out.Attempt != 2 {
		t.Fatalf("outcome %+v", out)
	}
}

func TestDivertFailureWithholdsAndRetries(t *testing.T) {
	h := newHarness(t, exponential(0))
	h.diverter.fail = 2
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	out := h.fail(t, m, key, s)
	if out.Action != ActionDivertDeferred {
		t.Fatalf("outcome %+v", out)
	}
	if len(s.releases) != 0 || s.removedCount() != 0 {
		t.Fatalf("message must stay withheld: %+v", s)
	}
	st, found, _ := h.c.State(context.Background(), key)
	if !found || st.AttemptCount != 1 {
		t.Fatalf("state %+v %v", st, found)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.removedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("diversion never retried")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d := h.diverter.diverted(); len(d) != 1 || d[0].attempt != 1 {
		t.Fatalf("diversions %+v", d)
	}
}

func TestAcknowledgeDestroysState(t *testing.T) {
	h := newHarness(t, exponential(5))
	m, key := testMessage(destination.NewQueue("orders"))
	h.fail(t, m, key, &fakeSettler{})
	if err := h.c.Acknowledge(context.Background(), key); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("state survived acknowledgment")
	}
	// a fresh failure starts over
	if out := h.fail(t, m, key, &fakeSettler{}); out.Attempt != 1 {
		t.Fatalf("outcome %+v", out)
	}
}

func TestConcurrentFailuresSameKeySerialize(t *testing.T) {
	h := newHarness(t, policy.Policy{MaximumRedeliveries: policy.UnlimitedRedeliveries, MaximumRedeliveryDelay: policy.NoMaximumRedeliveryDelay})
	m, key := testMessage(destination.NewQueue("orders"))
	s := &fakeSettler{}

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.c.Fail(context.Background(), Failure{Key: key, Message: m, Reason: ReasonRecover, Settle: s}); err != nil {
				t.Errorf("fail: %v", err)
			}
		}()
	}
	wg.Wait()
	st, _, _ := h.c.State(context.Background(), key)
	if st.AttemptCount != n {
		t.Fatalf("lost updates: attempt=%d want %d", st.AttemptCount, n)
	}
}

func TestLifecycleErrors(t *testing.T) {
	c, err := New(Options{Store: NewMemoryStore(), Diverter: &fakeDiverter{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m, key := testMessage(destination.NewQueue("q"))
	f := Failure{Key: key, Message: m, Settle: &fakeSettler{}}
	if _, err := c.Fail(context.Background(), f); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("want ErrNotStarted, got %v", err)
	}
	_ = c.Start(context.Background())
	_ = c.Close()
	if _, err := c.Fail(context.Background(), f); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if _, err := New(Options{Diverter: &fakeDiverter{}}); err == nil {
		t.Fatalf("expected missing store error")
	}
}
