package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/pkg/id"
)

type sent struct {
	dest destination.Destination
	msg  *message.Message
}

type fakeSender struct {
	mu   sync.Mutex
	gen  *id.Generator
	err  error
	sent []sent
}

func (s *fakeSender) Send(_ context.Context, dest destination.Destination, msg *message.Message) (id.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return id.Zero, s.err
	}
	msg.ID = s.gen.Next()
	s.sent = append(s.sent, sent{dest, msg})
	return msg.ID, nil
}

type failingMirror struct{ calls int }

func (m *failingMirror) Mirror(context.Context, Record) error { m.calls++; return errors.New("down") }
func (m *failingMirror) Close() error                         { return nil }

func poisoned(dest destination.Destination) *message.Message {
	m := message.New(dest, []byte("poison"), map[string]string{"tenant": "acme"})
	m.ID = id.NewGenerator().Next()
	m.RedeliveryCounter = 6
	return m
}

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestDivertSharedStampsDiagnostics(t *testing.T) {
	s := &fakeSender{gen: id.NewGenerator()}
	mirror := &failingMirror{}
	r, err := NewRouter(Options{Sender: s, Mirrors: []Mirror{mirror}, Now: fixedNow})
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	orig := poisoned(destination.NewQueue("orders"))
	cause := "Delivery[7] exceeds redelivery policy limit: RedeliveryPolicy{...}"

	if err := r.Divert(context.Background(), orig, 7, cause); err != nil {
		t.Fatalf("divert: %v", err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("sent %d", len(s.sent))
	}
	got := s.sent[0]
	if got.dest != destination.NewQueue(DefaultQueue) {
		t.Fatalf("dest %s", got.dest)
	}
	if got.msg.ID == orig.ID || got.msg.RedeliveryCounter != 0 {
		t.Fatalf("copy must be a fresh message: %+v", got.msg)
	}
	rec := RecordOf(got.msg)
	if rec.Cause != cause || rec.OriginalDestination != "queue://orders" || rec.RedeliveryCounter != 7 ||
		rec.OriginalMessageID != orig.ID.String() || !rec.DivertedAt.Equal(fixedNow()) {
		t.Fatalf("record %+v", rec)
	}
	if rec.Properties["tenant"] != "acme" || string(rec.Body) != "poison" {
		t.Fatalf("payload not preserved: %+v", rec)
	}
	if _, ok := orig.Property(message.PropFailureCause); ok {
		t.Fatalf("original message mutated")
	}
	if mirror.calls != 1 {
		t.Fatalf("mirror not called")
	}
}

func TestDivertIndividual(t *testing.T) {
	s := &fakeSender{gen: id.NewGenerator()}
	r, _ := NewRouter(Options{Sender: s, Strategy: Individual})
	if err := r.Divert(context.Background(), poisoned(destination.NewTopic("prices.eu")), 1, "c"); err != nil {
		t.Fatalf("divert: %v", err)
	}
	if s.sent[0].dest != destination.NewQueue("DLQ.prices.eu") {
		t.Fatalf("dest %s", s.sent[0].dest)
	}
	if !r.Pattern().Matches(s.sent[0].dest) {
		t.Fatalf("pattern %s misses %s", r.Pattern(), s.sent[0].dest)
	}
}

func TestDivertDeadLetterIsDiscarded(t *testing.T) {
	s := &fakeSender{gen: id.NewGenerator()}
	r, _ := NewRouter(Options{Sender: s})
	if err := r.Divert(context.Background(), poisoned(destination.NewQueue(DefaultQueue)), 3, "c"); err != nil {
		t.Fatalf("divert: %v", err)
	}
	if len(s.sent) != 0 {
		t.Fatalf("dead-letter message re-diverted")
	}
	if r.IsDeadLetter(destination.NewTopic(DefaultQueue)) {
		t.Fatalf("topics are never dead-letter destinations")
	}
}

func TestDivertSendFailure(t *testing.T) {
	boom := errors.New("no route")
	r, _ := NewRouter(Options{Sender: &fakeSender{gen: id.NewGenerator(), err: boom}})
	if err := r.Divert(context.Background(), poisoned(destination.NewQueue("q")), 1, "c"); !errors.Is(err, boom) {
		t.Fatalf("want wrapped send error, got %v", err)
	}
}

func TestNewRouterValidation(t *testing.T) {
	if _, err := NewRouter(Options{}); !errors.Is(err, ErrNoSender) {
		t.Fatalf("want ErrNoSender, got %v", err)
	}
	if _, err := NewRouter(Options{Sender: &fakeSender{}, Queue: "bad..name"}); err == nil {
		t.Fatalf("expected invalid queue error")
	}
	if _, err := ParseStrategy("sideways"); err == nil {
		t.Fatalf("expected strategy error")
	}
}

func TestFilter(t *testing.T) {
	rec := Record{Cause: "Delivery[3] exceeds redelivery policy limit", OriginalDestination: "queue://orders",
		RedeliveryCounter: 3, OriginalMessageID: "abc", Body: []byte("hello world")}
	tests := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{Field: "cause", Value: "redelivery policy"}, true},
		{Filter{Field: "destination", Value: "queue://orders"}, true},
		{Filter{Field: "destination", Value: "queue://other"}, false},
		{Filter{Field: "counter", Value: "3"}, true},
		{Filter{Field: "ID", Value: "abc"}, true},
		{Filter{Field: "body", Value: "world"}, true},
		{Filter{Field: "priority", Value: "9"}, true},
	}
	for _, tt := range tests {
		if got := tt.f.Match(rec); got != tt.want {
			t.Fatalf("%+v: got %v", tt.f, got)
		}
	}
	if (Filter{Field: "priority"}).Known() {
		t.Fatalf("unknown field reported known")
	}
}

func TestKafkaMirror(t *testing.T) {
	cfg := DefaultKafkaConfig()
	p := mocks.NewSyncProducer(t, cfg)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "redq-dlq" {
			t.Errorf("topic %q", msg.Topic)
		}
		v, _ := msg.Value.Encode()
		var rec Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !strings.Contains(rec.Cause, "RedeliveryPolicy") {
			t.Errorf("cause %q", rec.Cause)
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	m := NewKafkaMirrorWithProducer(p, "redq-dlq")
	rec := Record{Cause: "exceeds RedeliveryPolicy", OriginalDestination: "queue://orders"}
	if err := m.Mirror(context.Background(), rec); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if err := m.Mirror(context.Background(), rec); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("want ErrOutOfBrokers, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
