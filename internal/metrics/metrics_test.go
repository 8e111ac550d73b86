package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rzbill/redq/internal/destination"
)

func TestRecorder(t *testing.T) {
	m := New()
	q := destination.NewQueue("orders")
	m.Scheduled(q, 1, 100*time.Millisecond)
	m.Scheduled(q, 2, 200*time.Millisecond)
	m.DeadLettered(q, "rollback")
	m.DivertFailed(destination.NewTopic("t"))
	m.Tracked(1)
	m.Tracked(1)
	m.Tracked(-1)

	if got := testutil.ToFloat64(m.redeliveries.WithLabelValues("queue")); got != 2 {
		t.Fatalf("scheduled = %v", got)
	}
	if got := testutil.ToFloat64(m.deadLetters.WithLabelValues("queue", "rollback")); got != 1 {
		t.Fatalf("dead letters = %v", got)
	}
	if got := testutil.ToFloat64(m.divertFailed.WithLabelValues("topic")); got != 1 {
		t.Fatalf("divert failures = %v", got)
	}
	if got := testutil.ToFloat64(m.tracked); got != 1 {
		t.Fatalf("tracked = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveWrite(time.Millisecond, 42)
	m.Decided(time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"redq_storage_bytes_total", "redq_redelivery_decision_seconds", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %s", want)
		}
	}
}
