package destination

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Destination
		err  bool
	}{
		{"queue://orders.eu", NewQueue("orders.eu"), false},
		{"topic://prices", NewTopic("prices"), false},
		{"plain", NewQueue("plain"), false},
		{"queue://", Destination{}, true},
		{"queue://a..b", Destination{}, true},
		{"topic://a.*", Destination{}, true},
		{"queue://a/b", Destination{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.err {
			t.Fatalf("Parse(%q) err=%v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestDestinationJSON(t *testing.T) {
	b, err := json.Marshal(NewTopic("a.b"))
	if err != nil || string(b) != `"topic://a.b"` {
		t.Fatalf("marshal %s %v", b, err)
	}
	var d Destination
	if err := json.Unmarshal(b, &d); err != nil || d != NewTopic("a.b") {
		t.Fatalf("unmarshal %v %v", d, err)
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		dest    Destination
		want    bool
	}{
		{">", NewQueue("anything.at.all"), true},
		{">", NewTopic("x"), false},
		{"orders.>", NewQueue("orders.eu"), true},
		{"orders.>", NewQueue("orders.eu.west"), true},
		{"orders.>", NewQueue("orders"), false},
		{"orders.*", NewQueue("orders.eu"), true},
		{"orders.*", NewQueue("orders.eu.west"), false},
		{"*.eu", NewQueue("orders.eu"), true},
		{"orders.eu", NewQueue("orders.eu"), true},
		{"orders.eu", NewQueue("orders.us"), false},
		{"orders.*.west", NewQueue("orders.eu.west"), true},
	}
	for _, tt := range tests {
		p := MustCompile(Queue, tt.pattern)
		if got := p.Matches(tt.dest); got != tt.want {
			t.Fatalf("%s matches %s = %v, want %v", p, tt.dest, got, tt.want)
		}
	}
}

func TestCompileRejectsInnerRemainder(t *testing.T) {
	if _, err := Compile(Queue, "a.>.b"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Compile(Queue, "a..b"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSpecificityOrdering(t *testing.T) {
	order := []string{"orders.eu.west", "orders.eu.*", "orders.eu.>", "orders.*", "orders.>", "*", ">"}
	for i := 0; i+1 < len(order); i++ {
		a := MustCompile(Queue, order[i]).Specificity()
		b := MustCompile(Queue, order[i+1]).Specificity()
		if !a.MoreSpecific(b) {
			t.Fatalf("%q should rank before %q", order[i], order[i+1])
		}
		if b.MoreSpecific(a) {
			t.Fatalf("%q should not rank before %q", order[i+1], order[i])
		}
	}
	same := MustCompile(Queue, "a.*").Specificity()
	if same.MoreSpecific(MustCompile(Queue, "*.b").Specificity()) {
		t.Fatalf("equal specificity must not rank")
	}
}
