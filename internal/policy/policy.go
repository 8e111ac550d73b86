// Package policy holds redelivery policies and the destination-pattern map
// that resolves them.
package policy

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// UnlimitedRedeliveries disables the retry bound.
	UnlimitedRedeliveries = -1
	// NoMaximumRedeliveryDelay leaves computed delays unbounded.
	NoMaximumRedeliveryDelay time.Duration = -1
)

var (
	// ErrNoPolicy is returned when neither a pattern nor a default applies.
	ErrNoPolicy = errors.New("policy: no redelivery policy applies")
	// ErrInvalidPolicy wraps every validation failure.
	ErrInvalidPolicy = errors.New("policy: invalid redelivery policy")
)

// Policy is an immutable redelivery configuration value.
type Policy struct {
	InitialRedeliveryDelay time.Duration
	RedeliveryDelay        time.Duration
	UseExponentialBackOff  bool
	BackOffMultiplier      float64
	// MaximumRedeliveryDelay caps computed delays; NoMaximumRedeliveryDelay disables the cap.
	MaximumRedeliveryDelay time.Duration
	// MaximumRedeliveries of 0 diverts on the first failure; UnlimitedRedeliveries never diverts.
	MaximumRedeliveries int
}

// Default mirrors the classic broker defaults: one second delays, multiplier
// five when exponential mode is enabled, six redeliveries, no delay cap.
func Default() Policy {
	return Policy{
		InitialRedeliveryDelay: time.Second,
		RedeliveryDelay:        time.Second,
		BackOffMultiplier:      5,
		MaximumRedeliveryDelay: NoMaximumRedeliveryDelay,
		MaximumRedeliveries:    6,
	}
}

// NextDelay computes the delay that follows prev. Flat mode always yields
// RedeliveryDelay. Exponential mode yields RedeliveryDelay for prev==0 and
// prev*BackOffMultiplier otherwise. The result never exceeds the cap, so the
// cap is a fixed point.
func (p Policy) NextDelay(prev time.Duration) time.Duration {
	d := p.RedeliveryDelay
	if p.UseExponentialBackOff && prev > 0 {
		d = scale(prev, p.BackOffMultiplier)
	}
	return p.clamp(d)
}

// FirstDelay is the delay applied after the first failed delivery. It is
// taken as configured, without the cap.
func (p Policy) FirstDelay() time.Duration { return p.InitialRedeliveryDelay }

// Unlimited reports whether the policy never diverts on retry count.
func (p Policy) Unlimited() bool { return p.MaximumRedeliveries < 0 }

// Exceeded reports whether attempt is past the retry bound.
func (p Policy) Exceeded(attempt int) bool {
	return p.MaximumRedeliveries >= 0 && attempt > p.MaximumRedeliveries
}

// Delays returns the first n delays a message would observe under p.
func (p Policy) Delays(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	var last time.Duration
	for i := 0; i < n; i++ {
		if i == 0 {
			last = p.FirstDelay()
		} else {
			last = p.NextDelay(last)
		}
		out = append(out, last)
	}
	return out
}

// Validate rejects negative durations (other than the cap sentinel), retry
// bounds below the unlimited sentinel and exponential multipliers below one.
func (p Policy) Validate() error {
	switch {
	case p.InitialRedeliveryDelay < 0:
		return fmt.Errorf("%w: initialRedeliveryDelay %s is negative", ErrInvalidPolicy, p.InitialRedeliveryDelay)
	case p.RedeliveryDelay < 0:
		return fmt.Errorf("%w: redeliveryDelay %s is negative", ErrInvalidPolicy, p.RedeliveryDelay)
	case p.MaximumRedeliveryDelay < NoMaximumRedeliveryDelay:
		return fmt.Errorf("%w: maximumRedeliveryDelay %s is below -1", ErrInvalidPolicy, p.MaximumRedeliveryDelay)
	case p.MaximumRedeliveries < UnlimitedRedeliveries:
		return fmt.Errorf("%w: maximumRedeliveries %d is below -1", ErrInvalidPolicy, p.MaximumRedeliveries)
	case math.IsNaN(p.BackOffMultiplier) || math.IsInf(p.BackOffMultiplier, 0):
		return fmt.Errorf("%w: backOffMultiplier is not finite", ErrInvalidPolicy)
	case p.UseExponentialBackOff && p.BackOffMultiplier < 1:
		return fmt.Errorf("%w: backOffMultiplier %g must be >= 1", ErrInvalidPolicy, p.BackOffMultiplier)
	}
	return nil
}

// String renders the policy in the form quoted by dead-letter causes.
func (p Policy) String() string {
	return fmt.Sprintf("RedeliveryPolicy{initialRedeliveryDelay=%d, redeliveryDelay=%d, useExponentialBackOff=%t, backOffMultiplier=%g, maximumRedeliveryDelay=%d, maximumRedeliveries=%d}",
		p.InitialRedeliveryDelay.Milliseconds(), p.RedeliveryDelay.Milliseconds(), p.UseExponentialBackOff,
		p.BackOffMultiplier, durationMs(p.MaximumRedeliveryDelay), p.MaximumRedeliveries)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.MaximumRedeliveryDelay >= 0 && d > p.MaximumRedeliveryDelay {
		return p.MaximumRedeliveryDelay
	}
	return d
}

// scale multiplies without wrapping past math.MaxInt64.
func scale(d time.Duration, m float64) time.Duration {
	f := float64(d) * m
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func durationMs(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}
