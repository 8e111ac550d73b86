package redelivery

import (
	"context"
	"time"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/internal/policy"
)

// Reason records what triggered a failed acknowledgment.
type Reason string

const (
	ReasonRollback  Reason = "rollback"
	ReasonRecover   Reason = "recover"
	ReasonListener  Reason = "listener"
	ReasonClose     Reason = "close"
	ReasonTransport Reason = "transport"
	ReasonRestart   Reason = "restart"
)

// Settler applies a decision to the message's source store.
type Settler interface {
	// Release makes the message deliverable again at readyAt, carrying the
	// new redelivery counter.
	Release(ctx context.Context, readyAt time.Time, counter int) error
	// Remove drops the message from its source after diversion.
	Remove(ctx context.Context) error
}

// Diverter hands a poisoned message to the dead-letter path.
type Diverter interface {
	Divert(ctx context.Context, msg *message.Message, attempt int, cause string) error
}

// Recorder observes decisions. Implementations must be safe for concurrent use.
type Recorder interface {
	Scheduled(dest destination.Destination, attempt int, delay time.Duration)
	DeadLettered(dest destination.Destination, reason string)
	DivertFailed(dest destination.Destination)
	Decided(elapsed time.Duration)
	Tracked(delta int)
}

type nopRecorder struct{}

func (nopRecorder) Scheduled(destination.Destination, int, time.Duration) {}
func (nopRecorder) DeadLettered(destination.Destination, string)          {}
func (nopRecorder) DivertFailed(destination.Destination)                  {}
func (nopRecorder) Decided(time.Duration)                                 {}
func (nopRecorder) Tracked(int)                                           {}

// Failure is one failed acknowledgment handed to the Coordinator.
type Failure struct {
	Key     Key
	Message *message.Message
	Reason  Reason
	// Err is the listener or transport error, if any.
	Err error
	// Resolver overrides the Coordinator's policy source, typically with the
	// consuming connection's map.
	Resolver policy.Resolver
	Settle   Settler
}

// Action is the outcome of a decision.
type Action int

const (
	// ActionRedeliver scheduled another delivery.
	ActionRedeliver Action = iota + 1
	// ActionDeadLetter diverted the message.
	ActionDeadLetter
	// ActionDivertDeferred wanted to divert but the send failed; the
	// message stays withheld and diversion is retried.
	ActionDivertDeferred
)

func (a Action) String() string {
	switch a {
	case ActionRedeliver:
		return "redeliver"
	case ActionDeadLetter:
		return "dead-letter"
	case ActionDivertDeferred:
		return "divert-deferred"
	default:
		return "unknown"
	}
}

// Outcome describes a decision.
type Outcome struct {
	Action       Action
	Attempt      int
	Delay        time.Duration
	NextEligible time.Time
	Cause        string
}
