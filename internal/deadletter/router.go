package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rzbill/redq/internal/destination"
	"github.com/rzbill/redq/internal/message"
	"github.com/rzbill/redq/pkg/id"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// DefaultQueue is the shared dead-letter queue name.
const DefaultQueue = "redq.DLQ"

// DefaultPrefix prefixes per-destination dead-letter queues.
const DefaultPrefix = "DLQ."

// ErrNoSender is returned by NewRouter without a Sender.
var ErrNoSender = errors.New("deadletter: sender is required")

// Strategy selects how dead-letter destinations are named.
type Strategy int

const (
	Shared Strategy = iota
	Individual
)

// ParseStrategy accepts "shared" or "individual"; empty means shared.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "shared":
		return Shared, nil
	case "individual":
		return Individual, nil
	default:
		return Shared, fmt.Errorf("deadletter: unknown strategy %q", s)
	}
}

func (s Strategy) String() string {
	if s == Individual {
		return "individual"
	}
	return "shared"
}

// Sender is the destination send path.
type Sender interface {
	Send(ctx context.Context, dest destination.Destination, msg *message.Message) (id.ID, error)
}

// Mirror receives a copy of every diverted record. Failures are logged only.
type Mirror interface {
	Mirror(ctx context.Context, rec Record) error
	Close() error
}

// Options configures a Router.
type Options struct {
	Strategy Strategy
	Queue    string
	Prefix   string
	Sender   Sender
	Mirrors  []Mirror
	Logger   logpkg.Logger
	Now      func() time.Time
}

// Router builds and routes dead-letter copies.
type Router struct {
	strategy Strategy
	queue    string
	prefix   string
	sender   Sender
	mirrors  []Mirror
	logger   logpkg.Logger
	now      func() time.Time
}

// NewRouter validates opts and fills defaults.
func NewRouter(opts Options) (*Router, error) {
	if opts.Sender == nil {
		return nil, ErrNoSender
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if err := destination.NewQueue(opts.Queue).Validate(); err != nil {
		return nil, fmt.Errorf("deadletter: queue: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		strategy: opts.Strategy,
		queue:    opts.Queue,
		prefix:   opts.Prefix,
		sender:   opts.Sender,
		mirrors:  opts.Mirrors,
		logger:   opts.Logger.WithComponent("deadletter"),
		now:      opts.Now,
	}, nil
}

// Destination returns where poisoned messages from orig are sent.
func (r *Router) Destination(orig destination.Destination) destination.Destination {
	if r.strategy == Individual {
		return destination.NewQueue(r.prefix + orig.Name)
	}
	return destination.NewQueue(r.queue)
}

// Pattern matches every dead-letter queue this router sends to. Individual
// prefixes are expected to end with the segment delimiter.
func (r *Router) Pattern() destination.Pattern {
	if r.strategy == Individual {
		return destination.MustCompile(destination.Queue, strings.TrimSuffix(r.prefix, destination.Delimiter)+destination.Delimiter+">")
	}
	return destination.MustCompile(destination.Queue, r.queue)
}

// IsDeadLetter reports whether dest is itself a dead-letter destination.
func (r *Router) IsDeadLetter(dest destination.Destination) bool {
	if dest.Kind != destination.Queue {
		return false
	}
	return dest.Name == r.queue || (r.strategy == Individual && strings.HasPrefix(dest.Name, r.prefix))
}

// Divert sends a diagnostic copy of msg to its dead-letter destination.
// A message that already lives on a dead-letter destination is discarded
// rather than diverted again.
func (r *Router) Divert(ctx context.Context, msg *message.Message, attempt int, cause string) error {
	log := r.logger.With(logpkg.Str("destination", msg.Destination.String()), logpkg.Str("message_id", msg.ID.String()))
	if r.IsDeadLetter(msg.Destination) {
		log.Error("dead-letter message exhausted its redeliveries, discarding",
			logpkg.Int("attempt", attempt), logpkg.Str("cause", cause))
		return nil
	}

	dlq := r.Destination(msg.Destination)
	c := msg.Clone()
	c.ID = id.Zero
	c.Destination = dlq
	c.RedeliveryCounter = 0
	c.Redelivered = false
	c.SetProperty(message.PropFailureCause, cause)
	c.SetProperty(message.PropOriginalDestination, msg.Destination.String())
	c.SetProperty(message.PropRedeliveryCounter, strconv.Itoa(attempt))
	c.SetProperty(message.PropOriginalMessageID, msg.ID.String())
	c.SetProperty(message.PropDivertedAtMs, strconv.FormatInt(r.now().UnixMilli(), 10))

	newID, err := r.sender.Send(ctx, dlq, c)
	if err != nil {
		return fmt.Errorf("deadletter: send to %s: %w", dlq, err)
	}
	c.ID = newID

	rec := RecordOf(c)
	for _, m := range r.mirrors {
		if err := m.Mirror(ctx, rec); err != nil {
			log.Warn("dead-letter mirror failed", logpkg.Err(err))
		}
	}
	log.Info("diverted to dead-letter destination", logpkg.Str("dlq", dlq.String()), logpkg.Int("attempt", attempt))
	return nil
}

// Close closes every mirror.
func (r *Router) Close() error {
	var errs []error
	for _, m := range r.mirrors {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
