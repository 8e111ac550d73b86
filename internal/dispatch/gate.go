package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/redq/internal/broker"
	"github.com/rzbill/redq/internal/redelivery"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// Source is the subscription a Gate claims from.
type Source interface {
	Claim(ctx context.Context) (*broker.Delivery, time.Time, error)
	Changed() <-chan struct{}
}

// Settler returns a claimed message that is not yet eligible.
type Settler interface {
	Defer(ctx context.Context, d *broker.Delivery, until time.Time) error
}

// Eligibility reports whether a key's redelivery delay has elapsed.
type Eligibility interface {
	Eligible(ctx context.Context, key redelivery.Key) (bool, time.Time, error)
}

// Options configures a Gate.
type Options struct {
	Settler     Settler
	Eligibility Eligibility
	Logger      logpkg.Logger
	// PollInterval bounds every wait so clock adjustments are noticed;
	// default 250ms.
	PollInterval time.Duration
	Now          func() time.Time
}

// Gate serializes claims for one consumer.
type Gate struct {
	src     Source
	settler Settler
	elig    Eligibility
	logger  logpkg.Logger
	poll    time.Duration
	now     func() time.Time
}

// New builds a Gate over src.
func New(src Source, opts Options) (*Gate, error) {
	if src == nil {
		return nil, errors.New("dispatch: nil source")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		src:     src,
		settler: opts.Settler,
		elig:    opts.Eligibility,
		logger:  opts.Logger.WithComponent("dispatch"),
		poll:    opts.PollInterval,
		now:     opts.Now,
	}, nil
}

// Receive waits up to timeout for an eligible message. A negative timeout
// waits until ctx ends; zero does not wait. It returns nil, nil on timeout.
func (g *Gate) Receive(ctx context.Context, timeout time.Duration) (*broker.Delivery, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changed := g.src.Changed()
		d, next, err := g.next(ctx)
		if err != nil || d != nil {
			return d, err
		}
		if timeout == 0 {
			return nil, nil
		}

		wait := g.poll
		if !next.IsZero() {
			if until := next.Sub(g.now()); until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-deadline:
			timer.Stop()
			return nil, nil
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// TryReceive returns an eligible message if one is ready now.
func (g *Gate) TryReceive(ctx context.Context) (*broker.Delivery, error) {
	return g.Receive(ctx, 0)
}

// next claims one message and withholds it again when its redelivery state
// says it is not yet eligible.
func (g *Gate) next(ctx context.Context) (*broker.Delivery, time.Time, error) {
	for {
		d, next, err := g.src.Claim(ctx)
		if err != nil || d == nil {
			return nil, next, err
		}
		if g.elig == nil || g.settler == nil {
			return d, next, nil
		}
		ok, at, err := g.elig.Eligible(ctx, d.Key)
		if err != nil {
			g.logger.Warn("eligibility check failed, delivering", logpkg.Str("key", string(d.Key)), logpkg.Err(err))
			return d, next, nil
		}
		if ok {
			return d, next, nil
		}
		if err := g.settler.Defer(ctx, d, at); err != nil {
			return nil, time.Time{}, fmt.Errorf("dispatch: withhold %s: %w", d.Key, err)
		}
		g.logger.Debug("withheld message until eligible", logpkg.Str("key", string(d.Key)), logpkg.F("until", at))
	}
}

// Handler processes one delivery. A non-nil error or a panic marks the
// delivery failed.
type Handler func(ctx context.Context, d *broker.Delivery) error

// Completion receives the handler's result for d.
type Completion func(ctx context.Context, d *broker.Delivery, err error)

// PanicError wraps a recovered handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("dispatch: listener panic: %v", e.Value) }

// Listen pushes deliveries to h one at a time until ctx ends or the source
// fails. It returns nil when ctx is cancelled.
func (g *Gate) Listen(ctx context.Context, h Handler, done Completion) error {
	for {
		d, err := g.Receive(ctx, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if d == nil {
			continue
		}
		herr := invoke(ctx, h, d)
		if herr != nil {
			g.logger.Debug("listener failed", logpkg.Str("key", string(d.Key)), logpkg.Err(herr))
		}
		done(ctx, d, herr)
	}
}

func invoke(ctx context.Context, h Handler, d *broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, d)
}
