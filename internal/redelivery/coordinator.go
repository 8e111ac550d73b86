package redelivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/redq/internal/policy"
	logpkg "github.com/rzbill/redq/pkg/log"
)

var (
	// ErrClosed is returned once the Coordinator has stopped.
	ErrClosed = errors.New("redelivery: coordinator closed")
	// ErrNotStarted is returned before Start.
	ErrNotStarted = errors.New("redelivery: coordinator not started")
)

// Options configures a Coordinator.
type Options struct {
	Store StateStore
	// Resolver is used when a Failure carries none.
	Resolver policy.Resolver
	Diverter Diverter
	Logger   logpkg.Logger
	Recorder Recorder
	Tracer   trace.Tracer
	// Shards is the number of serialized workers; default 8.
	Shards int
	// QueueDepth bounds each shard's task queue; default 256.
	QueueDepth int
	// DivertRetry is the first backoff after a failed diversion; default 1s,
	// doubling up to MaxDivertRetry (default 30s).
	DivertRetry    time.Duration
	MaxDivertRetry time.Duration
	Now            func() time.Time
}

type task struct {
	ctx context.Context
	run func(context.Context)
}

// Coordinator owns the retry state machine.
type Coordinator struct {
	store    StateStore
	resolver policy.Resolver
	diverter Diverter
	logger   logpkg.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	divertRetry    time.Duration
	maxDivertRetry time.Duration

	shards []chan task

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	group   *errgroup.Group
	cancel  context.CancelFunc
	timers  map[*time.Timer]struct{}
}

// New validates opts and builds a stopped Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("redelivery: Options.Store is required")
	}
	if opts.Diverter == nil {
		return nil, errors.New("redelivery: Options.Diverter is required")
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/rzbill/redq/internal/redelivery")
	}
	if opts.Shards <= 0 {
		opts.Shards = 8
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.DivertRetry <= 0 {
		opts.DivertRetry = time.Second
	}
	if opts.MaxDivertRetry < opts.DivertRetry {
		opts.MaxDivertRetry = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		store:          opts.Store,
		resolver:       opts.Resolver,
		diverter:       opts.Diverter,
		logger:         opts.Logger.WithComponent("redelivery"),
		recorder:       opts.Recorder,
		tracer:         opts.Tracer,
		now:            opts.Now,
		divertRetry:    opts.DivertRetry,
		maxDivertRetry: opts.MaxDivertRetry,
		shards:         make([]chan task, opts.Shards),
		stop:           make(chan struct{}),
		timers:         make(map[*time.Timer]struct{}),
	}
	for i := range c.shards {
		c.shards[i] = make(chan task, opts.QueueDepth)
	}
	return c, nil
}

// Start launches the shard workers. They run until Close or ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.shards {
		ch := c.shards[i]
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-ch:
					t.run(t.ctx)
				}
			}
		})
	}
	c.group = g
	c.cancel = cancel
	c.started = true
	return nil
}

// Close stops the workers and pending divert retries. Messages whose
// diversion was still pending stay withheld in their store and are decided
// again on the next start.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	for t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	g, cancel := c.group, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if g != nil {
		return g.Wait()
	}
	return nil
}

// submit runs fn on the shard owning key and waits for it to finish.
func (c *Coordinator) submit(ctx context.Context, key Key, fn func(context.Context)) error {
	c.mu.Lock()
	started, closed := c.started, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	t := task{
		// the decision completes even if the caller stops waiting
		ctx: context.WithoutCancel(ctx),
		run: func(tctx context.Context) {
			defer close(done)
			fn(tctx)
		},
	}
	ch := c.shards[xxhash.Sum64String(string(key))%uint64(len(c.shards))]
	select {
	case ch <- t:
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail records a failed acknowledgment and applies the resulting decision
// through f.Settle. It blocks until the shard worker has decided. Workers
// never call back into listeners.
func (c *Coordinator) Fail(ctx context.Context, f Failure) (Outcome, error) {
	if f.Message == nil || f.Settle == nil || f.Key == "" {
		return Outcome{}, errors.New("redelivery: failure needs Key, Message and Settle")
	}
	var (
		out Outcome
		err error
	)
	if serr := c.submit(ctx, f.Key, func(tctx context.Context) { out, err = c.decide(tctx, f) }); serr != nil {
		return Outcome{}, serr
	}
	return out, err
}

// Acknowledge destroys the state of a successfully consumed message.
func (c *Coordinator) Acknowledge(ctx context.Context, key Key) error {
	var err error
	serr := c.submit(ctx, key, func(tctx context.Context) {
		_, found, lerr := c.store.Load(tctx, key)
		if lerr != nil {
			err = lerr
			return
		}
		if !found {
			return
		}
		if err = c.store.Delete(tctx, key); err == nil {
			c.recorder.Tracked(-1)
		}
	})
	if serr != nil {
		return serr
	}
	return err
}

// State returns the tracked state for key.
func (c *Coordinator) State(ctx context.Context, key Key) (State, bool, error) {
	return c.store.Load(ctx, key)
}

// Eligible reports whether key may be delivered now and, if not, when.
func (c *Coordinator) Eligible(ctx context.Context, key Key) (bool, time.Time, error) {
	st, found, err := c.store.Load(ctx, key)
	if err != nil || !found {
		return true, time.Time{}, err
	}
	return st.Eligible(c.now()), st.NextEligible, nil
}

func (c *Coordinator) decide(ctx context.Context, f Failure) (Outcome, error) {
	start := c.now()
	dest := f.Message.Destination
	ctx, span := c.tracer.Start(ctx, "redelivery.decide", trace.WithAttributes(
		attribute.String("redq.key", string(f.Key)),
		attribute.String("redq.destination", dest.String()),
		attribute.String("redq.reason", string(f.Reason)),
	))
	defer span.End()
	defer func() { c.recorder.Decided(c.now().Sub(start)) }()

	log := c.logger.With(logpkg.Str("key", string(f.Key)), logpkg.Str("reason", string(f.Reason)))

	st, found, err := c.store.Load(ctx, f.Key)
	if err != nil {
		return c.storeFailed(ctx, span, log, f, st, err)
	}
	if !found {
		st = State{Key: f.Key}
	}
	attempt := st.AttemptCount + 1
	span.SetAttributes(attribute.Int("redq.attempt", attempt))

	resolver := f.Resolver
	if resolver == nil {
		resolver = c.resolver
	}
	var pol policy.Policy
	if resolver == nil {
		err = policy.ErrNoPolicy
	} else {
		pol, err = resolver.Resolve(dest)
	}
	if err != nil {
		log.Warn("no redelivery policy applies, diverting", logpkg.Str("destination", dest.String()), logpkg.Err(err))
		cause := fmt.Sprintf("Delivery[%d] has no applicable RedeliveryPolicy for %s: %v", attempt, dest, err)
		return c.divert(ctx, span, log, f, st, found, attempt, cause)
	}

	if pol.Exceeded(attempt) {
		cause := fmt.Sprintf("Delivery[%d] exceeds redelivery policy limit: %s", attempt, pol)
		if f.Err != nil {
			cause += ", cause: " + f.Err.Error()
		}
		return c.divert(ctx, span, log, f, st, found, attempt, cause)
	}

	delay := pol.FirstDelay()
	if attempt > 1 {
		delay = pol.NextDelay(st.LastDelay)
	}
	now := c.now()
	st.AttemptCount = attempt
	st.LastDelay = delay
	st.NextEligible = now.Add(delay)
	st.UpdatedAt = now
	if err := c.store.Save(ctx, st); err != nil {
		return c.storeFailed(ctx, span, log, f, st, err)
	}
	if !found {
		c.recorder.Tracked(1)
	}
	if err := f.Settle.Release(ctx, st.NextEligible, attempt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		log.Error("release for redelivery failed", logpkg.Err(err))
		return Outcome{}, fmt.Errorf("redelivery: release %s: %w", f.Key, err)
	}

	c.recorder.Scheduled(dest, attempt, delay)
	span.SetAttributes(attribute.String("redq.action", ActionRedeliver.String()), attribute.Int64("redq.delay_ms", delay.Milliseconds()))
	log.Debug("redelivery scheduled", logpkg.Int("attempt", attempt), logpkg.Dur("delay", delay))
	return Outcome{Action: ActionRedeliver, Attempt: attempt, Delay: delay, NextEligible: st.NextEligible}, nil
}

func (c *Coordinator) divert(ctx context.Context, span trace.Span, log logpkg.Logger, f Failure, st State, found bool, attempt int, cause string) (Outcome, error) {
	dest := f.Message.Destination
	span.SetAttributes(attribute.String("redq.cause", cause))

	if err := c.diverter.Divert(ctx, f.Message, attempt, cause); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "divert failed")
		c.recorder.DivertFailed(dest)

		// Keep the counter so a restart decides from where we left off.
		now := c.now()
		st.AttemptCount = attempt
		st.UpdatedAt = now
		if serr := c.store.Save(ctx, st); serr == nil && !found {
			c.recorder.Tracked(1)
		}
		log.Error("dead-letter diversion failed, message withheld", logpkg.Int("attempt", attempt), logpkg.Err(err))
		c.retryDivert(f, attempt, cause, c.divertRetry)
		span.SetAttributes(attribute.String("redq.action", ActionDivertDeferred.String()))
		return Outcome{Action: ActionDivertDeferred, Attempt: attempt, Cause: cause}, nil
	}
	return c.finishDivert(ctx, span, log, f, found, attempt, cause)
}

func (c *Coordinator) finishDivert(ctx context.Context, span trace.Span, log logpkg.Logger, f Failure, found bool, attempt int, cause string) (Outcome, error) {
	if err := f.Settle.Remove(ctx); err != nil {
		// The copy is already on the dead-letter destination; the original
		// will be decided again if it resurfaces.
		log.Error("remove after diversion failed", logpkg.Err(err))
	}
	if found {
		if err := c.store.Delete(ctx, f.Key); err != nil {
			log.Error("delete state after diversion failed", logpkg.Err(err))
		} else {
			c.recorder.Tracked(-1)
		}
	}
	c.recorder.DeadLettered(f.Message.Destination, string(f.Reason))
	span.SetAttributes(attribute.String("redq.action", ActionDeadLetter.String()))
	log.Info("message dead-lettered", logpkg.Int("attempt", attempt), logpkg.Str("cause", cause))
	return Outcome{Action: ActionDeadLetter, Attempt: attempt, Cause: cause}, nil
}

// retryDivert re-attempts a failed diversion after backoff on the key's shard.
func (c *Coordinator) retryDivert(f Failure, attempt int, cause string, backoff time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(backoff, func() {
		c.mu.Lock()
		if c.timers != nil {
			delete(c.timers, t)
		}
		c.mu.Unlock()

		_ = c.submit(context.Background(), f.Key, func(ctx context.Context) {
			ctx, span := c.tracer.Start(ctx, "redelivery.divert_retry", trace.WithAttributes(
				attribute.String("redq.key", string(f.Key)),
				attribute.Int("redq.attempt", attempt),
			))
			defer span.End()
			log := c.logger.With(logpkg.Str("key", string(f.Key)), logpkg.Str("reason", string(f.Reason)))

			if err := c.diverter.Divert(ctx, f.Message, attempt, cause); err != nil {
				span.RecordError(err)
				c.recorder.DivertFailed(f.Message.Destination)
				next := backoff * 2
				if next > c.maxDivertRetry {
					next = c.maxDivertRetry
				}
				log.Warn("dead-letter diversion retry failed", logpkg.Dur("next", next), logpkg.Err(err))
				c.retryDivert(f, attempt, cause, next)
				return
			}
			_, _ = c.finishDivert(ctx, span, log, f, true, attempt, cause)
		})
	})
	c.timers[t] = struct{}{}
}

// storeFailed keeps the message deliverable when state cannot be read or
// written: it is released after the divert backoff with its counter intact.
func (c *Coordinator) storeFailed(ctx context.Context, span trace.Span, log logpkg.Logger, f Failure, st State, err error) (Outcome, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "state store failure")
	log.Error("redelivery state unavailable, releasing without decision", logpkg.Err(err))
	readyAt := c.now().Add(c.divertRetry)
	if rerr := f.Settle.Release(ctx, readyAt, f.Message.RedeliveryCounter); rerr != nil {
		log.Error("release after store failure failed", logpkg.Err(rerr))
	}
	return Outcome{}, fmt.Errorf("redelivery: state %s: %w", f.Key, err)
}
