package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/redq/internal/broker"
	cfgpkg "github.com/rzbill/redq/internal/config"
	"github.com/rzbill/redq/internal/deadletter"
	"github.com/rzbill/redq/internal/metrics"
	"github.com/rzbill/redq/internal/redelivery"
	pebblestore "github.com/rzbill/redq/internal/storage/pebble"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Tracer is optional; without one decisions use the global otel provider.
	Tracer trace.Tracer
	// Mirrors are added to the dead-letter router alongside the Kafka mirror
	// built from Config.
	Mirrors []deadletter.Mirror
}

// Runtime wires storage, config, metrics and the broker for a single-node
// instance.
type Runtime struct {
	db      *pebblestore.DB
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics
	redis   *redis.Client
	broker  *broker.Broker
}

// Open initializes storage, the redelivery state backend and the broker.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	rt := &Runtime{config: cfg, logger: opts.Logger.WithComponent("runtime"), metrics: metrics.New()}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.DataDir,
		Fsync:   pebblestore.ParseFsyncMode(cfg.Fsync),
		Metrics: rt.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}
	rt.db = db

	states, err := rt.stateStore(db)
	if err != nil {
		rt.closeStorage()
		return nil, err
	}

	policies, err := cfg.PolicyMap()
	if err != nil {
		rt.closeStorage()
		return nil, err
	}
	strategy, _ := deadletter.ParseStrategy(cfg.DeadLetter.Strategy)
	mirrors := append([]deadletter.Mirror(nil), opts.Mirrors...)
	if k := cfg.DeadLetter.Kafka; len(k.Brokers) > 0 {
		km, err := deadletter.NewKafkaMirror(k.Brokers, k.Topic, nil)
		if err != nil {
			rt.closeStorage()
			return nil, err
		}
		mirrors = append(mirrors, km)
		rt.logger.Info("dead-letter kafka mirror enabled", logpkg.Str("topic", k.Topic))
	}

	b, err := broker.Open(ctx, broker.Options{
		DB:         db,
		Logger:     opts.Logger,
		Policies:   policies,
		StateStore: states,
		DeadLetter: deadletter.Options{
			Strategy: strategy,
			Queue:    cfg.DeadLetter.Queue,
			Prefix:   cfg.DeadLetter.Prefix,
			Mirrors:  mirrors,
		},
		Shards:         cfg.Coordinator.Shards,
		QueueDepth:     cfg.Coordinator.QueueDepth,
		DivertRetry:    cfg.Coordinator.DivertRetry(),
		MaxDivertRetry: cfg.Coordinator.MaxDivertRetry(),
		Recorder:       rt.metrics,
		Tracer:         opts.Tracer,
	})
	if err != nil {
		for _, m := range mirrors {
			_ = m.Close()
		}
		rt.closeStorage()
		return nil, err
	}
	rt.broker = b
	rt.logger.Info("runtime opened",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("state_backend", rt.backend()),
		logpkg.Str("dlq_strategy", strategy.String()))
	return rt, nil
}

func (r *Runtime) backend() string {
	if r.config.StateStore.Backend == "" {
		return "pebble"
	}
	return r.config.StateStore.Backend
}

func (r *Runtime) stateStore(db *pebblestore.DB) (redelivery.StateStore, error) {
	switch r.backend() {
	case "memory":
		return redelivery.NewMemoryStore(), nil
	case "redis":
		sc := r.config.StateStore
		r.redis = redis.NewClient(&redis.Options{Addr: sc.RedisAddr, DB: sc.RedisDB})
		return redelivery.NewRedisStore(r.redis, sc.RedisPrefix), nil
	default:
		return redelivery.NewPebbleStore(db), nil
	}
}

func (r *Runtime) closeStorage() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}

// Close stops the broker and closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.broker != nil {
		if err := r.broker.Close(); err != nil {
			errs = append(errs, err)
		}
		r.broker = nil
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, err)
		}
		r.redis = nil
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth verifies storage is readable and, for the redis backend, that
// the server answers.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil || r.broker == nil {
		return errors.New("runtime: not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("runtime: redis: %w", err)
		}
	}
	return nil
}

// Broker returns the running broker.
func (r *Runtime) Broker() *broker.Broker { return r.broker }

// Metrics returns the Prometheus collectors fed by storage and the
// redelivery Coordinator.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
