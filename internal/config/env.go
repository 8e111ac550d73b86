package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays REDQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	num64 := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	str("REDQ_DATA_DIR", &cfg.DataDir)
	str("REDQ_FSYNC", &cfg.Fsync)
	str("REDQ_LOG_LEVEL", &cfg.Log.Level)
	str("REDQ_LOG_FORMAT", &cfg.Log.Format)
	str("REDQ_HTTP_ADDR", &cfg.Server.HTTP)
	str("REDQ_GRPC_ADDR", &cfg.Server.GRPC)

	str("REDQ_DLQ_STRATEGY", &cfg.DeadLetter.Strategy)
	str("REDQ_DLQ_QUEUE", &cfg.DeadLetter.Queue)
	str("REDQ_DLQ_PREFIX", &cfg.DeadLetter.Prefix)
	str("REDQ_KAFKA_TOPIC", &cfg.DeadLetter.Kafka.Topic)
	if v := os.Getenv("REDQ_KAFKA_BROKERS"); v != "" {
		cfg.DeadLetter.Kafka.Brokers = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.DeadLetter.Kafka.Brokers = append(cfg.DeadLetter.Kafka.Brokers, p)
			}
		}
	}

	str("REDQ_STATE_BACKEND", &cfg.StateStore.Backend)
	str("REDQ_REDIS_ADDR", &cfg.StateStore.RedisAddr)
	num("REDQ_REDIS_DB", &cfg.StateStore.RedisDB)

	num("REDQ_SHARDS", &cfg.Coordinator.Shards)
	num("REDQ_QUEUE_DEPTH", &cfg.Coordinator.QueueDepth)
	num64("REDQ_DIVERT_RETRY_MS", &cfg.Coordinator.DivertRetryMs)
	num64("REDQ_MAX_DIVERT_RETRY_MS", &cfg.Coordinator.MaxDivertRetryMs)

	str("REDQ_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	// Default policy overrides only apply while a default exists.
	if d := cfg.Redelivery.Default; d != nil {
		num("REDQ_MAX_REDELIVERIES", &d.MaximumRedeliveries)
		num64("REDQ_INITIAL_REDELIVERY_DELAY_MS", &d.InitialRedeliveryDelayMs)
		num64("REDQ_REDELIVERY_DELAY_MS", &d.RedeliveryDelayMs)
		if v := os.Getenv("REDQ_MAX_REDELIVERY_DELAY_MS"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*d = d.WithMaximumDelayMs(n)
			}
		}
		if v := os.Getenv("REDQ_EXPONENTIAL_BACKOFF"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				d.UseExponentialBackOff = b
			}
		}
		if v := os.Getenv("REDQ_BACKOFF_MULTIPLIER"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				d.BackOffMultiplier = f
			}
		}
	}
}
