package log

import (
	"fmt"
	stdlog "log"
	"strings"
)

// Config declaratively describes a logger.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text|json
	// Outputs lists sinks: "console", "stdout", "null" or "file:/path".
	Outputs  []string `json:"outputs" yaml:"outputs"`
	Redact   []string `json:"redact" yaml:"redact"`
	Sampling struct {
		Initial    int `json:"initial" yaml:"initial"`
		Thereafter int `json:"thereafter" yaml:"thereafter"`
	} `json:"sampling" yaml:"sampling"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(level)}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	for _, o := range cfg.Outputs {
		switch {
		case o == "console":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case o == "stdout":
			opts = append(opts, WithOutput(&ConsoleOutput{UseStdout: true}))
		case o == "null":
			opts = append(opts, WithOutput(NullOutput{}))
		case strings.HasPrefix(o, "file:"):
			fo, err := NewFileOutput(strings.TrimPrefix(o, "file:"))
			if err != nil {
				return nil, fmt.Errorf("log: open output: %w", err)
			}
			opts = append(opts, WithOutput(fo))
		default:
			return nil, fmt.Errorf("log: unknown output %q", o)
		}
	}
	if len(cfg.Redact) > 0 {
		opts = append(opts, WithRedactions(cfg.Redact...))
	}
	if cfg.Sampling.Thereafter > 0 {
		opts = append(opts, WithSampling(cfg.Sampling.Initial, cfg.Sampling.Thereafter))
	}
	return NewLogger(opts...), nil
}

// stdWriter adapts a Logger to io.Writer for the standard library logger.
type stdWriter struct {
	logger Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), Str("source", "stdlib"))
	return len(p), nil
}

// ToStdLogger returns a *log.Logger that forwards to l at info level.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(stdWriter{logger: l}, "", 0)
}

// RedirectStdLog points the standard library's default logger (used by
// Pebble and friends) at l.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(stdWriter{logger: l})
}
