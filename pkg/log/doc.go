// Package log provides redq's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a bridge handler that feeds a shared
// formatter/outputs pipeline, so child loggers created with With share level
// and sinks with their root.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("redelivery"), log.Str("destination", "queue://orders"))
//	l.Info("redelivery scheduled", log.Int("attempt", 2))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting, multiple outputs (console, stdout, file, null), key
// redaction and per-message sampling.
//
// # Interop
//
// To integrate with libraries expecting *log.Logger, use ToStdLogger or
// RedirectStdLog. BaseLogger.Slog exposes the underlying *slog.Logger.
package log
