// Package serverrun exposes the Run entrypoint used by the CLI to start the
// redq runtime with its gRPC and HTTP servers, handling lifecycle, tracing
// setup and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("redq.yaml")
//	config.FromEnv(&cfg)
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
