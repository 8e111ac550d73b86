// Package runtime wires storage, config, metrics and the broker into a
// single-node redq instance. It picks the redelivery state backend, builds
// the broker-side policy map and attaches the dead-letter mirrors named in
// the configuration.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	_, _ = rt.Broker().Send(ctx, destination.NewQueue("orders"), msg)
package runtime
