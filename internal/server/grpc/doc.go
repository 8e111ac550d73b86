// Package grpcserver hosts the gRPC endpoint of redq. It serves the standard
// grpc.health.v1 service, reporting SERVING while the broker and its storage
// answer health checks, plus server reflection.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
