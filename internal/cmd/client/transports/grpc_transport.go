// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GrpcTransport implements HealthTransport over the standard gRPC health service.
type GrpcTransport struct {
	dial    func(ctx context.Context) (*grpc.ClientConn, error)
	service string
}

// NewGrpcTransport constructs a GrpcTransport checking service ("" for the
// server as a whole).
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error), service string) *GrpcTransport {
	return &GrpcTransport{dial: dial, service: service}
}

// Health returns the serving status name, e.g. SERVING.
func (t *GrpcTransport) Health(ctx context.Context) (string, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: t.service})
	if err != nil {
		return "", err
	}
	return res.GetStatus().String(), nil
}
