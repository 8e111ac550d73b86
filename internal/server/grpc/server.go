package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/redq/internal/runtime"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "redq.Broker"

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt       *runtime.Runtime
	logger   logpkg.Logger
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	lis      net.Listener
}

// New constructs a gRPC server and registers the health and reflection
// services. logger may be nil.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Server{
		rt:       rt,
		logger:   logger.WithComponent("grpc"),
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		interval: 5 * time.Second,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.refresh(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc listening", logpkg.Str("addr", l.Addr().String()))
	go s.monitor(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
