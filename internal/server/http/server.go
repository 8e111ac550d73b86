package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rzbill/redq/internal/runtime"
	logpkg "github.com/rzbill/redq/pkg/log"
)

// Server is the admin REST gateway.
type Server struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
	router chi.Router
	srv    *http.Server
	lis    net.Listener
}

// New builds the router for rt. logger may be nil.
func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	r := chi.NewRouter()
	s := &Server{rt: rt, logger: logger.WithComponent("http"), router: r}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	s.routes()

	s.srv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/v1/healthz", s.handleHealth)
	r.Get("/v1/stats", s.handleStats)
	r.Route("/v1/policies", func(r chi.Router) {
		r.Get("/", s.handleListPolicies)
		r.Put("/", s.handlePutPolicy)
		r.Delete("/", s.handleDeletePolicy)
		r.Put("/default", s.handlePutDefault)
		r.Get("/resolve", s.handleResolve)
	})
	r.Post("/v1/messages", s.handleSend)
	r.Get("/v1/dlq", s.handleDeadLetters)
	// keys contain slashes, e.g. queue://orders/<id>
	r.Get("/v1/redelivery/*", s.handleRedeliveryState)
	r.Method(http.MethodGet, "/metrics", s.rt.Metrics().Handler())
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Addr returns the bound address once listening.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", ww.Status()),
			logpkg.Dur("duration", time.Since(start)),
			logpkg.Str("request_id", middleware.GetReqID(r.Context())))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
