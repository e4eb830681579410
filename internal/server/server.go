// Package server runs the broker's operational endpoints: Prometheus
// metrics and health over HTTP, and the standard gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/picklr-io/broker/internal/logging"
)

// Check reports whether one dependency is healthy.
type Check func(ctx context.Context) error

const checkTimeout = 5 * time.Second

// Server serves /metrics and /healthz over HTTP and grpc.health.v1 over gRPC.
type Server struct {
	addr     string
	grpcAddr string

	mux    *http.ServeMux
	health *health.Server

	mu     sync.RWMutex
	checks map[string]Check

	Logger *slog.Logger
}

// New creates a server. An empty address disables that listener; metrics
// may be nil.
func New(addr, grpcAddr string, metrics http.Handler) *Server {
	s := &Server{
		addr:     addr,
		grpcAddr: grpcAddr,
		mux:      http.NewServeMux(),
		health:   health.NewServer(),
		checks:   make(map[string]Check),
		Logger:   logging.With("server"),
	}
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// AddCheck registers a named health check run by /healthz.
func (s *Server) AddCheck(name string, fn Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "broker-ops")
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp, healthy := s.runChecks(ctx)
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) runChecks(ctx context.Context) (healthResponse, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	healthy := true
	for _, name := range names {
		s.mu.RLock()
		fn := s.checks[name]
		s.mu.RUnlock()

		if err := fn(ctx); err != nil {
			resp.Checks[name] = err.Error()
			healthy = false
			continue
		}
		resp.Checks[name] = "ok"
	}
	if !healthy {
		resp.Status = "unhealthy"
	}
	return resp, healthy
}

// Run listens on the configured addresses and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var httpLn, grpcLn net.Listener
	var err error
	if s.addr != "" {
		if httpLn, err = net.Listen("tcp", s.addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		}
	}
	if s.grpcAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves on the given listeners until ctx is cancelled. Either may be
// nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if httpLn != nil {
		srv := &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error {
			s.Logger.Info("ops_http_listening", "addr", httpLn.Addr().String())
			if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if grpcLn != nil {
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, s.health)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			s.Logger.Info("ops_grpc_listening", "addr", grpcLn.Addr().String())
			if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			s.health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}
