package server

import (
	"TokenLedger/internal/ledger"
	"TokenLedger/internal/observability"
	"TokenLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Engine is the write surface the API drives.
type Engine interface {
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransactionResult, error)
	Cancel(ctx context.Context, id string) (ledger.TransactionResult, error)
}

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	handler       http.Handler
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the API.
type ServerDeps struct {
	Engine        Engine
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics

	// RebuildFees recomputes the fee projection; nil disables the admin route.
	RebuildFees func(ctx context.Context) error
}

// NewGRPCServer creates the gRPC server and builds the HTTP handler.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	if deps == nil || deps.Engine == nil || deps.QueryService == nil {
		return nil, errors.New("server requires an engine and a query service")
	}

	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        observability.NewLogger("server"),
	}

	mux := runtime.NewServeMux()
	api := &api{
		engine:      deps.Engine,
		qs:          deps.QueryService,
		metrics:     deps.Metrics,
		rebuildFees: deps.RebuildFees,
		logger:      s.logger,
	}
	if err := api.register(mux); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	s.handler = httpMux

	return s, nil
}

// Handler is the HTTP/JSON surface including health endpoints.
func (s *GRPCServer) Handler() http.Handler {
	return s.handler
}

// StartGRPC starts the gRPC server (blocking). After ctx is cancelled it
// returns only once in-flight calls have completed.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	err = s.grpcServer.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
	}
	return err
}

// StartHTTPGateway starts the HTTP/JSON server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	// Shutdown returns once in-flight handlers finish
	<-stopped
	return nil
}
