package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"KamSettle/internal/gateway"
	"KamSettle/internal/observability"
	"KamSettle/internal/query"
	"KamSettle/internal/router"
	"KamSettle/internal/stake"
	"KamSettle/internal/token"
)

// Server exposes the operator HTTP API plus a gRPC endpoint carrying
// the standard health service. Mutating commands for the settlement
// lifecycle also arrive over NATS; the HTTP surface is for operators,
// institutions, and dashboards.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server

	grpcAddr string
	httpAddr string

	rt      *router.Router
	gw      *gateway.Gateway
	staking *stake.Vault
	tokens  *token.Ledger
	history *query.Service

	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Deps holds everything the API serves from.
type Deps struct {
	Router   *router.Router
	Gateway  *gateway.Gateway
	Staking  *stake.Vault
	Tokens   *token.Ledger
	History  *query.Service
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	GRPCAddr string
	HTTPAddr string
}

func New(deps Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   deps.GRPCAddr,
		httpAddr:   deps.HTTPAddr,
		rt:         deps.Router,
		gw:         deps.Gateway,
		staking:    deps.Staking,
		tokens:     deps.Tokens,
		history:    deps.History,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     observability.NewLogger("server"),
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the operator HTTP API (blocking). Routes live in
// routes.go; /metrics, /healthz and /readyz are mounted alongside.
func (s *Server) StartHTTP(ctx context.Context) error {
	mux, err := s.newAPIMux()
	if err != nil {
		return fmt.Errorf("build api mux: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.HandleFunc("/healthz", s.health.LivenessHandler)
	httpMux.HandleFunc("/readyz", s.health.ReadinessHandler)
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
