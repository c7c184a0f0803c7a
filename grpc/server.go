package grpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/clusterd/statepub/publication"
)

// Server exposes the publication service over gRPC and multiplexes an HTTP
// side channel (pprof, metrics, admin API) on the same port.
type Server struct {
	nodeID  uint64
	address string
	port    int

	handler *publication.TransportHandler

	server   *grpc.Server
	listener net.Listener
	mux      cmux.CMux

	metricsHandler http.Handler
	adminHandler   http.Handler
	httpServer     *http.Server
}

var _ PublicationServiceServer = (*Server)(nil)

// ServerConfig holds configuration for the publication server
type ServerConfig struct {
	NodeID  uint64
	Address string
	Port    int

	Handler *publication.TransportHandler

	// Optional HTTP surfaces served next to gRPC on the same port.
	MetricsHandler http.Handler
	AdminHandler   http.Handler
}

// NewServer creates a new publication server
func NewServer(config ServerConfig) *Server {
	return &Server{
		nodeID:         config.NodeID,
		address:        config.Address,
		port:           config.Port,
		handler:        config.Handler,
		metricsHandler: config.MetricsHandler,
		adminHandler:   config.AdminHandler,
	}
}

// Start begins serving; it returns once the listeners are running.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100MB
		grpc.MaxSendMsgSize(100*1024*1024),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)

	RegisterPublicationServiceServer(s.server, s)
	reflection.Register(s.server)

	log.Info().
		Str("address", addr).
		Uint64("node_id", s.nodeID).
		Msg("Starting publication server")

	// Multiplex HTTP (pprof, metrics, admin) and gRPC on the same port
	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if s.metricsHandler != nil {
		httpMux.Handle("/metrics", s.metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	if s.adminHandler != nil {
		httpMux.Handle("/", s.adminHandler)
	}

	s.httpServer = &http.Server{
		Handler: httpMux,
	}

	go func() {
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.server.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil {
			log.Debug().Err(err).Msg("cmux stopped")
		}
	}()

	return nil
}

// Addr returns the bound listener address, usable once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.mux != nil {
		s.mux.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// PublishState is the receive side of every remote publish.
func (s *Server) PublishState(ctx context.Context, req *PublishStateRequest) (*PublishStateResponse, error) {
	clock := s.handler.Clock()
	if clock != nil {
		clock.Update(req.Timestamp)
	}

	resp, err := s.handler.HandlePublishRequest(ctx, req.Payload)
	if err != nil {
		return nil, toStatusError(err)
	}

	out := &PublishStateResponse{
		SourceNodeID: s.nodeID,
		Term:         resp.Response.Term,
		Version:      resp.Response.Version,
	}
	if clock != nil {
		out.Timestamp = clock.Now()
	}
	if resp.Join != nil {
		out.Join = &JoinInfo{NodeID: resp.Join.NodeID, Term: resp.Join.Term}
	}
	return out, nil
}

// CommitState applies a commit marker for a previously published version.
func (s *Server) CommitState(ctx context.Context, req *CommitStateRequest) (*CommitStateResponse, error) {
	clock := s.handler.Clock()
	if clock != nil {
		clock.Update(req.Timestamp)
	}

	commit := &publication.ApplyCommitRequest{
		SourceNodeID: req.SourceNodeID,
		Term:         req.Term,
		Version:      req.Version,
	}
	if err := s.handler.HandleApplyCommit(ctx, commit); err != nil {
		return nil, toStatusError(err)
	}

	out := &CommitStateResponse{SourceNodeID: s.nodeID}
	if clock != nil {
		out.Timestamp = clock.Now()
	}
	return out, nil
}
