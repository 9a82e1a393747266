package stats

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

// Server serves a Service over gRPC
type Server struct {
	addr     string
	service  *Service
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server for service listening on addr
func NewServer(addr string, service *Service) *Server {
	return &Server{addr: addr, service: service}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.server = grpc.NewServer()
	RegisterStatsServer(s.server, s.service)

	log.Info().Str("addr", listener.Addr().String()).Msg("Starting stats gRPC server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			log.Error().Err(err).Msg("Stats gRPC server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.wg.Wait()
}
