package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ArtAndreev/highload-web-server/internal/date"
	"github.com/ArtAndreev/highload-web-server/internal/metrics"
	"github.com/ArtAndreev/highload-web-server/internal/transport"
)

// WorkerStat is a snapshot of one worker's connection counters.
type WorkerStat = transport.WorkerStat

// Server is a static-file server instance.
type Server struct {
	config    Config
	transport *transport.Server
	metrics   *metrics.Endpoint
	stopDate  func()

	mu      sync.Mutex
	started bool
}

// New creates a new Server with the provided configuration.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Server{config: config}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// Start creates the workers and the listening socket without accepting yet.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("serve: server already started")
	}

	s.stopDate = date.Start()

	if s.config.MetricsAddr != "" {
		e, err := metrics.Listen(s.config.MetricsAddr, s.config.Logger)
		if err != nil {
			s.stopDate()
			return fmt.Errorf("serve: metrics endpoint: %w", err)
		}
		s.metrics = e
		go e.Serve()
		s.config.Logger.Printf("Metrics available at http://%s/metrics", e.Addr())
	}

	s.transport = transport.NewServer(transport.Config{
		Addr:            s.config.Addr,
		Port:            s.config.Port,
		Workers:         s.config.Workers,
		DocumentRoot:    s.config.DocumentRoot,
		IdleTimeout:     s.config.IdleTimeout,
		MaxRequestBytes: s.config.MaxRequestBytes,
		WriteChunkSize:  s.config.WriteChunkSize,
		OffloadFileIO:   s.config.OffloadFileIO,
		FileIOPoolSize:  s.config.FileIOPoolSize,
		AccessLog:       s.config.AccessLog,
		Logger:          s.config.Logger,
	})
	if err := s.transport.Start(); err != nil {
		s.shutdownAux(context.Background())
		s.transport = nil
		return err
	}

	s.started = true
	return nil
}

// ListenAndServe starts the server and runs the accept loop on the calling
// goroutine until Stop, after which it returns ErrServerClosed.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.transport.Serve()
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Addr()
}

// MetricsAddr returns the metrics endpoint address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Addr()
}

// WorkerStats returns per-worker counters in round-robin order.
func (s *Server) WorkerStats() []WorkerStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.WorkerStats()
}

// Stop stops accepting, closes every open connection and stops the workers.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.config.Logger.Println("Initiating graceful shutdown...")
	err := s.transport.Stop(ctx)
	s.shutdownAux(ctx)
	return err
}

func (s *Server) shutdownAux(ctx context.Context) {
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.config.Logger.Printf("Error stopping metrics endpoint: %v", err)
		}
		s.metrics = nil
	}
	if s.stopDate != nil {
		s.stopDate()
		s.stopDate = nil
	}
}
