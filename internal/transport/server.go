// Package transport runs the worker event loops and the accept loop that
// feeds them, and drives every connection through its read/write cycle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/ArtAndreev/highload-web-server/internal/metrics"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// Config holds the transport settings. Zero values are replaced by the
// defaults below in NewServer.
type Config struct {
	Addr            string
	Port            int
	Workers         int
	DocumentRoot    string
	IdleTimeout     time.Duration
	MaxRequestBytes int
	WriteChunkSize  int
	OffloadFileIO   bool
	FileIOPoolSize  int
	AccessLog       bool
	Logger          *log.Logger
}

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultMaxRequestBytes = 4096
	defaultWriteChunkSize  = 4096
	defaultFileIOPoolSize  = 64

	maxAcceptDelay = time.Second
)

// env is the read-only state shared by the server and its workers.
type env struct {
	cfg     Config
	storage *storagePool
	files   *ants.Pool
}

// Server accepts connections on one listening socket and hands them to its
// workers in round-robin order.
type Server struct {
	env      *env
	resolver *static.Resolver
	pool     *Pool
	ln       net.Listener

	mu      sync.Mutex
	closed  atomic.Bool
	serving sync.WaitGroup
}

// NewServer creates a server. Nothing is allocated until Start.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.WriteChunkSize <= 0 {
		cfg.WriteChunkSize = defaultWriteChunkSize
	}
	if cfg.FileIOPoolSize <= 0 {
		cfg.FileIOPoolSize = defaultFileIOPoolSize
	}

	return &Server{
		env: &env{
			cfg:     cfg,
			storage: newStoragePool(cfg.MaxRequestBytes),
		},
		resolver: static.NewResolver(cfg.DocumentRoot),
	}
}

// Start creates the worker pool and the listening socket. On failure
// everything created so far is torn down.
func (s *Server) Start() error {
	cfg := &s.env.cfg

	if cfg.OffloadFileIO {
		files, err := ants.NewPool(cfg.FileIOPoolSize,
			ants.WithNonblocking(true),
			ants.WithLogger(cfg.Logger),
			ants.WithPanicHandler(func(p any) {
				cfg.Logger.Printf("File resolver panic: %v", p)
			}),
		)
		if err != nil {
			return fmt.Errorf("%w: file pool: %w", ErrWorkerStart, err)
		}
		s.env.files = files
	}

	pool, err := newPool(cfg.Workers, s.env, s.resolver)
	if err != nil {
		s.releaseFiles()
		return err
	}

	ln, err := listen(cfg.Addr, cfg.Port)
	if err != nil {
		_ = pool.Stop()
		s.releaseFiles()
		return err
	}

	s.pool = pool
	s.ln = ln
	cfg.Logger.Printf("Listening on %s with %d workers, document root %q", ln.Addr(), pool.Len(), cfg.DocumentRoot)
	return nil
}

// listen performs socket, bind and listen as separate steps so that each
// failure maps to its own error.
func listen(addr string, port int) (net.Listener, error) {
	if addr == "" {
		addr = "0.0.0.0"
	}
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrBind, addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: SO_REUSEADDR: %w", ErrSocket, err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %s:%d: %w", ErrBind, addr, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp:%s:%d", addr, port))
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	return ln, nil
}

// Serve runs the accept loop on the calling goroutine until Stop. It always
// returns a non-nil error; after Stop the error is ErrServerClosed.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.closed.Load() || s.ln == nil {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving.Add(1)
	s.mu.Unlock()
	defer s.serving.Done()

	logger := s.env.cfg.Logger
	var delay time.Duration
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			metrics.AcceptFailed()
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			logger.Printf("Failed to accept client: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.dispatch(nc)
	}
}

// dispatch hands nc to the next worker. A failed handover drops only nc.
func (s *Server) dispatch(nc net.Conn) {
	peer := nc.RemoteAddr().String()
	if s.env.cfg.AccessLog {
		s.env.cfg.Logger.Printf("Accepted client %s", peer)
	}

	w := s.pool.Next()
	w.accepted.Add(1)
	cc := newConn(peer, s.env.storage.get())
	if _, err := w.client.EnrollContext(nc, cc); err != nil {
		w.accepted.Add(^uint64(0))
		_ = nc.Close()
		cc.release(s.env.storage)
		metrics.ConnectionDropped(dropRegister)
		s.env.cfg.Logger.Printf("Failed to register client %s with worker %d: %v", peer, w.id, err)
		return
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// WorkerStats returns per-worker counters in pool order.
func (s *Server) WorkerStats() []WorkerStat {
	if s.pool == nil {
		return nil
	}
	return s.pool.Stats()
}

// Stop closes the listener, waits for the accept loop to return and stops
// every worker, closing the connections they own.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var errs []error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		s.serving.Wait()
		if s.pool != nil {
			done <- s.pool.Stop()
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		errs = append(errs, err)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.releaseFiles()
	s.env.cfg.Logger.Print("Server stopped")
	return errors.Join(errs...)
}

func (s *Server) releaseFiles() {
	if s.env.files != nil {
		s.env.files.Release()
	}
}
