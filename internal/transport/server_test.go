package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/ArtAndreev/highload-web-server/internal/logging"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

func writeFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, body, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1"
	cfg.Port = 0
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if err := <-served; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() returned %v, want ErrServerClosed", err)
		}
	})
	return s
}

// roundTrip sends raw and returns everything the server wrote before closing.
func roundTrip(t *testing.T, addr net.Addr, raw []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, io.EOF) {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("server did not close the connection, read %q", out)
		}
	}
	return out
}

func splitResponse(t *testing.T, out []byte) (string, []byte) {
	t.Helper()
	i := bytes.Index(out, []byte("\r\n\r\n"))
	if i < 0 {
		t.Fatalf("no header terminator in %q", out)
	}
	return string(out[:i+4]), out[i+4:]
}

func headerNames(header string) []string {
	lines := strings.Split(strings.TrimSuffix(header, "\r\n\r\n"), "\r\n")
	names := make([]string, 0, len(lines))
	for _, line := range lines[1:] {
		name, _, _ := strings.Cut(line, ":")
		names = append(names, name)
	}
	return names
}

func TestServer_Responses(t *testing.T) {
	root := writeFiles(t, map[string][]byte{
		"index.html":    []byte("<h1>hi</h1>"),
		"style.css":     []byte("p{color:red}"),
		"docs/a b.txt":  []byte("spaced"),
		"img/logo.png":  {0x89, 'P', 'N', 'G'},
		"static/x.html": []byte("x"),
	})
	s := startServer(t, Config{Workers: 2, DocumentRoot: root})

	tests := []struct {
		name       string
		raw        string
		statusLine string
		header     []string
		body       string
	}{
		{
			name:       "index",
			raw:        "GET / HTTP/1.1\r\nHost: localhost\r\n\r\n",
			statusLine: "HTTP/1.1 200 OK",
			header:     []string{"Connection: close", "Content-Length: 11", "Content-Type: text/html"},
			body:       "<h1>hi</h1>\r\n\r\n",
		},
		{
			name:       "css with query",
			raw:        "GET /style.css?v=2 HTTP/1.0\r\n\r\n",
			statusLine: "HTTP/1.0 200 OK",
			header:     []string{"Content-Length: 12", "Content-Type: text/css"},
			body:       "p{color:red}\r\n\r\n",
		},
		{
			name:       "encoded space",
			raw:        "GET /docs/a%20b.txt HTTP/1.1\r\n\r\n",
			statusLine: "HTTP/1.1 200 OK",
			header:     []string{"Content-Length: 6"},
			body:       "spaced\r\n\r\n",
		},
		{
			name:       "head",
			raw:        "HEAD /img/logo.png HTTP/1.1\r\n\r\n",
			statusLine: "HTTP/1.1 200 OK",
			header:     []string{"Content-Length: 4", "Content-Type: image/png"},
		},
		{
			name:       "not found",
			raw:        "GET /missing.html HTTP/1.1\r\n\r\n",
			statusLine: "HTTP/1.1 404 Not Found",
		},
		{
			name:       "traversal",
			raw:        "GET /static/../../etc/passwd HTTP/1.1\r\n\r\n",
			statusLine: "HTTP/1.1 403 Forbidden",
		},
		{
			name:       "encoded traversal",
			raw:        "GET /static/%2e%2e/%2e%2e/etc/passwd HTTP/1.1\r\n\r\n",
			statusLine: "HTTP/1.1 403 Forbidden",
		},
		{
			name:       "post",
			raw:        "POST / HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc",
			statusLine: "HTTP/1.1 405 Method Not Allowed",
		},
		{
			name:       "missing version",
			raw:        "GET /\r\n\r\n",
			statusLine: "HTTP/1.1 400 Bad Request",
		},
		{
			name:       "http/2 version",
			raw:        "GET / HTTP/2.0\r\n\r\n",
			statusLine: "HTTP/1.1 505 HTTP Version Not Supported",
		},
		{
			name:       "http/2 client preface",
			raw:        http2.ClientPreface,
			statusLine: "HTTP/1.1 505 HTTP Version Not Supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := splitResponse(t, roundTrip(t, s.Addr(), []byte(tt.raw)))

			if !strings.HasPrefix(header, tt.statusLine+"\r\n") {
				t.Errorf("Expected status line %q, got %q", tt.statusLine, header)
			}
			if got := headerNames(header); len(got) < 3 || strings.Join(got[:3], ",") != "Server,Date,Connection" {
				t.Errorf("Expected Server, Date, Connection first, got %v", got)
			}
			for _, h := range tt.header {
				if !strings.Contains(header, h+"\r\n") {
					t.Errorf("Expected %q in %q", h, header)
				}
			}
			if !strings.HasPrefix(tt.statusLine, "HTTP/1.0 200") && !strings.HasPrefix(tt.statusLine, "HTTP/1.1 200") &&
				strings.Contains(header, "Content-Length") {
				t.Errorf("Error response must not carry Content-Length: %q", header)
			}
			if string(body) != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, body)
			}
		})
	}
}

func TestServer_RequestInPieces(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("ok")})
	s := startServer(t, Config{Workers: 1, DocumentRoot: root})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	for _, part := range []string{"GET /index", ".html HTTP/1.1\r\n", "Host: x\r\n", "\r\n"} {
		if _, err := conn.Write([]byte(part)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	out, _ := io.ReadAll(conn)
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 200 OK\r\n")) || !bytes.HasSuffix(out, []byte("ok\r\n\r\n")) {
		t.Errorf("Unexpected response %q", out)
	}
}

func TestServer_LargeFile(t *testing.T) {
	for _, offload := range []bool{false, true} {
		t.Run(fmt.Sprintf("offload=%v", offload), func(t *testing.T) {
			content := make([]byte, 3<<20+17)
			rand.New(rand.NewSource(1)).Read(content)
			root := writeFiles(t, map[string][]byte{"big.bin": content})
			s := startServer(t, Config{
				Workers:        2,
				DocumentRoot:   root,
				WriteChunkSize: 4096,
				OffloadFileIO:  offload,
				FileIOPoolSize: 2,
			})

			header, body := splitResponse(t, roundTrip(t, s.Addr(), []byte("GET /big.bin HTTP/1.1\r\n\r\n")))
			if !strings.Contains(header, fmt.Sprintf("Content-Length: %d\r\n", len(content))) {
				t.Errorf("Unexpected header %q", header)
			}
			if !bytes.Equal(body, append(content, "\r\n\r\n"...)) {
				t.Errorf("Body mismatch: got %d bytes, want %d", len(body), len(content)+4)
			}
		})
	}
}

func TestServer_SlowReader(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	root := writeFiles(t, map[string][]byte{"data.bin": content})
	s := startServer(t, Config{Workers: 1, DocumentRoot: root})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadBuffer(4096)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte("GET /data.bin HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	// Stall long enough for the socket buffers to fill up.
	time.Sleep(200 * time.Millisecond)

	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	_, body := splitResponse(t, out)
	if len(body) != len(content)+4 {
		t.Errorf("Expected %d body bytes, got %d", len(content)+4, len(body))
	}
}

func TestServer_Concurrent(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("<p>hello</p>")})
	s := startServer(t, Config{Workers: 4, DocumentRoot: root, OffloadFileIO: true})

	const clients = 64
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", s.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
				errs <- err
				return
			}
			out, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.HasPrefix(out, []byte("HTTP/1.1 200 OK")) {
				errs <- fmt.Errorf("unexpected response %q", out)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	var total uint64
	for _, st := range s.WorkerStats() {
		total += st.Accepted
	}
	if total != clients {
		t.Errorf("Expected %d accepted connections, got %d", clients, total)
	}
}

func TestServer_RoundRobin(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("rr")})
	s := startServer(t, Config{Workers: 3, DocumentRoot: root})

	for i := 0; i < 7; i++ {
		out := roundTrip(t, s.Addr(), []byte("GET / HTTP/1.1\r\n\r\n"))
		if !bytes.HasPrefix(out, []byte("HTTP/1.1 200 OK")) {
			t.Fatalf("Unexpected response %q", out)
		}
	}

	want := []uint64{3, 2, 2}
	for i, st := range s.WorkerStats() {
		if st.ID != i {
			t.Errorf("Expected worker %d at position %d", st.ID, i)
		}
		if st.Accepted != want[i] {
			t.Errorf("Worker %d accepted %d connections, want %d", i, st.Accepted, want[i])
		}
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("x")})
	s := startServer(t, Config{Workers: 1, DocumentRoot: root, IdleTimeout: 200 * time.Millisecond})

	tests := []struct {
		name string
		send string
	}{
		{"silent", ""},
		{"partial request", "GET / HTTP/1.1\r\nHost: x\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := net.Dial("tcp", s.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

			if tt.send != "" {
				if _, err := conn.Write([]byte(tt.send)); err != nil {
					t.Fatal(err)
				}
			}

			start := time.Now()
			out, err := io.ReadAll(conn)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if len(out) != 0 {
				t.Errorf("Expected no response on timeout, got %q", out)
			}
			if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
				t.Errorf("Connection closed after %v, before the idle timeout", elapsed)
			}
		})
	}
}

func TestServer_DroppedRequests(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("x")})
	s := startServer(t, Config{Workers: 1, DocumentRoot: root, MaxRequestBytes: 64})

	tests := []struct {
		name string
		raw  string
	}{
		{"overflow", "GET /" + strings.Repeat("a", 128) + " HTTP/1.1\r\n\r\n"},
		{"leading blank line", "\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if out := roundTrip(t, s.Addr(), []byte(tt.raw)); len(out) != 0 {
				t.Errorf("Expected the connection to be dropped, got %q", out)
			}
		})
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	root := writeFiles(t, map[string][]byte{"index.html": []byte("x")})
	s := NewServer(Config{Addr: "127.0.0.1", Workers: 2, DocumentRoot: root, Logger: logging.Discard()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Make sure the connection reached a worker before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for active(s) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-served; !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() returned %v, want ErrServerClosed", err)
	}
	if out, _ := io.ReadAll(conn); len(out) != 0 {
		t.Errorf("Expected no bytes from a stopped server, got %q", out)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := s.Serve(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve() after Stop returned %v", err)
	}
}

func active(s *Server) int64 {
	var n int64
	for _, st := range s.WorkerStats() {
		n += st.Active
	}
	return n
}

func TestListen_Errors(t *testing.T) {
	ln, err := listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen() error = %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	if _, err := listen("127.0.0.1", port); !errors.Is(err, ErrBind) {
		t.Errorf("Expected ErrBind for a port in use, got %v", err)
	}
	if _, err := listen("::1", 0); !errors.Is(err, ErrBind) {
		t.Errorf("Expected ErrBind for a non-IPv4 address, got %v", err)
	}
}

func TestPool_Next(t *testing.T) {
	e := &env{
		cfg: Config{
			Logger:          logging.Discard(),
			MaxRequestBytes: 4096,
			WriteChunkSize:  4096,
		},
		storage: newStoragePool(4096),
	}
	p, err := newPool(3, e, static.NewResolver(t.TempDir()))
	if err != nil {
		t.Fatalf("newPool() error = %v", err)
	}
	defer p.Stop()

	if p.Len() != 3 {
		t.Fatalf("Expected 3 workers, got %d", p.Len())
	}
	for i, want := range []int{0, 1, 2, 0, 1, 2, 0} {
		if got := p.Next().ID(); got != want {
			t.Errorf("Next() #%d = worker %d, want %d", i, got, want)
		}
	}
}

func TestPool_StartFailureRollsBack(t *testing.T) {
	e := &env{
		cfg: Config{
			Logger:          logging.Discard(),
			MaxRequestBytes: 4096,
			WriteChunkSize:  4096,
		},
		storage: newStoragePool(4096),
	}
	resolver := static.NewResolver(t.TempDir())

	tests := []struct {
		name   string
		failAt int
		err    error
	}{
		{"first worker", 0, ErrEventLoop},
		{"middle worker", 2, ErrWorkerStart},
		{"last worker", 3, ErrWorkerStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launch := startWorker
			t.Cleanup(func() { startWorker = launch })

			var started []*Worker
			startWorker = func(id int, e *env, r *static.Resolver) (*Worker, error) {
				if id == tt.failAt {
					return nil, fmt.Errorf("%w: worker %d: no loop", tt.err, id)
				}
				w, err := launch(id, e, r)
				if err == nil {
					started = append(started, w)
				}
				return w, err
			}

			p, err := newPool(4, e, resolver)
			if !errors.Is(err, tt.err) {
				t.Fatalf("newPool() error = %v, want %v", err, tt.err)
			}
			if p != nil {
				t.Error("Expected no pool on failure")
			}
			if len(started) != tt.failAt {
				t.Fatalf("Expected %d started workers, got %d", tt.failAt, len(started))
			}
			for _, w := range started {
				if !w.stopped.Load() {
					t.Errorf("Worker %d was left running", w.ID())
				}
			}
		})
	}
}

func TestServer_WriteIdleTimeout(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 2<<20)
	root := writeFiles(t, map[string][]byte{"huge.bin": content})
	s := startServer(t, Config{Workers: 1, DocumentRoot: root, IdleTimeout: 300 * time.Millisecond})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadBuffer(4096)
	}
	if _, err := conn.Write([]byte("GET /huge.bin HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	active := func() int64 { return s.WorkerStats()[0].Active }
	time.Sleep(100 * time.Millisecond)
	if n := active(); n != 1 {
		t.Fatalf("Expected the connection to be open while writing, got %d active", n)
	}

	// Never read: the server must give up once the writes stall.
	deadline := time.Now().Add(5 * time.Second)
	for active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connection was not closed by the idle timeout")
		}
		time.Sleep(50 * time.Millisecond)
	}

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(conn)
	if len(out) >= len(content) {
		t.Errorf("Expected a truncated response, got %d of %d body bytes", len(out), len(content))
	}
}
