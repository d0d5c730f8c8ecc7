// Package serve provides a static-file HTTP/1.x server built on a pool of
// event-loop workers.
package serve

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration options.
type Config struct {
	Addr            string        // IPv4 address to bind to
	Port            int           // TCP port, 0-65535
	Workers         int           // Number of worker event loops (0 or negative for auto-detect)
	DocumentRoot    string        // Directory files are served from
	IdleTimeout     time.Duration // Idle time in either direction before a connection is dropped (negative disables)
	MaxRequestBytes int           // Capacity of the per-connection request buffer
	WriteChunkSize  int           // Bytes handed to the socket per write step
	OffloadFileIO   bool          // Open and map files on a background pool instead of the event loop
	FileIOPoolSize  int           // Size of that pool
	MetricsAddr     string        // host:port of the Prometheus endpoint, empty to disable
	LogFile         string        // Rotated log file, empty for stderr
	AccessLog       bool          // Log every accepted client and served request
	Logger          *log.Logger   // Logger for server events
}

// Default values applied by DefaultConfig and Validate.
const (
	DefaultAddr            = "0.0.0.0"
	DefaultPort            = 80
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxRequestBytes = 4096
	DefaultWriteChunkSize  = 4096
	DefaultFileIOPoolSize  = 64
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("serve: invalid configuration")

// DefaultConfig returns a Config with sensible default values. DocumentRoot
// has no default and must be set.
func DefaultConfig() Config {
	return Config{
		Addr:            DefaultAddr,
		Port:            DefaultPort,
		Workers:         0, // Auto-detect
		IdleTimeout:     DefaultIdleTimeout,
		MaxRequestBytes: DefaultMaxRequestBytes,
		WriteChunkSize:  DefaultWriteChunkSize,
		FileIOPoolSize:  DefaultFileIOPoolSize,
		AccessLog:       true,
		Logger:          log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.DocumentRoot == "" {
		return fmt.Errorf("%w: document_root is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.WriteChunkSize <= 0 {
		c.WriteChunkSize = DefaultWriteChunkSize
	}
	if c.FileIOPoolSize <= 0 {
		c.FileIOPoolSize = DefaultFileIOPoolSize
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// LoadConfig reads a configuration file on top of DefaultConfig. Warnings
// about unknown keys go to the default config's logger.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	defer f.Close()
	return ParseConfig(f, DefaultConfig())
}

// ParseConfig reads "key value" lines from r on top of base. The key ends at
// the first space and the value is the rest of the line. Empty lines, lines
// without a space and lines starting with '#' are skipped. Unknown keys are
// reported to base.Logger.
func ParseConfig(r io.Reader, base Config) (Config, error) {
	c := base
	if c.Logger == nil {
		c.Logger = log.Default()
	}

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if err := c.set(key, value); err != nil {
			return Config{}, fmt.Errorf("%w: line %d: %s: %w", ErrInvalidConfig, n, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return c, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "address":
		c.Addr = value
	case "port":
		c.Port, err = parsePort(value)
	case "cpu_limit":
		c.Workers, err = strconv.Atoi(value)
	case "document_root":
		c.DocumentRoot = value
	case "idle_timeout":
		var secs int
		secs, err = strconv.Atoi(value)
		c.IdleTimeout = time.Duration(secs) * time.Second
	case "max_request_size":
		c.MaxRequestBytes, err = strconv.Atoi(value)
	case "write_chunk_size":
		c.WriteChunkSize, err = strconv.Atoi(value)
	case "offload_file_io":
		c.OffloadFileIO, err = strconv.ParseBool(value)
	case "file_io_pool_size":
		c.FileIOPoolSize, err = strconv.Atoi(value)
	case "metrics_address":
		c.MetricsAddr = value
	case "log_file":
		c.LogFile = value
	case "access_log":
		c.AccessLog, err = strconv.ParseBool(value)
	default:
		c.Logger.Printf("Warning: unknown config key %q ignored", key)
	}
	return err
}

func parsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return int(p), nil
}
