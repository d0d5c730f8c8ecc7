// Package logging builds the server logger and formats access log lines.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for file logging.
const (
	maxLogSizeMB  = 100
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// New returns a logger writing to path, or to stderr when path is empty.
// The returned closer flushes and closes the log file.
func New(path string) (*log.Logger, io.Closer) {
	if path == "" {
		return log.New(os.Stderr, "", log.LstdFlags), nopCloser{}
	}

	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	}
	// Colors only make sense on a terminal.
	color.NoColor = true
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds), w
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// Access logs one served request with a color-coded status.
func Access(logger *log.Logger, peer, method, path string, status, size int) {
	switch {
	case status < 300:
		logger.Print(color.GreenString("%s %s %s %d %d", peer, method, path, status, size))
	case status < 500:
		logger.Print(color.YellowString("%s %s %s %d %d", peer, method, path, status, size))
	default:
		logger.Print(color.RedString("%s %s %s %d %d", peer, method, path, status, size))
	}
}

// GnetLogger forwards event-loop warnings and errors to a standard logger.
// Debug and info output is dropped.
type GnetLogger struct {
	L *log.Logger
}

func (g GnetLogger) Debugf(_ string, _ ...any) {}
func (g GnetLogger) Infof(_ string, _ ...any)  {}

func (g GnetLogger) Warnf(format string, args ...any) {
	g.L.Printf("gnet warning: "+format, args...)
}

func (g GnetLogger) Errorf(format string, args ...any) {
	g.L.Printf("gnet error: "+format, args...)
}

func (g GnetLogger) Fatalf(format string, args ...any) {
	g.L.Fatalf("gnet fatal: "+format, args...)
}
