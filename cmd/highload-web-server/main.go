// Command highload-web-server serves static files from a document root.
//
// Usage:
//
//	highload-web-server -c <config file>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArtAndreev/highload-web-server/internal/logging"
	"github.com/ArtAndreev/highload-web-server/pkg/serve"
)

// Exit statuses.
const (
	exitOK          = 0
	exitUsage       = 1
	exitWorkerStart = 2
	exitSocket      = 3
	exitBind        = 4
	exitListen      = 5
	exitEventLoop   = 7
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run serves until ctx is cancelled and returns the exit status. It returns
// only after a started shutdown has finished.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("highload-web-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	configPath := fs.String("c", "", "path to the configuration file")

	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *configPath == "" {
		if err == nil {
			usage(stderr)
		}
		return exitUsage
	}

	config, err := serve.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	logger, closer := logging.New(config.LogFile)
	defer closer.Close()
	config.Logger = logger

	server, err := serve.New(config)
	if err != nil {
		logger.Printf("Invalid configuration: %v", err)
		return exitUsage
	}
	config = server.Config()
	logger.Printf("Starting server: port %d, %d workers, document root %q", config.Port, config.Workers, config.DocumentRoot)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-serveCtx.Done()
		if ctx.Err() == nil {
			return
		}
		logger.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	err = server.ListenAndServe()
	if errors.Is(err, serve.ErrServerClosed) {
		<-stopped
		return exitOK
	}
	logger.Printf("Server failed: %v", err)
	return exitCode(err)
}

// exitCode maps a startup error to its exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, serve.ErrWorkerStart):
		return exitWorkerStart
	case errors.Is(err, serve.ErrSocket):
		return exitSocket
	case errors.Is(err, serve.ErrBind):
		return exitBind
	case errors.Is(err, serve.ErrListen):
		return exitListen
	case errors.Is(err, serve.ErrEventLoop):
		return exitEventLoop
	default:
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: highload-web-server -c <config file>")
}
