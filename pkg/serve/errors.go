package serve

import "github.com/ArtAndreev/highload-web-server/internal/transport"

// Startup errors returned by Start and ListenAndServe. Each wraps the
// underlying cause; test with errors.Is.
var (
	ErrSocket      = transport.ErrSocket
	ErrBind        = transport.ErrBind
	ErrListen      = transport.ErrListen
	ErrEventLoop   = transport.ErrEventLoop
	ErrWorkerStart = transport.ErrWorkerStart
)

// ErrServerClosed is returned by ListenAndServe after Stop.
var ErrServerClosed = transport.ErrServerClosed
