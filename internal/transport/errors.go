package transport

import "errors"

// Startup errors. Each wraps the underlying cause.
var (
	ErrSocket      = errors.New("transport: socket creation failed")
	ErrBind        = errors.New("transport: bind failed")
	ErrListen      = errors.New("transport: listen failed")
	ErrEventLoop   = errors.New("transport: event loop creation failed")
	ErrWorkerStart = errors.New("transport: worker start failed")
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("transport: server closed")
