package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"

	"github.com/ArtAndreev/highload-web-server/internal/h1"
	"github.com/ArtAndreev/highload-web-server/internal/logging"
	"github.com/ArtAndreev/highload-web-server/internal/metrics"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// writeBudget is the number of chunks a connection may write in one turn
// before yielding the loop to its other connections.
const writeBudget = 16

// Worker owns one event loop and every connection enrolled with it.
type Worker struct {
	gnet.BuiltinEventEngine

	id      int
	env     *env
	client  *gnet.Client
	handler *h1.Handler

	// conns is touched only from the loop, or after it has stopped.
	conns map[*conn]struct{}

	accepted atomic.Uint64
	active   atomic.Int64
	stopped  atomic.Bool
}

// WorkerStat is a snapshot of one worker's counters.
type WorkerStat struct {
	ID       int
	Accepted uint64
	Active   int64
}

func newWorker(id int, e *env, resolver *static.Resolver) (*Worker, error) {
	w := &Worker{
		id:      id,
		env:     e,
		handler: h1.NewHandler(resolver),
		conns:   make(map[*conn]struct{}),
	}

	cli, err := gnet.NewClient(w,
		gnet.WithLockOSThread(true),
		gnet.WithLogger(logging.GnetLogger{L: e.cfg.Logger}),
		gnet.WithReadBufferCap(e.cfg.MaxRequestBytes),
		gnet.WithWriteBufferCap(e.cfg.WriteChunkSize),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: worker %d: %w", ErrEventLoop, id, err)
	}
	w.client = cli
	return w, nil
}

func (w *Worker) start() error {
	if err := w.client.Start(); err != nil {
		return fmt.Errorf("%w: worker %d: %w", ErrWorkerStart, w.id, err)
	}
	return nil
}

// stop stops the worker's loop. Only the first call has an effect.
func (w *Worker) stop() error {
	if !w.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return w.client.Stop()
}

// ID returns the worker's index in its pool.
func (w *Worker) ID() int { return w.id }

// Stat returns the worker's counters.
func (w *Worker) Stat() WorkerStat {
	return WorkerStat{ID: w.id, Accepted: w.accepted.Load(), Active: w.active.Load()}
}

// OnOpen runs on the loop once a connection handed over by the accept loop
// is registered.
func (w *Worker) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	cc, ok := c.Context().(*conn)
	if !ok {
		return nil, gnet.Close
	}
	w.conns[cc] = struct{}{}
	w.active.Add(1)
	metrics.ConnectionOpened(w.id)
	cc.armIdle(c, w.env.cfg.IdleTimeout)
	return nil, gnet.None
}

// OnTraffic runs on readable data and on every Wake.
func (w *Worker) OnTraffic(c gnet.Conn) gnet.Action {
	cc, ok := c.Context().(*conn)
	if !ok {
		return gnet.Close
	}
	switch cc.state {
	case stateReading:
		return w.read(c, cc)
	case stateWriting:
		_, _ = c.Discard(-1)
		return w.write(c, cc)
	default:
		return gnet.Close
	}
}

// OnClose releases the connection context whatever state it was in.
func (w *Worker) OnClose(c gnet.Conn, err error) gnet.Action {
	cc, ok := c.Context().(*conn)
	if !ok {
		return gnet.None
	}
	c.SetContext(nil)
	w.finish(cc, cc.reason(err), err)
	return gnet.None
}

// OnShutdown releases contexts the loop did not get to close.
func (w *Worker) OnShutdown(_ gnet.Engine) {
	for cc := range w.conns {
		w.finish(cc, dropShutdown, nil)
	}
}

func (w *Worker) finish(cc *conn, reason string, err error) {
	if _, ok := w.conns[cc]; !ok {
		return
	}
	delete(w.conns, cc)

	logger := w.env.cfg.Logger
	switch reason {
	case "":
	case dropTimeout:
		logger.Printf("Client timeout: dropping client %s", cc.peer)
	case dropOverflow:
		logger.Printf("Too big request: dropping client %s", cc.peer)
	case dropEOF:
		logger.Printf("Client %s closed the connection while %s", cc.peer, cc.state)
	default:
		if err != nil {
			logger.Printf("Dropping client %s (%s): %v", cc.peer, reason, err)
		} else {
			logger.Printf("Dropping client %s (%s)", cc.peer, reason)
		}
	}
	if reason != "" {
		metrics.ConnectionDropped(reason)
	}

	cc.release(w.env.storage)
	w.active.Add(-1)
	metrics.ConnectionClosed()
}

// read drains the socket into the request buffer and starts the response
// once the header block is complete.
func (w *Worker) read(c gnet.Conn, cc *conn) gnet.Action {
	if cc.awaiting != nil {
		select {
		case r := <-cc.awaiting:
			cc.awaiting = nil
			return w.respond(c, cc, r.f, r.err)
		default:
			_, _ = c.Discard(-1)
			return gnet.None
		}
	}

	data, err := c.Next(-1)
	if err != nil {
		cc.drop = dropError
		return gnet.Close
	}
	if len(data) == 0 {
		return gnet.None
	}
	cc.touch(w.env.cfg.IdleTimeout)

	if err := cc.in.Append(data); err != nil {
		cc.drop = dropOverflow
		return gnet.Close
	}
	if !h1.HasTerminator(cc.in.Bytes()) {
		return gnet.None
	}

	x, err := w.handler.Begin(context.Background(), cc.in.Bytes())
	cc.in.Clear()
	if err != nil {
		cc.drop = dropNoRequest
		return gnet.Close
	}
	cc.x = x

	if !x.NeedsFile() {
		return w.respond(c, cc, nil, nil)
	}
	if files := w.env.files; files != nil {
		done := make(chan resolved, 1)
		submitErr := files.Submit(func() {
			r := resolved{err: errResolveAborted}
			defer func() {
				done <- r
				_ = c.Wake(nil)
			}()
			r.f, r.err = w.handler.Resolve(x)
		})
		if submitErr == nil {
			cc.awaiting = done
			return gnet.None
		}
		// Pool saturated or released: resolve on the loop.
	}
	f, err := w.handler.Resolve(x)
	return w.respond(c, cc, f, err)
}

func (w *Worker) respond(c gnet.Conn, cc *conn, f *static.File, resolveErr error) gnet.Action {
	resp, err := w.handler.Finish(cc.x, f, resolveErr)
	if err != nil {
		cc.drop = dropInternal
		w.env.cfg.Logger.Printf("Failed to build response for %s: %v", cc.peer, err)
		return gnet.Close
	}
	if w.env.cfg.AccessLog {
		logging.Access(w.env.cfg.Logger, cc.peer, cc.x.Req.Method, cc.x.Req.Path, resp.Status, resp.Len())
	}
	cc.resp = resp
	cc.x = nil
	cc.state = stateWriting
	return w.write(c, cc)
}

// write hands the next chunks of the response to the socket. It yields when
// the loop holds unflushed output or after writeBudget chunks.
func (w *Worker) write(c gnet.Conn, cc *conn) gnet.Action {
	if c.OutboundBuffered() > 0 {
		cc.waitDrain(c)
		return gnet.None
	}

	total := cc.resp.Len()
	chunk := w.env.cfg.WriteChunkSize
	for n := 0; n < writeBudget && cc.cursor < total; n++ {
		written, err := c.Write(cc.pending(chunk))
		if err != nil {
			cc.drop = dropWrite
			return gnet.Close
		}
		cc.cursor += written
		cc.touch(w.env.cfg.IdleTimeout)
		if c.OutboundBuffered() > 0 {
			cc.waitDrain(c)
			return gnet.None
		}
	}
	if cc.cursor < total {
		if err := c.Wake(nil); err != nil {
			cc.drop = dropWrite
			return gnet.Close
		}
		return gnet.None
	}

	if len(cc.resp.Body()) > 0 && !cc.trailerSent {
		cc.trailerSent = true
		if _, err := c.Write([]byte(h1.Terminator)); err != nil {
			cc.drop = dropWrite
			return gnet.Close
		}
		if c.OutboundBuffered() > 0 {
			cc.waitDrain(c)
			return gnet.None
		}
	}

	cc.state = stateClosed
	return gnet.Close
}
