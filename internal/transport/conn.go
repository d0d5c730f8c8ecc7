package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/ArtAndreev/highload-web-server/internal/buffer"
	"github.com/ArtAndreev/highload-web-server/internal/h1"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// state is the position of a connection in its request/response cycle.
type state uint8

const (
	stateReading state = iota
	stateWriting
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	default:
		return "closed"
	}
}

// Drop reasons, used as log text and metric labels.
const (
	dropOverflow  = "overflow"
	dropNoRequest = "no_request"
	dropInternal  = "internal"
	dropWrite     = "write_error"
	dropTimeout   = "timeout"
	dropEOF       = "eof"
	dropError     = "error"
	dropRegister  = "register"
	dropShutdown  = "shutdown"
)

// drainPoll is how often a writing connection checks whether the event loop
// has flushed its pending output.
const drainPoll = 2 * time.Millisecond

// errResolveAborted is delivered when an off-loop resolve panics.
var errResolveAborted = errors.New("transport: file resolve aborted")

// resolved carries an off-loop resolver result back to the event loop.
type resolved struct {
	f   *static.File
	err error
}

// conn is the per-connection context. Everything except timedOut is owned by
// the worker loop the connection was enrolled with.
type conn struct {
	peer  string
	state state

	storage *[]byte
	in      *buffer.Buffer

	x    *h1.Exchange
	resp *h1.Response
	// cursor counts the header and body bytes handed to the socket.
	cursor      int
	trailerSent bool

	// awaiting is non-nil while a resolve runs on the file pool.
	awaiting chan resolved

	idle     *time.Timer
	drain    *time.Timer
	timedOut atomic.Bool
	drop     string
}

func newConn(peer string, storage *[]byte) *conn {
	return &conn{
		peer:    peer,
		storage: storage,
		in:      buffer.NewWithStorage(*storage),
	}
}

// armIdle starts the idle timer. Expiry closes c from the timer goroutine;
// Close is safe to call off the loop.
func (cc *conn) armIdle(c gnet.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	cc.idle = time.AfterFunc(d, func() {
		cc.timedOut.Store(true)
		_ = c.Close()
	})
}

// touch restarts the idle timer after progress in either direction.
func (cc *conn) touch(d time.Duration) {
	if cc.idle != nil {
		cc.idle.Reset(d)
	}
}

// waitDrain wakes c once the loop had a chance to flush buffered output.
func (cc *conn) waitDrain(c gnet.Conn) {
	if cc.drain == nil {
		cc.drain = time.AfterFunc(drainPoll, func() { _ = c.Wake(nil) })
		return
	}
	cc.drain.Reset(drainPoll)
}

// pending returns the next slice of the response to write, at most n bytes,
// starting at the cursor. Headers come first, then the body.
func (cc *conn) pending(n int) []byte {
	header := cc.resp.Header()
	var p []byte
	if cc.cursor < len(header) {
		p = header[cc.cursor:]
	} else {
		p = cc.resp.Body()[cc.cursor-len(header):]
	}
	if len(p) > n {
		p = p[:n]
	}
	return p
}

// reason picks the drop reason for a connection that is being closed.
// It returns "" for a connection that finished its response.
func (cc *conn) reason(err error) string {
	switch {
	case cc.timedOut.Load() && cc.state != stateClosed:
		return dropTimeout
	case cc.drop != "":
		return cc.drop
	case cc.state == stateClosed:
		return ""
	case err != nil:
		return dropError
	default:
		return dropEOF
	}
}

// release frees everything the connection holds. It must run once, on the
// owning loop or after that loop has stopped.
func (cc *conn) release(storage *storagePool) {
	cc.state = stateClosed
	if cc.idle != nil {
		cc.idle.Stop()
	}
	if cc.drain != nil {
		cc.drain.Stop()
	}
	if cc.resp != nil {
		_ = cc.resp.Close()
		cc.resp = nil
	}
	if ch := cc.awaiting; ch != nil {
		cc.awaiting = nil
		go func() {
			if r := <-ch; r.f != nil {
				_ = r.f.Close()
			}
		}()
	}
	if cc.storage != nil {
		cc.in.Clear()
		storage.put(cc.storage)
		cc.storage = nil
	}
}

// storagePool recycles fixed-size read buffers across connections.
type storagePool struct {
	size int
	pool sync.Pool
}

func newStoragePool(size int) *storagePool {
	sp := &storagePool{size: size}
	sp.pool.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return sp
}

func (sp *storagePool) get() *[]byte {
	return sp.pool.Get().(*[]byte)
}

func (sp *storagePool) put(b *[]byte) {
	*b = (*b)[:0]
	sp.pool.Put(b)
}
