// Package date keeps the value of the Date response header, refreshed by a
// background ticker so workers never format time on the hot path.
package date

import (
	"sync"
	"sync/atomic"
	"time"
)

// Layout is the HTTP-date format (RFC 7231, IMF-fixdate).
const Layout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Interval is how often the cached value is refreshed.
const Interval = 500 * time.Millisecond

var (
	current atomic.Pointer[[]byte]

	mu      sync.Mutex
	users   int
	stopped chan struct{}
)

// Start refreshes the cached date until the returned stop function is called.
// Starts nest: the ticker runs while at least one caller has not stopped.
func Start() (stop func()) {
	mu.Lock()
	defer mu.Unlock()

	update(time.Now())
	users++
	if users == 1 {
		stopped = make(chan struct{})
		go tick(stopped)
	}

	var once sync.Once
	return func() {
		once.Do(release)
	}
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	users--
	if users == 0 {
		close(stopped)
		current.Store(nil)
	}
}

func tick(done <-chan struct{}) {
	t := time.NewTicker(Interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			update(now)
		case <-done:
			return
		}
	}
}

func update(now time.Time) {
	b := now.UTC().AppendFormat(make([]byte, 0, len(Layout)), Layout)
	current.Store(&b)
}

// Current returns the cached header value, or formats the current time when
// no ticker is running. The slice must not be modified.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().AppendFormat(nil, Layout)
}
