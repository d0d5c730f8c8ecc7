// Package buffer provides the append-only byte container used for request
// accumulation and response header assembly.
package buffer

import (
	"errors"
	"math"
)

// Growth selects what Append does when the new length would exceed capacity.
type Growth uint8

const (
	// Fixed buffers reject appends that do not fit.
	Fixed Growth = iota
	// Doubling buffers double their capacity until the append fits.
	Doubling
)

var (
	// ErrCapacityExceeded is returned by a Fixed buffer on overflow.
	ErrCapacityExceeded = errors.New("buffer: capacity exceeded")
	// ErrOutOfMemory is returned when a Doubling buffer cannot grow any further.
	ErrOutOfMemory = errors.New("buffer: out of memory")
)

// MaxCapacity bounds the capacity a Doubling buffer may reach.
const MaxCapacity = math.MaxInt32

// Buffer is a contiguous byte range with an explicit capacity.
// len(b.data) is the length, cap(b.data) the capacity.
type Buffer struct {
	data   []byte
	growth Growth
	limit  int
}

// New returns an empty buffer with the given capacity and growth policy.
func New(capacity int, growth Growth) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		data:   make([]byte, 0, capacity),
		growth: growth,
		limit:  MaxCapacity,
	}
}

// NewWithStorage wraps storage as an empty Fixed buffer of capacity cap(storage).
// The caller keeps ownership of storage once the buffer is discarded.
func NewWithStorage(storage []byte) *Buffer {
	return &Buffer{data: storage[:0], growth: Fixed, limit: cap(storage)}
}

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	if err := b.reserve(len(p)); err != nil {
		return err
	}
	b.data = append(b.data, p...)
	return nil
}

// AppendString is Append for strings without an intermediate copy.
func (b *Buffer) AppendString(s string) error {
	if err := b.reserve(len(s)); err != nil {
		return err
	}
	b.data = append(b.data, s...)
	return nil
}

// reserve makes room for n more bytes. It is the only place where length and
// capacity are compared, so append never reallocates behind our back.
func (b *Buffer) reserve(n int) error {
	need := len(b.data) + n
	if need < len(b.data) {
		return ErrOutOfMemory
	}
	if need <= cap(b.data) {
		return nil
	}
	if b.growth == Fixed {
		return ErrCapacityExceeded
	}

	newCap := cap(b.data)
	for newCap < need {
		if newCap > b.limit/2 {
			return ErrOutOfMemory
		}
		newCap *= 2
	}

	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
	return nil
}

// Clear sets the length to zero and zeroes the previous contents.
// The backing storage is kept for reuse.
func (b *Buffer) Clear() {
	clear(b.data)
	b.data = b.data[:0]
}

// Bytes returns the stored bytes. The slice aliases the buffer and is only
// valid until the next Append or Clear.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of stored bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Storage returns the full backing array for pooling.
func (b *Buffer) Storage() []byte { return b.data[:0] }
