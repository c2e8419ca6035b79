// Package ring implements the fixed-capacity single-producer/single-consumer
// byte ring used to stage bytes received from the network before they are
// written to a local serial device.
package ring

import "sync/atomic"

// DefaultCapacity is the ring capacity used by a link's network->serial
// staging buffer when none is configured explicitly.
const DefaultCapacity = 512

// Buffer is a fixed-capacity SPSC byte ring. One goroutine (the network RX
// side) calls Push; a different goroutine (the serial TX side) calls
// ContiguousReadSegment/AdvanceRead/Available. No other interleaving is
// supported. Usable capacity is cap-1: one slot is always left empty so
// write==read is unambiguously "empty".
//
// write is only ever stored by the producer and loaded by the consumer;
// read is only ever stored by the consumer and loaded by the producer. The
// atomic store/load pair gives the happens-before edge the Go memory model
// requires for the plain byte copies into/out of buf to be visible across
// goroutines without a mutex.
type Buffer struct {
	buf   []byte
	write atomic.Int64
	read  atomic.Int64
}

// New allocates a Buffer with the given capacity. Capacity must be >= 2;
// NewDefault is used when the caller has no specific requirement.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// NewDefault allocates a Buffer with DefaultCapacity.
func NewDefault() *Buffer {
	return New(DefaultCapacity)
}

// Cap returns the ring's total slot count (including the always-empty slot).
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Available returns the number of unread bytes currently staged. Safe to
// call from either side; the producer uses it to compute free space, the
// consumer to know how much it can read.
func (b *Buffer) Available() int {
	return mod(int(b.write.Load())-int(b.read.Load()), len(b.buf))
}

// Free returns the number of bytes that can still be pushed before the
// ring reports full.
func (b *Buffer) Free() int {
	return len(b.buf) - 1 - b.Available()
}

// Push copies as many bytes of p as fit into the free region, wrapping at
// capacity, and returns the count actually written. It never blocks and
// never allocates. Must only be called from the single producer goroutine.
func (b *Buffer) Push(p []byte) int {
	c := len(b.buf)
	write := int(b.write.Load())
	free := c - 1 - mod(write-int(b.read.Load()), c)
	n := len(p)
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	first := c - write
	if first > n {
		first = n
	}
	copy(b.buf[write:], p[:first])
	if n > first {
		copy(b.buf[0:], p[first:n])
	}
	b.write.Store(int64(mod(write+n, c)))
	return n
}

// ContiguousReadSegment returns the longest run of unread bytes starting at
// the read cursor that does not cross the wrap boundary, so a caller can
// hand it directly to a blocking device write. It returns nil if the ring
// is empty. The returned slice aliases the ring's internal storage and is
// only valid until the next Push/AdvanceRead call. Must only be called from
// the single consumer goroutine.
func (b *Buffer) ContiguousReadSegment() []byte {
	read := int(b.read.Load())
	avail := mod(int(b.write.Load())-read, len(b.buf))
	if avail == 0 {
		return nil
	}
	n := len(b.buf) - read // run to the physical end of the array
	if n > avail {
		n = avail
	}
	return b.buf[read : read+n]
}

// AdvanceRead marks n bytes, previously obtained via ContiguousReadSegment,
// as consumed. Must only be called from the single consumer goroutine.
func (b *Buffer) AdvanceRead(n int) {
	b.read.Store(int64(mod(int(b.read.Load())+n, len(b.buf))))
}

func mod(x, m int) int {
	x %= m
	if x < 0 {
		x += m
	}
	return x
}
