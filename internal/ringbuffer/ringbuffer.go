package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer is a bounded byte FIFO shared between one producer (a capture
// callback or driver poll loop) and one consumer (the real-time output path).
//
// Writes never block and never grow the buffer: when the buffer is full the
// newest bytes are discarded and counted.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next read position
	count int

	discarded atomic.Int64
}

func New(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf: make([]byte, capacity),
	}
}

// Write stores as much of p as fits and returns the number of bytes stored.
func (r *RingBuffer) Write(p []byte) int {
	r.mu.Lock()
	free := len(r.buf) - r.count
	n := min(len(p), free)
	tail := (r.head + r.count) % len(r.buf)
	first := min(n, len(r.buf)-tail)
	copy(r.buf[tail:], p[:first])
	copy(r.buf, p[first:n])
	r.count += n
	r.mu.Unlock()

	if dropped := len(p) - n; dropped > 0 {
		r.discarded.Add(int64(dropped))
	}
	return n
}

// WriteAligned behaves like Write but only stores whole blocks of the given size,
// so a full buffer never splits an audio frame.
func (r *RingBuffer) WriteAligned(p []byte, blockSize int) int {
	if blockSize <= 1 {
		return r.Write(p)
	}
	r.mu.Lock()
	free := len(r.buf) - r.count
	free -= free % blockSize
	n := min(len(p)-len(p)%blockSize, free)
	tail := (r.head + r.count) % len(r.buf)
	first := min(n, len(r.buf)-tail)
	copy(r.buf[tail:], p[:first])
	copy(r.buf, p[first:n])
	r.count += n
	r.mu.Unlock()

	if dropped := len(p) - n; dropped > 0 {
		r.discarded.Add(int64(dropped))
	}
	return n
}

// Read moves up to len(p) bytes out of the buffer and returns the number moved.
func (r *RingBuffer) Read(p []byte) int {
	r.mu.Lock()
	n := min(len(p), r.count)
	first := min(n, len(r.buf)-r.head)
	copy(p, r.buf[r.head:r.head+first])
	copy(p[first:n], r.buf)
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	r.mu.Unlock()
	return n
}

// Buffered returns the number of bytes waiting to be read.
func (r *RingBuffer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *RingBuffer) Capacity() int {
	return len(r.buf)
}

// Discarded returns the total number of bytes dropped because the buffer was full.
func (r *RingBuffer) Discarded() int64 {
	return r.discarded.Load()
}

// Reset drops all buffered data.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}
