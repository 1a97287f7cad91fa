// Package bufpool keeps a bounded free list of fixed-size byte buffers.
package bufpool

import "sync/atomic"

// Pool hands out buffers of one size. At most maxFree released buffers are
// retained; the rest are left to the garbage collector.
type Pool struct {
	size int
	free chan []byte

	allocated atomic.Int64
	reused    atomic.Int64
}

// Stats reports pool usage
type Stats struct {
	Size      int   `json:"size"`
	Free      int   `json:"free"`
	Allocated int64 `json:"allocated"`
	Reused    int64 `json:"reused"`
}

// New creates a pool of size-byte buffers keeping up to maxFree of them.
func New(size, maxFree int) *Pool {
	if size <= 0 {
		size = 32 << 10
	}
	if maxFree < 0 {
		maxFree = 0
	}
	return &Pool{size: size, free: make(chan []byte, maxFree)}
}

// Get returns a buffer with len == Size()
func (p *Pool) Get() []byte {
	select {
	case b := <-p.free:
		p.reused.Add(1)
		return b[:p.size]
	default:
		p.allocated.Add(1)
		return make([]byte, p.size)
	}
}

// Put releases b. Buffers of another capacity are dropped.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	select {
	case p.free <- b[:p.size]:
	default:
	}
}

// Size returns the buffer size
func (p *Pool) Size() int {
	return p.size
}

// Stats returns a snapshot of pool usage
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Free:      len(p.free),
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
	}
}
