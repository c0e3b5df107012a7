package storage

import (
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// BufferPool is the bounded pool of metadata I/O buffers shared across
// slabs and zones. Exhaustion queues the requester; buffers are handed to
// the oldest waiter first, so metadata writers always make progress under
// pressure instead of spinning or dropping.
type BufferPool struct {
	mu      sync.Mutex
	free    [][]byte
	waiters common.WaitQueue[func([]byte)]
}

// NewBufferPool creates a pool of n BlockSize buffers.
func NewBufferPool(n int) *BufferPool {
	p := &BufferPool{free: make([][]byte, n)}
	for i := range p.free {
		p.free[i] = make([]byte, common.BlockSize)
	}
	return p
}

// Acquire hands a buffer to got, immediately if one is free or else when
// one is released. got runs in the releasing goroutine when queued; callers
// re-enqueue to their own zone if they need to.
func (p *BufferPool) Acquire(got func([]byte)) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		got(buf)
		return
	}
	p.waiters.Enqueue(got)
	p.mu.Unlock()
}

// Release returns a buffer to the pool, or directly to the oldest waiter.
func (p *BufferPool) Release(buf []byte) {
	p.mu.Lock()
	if waiter, ok := p.waiters.DequeueNext(); ok {
		p.mu.Unlock()
		waiter(buf)
		return
	}
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// Idle reports whether every buffer is back in the pool; drains use this.
func (p *BufferPool) Idle(total int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) == total && !p.waiters.HasWaiters()
}
