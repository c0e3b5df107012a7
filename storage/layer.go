// Package storage provides the asynchronous physical layer under the
// metadata subsystem: block read/write submission with completions, a
// bounded buffer pool for metadata I/O, and backends over memory, a file,
// or a bbolt database. It also provides fault injection used by the crash
// consistency tests.
package storage

import (
	"fmt"
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
	"github.com/dm-vdo/vdo-devel-sub000/zone"
)

type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Request is one block I/O. Buffer must be exactly BlockSize bytes and may
// not be touched until Done resolves.
type Request struct {
	PBN    common.PBN
	Buffer []byte
	Op     Op
	// Flush requests a barrier: all writes completed before this request
	// are durable before it is performed.
	Flush bool
	Done  *zone.Completion
}

// Layer is the physical I/O collaborator. Submit never performs the I/O in
// the caller's goroutine; the request's completion resolves on its
// destination zone.
type Layer interface {
	Submit(req *Request)
	BlockCount() common.BlockCount
	Close() error
}

// backend is a synchronous block store; dispatcher serializes and
// asynchronizes it.
type backend interface {
	readBlock(pbn common.PBN, buf []byte) error
	writeBlock(pbn common.PBN, buf []byte) error
	flush() error
	blockCount() common.BlockCount
	close() error
}

// dispatcher turns a backend into a Layer. Requests are performed in
// submission order by a single goroutine, which is all the ordering the
// metadata subsystem may assume of the physical layer.
type dispatcher struct {
	b backend

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Request
	closed bool
	done   chan struct{}
}

func newDispatcher(b backend) *dispatcher {
	d := &dispatcher{b: b, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) Submit(req *Request) {
	if len(req.Buffer) != common.BlockSize {
		req.Done.Complete(fmt.Errorf("%w: submit with %d byte buffer", common.ErrOutOfRange, len(req.Buffer)))
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		req.Done.Complete(fmt.Errorf("layer closed"))
		return
	}
	d.queue = append(d.queue, req)
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		req := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		req.Done.Complete(d.perform(req))
	}
}

func (d *dispatcher) perform(req *Request) error {
	if req.PBN >= common.PBN(d.b.blockCount()) {
		return fmt.Errorf("%w: pbn %d beyond device end %d", common.ErrOutOfRange, req.PBN, d.b.blockCount())
	}
	if req.Op == OpRead {
		return d.b.readBlock(req.PBN, req.Buffer)
	}
	if req.Flush {
		if err := d.b.flush(); err != nil {
			return err
		}
	}
	return d.b.writeBlock(req.PBN, req.Buffer)
}

func (d *dispatcher) BlockCount() common.BlockCount { return d.b.blockCount() }

func (d *dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
	return d.b.close()
}

// ReadSync reads one block, blocking the caller. For load paths and tools,
// never from a zone.
func ReadSync(l Layer, pbn common.PBN, buf []byte) error {
	done, ch := zone.NewWaiter()
	l.Submit(&Request{PBN: pbn, Buffer: buf, Op: OpRead, Done: done})
	return <-ch
}

// WriteSync writes one block, blocking the caller.
func WriteSync(l Layer, pbn common.PBN, buf []byte) error {
	done, ch := zone.NewWaiter()
	l.Submit(&Request{PBN: pbn, Buffer: buf, Op: OpWrite, Done: done})
	return <-ch
}
