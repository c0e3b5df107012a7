// Package zone provides the threading substrate: single-goroutine zones
// owning disjoint state, completions dispatched to their destination zone,
// the action manager that applies administrative actions across zones, and
// the lock counter tracking cross-zone interest in journal blocks.
package zone

import (
	"log"
	"sync"
)

// Priority selects the lane work is enqueued on. Within a lane, work runs
// in submission order; all high-priority work admitted before a normal item
// runs first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Zone is a single-threaded execution context. A structure's fields are
// only touched from its owning zone; other zones hand work over by
// enqueueing a closure.
type Zone struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	high   []func()
	normal []func()
	closed bool

	done chan struct{}
}

// New creates a zone and starts its worker goroutine.
func New(name string) *Zone {
	z := &Zone{name: name, done: make(chan struct{})}
	z.cond = sync.NewCond(&z.mu)
	go z.run()
	return z
}

func (z *Zone) Name() string { return z.name }

// Enqueue schedules fn to run on the zone in normal priority order.
// Enqueueing on a stopped zone drops the work.
func (z *Zone) Enqueue(fn func()) { z.enqueue(fn, PriorityNormal) }

// EnqueueHigh schedules fn ahead of all queued normal-priority work.
// Completions of metadata I/O use this lane so commits are never starved by
// the data path.
func (z *Zone) EnqueueHigh(fn func()) { z.enqueue(fn, PriorityHigh) }

func (z *Zone) enqueue(fn func(), pri Priority) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		log.Printf("zone %s: dropping work enqueued after stop", z.name)
		return
	}
	if pri == PriorityHigh {
		z.high = append(z.high, fn)
	} else {
		z.normal = append(z.normal, fn)
	}
	z.cond.Signal()
}

func (z *Zone) run() {
	defer close(z.done)
	for {
		z.mu.Lock()
		for len(z.high) == 0 && len(z.normal) == 0 && !z.closed {
			z.cond.Wait()
		}
		var fn func()
		switch {
		case len(z.high) > 0:
			fn, z.high = z.high[0], z.high[1:]
		case len(z.normal) > 0:
			fn, z.normal = z.normal[0], z.normal[1:]
		default:
			z.mu.Unlock()
			return
		}
		z.mu.Unlock()
		fn()
	}
}

// Stop drains all queued work and stops the worker. It blocks until the
// worker goroutine has exited. Work enqueued after Stop is dropped.
func (z *Zone) Stop() {
	z.mu.Lock()
	z.closed = true
	z.cond.Signal()
	z.mu.Unlock()
	<-z.done
}

// Flush blocks the caller until everything enqueued before the call has
// run. Only for tests and administrative teardown; never call from the
// zone itself.
func (z *Zone) Flush() {
	ch := make(chan struct{})
	z.Enqueue(func() { close(ch) })
	<-ch
}
