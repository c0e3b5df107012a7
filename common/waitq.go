package common

// WaitQueue is a FIFO of waiters of type T. Every backpressure point in the
// metadata subsystem (journal entry deferral, buffer pool exhaustion, slab
// journal blocking, summary update coalescing) queues here so that the
// oldest waiter is always serviced first.
//
// A WaitQueue is owned by a single zone and must only be touched from it.
type WaitQueue[T any] struct {
	waiters []T
}

func (q *WaitQueue[T]) Enqueue(waiter T) {
	q.waiters = append(q.waiters, waiter)
}

func (q *WaitQueue[T]) HasWaiters() bool {
	return len(q.waiters) > 0
}

func (q *WaitQueue[T]) Len() int {
	return len(q.waiters)
}

// First returns the oldest waiter without removing it. It panics on an
// empty queue; check HasWaiters first.
func (q *WaitQueue[T]) First() T {
	return q.waiters[0]
}

// DequeueNext removes and returns the oldest waiter.
func (q *WaitQueue[T]) DequeueNext() (T, bool) {
	var zero T
	if len(q.waiters) == 0 {
		return zero, false
	}
	next := q.waiters[0]
	q.waiters[0] = zero
	q.waiters = q.waiters[1:]
	return next, true
}

// TransferAll moves every waiter from q to the tail of to, leaving q empty.
func (q *WaitQueue[T]) TransferAll(to *WaitQueue[T]) {
	to.waiters = append(to.waiters, q.waiters...)
	q.waiters = nil
}

// NotifyAll empties the queue and calls notify on each waiter that was
// present at the start of the call. The queue is detached first, so a
// callback may re-enqueue its waiter without looping forever.
func (q *WaitQueue[T]) NotifyAll(notify func(T)) {
	waiters := q.waiters
	q.waiters = nil
	for _, w := range waiters {
		notify(w)
	}
}
