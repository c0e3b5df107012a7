package admin

import (
	"fmt"
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// ReadOnlyNotifier records the irreversible transition into read-only mode
// after a metadata write failure. The first failure wins; every component
// checks IsReadOnly before mutating durable state, and registered
// listeners hear about the transition exactly once.
//
// Listeners run in the goroutine that entered read-only mode; components
// re-enqueue to their own zones.
type ReadOnlyNotifier struct {
	mu        sync.Mutex
	cause     error
	listeners []func(error)
}

func NewReadOnlyNotifier() *ReadOnlyNotifier {
	return &ReadOnlyNotifier{}
}

// EnterReadOnly puts the system into read-only mode. Idempotent; only the
// first cause is kept.
func (n *ReadOnlyNotifier) EnterReadOnly(cause error) {
	n.mu.Lock()
	if n.cause != nil {
		n.mu.Unlock()
		return
	}
	n.cause = fmt.Errorf("%w: %v", common.ErrReadOnly, cause)
	listeners := n.listeners
	n.mu.Unlock()

	for _, listener := range listeners {
		listener(n.cause)
	}
}

// IsReadOnly reports whether the system has entered read-only mode.
func (n *ReadOnlyNotifier) IsReadOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cause != nil
}

// Cause returns the wrapped error that forced read-only mode, or nil.
func (n *ReadOnlyNotifier) Cause() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cause
}

// Register adds a listener for the read-only transition. A listener added
// after the transition is called immediately.
func (n *ReadOnlyNotifier) Register(listener func(error)) {
	n.mu.Lock()
	if n.cause != nil {
		cause := n.cause
		n.mu.Unlock()
		listener(cause)
		return
	}
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
}
