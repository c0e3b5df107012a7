package zone

import "sync/atomic"

// Completion carries a continuation and the zone it must run on. Every
// asynchronous step in the metadata subsystem resolves a Completion; a
// given completion resolves exactly once.
type Completion struct {
	zone     *Zone
	callback func(error)
	fired    atomic.Bool
}

// NewCompletion returns a completion whose callback will run on z. A nil
// zone runs the callback synchronously in the completing goroutine; this is
// only for tests and for callers already on the right zone.
func NewCompletion(z *Zone, callback func(error)) *Completion {
	return &Completion{zone: z, callback: callback}
}

// Complete resolves the completion. A second call panics: double
// completion is always a bug in the caller's continuation wiring.
func (c *Completion) Complete(err error) {
	if !c.fired.CompareAndSwap(false, true) {
		panic("completion resolved twice")
	}
	if c.callback == nil {
		return
	}
	if c.zone == nil {
		c.callback(err)
		return
	}
	c.zone.EnqueueHigh(func() { c.callback(err) })
}

// NewWaiter returns a completion with no destination zone and a channel
// that receives its result. For tests and synchronous administrative entry
// points.
func NewWaiter() (*Completion, <-chan error) {
	ch := make(chan error, 1)
	return NewCompletion(nil, func(err error) { ch <- err }), ch
}
