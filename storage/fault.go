package storage

import (
	"sync"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// FaultLayer wraps a Layer with write fault injection, in the manner of the
// "dory" test device the original test suite uses: writes can be silently
// discarded (simulating a crash with lost writes still reported as
// successful by a volatile cache) or failed with an error (driving the
// read-only escalation paths).
type FaultLayer struct {
	under Layer

	mu          sync.Mutex
	stopped     bool
	writeErr    error
	errAfter    int // countdown to injecting writeErr; -1 disabled
	writesSeen  int
	perPBNError map[common.PBN]error
}

func NewFaultLayer(under Layer) *FaultLayer {
	return &FaultLayer{under: under, errAfter: -1}
}

// StopWrites makes all subsequent writes report success without touching
// the backend. Reads still see the old contents: this is the crash point.
func (f *FaultLayer) StopWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

// ResumeWrites re-enables writes (a "reboot" against the surviving state).
func (f *FaultLayer) ResumeWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = false
}

// FailWritesAfter injects err on every write after the next n succeed.
func (f *FaultLayer) FailWritesAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errAfter = n
	f.writeErr = err
}

// FailPBN injects err on any write to the given block.
func (f *FaultLayer) FailPBN(pbn common.PBN, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perPBNError == nil {
		f.perPBNError = make(map[common.PBN]error)
	}
	f.perPBNError[pbn] = err
}

// WriteCount returns the number of writes observed (including discarded
// and failed ones).
func (f *FaultLayer) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writesSeen
}

func (f *FaultLayer) Submit(req *Request) {
	if req.Op != OpWrite {
		f.under.Submit(req)
		return
	}
	f.mu.Lock()
	f.writesSeen++
	if err, ok := f.perPBNError[req.PBN]; ok {
		f.mu.Unlock()
		req.Done.Complete(err)
		return
	}
	if f.errAfter >= 0 {
		if f.errAfter == 0 {
			err := f.writeErr
			f.mu.Unlock()
			req.Done.Complete(err)
			return
		}
		f.errAfter--
	}
	if f.stopped {
		f.mu.Unlock()
		req.Done.Complete(nil)
		return
	}
	f.mu.Unlock()
	f.under.Submit(req)
}

func (f *FaultLayer) BlockCount() common.BlockCount { return f.under.BlockCount() }
func (f *FaultLayer) Close() error                  { return f.under.Close() }
