// Package admin implements the per-structure administrative lifecycle:
// normal operation, draining (suspend/save), resuming, recovering,
// rebuilding, scrubbing, and the quiescent states between them.
//
// Every structure with durable state (recovery journal, slab, slab depot,
// block map zone, summary) embeds a State and checks it at each entry
// point. Conflicting operations are rejected with ErrInvalidAdminState and
// leave the in-progress operation undisturbed.
package admin

import (
	"fmt"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

// Code describes one administrative state. Codes are compared by identity;
// the exported vars below are the only instances.
type Code struct {
	name string

	// draining codes block new mutating work while awaiting everything
	// already admitted.
	draining bool
	// quiescing codes end in a quiescent state rather than returning to
	// normal operation.
	quiescing bool
	// quiescent codes reject all mutating work.
	quiescent bool
	// operating codes are transient one-shot operations.
	operating bool

	// next is the state entered when the operation finishes.
	next *Code
}

func (c *Code) String() string    { return c.name }
func (c *Code) IsDraining() bool  { return c.draining }
func (c *Code) IsQuiescing() bool { return c.quiescing }
func (c *Code) IsQuiescent() bool { return c.quiescent }

var (
	CodeNew        = &Code{name: "new", quiescent: true}
	CodeNormal     = &Code{name: "normal"}
	CodeLoading    = &Code{name: "loading", operating: true}
	CodeSuspending = &Code{name: "suspending", draining: true, quiescing: true}
	CodeSuspended  = &Code{name: "suspended", quiescent: true}
	CodeSaving     = &Code{name: "saving", draining: true, quiescing: true}
	CodeSaved      = &Code{name: "saved", quiescent: true}
	CodeFlushing   = &Code{name: "flushing", draining: true}
	CodeResuming   = &Code{name: "resuming", operating: true}
	CodeRecovering = &Code{name: "recovering", operating: true}
	CodeRebuilding = &Code{name: "rebuilding", operating: true}
	CodeScrubbing  = &Code{name: "scrubbing", operating: true}
)

func init() {
	CodeLoading.next = CodeNormal
	CodeSuspending.next = CodeSuspended
	CodeSaving.next = CodeSaved
	CodeFlushing.next = CodeNormal
	CodeResuming.next = CodeNormal
	CodeRecovering.next = CodeNormal
	CodeRebuilding.next = CodeNormal
	CodeScrubbing.next = CodeNormal
}

// transitions is the (current state × requested operation) table. An
// operation absent from its current state's row is a conflict.
var transitions = map[*Code][]*Code{
	CodeSuspending: {CodeNormal},
	CodeSaving:     {CodeNormal, CodeSuspended},
	CodeFlushing:   {CodeNormal},
	CodeResuming:   {CodeSuspended, CodeSaved},
	CodeLoading:    {CodeNew},
	CodeRecovering: {CodeNew, CodeNormal},
	CodeRebuilding: {CodeNew, CodeNormal},
	CodeScrubbing:  {CodeNormal, CodeRecovering, CodeLoading},
}

func mayStart(from, op *Code) bool {
	for _, ok := range transitions[op] {
		if from == ok {
			return true
		}
	}
	return false
}

// State is the administrative state of one structure. It must only be
// accessed from the structure's owning zone.
type State struct {
	code   *Code
	waiter func(error)
}

// NewState returns a state in the given initial code (usually CodeNew for
// formatted structures or CodeNormal for tests).
func NewState(initial *Code) *State {
	return &State{code: initial}
}

func (s *State) Code() *Code { return s.code }

// IsNormal reports whether the structure accepts ordinary mutating work.
func (s *State) IsNormal() bool { return s.code == CodeNormal }

// IsDraining reports whether a drain-type operation is in progress.
func (s *State) IsDraining() bool { return s.code.draining }

// IsQuiescent reports whether all mutating work is rejected.
func (s *State) IsQuiescent() bool { return s.code.quiescent }

// StartOperation begins a one-shot (non-draining) operation such as
// loading, resuming, or scrubbing.
func (s *State) StartOperation(op *Code) error {
	return s.StartDraining(op, nil)
}

// StartDraining begins an operation, recording done to be notified when the
// operation finishes. At most one waiter may be registered; the operation
// holder calls Finish exactly once.
//
// A conflicting request fails with ErrInvalidAdminState and has no effect
// on the operation already in progress.
func (s *State) StartDraining(op *Code, done func(error)) error {
	if !mayStart(s.code, op) {
		err := fmt.Errorf("%w: cannot start %s while %s", common.ErrInvalidAdminState, op, s.code)
		if done != nil {
			done(err)
		}
		return err
	}
	s.code = op
	s.waiter = done
	return nil
}

// Finish completes the current operation, moving to its successor state and
// notifying exactly one waiter. It reports whether an operation was
// actually in progress.
func (s *State) Finish(result error) bool {
	if !s.code.draining && !s.code.operating {
		return false
	}
	if s.code.next != nil {
		s.code = s.code.next
	}
	waiter := s.waiter
	s.waiter = nil
	if waiter != nil {
		waiter(result)
	}
	return true
}
