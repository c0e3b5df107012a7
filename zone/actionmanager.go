package zone

import (
	"github.com/dm-vdo/vdo-devel-sub000/common"
)

type (
	// Preamble runs on the initiator zone before the per-zone steps.
	Preamble func(done *Completion)
	// ZoneAction runs once per zone, on that zone, in zone order.
	ZoneAction func(zoneNumber int, done *Completion)
	// Conclusion runs on the initiator zone after the last zone step and
	// may replace the action's result.
	Conclusion func(result error) error
	// DefaultScheduler is consulted whenever the manager goes idle; it
	// may schedule a recurring maintenance action (e.g. advancing the
	// block map era) and reports whether it did.
	DefaultScheduler func() bool

	action struct {
		preamble   Preamble
		zoneAction ZoneAction
		conclusion Conclusion
		done       *Completion
	}

	// ActionManager applies actions to each zone of a structure in turn.
	// At most one action is current and at most one may be pending; a
	// pending administrative action proceeds as soon as the current
	// (possibly default) action's in-flight zone step completes its
	// sweep. All manager state is owned by the initiator zone.
	ActionManager struct {
		zones     []*Zone
		initiator *Zone

		current *action
		next    *action

		scheduleDefault DefaultScheduler
	}
)

// NewActionManager creates an action manager over the given zones. The
// initiator zone owns the manager's state and runs preambles and
// conclusions.
func NewActionManager(zones []*Zone, initiator *Zone) *ActionManager {
	return &ActionManager{zones: zones, initiator: initiator}
}

// SetDefaultScheduler registers the recurring default action source. Call
// once during construction, before any action is scheduled.
func (m *ActionManager) SetDefaultScheduler(s DefaultScheduler) {
	m.scheduleDefault = s
}

// Schedule queues an action. Any of preamble, zoneAction, and conclusion
// may be nil; done may be nil if the caller does not need notification.
// If an action is already current and another already pending, the request
// fails immediately with ErrInvalidAdminState.
//
// Safe to call from any zone.
func (m *ActionManager) Schedule(preamble Preamble, zoneAction ZoneAction, conclusion Conclusion, done *Completion) {
	m.initiator.Enqueue(func() {
		m.schedule(&action{preamble, zoneAction, conclusion, done})
	})
}

// ScheduleHigh is Schedule on the initiator's high-priority lane, for
// actions launched from I/O completions (e.g. era advances driven by
// journal commits).
func (m *ActionManager) ScheduleHigh(preamble Preamble, zoneAction ZoneAction, conclusion Conclusion, done *Completion) {
	m.initiator.EnqueueHigh(func() {
		m.schedule(&action{preamble, zoneAction, conclusion, done})
	})
}

func (m *ActionManager) schedule(a *action) {
	switch {
	case m.current == nil:
		m.current = a
		m.launch(a)
	case m.next == nil:
		m.next = a
	default:
		if a.done != nil {
			a.done.Complete(common.ErrInvalidAdminState)
		}
	}
}

func (m *ActionManager) launch(a *action) {
	if a.preamble == nil {
		m.applyToZone(a, 0, nil)
		return
	}
	a.preamble(NewCompletion(m.initiator, func(err error) {
		m.applyToZone(a, 0, err)
	}))
}

// applyToZone runs the action on zone i, then advances. The first error is
// preserved but every zone still sees the action, so that per-zone drains
// always run to completion.
func (m *ActionManager) applyToZone(a *action, i int, result error) {
	if a.zoneAction == nil || i >= len(m.zones) {
		m.conclude(a, result)
		return
	}
	m.zones[i].Enqueue(func() {
		a.zoneAction(i, NewCompletion(m.initiator, func(err error) {
			if result == nil {
				result = err
			}
			m.applyToZone(a, i+1, result)
		}))
	})
}

func (m *ActionManager) conclude(a *action, result error) {
	if a.conclusion != nil {
		result = a.conclusion(result)
	}
	m.current, m.next = m.next, nil
	if a.done != nil {
		a.done.Complete(result)
	}
	if m.current != nil {
		m.launch(m.current)
	} else if m.scheduleDefault != nil {
		// Go idle only if the default scheduler declines; if it
		// schedules, the cycle continues from schedule().
		m.scheduleDefault()
	}
}
