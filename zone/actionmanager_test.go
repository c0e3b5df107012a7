package zone

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

func makeZones(t *testing.T, n int) []*Zone {
	zones := make([]*Zone, n)
	for i := range zones {
		zones[i] = New("worker")
		t.Cleanup(zones[i].Stop)
	}
	return zones
}

func TestActionAppliesToZonesInOrder(t *testing.T) {
	zones := makeZones(t, 3)
	initiator := New("initiator")
	t.Cleanup(initiator.Stop)
	m := NewActionManager(zones, initiator)

	var mu sync.Mutex
	var steps []string
	record := func(s string) {
		mu.Lock()
		steps = append(steps, s)
		mu.Unlock()
	}

	done, ch := NewWaiter()
	m.Schedule(
		func(d *Completion) { record("preamble"); d.Complete(nil) },
		func(zn int, d *Completion) { record(string(rune('0' + zn))); d.Complete(nil) },
		func(err error) error { record("conclusion"); return err },
		done)
	require.NoError(t, <-ch)
	require.Equal(t, []string{"preamble", "0", "1", "2", "conclusion"}, steps)
}

func TestSecondActionWaitsThirdRejected(t *testing.T) {
	zones := makeZones(t, 1)
	initiator := New("initiator")
	t.Cleanup(initiator.Stop)
	m := NewActionManager(zones, initiator)

	block := make(chan struct{})
	firstDone, firstCh := NewWaiter()
	m.Schedule(nil, func(zn int, d *Completion) {
		go func() {
			<-block
			d.Complete(nil)
		}()
	}, nil, firstDone)

	secondDone, secondCh := NewWaiter()
	m.Schedule(nil, func(zn int, d *Completion) { d.Complete(nil) }, nil, secondDone)

	thirdDone, thirdCh := NewWaiter()
	m.Schedule(nil, nil, nil, thirdDone)
	initiator.Flush()
	require.ErrorIs(t, <-thirdCh, common.ErrInvalidAdminState)

	close(block)
	require.NoError(t, <-firstCh)
	require.NoError(t, <-secondCh)
}

func TestActionPreservesFirstError(t *testing.T) {
	zones := makeZones(t, 3)
	initiator := New("initiator")
	t.Cleanup(initiator.Stop)
	m := NewActionManager(zones, initiator)

	boom := errors.New("zone 1 failed")
	var visited []int
	var mu sync.Mutex
	done, ch := NewWaiter()
	m.Schedule(nil, func(zn int, d *Completion) {
		mu.Lock()
		visited = append(visited, zn)
		mu.Unlock()
		if zn == 1 {
			d.Complete(boom)
		} else {
			d.Complete(nil)
		}
	}, nil, done)
	require.ErrorIs(t, <-ch, boom)
	// Every zone still saw the action despite the failure.
	require.Equal(t, []int{0, 1, 2}, visited)
}

func TestDefaultActionCoexistsWithAdmin(t *testing.T) {
	zones := makeZones(t, 1)
	initiator := New("initiator")
	t.Cleanup(initiator.Stop)
	m := NewActionManager(zones, initiator)

	var mu sync.Mutex
	defaults := 0
	wantDefault := true
	m.SetDefaultScheduler(func() bool {
		mu.Lock()
		again := wantDefault
		mu.Unlock()
		if !again {
			return false
		}
		m.schedule(&action{zoneAction: func(zn int, d *Completion) {
			mu.Lock()
			defaults++
			mu.Unlock()
			d.Complete(nil)
		}})
		return true
	})

	// Kick the manager: the first action triggers the default cycle when
	// it concludes.
	kick, kickCh := NewWaiter()
	m.Schedule(nil, nil, nil, kick)
	require.NoError(t, <-kickCh)

	// An admin action scheduled while defaults are cycling must get in.
	adminDone, adminCh := NewWaiter()
	m.Schedule(nil, func(zn int, d *Completion) { d.Complete(nil) }, nil, adminDone)
	require.NoError(t, <-adminCh)

	mu.Lock()
	wantDefault = false
	ran := defaults
	mu.Unlock()
	require.Greater(t, ran, 0)
}
