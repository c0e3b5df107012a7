package admin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-vdo/vdo-devel-sub000/common"
)

func TestSuspendResumeCycle(t *testing.T) {
	s := NewState(CodeNormal)

	var drained error
	notified := 0
	require.NoError(t, s.StartDraining(CodeSuspending, func(err error) {
		drained = err
		notified++
	}))
	require.True(t, s.IsDraining())
	require.False(t, s.IsNormal())

	require.True(t, s.Finish(nil))
	require.Equal(t, 1, notified)
	require.NoError(t, drained)
	require.True(t, s.IsQuiescent())
	require.Equal(t, CodeSuspended, s.Code())

	require.NoError(t, s.StartOperation(CodeResuming))
	require.True(t, s.Finish(nil))
	require.True(t, s.IsNormal())
}

func TestConflictingOperationRejected(t *testing.T) {
	s := NewState(CodeNormal)
	require.NoError(t, s.StartDraining(CodeSuspending, nil))

	// A save during an in-progress suspend must fail without disturbing
	// the suspend.
	var saveErr error
	err := s.StartDraining(CodeSaving, func(e error) { saveErr = e })
	require.ErrorIs(t, err, common.ErrInvalidAdminState)
	require.ErrorIs(t, saveErr, common.ErrInvalidAdminState)
	require.Equal(t, CodeSuspending, s.Code())

	// The suspend still completes normally.
	require.True(t, s.Finish(nil))
	require.Equal(t, CodeSuspended, s.Code())
}

func TestQuiescentRejectsMutation(t *testing.T) {
	s := NewState(CodeSuspended)
	require.ErrorIs(t, s.StartDraining(CodeSuspending, nil), common.ErrInvalidAdminState)
	// Saving an already-suspended structure is allowed.
	require.NoError(t, s.StartDraining(CodeSaving, nil))
	s.Finish(nil)
	require.Equal(t, CodeSaved, s.Code())
}

func TestLoadFromNewOnly(t *testing.T) {
	s := NewState(CodeNew)
	require.NoError(t, s.StartOperation(CodeLoading))
	require.True(t, s.Finish(nil))
	require.True(t, s.IsNormal())

	require.ErrorIs(t, s.StartOperation(CodeLoading), common.ErrInvalidAdminState)
}

func TestFinishWithoutOperation(t *testing.T) {
	s := NewState(CodeNormal)
	require.False(t, s.Finish(nil))
	require.True(t, s.IsNormal())
}

func TestFinishPropagatesError(t *testing.T) {
	s := NewState(CodeNormal)
	var got error
	require.NoError(t, s.StartDraining(CodeSaving, func(err error) { got = err }))
	require.True(t, s.Finish(common.ErrReadOnly))
	require.ErrorIs(t, got, common.ErrReadOnly)
	// Even a failed save leaves the structure quiescent; only durable
	// writes were skipped.
	require.Equal(t, CodeSaved, s.Code())
}
