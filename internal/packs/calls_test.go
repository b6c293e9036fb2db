// ABOUTME: Tests for the tool call table status machine

package packs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTable_Lifecycle(t *testing.T) {
	tbl := NewCallTable()
	rec, err := tbl.Create(&Call{CallID: "c1", TurnID: "t1", Name: "get_user_upload"})
	require.NoError(t, err)
	assert.Equal(t, CallPending, rec.Status)

	_, err = tbl.Create(&Call{CallID: "c1"})
	require.ErrorIs(t, err, ErrDuplicateCall)

	require.NoError(t, tbl.Transition("c1", CallWaitingForUser, "tok-1"))
	got, ok := tbl.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "tok-1", got.Token)
	assert.Len(t, tbl.ForTurn("t1"), 1)
	assert.Empty(t, tbl.ForTurn("t2"))

	// A continuation may suspend again.
	require.NoError(t, tbl.Transition("c1", CallWaitingForUser, "tok-2"))
	require.NoError(t, tbl.Transition("c1", CallResolved, ""))

	_, ok = tbl.Get("c1")
	assert.False(t, ok)
	require.ErrorIs(t, tbl.Transition("c1", CallErrored, ""), ErrUnknownCall)

	// Ids may be reused once the record is gone.
	_, err = tbl.Create(&Call{CallID: "c1"})
	require.NoError(t, err)
}

func TestCallTable_RejectsIllegalTransition(t *testing.T) {
	tbl := NewCallTable()
	_, err := tbl.Create(&Call{CallID: "c1"})
	require.NoError(t, err)

	require.ErrorIs(t, tbl.Transition("c1", CallPending, ""), ErrInvalidTransition)
	assert.True(t, CallErrored.Terminal())
	assert.False(t, CallWaitingForUser.Terminal())
}
