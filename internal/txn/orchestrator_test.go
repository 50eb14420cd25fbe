// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrchestratorBeginAssignsIncreasingTxIDs(t *testing.T) {
	o := New(0, 0)

	id1, snap1 := o.Begin()
	id2, snap2 := o.Begin()

	require.Less(t, id1, id2)
	require.Equal(t, id1, snap1.TxID)
	require.Equal(t, id2, snap2.TxID)
}

func TestOrchestratorSnapshotSeesOnlyPriorCommits(t *testing.T) {
	o := New(0, 0)

	_, snap1 := o.Begin() // snapshot before any commit
	require.EqualValues(t, 0, snap1.SnapshotTS)

	ts := o.AssignCommitTS()
	require.EqualValues(t, 1, ts)

	_, snap2 := o.Begin()
	require.EqualValues(t, 1, snap2.SnapshotTS, "second transaction must see the first commit")
}

func TestOrchestratorTrackWriteAndWriteSet(t *testing.T) {
	o := New(0, 0)
	id, _ := o.Begin()

	o.TrackWrite(id, []byte("a"))
	o.TrackWrite(id, []byte("b"))
	o.TrackWrite(id, []byte("a")) // duplicate, must not double count

	keys := o.WriteSet(id)
	require.Len(t, keys, 2)
}

func TestOrchestratorMinSnapshotTracksOldestActive(t *testing.T) {
	o := New(0, 0)

	id1, _ := o.Begin()
	o.AssignCommitTS()
	_, snap2 := o.Begin()

	require.Equal(t, uint64(0), o.MinSnapshot(), "id1's snapshot at ts 0 is still the oldest active")

	o.FinishCommit(id1)
	require.Equal(t, snap2.SnapshotTS, o.MinSnapshot())
}

func TestOrchestratorFinishAbortMarksAborted(t *testing.T) {
	o := New(0, 0)
	id, _ := o.Begin()

	require.False(t, o.IsAborted(id))
	o.FinishAbort(id)
	require.True(t, o.IsAborted(id))

	o.ForgetAborted()
	require.False(t, o.IsAborted(id))
}

func TestOrchestratorActiveTxIDs(t *testing.T) {
	o := New(0, 0)
	id1, _ := o.Begin()
	id2, _ := o.Begin()

	ids := o.ActiveTxIDs()
	require.ElementsMatch(t, []uint64{id1, id2}, ids)

	o.FinishCommit(id1)
	require.Equal(t, []uint64{id2}, o.ActiveTxIDs())
}

func TestOrchestratorResumesFromRecoveredHighWaterMarks(t *testing.T) {
	o := New(41, 99)
	id, snap := o.Begin()
	require.EqualValues(t, 42, id)
	require.EqualValues(t, 99, snap.SnapshotTS)
	require.EqualValues(t, 42, o.LastTxID())
	require.EqualValues(t, 99, o.LastCommitTS())
}
