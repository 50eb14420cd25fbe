// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import "testing"

func TestVisibleOwnPendingWrite(t *testing.T) {
	v := Version{CreatorTxID: 5, CommitTS: 0}
	if !visible(v, Snapshot{TxID: 5, SnapshotTS: 100}) {
		t.Fatal("a transaction must see its own pending write")
	}
	if visible(v, Snapshot{TxID: 6, SnapshotTS: 100}) {
		t.Fatal("another transaction must not see a pending write it didn't create")
	}
}

func TestVisibleCommittedBeforeSnapshot(t *testing.T) {
	v := Version{CreatorTxID: 1, CommitTS: 10}
	if !visible(v, Snapshot{TxID: 99, SnapshotTS: 10}) {
		t.Fatal("commit at exactly the snapshot horizon must be visible")
	}
	if visible(v, Snapshot{TxID: 99, SnapshotTS: 9}) {
		t.Fatal("commit after the snapshot horizon must not be visible")
	}
}

func TestPickReturnsNewestVisible(t *testing.T) {
	chain := []Version{
		{CreatorTxID: 3, CommitTS: 0},
		{CreatorTxID: 1, CommitTS: 20},
		{CreatorTxID: 1, CommitTS: 10},
	}
	got, ok := pick(chain, Snapshot{TxID: 99, SnapshotTS: 15})
	if !ok {
		t.Fatal("expected a visible version")
	}
	if got.CommitTS != 10 {
		t.Fatalf("commitTS = %d, want 10 (newest committed at or before horizon)", got.CommitTS)
	}
}

func TestPickFindsNothingWhenAllFuture(t *testing.T) {
	chain := []Version{{CreatorTxID: 2, CommitTS: 50}}
	_, ok := pick(chain, Snapshot{TxID: 99, SnapshotTS: 10})
	if ok {
		t.Fatal("expected no visible version")
	}
}

func TestPickDistinguishesTombstoneFromAbsence(t *testing.T) {
	chain := []Version{{CreatorTxID: 1, CommitTS: 5, Tombstone: true}}
	got, ok := pick(chain, Snapshot{TxID: 99, SnapshotTS: 10})
	if !ok {
		t.Fatal("a visible tombstone is still a found version")
	}
	if !got.Tombstone {
		t.Fatal("expected the returned version to carry the tombstone flag")
	}
}
