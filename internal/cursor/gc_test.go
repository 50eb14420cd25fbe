// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lfkv/internal/page"
)

type fakeGCPolicy struct {
	minSnapshot uint64
	aborted     map[uint64]bool
}

func (p fakeGCPolicy) MinSnapshot() uint64 { return p.minSnapshot }
func (p fakeGCPolicy) IsAborted(txid uint64) bool { return p.aborted[txid] }

func TestRunGCDropsSupersededCommittedVersions(t *testing.T) {
	tree, ctx := newTestTree(t)

	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("old"), Snapshot{TxID: 1, SnapshotTS: 0}, 1))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 1, 5, 1))
	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("new"), Snapshot{TxID: 2, SnapshotTS: 5}, 2))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 2, 10, 2))

	policy := fakeGCPolicy{minSnapshot: 20, aborted: map[uint64]bool{}}
	stats, err := tree.RunGC(ctx, GCConfig{Workers: 2, Policy: policy}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.VersionsPruned, "the superseded 'old' version is unreachable from any live snapshot")

	val, ok, err := tree.Get(ctx, []byte("k"), Snapshot{TxID: 99, SnapshotTS: 20})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), val)
}

func TestRunGCRetainsVersionsAtOrAfterMinSnapshot(t *testing.T) {
	tree, ctx := newTestTree(t)

	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("old"), Snapshot{TxID: 1, SnapshotTS: 0}, 1))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 1, 5, 1))
	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("new"), Snapshot{TxID: 2, SnapshotTS: 5}, 2))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 2, 10, 2))

	policy := fakeGCPolicy{minSnapshot: 5, aborted: map[uint64]bool{}}
	stats, err := tree.RunGC(ctx, GCConfig{Workers: 2, Policy: policy}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.VersionsPruned, "a live snapshot at ts=5 still needs the 'old' version")
}

func TestRunGCDropsAbortedPendingVersions(t *testing.T) {
	tree, ctx := newTestTree(t)

	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("v"), Snapshot{TxID: 1, SnapshotTS: 0}, 1))

	policy := fakeGCPolicy{minSnapshot: 0, aborted: map[uint64]bool{1: true}}
	stats, err := tree.RunGC(ctx, GCConfig{Workers: 2, Policy: policy}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.VersionsPruned)
	require.Equal(t, 1, stats.EntriesDropped)
}

func TestRunGCReclaimsOverflowPages(t *testing.T) {
	tree, ctx := newTestTree(t)

	big := make([]byte, tree.inlineValueLimit()*2)
	require.NoError(t, tree.Upsert(ctx, []byte("k"), big, Snapshot{TxID: 1, SnapshotTS: 0}, 1))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 1, 5, 1))
	require.NoError(t, tree.Upsert(ctx, []byte("k"), []byte("small"), Snapshot{TxID: 2, SnapshotTS: 5}, 2))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("k"), 2, 10, 2))

	var freed []page.ID
	policy := fakeGCPolicy{minSnapshot: 20, aborted: map[uint64]bool{}}
	stats, err := tree.RunGC(ctx, GCConfig{Workers: 2, Policy: policy}, func(id page.ID) {
		freed = append(freed, id)
	})
	require.NoError(t, err)
	require.Equal(t, 1, stats.VersionsPruned)
	require.NotEmpty(t, freed, "the superseded overflow value's pages must be reported for reclaim")
}

func TestRunGCLeavesTreeUsableAfterMultipleGenerations(t *testing.T) {
	tree, ctx := newTestTree(t)

	for i := 0; i < 20; i++ {
		key := []byte{byte(i)}
		require.NoError(t, tree.Upsert(ctx, key, []byte("v0"), Snapshot{TxID: 1, SnapshotTS: uint64(i)}, uint64(i)))
		require.NoError(t, tree.FinalizeCommit(ctx, key, 1, uint64(i+1), uint64(i)))
	}

	policy := fakeGCPolicy{minSnapshot: 100, aborted: map[uint64]bool{}}
	for gen := 0; gen < 3; gen++ {
		_, err := tree.RunGC(ctx, GCConfig{Workers: 2, Policy: policy}, nil)
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		key := []byte{byte(i)}
		_, ok, err := tree.Get(context.Background(), key, Snapshot{TxID: 99, SnapshotTS: 100})
		require.NoError(t, err)
		require.True(t, ok)
	}
}
