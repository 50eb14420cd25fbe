// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIteratorScanOrderAndRange(t *testing.T) {
	tree, ctx := newTestTree(t)

	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		require.NoError(t, tree.Upsert(ctx, []byte(k), []byte(k+"-val"), Snapshot{TxID: 1, SnapshotTS: uint64(i)}, uint64(i+1)))
		require.NoError(t, tree.FinalizeCommit(ctx, []byte(k), 1, uint64(i+1), uint64(i+1)))
	}

	it, err := tree.Scan(ctx, []byte("b"), []byte("e"), Snapshot{TxID: 2, SnapshotTS: 10})
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestIteratorSkipsInvisibleAndTombstoned(t *testing.T) {
	tree, ctx := newTestTree(t)

	require.NoError(t, tree.Upsert(ctx, []byte("a"), []byte("1"), Snapshot{TxID: 1, SnapshotTS: 0}, 1))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("a"), 1, 5, 1))
	require.NoError(t, tree.Upsert(ctx, []byte("b"), []byte("2"), Snapshot{TxID: 1, SnapshotTS: 0}, 2))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("b"), 1, 5, 2))
	require.NoError(t, tree.Remove(ctx, []byte("b"), Snapshot{TxID: 2, SnapshotTS: 5}, 3))
	require.NoError(t, tree.FinalizeCommit(ctx, []byte("b"), 2, 6, 3))
	require.NoError(t, tree.Upsert(ctx, []byte("c"), []byte("3"), Snapshot{TxID: 3, SnapshotTS: 6}, 4))

	it, err := tree.Scan(ctx, nil, nil, Snapshot{TxID: 99, SnapshotTS: 6})
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"a"}, got, "b is tombstoned and c is still pending under another txn")
}

func TestIteratorCloseIsIdempotent(t *testing.T) {
	tree, ctx := newTestTree(t)
	require.NoError(t, tree.Upsert(ctx, []byte("a"), []byte("1"), Snapshot{TxID: 1, SnapshotTS: 0}, 1))

	it, err := tree.Scan(ctx, nil, nil, Snapshot{TxID: 1, SnapshotTS: 0})
	require.NoError(t, err)
	it.Close()
	it.Close()
}
