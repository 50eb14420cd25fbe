// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/cursor"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/wal"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	pool, disk := newTestPool(t)
	freeList := NewFreeList(disk)

	w, err := wal.Open(wal.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	rootID, err := cursor.Bootstrap(ctx, pool, freeList, 4096)
	require.NoError(t, err)
	tree := cursor.New(pool, freeList, 4096, rootID, nil)

	return &DB{Tree: tree, WAL: w, Orch: New(0, 0), FreeList: freeList, Log: zap.NewNop()}
}

func TestTxCommitMakesWritesVisibleToLaterTransactions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx1 := db.Begin()
	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx1.Commit(ctx))

	tx2 := db.Begin()
	val, ok, err := tx2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
	require.NoError(t, tx2.Abort(ctx))
}

func TestTxSnapshotDoesNotSeeLaterCommits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	reader := db.Begin()

	writer := db.Begin()
	require.NoError(t, writer.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, writer.Commit(ctx))

	_, ok, err := reader.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "reader's snapshot predates the writer's commit")
	require.NoError(t, reader.Abort(ctx))
}

func TestTxAbortDiscardsPendingWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx1 := db.Begin()
	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx1.Abort(ctx))

	tx2 := db.Begin()
	_, ok, err := tx2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tx2.Abort(ctx))
}

func TestTxInsertDetectsFirstCommitterWinsConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx1 := db.Begin()
	require.NoError(t, tx1.Insert(ctx, []byte("k"), []byte("seed")))
	require.NoError(t, tx1.Commit(ctx))

	txA := db.Begin()
	txB := db.Begin()

	require.NoError(t, txA.Insert(ctx, []byte("k"), []byte("a")))
	require.NoError(t, txA.Commit(ctx))

	err := txB.Insert(ctx, []byte("k"), []byte("b"))
	require.Error(t, err, "txB's snapshot predates txA's commit, so its write conflicts under first-committer-wins")
	require.NotContains(t, db.Orch.ActiveTxIDs(), txB.id, "a write conflict must auto-abort the transaction, not leave it active")
}

func TestTxCommitTwiceReturnsClosedError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))

	err := tx.Commit(ctx)
	require.True(t, errors.Is(err, lfkverr.ErrClosed))
}

func TestTxAbortAfterCommitIsNoOp(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Abort(ctx))
}

func TestDBRunGCReclaimsAbortedWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tx := db.Begin()
	require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Abort(ctx))

	// Abort already unlinked the pending version and removed the
	// now-empty entry, so GC finds nothing left to drop.
	stats, err := db.RunGC(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 0, stats.EntriesDropped)
	require.False(t, db.Orch.IsAborted(tx.id), "ForgetAborted must clear the set after a GC generation")
}
