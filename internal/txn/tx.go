// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/cursor"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
	"github.com/dacapoday/lfkv/internal/wal"
)

// DB ties the index, the log, the transaction registry, and the free
// list together into the unit cursor.Tree operations and commits share.
type DB struct {
	Tree     *cursor.Tree
	WAL      *wal.WAL
	Orch     *Orchestrator
	FreeList *FreeList
	Log      *zap.Logger
}

// Begin starts a new transaction with a snapshot fixed at the current
// commit horizon (§3 Snapshot isolation).
func (db *DB) Begin() *Tx {
	id, snap := db.Orch.Begin()
	return &Tx{db: db, id: id, snap: snap}
}

// Tx is one transaction's view of the database.
type Tx struct {
	db   *DB
	id   uint64
	snap cursor.Snapshot
	done bool
}

// Get reads key as of the transaction's snapshot, including its own
// uncommitted writes.
func (tx *Tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return tx.db.Tree.Get(ctx, key, tx.snap)
}

// Scan opens a range iterator as of the transaction's snapshot.
func (tx *Tx) Scan(ctx context.Context, start, end []byte) (*cursor.Iterator, error) {
	return tx.db.Tree.Scan(ctx, start, end, tx.snap)
}

// Insert stages key=value as this transaction's pending version, WAL
// logging before the index is touched. A write-write conflict against the
// key's current chain (§4.4 Insert/Update, first-committer-wins) auto-aborts
// the transaction and surfaces ErrWriteConflict to the caller (§7).
func (tx *Tx) Insert(ctx context.Context, key, value []byte) error {
	if tx.done {
		return fmt.Errorf("insert: %w", lfkverr.ErrClosed)
	}
	lsn, err := tx.db.WAL.Append(wal.Record{Type: wal.TypeInsert, TxID: tx.id, Key: key, Value: value})
	if err != nil {
		return err
	}
	if err := tx.db.Tree.Upsert(ctx, key, value, tx.snap, lsn); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	tx.db.Orch.TrackWrite(tx.id, key)
	return nil
}

// Remove stages a tombstone for key as this transaction's pending version,
// subject to the same auto-abort-on-conflict contract as Insert.
func (tx *Tx) Remove(ctx context.Context, key []byte) error {
	if tx.done {
		return fmt.Errorf("remove: %w", lfkverr.ErrClosed)
	}
	lsn, err := tx.db.WAL.Append(wal.Record{Type: wal.TypeDelete, TxID: tx.id, Key: key})
	if err != nil {
		return err
	}
	if err := tx.db.Tree.Remove(ctx, key, tx.snap, lsn); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	tx.db.Orch.TrackWrite(tx.id, key)
	return nil
}

// Commit durably assigns a commit timestamp and finalizes every version
// this transaction staged (§4.5). Conflict detection already happened at
// write time in Insert/Remove, against the same chain head this commit now
// stamps — mutateKey's tree-wide serialization means nothing can slip in a
// conflicting commit on a key already holding this transaction's pending
// version.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("commit: %w", lfkverr.ErrClosed)
	}
	keys := tx.db.Orch.WriteSet(tx.id)

	commitTS := tx.db.Orch.AssignCommitTS()
	lsn, err := tx.db.WAL.Commit(tx.id, commitTS)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.db.Tree.FinalizeCommit(ctx, k, tx.id, commitTS, lsn); err != nil {
			tx.db.Log.Error("finalize commit", zap.Binary("key", k), zap.Error(err))
			return err
		}
	}
	tx.db.Orch.FinishCommit(tx.id)
	tx.done = true
	return nil
}

// Abort discards every pending version this transaction staged.
func (tx *Tx) Abort(ctx context.Context) error {
	if tx.done {
		return nil
	}
	keys := tx.db.Orch.WriteSet(tx.id)
	lsn, err := tx.db.WAL.Append(wal.Record{Type: wal.TypeAbort, TxID: tx.id})
	if err == nil {
		for _, k := range keys {
			if ferr := tx.db.Tree.FinalizeAbort(ctx, k, tx.id, lsn); ferr != nil {
				tx.db.Log.Warn("finalize abort", zap.Binary("key", k), zap.Error(ferr))
			}
		}
	}
	tx.db.Orch.FinishAbort(tx.id)
	tx.done = true
	return err
}

// RunGC runs one garbage-collection generation and folds newly-reclaimed
// pages whose safe timestamp has already passed into the free list
// (§4.4, §4.5).
func (db *DB) RunGC(ctx context.Context, workers int) (cursor.GCStats, error) {
	horizon := db.Orch.MinSnapshot()
	stats, err := db.Tree.RunGC(ctx, cursor.GCConfig{Workers: workers, Policy: db.Orch, Logger: db.Log}, func(id page.ID) {
		db.FreeList.Release(id, horizon)
	})
	if err != nil {
		return stats, err
	}
	db.FreeList.Reclaim(db.Orch.MinSnapshot())
	db.Orch.ForgetAborted()
	return stats, nil
}
