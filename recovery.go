// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/cursor"
	"github.com/dacapoday/lfkv/internal/diskio"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
	"github.com/dacapoday/lfkv/internal/txn"
	"github.com/dacapoday/lfkv/internal/wal"
)

// noopDurable satisfies bufpool.Durable without ever blocking: every record
// the recovery tree redoes was already read back out of a WAL segment on
// disk, so there is nothing left to make durable before writing its page
// back out during recovery.
type noopDurable struct{}

func (noopDurable) SyncUpto(uint64) error { return nil }

// recover_ reopens an existing database: it reads the meta page, replays
// the WAL to redo every record past what the buffer pool may already have
// flushed before the crash, resolves transactions that never reached a
// Commit or Abort record, and hands back an Engine ready for new work.
//
// This redo pass is not page-LSN-gated ARIES-style recovery: instead of
// tracking each page's own LSN and skipping already-applied records, every
// surviving WAL record is reapplied unconditionally, guarded by
// cursor.Tree.HasVersionFrom so re-redoing a record whose page was already
// flushed pre-crash is a no-op rather than a duplicate version.
func recover_(file *os.File, cfg Config) (*Engine, error) {
	ctx := context.Background()

	metaBuf := make(page.Page, cfg.PageSize)
	if _, err := file.ReadAt(metaBuf, 0); err != nil {
		return nil, fmt.Errorf("lfkv: read meta page: %w", err)
	}
	if !metaBuf.Verify() {
		return nil, fmt.Errorf("lfkv: meta page: %w", lfkverr.ErrCorrupt)
	}
	meta, ok := page.DecodeMeta(metaBuf)
	if !ok {
		return nil, fmt.Errorf("lfkv: decode meta page: %w", lfkverr.ErrCorrupt)
	}
	if int(meta.PageSize) != cfg.PageSize {
		return nil, fmt.Errorf("lfkv: page size mismatch: data file has %d, Config has %d", meta.PageSize, cfg.PageSize)
	}

	disk := diskio.Open(file, diskConfig(cfg), meta.NextPageID)
	recoveryPool := bufpool.New(disk, noopDurable{}, bufpool.Config{
		ShardCount: cfg.BufferPoolShards,
		Capacity:   cfg.BufferPoolCapacity,
		Logger:     cfg.Logger,
	})

	freeList, err := txn.LoadFreeList(ctx, recoveryPool, disk, meta.FreeListHead)
	if err != nil {
		return nil, fmt.Errorf("lfkv: load free list: %w", err)
	}

	tree := cursor.New(recoveryPool, freeList, cfg.PageSize, meta.RootPageID, cfg.Logger)

	r := &replayState{
		ctx:      ctx,
		tree:     tree,
		writeSet: make(map[uint64][][]byte),
		maxTxID:  meta.LastTxID,
		maxTS:    meta.LastCommitTS,
	}

	segments, nextLSN, err := wal.Replay(walConfig(cfg).Dir, r.visit)
	if err != nil {
		return nil, fmt.Errorf("lfkv: replay wal: %w", err)
	}
	if r.err != nil {
		return nil, fmt.Errorf("lfkv: redo wal record: %w", r.err)
	}

	// Any transaction whose write set is still open never reached a Commit
	// or Abort record before the crash; treat it as aborted. No fresh Abort
	// record is logged for it — the next checkpoint's meta write makes the
	// dropped pending versions permanent regardless.
	for txid, keys := range r.writeSet {
		for _, k := range keys {
			if err := tree.FinalizeAbort(ctx, k, txid, 0); err != nil && !errors.Is(err, lfkverr.ErrInvariant) {
				return nil, fmt.Errorf("lfkv: abort incomplete transaction %d: %w", txid, err)
			}
		}
	}

	if err := recoveryPool.FlushAll(ctx); err != nil {
		return nil, fmt.Errorf("lfkv: flush redone pages: %w", err)
	}
	if err := disk.Sync(); err != nil {
		return nil, err
	}

	w, err := wal.OpenAfterReplay(walConfig(cfg), segments, nextLSN)
	if err != nil {
		return nil, fmt.Errorf("lfkv: reopen wal: %w", err)
	}

	orch := txn.New(r.maxTxID, r.maxTS)
	pool := bufpool.New(disk, w, bufpool.Config{
		ShardCount: cfg.BufferPoolShards,
		Capacity:   cfg.BufferPoolCapacity,
		Logger:     cfg.Logger,
	})
	liveTree := cursor.New(pool, freeList, cfg.PageSize, tree.RootID(), cfg.Logger)

	cfg.Logger.Info("recovered database",
		zap.Uint64("root_page", uint64(liveTree.RootID())),
		zap.Uint64("last_txid", r.maxTxID),
		zap.Uint64("last_commit_ts", r.maxTS),
	)

	return &Engine{
		cfg:  cfg,
		log:  cfg.Logger,
		file: file,
		disk: disk,
		pool: pool,
		wal:  w,
		tree: liveTree,
		db: &txn.DB{
			Tree:     liveTree,
			WAL:      w,
			Orch:     orch,
			FreeList: freeList,
			Log:      cfg.Logger,
		},
	}, nil
}

// replayState accumulates per-transaction write sets across a WAL replay so
// that Commit/Abort records can finalize the right keys and the final pass
// can resolve whatever transactions never reached either.
type replayState struct {
	ctx      context.Context
	tree     *cursor.Tree
	writeSet map[uint64][][]byte
	maxTxID  uint64
	maxTS    uint64
	err      error
}

// replaySnapshot builds the Snapshot a redone Insert/Delete record installs
// its version under. SnapshotTS is pinned to the maximum uint64 rather than
// the transaction's original snapshot (which the WAL record never carried)
// so Tree.Upsert/Remove's first-committer-wins check never fires here: a
// crash redo is reapplying history that already passed that check once,
// live, before the crash, and HasVersionFrom above is what keeps replay
// idempotent, not this check.
func replaySnapshot(txid uint64) cursor.Snapshot {
	return cursor.Snapshot{TxID: txid, SnapshotTS: ^uint64(0)}
}

func (r *replayState) visit(rec wal.Record) error {
	if r.err != nil {
		return nil
	}
	if rec.TxID > r.maxTxID {
		r.maxTxID = rec.TxID
	}

	switch rec.Type {
	case wal.TypeInsert, wal.TypeUpdate:
		already, err := r.tree.HasVersionFrom(r.ctx, rec.Key, rec.TxID)
		if err != nil {
			r.err = err
			return nil
		}
		if !already {
			if err := r.tree.Upsert(r.ctx, rec.Key, rec.Value, replaySnapshot(rec.TxID), rec.LSN); err != nil {
				r.err = err
				return nil
			}
		}
		r.writeSet[rec.TxID] = append(r.writeSet[rec.TxID], rec.Key)

	case wal.TypeDelete:
		already, err := r.tree.HasVersionFrom(r.ctx, rec.Key, rec.TxID)
		if err != nil {
			r.err = err
			return nil
		}
		if !already {
			if err := r.tree.Remove(r.ctx, rec.Key, replaySnapshot(rec.TxID), rec.LSN); err != nil {
				r.err = err
				return nil
			}
		}
		r.writeSet[rec.TxID] = append(r.writeSet[rec.TxID], rec.Key)

	case wal.TypeCommit:
		if rec.CommitTS > r.maxTS {
			r.maxTS = rec.CommitTS
		}
		for _, k := range r.writeSet[rec.TxID] {
			if err := r.tree.FinalizeCommit(r.ctx, k, rec.TxID, rec.CommitTS, rec.LSN); err != nil && !errors.Is(err, lfkverr.ErrInvariant) {
				r.err = err
				return nil
			}
		}
		delete(r.writeSet, rec.TxID)

	case wal.TypeAbort:
		for _, k := range r.writeSet[rec.TxID] {
			if err := r.tree.FinalizeAbort(r.ctx, k, rec.TxID, rec.LSN); err != nil && !errors.Is(err, lfkverr.ErrInvariant) {
				r.err = err
				return nil
			}
		}
		delete(r.writeSet, rec.TxID)
	}
	return nil
}
