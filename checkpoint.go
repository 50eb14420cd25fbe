// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import (
	"context"
	"fmt"

	"github.com/dacapoday/lfkv/internal/page"
)

// Checkpoint persists the free list, flushes every dirty page (the
// free-list pages included), appends a WAL checkpoint record, and writes a
// fresh meta page. It is safe to call
// concurrently with open transactions: it never blocks a writer, only
// bounds how much WAL a future recovery must redo.
//
// Pages are flushed before the checkpoint WAL record is appended, not
// after, so that a crash between the two never leaves the meta page
// pointing at a checkpoint LSN newer than what is actually durable on the
// data file.
func (e *Engine) Checkpoint(ctx context.Context) error {
	freeListHead, err := e.db.FreeList.Persist(ctx, e.pool, e.disk, e.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("lfkv: persist free list: %w", err)
	}

	if err := e.pool.FlushAll(ctx); err != nil {
		return fmt.Errorf("lfkv: checkpoint flush: %w", err)
	}

	activeTxIDs := e.db.Orch.ActiveTxIDs()
	oldestSnapshot := e.db.Orch.MinSnapshot()
	checkpointLSN, err := e.wal.Checkpoint(activeTxIDs, nil, oldestSnapshot)
	if err != nil {
		return fmt.Errorf("lfkv: wal checkpoint: %w", err)
	}

	meta := page.Meta{
		Version:           page.CurrentVersion,
		PageSize:          uint32(e.cfg.PageSize),
		RootPageID:        e.tree.RootID(),
		NextPageID:        e.disk.NextID(),
		LastCheckpointLSN: checkpointLSN,
		FreeListHead:      freeListHead,
		LastTxID:          e.db.Orch.LastTxID(),
		LastCommitTS:      e.db.Orch.LastCommitTS(),
	}
	metaBuf := page.EncodeMeta(e.cfg.PageSize, meta)
	if err := e.disk.Write(ctx, metaPageID, metaBuf); err != nil {
		return fmt.Errorf("lfkv: write meta page: %w", err)
	}
	return e.disk.Sync()
}
