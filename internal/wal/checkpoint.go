// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"os"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/page"
)

// Checkpoint writes a Checkpoint record capturing the active-txid set, the
// dirty-page table, and the oldest live snapshot, then hands segments
// strictly older than the checkpoint's covering segment to a background
// removal task. Replay may skip those segments entirely (§4.3).
func (w *WAL) Checkpoint(activeTxIDs []uint64, dirtyPages []page.ID, oldestSnapshot uint64) (uint64, error) {
	lsn, err := w.Append(Record{
		Type:           TypeCheckpoint,
		ActiveTxIDs:    activeTxIDs,
		DirtyPages:     dirtyPages,
		OldestSnapshot: oldestSnapshot,
	})
	if err != nil {
		return 0, err
	}
	if err := w.SyncUpto(lsn); err != nil {
		return 0, err
	}
	go w.reclaimSegmentsBefore(lsn)
	return lsn, nil
}

// reclaimSegmentsBefore deletes every fully-covered segment older than the
// one containing lsn.
func (w *WAL) reclaimSegmentsBefore(lsn uint64) {
	w.mu.Lock()
	var keepFrom int
	for i, s := range w.segments {
		if s.firstLSN <= lsn {
			keepFrom = i
		} else {
			break
		}
	}
	stale := append([]*segmentFile(nil), w.segments[:keepFrom]...)
	w.segments = w.segments[keepFrom:]
	w.mu.Unlock()

	for _, s := range stale {
		path := s.path
		if err := s.close(); err != nil {
			w.log.Warn("close stale wal segment", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			w.log.Warn("remove stale wal segment", zap.String("path", path), zap.Error(err))
		}
	}
}
