// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"time"

	"go.uber.org/zap"
)

// commitWaiter is a request to be woken once the WAL is durable to lsn.
type commitWaiter struct {
	lsn  uint64
	done chan error
}

// runGroupCommit is the dedicated commit thread (§4.3 Group commit):
// committing transactions enqueue into a waiting set keyed by LSN; when
// either the set reaches the configured count or the delay expires after
// the first waiter, it performs a single sync and wakes everyone whose LSN
// is now durable.
func (w *WAL) runGroupCommit() {
	defer w.wg.Done()

	var pending []commitWaiter
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		if len(pending) == 0 {
			return
		}
		err := w.syncAll()
		if err == nil {
			w.durableLSN.Store(w.nextLSN.Load() - 1)
		}
		for _, pw := range pending {
			pw.done <- err
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-w.closing:
			flush()
			return
		case req := <-w.commits:
			if w.durableLSN.Load() >= req.lsn {
				req.done <- nil
				continue
			}
			pending = append(pending, req)
			if len(pending) >= w.cfg.GroupCommitCount {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.GroupCommitDelay)
				timerC = timer.C
			}
		case <-timerC:
			flush()
		}
	}
}

// syncAll fsyncs every segment currently in the WAL's segment list, oldest
// first, once each, stopping at the first failure.
func (w *WAL) syncAll() error {
	w.mu.Lock()
	segs := append([]*segmentFile(nil), w.segments...)
	w.mu.Unlock()

	for _, s := range segs {
		if err := s.sync(); err != nil {
			w.log.Error("wal fsync failed", zap.Uint64("segment", s.id), zap.Error(err))
			return err
		}
	}
	return nil
}
