// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls segment rotation, group-commit batching, and logging.
type Config struct {
	Dir               string
	SegmentSize       int64
	GroupCommitDelay  time.Duration
	GroupCommitCount  int
	Logger            *zap.Logger
}

func (c *Config) withDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 16 << 20
	}
	if c.GroupCommitDelay <= 0 {
		c.GroupCommitDelay = 5 * time.Millisecond
	}
	if c.GroupCommitCount <= 0 {
		c.GroupCommitCount = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// WAL is the segmented write-ahead log. It owns the segment files; Append
// writes each record straight to the active segment file without fsync
// (there is no in-memory tail buffer), and durability is established by
// the group-commit thread or an explicit SyncUpto.
type WAL struct {
	dir    string
	cfg    Config
	log    *zap.Logger

	mu       sync.Mutex // guards segments/active/size rotation
	segments []*segmentFile
	active   *segmentFile
	nextSeq  uint64

	nextLSN    atomic.Uint64
	durableLSN atomic.Uint64

	commits chan commitWaiter
	closing chan struct{}
	wg      sync.WaitGroup
}

// Open creates the WAL directory if needed and opens a fresh active
// segment, assigning LSNs from 1. On an existing database use Replay
// followed by OpenAfterReplay instead; Open itself does not read prior
// segments.
func Open(cfg Config) (*WAL, error) {
	cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir wal dir: %w", err)
	}

	w := &WAL{
		dir:     cfg.Dir,
		cfg:     cfg,
		log:     cfg.Logger,
		commits: make(chan commitWaiter, 256),
		closing: make(chan struct{}),
	}

	seg, err := createSegment(cfg.Dir, 0, 1)
	if err != nil {
		return nil, err
	}
	w.segments = []*segmentFile{seg}
	w.active = seg
	w.nextSeq = 1
	w.nextLSN.Store(1)

	w.wg.Add(1)
	go w.runGroupCommit()
	return w, nil
}

// OpenAfterReplay opens the WAL continuing from a replay's results: the
// next LSN to assign and the existing segment files to keep appending to
// (a fresh segment is still rotated in, so replay never appends to a
// segment that may have a torn tail).
func OpenAfterReplay(cfg Config, existing []*segmentFile, nextLSN uint64) (*WAL, error) {
	cfg.withDefaults()
	w := &WAL{
		dir:     cfg.Dir,
		cfg:     cfg,
		log:     cfg.Logger,
		commits: make(chan commitWaiter, 256),
		closing: make(chan struct{}),
	}
	w.segments = existing
	var maxSeq uint64
	for _, s := range existing {
		if s.id > maxSeq {
			maxSeq = s.id
		}
	}
	w.nextSeq = maxSeq + 1
	w.nextLSN.Store(nextLSN)
	w.durableLSN.Store(nextLSN - 1)

	seg, err := createSegment(cfg.Dir, w.nextSeq, nextLSN)
	if err != nil {
		return nil, err
	}
	w.nextSeq++
	w.segments = append(w.segments, seg)
	w.active = seg

	w.wg.Add(1)
	go w.runGroupCommit()
	return w, nil
}

// Append serializes r, writes it to the active segment file and returns
// its assigned LSN. It does not fsync; durability is established
// separately.
func (w *WAL) Append(r Record) (uint64, error) {
	lsn := w.nextLSN.Add(1) - 1
	r.LSN = lsn
	buf := Encode(r)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.active.append(buf); err != nil {
		return 0, fmt.Errorf("append wal record: %w", err)
	}
	if w.active.size >= w.cfg.SegmentSize {
		if err := w.rotateLocked(); err != nil {
			return lsn, err
		}
	}
	return lsn, nil
}

func (w *WAL) rotateLocked() error {
	seg, err := createSegment(w.dir, w.nextSeq, w.nextLSN.Load())
	if err != nil {
		return fmt.Errorf("rotate segment: %w", err)
	}
	w.nextSeq++
	w.segments = append(w.segments, seg)
	w.active = seg
	return nil
}

// SyncUpto is the durability barrier used by the buffer pool before page
// writeback (§5 WAL rule) and by checkpoint/shutdown paths. It is a no-op
// if the WAL is already durable to lsn.
func (w *WAL) SyncUpto(lsn uint64) error {
	if w.durableLSN.Load() >= lsn {
		return nil
	}
	done := make(chan error, 1)
	w.commits <- commitWaiter{lsn: lsn, done: done}
	return <-done
}

// Commit appends a Commit record for txid, then awaits group-commit
// fsync. Returns the assigned commit-record LSN.
func (w *WAL) Commit(txid, commitTS uint64) (uint64, error) {
	lsn, err := w.Append(Record{Type: TypeCommit, TxID: txid, CommitTS: commitTS})
	if err != nil {
		return 0, err
	}
	if err := w.SyncUpto(lsn); err != nil {
		return 0, err
	}
	return lsn, nil
}

// DurableLSN reports the highest LSN known to be fsynced.
func (w *WAL) DurableLSN() uint64 {
	return w.durableLSN.Load()
}

// NextLSN reports the LSN the next Append call will assign.
func (w *WAL) NextLSN() uint64 {
	return w.nextLSN.Load()
}

// Close stops the group-commit thread and closes all segment files.
func (w *WAL) Close() error {
	close(w.closing)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, s := range w.segments {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
