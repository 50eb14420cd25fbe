// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/cursor"
	"github.com/dacapoday/lfkv/internal/diskio"
	"github.com/dacapoday/lfkv/internal/page"
	"github.com/dacapoday/lfkv/internal/txn"
	"github.com/dacapoday/lfkv/internal/wal"
)

// metaPageID is the fixed page id the meta page always occupies.
const metaPageID page.ID = 0

// Engine is an open database: the full storage stack wired together and
// a pair of background loops driving checkpoints and garbage collection.
type Engine struct {
	cfg  Config
	log  *zap.Logger
	file *os.File

	disk *diskio.Controller
	pool *bufpool.Pool
	wal  *wal.WAL
	tree *cursor.Tree
	db   *txn.DB

	closing chan struct{}
	wg      sync.WaitGroup
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config) (*Engine, error) {
	cfg.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("lfkv: Config.Path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("lfkv: create data directory: %w", err)
	}

	dataPath := filepath.Join(cfg.Path, "data.lfkv")
	file, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lfkv: open data file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("lfkv: stat data file: %w", err)
	}

	var e *Engine
	if info.Size() == 0 {
		e, err = bootstrap(file, cfg)
	} else {
		e, err = recover_(file, cfg)
	}
	if err != nil {
		file.Close()
		return nil, err
	}

	e.closing = make(chan struct{})
	e.startBackgroundLoops()
	return e, nil
}

func diskConfig(cfg Config) diskio.Config {
	return diskio.Config{
		PageSize:     cfg.PageSize,
		ReadWorkers:  cfg.DiskReadWorkers,
		WriteWorkers: cfg.DiskWriteWorkers,
		Logger:       cfg.Logger,
	}
}

func walConfig(cfg Config) wal.Config {
	return wal.Config{
		Dir:              filepath.Join(cfg.Path, "wal"),
		SegmentSize:      cfg.WALSegmentSize,
		GroupCommitDelay: cfg.GroupCommitDelay,
		GroupCommitCount: cfg.GroupCommitCount,
		Logger:           cfg.Logger,
	}
}

func bootstrap(file *os.File, cfg Config) (*Engine, error) {
	ctx := context.Background()
	disk := diskio.Open(file, diskConfig(cfg), 1)

	w, err := wal.Open(walConfig(cfg))
	if err != nil {
		return nil, err
	}

	freeList := txn.NewFreeList(disk)
	pool := bufpool.New(disk, w, bufpool.Config{
		ShardCount: cfg.BufferPoolShards,
		Capacity:   cfg.BufferPoolCapacity,
		Logger:     cfg.Logger,
	})

	rootID, err := cursor.Bootstrap(ctx, pool, freeList, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	// The root leaf must be on disk before the meta page points at it.
	if err := pool.FlushAll(ctx); err != nil {
		return nil, err
	}
	tree := cursor.New(pool, freeList, cfg.PageSize, rootID, cfg.Logger)
	orch := txn.New(0, 0)

	meta := page.Meta{
		Version:    page.CurrentVersion,
		PageSize:   uint32(cfg.PageSize),
		RootPageID: rootID,
		NextPageID: disk.NextID(),
	}
	metaBuf := page.EncodeMeta(cfg.PageSize, meta)
	if err := disk.Write(ctx, metaPageID, metaBuf); err != nil {
		return nil, err
	}
	if err := disk.Sync(); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:  cfg,
		log:  cfg.Logger,
		file: file,
		disk: disk,
		pool: pool,
		wal:  w,
		tree: tree,
		db: &txn.DB{
			Tree:     tree,
			WAL:      w,
			Orch:     orch,
			FreeList: freeList,
			Log:      cfg.Logger,
		},
	}, nil
}

// Begin starts a new transaction.
func (e *Engine) Begin() *Tx {
	return &Tx{tx: e.db.Begin()}
}

// View runs fn inside a transaction, aborting it regardless of fn's
// outcome — a convenience for read-only access.
func (e *Engine) View(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx := e.Begin()
	defer tx.Abort(ctx)
	return fn(ctx, tx)
}

// Update runs fn inside a transaction, committing if fn succeeds and
// aborting otherwise.
func (e *Engine) Update(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx := e.Begin()
	if err := fn(ctx, tx); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Close stops the background loops, checkpoints, and closes every
// underlying resource.
func (e *Engine) Close() error {
	close(e.closing)
	e.wg.Wait()

	ctx := context.Background()
	if err := e.Checkpoint(ctx); err != nil {
		e.log.Warn("checkpoint on close", zap.Error(err))
	}
	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) startBackgroundLoops() {
	e.wg.Add(2)
	go e.checkpointLoop()
	go e.gcLoop()
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-e.closing:
			return
		case <-t.C:
			if err := e.Checkpoint(context.Background()); err != nil {
				e.log.Error("background checkpoint", zap.Error(err))
			}
		}
	}
}

func (e *Engine) gcLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-e.closing:
			return
		case <-t.C:
			stats, err := e.db.RunGC(context.Background(), e.cfg.GCWorkers)
			if err != nil {
				e.log.Error("background gc", zap.Error(err))
				continue
			}
			if stats.EntriesDropped > 0 || stats.VersionsPruned > 0 {
				e.log.Debug("gc generation",
					zap.Int("leaves_scanned", stats.LeavesScanned),
					zap.Int("entries_dropped", stats.EntriesDropped),
					zap.Int("versions_pruned", stats.VersionsPruned),
					zap.Int("overflow_pages_freed", stats.OverflowPagesFreed),
				)
			}
		}
	}
}
