// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package lfkv is an embeddable, crash-safe, MVCC key-value storage
// engine: a write-ahead-logged Blink-tree with snapshot-isolated
// transactions, built for single-process embedding rather than network
// service.
package lfkv

import (
	"time"

	"go.uber.org/zap"
)

// Config controls every tunable surface of an Engine. Zero values take
// the defaults documented on each field.
type Config struct {
	// Path is the directory holding the data file and WAL segments. It is
	// created if it does not exist.
	Path string

	// PageSize is the fixed page size in bytes for the whole database's
	// lifetime; it must match on every reopen. Default 8192.
	PageSize int

	// BufferPoolCapacity is the number of resident page frames across all
	// shards. Default 4096.
	BufferPoolCapacity int
	// BufferPoolShards is the number of independent LRU shards. Default 16.
	BufferPoolShards int

	// DiskReadWorkers and DiskWriteWorkers bound concurrent page I/O.
	// Defaults 8 and 4.
	DiskReadWorkers  int64
	DiskWriteWorkers int64

	// WALSegmentSize bounds a single WAL segment file. Default 16MiB.
	WALSegmentSize int64
	// GroupCommitDelay and GroupCommitCount bound how long a commit waits
	// for others to batch with it. Defaults 5ms and 64.
	GroupCommitDelay time.Duration
	GroupCommitCount int

	// CheckpointInterval is how often the background checkpoint loop
	// runs. Default 30s, also used when zero: the background loop always
	// runs, and manual Checkpoint calls work alongside it.
	CheckpointInterval time.Duration
	// GCInterval is how often the background garbage-collection loop
	// runs. Default 10s, also used when zero: the background loop always
	// runs.
	GCInterval time.Duration
	// GCWorkers bounds each GC stage's worker pool. Default 4.
	GCWorkers int

	Logger *zap.Logger
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 8192
	}
	if c.BufferPoolCapacity <= 0 {
		c.BufferPoolCapacity = 4096
	}
	if c.BufferPoolShards <= 0 {
		c.BufferPoolShards = 16
	}
	if c.DiskReadWorkers <= 0 {
		c.DiskReadWorkers = 8
	}
	if c.DiskWriteWorkers <= 0 {
		c.DiskWriteWorkers = 4
	}
	if c.WALSegmentSize <= 0 {
		c.WALSegmentSize = 16 << 20
	}
	if c.GroupCommitDelay <= 0 {
		c.GroupCommitDelay = 5 * time.Millisecond
	}
	if c.GroupCommitCount <= 0 {
		c.GroupCommitCount = 64
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.GCInterval == 0 {
		c.GCInterval = 10 * time.Second
	}
	if c.GCWorkers <= 0 {
		c.GCWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
