// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package diskio implements the Disk Controller (§4.1): async page-granular
// file I/O with bounded read/write worker pools, decoupling caller threads
// from blocking I/O. Writes are acknowledged once the OS accepts them;
// durability requires an explicit Sync.
package diskio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// File is the storage backend a Controller drives. *os.File and
// github.com/dacapoday/lfkv/mem.File both satisfy it.
type File interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Config controls worker pool sizing and retry policy.
type Config struct {
	PageSize     int
	ReadWorkers  int64
	WriteWorkers int64
	MaxRetries   int
	Logger       *zap.Logger
}

func (c *Config) withDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 8192
	}
	if c.ReadWorkers <= 0 {
		c.ReadWorkers = 8
	}
	if c.WriteWorkers <= 0 {
		c.WriteWorkers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Controller is the Disk Controller: bounded async read/write pools atop a
// single File, plus a pure page-id allocator.
type Controller struct {
	file     File
	pageSize int
	readSem  *semaphore.Weighted
	writeSem *semaphore.Weighted
	retries  int
	log      *zap.Logger

	allocMu sync.Mutex
	nextID  atomic.Uint64
}

// Open wraps file with a Disk Controller. nextID is the first page id the
// allocator will hand out (typically page.Meta.NextPageID from the loaded
// meta page, or 1 for a brand-new file, whose page 0 is the meta page).
func Open(file File, cfg Config, nextID page.ID) *Controller {
	cfg.withDefaults()
	c := &Controller{
		file:     file,
		pageSize: cfg.PageSize,
		readSem:  semaphore.NewWeighted(cfg.ReadWorkers),
		writeSem: semaphore.NewWeighted(cfg.WriteWorkers),
		retries:  cfg.MaxRetries,
		log:      cfg.Logger,
	}
	c.nextID.Store(uint64(nextID))
	return c
}

// PageSize returns the fixed page size this controller was opened with.
func (c *Controller) PageSize() int {
	return c.pageSize
}

// Allocate bumps and returns the next page id. Reuse is the caller's
// responsibility via the free list (§4.5), not this method.
func (c *Controller) Allocate() page.ID {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()
	id := page.ID(c.nextID.Add(1) - 1)
	return id
}

// NextID reports the next id Allocate would hand out, for meta persistence.
func (c *Controller) NextID() page.ID {
	return page.ID(c.nextID.Load())
}

// Read fetches the page at id, retrying IoError up to the configured bound.
// A checksum mismatch is Corrupt and is never retried.
func (c *Controller) Read(ctx context.Context, id page.ID) (page.Page, error) {
	if err := c.readSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.readSem.Release(1)

	buf := make(page.Page, c.pageSize)
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		_, err = c.file.ReadAt(buf, int64(id)*int64(c.pageSize))
		if err == nil {
			break
		}
		c.log.Warn("disk read failed", zap.Uint64("page", uint64(id)), zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w: %w", id, lfkverr.ErrIO, err)
	}
	if !buf.Verify() {
		return nil, fmt.Errorf("read page %d: %w", id, lfkverr.ErrCorrupt)
	}
	return buf, nil
}

// Write acknowledges the page once the OS accepts it; it is not durable
// until Sync is called (§5 WAL rule).
func (c *Controller) Write(ctx context.Context, id page.ID, buf page.Page) error {
	if err := c.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.writeSem.Release(1)

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		_, err = c.file.WriteAt(buf, int64(id)*int64(c.pageSize))
		if err == nil {
			break
		}
		c.log.Warn("disk write failed", zap.Uint64("page", uint64(id)), zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("write page %d: %w: %w", id, lfkverr.ErrIO, err)
	}
	return nil
}

// WriteBatch writes pages concurrently, bounded by the write pool.
func (c *Controller) WriteBatch(ctx context.Context, pages map[page.ID]page.Page) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, buf := range pages {
		id, buf := id, buf
		g.Go(func() error {
			return c.Write(gctx, id, buf)
		})
	}
	return g.Wait()
}

// Sync commits the file to stable storage.
func (c *Controller) Sync() error {
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w: %w", lfkverr.ErrIO, err)
	}
	return nil
}

// Close releases the underlying file.
func (c *Controller) Close() error {
	return c.file.Close()
}
