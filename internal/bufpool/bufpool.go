// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package bufpool implements the Buffer Pool (§4.2): a sharded cache of
// page frames with dirty tracking and pin handles. It is the only
// component that reads or writes data pages through the Disk Controller.
package bufpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/diskio"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// Mode is the lock strength a pin is taken with.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

// Durable is the WAL's durability barrier: a dirty page may not be written
// back until the WAL is durable to at least the page's dirty LSN (§5 WAL
// rule). Implemented by *wal.WAL; kept as a narrow interface here so
// bufpool never imports wal's full surface.
type Durable interface {
	SyncUpto(lsn uint64) error
}

type frame struct {
	id      page.ID
	buf     page.Page
	pins    int
	dirty   bool
	dirtyAt uint64 // LSN of the page's latest modification
	elem    *list.Element
	content sync.RWMutex
}

// Handle is a pinned reference to a resident frame. The caller must call
// Release when done; the frame's content is authoritative only while
// pinned.
type Handle struct {
	shard *shard
	f     *frame
	mode  Mode
}

// Page exposes the frame's raw bytes. Exclusive handles may mutate in
// place; Shared handles must treat the bytes as read-only.
func (h *Handle) Page() page.Page {
	return h.f.buf
}

// ID returns the page id this handle pins.
func (h *Handle) ID() page.ID {
	return h.f.id
}

// Release unpins the frame; at a zero pin count the frame becomes
// evictable and moves to MRU.
func (h *Handle) Release() {
	if h.mode == Exclusive {
		h.f.content.Unlock()
	} else {
		h.f.content.RUnlock()
	}
	h.shard.unpin(h.f)
	h.shard = nil
	h.f = nil
}

type shard struct {
	mu       sync.Mutex
	cond     *sync.Cond
	table    map[page.ID]*frame
	lru      *list.List // front = MRU, back = LRU
	capacity int
}

func newShard(capacity int) *shard {
	s := &shard{
		table:    make(map[page.ID]*frame),
		lru:      list.New(),
		capacity: capacity,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Pool is the sharded LRU buffer pool.
type Pool struct {
	shards  []*shard
	disk    *diskio.Controller
	durable Durable
	log     *zap.Logger
}

// Config controls pool sizing.
type Config struct {
	// ShardCount is the number of independent LRU shards (page id % ShardCount).
	ShardCount int
	// Capacity is the total number of resident frames across all shards.
	Capacity int
	Logger   *zap.Logger
}

func (c *Config) withDefaults() {
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// New builds a Pool backed by disk, durable against wal.
func New(disk *diskio.Controller, durable Durable, cfg Config) *Pool {
	cfg.withDefaults()
	perShard := max(1, cfg.Capacity/cfg.ShardCount)
	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = newShard(perShard)
	}
	return &Pool{shards: shards, disk: disk, durable: durable, log: cfg.Logger}
}

func (p *Pool) shardFor(id page.ID) *shard {
	return p.shards[uint64(id)%uint64(len(p.shards))]
}

// Pin resolves id to a resident frame, loading it from disk if necessary,
// evicting an unpinned clean frame to make room (writing back a dirty
// victim first, honoring the WAL rule). Blocks if no frame is evictable.
func (p *Pool) Pin(ctx context.Context, id page.ID, mode Mode) (*Handle, error) {
	s := p.shardFor(id)

	s.mu.Lock()
	for {
		if f, ok := s.table[id]; ok {
			f.pins++
			s.lru.MoveToFront(f.elem)
			s.mu.Unlock()
			return p.lock(f, mode), nil
		}

		if len(s.table) < s.capacity {
			break
		}

		victim := p.findEvictable(s)
		if victim == nil {
			// No frame evictable right now; wait for a release.
			if err := waitOrCancel(ctx, s.cond); err != nil {
				s.mu.Unlock()
				return nil, err
			}
			continue
		}

		if err := p.evict(ctx, s, victim); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		break
	}
	s.mu.Unlock()

	return p.load(ctx, s, id, mode)
}

// findEvictable returns the LRU-tail frame with a zero pin count, or nil.
// Caller holds s.mu.
func (p *Pool) findEvictable(s *shard) *frame {
	for e := s.lru.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*frame)
		if f.pins == 0 {
			return f
		}
	}
	return nil
}

// evict writes back victim if dirty (honoring the WAL durability barrier)
// and removes it from the shard. Caller holds s.mu; evict releases and
// reacquires it around I/O.
func (p *Pool) evict(ctx context.Context, s *shard, victim *frame) error {
	delete(s.table, victim.id)
	s.lru.Remove(victim.elem)
	dirty, lsn, id, buf := victim.dirty, victim.dirtyAt, victim.id, victim.buf
	s.mu.Unlock()
	defer s.mu.Lock()

	if dirty {
		if err := p.durable.SyncUpto(lsn); err != nil {
			return fmt.Errorf("evict page %d: %w", id, err)
		}
		if err := p.disk.Write(ctx, id, buf); err != nil {
			return err
		}
	}
	return nil
}

// Adopt installs a freshly allocated page (one never read from disk) as a
// resident, pinned, dirty frame — used when a structure-modification
// operation creates a new page (split siblings, overflow chain links).
// The frame starts dirty with a zero LSN, since the page is not yet backed
// by any WAL record when it is first built; call MarkDirty once the
// allocating record has an LSN.
func (p *Pool) Adopt(ctx context.Context, id page.ID, buf page.Page, mode Mode) (*Handle, error) {
	s := p.shardFor(id)

	s.mu.Lock()
	for {
		if _, ok := s.table[id]; ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("adopt page %d: %w", id, lfkverr.ErrInvariant)
		}
		if len(s.table) < s.capacity {
			break
		}
		victim := p.findEvictable(s)
		if victim == nil {
			if err := waitOrCancel(ctx, s.cond); err != nil {
				s.mu.Unlock()
				return nil, err
			}
			continue
		}
		if err := p.evict(ctx, s, victim); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		break
	}

	f := &frame{id: id, buf: buf, pins: 1, dirty: true}
	f.elem = s.lru.PushFront(f)
	s.table[id] = f
	s.mu.Unlock()

	return p.lock(f, mode), nil
}

func (p *Pool) load(ctx context.Context, s *shard, id page.ID, mode Mode) (*Handle, error) {
	buf, err := p.disk.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	f := &frame{id: id, buf: buf, pins: 1}

	s.mu.Lock()
	if existing, ok := s.table[id]; ok {
		// Lost the race to another loader; use its frame instead.
		existing.pins++
		s.lru.MoveToFront(existing.elem)
		s.mu.Unlock()
		return p.lock(existing, mode), nil
	}
	f.elem = s.lru.PushFront(f)
	s.table[id] = f
	s.mu.Unlock()

	return p.lock(f, mode), nil
}

func (p *Pool) lock(f *frame, mode Mode) *Handle {
	if mode == Exclusive {
		f.content.Lock()
	} else {
		f.content.RLock()
	}
	return &Handle{shard: p.shardFor(f.id), f: f, mode: mode}
}

func (s *shard) unpin(f *frame) {
	s.mu.Lock()
	f.pins--
	if f.pins < 0 {
		panic(lfkverr.ErrInvariant)
	}
	if f.pins == 0 {
		s.lru.MoveToFront(f.elem)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// MarkDirty records the page's latest modification LSN. The frame may not
// be written back until the WAL is durable to at least that LSN.
func (p *Pool) MarkDirty(h *Handle, lsn uint64) {
	s := p.shardFor(h.f.id)
	s.mu.Lock()
	h.f.dirty = true
	if lsn > h.f.dirtyAt {
		h.f.dirtyAt = lsn
	}
	s.mu.Unlock()
}

// FlushAll writes every dirty frame back to disk, used during checkpoint
// and shutdown.
func (p *Pool) FlushAll(ctx context.Context) error {
	for _, s := range p.shards {
		if err := p.flushShard(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) flushShard(ctx context.Context, s *shard) error {
	s.mu.Lock()
	dirty := make(map[page.ID]page.Page)
	var maxLSN uint64
	for id, f := range s.table {
		if f.dirty {
			dirty[id] = f.buf
			if f.dirtyAt > maxLSN {
				maxLSN = f.dirtyAt
			}
		}
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}
	if err := p.durable.SyncUpto(maxLSN); err != nil {
		return err
	}
	if err := p.disk.WriteBatch(ctx, dirty); err != nil {
		return err
	}

	s.mu.Lock()
	for id := range dirty {
		if f, ok := s.table[id]; ok {
			f.dirty = false
		}
	}
	s.mu.Unlock()
	p.log.Debug("flushed dirty frames", zap.Int("count", len(dirty)))
	return nil
}

// waitOrCancel waits on cond until broadcast, or returns ctx.Err() if ctx
// is done first. cond.L must be held on entry and is held again on return.
func waitOrCancel(ctx context.Context, cond *sync.Cond) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		close(done)
	})
	defer stop()
	cond.Wait()
	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}
