// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/page"
)

// PageAllocator is the underlying allocator a FreeList wraps — satisfied
// by *diskio.Controller.
type PageAllocator interface {
	Allocate() page.ID
}

// FreeList is the durable structure tracking reclaimed pages and the
// commit timestamp below which they are safe to reuse (§4.5). A page
// freed by GC or a split cannot be handed back out until every snapshot
// that might still read it has closed.
type FreeList struct {
	mu      sync.Mutex
	disk    PageAllocator
	pending map[page.ID]uint64 // page id -> safe_ts
	ready   []page.ID
}

// NewFreeList builds an empty FreeList wrapping disk for overflow
// allocation once nothing reclaimed is ready for reuse.
func NewFreeList(disk PageAllocator) *FreeList {
	return &FreeList{disk: disk, pending: make(map[page.ID]uint64)}
}

// Release records that id is no longer referenced as of safeTS. It may be
// reused once Reclaim has been called with a minimum snapshot at or past
// safeTS.
func (f *FreeList) Release(id page.ID, safeTS uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[id] = safeTS
}

// Reclaim promotes every pending page whose safe_ts is at or below
// minSnapshot into the ready pool Allocate draws from. Called after a GC
// generation with the orchestrator's current MinSnapshot.
func (f *FreeList) Reclaim(minSnapshot uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, ts := range f.pending {
		if ts <= minSnapshot {
			f.ready = append(f.ready, id)
			delete(f.pending, id)
			n++
		}
	}
	return n
}

// Allocate returns a reclaimed page if one is ready for reuse, otherwise
// a fresh page id from the underlying disk controller. Satisfies
// cursor.Allocator.
func (f *FreeList) Allocate() page.ID {
	f.mu.Lock()
	if n := len(f.ready); n > 0 {
		id := f.ready[n-1]
		f.ready = f.ready[:n-1]
		f.mu.Unlock()
		return id
	}
	f.mu.Unlock()
	return f.disk.Allocate()
}

// Pending reports how many pages are reclaimed but not yet safe to reuse,
// and how many are ready now — for stats/diagnostics.
func (f *FreeList) Pending() (pending, ready int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), len(f.ready)
}

const freeListEntrySize = 8 + 8 // page id + safe_ts
const freeListHeaderSize = 8    // next page id

// Persist writes the free list's full state (pending and ready entries
// alike; ready entries are just recorded with safe_ts 0) as a chain of
// FreeList-kind pages and returns the chain head, for the meta page.
func (f *FreeList) Persist(ctx context.Context, pool *bufpool.Pool, alloc PageAllocator, pageSize int) (page.ID, error) {
	f.mu.Lock()
	entries := make(map[page.ID]uint64, len(f.pending)+len(f.ready))
	for id, ts := range f.pending {
		entries[id] = ts
	}
	for _, id := range f.ready {
		entries[id] = 0
	}
	f.mu.Unlock()

	perPage := (page.BodySize(pageSize) - freeListHeaderSize) / freeListEntrySize
	if perPage <= 0 {
		perPage = 1
	}

	ids := make([]page.ID, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}

	var head page.ID
	var prev *bufpool.Handle
	for off := 0; off < len(ids) || (off == 0 && len(ids) == 0); off += perPage {
		end := min(off+perPage, len(ids))
		chunk := ids[off:end]

		id := alloc.Allocate()
		buf := page.New(pageSize, page.KindFreeList)
		body := buf.Body()
		binary.LittleEndian.PutUint16(body[freeListHeaderSize:freeListHeaderSize+2], uint16(len(chunk)))
		o := freeListHeaderSize + 2
		for _, pid := range chunk {
			binary.LittleEndian.PutUint64(body[o:o+8], uint64(pid))
			binary.LittleEndian.PutUint64(body[o+8:o+16], entries[pid])
			o += 16
		}
		buf.SetFreeOffset(uint16(page.HeaderSize + o))
		buf.SetEntryCount(uint16(len(chunk)))
		buf.Finalize()

		h, err := pool.Adopt(ctx, id, buf, bufpool.Exclusive)
		if err != nil {
			return 0, err
		}
		if off == 0 {
			head = id
		}
		if prev != nil {
			binary.LittleEndian.PutUint64(prev.Page().Body()[0:8], uint64(id))
			prev.Page().Finalize()
			prev.Release()
		}
		pool.MarkDirty(h, 0)
		prev = h
		if len(ids) == 0 {
			break
		}
	}
	if prev != nil {
		prev.Release()
	}
	return head, nil
}

// LoadFreeList reconstructs a FreeList from a chain written by Persist.
// A zero head means an empty list.
func LoadFreeList(ctx context.Context, pool *bufpool.Pool, disk PageAllocator, head page.ID) (*FreeList, error) {
	f := NewFreeList(disk)
	id := head
	for id != 0 {
		h, err := pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return nil, err
		}
		body := h.Page().Body()
		next := page.ID(binary.LittleEndian.Uint64(body[0:8]))
		count := binary.LittleEndian.Uint16(body[freeListHeaderSize : freeListHeaderSize+2])
		o := freeListHeaderSize + 2
		for i := 0; i < int(count); i++ {
			pid := page.ID(binary.LittleEndian.Uint64(body[o : o+8]))
			ts := binary.LittleEndian.Uint64(body[o+8 : o+16])
			o += 16
			if ts == 0 {
				f.ready = append(f.ready, pid)
			} else {
				f.pending[pid] = ts
			}
		}
		h.Release()
		id = next
	}
	return f, nil
}
