// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lfkv/internal/diskio"
	"github.com/dacapoday/lfkv/internal/page"
	"github.com/dacapoday/lfkv/mem"
)

type fakeDurable struct{ syncedUpto uint64 }

func (d *fakeDurable) SyncUpto(lsn uint64) error {
	if lsn > d.syncedUpto {
		d.syncedUpto = lsn
	}
	return nil
}

func newTestPool(t *testing.T, capacity int) (*Pool, *diskio.Controller, *fakeDurable) {
	t.Helper()
	var f mem.File
	disk := diskio.Open(&f, diskio.Config{PageSize: 4096}, 1)
	durable := &fakeDurable{}
	pool := New(disk, durable, Config{ShardCount: 1, Capacity: capacity})
	return pool, disk, durable
}

func TestAdoptThenPinSeesSameFrame(t *testing.T) {
	ctx := context.Background()
	pool, disk, _ := newTestPool(t, 8)

	id := disk.Allocate()
	buf := page.New(4096, page.KindLeafNode)
	copy(buf.Body(), []byte("hi"))
	buf.Finalize()

	h, err := pool.Adopt(ctx, id, buf, Exclusive)
	require.NoError(t, err)
	pool.MarkDirty(h, 1)
	h.Release()

	h2, err := pool.Pin(ctx, id, Shared)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), h2.Page().Body()[:2])
	h2.Release()
}

func TestAdoptRejectsAlreadyResidentPage(t *testing.T) {
	ctx := context.Background()
	pool, disk, _ := newTestPool(t, 8)
	id := disk.Allocate()

	buf := page.New(4096, page.KindLeafNode)
	buf.Finalize()
	h, err := pool.Adopt(ctx, id, buf, Exclusive)
	require.NoError(t, err)
	h.Release()

	_, err = pool.Adopt(ctx, id, buf, Exclusive)
	require.Error(t, err)
}

func TestEvictionWritesBackDirtyFramesAfterSync(t *testing.T) {
	ctx := context.Background()
	pool, disk, durable := newTestPool(t, 1)

	id1 := disk.Allocate()
	buf1 := page.New(4096, page.KindLeafNode)
	buf1.Finalize()
	h1, err := pool.Adopt(ctx, id1, buf1, Exclusive)
	require.NoError(t, err)
	pool.MarkDirty(h1, 5)
	h1.Release()

	// A second, distinct page forces eviction of the first since capacity is 1.
	id2 := disk.Allocate()
	buf2 := page.New(4096, page.KindLeafNode)
	buf2.Finalize()
	h2, err := pool.Adopt(ctx, id2, buf2, Exclusive)
	require.NoError(t, err)
	h2.Release()

	require.GreaterOrEqual(t, durable.syncedUpto, uint64(5), "eviction of a dirty frame must sync the WAL to its LSN first")

	got, err := disk.Read(ctx, id1)
	require.NoError(t, err)
	require.True(t, got.Verify())
}

func TestFlushAllClearsDirtyFlags(t *testing.T) {
	ctx := context.Background()
	pool, disk, _ := newTestPool(t, 8)

	id := disk.Allocate()
	buf := page.New(4096, page.KindLeafNode)
	buf.Finalize()
	h, err := pool.Adopt(ctx, id, buf, Exclusive)
	require.NoError(t, err)
	pool.MarkDirty(h, 1)
	h.Release()

	require.NoError(t, pool.FlushAll(ctx))

	s := pool.shardFor(id)
	s.mu.Lock()
	dirty := s.table[id].dirty
	s.mu.Unlock()
	require.False(t, dirty, "FlushAll must clear the frame's dirty flag")

	got, err := disk.Read(ctx, id)
	require.NoError(t, err)
	require.True(t, got.Verify())
}

func TestPinLoadsFromDiskWhenNotResident(t *testing.T) {
	ctx := context.Background()
	pool, disk, _ := newTestPool(t, 8)

	id := disk.Allocate()
	buf := page.New(4096, page.KindLeafNode)
	copy(buf.Body(), []byte("from-disk"))
	buf.Finalize()
	require.NoError(t, disk.Write(ctx, id, buf))

	h, err := pool.Pin(ctx, id, Shared)
	require.NoError(t, err)
	require.Equal(t, []byte("from-disk"), h.Page().Body()[:9])
	h.Release()
}
