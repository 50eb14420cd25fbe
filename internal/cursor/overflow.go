// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// overflowHeaderSize is the next-page-id and payload-length prefix at the
// front of every Overflow-kind page body.
const overflowHeaderSize = 8 + 2

// inlineValueLimit is the largest value a leaf entry stores inline. Larger
// values spill across a chain of Overflow pages, leaving only an 8-byte
// head pointer in the version chain.
func (t *Tree) inlineValueLimit() int {
	return page.BodySize(t.pageSize) / 4
}

// writeOverflow spills value across freshly allocated Overflow pages and
// returns the chain head's page id.
func (t *Tree) writeOverflow(ctx context.Context, value []byte) (page.ID, error) {
	chunk := page.BodySize(t.pageSize) - overflowHeaderSize
	if chunk <= 0 {
		return 0, fmt.Errorf("page too small for overflow chunks: %w", lfkverr.ErrInvariant)
	}

	var headID page.ID
	var prev *bufpool.Handle
	for off := 0; off < len(value); off += chunk {
		end := min(off+chunk, len(value))
		part := value[off:end]

		id := t.alloc.Allocate()
		buf := page.New(t.pageSize, page.KindOverflow)
		body := buf.Body()
		binary.LittleEndian.PutUint16(body[8:10], uint16(len(part)))
		copy(body[overflowHeaderSize:], part)
		buf.SetFreeOffset(uint16(page.HeaderSize + overflowHeaderSize + len(part)))
		buf.SetEntryCount(1)
		buf.Finalize()

		h, err := t.pool.Adopt(ctx, id, buf, bufpool.Exclusive)
		if err != nil {
			return 0, fmt.Errorf("allocate overflow page: %w", err)
		}
		if off == 0 {
			headID = id
		}
		if prev != nil {
			binary.LittleEndian.PutUint64(prev.Page().Body()[0:8], uint64(id))
			prev.Page().Finalize()
			prev.Release()
		}
		prev = h
	}
	if prev != nil {
		prev.Release()
	}
	return headID, nil
}

// readOverflow reassembles a value spilled by writeOverflow.
func (t *Tree) readOverflow(ctx context.Context, head page.ID) ([]byte, error) {
	var out []byte
	id := head
	for id != 0 {
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return nil, fmt.Errorf("read overflow page %d: %w", id, err)
		}
		body := h.Page().Body()
		next := page.ID(binary.LittleEndian.Uint64(body[0:8]))
		n := binary.LittleEndian.Uint16(body[8:10])
		out = append(out, body[overflowHeaderSize:overflowHeaderSize+int(n)]...)
		h.Release()
		id = next
	}
	return out, nil
}

// encodeOverflowPointer packs a page id into the 8-byte form stored as a
// Version's Value when Overflow is set.
func encodeOverflowPointer(id page.ID) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(id))
	return b
}

func decodeOverflowPointer(b []byte) page.ID {
	return page.ID(binary.LittleEndian.Uint64(b))
}
