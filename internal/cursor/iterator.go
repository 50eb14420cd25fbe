// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"bytes"
	"context"

	"github.com/dacapoday/lfkv/internal/bufpool"
)

// Iterator walks leaves left to right via their right-links, yielding the
// first version of each key visible to its snapshot, skipping tombstones.
// The leaf currently under the cursor stays pinned Shared between calls to
// Next; Close (or exhausting the range) releases it.
type Iterator struct {
	tree *Tree
	ctx  context.Context
	snap Snapshot
	end  []byte // nil means unbounded

	h    *bufpool.Handle
	node *Node
	idx  int
	done bool
}

// Scan opens an iterator over [start, end). end of nil means unbounded.
func (t *Tree) Scan(ctx context.Context, start, end []byte, snap Snapshot) (*Iterator, error) {
	h, n, err := t.descendToLeaf(ctx, start, bufpool.Shared)
	if err != nil {
		return nil, err
	}
	idx, _ := n.FindLeafEntry(start)
	return &Iterator{tree: t, ctx: ctx, snap: snap, end: end, h: h, node: n, idx: idx}, nil
}

// Next advances the iterator, returning ok=false once the range or tree is
// exhausted.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	for {
		if it.done {
			return nil, nil, false, nil
		}
		if it.idx >= len(it.node.Leaf) {
			next := it.node.RightLink
			it.h.Release()
			it.h = nil
			if next == 0 {
				it.done = true
				return nil, nil, false, nil
			}
			h, perr := it.tree.pool.Pin(it.ctx, next, bufpool.Shared)
			if perr != nil {
				it.done = true
				it.h = nil
				return nil, nil, false, perr
			}
			n, derr := Decode(h.Page())
			if derr != nil {
				h.Release()
				it.done = true
				it.h = nil
				return nil, nil, false, derr
			}
			it.h, it.node, it.idx = h, n, 0
			continue
		}

		entry := it.node.Leaf[it.idx]
		it.idx++
		if it.end != nil && bytes.Compare(entry.Key, it.end) >= 0 {
			it.done = true
			it.h.Release()
			it.h = nil
			return nil, nil, false, nil
		}

		v, found := pick(entry.Chain, it.snap)
		if !found || v.Tombstone {
			continue
		}
		val := v.Value
		if v.Overflow {
			val, err = it.tree.readOverflow(it.ctx, decodeOverflowPointer(v.Value))
			if err != nil {
				it.done = true
				return nil, nil, false, err
			}
		}
		return entry.Key, val, true, nil
	}
}

// Close releases the pinned leaf early, for a scan abandoned before
// exhaustion.
func (it *Iterator) Close() {
	if it.h != nil {
		it.h.Release()
		it.h = nil
	}
	it.done = true
}
