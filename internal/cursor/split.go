// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"fmt"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// splitLeaf divides an overflowing leaf in two, preserving sort order. The
// left half keeps the original page id (assigned by the caller); the right
// half gets a newly allocated id. Both halves must individually fit a page
// or split fails — a single entry too large even alone indicates a bug in
// overflow spilling, not a condition callers should try to recover from.
func (t *Tree) splitLeaf(n *Node) (left, right *Node, rightID page.ID, err error) {
	entries := n.Leaf
	mid := len(entries) / 2
	for trial := 0; trial < len(entries); trial++ {
		l := &Node{Kind: page.KindLeafNode, Leaf: entries[:mid]}
		r := &Node{Kind: page.KindLeafNode, Leaf: entries[mid:]}
		if len(r.Leaf) == 0 {
			mid--
			continue
		}
		l.HighKey = r.Leaf[0].Key
		r.HighKey = n.HighKey
		if l.EncodedSize() <= page.BodySize(t.pageSize) && r.EncodedSize() <= page.BodySize(t.pageSize) {
			id := t.alloc.Allocate()
			r.RightLink = n.RightLink
			l.RightLink = id
			return l, r, id, nil
		}
		if mid == 0 {
			break
		}
		mid--
	}
	return nil, nil, 0, fmt.Errorf("split leaf: no balanced partition fits a page: %w", lfkverr.ErrInvariant)
}

// splitInternal divides an overflowing internal node the same way.
func (t *Tree) splitInternal(n *Node) (left, right *Node, rightID page.ID, err error) {
	entries := n.Internal
	mid := len(entries) / 2
	for trial := 0; trial < len(entries); trial++ {
		l := &Node{Kind: page.KindInternalNode, Internal: entries[:mid]}
		r := &Node{Kind: page.KindInternalNode, Internal: entries[mid:]}
		if len(r.Internal) == 0 {
			mid--
			continue
		}
		l.HighKey = l.Internal[len(l.Internal)-1].Key
		r.HighKey = n.HighKey
		if l.EncodedSize() <= page.BodySize(t.pageSize) && r.EncodedSize() <= page.BodySize(t.pageSize) {
			id := t.alloc.Allocate()
			r.RightLink = n.RightLink
			l.RightLink = id
			return l, r, id, nil
		}
		if mid == 0 {
			break
		}
		mid--
	}
	return nil, nil, 0, fmt.Errorf("split internal: no balanced partition fits a page: %w", lfkverr.ErrInvariant)
}

// propagateSplit inserts the separator for a newly split child into its
// parent, walking up path (root-to-parent order) and splitting ancestors
// in turn as needed. When path is empty the split child was the root
// itself, so a new root is created above it.
func (t *Tree) propagateSplit(ctx context.Context, path []page.ID, childID page.ID, leftMax []byte, rightID page.ID, rightHigh []byte, lsn uint64) error {
	if len(path) == 0 {
		return t.growRoot(ctx, childID, leftMax, rightID, rightHigh, lsn)
	}

	parentID := path[len(path)-1]
	rest := path[:len(path)-1]

	h, err := t.pool.Pin(ctx, parentID, bufpool.Exclusive)
	if err != nil {
		return err
	}
	n, err := Decode(h.Page())
	if err != nil {
		h.Release()
		return err
	}

	idx := -1
	for i, e := range n.Internal {
		if e.Child == childID {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.Release()
		return fmt.Errorf("propagate split: parent lost child routing entry: %w", lfkverr.ErrInvariant)
	}
	n.Internal[idx].Key = leftMax
	n.Internal = append(n.Internal, InternalEntry{})
	copy(n.Internal[idx+2:], n.Internal[idx+1:])
	n.Internal[idx+1] = InternalEntry{Key: rightHigh, Child: rightID}

	if encoded, encErr := Encode(t.pageSize, n); encErr == nil {
		copy(h.Page(), encoded)
		t.pool.MarkDirty(h, lsn)
		h.Release()
		return nil
	}

	left, right, newRightID, splitErr := t.splitInternal(n)
	if splitErr != nil {
		h.Release()
		return splitErr
	}
	leftEncoded, err := Encode(t.pageSize, left)
	if err != nil {
		h.Release()
		return err
	}
	rightEncoded, err := Encode(t.pageSize, right)
	if err != nil {
		h.Release()
		return err
	}
	copy(h.Page(), leftEncoded)
	t.pool.MarkDirty(h, lsn)
	h.Release()

	rh, err := t.pool.Adopt(ctx, newRightID, rightEncoded, bufpool.Exclusive)
	if err != nil {
		return err
	}
	t.pool.MarkDirty(rh, lsn)
	rh.Release()

	return t.propagateSplit(ctx, rest, parentID, left.MaxKey(), newRightID, right.HighKey, lsn)
}

// growRoot builds a new internal root over the two halves of a split root.
func (t *Tree) growRoot(ctx context.Context, leftID page.ID, leftMax []byte, rightID page.ID, rightHigh []byte, lsn uint64) error {
	root := &Node{
		Kind: page.KindInternalNode,
		Internal: []InternalEntry{
			{Key: leftMax, Child: leftID},
			{Key: rightHigh, Child: rightID},
		},
	}
	buf, err := Encode(t.pageSize, root)
	if err != nil {
		return fmt.Errorf("encode new root: %w", err)
	}
	id := t.alloc.Allocate()
	h, err := t.pool.Adopt(ctx, id, buf, bufpool.Exclusive)
	if err != nil {
		return err
	}
	t.pool.MarkDirty(h, lsn)
	h.Release()
	t.root.Store(uint64(id))
	return nil
}
