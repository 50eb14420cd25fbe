// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// Allocator hands out fresh page ids. Satisfied by *diskio.Controller, or
// by a free-list-aware wrapper that recycles reclaimed pages first (§4.5).
type Allocator interface {
	Allocate() page.ID
}

// Tree is the Blink-tree index over a single keyspace (§4.4). All
// structural modifications (splits, root changes) are serialized by
// smoMu; reads and in-place updates proceed concurrently against the
// buffer pool's per-page locks. Concurrent readers still see a
// left-to-right consistent tree at every instant via the Lehman-Yao
// high-key/right-link discipline, even while a writer is mid-split.
type Tree struct {
	pool     *bufpool.Pool
	alloc    Allocator
	pageSize int
	log      *zap.Logger

	root  atomic.Uint64
	smoMu sync.Mutex
}

// New builds a Tree rooted at rootID.
func New(pool *bufpool.Pool, alloc Allocator, pageSize int, rootID page.ID, log *zap.Logger) *Tree {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tree{pool: pool, alloc: alloc, pageSize: pageSize, log: log}
	t.root.Store(uint64(rootID))
	return t
}

// RootID reports the current root page id, for meta persistence.
func (t *Tree) RootID() page.ID {
	return page.ID(t.root.Load())
}

// Bootstrap allocates and writes a fresh, empty root leaf, for a brand new
// database.
func Bootstrap(ctx context.Context, pool *bufpool.Pool, alloc Allocator, pageSize int) (page.ID, error) {
	id := alloc.Allocate()
	empty := &Node{Kind: page.KindLeafNode}
	buf, err := Encode(pageSize, empty)
	if err != nil {
		return 0, err
	}
	h, err := pool.Adopt(ctx, id, buf, bufpool.Exclusive)
	if err != nil {
		return 0, err
	}
	pool.MarkDirty(h, 0)
	h.Release()
	return id, nil
}

// descendToLeaf walks from the root to the leaf that owns key, chasing
// right-links whenever a high key is exceeded. Returns the pinned leaf
// handle and its decoded form; caller must Release the handle.
func (t *Tree) descendToLeaf(ctx context.Context, key []byte, mode bufpool.Mode) (*bufpool.Handle, *Node, error) {
	id := t.RootID()
	for {
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return nil, nil, err
		}
		n, err := Decode(h.Page())
		if err != nil {
			h.Release()
			return nil, nil, err
		}

		if len(n.HighKey) > 0 && bytes.Compare(key, n.HighKey) >= 0 && n.RightLink != 0 {
			next := n.RightLink
			h.Release()
			id = next
			continue
		}

		if n.IsLeaf() {
			if mode == bufpool.Shared {
				return h, n, nil
			}
			// Caller needs exclusive access; re-pin and re-decode since the
			// page may have changed between the shared peek and now.
			h.Release()
			h, err = t.pool.Pin(ctx, id, bufpool.Exclusive)
			if err != nil {
				return nil, nil, err
			}
			n, err = Decode(h.Page())
			if err != nil {
				h.Release()
				return nil, nil, err
			}
			if len(n.HighKey) > 0 && bytes.Compare(key, n.HighKey) >= 0 {
				// Lost a race with a concurrent split; retry from here.
				next := n.RightLink
				h.Release()
				id = next
				continue
			}
			return h, n, nil
		}

		child, ok := n.FindChild(key)
		h.Release()
		if !ok {
			if n.RightLink == 0 {
				return nil, nil, fmt.Errorf("descend: no route for key: %w", lfkverr.ErrInvariant)
			}
			id = n.RightLink
			continue
		}
		id = child
	}
}

// descendPath walks from the root to leafID's immediate ancestor chain,
// recording every internal node id visited. Used by writers, which hold
// smoMu so the tree cannot be mid-split; no right-link chasing is needed.
func (t *Tree) descendPath(ctx context.Context, key []byte) (path []page.ID, leafID page.ID, err error) {
	id := t.RootID()
	for {
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return nil, 0, err
		}
		n, err := Decode(h.Page())
		h.Release()
		if err != nil {
			return nil, 0, err
		}
		if n.IsLeaf() {
			return path, id, nil
		}
		path = append(path, id)
		child, ok := n.FindChild(key)
		if !ok {
			return nil, 0, fmt.Errorf("descend path: no route for key: %w", lfkverr.ErrInvariant)
		}
		id = child
	}
}

// Get resolves key under snapshot s, following overflow chains as needed.
func (t *Tree) Get(ctx context.Context, key []byte, s Snapshot) ([]byte, bool, error) {
	h, n, err := t.descendToLeaf(ctx, key, bufpool.Shared)
	if err != nil {
		return nil, false, err
	}
	idx, found := n.FindLeafEntry(key)
	if !found {
		h.Release()
		return nil, false, nil
	}
	v, ok := pick(n.Leaf[idx].Chain, s)
	h.Release()
	if !ok || v.Tombstone {
		return nil, false, nil
	}
	if v.Overflow {
		val, err := t.readOverflow(ctx, decodeOverflowPointer(v.Value))
		return val, true, err
	}
	return v.Value, true, nil
}

// mutateKey applies fn to key's current chain (nil if absent) and installs
// the result, splitting nodes up to the root as needed. lsn is the WAL
// record already durable-pending for this change; every newly dirtied
// frame is marked with it so the buffer pool enforces the WAL rule (§5).
// fn returning a nil chain with ok=false deletes the entry outright.
func (t *Tree) mutateKey(ctx context.Context, key []byte, lsn uint64, fn func(chain []Version) (newChain []Version, ok bool, err error)) error {
	t.smoMu.Lock()
	defer t.smoMu.Unlock()

	path, leafID, err := t.descendPath(ctx, key)
	if err != nil {
		return err
	}

	h, err := t.pool.Pin(ctx, leafID, bufpool.Exclusive)
	if err != nil {
		return err
	}
	n, err := Decode(h.Page())
	if err != nil {
		h.Release()
		return err
	}

	idx, found := n.FindLeafEntry(key)
	var chain []Version
	if found {
		chain = n.Leaf[idx].Chain
	}
	newChain, keep, err := fn(chain)
	if err != nil {
		h.Release()
		return err
	}

	switch {
	case !keep && found:
		n.Leaf = append(n.Leaf[:idx], n.Leaf[idx+1:]...)
	case keep && found:
		n.Leaf[idx].Chain = newChain
	case keep && !found:
		entry := LeafEntry{Key: append([]byte(nil), key...), Chain: newChain}
		n.Leaf = append(n.Leaf, LeafEntry{})
		copy(n.Leaf[idx+1:], n.Leaf[idx:])
		n.Leaf[idx] = entry
	default:
		h.Release()
		return nil
	}

	if encoded, encErr := Encode(t.pageSize, n); encErr == nil {
		copy(h.Page(), encoded)
		t.pool.MarkDirty(h, lsn)
		h.Release()
		return nil
	}

	left, right, rightID, splitErr := t.splitLeaf(n)
	if splitErr != nil {
		h.Release()
		return splitErr
	}
	leftEncoded, err := Encode(t.pageSize, left)
	if err != nil {
		h.Release()
		return fmt.Errorf("encode split left leaf: %w", err)
	}
	rightEncoded, err := Encode(t.pageSize, right)
	if err != nil {
		h.Release()
		return fmt.Errorf("encode split right leaf: %w", err)
	}
	copy(h.Page(), leftEncoded)
	t.pool.MarkDirty(h, lsn)
	h.Release()

	rh, err := t.pool.Adopt(ctx, rightID, rightEncoded, bufpool.Exclusive)
	if err != nil {
		return err
	}
	t.pool.MarkDirty(rh, lsn)
	rh.Release()

	return t.propagateSplit(ctx, path, leafID, left.MaxKey(), rightID, right.HighKey, lsn)
}

// checkWriteConflict enforces first-committer-wins against chain's head
// before a new pending version from snap is installed (§4.4 Insert/Update):
// a pending version from a different in-flight transaction is a write-write
// race, and a committed version newer than snap's own horizon means someone
// else already committed over the state snap read. Returns the chain with
// its own stale pending head (if any) already stripped.
func checkWriteConflict(chain []Version, snap Snapshot, op, key string) ([]Version, error) {
	if len(chain) == 0 {
		return chain, nil
	}
	if chain[0].CommitTS == 0 {
		if chain[0].CreatorTxID != snap.TxID {
			return nil, fmt.Errorf("%s %q: %w", op, key, lfkverr.ErrWriteConflict)
		}
		return chain[1:], nil
	}
	if chain[0].CommitTS > snap.SnapshotTS {
		return nil, fmt.Errorf("%s %q: %w", op, key, lfkverr.ErrWriteConflict)
	}
	return chain, nil
}

// Upsert installs a pending version for snap's transaction, visible only to
// itself until committed. checkWriteConflict rejects the write immediately
// if the chain's newest version is either pending under another
// transaction or committed after snap's own horizon (§4.4 Insert/Update,
// first-committer-wins). Because mutateKey serializes every writer
// tree-wide, once this check passes no other transaction can slip in a
// conflicting commit before snap's own transaction finalizes.
func (t *Tree) Upsert(ctx context.Context, key, value []byte, snap Snapshot, lsn uint64) error {
	var overflowHead page.ID
	var isOverflow bool
	if len(value) > t.inlineValueLimit() {
		head, err := t.writeOverflow(ctx, value)
		if err != nil {
			return err
		}
		overflowHead, isOverflow = head, true
	}

	return t.mutateKey(ctx, key, lsn, func(chain []Version) ([]Version, bool, error) {
		chain, err := checkWriteConflict(chain, snap, "upsert", string(key))
		if err != nil {
			return nil, false, err
		}
		v := Version{CreatorTxID: snap.TxID, Overflow: isOverflow}
		if isOverflow {
			v.Value = encodeOverflowPointer(overflowHead)
		} else {
			v.Value = append([]byte(nil), value...)
		}
		return append([]Version{v}, chain...), true, nil
	})
}

// Remove installs a pending tombstone version for snap's transaction,
// subject to the same first-committer-wins check as Upsert.
func (t *Tree) Remove(ctx context.Context, key []byte, snap Snapshot, lsn uint64) error {
	return t.mutateKey(ctx, key, lsn, func(chain []Version) ([]Version, bool, error) {
		chain, err := checkWriteConflict(chain, snap, "remove", string(key))
		if err != nil {
			return nil, false, err
		}
		v := Version{CreatorTxID: snap.TxID, Tombstone: true}
		return append([]Version{v}, chain...), true, nil
	})
}

// FinalizeCommit stamps key's pending version from txid with commitTS,
// making it visible to future snapshots.
func (t *Tree) FinalizeCommit(ctx context.Context, key []byte, txid, commitTS, lsn uint64) error {
	return t.mutateKey(ctx, key, lsn, func(chain []Version) ([]Version, bool, error) {
		if len(chain) == 0 || chain[0].CommitTS != 0 || chain[0].CreatorTxID != txid {
			return nil, false, fmt.Errorf("finalize %q: %w", key, lfkverr.ErrInvariant)
		}
		chain[0].CommitTS = commitTS
		return chain, true, nil
	})
}

// FinalizeAbort drops key's pending version from txid.
func (t *Tree) FinalizeAbort(ctx context.Context, key []byte, txid uint64, lsn uint64) error {
	return t.mutateKey(ctx, key, lsn, func(chain []Version) ([]Version, bool, error) {
		if len(chain) == 0 || chain[0].CommitTS != 0 || chain[0].CreatorTxID != txid {
			return chain, len(chain) > 0, nil
		}
		rest := chain[1:]
		return rest, len(rest) > 0, nil
	})
}

// HasVersionFrom reports whether key's chain already contains a version
// created by txid, used by crash recovery to avoid double-applying a WAL
// record against a page the buffer pool had already flushed before the
// crash (§4.3 Replay).
func (t *Tree) HasVersionFrom(ctx context.Context, key []byte, txid uint64) (bool, error) {
	h, n, err := t.descendToLeaf(ctx, key, bufpool.Shared)
	if err != nil {
		return false, err
	}
	defer h.Release()
	idx, found := n.FindLeafEntry(key)
	if !found {
		return false, nil
	}
	for _, v := range n.Leaf[idx].Chain {
		if v.CreatorTxID == txid {
			return true, nil
		}
	}
	return false, nil
}
