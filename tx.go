// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import (
	"context"

	"github.com/dacapoday/lfkv/internal/cursor"
	"github.com/dacapoday/lfkv/internal/txn"
)

// Tx is a snapshot-isolated transaction against an Engine. A Tx must be
// closed exactly once, by either Commit or Abort.
type Tx struct {
	tx *txn.Tx
}

// Get reads key as of the transaction's snapshot, including its own
// uncommitted writes. ok is false if the key does not exist or has been
// removed.
func (t *Tx) Get(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	return t.tx.Get(ctx, key)
}

// Scan opens a forward iterator over [start, end) as of the transaction's
// snapshot. end of nil means unbounded.
func (t *Tx) Scan(ctx context.Context, start, end []byte) (*Iterator, error) {
	it, err := t.tx.Scan(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// Insert stages key=value as this transaction's pending version. A
// write-write conflict against the key's current chain auto-aborts the
// transaction and returns ErrWriteConflict.
func (t *Tx) Insert(ctx context.Context, key, value []byte) error {
	return t.tx.Insert(ctx, key, value)
}

// Remove stages a tombstone for key as this transaction's pending version,
// subject to the same auto-abort-on-conflict contract as Insert.
func (t *Tx) Remove(ctx context.Context, key []byte) error {
	return t.tx.Remove(ctx, key)
}

// Commit durably assigns a commit timestamp and makes every version this
// transaction staged visible to future snapshots. Write-write conflicts are
// caught earlier, by Insert/Remove.
func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Abort discards every pending version this transaction staged. Calling
// Abort after Commit (or a second time) is a no-op.
func (t *Tx) Abort(ctx context.Context) error {
	return t.tx.Abort(ctx)
}

// Iterator walks a key range in ascending order.
type Iterator struct {
	it *cursor.Iterator
}

// Next advances the iterator. ok is false once the range is exhausted.
func (it *Iterator) Next() (key, value []byte, ok bool, err error) {
	return it.it.Next()
}

// Close releases the iterator's pinned page early, for a scan abandoned
// before exhaustion.
func (it *Iterator) Close() {
	it.it.Close()
}
