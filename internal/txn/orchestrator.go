// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package txn implements the Transaction Orchestrator (§4.6): transaction
// id and commit timestamp assignment, the active-transaction registry,
// snapshot construction, and first-committer-wins conflict detection.
package txn

import (
	"sync"

	"github.com/dacapoday/lfkv/internal/cursor"
)

// state is a transaction's lifecycle stage.
type state uint8

const (
	active state = iota
	committed
	aborted
)

// info is the orchestrator's bookkeeping for one in-flight transaction.
type info struct {
	id         uint64
	snapshotTS uint64
	state      state
	writeSet   map[string]struct{}
}

// Orchestrator assigns transaction ids and commit timestamps from two
// monotonic counters, tracks every active transaction's snapshot horizon,
// and remembers recently aborted transactions until a GC generation
// confirms their pending versions are gone (§4.6, §4.4 GC).
type Orchestrator struct {
	mu           sync.Mutex
	nextTxID     uint64
	nextCommitTS uint64
	active       map[uint64]*info
	abortedTxIDs map[uint64]struct{}
}

// New builds an Orchestrator starting its counters after the given
// recovered high-water marks (0, 0 for a brand-new database).
func New(lastTxID, lastCommitTS uint64) *Orchestrator {
	return &Orchestrator{
		nextTxID:     lastTxID + 1,
		nextCommitTS: lastCommitTS + 1,
		active:       make(map[uint64]*info),
		abortedTxIDs: make(map[uint64]struct{}),
	}
}

// Begin registers a new active transaction and returns its id and
// snapshot timestamp: the highest commit timestamp already assigned, so
// the transaction sees every version committed strictly before it began.
func (o *Orchestrator) Begin() (txid uint64, snapshot cursor.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextTxID
	o.nextTxID++
	snap := o.nextCommitTS - 1
	o.active[id] = &info{id: id, snapshotTS: snap, state: active, writeSet: make(map[string]struct{})}
	return id, cursor.Snapshot{TxID: id, SnapshotTS: snap}
}

// Snapshot reports the currently-recorded snapshot for an active
// transaction, for read operations issued mid-transaction.
func (o *Orchestrator) Snapshot(txid uint64) cursor.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.active[txid]
	if i == nil {
		return cursor.Snapshot{TxID: txid}
	}
	return cursor.Snapshot{TxID: txid, SnapshotTS: i.snapshotTS}
}

// TrackWrite records that txid wrote key, for conflict checking and
// commit/abort fanout.
func (o *Orchestrator) TrackWrite(txid uint64, key []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i := o.active[txid]; i != nil {
		i.writeSet[string(key)] = struct{}{}
	}
}

// WriteSet returns the keys txid has written so far.
func (o *Orchestrator) WriteSet(txid uint64) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.active[txid]
	if i == nil {
		return nil
	}
	keys := make([][]byte, 0, len(i.writeSet))
	for k := range i.writeSet {
		keys = append(keys, []byte(k))
	}
	return keys
}

// AssignCommitTS hands out the next commit timestamp for a transaction
// that has passed conflict validation. The caller must WAL-log the commit
// with this timestamp before calling FinishCommit.
func (o *Orchestrator) AssignCommitTS() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.nextCommitTS
	o.nextCommitTS++
	return ts
}

// FinishCommit removes txid from the active set once its versions are
// finalized durable.
func (o *Orchestrator) FinishCommit(txid uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, txid)
}

// FinishAbort removes txid from the active set and remembers it as
// aborted, so the GC pipeline can recognize and discard its pending
// versions even if it raced the abort.
func (o *Orchestrator) FinishAbort(txid uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, txid)
	o.abortedTxIDs[txid] = struct{}{}
}

// MinSnapshot returns the oldest snapshot timestamp any active
// transaction still depends on — the GC horizon (§4.4). With no active
// transactions, it is the most recently assigned commit timestamp.
func (o *Orchestrator) MinSnapshot() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	min := o.nextCommitTS - 1
	for _, i := range o.active {
		if i.snapshotTS < min {
			min = i.snapshotTS
		}
	}
	return min
}

// IsAborted reports whether txid is a known-aborted transaction, for GC's
// pending-version cleanup.
func (o *Orchestrator) IsAborted(txid uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.abortedTxIDs[txid]
	return ok
}

// ForgetAborted clears the aborted-transaction set, called once a GC
// generation completes — by then every pending version those
// transactions left behind has already been pruned.
func (o *Orchestrator) ForgetAborted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abortedTxIDs = make(map[uint64]struct{})
}

// LastTxID and LastCommitTS report the high-water marks for checkpoint
// persistence, so recovery can resume the counters past them.
func (o *Orchestrator) LastTxID() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextTxID - 1
}

func (o *Orchestrator) LastCommitTS() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextCommitTS - 1
}

// ActiveTxIDs lists every currently active transaction id, for checkpoint
// records (§4.3).
func (o *Orchestrator) ActiveTxIDs() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]uint64, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}
