// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"encoding/binary"
	"sync"

	"go.uber.org/zap"

	"github.com/dacapoday/lfkv/internal/bufpool"
	"github.com/dacapoday/lfkv/internal/page"
)

// GCPolicy supplies the two facts a GC generation needs from the
// transaction orchestrator: the oldest snapshot timestamp still in use,
// and whether a given transaction id ultimately aborted.
type GCPolicy interface {
	MinSnapshot() uint64
	IsAborted(txid uint64) bool
}

// GCConfig controls a single GC generation (§4.6).
type GCConfig struct {
	Workers int
	Policy  GCPolicy
	Logger  *zap.Logger
}

func (c *GCConfig) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// GCStats summarizes one generation's work.
type GCStats struct {
	LeavesScanned       int
	EntriesDropped      int
	VersionsPruned      int
	OverflowPagesFreed  int
}

// RunGC performs one garbage-collection generation across the whole tree,
// as four pipelined stages connected by bounded channels: scan (walk
// leaves leftmost to rightmost), check (does this leaf have anything
// prunable), prune (rewrite the leaf dropping dead versions and expired
// entries), and reclaim (free the overflow page chains those versions
// held). onFreePage is invoked for every overflow page a pruned version
// releases, so the caller's free list can record it against the current
// safe timestamp (§4.5).
//
// Leaf rewrites here are not WAL-logged: GC only ever removes versions
// already proven invisible to every live or future snapshot, so a crash
// before the rewrite reaches disk just means the same dead weight is
// rediscovered and pruned again next generation — never a correctness
// issue, only a deferred reclaim.
func (t *Tree) RunGC(ctx context.Context, cfg GCConfig, onFreePage func(page.ID)) (GCStats, error) {
	cfg.withDefaults()

	scanCh := make(chan page.ID, cfg.Workers*2)
	pruneCh := make(chan page.ID, cfg.Workers*2)
	reclaimCh := make(chan page.ID, cfg.Workers*4)

	var stats GCStats
	var statsMu sync.Mutex
	var errOnce sync.Once
	var firstErr error
	setErr := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	var reclaimWG, pruneWG, checkWG sync.WaitGroup

	reclaimWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer reclaimWG.Done()
			for id := range reclaimCh {
				if err := t.freeOverflowChain(ctx, id, onFreePage); err != nil {
					setErr(err)
					continue
				}
				statsMu.Lock()
				stats.OverflowPagesFreed++
				statsMu.Unlock()
			}
		}()
	}

	pruneWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer pruneWG.Done()
			for id := range pruneCh {
				versionsPruned, entriesDropped, err := t.pruneLeaf(ctx, id, cfg.Policy, reclaimCh)
				if err != nil {
					setErr(err)
					continue
				}
				statsMu.Lock()
				stats.VersionsPruned += versionsPruned
				stats.EntriesDropped += entriesDropped
				statsMu.Unlock()
			}
		}()
	}

	checkWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer checkWG.Done()
			for id := range scanCh {
				statsMu.Lock()
				stats.LeavesScanned++
				statsMu.Unlock()
				needs, err := t.leafNeedsPrune(ctx, id, cfg.Policy)
				if err != nil {
					setErr(err)
					continue
				}
				if needs {
					pruneCh <- id
				}
			}
		}()
	}

	go func() {
		checkWG.Wait()
		close(pruneCh)
	}()
	go func() {
		pruneWG.Wait()
		close(reclaimCh)
	}()

	scanErr := t.scanLeaves(ctx, scanCh)
	close(scanCh)
	reclaimWG.Wait()

	if scanErr != nil {
		return stats, scanErr
	}
	return stats, firstErr
}

// scanLeaves walks every leaf left to right, feeding ids into out.
func (t *Tree) scanLeaves(ctx context.Context, out chan<- page.ID) error {
	id := t.RootID()
	for {
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return err
		}
		n, err := Decode(h.Page())
		h.Release()
		if err != nil {
			return err
		}
		if n.IsLeaf() {
			break
		}
		id = n.Internal[0].Child
	}

	for id != 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return err
		}
		n, err := Decode(h.Page())
		h.Release()
		if err != nil {
			return err
		}
		out <- id
		id = n.RightLink
	}
	return nil
}

// leafNeedsPrune reports whether any entry in leaf id has a version the
// GC policy would remove.
func (t *Tree) leafNeedsPrune(ctx context.Context, id page.ID, policy GCPolicy) (bool, error) {
	h, err := t.pool.Pin(ctx, id, bufpool.Shared)
	if err != nil {
		return false, err
	}
	defer h.Release()
	n, err := Decode(h.Page())
	if err != nil {
		return false, err
	}
	for _, e := range n.Leaf {
		if prunedChain(e.Chain, policy, nil) {
			return true, nil
		}
	}
	return false, nil
}

// prunedChain reports whether pruning chain under policy would change it.
// When freed is non-nil, it receives the overflow head of every removed
// version and the function instead returns whether the entry is dropped
// (no version of it survives).
func prunedChain(chain []Version, policy GCPolicy, freed chan<- page.ID) bool {
	kept, dropped := pruneVersions(chain, policy, freed)
	if freed != nil {
		return kept == nil
	}
	return dropped
}

// pruneVersions applies the GC retention rule: an aborted pending version
// is always removable; among committed versions the first one at or below
// the minimum live snapshot is the retention boundary — anything older is
// unreachable from any snapshot and is removed too.
func pruneVersions(chain []Version, policy GCPolicy, freed chan<- page.ID) (kept []Version, changed bool) {
	boundaryKept := false
	for _, v := range chain {
		if v.CommitTS == 0 {
			if policy.IsAborted(v.CreatorTxID) {
				if v.Overflow && freed != nil {
					freed <- decodeOverflowPointer(v.Value)
				}
				changed = true
				continue
			}
			kept = append(kept, v)
			continue
		}
		if boundaryKept {
			if v.Overflow && freed != nil {
				freed <- decodeOverflowPointer(v.Value)
			}
			changed = true
			continue
		}
		kept = append(kept, v)
		if v.CommitTS <= policy.MinSnapshot() {
			boundaryKept = true
		}
	}
	if len(kept) == 1 && kept[0].Tombstone && kept[0].CommitTS != 0 && kept[0].CommitTS <= policy.MinSnapshot() {
		if kept[0].Overflow && freed != nil {
			freed <- decodeOverflowPointer(kept[0].Value)
		}
		return nil, true
	}
	return kept, changed
}

// pruneLeaf rewrites leaf id in place, dropping dead versions and empty
// entries, freeing any overflow chains those versions owned.
func (t *Tree) pruneLeaf(ctx context.Context, id page.ID, policy GCPolicy, reclaimCh chan<- page.ID) (versionsPruned, entriesDropped int, err error) {
	h, err := t.pool.Pin(ctx, id, bufpool.Exclusive)
	if err != nil {
		return 0, 0, err
	}
	defer h.Release()
	n, err := Decode(h.Page())
	if err != nil {
		return 0, 0, err
	}

	survivors := n.Leaf[:0]
	for _, e := range n.Leaf {
		kept, changed := pruneVersions(e.Chain, policy, reclaimCh)
		if !changed {
			survivors = append(survivors, e)
			continue
		}
		versionsPruned += len(e.Chain) - len(kept)
		if kept == nil {
			entriesDropped++
			continue
		}
		survivors = append(survivors, LeafEntry{Key: e.Key, Chain: kept})
	}
	if versionsPruned == 0 && entriesDropped == 0 {
		return 0, 0, nil
	}
	n.Leaf = survivors

	encoded, err := Encode(t.pageSize, n)
	if err != nil {
		return 0, 0, err
	}
	copy(h.Page(), encoded)
	t.pool.MarkDirty(h, 0)
	return versionsPruned, entriesDropped, nil
}

// freeOverflowChain walks an overflow value's page chain, reporting each
// page id to onFreePage so the caller's free list can recycle it.
func (t *Tree) freeOverflowChain(ctx context.Context, head page.ID, onFreePage func(page.ID)) error {
	id := head
	for id != 0 {
		h, err := t.pool.Pin(ctx, id, bufpool.Shared)
		if err != nil {
			return err
		}
		next := page.ID(binary.LittleEndian.Uint64(h.Page().Body()[0:8]))
		h.Release()
		if onFreePage != nil {
			onFreePage(id)
		}
		id = next
	}
	return nil
}
