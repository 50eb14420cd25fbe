// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package lfkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:               t.TempDir(),
		PageSize:           4096,
		BufferPoolCapacity: 64,
		BufferPoolShards:   4,
		CheckpointInterval: time.Hour,
		GCInterval:         time.Hour,
	}
}

func TestOpenBootstrapsFreshDatabase(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()

	err = db.View(context.Background(), func(ctx context.Context, tx *Tx) error {
		_, ok, err := tx.Get(ctx, []byte("missing"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateThenViewRoundTrip(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Insert(ctx, []byte("k"), []byte("v"))
	}))

	require.NoError(t, db.View(ctx, func(ctx context.Context, tx *Tx) error {
		val, ok, err := tx.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), val)
		return nil
	}))
}

func TestUpdateRollsBackOnCallbackError(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	sentinel := errFromCallback{}
	err = db.Update(ctx, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Insert(ctx, []byte("k"), []byte("v")))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	require.NoError(t, db.View(ctx, func(ctx context.Context, tx *Tx) error {
		_, ok, err := tx.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.False(t, ok, "a failed Update must never leave its writes visible")
		return nil
	}))
}

type errFromCallback struct{}

func (errFromCallback) Error() string { return "callback failed" }

func TestScanReturnsKeysInRange(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Update(ctx, func(ctx context.Context, tx *Tx) error {
			return tx.Insert(ctx, []byte(k), []byte(k))
		}))
	}

	var got []string
	require.NoError(t, db.View(ctx, func(ctx context.Context, tx *Tx) error {
		it, err := tx.Scan(ctx, []byte("b"), []byte("d"))
		require.NoError(t, err)
		defer it.Close()
		for {
			k, _, ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, string(k))
		}
		return nil
	}))
	require.Equal(t, []string{"b", "c"}, got)
}

func TestCheckpointIsIdempotentAndPreservesData(t *testing.T) {
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Insert(ctx, []byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Checkpoint(ctx))
	require.NoError(t, db.Checkpoint(ctx))

	require.NoError(t, db.View(ctx, func(ctx context.Context, tx *Tx) error {
		val, ok, err := tx.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v"), val)
		return nil
	}))
}

// TestRecoveryReplaysUncheckpointedCommits simulates a crash: the engine's
// background loops and underlying files are torn down directly, bypassing
// the graceful Close (and the checkpoint it would otherwise run), then
// reopened against the same directory.
func TestRecoveryReplaysUncheckpointedCommits(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, db.Update(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Insert(ctx, []byte("k1"), []byte("v1"))
	}))
	require.NoError(t, db.Update(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Insert(ctx, []byte("k2"), []byte("v2"))
	}))

	close(db.closing)
	db.wg.Wait()
	require.NoError(t, db.wal.Close())
	require.NoError(t, db.disk.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(ctx, func(ctx context.Context, tx *Tx) error {
		v1, ok, err := tx.Get(ctx, []byte("k1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v1"), v1)

		v2, ok, err := tx.Get(ctx, []byte("k2"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("v2"), v2)
		return nil
	}))
}

func TestRecoveryResolvesInFlightTransactionAsAborted(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := Open(cfg)
	require.NoError(t, err)

	tx := db.Begin()
	require.NoError(t, tx.Insert(ctx, []byte("pending"), []byte("v")))
	// No Commit or Abort — this transaction's fate is decided by recovery.

	close(db.closing)
	db.wg.Wait()
	require.NoError(t, db.wal.Close())
	require.NoError(t, db.disk.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.View(ctx, func(ctx context.Context, tx *Tx) error {
		_, ok, err := tx.Get(ctx, []byte("pending"))
		require.NoError(t, err)
		require.False(t, ok, "a transaction with no Commit or Abort record must resolve as aborted")
		return nil
	}))
}
