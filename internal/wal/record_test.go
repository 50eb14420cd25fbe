// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lfkv/internal/page"
)

func TestRecordEncodeDecodeRoundTripEveryType(t *testing.T) {
	cases := []Record{
		{Type: TypeBegin, LSN: 1, TxID: 5},
		{Type: TypeInsert, LSN: 2, TxID: 5, PageID: 9, PrevVersionLSN: 1, Key: []byte("k"), Value: []byte("v")},
		{Type: TypeUpdate, LSN: 3, TxID: 5, PageID: 9, Key: []byte("k"), Value: []byte("v2")},
		{Type: TypeDelete, LSN: 4, TxID: 5, PageID: 9, Key: []byte("k")},
		{Type: TypeCommit, LSN: 5, TxID: 5, CommitTS: 42},
		{Type: TypeAbort, LSN: 6, TxID: 5},
		{Type: TypePageAlloc, LSN: 7, PageID: 11},
		{Type: TypePageFree, LSN: 8, PageID: 11, SafeTS: 100},
		{Type: TypeCheckpoint, LSN: 9, ActiveTxIDs: []uint64{1, 2, 3}, DirtyPages: []page.ID{4, 5}, OldestSnapshot: 7},
	}

	for _, want := range cases {
		buf := Encode(want)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.LSN, got.LSN)
		require.Equal(t, want.TxID, got.TxID)
		require.Equal(t, want.PageID, got.PageID)
		require.Equal(t, want.Key, got.Key)
		require.Equal(t, want.Value, got.Value)
		require.Equal(t, want.CommitTS, got.CommitTS)
		require.Equal(t, want.SafeTS, got.SafeTS)
		require.Equal(t, want.ActiveTxIDs, got.ActiveTxIDs)
		require.Equal(t, want.DirtyPages, got.DirtyPages)
		require.Equal(t, want.OldestSnapshot, got.OldestSnapshot)
	}
}

func TestDecodeDetectsCorruptChecksum(t *testing.T) {
	buf := Encode(Record{Type: TypeCommit, LSN: 1, TxID: 1, CommitTS: 1})
	buf[len(buf)-1] ^= 0xff

	_, _, err := Decode(buf)
	require.Error(t, err)
}

func TestDecodeDetectsTruncatedRecord(t *testing.T) {
	buf := Encode(Record{Type: TypeCommit, LSN: 1, TxID: 1, CommitTS: 1})
	_, _, err := Decode(buf[:len(buf)-2])
	require.Error(t, err)
}

func TestDecodeMultipleRecordsBackToBack(t *testing.T) {
	var buf []byte
	buf = append(buf, Encode(Record{Type: TypeBegin, LSN: 1, TxID: 1})...)
	buf = append(buf, Encode(Record{Type: TypeCommit, LSN: 2, TxID: 1, CommitTS: 5})...)

	r1, n1, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, TypeBegin, r1.Type)

	r2, _, err := Decode(buf[n1:])
	require.NoError(t, err)
	require.Equal(t, TypeCommit, r2.Type)
}
