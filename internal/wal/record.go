// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package wal implements the Write-Ahead Log (§4.3): segmented append-only
// records, group-commit batching, checkpointing, and crash-recovery replay.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// Type tags a WAL record's payload shape (§3).
type Type uint8

const (
	TypeBegin Type = iota + 1
	TypeInsert
	TypeUpdate
	TypeDelete
	TypeCommit
	TypeAbort
	TypePageAlloc
	TypePageFree
	TypeCheckpoint
)

// Record is a decoded WAL entry. Not every field is meaningful for every
// Type; encodePayload shows which fields each Type carries.
type Record struct {
	Type   Type
	LSN    uint64
	TxID   uint64
	PageID page.ID
	Key    []byte
	Value  []byte
	PrevVersionLSN uint64
	CommitTS       uint64
	SafeTS         uint64

	// Checkpoint-only fields.
	ActiveTxIDs    []uint64
	DirtyPages     []page.ID
	OldestSnapshot uint64
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Encode serializes r as length(u32) | type(u8) | lsn(u64) | payload | crc32c(u32).
func Encode(r Record) []byte {
	payload := encodePayload(r)
	total := 4 + 1 + 8 + len(payload) + 4
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(1+8+len(payload)))
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:13], r.LSN)
	copy(buf[13:], payload)
	sum := crc32.Checksum(buf[:13+len(payload)], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[13+len(payload):], sum)
	return buf
}

// Decode reads one record from buf, returning its byte length and any
// CRC/format error. A CRC mismatch is ErrCorrupt and signals a torn tail
// to the caller (§4.3 Replay).
func Decode(buf []byte) (r Record, n int, err error) {
	if len(buf) < 4 {
		return r, 0, fmt.Errorf("record header: %w", lfkverr.ErrCorrupt)
	}
	bodyLen := binary.LittleEndian.Uint32(buf[0:4])
	total := 4 + int(bodyLen) + 4
	if len(buf) < total {
		return r, 0, fmt.Errorf("record truncated: %w", lfkverr.ErrCorrupt)
	}
	sum := crc32.Checksum(buf[:4+int(bodyLen)], castagnoliTable)
	want := binary.LittleEndian.Uint32(buf[4+int(bodyLen):total])
	if sum != want {
		return r, 0, fmt.Errorf("record checksum: %w", lfkverr.ErrCorrupt)
	}
	r.Type = Type(buf[4])
	r.LSN = binary.LittleEndian.Uint64(buf[5:13])
	if err = decodePayload(r.Type, buf[13:4+int(bodyLen)], &r); err != nil {
		return r, 0, err
	}
	return r, total, nil
}

func encodePayload(r Record) []byte {
	switch r.Type {
	case TypeBegin:
		return u64(r.TxID)
	case TypeInsert, TypeUpdate:
		return encodeWrite(r)
	case TypeDelete:
		return encodeDelete(r)
	case TypeCommit:
		b := make([]byte, 16)
		binary.LittleEndian.PutUint64(b[0:8], r.TxID)
		binary.LittleEndian.PutUint64(b[8:16], r.CommitTS)
		return b
	case TypeAbort:
		return u64(r.TxID)
	case TypePageAlloc:
		return u64(uint64(r.PageID))
	case TypePageFree:
		b := make([]byte, 16)
		binary.LittleEndian.PutUint64(b[0:8], uint64(r.PageID))
		binary.LittleEndian.PutUint64(b[8:16], r.SafeTS)
		return b
	case TypeCheckpoint:
		return encodeCheckpoint(r)
	default:
		return nil
	}
}

func decodePayload(t Type, buf []byte, r *Record) error {
	switch t {
	case TypeBegin:
		if len(buf) < 8 {
			return fmt.Errorf("begin payload: %w", lfkverr.ErrCorrupt)
		}
		r.TxID = binary.LittleEndian.Uint64(buf)
	case TypeInsert, TypeUpdate:
		return decodeWrite(buf, r)
	case TypeDelete:
		return decodeDelete(buf, r)
	case TypeCommit:
		if len(buf) < 16 {
			return fmt.Errorf("commit payload: %w", lfkverr.ErrCorrupt)
		}
		r.TxID = binary.LittleEndian.Uint64(buf[0:8])
		r.CommitTS = binary.LittleEndian.Uint64(buf[8:16])
	case TypeAbort:
		if len(buf) < 8 {
			return fmt.Errorf("abort payload: %w", lfkverr.ErrCorrupt)
		}
		r.TxID = binary.LittleEndian.Uint64(buf)
	case TypePageAlloc:
		if len(buf) < 8 {
			return fmt.Errorf("page-alloc payload: %w", lfkverr.ErrCorrupt)
		}
		r.PageID = page.ID(binary.LittleEndian.Uint64(buf))
	case TypePageFree:
		if len(buf) < 16 {
			return fmt.Errorf("page-free payload: %w", lfkverr.ErrCorrupt)
		}
		r.PageID = page.ID(binary.LittleEndian.Uint64(buf[0:8]))
		r.SafeTS = binary.LittleEndian.Uint64(buf[8:16])
	case TypeCheckpoint:
		return decodeCheckpoint(buf, r)
	default:
		return fmt.Errorf("record type %d: %w", t, lfkverr.ErrCorrupt)
	}
	return nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// encodeWrite lays out Insert/Update payloads:
// txid(8) | pageid(8) | prevVersionLSN(8) | keyLen(4) | key | value
func encodeWrite(r Record) []byte {
	b := make([]byte, 8+8+8+4+len(r.Key)+len(r.Value))
	binary.LittleEndian.PutUint64(b[0:8], r.TxID)
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.PageID))
	binary.LittleEndian.PutUint64(b[16:24], r.PrevVersionLSN)
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(r.Key)))
	copy(b[28:], r.Key)
	copy(b[28+len(r.Key):], r.Value)
	return b
}

func decodeWrite(buf []byte, r *Record) error {
	if len(buf) < 28 {
		return fmt.Errorf("write payload: %w", lfkverr.ErrCorrupt)
	}
	r.TxID = binary.LittleEndian.Uint64(buf[0:8])
	r.PageID = page.ID(binary.LittleEndian.Uint64(buf[8:16]))
	r.PrevVersionLSN = binary.LittleEndian.Uint64(buf[16:24])
	klen := binary.LittleEndian.Uint32(buf[24:28])
	if len(buf) < 28+int(klen) {
		return fmt.Errorf("write key: %w", lfkverr.ErrCorrupt)
	}
	r.Key = append([]byte(nil), buf[28:28+klen]...)
	r.Value = append([]byte(nil), buf[28+klen:]...)
	return nil
}

// encodeDelete: txid(8) | pageid(8) | prevVersionLSN(8) | key
func encodeDelete(r Record) []byte {
	b := make([]byte, 8+8+8+len(r.Key))
	binary.LittleEndian.PutUint64(b[0:8], r.TxID)
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.PageID))
	binary.LittleEndian.PutUint64(b[16:24], r.PrevVersionLSN)
	copy(b[24:], r.Key)
	return b
}

func decodeDelete(buf []byte, r *Record) error {
	if len(buf) < 24 {
		return fmt.Errorf("delete payload: %w", lfkverr.ErrCorrupt)
	}
	r.TxID = binary.LittleEndian.Uint64(buf[0:8])
	r.PageID = page.ID(binary.LittleEndian.Uint64(buf[8:16]))
	r.PrevVersionLSN = binary.LittleEndian.Uint64(buf[16:24])
	r.Key = append([]byte(nil), buf[24:]...)
	return nil
}

// encodeCheckpoint: oldestSnapshot(8) | nActive(4) | active ids... | nDirty(4) | dirty page ids...
func encodeCheckpoint(r Record) []byte {
	size := 8 + 4 + 8*len(r.ActiveTxIDs) + 4 + 8*len(r.DirtyPages)
	b := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(b[off:], r.OldestSnapshot)
	off += 8
	binary.LittleEndian.PutUint32(b[off:], uint32(len(r.ActiveTxIDs)))
	off += 4
	for _, id := range r.ActiveTxIDs {
		binary.LittleEndian.PutUint64(b[off:], id)
		off += 8
	}
	binary.LittleEndian.PutUint32(b[off:], uint32(len(r.DirtyPages)))
	off += 4
	for _, id := range r.DirtyPages {
		binary.LittleEndian.PutUint64(b[off:], uint64(id))
		off += 8
	}
	return b
}

func decodeCheckpoint(buf []byte, r *Record) error {
	if len(buf) < 12 {
		return fmt.Errorf("checkpoint payload: %w", lfkverr.ErrCorrupt)
	}
	r.OldestSnapshot = binary.LittleEndian.Uint64(buf[0:8])
	off := 8
	nActive := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+8*nActive+4 {
		return fmt.Errorf("checkpoint active set: %w", lfkverr.ErrCorrupt)
	}
	r.ActiveTxIDs = make([]uint64, nActive)
	for i := range r.ActiveTxIDs {
		r.ActiveTxIDs[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	nDirty := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+8*nDirty {
		return fmt.Errorf("checkpoint dirty set: %w", lfkverr.ErrCorrupt)
	}
	r.DirtyPages = make([]page.ID, nDirty)
	for i := range r.DirtyPages {
		r.DirtyPages[i] = page.ID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	return nil
}
