// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package page

import "encoding/binary"

// Meta is the decoded contents of the meta page (page id 0): magic,
// version, page size, root page id, next page id, last checkpoint LSN,
// the free list's chain head, and the transaction counters' high-water
// marks as of the last checkpoint (§6).
type Meta struct {
	Version           uint32
	PageSize           uint32
	RootPageID        ID
	NextPageID        ID
	LastCheckpointLSN uint64
	FreeListHead      ID
	LastTxID          uint64
	LastCommitTS      uint64
}

const metaBodyLayout = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8

// CurrentVersion is the on-disk format version this build writes.
const CurrentVersion = 1

// EncodeMeta writes m into a freshly allocated Meta-kind page of pageSize.
func EncodeMeta(pageSize int, m Meta) Page {
	p := New(pageSize, KindMeta)
	body := p.Body()
	binary.LittleEndian.PutUint32(body[0:4], m.Version)
	binary.LittleEndian.PutUint32(body[4:8], m.PageSize)
	binary.LittleEndian.PutUint64(body[8:16], uint64(m.RootPageID))
	binary.LittleEndian.PutUint64(body[16:24], uint64(m.NextPageID))
	binary.LittleEndian.PutUint64(body[24:32], m.LastCheckpointLSN)
	binary.LittleEndian.PutUint64(body[32:40], uint64(m.FreeListHead))
	binary.LittleEndian.PutUint64(body[40:48], m.LastTxID)
	binary.LittleEndian.PutUint64(body[48:56], m.LastCommitTS)
	p.SetEntryCount(1)
	p.Finalize()
	return p
}

// DecodeMeta parses a Meta-kind page's body.
func DecodeMeta(p Page) (m Meta, ok bool) {
	if len(p) < HeaderSize+ChecksumSize || p.Kind() != KindMeta {
		return
	}
	body := p.Body()
	if len(body) < metaBodyLayout {
		return
	}
	m.Version = binary.LittleEndian.Uint32(body[0:4])
	m.PageSize = binary.LittleEndian.Uint32(body[4:8])
	m.RootPageID = ID(binary.LittleEndian.Uint64(body[8:16]))
	m.NextPageID = ID(binary.LittleEndian.Uint64(body[16:24]))
	m.LastCheckpointLSN = binary.LittleEndian.Uint64(body[24:32])
	m.FreeListHead = ID(binary.LittleEndian.Uint64(body[32:40]))
	m.LastTxID = binary.LittleEndian.Uint64(body[40:48])
	m.LastCommitTS = binary.LittleEndian.Uint64(body[48:56])
	ok = true
	return
}
