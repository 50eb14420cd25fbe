// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package page implements the fixed-size page header and checksum format
// shared by every on-disk page kind (§6).
package page

import (
	"encoding/binary"
	"hash/crc32"
)

// Kind identifies what a page's body holds.
type Kind uint8

const (
	KindInternalNode Kind = iota + 1
	KindLeafNode
	KindMeta
	KindFreeList
	KindOverflow
)

func (k Kind) String() string {
	switch k {
	case KindInternalNode:
		return "InternalNode"
	case KindLeafNode:
		return "LeafNode"
	case KindMeta:
		return "Meta"
	case KindFreeList:
		return "FreeList"
	case KindOverflow:
		return "Overflow"
	default:
		return "Unknown"
	}
}

// Magic tags every page so a misdirected read is caught early.
const Magic uint16 = 0x4c4b // "LK"

// HeaderSize is the fixed 16-byte header: magic, kind, flags, lsn,
// free-space offset, entry count.
const HeaderSize = 16

// ChecksumSize is the trailing CRC32C.
const ChecksumSize = 4

// ID identifies a page uniquely; a monotonically assigned 64-bit page id.
type ID uint64

// Page is a raw page buffer. Bytes [0:HeaderSize) are the header,
// [HeaderSize:len-ChecksumSize) is the body, and the last ChecksumSize
// bytes are the CRC32C trailer.
type Page []byte

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes CRC32C over everything but the trailing checksum field.
func Checksum(buf []byte) uint32 {
	return crc32.Checksum(buf[:len(buf)-ChecksumSize], castagnoliTable)
}

// Body returns the page's body region (between header and checksum).
func (p Page) Body() []byte {
	return p[HeaderSize : len(p)-ChecksumSize]
}

// BodySize returns the usable body capacity of a page of this size.
func BodySize(pageSize int) int {
	return pageSize - HeaderSize - ChecksumSize
}

func (p Page) Magic() uint16 {
	return binary.LittleEndian.Uint16(p[0:2])
}

func (p Page) Kind() Kind {
	return Kind(p[2])
}

func (p Page) Flags() uint8 {
	return p[3]
}

func (p Page) LSN() uint64 {
	return binary.LittleEndian.Uint64(p[4:12])
}

func (p Page) FreeOffset() uint16 {
	return binary.LittleEndian.Uint16(p[12:14])
}

func (p Page) EntryCount() uint16 {
	return binary.LittleEndian.Uint16(p[14:16])
}

func (p Page) SetKind(kind Kind) {
	binary.LittleEndian.PutUint16(p[0:2], Magic)
	p[2] = byte(kind)
}

func (p Page) SetFlags(flags uint8) {
	p[3] = flags
}

func (p Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p[4:12], lsn)
}

func (p Page) SetFreeOffset(off uint16) {
	binary.LittleEndian.PutUint16(p[12:14], off)
}

func (p Page) SetEntryCount(count uint16) {
	binary.LittleEndian.PutUint16(p[14:16], count)
}

// Finalize stamps the CRC32C trailer. Call after every in-place mutation,
// immediately before handing the buffer to the disk controller.
func (p Page) Finalize() {
	binary.LittleEndian.PutUint32(p[len(p)-ChecksumSize:], Checksum(p))
}

// Verify reports whether the page's magic and checksum are intact.
func (p Page) Verify() bool {
	if len(p) < HeaderSize+ChecksumSize {
		return false
	}
	if p.Magic() != Magic {
		return false
	}
	want := binary.LittleEndian.Uint32(p[len(p)-ChecksumSize:])
	return want == Checksum(p)
}

// New allocates a zeroed page of the given size, with header fields set.
func New(size int, kind Kind) Page {
	p := make(Page, size)
	p.SetKind(kind)
	p.SetFreeOffset(uint16(HeaderSize))
	return p
}
