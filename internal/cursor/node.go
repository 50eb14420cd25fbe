// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package cursor implements the Index & Record Layer (§4.4): Lehman-Yao
// Blink-tree traversal, in-page multi-version record management, range
// iteration, and the garbage-collection pipeline.
package cursor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dacapoday/lfkv/internal/lfkverr"
	"github.com/dacapoday/lfkv/internal/page"
)

// InternalEntry routes every key <= Key not routed by an earlier sibling
// entry (entries are in ascending Key order) to Child; the last entry's Key
// is also the node's high key. An empty Key on the last entry of a node
// with no right-link is unbounded and routes every remaining key.
type InternalEntry struct {
	Key   []byte
	Child page.ID
}

// LeafEntry owns a version chain, newest version first.
type LeafEntry struct {
	Key   []byte
	Chain []Version
}

// Version is one entry in a key's version chain (§3). When Overflow is
// set, Value holds the 8-byte little-endian id of the first overflow page
// in the value's chain (§4.4 Overflow values) rather than the value itself.
type Version struct {
	CreatorTxID uint64
	CommitTS    uint64 // 0 while pending
	Tombstone   bool
	Overflow    bool
	Value       []byte
}

// Node is the decoded, in-memory form of a Blink-tree page. Internal
// nodes populate Internal; leaves populate Leaf. HighKey is a strict upper
// bound on keys reachable through this node (nil means unbounded, only
// valid for the single-node root). RightLink is the immediate right
// sibling at the same level, or 0 for the rightmost node.
type Node struct {
	Kind      page.Kind
	HighKey   []byte
	RightLink page.ID
	Internal  []InternalEntry
	Leaf      []LeafEntry
}

// IsLeaf reports whether this node is a leaf node.
func (n *Node) IsLeaf() bool {
	return n.Kind == page.KindLeafNode
}

// MaxKey returns the greatest key physically present in the node, or nil
// if the node is empty. Invariant (§3): MaxKey(n) <= HighKey(n).
func (n *Node) MaxKey() []byte {
	if n.IsLeaf() {
		if len(n.Leaf) == 0 {
			return nil
		}
		return n.Leaf[len(n.Leaf)-1].Key
	}
	if len(n.Internal) == 0 {
		return nil
	}
	return n.Internal[len(n.Internal)-1].Key
}

// FindChild returns the child page id to descend into for key, following
// the "each entry routes everything below its key" convention. ok is
// false when key exceeds every entry's key — the caller must chase the
// right-link first (§4.4 Descent).
func (n *Node) FindChild(key []byte) (page.ID, bool) {
	i := sort.Search(len(n.Internal), func(i int) bool {
		if i == len(n.Internal)-1 && len(n.Internal[i].Key) == 0 && n.RightLink == 0 {
			return true
		}
		return bytes.Compare(n.Internal[i].Key, key) >= 0
	})
	if i == len(n.Internal) {
		return 0, false
	}
	return n.Internal[i].Child, true
}

// FindLeafEntry returns the index of key's entry in a leaf, or the
// insertion point and false if absent.
func (n *Node) FindLeafEntry(key []byte) (int, bool) {
	i := sort.Search(len(n.Leaf), func(i int) bool {
		return bytes.Compare(n.Leaf[i].Key, key) >= 0
	})
	if i < len(n.Leaf) && bytes.Equal(n.Leaf[i].Key, key) {
		return i, true
	}
	return i, false
}

// EncodedSize estimates the serialized body size; Encode fails if this
// exceeds the page's capacity.
func (n *Node) EncodedSize() int {
	size := 2 + len(n.HighKey) + 8 // highKeyLen + highKey + rightLink
	if n.IsLeaf() {
		for _, e := range n.Leaf {
			size += 2 + len(e.Key) + 4 + encodedChainSize(e.Chain)
		}
	} else {
		for _, e := range n.Internal {
			size += 2 + len(e.Key) + 8
		}
	}
	return size
}

func encodedChainSize(chain []Version) int {
	size := 2 // version count
	for _, v := range chain {
		size += 8 + 8 + 1 + 4 + len(v.Value)
	}
	return size
}

// Encode serializes n into a freshly allocated page of pageSize, or
// reports that it does not fit (caller must split).
func Encode(pageSize int, n *Node) (page.Page, error) {
	body := n.EncodedSize()
	if body > page.BodySize(pageSize) {
		return nil, fmt.Errorf("node body %d exceeds page capacity %d: %w", body, page.BodySize(pageSize), lfkverr.ErrInvariant)
	}

	p := page.New(pageSize, n.Kind)
	buf := make([]byte, 0, body)
	buf = appendU16Bytes(buf, n.HighKey)
	buf = appendU64(buf, uint64(n.RightLink))

	count := len(n.Internal)
	if n.IsLeaf() {
		count = len(n.Leaf)
		for _, e := range n.Leaf {
			buf = appendU16Bytes(buf, e.Key)
			buf = appendChain(buf, e.Chain)
		}
	} else {
		for _, e := range n.Internal {
			buf = appendU16Bytes(buf, e.Key)
			buf = appendU64(buf, uint64(e.Child))
		}
	}

	copy(p.Body(), buf)
	p.SetEntryCount(uint16(count))
	p.SetFreeOffset(uint16(page.HeaderSize + len(buf)))
	p.Finalize()
	return p, nil
}

// Decode parses a page written by Encode.
func Decode(p page.Page) (*Node, error) {
	if !p.Verify() {
		return nil, fmt.Errorf("decode node: %w", lfkverr.ErrCorrupt)
	}
	n := &Node{Kind: p.Kind()}
	body := p.Body()
	buf := body[:int(p.FreeOffset())-page.HeaderSize]

	var ok bool
	n.HighKey, buf, ok = readU16Bytes(buf)
	if !ok {
		return nil, fmt.Errorf("decode high key: %w", lfkverr.ErrCorrupt)
	}
	var rl uint64
	rl, buf, ok = readU64(buf)
	if !ok {
		return nil, fmt.Errorf("decode right link: %w", lfkverr.ErrCorrupt)
	}
	n.RightLink = page.ID(rl)

	count := int(p.EntryCount())
	if n.IsLeaf() {
		n.Leaf = make([]LeafEntry, count)
		for i := range n.Leaf {
			var key []byte
			key, buf, ok = readU16Bytes(buf)
			if !ok {
				return nil, fmt.Errorf("decode leaf key: %w", lfkverr.ErrCorrupt)
			}
			var chain []Version
			chain, buf, ok = readChain(buf)
			if !ok {
				return nil, fmt.Errorf("decode chain: %w", lfkverr.ErrCorrupt)
			}
			n.Leaf[i] = LeafEntry{Key: key, Chain: chain}
		}
	} else {
		n.Internal = make([]InternalEntry, count)
		for i := range n.Internal {
			var key []byte
			key, buf, ok = readU16Bytes(buf)
			if !ok {
				return nil, fmt.Errorf("decode internal key: %w", lfkverr.ErrCorrupt)
			}
			var child uint64
			child, buf, ok = readU64(buf)
			if !ok {
				return nil, fmt.Errorf("decode child: %w", lfkverr.ErrCorrupt)
			}
			n.Internal[i] = InternalEntry{Key: key, Child: page.ID(child)}
		}
	}
	return n, nil
}

func appendU16Bytes(buf []byte, b []byte) []byte {
	var lenb [2]byte
	binary.LittleEndian.PutUint16(lenb[:], uint16(len(b)))
	buf = append(buf, lenb[:]...)
	return append(buf, b...)
}

func readU16Bytes(buf []byte) (b []byte, rest []byte, ok bool) {
	if len(buf) < 2 {
		return nil, buf, false
	}
	n := binary.LittleEndian.Uint16(buf[:2])
	buf = buf[2:]
	if len(buf) < int(n) {
		return nil, buf, false
	}
	return buf[:n:n], buf[n:], true
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readU64(buf []byte) (v uint64, rest []byte, ok bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], true
}

func appendChain(buf []byte, chain []Version) []byte {
	var cb [2]byte
	binary.LittleEndian.PutUint16(cb[:], uint16(len(chain)))
	buf = append(buf, cb[:]...)
	for _, v := range chain {
		buf = appendU64(buf, v.CreatorTxID)
		buf = appendU64(buf, v.CommitTS)
		var flags byte
		if v.Tombstone {
			flags |= 1
		}
		if v.Overflow {
			flags |= 2
		}
		buf = append(buf, flags)
		buf = appendU16Bytes32(buf, v.Value)
	}
	return buf
}

func appendU16Bytes32(buf []byte, b []byte) []byte {
	var lenb [4]byte
	binary.LittleEndian.PutUint32(lenb[:], uint32(len(b)))
	buf = append(buf, lenb[:]...)
	return append(buf, b...)
}

func readChain(buf []byte) (chain []Version, rest []byte, ok bool) {
	if len(buf) < 2 {
		return nil, buf, false
	}
	count := binary.LittleEndian.Uint16(buf[:2])
	buf = buf[2:]
	chain = make([]Version, count)
	for i := range chain {
		var creator, commitTS uint64
		creator, buf, ok = readU64(buf)
		if !ok {
			return nil, buf, false
		}
		commitTS, buf, ok = readU64(buf)
		if !ok {
			return nil, buf, false
		}
		if len(buf) < 1 {
			return nil, buf, false
		}
		flags := buf[0]
		buf = buf[1:]
		if len(buf) < 4 {
			return nil, buf, false
		}
		vlen := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if len(buf) < int(vlen) {
			return nil, buf, false
		}
		value := buf[:vlen:vlen]
		buf = buf[vlen:]
		chain[i] = Version{
			CreatorTxID: creator,
			CommitTS:    commitTS,
			Tombstone:   flags&1 != 0,
			Overflow:    flags&2 != 0,
			Value:       value,
		}
	}
	return chain, buf, true
}
