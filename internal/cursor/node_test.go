// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dacapoday/lfkv/internal/page"
)

func TestLeafNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := &Node{
		Kind:      page.KindLeafNode,
		HighKey:   []byte("zzz"),
		RightLink: 9,
		Leaf: []LeafEntry{
			{Key: []byte("apple"), Chain: []Version{
				{CreatorTxID: 1, CommitTS: 10, Value: []byte("red")},
				{CreatorTxID: 0, CommitTS: 5, Tombstone: true},
			}},
			{Key: []byte("banana"), Chain: []Version{
				{CreatorTxID: 2, CommitTS: 0, Overflow: true, Value: encodeOverflowPointer(77)},
			}},
		},
	}

	buf, err := Encode(4096, n)
	require.NoError(t, err)
	require.True(t, buf.Verify())

	got, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, got.IsLeaf())
	require.Equal(t, n.HighKey, got.HighKey)
	require.Equal(t, n.RightLink, got.RightLink)
	require.Len(t, got.Leaf, 2)
	require.Equal(t, n.Leaf[0].Key, got.Leaf[0].Key)
	require.Equal(t, n.Leaf[0].Chain, got.Leaf[0].Chain)
	require.Equal(t, n.Leaf[1].Chain, got.Leaf[1].Chain)
}

func TestInternalNodeEncodeDecodeRoundTrip(t *testing.T) {
	n := &Node{
		Kind:    page.KindInternalNode,
		HighKey: []byte("m"),
		Internal: []InternalEntry{
			{Key: []byte("a"), Child: 1},
			{Key: []byte("m"), Child: 2},
		},
	}

	buf, err := Encode(4096, n)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.False(t, got.IsLeaf())
	require.Equal(t, n.Internal, got.Internal)
}

func TestEncodeRejectsOversizedNode(t *testing.T) {
	entries := make([]LeafEntry, 0, 100)
	for i := 0; i < 100; i++ {
		entries = append(entries, LeafEntry{
			Key:   []byte("key-with-some-length-to-pad-it-out"),
			Chain: []Version{{CreatorTxID: 1, CommitTS: 1, Value: make([]byte, 200)}},
		})
	}
	n := &Node{Kind: page.KindLeafNode, Leaf: entries}

	_, err := Encode(64, n)
	require.Error(t, err)
}

func TestDecodeRejectsCorruptPage(t *testing.T) {
	n := &Node{Kind: page.KindLeafNode, Leaf: []LeafEntry{{Key: []byte("k")}}}
	buf, err := Encode(4096, n)
	require.NoError(t, err)

	buf[page.HeaderSize] ^= 0xff
	_, err = Decode(buf)
	require.Error(t, err)
}

func TestFindChild(t *testing.T) {
	n := &Node{
		Kind: page.KindInternalNode,
		Internal: []InternalEntry{
			{Key: []byte("d"), Child: 1},
			{Key: []byte("m"), Child: 2},
			{Key: []byte("z"), Child: 3},
		},
	}

	child, ok := n.FindChild([]byte("a"))
	require.True(t, ok)
	require.EqualValues(t, 1, child)

	child, ok = n.FindChild([]byte("d"))
	require.True(t, ok)
	require.EqualValues(t, 1, child)

	child, ok = n.FindChild([]byte("e"))
	require.True(t, ok)
	require.EqualValues(t, 2, child)

	_, ok = n.FindChild([]byte("zz"))
	require.False(t, ok, "key beyond every entry must signal a right-link chase")
}

func TestFindLeafEntry(t *testing.T) {
	n := &Node{
		Kind: page.KindLeafNode,
		Leaf: []LeafEntry{
			{Key: []byte("apple")},
			{Key: []byte("cherry")},
		},
	}

	idx, ok := n.FindLeafEntry([]byte("apple"))
	require.True(t, ok)
	require.Equal(t, 0, idx)

	idx, ok = n.FindLeafEntry([]byte("banana"))
	require.False(t, ok)
	require.Equal(t, 1, idx)

	idx, ok = n.FindLeafEntry([]byte("zzz"))
	require.False(t, ok)
	require.Equal(t, 2, idx)
}

func TestMaxKey(t *testing.T) {
	leaf := &Node{Kind: page.KindLeafNode}
	require.Nil(t, leaf.MaxKey())

	leaf.Leaf = []LeafEntry{{Key: []byte("a")}, {Key: []byte("z")}}
	require.Equal(t, []byte("z"), leaf.MaxKey())

	internal := &Node{Kind: page.KindInternalNode, Internal: []InternalEntry{
		{Key: []byte("a"), Child: 1},
		{Key: []byte("m"), Child: 2},
	}}
	require.Equal(t, []byte("m"), internal.MaxKey())
}
