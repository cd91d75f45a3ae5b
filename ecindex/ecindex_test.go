package ecindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeKeyCanonicalizesMemberOrder(t *testing.T) {
	a := MakeKey([]int32{3, 1, 2})
	b := MakeKey([]int32{1, 2, 3})
	assert.Equal(t, a, b)

	c := MakeKey([]int32{1, 2})
	assert.NotEqual(t, a, c)
}

func TestMakeKeyDoesNotMutateInput(t *testing.T) {
	txs := []int32{3, 1, 2}
	_ = MakeKey(txs)
	assert.Equal(t, []int32{3, 1, 2}, txs)
}

func TestFreezeOrdersSingleBeforeMulti(t *testing.T) {
	idx := NewBuilder()
	multiKey := MakeKey([]int32{5, 6})
	singleKey := MakeKey([]int32{9})
	idx.Add(multiKey, []int32{5, 6}, 0, 0xAAAA, 1)
	idx.Add(singleKey, []int32{9}, 0, 0xBBBB, 1)
	idx.Freeze()

	keys := idx.Keys()
	require.Len(t, keys, 2)
	txs := idx.Txs(keys[0])
	assert.Len(t, txs, 1, "single-transcript key must sort before multi-transcript keys")
	txs = idx.Txs(keys[1])
	assert.Len(t, txs, 2)
}

func TestLookupDistinguishesAbsentKeyFromAbsentCell(t *testing.T) {
	idx := NewBuilder()
	key := MakeKey([]int32{0})
	idx.Add(key, []int32{0}, 0, 0x1111, 4)
	idx.Freeze()

	umis, ok := idx.Lookup(key, 0)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), umis[0x1111])

	// cell 1 never contributed to this key: key is present, cell isn't.
	umis, ok = idx.Lookup(key, 1)
	assert.True(t, ok)
	assert.Empty(t, umis)

	// a key never added at all must report ok=false, not an empty map.
	missing := MakeKey([]int32{7, 8})
	umis, ok = idx.Lookup(missing, 0)
	assert.False(t, ok)
	assert.Nil(t, umis)
}

func TestAddAccumulatesCountsForRepeatedUMI(t *testing.T) {
	idx := NewBuilder()
	key := MakeKey([]int32{0})
	idx.Add(key, []int32{0}, 2, 0x1234, 3)
	idx.Add(key, []int32{0}, 2, 0x1234, 5)
	idx.Freeze()

	umis, ok := idx.Lookup(key, 2)
	assert.True(t, ok)
	assert.Equal(t, uint32(8), umis[0x1234])
}

func TestClearResetsIndex(t *testing.T) {
	idx := NewBuilder()
	key := MakeKey([]int32{0})
	idx.Add(key, []int32{0}, 0, 0x1, 1)
	idx.Freeze()
	assert.Len(t, idx.Keys(), 1)

	idx.Clear()
	assert.Empty(t, idx.Keys())
	_, ok := idx.Lookup(key, 0)
	assert.False(t, ok)
}
