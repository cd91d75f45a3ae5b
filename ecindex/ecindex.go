// Package ecindex implements the global, per-cell equivalence-class
// index: built once by an external loader (see NewBuilder), then
// consumed read-only and concurrently by every cell worker during
// dispatch.
//
// The index is sharded by a hash of the transcript-EC key so that the
// builder-phase writer and the dispatch-phase readers each only ever
// contend with the bucket they touch; in steady state, each worker
// addresses a disjoint cell slice of a given bucket's value, so reads
// are effectively wait-free.
package ecindex

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/dgryski/go-farm"
)

// TxGroupKey canonically encodes an ordered set of transcript IDs. Two
// transcript-EC keys with the same set of members (regardless of
// original order) compare equal once canonicalized via MakeKey.
type TxGroupKey string

// MakeKey canonicalizes a transcript-EC's member list into a TxGroupKey.
// The input is not mutated.
func MakeKey(txs []int32) TxGroupKey {
	sorted := append([]int32(nil), txs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf := make([]byte, 4*len(sorted))
	for i, t := range sorted {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(t))
	}
	return TxGroupKey(buf)
}

// Entry is the value side of the global EC map: the transcript members
// of the class, plus per-cell UMI multisets observed for it.
type Entry struct {
	Txs   []int32
	Cells map[int32]map[uint64]uint32 // cell index -> umi -> count
}

const numShards = 64 // power of two

type shard struct {
	mu sync.RWMutex
	m  map[TxGroupKey]*Entry
}

// Index is the global, read-only-during-dispatch EC index.
type Index struct {
	shards [numShards]*shard
	// keys caches the canonical key list in the order returned by Keys,
	// computed once by Freeze. Single-transcript keys are ordered
	// first, so unambiguous classes resolve before ambiguous ones.
	keys []TxGroupKey
}

func (idx *Index) shardFor(key TxGroupKey) *shard {
	h := farm.Hash64([]byte(key))
	return idx.shards[h&(numShards-1)]
}

// NewBuilder returns an empty, writable Index. Populating it from raw
// reads/alignments is an external loader's job; Builder exists so
// tests (and any future loader) have a narrow, mutation-safe entry
// point.
func NewBuilder() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: map[TxGroupKey]*Entry{}}
	}
	return idx
}

// Add records count additional observations of umi in transcript-EC key,
// for the given cell. Must only be called during the builder phase --
// concurrent Add calls on the same key are safe (each shard is
// RWMutex-guarded), but Add must never race with Lookup.
func (idx *Index) Add(key TxGroupKey, txs []int32, cell int32, umi uint64, count uint32) {
	s := idx.shardFor(key)
	s.mu.Lock()
	e, ok := s.m[key]
	if !ok {
		e = &Entry{Txs: append([]int32(nil), txs...), Cells: map[int32]map[uint64]uint32{}}
		s.m[key] = e
	}
	cellMap, ok := e.Cells[cell]
	if !ok {
		cellMap = map[uint64]uint32{}
		e.Cells[cell] = cellMap
	}
	cellMap[umi] += count
	s.mu.Unlock()
}

// Freeze finalizes the key ordering returned by Keys. Must be called
// once after the builder phase completes and before dispatch begins;
// after Freeze, the index must not be mutated (a concurrent Add during
// dispatch is a programming error).
func (idx *Index) Freeze() {
	var single, multi []TxGroupKey
	for _, s := range idx.shards {
		s.mu.RLock()
		for k, e := range s.m {
			if len(e.Txs) == 1 {
				single = append(single, k)
			} else {
				multi = append(multi, k)
			}
		}
		s.mu.RUnlock()
	}
	// Stable order for reproducibility across runs given that Go map
	// iteration order is not guaranteed, so sort canonically.
	sort.Slice(single, func(i, j int) bool { return single[i] < single[j] })
	sort.Slice(multi, func(i, j int) bool { return multi[i] < multi[j] })
	idx.keys = append(single, multi...)
}

// Keys returns the canonical, frozen key order: single-transcript
// classes first, then multi-transcript classes, each lexicographically
// ordered by canonical key. Must be called after Freeze.
func (idx *Index) Keys() []TxGroupKey { return idx.keys }

// Lookup returns the UMI multiset for (key, cell). ok is false only if
// key itself is absent from the index entirely; a key present in the
// ordered key list but absent from a particular cell's contribution
// simply yields an empty (nil) UMI map with ok=true.
func (idx *Index) Lookup(key TxGroupKey, cell int32) (umis map[uint64]uint32, ok bool) {
	s := idx.shardFor(key)
	s.mu.RLock()
	e, present := s.m[key]
	s.mu.RUnlock()
	if !present {
		return nil, false
	}
	return e.Cells[cell], true
}

// Txs returns the transcript members of a transcript-EC key.
func (idx *Index) Txs(key TxGroupKey) []int32 {
	s := idx.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.m[key]; ok {
		return e.Txs
	}
	return nil
}

// Clear drops all shard contents, for reuse between runs.
func (idx *Index) Clear() {
	for _, s := range idx.shards {
		s.mu.Lock()
		s.m = map[TxGroupKey]*Entry{}
		s.mu.Unlock()
	}
	idx.keys = nil
}
