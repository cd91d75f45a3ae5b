// Package umi implements UMI-graph construction and collapse: the
// "directional" deduplication rule, which treats two UMIs observed for
// the same transcript equivalence class as PCR/sequencing error
// variants of one another when they are within a small Hamming
// distance and one is observed at least roughly twice as often as the
// other.
package umi

import "sort"

// Base2Bit encodes a single nucleotide as 2 bits (A=0, C=1, G=2, T=3),
// matching the packed uint64 UMI representation the global EC index
// carries.
func Base2Bit(b byte) uint64 {
	switch b {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	default:
		return 0
	}
}

// Encode packs a nucleotide string into a uint64, 2 bits per base, most
// significant base first.
func Encode(seq string) uint64 {
	var v uint64
	for i := 0; i < len(seq); i++ {
		v = (v << 2) | Base2Bit(seq[i])
	}
	return v
}

// hamming returns the number of mismatching bases between two
// length-n packed UMIs.
func hamming(a, b uint64, n int) int {
	diff := a ^ b
	dist := 0
	for i := 0; i < n; i++ {
		if diff&0x3 != 0 {
			dist++
		}
		diff >>= 2
	}
	return dist
}

// directed reports whether count[u] >= 2*count[v]-1, the directional
// rule's one-sided domination test: u is populous enough relative to v
// that v could plausibly be a sequencing-error child of u.
func directed(countU, countV uint32) bool {
	return int64(countU) >= 2*int64(countV)-1
}

// CollapseResult is the outcome of collapsing one transcript-EC's UMI
// multiset into deduplicated molecules.
type CollapseResult struct {
	// DedupCount is the number of distinct molecules inferred: one per
	// root of the minimum-count arborescence forest.
	DedupCount int
	// Roots holds the representative UMI of each inferred molecule, in
	// descending-count order.
	Roots []uint64
	// ArborescenceSizes maps arborescence size (number of UMIs
	// collapsed into one root, including the root) to the number of
	// arborescences of that size -- the histogram of step 5.
	ArborescenceSizes map[int]int
	// Bidirectional and Unidirectional count UMI pairs within the edit
	// distance threshold whose directional rule holds in both
	// directions, respectively in exactly one direction. These feed
	// the process-wide undirected/directed edge counters.
	Bidirectional int
	Unidirectional int
}

// CollapseDirectional builds the UMI graph for one transcript-EC's
// UMI→count multiset and reduces it to its minimum-count arborescences.
//
// umiLength is the number of bases packed into each key of counts;
// editDistance is the umiEditDistance tunable (0 or 1).
func CollapseDirectional(counts map[uint64]uint32, umiLength, editDistance int) CollapseResult {
	umis := make([]uint64, 0, len(counts))
	for u := range counts {
		umis = append(umis, u)
	}
	// Descending count, ascending value for ties -- gives a
	// deterministic root-selection order independent of map iteration.
	sort.Slice(umis, func(i, j int) bool {
		ci, cj := counts[umis[i]], counts[umis[j]]
		if ci != cj {
			return ci > cj
		}
		return umis[i] < umis[j]
	})

	n := len(umis)
	out := make([][]int, n) // out[i] = indices j such that umis[i] dominates umis[j]
	var result CollapseResult

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if hamming(umis[i], umis[j], umiLength) > editDistance {
				continue
			}
			fwd := directed(counts[umis[i]], counts[umis[j]])
			rev := directed(counts[umis[j]], counts[umis[i]])
			switch {
			case fwd && rev:
				result.Bidirectional++
			case fwd || rev:
				result.Unidirectional++
			default:
				continue // no edge: neither direction dominates
			}
			if fwd {
				out[i] = append(out[i], j)
			}
			if rev {
				out[j] = append(out[j], i)
			}
		}
	}

	visited := make([]bool, n)
	result.ArborescenceSizes = map[int]int{}
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		// i is the next unclaimed, highest-count node: it roots a new
		// arborescence. Absorb everything reachable from it along
		// domination edges.
		visited[i] = true
		size := 1
		queue := []int{i}
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			for _, v := range out[u] {
				if !visited[v] {
					visited[v] = true
					size++
					queue = append(queue, v)
				}
			}
		}
		result.Roots = append(result.Roots, umis[i])
		result.ArborescenceSizes[size]++
	}
	result.DedupCount = len(result.Roots)
	return result
}

// CollapseNaive implements the naiveEqclass tunable: skip the graph
// entirely and dedup by simple UMI-set cardinality.
func CollapseNaive(counts map[uint64]uint32) int {
	return len(counts)
}
