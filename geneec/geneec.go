// Package geneec assembles gene-level equivalence classes for one cell
// from its transcript-level equivalence classes: it runs the UMI-graph
// collapse (package umi), maps transcripts to genes, and produces the
// inputs the EM/VBEM kernel (package em) needs.
package geneec

import (
	"fmt"
	"sort"

	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/umi"
)

// GeneEC is a gene-level equivalence class: a sorted, duplicate-free,
// non-empty set of gene IDs together with the deduplicated fragment
// count assigned to it.
type GeneEC struct {
	Labels []int32
	Count uint32
}

// ArboBucket is one (length, count) entry of an arborescence-size
// histogram.
type ArboBucket struct {
	Length int
	Count int
}

// Opts configures one cell's gene-EC build.
type Opts struct {
	UMILength int
	EditDistance int // 0 or 1, umiEditDistance
	Naive bool
	DumpArborescences bool
}

// Result is everything the gene-EC builder produces for one cell.
//
// GeneECs includes single-label classes as well as ambiguous ones: the
// EM/VBEM update (package em) re-applies every class's count on every
// iteration, including single-label ones (an EC with a single label
// adds its count directly to that gene's α′ on every pass), so a
// single-label class must stay in the iteration input, not just seed
// the warm start.
type Result struct {
	GeneECs []GeneEC
	// GeneAlphas is the warm-start vector: the accumulated dedup count
	// of every single-label class, used to seed α when initUniform is
	// false (the "warm start" of the glossary). It is a cache of the
	// same information already present in GeneECs, kept separate
	// because warm-start seeding and per-iteration re-application are
	// logically distinct steps that happen to use the same numbers.
	GeneAlphas []float64
	// Tiers classifies each gene's evidence quality.
	Tiers []uint8
	// Arborescences[i] is the size histogram for GeneECs[i], populated
	// only when Opts.DumpArborescences is set.
	Arborescences [][]ArboBucket
	TotalUniEdges uint64
	TotalBiEdges uint64
	FragmentsTotal uint64
}

const (
	tierNone uint8 = 0
	tierAmbigOnly uint8 = 1
	tierLowConf uint8 = 2
)

// lowConfidence reports the collapse policy's low-confidence
// threshold: a multi-gene transcript-EC is considered low-confidence
// evidence for the genes it touches when its UMI graph did not
// collapse to a single root, i.e. the dedup step itself could not
// settle on one originating molecule.
func lowConfidence(res umi.CollapseResult) bool {
	return res.DedupCount > 1
}

// arboHistogram converts a collapse result's raw size counts into a
// sorted bucket list, or nil when the naive path (which never builds a
// UMI graph) is active.
func arboHistogram(res umi.CollapseResult, naive bool) []ArboBucket {
	if naive || len(res.ArborescenceSizes) == 0 {
		return nil
	}
	lengths := make([]int, 0, len(res.ArborescenceSizes))
	for l := range res.ArborescenceSizes {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	buckets := make([]ArboBucket, 0, len(lengths))
	for _, l := range lengths {
		buckets = append(buckets, ArboBucket{Length: l, Count: res.ArborescenceSizes[l]})
	}
	return buckets
}

// Build runs the gene-EC assembly for one cell. orderedKeys is the
// frozen transcript-EC key order (as returned by ecindex.Index.Keys);
// keys this cell has no UMIs for are skipped. idx is the shared, read-only EC index; genes is
// the shared transcript-to-gene table.
func Build(idx *ecindex.Index, genes *geneindex.Index, orderedKeys []ecindex.TxGroupKey, cell int32, opts Opts) (Result, error) {
	numGenes := genes.Len()
	res := Result{
		GeneAlphas: make([]float64, numGenes),
		Tiers: make([]uint8, numGenes),
	}
	seenUnique := make([]bool, numGenes)
	seenAmbig := make([]bool, numGenes)
	seenLowConf := make([]bool, numGenes)

	for _, key := range orderedKeys {
		umis, ok := idx.Lookup(key, cell)
		if !ok {
			return Result{}, fmt.Errorf("geneec: transcript-EC key missing from global index for cell %d", cell)
		}
		if len(umis) == 0 {
			continue
		}
		for _, c := range umis {
			res.FragmentsTotal += uint64(c)
		}

		txs := idx.Txs(key)
		geneSet := map[int32]bool{}
		for _, tx := range txs {
			g := genes.Gene(tx)
			if int(g) >= numGenes {
				return Result{}, fmt.Errorf("geneec: gene id %d >= numGenes %d", g, numGenes)
			}
			geneSet[g] = true
		}
		labels := make([]int32, 0, len(geneSet))
		for g := range geneSet {
			labels = append(labels, g)
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		if len(labels) == 0 {
			return Result{}, fmt.Errorf("geneec: transcript-EC %v produced zero gene labels", key)
		}

		var (
			count int
			collRes umi.CollapseResult
		)
		if opts.Naive {
			count = umi.CollapseNaive(umis)
		} else {
			collRes = umi.CollapseDirectional(umis, opts.UMILength, opts.EditDistance)
			count = collRes.DedupCount
			res.TotalBiEdges += uint64(collRes.Bidirectional)
			res.TotalUniEdges += uint64(collRes.Unidirectional)
		}
		if count == 0 {
			continue // must not emit a zero-count class
		}

		res.GeneECs = append(res.GeneECs, GeneEC{Labels: labels, Count: uint32(count)})

		if len(labels) == 1 {
			g := labels[0]
			res.GeneAlphas[g] += float64(count)
			seenUnique[g] = true
		} else {
			low := !opts.Naive && lowConfidence(collRes)
			for _, g := range labels {
				seenAmbig[g] = true
				if low {
					seenLowConf[g] = true
				}
			}
		}

		if opts.DumpArborescences {
			res.Arborescences = append(res.Arborescences, arboHistogram(collRes, opts.Naive))
		}
	}

	for g := 0; g < numGenes; g++ {
		switch {
		case seenLowConf[g]:
			res.Tiers[g] = tierLowConf
		case seenAmbig[g] && !seenUnique[g]:
			res.Tiers[g] = tierAmbigOnly
		default:
			res.Tiers[g] = tierNone
		}
	}

	return res, nil
}
