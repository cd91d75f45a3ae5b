// Package geneindex holds the dense gene table and transcript-to-gene
// mapping shared read-only by all cell workers.
package geneindex

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
)

// Index is a dense gene table: gene IDs are 0..Len()-1, assigned in the
// order genes are first seen while building the transcript-to-gene map.
// TxToGene is dense and total: every transcript ID in [0, len(TxToGene))
// maps to a valid gene ID.
type Index struct {
	names    []string
	byName   map[string]int32
	TxToGene []int32
}

// New builds an Index from a transcript-to-gene assignment, given as
// parallel slices: txNames[i] is the transcript at ID i, geneNames[i] is
// the gene it maps to. Gene IDs are assigned densely in first-seen order.
func New(txNames, geneNames []string) (*Index, error) {
	if len(txNames) != len(geneNames) {
		return nil, fmt.Errorf("geneindex: %d transcripts but %d gene assignments", len(txNames), len(geneNames))
	}
	idx := &Index{byName: map[string]int32{}}
	idx.TxToGene = make([]int32, len(txNames))
	for tx, gene := range geneNames {
		gid, ok := idx.byName[gene]
		if !ok {
			gid = int32(len(idx.names))
			idx.byName[gene] = gid
			idx.names = append(idx.names, gene)
		}
		idx.TxToGene[tx] = gid
	}
	return idx, nil
}

// Len returns the number of distinct genes.
func (idx *Index) Len() int { return len(idx.names) }

// Name returns the gene name for a dense gene ID.
func (idx *Index) Name(gene int32) string { return idx.names[gene] }

// Names returns the gene names in column-index order, suitable for
// writing quants_mat_cols.txt.
func (idx *Index) Names() []string { return idx.names }

// GeneID looks up a gene's dense ID by name.
func (idx *Index) GeneID(name string) (int32, bool) {
	gid, ok := idx.byName[name]
	return gid, ok
}

// Gene maps a transcript ID to its dense gene ID. tx must be in
// [0, len(TxToGene)).
func (idx *Index) Gene(tx int32) int32 { return idx.TxToGene[tx] }

// LoadGeneNameSet reads a newline-delimited gene-name file (e.g. a
// mito/ribo gene list) and returns the set of dense gene IDs it
// resolves to within idx. Names absent from idx are skipped with a
// warning, never an error -- missing optional inputs warn and
// continue.
func LoadGeneNameSet(idx *Index, data []byte) map[int32]bool {
	set := map[int32]bool{}
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		gid, ok := idx.GeneID(name)
		if !ok {
			skipped++
			continue
		}
		set[gid] = true
	}
	if skipped > 0 {
		log.Printf("geneindex: %d gene name(s) not present in the transcript-to-gene map", skipped)
	}
	return set
}
