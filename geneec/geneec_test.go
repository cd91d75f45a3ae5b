package geneec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/umi"
)

func buildIndex(t *testing.T, txNames, geneNames []string) *geneindex.Index {
	t.Helper()
	idx, err := geneindex.New(txNames, geneNames)
	require.NoError(t, err)
	return idx
}

func TestBuildUniqueAndAmbiguous(t *testing.T) {
	genes := buildIndex(t, []string{"t0", "t1", "t2"}, []string{"A", "B", "A"})
	ec := ecindex.NewBuilder()
	keyA := ecindex.MakeKey([]int32{0})     // -> gene A only
	keyB := ecindex.MakeKey([]int32{1})     // -> gene B only
	keyAB := ecindex.MakeKey([]int32{0, 1}) // -> genes A,B

	ec.Add(keyA, []int32{0}, 0, umi.Encode("AAAAAA"), 8)
	ec.Add(keyB, []int32{1}, 0, umi.Encode("CCCCCC"), 4)
	ec.Add(keyAB, []int32{0, 1}, 0, umi.Encode("GGGGGG"), 4)
	ec.Freeze()

	res, err := Build(ec, genes, ec.Keys(), 0, Opts{UMILength: 6, EditDistance: 1})
	require.NoError(t, err)

	// Each class carries one distinct UMI, which dedups to one molecule
	// whatever its read count.
	assert.Equal(t, float64(1), res.GeneAlphas[0])
	assert.Equal(t, float64(1), res.GeneAlphas[1])
	assert.Len(t, res.GeneECs, 3)

	var ambiguous []GeneEC
	for _, gec := range res.GeneECs {
		if len(gec.Labels) > 1 {
			ambiguous = append(ambiguous, gec)
		}
	}
	require.Len(t, ambiguous, 1)
	assert.Equal(t, []int32{0, 1}, ambiguous[0].Labels)
	assert.Equal(t, uint32(1), ambiguous[0].Count)
}

func TestBuildMissingKeyIsFatal(t *testing.T) {
	genes := buildIndex(t, []string{"t0"}, []string{"A"})
	ec := ecindex.NewBuilder()
	ec.Freeze()
	_, err := Build(ec, genes, []ecindex.TxGroupKey{ecindex.MakeKey([]int32{0})}, 0, Opts{UMILength: 6, EditDistance: 1})
	assert.Error(t, err)
}

func TestBuildNaiveSkipsGraph(t *testing.T) {
	genes := buildIndex(t, []string{"t0"}, []string{"A"})
	ec := ecindex.NewBuilder()
	key := ecindex.MakeKey([]int32{0})
	ec.Add(key, []int32{0}, 0, umi.Encode("AAAAAA"), 3)
	ec.Add(key, []int32{0}, 0, umi.Encode("AAAAAT"), 1)
	ec.Freeze()

	res, err := Build(ec, genes, ec.Keys(), 0, Opts{UMILength: 6, EditDistance: 1, Naive: true})
	require.NoError(t, err)
	// Naive mode counts distinct UMIs, not collapsed arborescences.
	assert.Equal(t, float64(2), res.GeneAlphas[0])
}
