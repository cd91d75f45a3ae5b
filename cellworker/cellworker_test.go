package cellworker

import (
	"context"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/scquant/aggregate"
	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/sink"
	"github.com/bioforge/scquant/umi"
)

func newSink(t *testing.T, numGenes int) (*sink.Writer, string) {
	t.Helper()
	dir, err := ioutil.TempDir("", "scquant-cellworker")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	w, err := sink.NewWriter(context.Background(), []string{}, sink.Opts{
		AbundancePath: filepath.Join(dir, "abundance.bin"),
		FeaturesPath:  filepath.Join(dir, "features.tsv"),
		NumGenes:      numGenes,
		NumCells:      1,
	})
	require.NoError(t, err)
	return w, dir
}

// Scenario 1: two unambiguous genes, no multi-gene EC.
func TestProcessUnambiguousScenario(t *testing.T) {
	genes, err := geneindex.New([]string{"t0", "t1"}, []string{"A", "B"})
	require.NoError(t, err)

	ec := ecindex.NewBuilder()
	keyA := ecindex.MakeKey([]int32{0})
	keyB := ecindex.MakeKey([]int32{1})
	ec.Add(keyA, []int32{0}, 0, umi.Encode("AAAAAA"), 10)
	ec.Add(keyB, []int32{1}, 0, umi.Encode("CCCCCC"), 5)
	ec.Freeze()

	w, _ := newSink(t, 2)
	shard := &aggregate.Shard{}

	opts := Opts{NumGenes: 2, Protocol: ProtocolInfo{UMILength: 6}, EditDistance: 1, InitUniform: true}
	cell := Cell{Index: 0, Barcode: "BC1", MappedUMIs: 15, RawReads: 20}

	err = Process(ec, genes, ec.Keys(), cell, opts, nil, rand.New(rand.NewSource(1)), w, shard)
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	// Each EC holds a single UMI, which dedups to one molecule: alpha = (1, 1).
	assert.Equal(t, 2.0, shard.DedupCounts)
}

// Boundary: umiCount[cell] == 0 marks the cell inactive with no work done.
func TestProcessInactiveCellIsSkipped(t *testing.T) {
	genes, err := geneindex.New([]string{"t0"}, []string{"A"})
	require.NoError(t, err)
	ec := ecindex.NewBuilder()
	ec.Freeze()

	w, _ := newSink(t, 1)
	shard := &aggregate.Shard{}
	opts := Opts{NumGenes: 1, Protocol: ProtocolInfo{UMILength: 6}, EditDistance: 1, InitUniform: true}
	cell := Cell{Index: 0, Barcode: "BC0", MappedUMIs: 0, RawReads: 0}

	err = Process(ec, genes, ec.Keys(), cell, opts, nil, rand.New(rand.NewSource(1)), w, shard)
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int64(1), shard.SkippedCells)
	assert.Equal(t, 0.0, shard.DedupCounts)
}

// Fatal: a fragment-count mismatch between the EC index and the
// declared per-cell mapped-UMI total must abort with an error.
func TestProcessFragmentMismatchIsFatal(t *testing.T) {
	genes, err := geneindex.New([]string{"t0"}, []string{"A"})
	require.NoError(t, err)
	ec := ecindex.NewBuilder()
	key := ecindex.MakeKey([]int32{0})
	ec.Add(key, []int32{0}, 0, umi.Encode("AAAAAA"), 4)
	ec.Freeze()

	w, _ := newSink(t, 1)
	shard := &aggregate.Shard{}
	opts := Opts{NumGenes: 1, Protocol: ProtocolInfo{UMILength: 6}, EditDistance: 1, InitUniform: true}
	cell := Cell{Index: 0, Barcode: "BC1", MappedUMIs: 999, RawReads: 999}

	err = Process(ec, genes, ec.Keys(), cell, opts, nil, rand.New(rand.NewSource(1)), w, shard)
	assert.Error(t, err)
}

// MitoGenes/RiboGenes drive the feature row's mito/ribo fraction
// columns off the same alpha vector used for everything else.
func TestProcessMitoRiboFraction(t *testing.T) {
	genes, err := geneindex.New([]string{"t0", "t1"}, []string{"A", "B"})
	require.NoError(t, err)

	ec := ecindex.NewBuilder()
	keyA := ecindex.MakeKey([]int32{0})
	keyB := ecindex.MakeKey([]int32{1})
	ec.Add(keyA, []int32{0}, 0, umi.Encode("AAAAAA"), 10)
	ec.Add(keyB, []int32{1}, 0, umi.Encode("CCCCCC"), 5)
	ec.Freeze()

	w, _ := newSink(t, 2)
	shard := &aggregate.Shard{}

	opts := Opts{
		NumGenes:     2,
		Protocol:     ProtocolInfo{UMILength: 6},
		EditDistance: 1,
		InitUniform:  true,
		MitoGenes:    map[int32]bool{0: true},
		RiboGenes:    map[int32]bool{1: true},
	}
	cell := Cell{Index: 0, Barcode: "BC1", MappedUMIs: 15, RawReads: 20}

	row := buildFeatureRow(cell, []float64{10, 5}, opts)
	assert.NotZero(t, row.FeatureCode&featureCodeMito)
	assert.NotZero(t, row.FeatureCode&featureCodeRibo)
	assert.InDelta(t, 10.0/15.0, row.MitoFrac, 1e-9)
	assert.InDelta(t, 5.0/15.0, row.RiboFrac, 1e-9)

	err = Process(ec, genes, ec.Keys(), cell, opts, nil, rand.New(rand.NewSource(1)), w, shard)
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
}

// Scenario 6: VBEM with a symmetric fallback prior over a symmetric
// ambiguous EC converges to the symmetric fixed point.
func TestProcessVBEMSymmetricPrior(t *testing.T) {
	genes, err := geneindex.New([]string{"t0", "t1"}, []string{"A", "B"})
	require.NoError(t, err)
	ec := ecindex.NewBuilder()
	key := ecindex.MakeKey([]int32{0, 1})
	ec.Add(key, []int32{0, 1}, 0, umi.Encode("AAAAAA"), 20)
	ec.Freeze()

	w, _ := newSink(t, 2)
	shard := &aggregate.Shard{}
	opts := Opts{NumGenes: 2, Protocol: ProtocolInfo{UMILength: 6}, EditDistance: 1, InitUniform: true, UseVBEM: true, VBPrior: 1}
	cell := Cell{Index: 0, Barcode: "BC2", MappedUMIs: 20, RawReads: 20}

	err = Process(ec, genes, ec.Keys(), cell, opts, nil, rand.New(rand.NewSource(1)), w, shard)
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))
	// The single UMI dedups to one molecule, split evenly: alpha = (0.5, 0.5).
	assert.InDelta(t, 1.0, shard.DedupCounts, 1e-2)
}
