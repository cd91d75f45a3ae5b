package bootstrap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioforge/scquant/geneec"
)

func gec(labels []int32, count uint32) geneec.GeneEC {
	return geneec.GeneEC{Labels: labels, Count: count}
}

// Scenario 5: bootstrap with B=100 on the scenario-1 evidence (two
// unambiguous genes, counts 10 and 5) converges in mean to (10, 5)
// within 1.0, with var(alpha_A) bounded by alpha_A itself (the gene has
// no ambiguous evidence feeding it, so the resampled counts are the
// only source of variance).
func TestRunConvergesOnUnambiguousEvidence(t *testing.T) {
	ecs := []geneec.GeneEC{gec([]int32{0}, 10), gec([]int32{1}, 5)}
	opts := Opts{
		NumGenes: 2,
		NumBootstraps: 100,
		InitUniform: true,
		Rand: rand.New(rand.NewSource(1)),
	}
	res, ok := Run(ecs, []float64{10, 5}, opts)
	require.True(t, ok)
	assert.InDelta(t, 10, res.Mean[0], 1.0)
	assert.InDelta(t, 5, res.Mean[1], 1.0)
	assert.LessOrEqual(t, res.Variance[0], res.Mean[0])
}

func TestRunRetainsAllSamplesWhenRequested(t *testing.T) {
	ecs := []geneec.GeneEC{gec([]int32{0, 1}, 20)}
	opts := Opts{
		NumGenes: 2,
		NumBootstraps: 10,
		InitUniform: true,
		UseAllBootstraps: true,
		Rand: rand.New(rand.NewSource(2)),
	}
	res, ok := Run(ecs, nil, opts)
	require.True(t, ok)
	assert.Len(t, res.Samples, 10)
	for _, s := range res.Samples {
		assert.Len(t, s, 2)
	}
}

func TestRunDiscardsSamplesByDefault(t *testing.T) {
	ecs := []geneec.GeneEC{gec([]int32{0}, 4)}
	opts := Opts{
		NumGenes: 1,
		NumBootstraps: 5,
		InitUniform: true,
		Rand: rand.New(rand.NewSource(3)),
	}
	res, ok := Run(ecs, []float64{4}, opts)
	require.True(t, ok)
	assert.Nil(t, res.Samples)
	assert.InDelta(t, 4, res.Mean[0], 1e-6)
}
