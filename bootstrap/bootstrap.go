// Package bootstrap implements the non-parametric bootstrap driver:
// resample a cell's gene equivalence classes multinomially, re-run EM
// on each replicate, and accumulate per-gene moments.
//
// Bootstrap never runs VBEM -- every replicate uses plain EM.
package bootstrap

import (
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/bioforge/scquant/em"
	"github.com/bioforge/scquant/geneec"
)

// Opts configures the bootstrap driver.
type Opts struct {
	NumGenes         int
	NumBootstraps    uint32
	UseAllBootstraps bool
	InitUniform      bool
	// Rand is the per-worker seeded generator: one PRNG per worker,
	// seeded from a top-level seed, never instantiated fresh inside the
	// loop.
	Rand *rand.Rand
}

// Result is the outcome of a cell's bootstrap run.
type Result struct {
	Mean     []float64
	Variance []float64
	// Samples holds every replicate's converged α, only populated when
	// Opts.UseAllBootstraps is set.
	Samples [][]float64
}

// Run resamples ecs Opts.NumBootstraps times and re-runs EM on each
// replicate, seeded from pointEstimate (the cell's already-converged
// EM/VBEM abundance vector) unless Opts.InitUniform is set, in which
// case every replicate starts from the uniform 1/G vector and
// pointEstimate is not used. ok is false if any replicate's EM failed to converge
// to a usable mass, which aborts the whole bootstrap for this cell.
func Run(ecs []geneec.GeneEC, pointEstimate []float64, opts Opts) (Result, bool) {
	total := 0
	weights := make([]float64, len(ecs))
	for i, ec := range ecs {
		weights[i] = float64(ec.Count)
		total += int(ec.Count)
	}

	sampler := distuv.Categorical{Weights: weights, Src: opts.Rand}

	res := Result{
		Mean:     make([]float64, opts.NumGenes),
		Variance: make([]float64, opts.NumGenes),
	}
	squareMean := make([]float64, opts.NumGenes)

	resampled := make([]geneec.GeneEC, len(ecs))
	copy(resampled, ecs)

	for b := uint32(0); b < opts.NumBootstraps; b++ {
		counts := make([]uint32, len(ecs))
		for n := 0; n < total; n++ {
			idx := int(sampler.Rand())
			counts[idx]++
		}
		for i := range resampled {
			resampled[i] = geneec.GeneEC{Labels: ecs[i].Labels, Count: counts[i]}
		}

		alpha, ok := em.Run(resampled, pointEstimate, em.Opts{NumGenes: opts.NumGenes, InitUniform: opts.InitUniform})
		if !ok {
			return Result{}, false
		}

		for i, a := range alpha {
			res.Mean[i] += a
			squareMean[i] += a * a
		}
		if opts.UseAllBootstraps {
			res.Samples = append(res.Samples, alpha)
		}
	}

	if opts.UseAllBootstraps && uint32(len(res.Samples)) != opts.NumBootstraps {
		return Result{}, false
	}

	n := float64(opts.NumBootstraps)
	for i := range res.Mean {
		mean := res.Mean[i] / n
		res.Mean[i] = mean
		res.Variance[i] = squareMean[i]/n - mean*mean
		if res.Variance[i] < 0 {
			// Floating-point epsilon underflow, not a real negative
			// variance; clamp to zero.
			res.Variance[i] = 0
		}
	}
	return res, true
}
