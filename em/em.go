// Package em implements the EM / VBEM fixed-point kernel: it iterates
// a responsibility-weighted update over a cell's gene equivalence
// classes until a relative-change stopping rule is met.
package em

import (
	"math"

	"gonum.org/v1/gonum/mathext"

	"github.com/bioforge/scquant/geneec"
)

const (
	minIter = 50
	maxIter = 10000
	relDiffTolerance = 0.01
	alphaCheckCutoff = 1e-2
	minAlpha = 1e-8
	// digammaMin is alevin's own threshold below which a digamma-
	// transformed expectation is treated as numerically unreliable and
	// clamped to zero rather than evaluated.
	digammaMin = 1e-4
)

// Opts configures one run of the kernel.
type Opts struct {
	NumGenes int
	UseVBEM bool
	InitUniform bool
	// Prior is the per-gene Dirichlet prior vector, required when
	// UseVBEM is set: VBEM without a prior and without InitUniform is a
	// startup-time option conflict, validated by the caller before Run
	// is ever invoked.
	Prior []float64
}

// Run executes the EM or VBEM fixed point to convergence (or maxIter)
// and returns the truncated abundance vector. ok is false if the
// post-truncation mass collapsed to (effectively) zero -- a per-cell
// numerical failure.
func Run(ecs []geneec.GeneEC, warmStart []float64, opts Opts) (alpha []float64, ok bool) {
	g := opts.NumGenes
	alpha = make([]float64, g)
	if opts.InitUniform {
		u := 1.0 / float64(g)
		for i := range alpha {
			alpha[i] = u
		}
	} else {
		copy(alpha, warmStart)
	}
	for i := range alpha {
		alpha[i] = (alpha[i] + 0.5) * 1e-3
	}

	alphaPrime := make([]float64, g)
	converged := false
	for it := 0; it < minIter || (it < maxIter && !converged); it++ {
		if opts.UseVBEM {
			vbemUpdate(ecs, alpha, opts.Prior, alphaPrime)
		} else {
			emUpdate(ecs, alpha, alphaPrime)
		}

		converged = true
		for i := 0; i < g; i++ {
			if alphaPrime[i] > alphaCheckCutoff {
				relDiff := math.Abs(alpha[i]-alphaPrime[i]) / alphaPrime[i]
				if relDiff > relDiffTolerance {
					converged = false
				}
			}
			alpha[i] = alphaPrime[i]
			alphaPrime[i] = 0
		}
	}

	sum := truncate(alpha)
	if sum < math.SmallestNonzeroFloat64 {
		return alpha, false
	}
	return alpha, true
}

// emUpdate is the plain-EM responsibility step.
func emUpdate(ecs []geneec.GeneEC, alphaIn, alphaOut []float64) {
	for _, ec := range ecs {
		if len(ec.Labels) == 1 {
			alphaOut[ec.Labels[0]] += float64(ec.Count)
			continue
		}
		denom := 0.0
		for _, gid := range ec.Labels {
			denom += alphaIn[gid]
		}
		if denom <= 0 {
			continue
		}
		invDenom := float64(ec.Count) / denom
		for _, gid := range ec.Labels {
			v := alphaIn[gid]
			if math.IsNaN(v) {
				continue
			}
			alphaOut[gid] += v * invDenom
		}
	}
}

// vbemUpdate is the variational-Bayes responsibility step: the raw α
// is replaced by a digamma-transformed expected log θ.
func vbemUpdate(ecs []geneec.GeneEC, alphaIn, prior, alphaOut []float64) {
	g := len(alphaIn)
	expTheta := make([]float64, g)

	alphaSum := 0.0
	for i := 0; i < g; i++ {
		alphaSum += alphaIn[i] + prior[i]
	}
	logNorm := 0.0
	if alphaSum > digammaMin {
		logNorm = mathext.Digamma(alphaSum)
	}
	for i := 0; i < g; i++ {
		ap := alphaIn[i] + prior[i]
		if ap > digammaMin {
			expTheta[i] = math.Exp(mathext.Digamma(ap) - logNorm)
		}
	}

	for _, ec := range ecs {
		if len(ec.Labels) == 1 {
			alphaOut[ec.Labels[0]] += float64(ec.Count)
			continue
		}
		denom := 0.0
		for _, gid := range ec.Labels {
			if expTheta[gid] > 0 {
				denom += expTheta[gid]
			}
		}
		if denom <= 0 {
			continue
		}
		invDenom := float64(ec.Count) / denom
		for _, gid := range ec.Labels {
			if expTheta[gid] > 0 {
				alphaOut[gid] += expTheta[gid] * invDenom
			}
		}
	}
}

// truncate zeroes out entries below minAlpha and returns the resulting
// sum, post-processing step.
func truncate(alpha []float64) float64 {
	sum := 0.0
	for i, a := range alpha {
		if a < minAlpha {
			alpha[i] = 0
		}
		sum += alpha[i]
	}
	return sum
}
