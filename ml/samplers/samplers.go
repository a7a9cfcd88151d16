// Package samplers implements the stochastic sampling back-end of
// generalized CP decomposition: drawing batches of tensor entries for loss
// estimation, and the fused sample-and-contract kernels that turn a batch
// into a gradient with respect to the factor matrices without ever
// materializing it.
//
// Two sampling schemes are provided. SemiStratified draws the data nonzeros
// and the structural zeros as separate strata with importance weights that
// make the combined estimate unbiased, skipping the (expensive) search for
// zeros on the gradient path. Uniform draws multi-indices uniformly from
// the whole tensor and looks each one up.
package samplers

import (
	"math/rand/v2"

	"github.com/sparsefold/sparsefold/ml/losses"
	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// Batch is a set of sampled tensor entries with one importance weight per
// entry. Values are data values for fit batches, and pre-weighted gradient
// scalars for materialized gradient batches.
type Batch struct {
	X       *sptensor.Sparse
	Weights []float64
}

// Options configures a sampler. Counts are local to the calling process;
// weights are derived from global totals by the caller so that the sum over
// all processes is an unbiased estimate.
type Options struct {
	// FitNZ and FitZero are the per-batch sample counts for loss
	// estimation, drawn from the nonzeros and the structural zeros.
	FitNZ, FitZero int

	// GradNZ and GradZero are the per-batch sample counts for gradient
	// estimation.
	GradNZ, GradZero int

	// FitWeightNZ, FitWeightZero, GradWeightNZ and GradWeightZero are the
	// importance weights attached to samples of each stratum.
	FitWeightNZ, FitWeightZero   float64
	GradWeightNZ, GradWeightZero float64

	// Parallelism is the number of worker goroutines for the sampling and
	// contraction kernels. Zero or one runs serially.
	Parallelism int

	// Strategy selects the gradient accumulation scheme.
	Strategy Strategy

	// History, when non-nil, adds a streaming penalty to semi-stratified
	// gradient batches: each sampled entry also pulls the model toward the
	// value the previous window's factorization takes at the same
	// multi-index, scaled by HistoryWeight.
	History       *ktensor.Ktensor
	HistoryWeight float64

	// Seed seeds the sampler's random streams.
	Seed uint64
}

// DefaultFitCounts returns the stratified sample counts used for loss
// estimation when none are configured: about 1% of the nonzeros, at least
// 100k, and a matching number of zeros capped by how many zeros exist.
func DefaultFitCounts(nnz int, numel float64) (nz, zero int) {
	nz = (nnz + 99) / 100
	if nz < 100_000 {
		nz = 100_000
	}
	if nz > nnz {
		nz = nnz
	}
	zero = nz
	if z := numel - float64(nnz); float64(zero) > z {
		zero = int(z)
	}
	return nz, zero
}

// DefaultGradCounts returns the stratified gradient sample counts when none
// are configured: three nonzero samples per stored entry spread over the
// epoch budget, at least 1000, and a matching zero count.
func DefaultGradCounts(nnz int, numel float64, maxEpochs int) (nz, zero int) {
	nz = (3*nnz + maxEpochs - 1) / maxEpochs
	if nz < 1000 {
		nz = 1000
	}
	if nz > nnz {
		nz = nnz
	}
	zero = nz
	if z := numel - float64(nnz); float64(zero) > z {
		zero = int(z)
	}
	return nz, zero
}

// DefaultUniformCount returns the per-batch sample count for the uniform
// sampler: ten samples per element spread over the epoch budget, at least
// 1000, at most the tensor size.
func DefaultUniformCount(numel float64, maxEpochs int) int {
	ns := 10 * numel / float64(maxEpochs)
	if ns < 1000 {
		ns = 1000
	}
	if ns > numel {
		ns = numel
	}
	return int(ns)
}

// EstimateFit returns the weighted loss estimate of model u over a sampled
// batch: the sum of weight_i * loss(x_i, model(coords_i)).
func EstimateFit(b *Batch, u *ktensor.Ktensor, loss losses.Loss) float64 {
	sc := newScratch(u.NumModes(), u.Rank())
	var fest float64
	for i := 0; i < b.X.NNZ(); i++ {
		m := modelValue(u, b.X.Coords(i), sc)
		fest += b.Weights[i] * loss.Value(b.X.Value(i), m)
	}
	return fest
}

func drawCoords(rng *rand.Rand, dims []int, out []int32) {
	for m, d := range dims {
		out[m] = int32(rng.IntN(d))
	}
}
