package samplers

import (
	"math/rand/v2"

	"github.com/sparsefold/sparsefold/ml/losses"
	"github.com/sparsefold/sparsefold/ml/steppers"
	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// SemiStratified samples nonzeros and structural zeros as separate strata.
//
// Fit batches are exactly stratified: zero draws are rejected until they
// miss the nonzero set, which requires the data tensor to be sorted. On the
// gradient path the zero stratum is drawn from the whole tensor without
// rejection; the nonzero stratum compensates by contributing the difference
// between its true derivative and the derivative a zero would have had at
// the same multi-index, keeping the combined estimate unbiased while
// skipping the per-sample search.
type SemiStratified struct {
	x    *sptensor.Sparse
	opts Options
	pool *RNGPool
}

// NewSemiStratified builds a semi-stratified sampler over x. Nonzero sample
// counts exceeding the stored entries are capped by what is available. The
// tensor is sorted in place if it is not already, to support the fit path's
// zero rejection.
func NewSemiStratified(x *sptensor.Sparse, opts Options) *SemiStratified {
	if opts.GradNZ > x.NNZ() {
		opts.GradNZ = x.NNZ()
	}
	if opts.FitNZ > x.NNZ() {
		opts.FitNZ = x.NNZ()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	x.Sort()
	return &SemiStratified{
		x:    x,
		opts: opts,
		pool: NewRNGPool(opts.Parallelism+1, opts.Seed),
	}
}

// SampleFit draws a stratified batch for loss estimation: FitNZ uniform
// draws from the nonzeros carrying their data values, and FitZero draws of
// multi-indices verified to be structural zeros.
func (s *SemiStratified) SampleFit() *Batch {
	nd := s.x.NumModes()
	total := s.opts.FitNZ + s.opts.FitZero
	y := sptensor.New(s.x.Dims(), total)
	weights := make([]float64, total)
	coords := make([]int, nd)
	c32 := make([]int32, nd)

	rng := s.pool.Get()
	defer s.pool.Put(rng)

	for i := 0; i < s.opts.FitNZ; i++ {
		idx := rng.IntN(s.x.NNZ())
		for m := 0; m < nd; m++ {
			coords[m] = s.x.Coord(idx, m)
		}
		y.SetEntry(i, coords, s.x.Value(idx))
		weights[i] = s.opts.FitWeightNZ
	}
	for i := 0; i < s.opts.FitZero; i++ {
		for {
			drawCoords(rng, s.x.Dims(), c32)
			if _, hit := s.x.Find(c32); !hit {
				break
			}
		}
		for m := 0; m < nd; m++ {
			coords[m] = int(c32[m])
		}
		y.SetEntry(s.opts.FitNZ+i, coords, 0)
		weights[s.opts.FitNZ+i] = s.opts.FitWeightZero
	}
	return &Batch{X: y, Weights: weights}
}

// FusedGradient draws a gradient batch and contracts it against u in one
// pass, accumulating the stochastic gradient into g. g is zeroed first.
// The loss enters only through its derivative at the sampled entries. When
// Options.History is set, each sample also penalizes drift from the value
// the previous window's factorization takes at that multi-index.
func (s *SemiStratified) FusedGradient(u *ktensor.Ktensor, loss losses.Loss, g *ktensor.Ktensor) {
	g.Zero()
	nnz := s.x.NNZ()
	dims := s.x.Dims()
	wNZ := s.opts.GradWeightNZ
	wZ := s.opts.GradWeightZero
	hist := s.opts.History
	wHist := s.opts.HistoryWeight
	total := s.opts.GradNZ + s.opts.GradZero

	runAccumulated(total, s.opts.Parallelism, s.opts.Strategy, g, s.pool,
		func(lo, hi int, rng *rand.Rand, acc accumulator) {
			sc := newScratch(u.NumModes(), u.Rank())
			c32 := make([]int32, len(dims))
			for i := lo; i < hi; i++ {
				if i < s.opts.GradNZ {
					idx := rng.IntN(nnz)
					coords := s.x.Coords(idx)
					m := modelValue(u, coords, sc)
					d := wNZ * (loss.Deriv(s.x.Value(idx), m) - loss.Deriv(0, m))
					if hist != nil {
						d += wHist * loss.Deriv(hist.Value(coords), m)
					}
					scatter(u, coords, d, acc, sc)
				} else {
					drawCoords(rng, dims, c32)
					m := modelValue(u, c32, sc)
					d := wZ * loss.Deriv(0, m)
					if hist != nil {
						d += wHist * loss.Deriv(hist.Value(c32), m)
					}
					scatter(u, c32, d, acc, sc)
				}
			}
		})
}

// FusedGradientAsync is the lock-free variant: instead of building a
// gradient, every per-element contribution is applied to the live model
// through the stepper's atomic per-element rule as soon as it is computed.
// Workers read model values that other workers are concurrently updating;
// that torn view is the accepted trade of asynchronous SGD.
func (s *SemiStratified) FusedGradientAsync(u *ktensor.Vector, loss losses.Loss, stepper steppers.Async) {
	ut := u.Ktensor()
	nnz := s.x.NNZ()
	dims := s.x.Dims()
	rank := u.Rank()
	wNZ := s.opts.GradWeightNZ
	wZ := s.opts.GradWeightZero
	total := s.opts.GradNZ + s.opts.GradZero

	// Flat offset of each mode's factor block inside the model vector.
	base := make([]int, len(dims))
	off := 0
	for m, d := range dims {
		base[m] = off
		off += d * rank
	}
	apply := asyncAccum{stepper: stepper, u: u, base: base, rank: rank}

	runAccumulated(total, s.opts.Parallelism, StrategyAtomic, ut, s.pool,
		func(lo, hi int, rng *rand.Rand, _ accumulator) {
			sc := newScratch(ut.NumModes(), rank)
			c32 := make([]int32, len(dims))
			for i := lo; i < hi; i++ {
				if i < s.opts.GradNZ {
					idx := rng.IntN(nnz)
					coords := s.x.Coords(idx)
					m := modelValue(ut, coords, sc)
					d := wNZ * (loss.Deriv(s.x.Value(idx), m) - loss.Deriv(0, m))
					scatter(ut, coords, d, apply, sc)
				} else {
					drawCoords(rng, dims, c32)
					m := modelValue(ut, c32, sc)
					d := wZ * loss.Deriv(0, m)
					scatter(ut, c32, d, apply, sc)
				}
			}
		})
}

// asyncAccum routes per-element contributions straight into the stepper's
// atomic update instead of a gradient buffer.
type asyncAccum struct {
	stepper steppers.Async
	u       *ktensor.Vector
	base    []int
	rank    int
}

func (a asyncAccum) add(mode, row, col int, v float64) {
	a.stepper.EvalAsync(a.base[mode]+row*a.rank+col, v, a.u)
}

// SampleGradient draws a gradient batch and materializes it: the returned
// batch's values are the weighted derivative scalars, ready for MTTKRP. It
// exists for diagnostics and for contraction kernels that want the batch as
// a tensor; the solver's hot path is FusedGradient.
func (s *SemiStratified) SampleGradient(u *ktensor.Ktensor, loss losses.Loss) *Batch {
	nd := s.x.NumModes()
	total := s.opts.GradNZ + s.opts.GradZero
	y := sptensor.New(s.x.Dims(), total)
	weights := make([]float64, total)
	coords := make([]int, nd)
	c32 := make([]int32, nd)
	sc := newScratch(u.NumModes(), u.Rank())

	rng := s.pool.Get()
	defer s.pool.Put(rng)

	for i := 0; i < total; i++ {
		var d float64
		if i < s.opts.GradNZ {
			idx := rng.IntN(s.x.NNZ())
			for m := 0; m < nd; m++ {
				coords[m] = s.x.Coord(idx, m)
				c32[m] = int32(coords[m])
			}
			m := modelValue(u, c32, sc)
			d = s.opts.GradWeightNZ * (loss.Deriv(s.x.Value(idx), m) - loss.Deriv(0, m))
			weights[i] = s.opts.GradWeightNZ
		} else {
			drawCoords(rng, s.x.Dims(), c32)
			for m := 0; m < nd; m++ {
				coords[m] = int(c32[m])
			}
			m := modelValue(u, c32, sc)
			d = s.opts.GradWeightZero * loss.Deriv(0, m)
			weights[i] = s.opts.GradWeightZero
		}
		y.SetEntry(i, coords, d)
	}
	return &Batch{X: y, Weights: weights}
}

// Options returns the sampler's configuration.
func (s *SemiStratified) Options() Options { return s.opts }
