package samplers

import (
	"math/rand/v2"

	"github.com/sparsefold/sparsefold/ml/losses"
	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// Uniform draws multi-indices uniformly from the whole tensor, nonzeros and
// zeros alike, and looks each one up in the data. Every sample carries the
// same weight numel/ns. Simpler than stratified sampling but needs far more
// samples when the tensor is very sparse, since most draws land on zeros.
type Uniform struct {
	x    *sptensor.Sparse
	opts Options

	// ns is the per-batch draw count, weight the shared importance weight.
	ns     int
	weight float64
	pool   *RNGPool
}

// NewUniform builds a uniform sampler drawing ns samples per batch with the
// given importance weight. The tensor is sorted in place for lookups.
func NewUniform(x *sptensor.Sparse, ns int, weight float64, opts Options) *Uniform {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	x.Sort()
	return &Uniform{
		x:      x,
		opts:   opts,
		ns:     ns,
		weight: weight,
		pool:   NewRNGPool(opts.Parallelism+1, opts.Seed),
	}
}

// SampleFit draws a batch for loss estimation. Sampled multi-indices that
// hit a stored entry carry its value, the rest are zeros.
func (s *Uniform) SampleFit() *Batch {
	nd := s.x.NumModes()
	y := sptensor.New(s.x.Dims(), s.ns)
	weights := make([]float64, s.ns)
	coords := make([]int, nd)
	c32 := make([]int32, nd)

	rng := s.pool.Get()
	defer s.pool.Put(rng)

	for i := 0; i < s.ns; i++ {
		drawCoords(rng, s.x.Dims(), c32)
		var x float64
		if idx, hit := s.x.Find(c32); hit {
			x = s.x.Value(idx)
		}
		for m := 0; m < nd; m++ {
			coords[m] = int(c32[m])
		}
		y.SetEntry(i, coords, x)
		weights[i] = s.weight
	}
	return &Batch{X: y, Weights: weights}
}

// FusedGradient draws a uniform gradient batch and contracts it against u
// in one pass, accumulating into g. g is zeroed first.
func (s *Uniform) FusedGradient(u *ktensor.Ktensor, loss losses.Loss, g *ktensor.Ktensor) {
	g.Zero()
	dims := s.x.Dims()
	runAccumulated(s.ns, s.opts.Parallelism, s.opts.Strategy, g, s.pool,
		func(lo, hi int, rng *rand.Rand, acc accumulator) {
			sc := newScratch(u.NumModes(), u.Rank())
			c32 := make([]int32, len(dims))
			for i := lo; i < hi; i++ {
				drawCoords(rng, dims, c32)
				var x float64
				if idx, hit := s.x.Find(c32); hit {
					x = s.x.Value(idx)
				}
				m := modelValue(u, c32, sc)
				scatter(u, c32, s.weight*loss.Deriv(x, m), acc, sc)
			}
		})
}
