package samplers

import (
	"math/rand/v2"

	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// MTTKRPAll contracts a sparse tensor y against model u into g for every
// mode at once: each entry of y adds its value times the product of the
// other modes' factor rows into each mode's gradient row. When y holds the
// weighted derivative scalars from SampleGradient, the result is the same
// stochastic gradient FusedGradient computes in one pass. g is zeroed
// first.
func MTTKRPAll(y *sptensor.Sparse, u *ktensor.Ktensor, g *ktensor.Ktensor,
	parallelism int, strategy Strategy, pool *RNGPool) {
	g.Zero()
	runAccumulated(y.NNZ(), parallelism, strategy, g, pool,
		func(lo, hi int, _ *rand.Rand, acc accumulator) {
			sc := newScratch(u.NumModes(), u.Rank())
			for i := lo; i < hi; i++ {
				coords := y.Coords(i)
				modelValue(u, coords, sc)
				scatter(u, coords, y.Value(i), acc, sc)
			}
		})
}
