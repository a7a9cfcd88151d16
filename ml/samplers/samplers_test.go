package samplers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/sparsefold/sparsefold/ml/losses"
	"github.com/sparsefold/sparsefold/ml/steppers"
	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// randomTensor builds a sparse tensor with nnz distinct random entries.
func randomTensor(t *testing.T, dims []int, nnz int, seed uint64) *sptensor.Sparse {
	rng := rand.New(rand.NewPCG(seed, 0))
	seen := map[int]bool{}
	var coords [][]int
	var values []float64
	for len(coords) < nnz {
		c := make([]int, len(dims))
		flat := 0
		for m, d := range dims {
			c[m] = rng.IntN(d)
			flat = flat*d + c[m]
		}
		if seen[flat] {
			continue
		}
		seen[flat] = true
		coords = append(coords, c)
		values = append(values, 1+rng.Float64())
	}
	x, err := sptensor.FromCOO(dims, coords, values)
	require.NoError(t, err)
	return x
}

func randomModel(rank int, dims []int, seed uint64) *ktensor.Ktensor {
	k := ktensor.New(rank, dims)
	k.RandomScatter(rand.New(rand.NewPCG(seed, 1)))
	return k
}

// exactGradient iterates every multi-index of the full tensor, zeros
// included, and accumulates the true gradient by brute force.
func exactGradient(x *sptensor.Sparse, u *ktensor.Ktensor, loss losses.Loss) *ktensor.Ktensor {
	x.Sort()
	dims := x.Dims()
	rank := u.Rank()
	g := ktensor.New(rank, dims)
	g.Zero()
	coords := make([]int32, len(dims))
	total := int(x.NumelFloat())
	for i := 0; i < total; i++ {
		rest := i
		for m := len(dims) - 1; m >= 0; m-- {
			coords[m] = int32(rest % dims[m])
			rest /= dims[m]
		}
		var xv float64
		if idx, ok := x.Find(coords); ok {
			xv = x.Value(idx)
		}
		d := loss.Deriv(xv, u.Value(coords))
		for n := range dims {
			for r := 0; r < rank; r++ {
				p := u.Weights()[r]
				for mm := range dims {
					if mm != n {
						p *= u.Factor(mm).At(int(coords[mm]), r)
					}
				}
				g.Factor(n).Data()[int(coords[n])*rank+r] += d * p
			}
		}
	}
	return g
}

// exactLoss is the true objective summed over every multi-index.
func exactLoss(x *sptensor.Sparse, u *ktensor.Ktensor, loss losses.Loss) float64 {
	x.Sort()
	dims := x.Dims()
	coords := make([]int32, len(dims))
	total := int(x.NumelFloat())
	var sum float64
	for i := 0; i < total; i++ {
		rest := i
		for m := len(dims) - 1; m >= 0; m-- {
			coords[m] = int32(rest % dims[m])
			rest /= dims[m]
		}
		var xv float64
		if idx, ok := x.Find(coords); ok {
			xv = x.Value(idx)
		}
		sum += loss.Value(xv, u.Value(coords))
	}
	return sum
}

func flatten(k *ktensor.Ktensor) []float64 {
	var out []float64
	for m := 0; m < k.NumModes(); m++ {
		out = append(out, k.Factor(m).Data()...)
	}
	return out
}

func TestDefaultCounts(t *testing.T) {
	nz, zero := DefaultFitCounts(50, 1000)
	assert.Equal(t, 50, nz, "fit samples are capped by the nonzero count")
	assert.Equal(t, 50, zero)

	nz, _ = DefaultFitCounts(50_000_000, 1e12)
	assert.Equal(t, 500_000, nz, "1% of the nonzeros")

	nz, zero = DefaultGradCounts(300, 1e6, 100)
	assert.Equal(t, 300, nz, "floor of 1000 capped by the nonzero count")
	assert.Equal(t, 300, zero)

	nz, _ = DefaultGradCounts(1_000_000, 1e9, 100)
	assert.Equal(t, 30_000, nz, "three samples per nonzero spread over the epoch budget")

	assert.Equal(t, 100, DefaultUniformCount(100, 10), "capped by the tensor size")
	assert.Equal(t, 100_000, DefaultUniformCount(1e6, 100))
}

func TestSampleFitStrata(t *testing.T) {
	x := randomTensor(t, []int{6, 7, 8}, 40, 1)
	opts := Options{
		FitNZ: 30, FitZero: 50,
		FitWeightNZ: 40.0 / 30, FitWeightZero: (336.0 - 40) / 50,
		Seed: 2,
	}
	s := NewSemiStratified(x, opts)

	b := s.SampleFit()
	require.Equal(t, 80, b.X.NNZ())
	for i := 0; i < 30; i++ {
		idx, ok := x.Find(b.X.Coords(i))
		require.True(t, ok, "nonzero stratum sample %d must come from the data", i)
		assert.Equal(t, x.Value(idx), b.X.Value(i))
		assert.Equal(t, opts.FitWeightNZ, b.Weights[i])
	}
	for i := 30; i < 80; i++ {
		_, ok := x.Find(b.X.Coords(i))
		assert.False(t, ok, "zero stratum sample %d must miss the data", i)
		assert.Zero(t, b.X.Value(i))
		assert.Equal(t, opts.FitWeightZero, b.Weights[i])
	}
}

func TestEstimateFitUnbiased(t *testing.T) {
	x := randomTensor(t, []int{5, 6, 7}, 30, 3)
	u := randomModel(3, x.Dims(), 4)
	loss := losses.ByName("gaussian")
	want := exactLoss(x, u, loss)

	numel := x.NumelFloat()
	opts := Options{
		FitNZ: 20, FitZero: 60,
		FitWeightNZ:   float64(x.NNZ()) / 20,
		FitWeightZero: (numel - float64(x.NNZ())) / 60,
		Seed:          5,
	}
	s := NewSemiStratified(x, opts)

	const reps = 300
	var avg float64
	for i := 0; i < reps; i++ {
		avg += EstimateFit(s.SampleFit(), u, loss)
	}
	avg /= reps
	assert.InDelta(t, want, avg, 0.1*math.Abs(want))
}

func TestFusedGradientUnbiased(t *testing.T) {
	x := randomTensor(t, []int{5, 6, 7}, 40, 6)
	u := randomModel(3, x.Dims(), 7)
	loss := losses.ByName("gaussian")
	want := flatten(exactGradient(x, u, loss))

	numel := x.NumelFloat()
	opts := Options{
		GradNZ: 30, GradZero: 100,
		GradWeightNZ: float64(x.NNZ()) / 30,
		// Zero samples cover the whole index space, so the weight uses the
		// full tensor size.
		GradWeightZero: numel / 100,
		Parallelism:    4,
		Strategy:       StrategyDuplicated,
		Seed:           8,
	}
	s := NewSemiStratified(x, opts)

	g := ktensor.New(3, x.Dims())
	acc := make([]float64, len(want))
	const reps = 400
	for i := 0; i < reps; i++ {
		s.FusedGradient(u, loss, g)
		floats.Add(acc, flatten(g))
	}
	floats.Scale(1.0/reps, acc)

	assert.Less(t, relErr(acc, want), 0.15,
		"averaged stochastic gradient must approach the exact gradient")
}

func TestUniformGradientUnbiased(t *testing.T) {
	x := randomTensor(t, []int{5, 6, 7}, 40, 9)
	u := randomModel(3, x.Dims(), 10)
	loss := losses.ByName("gaussian")
	want := flatten(exactGradient(x, u, loss))

	numel := x.NumelFloat()
	const ns = 150
	s := NewUniform(x, ns, numel/ns, Options{Parallelism: 2, Strategy: StrategyAtomic, Seed: 11})

	g := ktensor.New(3, x.Dims())
	acc := make([]float64, len(want))
	const reps = 400
	for i := 0; i < reps; i++ {
		s.FusedGradient(u, loss, g)
		floats.Add(acc, flatten(g))
	}
	floats.Scale(1.0/reps, acc)
	assert.Less(t, relErr(acc, want), 0.15)
}

func relErr(got, want []float64) float64 {
	diff := make([]float64, len(got))
	floats.SubTo(diff, got, want)
	return floats.Norm(diff, 2) / floats.Norm(want, 2)
}

func TestStrategiesAgree(t *testing.T) {
	x := randomTensor(t, []int{6, 5, 4}, 35, 12)
	u := randomModel(2, x.Dims(), 13)
	loss := losses.ByName("poisson")

	opts := Options{GradNZ: 25, GradZero: 40, GradWeightNZ: 1.4, GradWeightZero: 3, Seed: 14}
	s := NewSemiStratified(x, opts)
	batch := s.SampleGradient(u, loss)

	pool := NewRNGPool(8, 15)
	ref := ktensor.New(2, x.Dims())
	MTTKRPAll(batch.X, u, ref, 1, StrategySingle, pool)

	for _, strategy := range []Strategy{StrategyAtomic, StrategyDuplicated} {
		g := ktensor.New(2, x.Dims())
		MTTKRPAll(batch.X, u, g, 4, strategy, pool)
		assert.InDeltaSlice(t, flatten(ref), flatten(g), 1e-9, strategy.String())
	}
}

func TestMTTKRPMatchesFusedExpectation(t *testing.T) {
	// The materialized path and the fused path share their contraction, so
	// contracting a batch of exact derivative values must equal the brute
	// force gradient over those entries.
	x := randomTensor(t, []int{4, 4, 4}, 20, 16)
	u := randomModel(2, x.Dims(), 17)
	loss := losses.ByName("gaussian")

	// Batch holding every stored entry with its exact derivative.
	y := sptensor.New(x.Dims(), x.NNZ())
	coords := make([]int, 3)
	for i := 0; i < x.NNZ(); i++ {
		for m := 0; m < 3; m++ {
			coords[m] = x.Coord(i, m)
		}
		y.SetEntry(i, coords, loss.Deriv(x.Value(i), u.Value(x.Coords(i))))
	}

	g := ktensor.New(2, x.Dims())
	MTTKRPAll(y, u, g, 1, StrategySingle, NewRNGPool(2, 18))

	want := ktensor.New(2, x.Dims())
	for i := 0; i < y.NNZ(); i++ {
		d := y.Value(i)
		for n := 0; n < 3; n++ {
			for r := 0; r < 2; r++ {
				p := d
				for mm := 0; mm < 3; mm++ {
					if mm != n {
						p *= u.Factor(mm).At(y.Coord(i, mm), r)
					}
				}
				want.Factor(n).Data()[y.Coord(i, n)*2+r] += p
			}
		}
	}
	assert.InDeltaSlice(t, flatten(want), flatten(g), 1e-10)
}

func TestFusedGradientAsync(t *testing.T) {
	x := randomTensor(t, []int{6, 6, 6}, 50, 19)
	u := ktensor.NewVector(3, x.Dims())
	u.Randomize(rand.New(rand.NewPCG(20, 0)))
	loss := losses.ByName("gaussian")

	numel := x.NumelFloat()
	opts := Options{
		GradNZ: 50, GradZero: 100,
		GradWeightNZ:   1,
		GradWeightZero: numel / 100,
		Parallelism:    4,
		Seed:           21,
	}
	s := NewSemiStratified(x, opts)

	stepper := steppers.New("sgd", 3, x.Dims(), steppers.Options{}).(steppers.Async)
	stepper.SetStep(1e-3)

	before := append([]float64(nil), u.Data()...)
	lossBefore := exactLoss(x, u.Ktensor(), loss)
	for i := 0; i < 20; i++ {
		s.FusedGradientAsync(u, loss, stepper)
	}
	assert.False(t, floats.Equal(before, u.Data()), "async evaluation must move the model")
	for _, v := range u.Data() {
		require.False(t, math.IsNaN(v))
	}
	assert.Less(t, exactLoss(x, u.Ktensor(), loss), lossBefore,
		"descent steps must reduce the objective")
}

func TestFusedGradientHistoryPenalty(t *testing.T) {
	x := randomTensor(t, []int{5, 5, 5}, 30, 22)
	u := randomModel(2, x.Dims(), 23)
	loss := losses.ByName("gaussian")

	opts := Options{
		GradNZ: 20, GradZero: 30,
		GradWeightNZ: 1.5, GradWeightZero: 4,
		Strategy: StrategySingle,
		Seed:     24,
	}
	plain := NewSemiStratified(x, opts)

	// A history equal to the current model deviates nowhere, so a gaussian
	// penalty of any weight must leave the gradient untouched. Identical
	// seeds make both samplers draw the same batch.
	same := randomModel(2, x.Dims(), 23)
	optsSame := opts
	optsSame.History = same
	optsSame.HistoryWeight = 5
	pinned := NewSemiStratified(x, optsSame)

	g0 := ktensor.New(2, x.Dims())
	g1 := ktensor.New(2, x.Dims())
	plain.FusedGradient(u, loss, g0)
	pinned.FusedGradient(u, loss, g1)
	assert.InDeltaSlice(t, flatten(g0), flatten(g1), 1e-12,
		"zero drift from history must contribute nothing")

	// A drifted history must change the gradient.
	optsDrift := opts
	optsDrift.History = randomModel(2, x.Dims(), 25)
	optsDrift.HistoryWeight = 5
	drifted := NewSemiStratified(x, optsDrift)
	g2 := ktensor.New(2, x.Dims())
	drifted.FusedGradient(u, loss, g2)
	assert.False(t, floats.Equal(flatten(g0), flatten(g2)),
		"nonzero drift must alter the gradient")
}

func TestOverRequestedNonzerosAreCapped(t *testing.T) {
	x := randomTensor(t, []int{6, 5, 4}, 30, 31)
	u := randomModel(2, x.Dims(), 32)
	s := NewSemiStratified(x, Options{
		GradNZ: 500, GradZero: 20, GradWeightNZ: 1, GradWeightZero: 1,
		FitNZ: 500, FitZero: 10, FitWeightNZ: 1, FitWeightZero: 1,
		Seed: 33,
	})
	assert.Equal(t, 30, s.Options().GradNZ, "nonzero requests cap at the stored entries")
	assert.Equal(t, 30, s.Options().FitNZ)

	g := ktensor.New(2, x.Dims())
	s.FusedGradient(u, losses.Gaussian{}, g)
	for _, v := range flatten(g) {
		require.False(t, math.IsNaN(v))
	}
	assert.Equal(t, 40, s.SampleFit().X.NNZ())
}
