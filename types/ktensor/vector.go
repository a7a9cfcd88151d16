package ktensor

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Vector is a Kruskal tensor laid out as one contiguous slice: the factor
// matrices of all modes concatenated in mode order. Stochastic optimizers
// treat model, gradient and optimizer state uniformly through this view, so
// clone/axpy/dot/norm are single flat-slice operations, while Ktensor()
// exposes the same storage as factor matrices for sampling kernels.
type Vector struct {
	rank int
	dims []int
	data []float64
	kt   *Ktensor
}

// NewVector allocates a zeroed flat Kruskal vector for the given rank and
// mode dimensions.
func NewVector(rank int, dims []int) *Vector {
	n := 0
	for _, d := range dims {
		n += d * rank
	}
	v := &Vector{
		rank: rank,
		dims: append([]int(nil), dims...),
		data: make([]float64, n),
	}
	v.kt = v.buildView()
	return v
}

func (v *Vector) buildView() *Ktensor {
	k := &Ktensor{
		weights: make([]float64, v.rank),
		factors: make([]*FactorMatrix, len(v.dims)),
	}
	for r := range k.weights {
		k.weights[r] = 1
	}
	off := 0
	for m, d := range v.dims {
		k.factors[m] = &FactorMatrix{rows: d, cols: v.rank, data: v.data[off : off+d*v.rank]}
		off += d * v.rank
	}
	return k
}

// Rank returns the number of components.
func (v *Vector) Rank() int { return v.rank }

// Dims returns the mode dimensions. The slice is owned by the vector.
func (v *Vector) Dims() []int { return v.dims }

// Len returns the total number of scalar unknowns.
func (v *Vector) Len() int { return len(v.data) }

// Data returns the flat backing slice.
func (v *Vector) Data() []float64 { return v.data }

// Ktensor returns the factor-matrix view of the vector. The view shares
// storage: writes through either side are visible to the other.
func (v *Vector) Ktensor() *Ktensor { return v.kt }

// Clone returns a deep copy.
func (v *Vector) Clone() *Vector {
	c := NewVector(v.rank, v.dims)
	copy(c.data, v.data)
	return c
}

// Set copies x's contents into v. The shapes must match.
func (v *Vector) Set(x *Vector) { copy(v.data, x.data) }

// Zero resets all entries to zero.
func (v *Vector) Zero() {
	for i := range v.data {
		v.data[i] = 0
	}
}

// Fill sets every entry to alpha.
func (v *Vector) Fill(alpha float64) {
	for i := range v.data {
		v.data[i] = alpha
	}
}

// Randomize fills the vector with uniform draws from [0, 1).
func (v *Vector) Randomize(rng *rand.Rand) {
	for i := range v.data {
		v.data[i] = rng.Float64()
	}
}

// Scale multiplies every entry by alpha.
func (v *Vector) Scale(alpha float64) { floats.Scale(alpha, v.data) }

// Plus adds x into v element-wise.
func (v *Vector) Plus(x *Vector) { floats.Add(v.data, x.data) }

// Axpy accumulates alpha*x into v.
func (v *Vector) Axpy(alpha float64, x *Vector) { floats.AddScaled(v.data, alpha, x.data) }

// Dot returns the inner product of v and x.
func (v *Vector) Dot(x *Vector) float64 { return floats.Dot(v.data, x.data) }

// Norm returns the 2-norm.
func (v *Vector) Norm() float64 { return floats.Norm(v.data, 2) }
