// Package ktensor implements the Kruskal-form tensor: a sum of rank-one
// outer products described by one weight per component and one factor matrix
// per mode. It also provides Vector, a flat view over the concatenated
// factor matrices that lets stochastic optimizers treat the whole model as
// one contiguous vector of unknowns.
package ktensor

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// FactorMatrix is one mode's factor, stored row-major so that row i holds
// the rank coefficients of that mode's i-th coordinate. Its backing slice
// may alias a Vector arena.
type FactorMatrix struct {
	rows, cols int
	data       []float64
}

// NewFactorMatrix creates a zeroed rows x cols factor matrix.
func NewFactorMatrix(rows, cols int) *FactorMatrix {
	return &FactorMatrix{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// Rows returns the number of rows (the mode dimension).
func (f *FactorMatrix) Rows() int { return f.rows }

// Cols returns the number of columns (the decomposition rank).
func (f *FactorMatrix) Cols() int { return f.cols }

// At returns the entry at row i, column j.
func (f *FactorMatrix) At(i, j int) float64 { return f.data[i*f.cols+j] }

// Set sets the entry at row i, column j.
func (f *FactorMatrix) Set(i, j int, v float64) { f.data[i*f.cols+j] = v }

// Row returns a view of row i, aliasing the matrix storage.
func (f *FactorMatrix) Row(i int) []float64 { return f.data[i*f.cols : (i+1)*f.cols] }

// Data returns the backing slice, row-major.
func (f *FactorMatrix) Data() []float64 { return f.data }

// Dense returns a gonum view of the matrix, sharing storage.
func (f *FactorMatrix) Dense() *mat.Dense {
	return mat.NewDense(f.rows, f.cols, f.data)
}

// Ktensor is a rank-R Kruskal tensor over len(factors) modes.
type Ktensor struct {
	weights []float64
	factors []*FactorMatrix
}

// New creates a Kruskal tensor with unit weights and zeroed factors.
func New(rank int, dims []int) *Ktensor {
	k := &Ktensor{
		weights: make([]float64, rank),
		factors: make([]*FactorMatrix, len(dims)),
	}
	for r := range k.weights {
		k.weights[r] = 1
	}
	for m, d := range dims {
		k.factors[m] = NewFactorMatrix(d, rank)
	}
	return k
}

// FromFactors wraps existing factor matrices in a Kruskal tensor with unit
// weights. The matrices are not copied.
func FromFactors(factors []*FactorMatrix) (*Ktensor, error) {
	if len(factors) == 0 {
		return nil, errors.New("ktensor.FromFactors: no factor matrices")
	}
	rank := factors[0].Cols()
	for m, f := range factors {
		if f.Cols() != rank {
			return nil, errors.Errorf("ktensor.FromFactors: factor %d has %d columns, factor 0 has %d", m, f.Cols(), rank)
		}
	}
	k := &Ktensor{weights: make([]float64, rank), factors: factors}
	for r := range k.weights {
		k.weights[r] = 1
	}
	return k, nil
}

// Rank returns the number of components.
func (k *Ktensor) Rank() int { return len(k.weights) }

// NumModes returns the number of modes.
func (k *Ktensor) NumModes() int { return len(k.factors) }

// Dims returns the mode dimensions as a fresh slice.
func (k *Ktensor) Dims() []int {
	dims := make([]int, len(k.factors))
	for m, f := range k.factors {
		dims[m] = f.rows
	}
	return dims
}

// Weights returns the component weights, aliasing internal storage.
func (k *Ktensor) Weights() []float64 { return k.weights }

// Factor returns mode m's factor matrix.
func (k *Ktensor) Factor(m int) *FactorMatrix { return k.factors[m] }

// SetWeights sets every component weight to w.
func (k *Ktensor) SetWeights(w float64) {
	for r := range k.weights {
		k.weights[r] = w
	}
}

// Value evaluates the model at a multi-index: the weighted sum over
// components of the product of one factor row entry per mode.
func (k *Ktensor) Value(coords []int32) float64 {
	var v float64
	rank := len(k.weights)
	for r := 0; r < rank; r++ {
		t := k.weights[r]
		for m, f := range k.factors {
			t *= f.data[int(coords[m])*f.cols+r]
		}
		v += t
	}
	return v
}

// RandomScatter fills every factor entry with a uniform draw from [0, 1).
func (k *Ktensor) RandomScatter(rng *rand.Rand) {
	for _, f := range k.factors {
		for i := range f.data {
			f.data[i] = rng.Float64()
		}
	}
}

// Scale multiplies every factor entry by alpha.
func (k *Ktensor) Scale(alpha float64) {
	for _, f := range k.factors {
		floats.Scale(alpha, f.data)
	}
}

// Zero resets all factor entries to zero, leaving weights alone.
func (k *Ktensor) Zero() {
	for _, f := range k.factors {
		for i := range f.data {
			f.data[i] = 0
		}
	}
}

// NormFsq returns the squared Frobenius norm of the full (dense) tensor the
// model represents, computed from the factor Gram matrices without ever
// materializing it:
//
//	sum_{r,s} w_r w_s prod_m <A_m[:,r], A_m[:,s]>
func (k *Ktensor) NormFsq() float64 {
	rank := len(k.weights)
	acc := mat.NewDense(rank, rank, nil)
	for r := 0; r < rank; r++ {
		for s := 0; s < rank; s++ {
			acc.Set(r, s, k.weights[r]*k.weights[s])
		}
	}
	var gram mat.Dense
	for _, f := range k.factors {
		a := f.Dense()
		gram.Mul(a.T(), a)
		acc.MulElem(acc, &gram)
	}
	return mat.Sum(acc)
}

// Normalize rescales each component's factor columns to unit 2-norm,
// absorbing the norms into the component weight.
func (k *Ktensor) Normalize() {
	rank := len(k.weights)
	for _, f := range k.factors {
		for r := 0; r < rank; r++ {
			var nrm float64
			for i := 0; i < f.rows; i++ {
				v := f.data[i*f.cols+r]
				nrm += v * v
			}
			nrm = math.Sqrt(nrm)
			if nrm == 0 {
				continue
			}
			for i := 0; i < f.rows; i++ {
				f.data[i*f.cols+r] /= nrm
			}
			k.weights[r] *= nrm
		}
	}
}

// Arrange reorders components by decreasing weight magnitude. Factor
// columns move together with their weights.
func (k *Ktensor) Arrange() {
	rank := len(k.weights)
	order := make([]int, rank)
	for r := range order {
		order[r] = r
	}
	// Insertion sort keeps the reorder stable for tied weights.
	for i := 1; i < rank; i++ {
		for j := i; j > 0 && math.Abs(k.weights[order[j]]) > math.Abs(k.weights[order[j-1]]); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	weights := make([]float64, rank)
	for to, from := range order {
		weights[to] = k.weights[from]
	}
	copy(k.weights, weights)
	col := make([]float64, rank)
	for _, f := range k.factors {
		for i := 0; i < f.rows; i++ {
			row := f.Row(i)
			for to, from := range order {
				col[to] = row[from]
			}
			copy(row, col)
		}
	}
}

// DistributeWeights folds the component weights into mode's factor columns
// and resets the weights to one.
func (k *Ktensor) DistributeWeights(mode int) {
	f := k.factors[mode]
	for i := 0; i < f.rows; i++ {
		row := f.Row(i)
		for r, w := range k.weights {
			row[r] *= w
		}
	}
	k.SetWeights(1)
}
