// Package sptensor implements a sparse tensor stored in coordinate (COO)
// format: a list of multi-indices with one value per multi-index.
//
// The layout mirrors the usual COO convention for tensor decomposition
// workloads: coordinates are kept in a single flat slice of length
// nnz*numModes, row-major per entry, so that entry i's mode-m coordinate is
// coords[i*numModes+m]. Values live in a parallel slice.
//
// A Sparse can optionally be sorted lexicographically, which enables
// logarithmic-time lookup of arbitrary multi-indices (see Sparse.Find), and a
// per-mode permutation can be built for kernels that want to walk the
// nonzeros grouped by one mode's coordinate (see Sparse.CreatePermutation).
package sptensor

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Sparse is a sparse tensor in coordinate format.
//
// The zero value is not usable: build one with New or FromCOO.
type Sparse struct {
	dims   []int
	coords []int32
	values []float64

	sorted bool

	// perm[m] orders the nonzero indices by their mode-m coordinate.
	// Empty until CreatePermutation is called, invalidated by Sort.
	perm [][]int32
}

// New creates a sparse tensor with the given dimensions and capacity for nnz
// nonzero entries. All entries start at coordinate zero with value zero; use
// SetEntry to fill them in.
func New(dims []int, nnz int) *Sparse {
	return &Sparse{
		dims:   append([]int(nil), dims...),
		coords: make([]int32, nnz*len(dims)),
		values: make([]float64, nnz),
	}
}

// FromCOO creates a sparse tensor from parallel coordinate/value lists.
// It validates that every coordinate is within bounds.
func FromCOO(dims []int, coords [][]int, values []float64) (*Sparse, error) {
	if len(coords) != len(values) {
		return nil, errors.Errorf("sptensor.FromCOO: got %d coordinate tuples but %d values", len(coords), len(values))
	}
	x := New(dims, len(values))
	for i, c := range coords {
		if len(c) != len(dims) {
			return nil, errors.Errorf("sptensor.FromCOO: entry %d has %d coordinates, tensor has %d modes", i, len(c), len(dims))
		}
		for m, cm := range c {
			if cm < 0 || cm >= dims[m] {
				return nil, errors.Errorf("sptensor.FromCOO: entry %d mode %d coordinate %d out of bounds [0, %d)", i, m, cm, dims[m])
			}
			x.coords[i*len(dims)+m] = int32(cm)
		}
		x.values[i] = values[i]
	}
	return x, nil
}

// NumModes returns the number of modes (the tensor order).
func (x *Sparse) NumModes() int { return len(x.dims) }

// Dim returns the size of mode m.
func (x *Sparse) Dim(m int) int { return x.dims[m] }

// Dims returns the tensor dimensions. The returned slice is owned by the
// tensor and must not be modified.
func (x *Sparse) Dims() []int { return x.dims }

// NNZ returns the number of stored entries.
func (x *Sparse) NNZ() int { return len(x.values) }

// NumelFloat returns the total number of elements, stored or not, as a
// float64. Tensors of interest routinely overflow what fits in hardware
// integer products, so all global-size arithmetic is done in floating point.
func (x *Sparse) NumelFloat() float64 {
	n := 1.0
	for _, d := range x.dims {
		n *= float64(d)
	}
	return n
}

// Value returns the value of stored entry i.
func (x *Sparse) Value(i int) float64 { return x.values[i] }

// Coord returns stored entry i's coordinate along mode m.
func (x *Sparse) Coord(i, m int) int { return int(x.coords[i*len(x.dims)+m]) }

// Coords returns a view of stored entry i's coordinates. The slice aliases
// the tensor's storage.
func (x *Sparse) Coords(i int) []int32 {
	nd := len(x.dims)
	return x.coords[i*nd : (i+1)*nd]
}

// SetEntry sets stored entry i to the given coordinates and value.
// It invalidates any sorted order or permutation built earlier.
func (x *Sparse) SetEntry(i int, coords []int, value float64) {
	nd := len(x.dims)
	for m := 0; m < nd; m++ {
		x.coords[i*nd+m] = int32(coords[m])
	}
	x.values[i] = value
	x.sorted = false
	x.perm = nil
}

// Norm returns the Frobenius norm of the stored entries.
func (x *Sparse) Norm() float64 {
	return math.Sqrt(x.NormSq())
}

// NormSq returns the squared Frobenius norm of the stored entries.
func (x *Sparse) NormSq() float64 {
	var s float64
	for _, v := range x.values {
		s += v * v
	}
	return s
}

// less reports whether entry i sorts lexicographically before entry j.
func (x *Sparse) less(i, j int) bool {
	nd := len(x.dims)
	a := x.coords[i*nd : (i+1)*nd]
	b := x.coords[j*nd : (j+1)*nd]
	for m := 0; m < nd; m++ {
		if a[m] != b[m] {
			return a[m] < b[m]
		}
	}
	return false
}

// Sort orders the stored entries lexicographically by coordinate. It is a
// no-op if the tensor is already sorted. Sorting invalidates permutations
// from CreatePermutation.
func (x *Sparse) Sort() {
	if x.sorted {
		return
	}
	nd := len(x.dims)
	order := make([]int32, len(x.values))
	for i := range order {
		order[i] = int32(i)
	}
	sort.Slice(order, func(a, b int) bool { return x.less(int(order[a]), int(order[b])) })
	coords := make([]int32, len(x.coords))
	values := make([]float64, len(x.values))
	for to, from := range order {
		copy(coords[to*nd:(to+1)*nd], x.coords[int(from)*nd:(int(from)+1)*nd])
		values[to] = x.values[from]
	}
	x.coords = coords
	x.values = values
	x.sorted = true
	x.perm = nil
}

// IsSorted reports whether Sort has been called since the last mutation.
func (x *Sparse) IsSorted() bool { return x.sorted }

// Find locates a multi-index among the stored entries and returns its entry
// index. The tensor must be sorted. The boolean is false when the
// multi-index is a structural zero.
func (x *Sparse) Find(coords []int32) (int, bool) {
	if !x.sorted {
		panic("sptensor: Find requires a sorted tensor, call Sort first")
	}
	nd := len(x.dims)
	lo, hi := 0, len(x.values)
	for lo < hi {
		mid := (lo + hi) / 2
		if lexLess(x.coords[mid*nd:(mid+1)*nd], coords) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(x.values) && lexEqual(x.coords[lo*nd:(lo+1)*nd], coords) {
		return lo, true
	}
	return -1, false
}

func lexLess(a, b []int32) bool {
	for m := range a {
		if a[m] != b[m] {
			return a[m] < b[m]
		}
	}
	return false
}

func lexEqual(a, b []int32) bool {
	for m := range a {
		if a[m] != b[m] {
			return false
		}
	}
	return true
}

// CreatePermutation builds, for each mode, a permutation of entry indices
// ordered by that mode's coordinate. Kernels that accumulate one mode's rows
// without atomics use it to visit each row's contributions contiguously.
func (x *Sparse) CreatePermutation() {
	nd := len(x.dims)
	x.perm = make([][]int32, nd)
	for m := 0; m < nd; m++ {
		p := make([]int32, len(x.values))
		for i := range p {
			p[i] = int32(i)
		}
		mm := m
		sort.Slice(p, func(a, b int) bool {
			ca := x.coords[int(p[a])*nd+mm]
			cb := x.coords[int(p[b])*nd+mm]
			if ca != cb {
				return ca < cb
			}
			return p[a] < p[b]
		})
		x.perm[m] = p
	}
}

// HasPerm reports whether CreatePermutation has been called since the last
// mutation.
func (x *Sparse) HasPerm() bool { return x.perm != nil }

// Perm returns the i-th entry index in mode m's coordinate-sorted order.
func (x *Sparse) Perm(i, m int) int { return int(x.perm[m][i]) }
