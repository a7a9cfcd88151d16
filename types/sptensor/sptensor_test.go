package sptensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTensor(t *testing.T) *Sparse {
	x, err := FromCOO(
		[]int{3, 4, 2},
		[][]int{
			{2, 3, 1},
			{0, 0, 0},
			{1, 2, 0},
			{0, 3, 1},
		},
		[]float64{4, 1, 2, 3})
	require.NoError(t, err)
	return x
}

func TestFromCOO(t *testing.T) {
	x := testTensor(t)
	assert.Equal(t, 3, x.NumModes())
	assert.Equal(t, []int{3, 4, 2}, x.Dims())
	assert.Equal(t, 4, x.NNZ())
	assert.Equal(t, 24.0, x.NumelFloat())
	assert.Equal(t, 2, x.Coord(0, 0))
	assert.Equal(t, []int32{2, 3, 1}, x.Coords(0))
	assert.Equal(t, 4.0, x.Value(0))

	_, err := FromCOO([]int{2, 2}, [][]int{{0, 2}}, []float64{1})
	assert.Error(t, err, "out-of-bounds coordinate must be rejected")
	_, err = FromCOO([]int{2, 2}, [][]int{{0}}, []float64{1})
	assert.Error(t, err, "wrong arity must be rejected")
	_, err = FromCOO([]int{2, 2}, [][]int{{0, 0}}, []float64{1, 2})
	assert.Error(t, err, "mismatched lengths must be rejected")
}

func TestNorm(t *testing.T) {
	x := testTensor(t)
	assert.InDelta(t, 30.0, x.NormSq(), 1e-12)
	assert.InDelta(t, 5.477225575, x.Norm(), 1e-6)
}

func TestSortAndFind(t *testing.T) {
	x := testTensor(t)
	assert.False(t, x.IsSorted())
	x.Sort()
	require.True(t, x.IsSorted())

	// Lexicographic order: (0,0,0), (0,3,1), (1,2,0), (2,3,1).
	assert.Equal(t, []int32{0, 0, 0}, x.Coords(0))
	assert.Equal(t, 1.0, x.Value(0))
	assert.Equal(t, []int32{2, 3, 1}, x.Coords(3))
	assert.Equal(t, 4.0, x.Value(3))

	idx, ok := x.Find([]int32{1, 2, 0})
	require.True(t, ok)
	assert.Equal(t, 2.0, x.Value(idx))

	_, ok = x.Find([]int32{1, 2, 1})
	assert.False(t, ok, "structural zero must not be found")
	_, ok = x.Find([]int32{2, 3, 0})
	assert.False(t, ok)
}

func TestFindRequiresSort(t *testing.T) {
	x := testTensor(t)
	assert.Panics(t, func() { x.Find([]int32{0, 0, 0}) })
}

func TestSetEntryInvalidatesSort(t *testing.T) {
	x := testTensor(t)
	x.Sort()
	x.SetEntry(0, []int{2, 2, 1}, 9)
	assert.False(t, x.IsSorted())
}

func TestPermutation(t *testing.T) {
	x := testTensor(t)
	x.CreatePermutation()
	require.True(t, x.HasPerm())
	for m := 0; m < x.NumModes(); m++ {
		prev := -1
		for i := 0; i < x.NNZ(); i++ {
			c := x.Coord(x.Perm(i, m), m)
			assert.GreaterOrEqual(t, c, prev, "mode %d order broken at %d", m, i)
			prev = c
		}
	}
}
