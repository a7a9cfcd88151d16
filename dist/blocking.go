package dist

import "sort"

// Blocking records how each tensor mode is split into contiguous row blocks
// across the process grid: Blocking[m] holds grid[m]+1 boundaries, so grid
// coordinate c along mode m owns rows [Blocking[m][c], Blocking[m][c+1]).
type Blocking [][]int

// UniformBlocking splits n rows into nblocks contiguous blocks whose sizes
// differ by at most one, the first n%nblocks blocks absorbing the
// remainder. It returns the nblocks+1 boundaries.
func UniformBlocking(n, nblocks int) []int {
	base := n / nblocks
	rem := n % nblocks
	bounds := make([]int, nblocks+1)
	for b := 0; b < nblocks; b++ {
		size := base
		if b < rem {
			size++
		}
		bounds[b+1] = bounds[b] + size
	}
	return bounds
}

// NewBlocking builds the uniform blocking of dims over the process grid.
func NewBlocking(dims, grid []int) Blocking {
	b := make(Blocking, len(dims))
	for m, d := range dims {
		b[m] = UniformBlocking(d, grid[m])
	}
	return b
}

// BlockOf returns the block index along mode m owning global row i.
func (b Blocking) BlockOf(m, i int) int {
	return sort.SearchInts(b[m], i+1) - 1
}

// Range returns the half-open row range along mode m owned by grid
// coordinate c.
func (b Blocking) Range(m, c int) (lo, hi int) {
	return b[m][c], b[m][c+1]
}

// OwnerRank returns the world rank whose block contains the given global
// multi-index under the given grid.
func (b Blocking) OwnerRank(coords []int32, grid []int) int {
	gc := make([]int, len(grid))
	for m := range grid {
		gc[m] = b.BlockOf(m, int(coords[m]))
	}
	return gridRank(gc, grid)
}

// LocalDims returns the mode extents of the block owned by the given grid
// coordinates.
func (b Blocking) LocalDims(coords []int) []int {
	dims := make([]int, len(b))
	for m, c := range coords {
		lo, hi := b.Range(m, c)
		dims[m] = hi - lo
	}
	return dims
}
