package dist

import "github.com/pkg/errors"

// ChooseGrid factors nprocs into a Cartesian grid with one axis per tensor
// mode, minimizing the factor-matrix rows each process ends up owning
// (the per-process communication and storage cost of the decomposition).
// It enumerates all ordered factorizations of nprocs recursively.
func ChooseGrid(nprocs int, dims []int) ([]int, error) {
	if nprocs < 1 {
		return nil, errors.Errorf("dist.ChooseGrid: need at least one process, got %d", nprocs)
	}
	if len(dims) == 0 {
		return nil, errors.New("dist.ChooseGrid: no tensor dimensions")
	}
	best := make([]int, len(dims))
	cur := make([]int, len(dims))
	bestCost := -1.0
	var recurse func(mode, remaining int)
	recurse = func(mode, remaining int) {
		if mode == len(dims)-1 {
			if remaining > dims[mode] {
				return
			}
			cur[mode] = remaining
			cost := 0.0
			for m, d := range dims {
				cost += float64((d + cur[m] - 1) / cur[m])
			}
			if bestCost < 0 || cost < bestCost {
				bestCost = cost
				copy(best, cur)
			}
			return
		}
		for f := 1; f <= remaining && f <= dims[mode]; f++ {
			if remaining%f != 0 {
				continue
			}
			cur[mode] = f
			recurse(mode+1, remaining/f)
		}
	}
	recurse(0, nprocs)
	if bestCost < 0 {
		return nil, errors.Errorf("dist.ChooseGrid: cannot factor %d processes over tensor dimensions %v", nprocs, dims)
	}
	return best, nil
}

// gridCoords converts a flat process rank into per-axis grid coordinates,
// last axis fastest.
func gridCoords(rank int, grid []int) []int {
	coords := make([]int, len(grid))
	for m := len(grid) - 1; m >= 0; m-- {
		coords[m] = rank % grid[m]
		rank /= grid[m]
	}
	return coords
}

// gridRank converts per-axis grid coordinates back to a flat process rank.
func gridRank(coords, grid []int) int {
	rank := 0
	for m, c := range coords {
		rank = rank*grid[m] + c
	}
	return rank
}
