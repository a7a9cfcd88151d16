// Package dist provides the process topology and collective communication
// for the distributed solver. A World hosts a fixed number of process ranks
// as goroutines arranged in a Cartesian grid with one axis per tensor mode.
// Each rank owns one block of the tensor and the matching row ranges of the
// factor matrices; per-mode sub-communicators connect the ranks that own
// the same rows of a mode's factor and therefore must sum their gradient
// contributions.
package dist

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World is a Cartesian grid of process ranks with their communicators.
type World struct {
	nprocs int
	grid   []int

	world *Comm
	// subComms[m] maps a rank to its mode-m sub-communicator: the group of
	// ranks sharing that rank's grid coordinate along mode m.
	subComms [][]*Comm
	subRanks [][]int

	// slots is an nprocs x nprocs mailbox matrix for point-to-point style
	// exchanges under barrier protection: slots[src][dst].
	slots [][]any
}

// NewWorld builds a world of nprocs ranks over a tensor with the given mode
// dimensions, choosing the process grid automatically.
func NewWorld(nprocs int, dims []int) (*World, error) {
	grid, err := ChooseGrid(nprocs, dims)
	if err != nil {
		return nil, err
	}
	return NewWorldWithGrid(nprocs, grid)
}

// NewWorldWithGrid builds a world over an explicit process grid. The grid
// axis sizes must multiply to nprocs.
func NewWorldWithGrid(nprocs int, grid []int) (*World, error) {
	total := 1
	for _, g := range grid {
		if g < 1 {
			return nil, errors.Errorf("dist.NewWorldWithGrid: grid axis size %d must be positive", g)
		}
		total *= g
	}
	if total != nprocs {
		return nil, errors.Errorf("dist.NewWorldWithGrid: grid %v describes %d processes, want %d", grid, total, nprocs)
	}
	w := &World{
		nprocs:   nprocs,
		grid:     append([]int(nil), grid...),
		world:    newComm(nprocs),
		subComms: make([][]*Comm, len(grid)),
		subRanks: make([][]int, len(grid)),
		slots:    make([][]any, nprocs),
	}
	for r := range w.slots {
		w.slots[r] = make([]any, nprocs)
	}

	// One sub-communicator per mode per coordinate value: rank r joins the
	// mode-m group of all ranks sharing its coordinate along m. Within a
	// group, members are ordered by world rank.
	for m := range grid {
		w.subComms[m] = make([]*Comm, nprocs)
		w.subRanks[m] = make([]int, nprocs)
		groups := make(map[int][]int) // mode-m coordinate -> member ranks
		for r := 0; r < nprocs; r++ {
			c := gridCoords(r, grid)[m]
			groups[c] = append(groups[c], r)
		}
		for _, members := range groups {
			comm := newComm(len(members))
			for i, r := range members {
				w.subComms[m][r] = comm
				w.subRanks[m][r] = i
			}
		}
	}
	klog.V(1).Infof("dist: world of %d processes on grid %v", nprocs, grid)
	return w, nil
}

// NumProcs returns the number of ranks.
func (w *World) NumProcs() int { return w.nprocs }

// Grid returns the process grid axis sizes.
func (w *World) Grid() []int { return w.grid }

// Run starts fn on every rank concurrently and waits for all to return.
// The first non-nil error is returned, wrapped with its rank.
func (w *World) Run(fn func(pg *ProcessGroup) error) error {
	errs := make([]error, w.nprocs)
	var wg sync.WaitGroup
	for r := 0; r < w.nprocs; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(w.Group(r))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "rank %d", r)
		}
	}
	return nil
}

// Group returns rank r's handle onto the world.
func (w *World) Group(r int) *ProcessGroup {
	return &ProcessGroup{world: w, rank: r, coords: gridCoords(r, w.grid)}
}

// ProcessGroup is one rank's view of the world: its identity in the grid
// plus the communicators it participates in. All collective methods must be
// called by every rank of the corresponding communicator.
type ProcessGroup struct {
	world  *World
	rank   int
	coords []int
}

// Rank returns this process's world rank.
func (pg *ProcessGroup) Rank() int { return pg.rank }

// NumProcs returns the world size.
func (pg *ProcessGroup) NumProcs() int { return pg.world.nprocs }

// Coords returns this process's grid coordinates, one per mode.
func (pg *ProcessGroup) Coords() []int { return pg.coords }

// GridSize returns the process grid's extent along mode m.
func (pg *ProcessGroup) GridSize(m int) int { return pg.world.grid[m] }

// Comm returns the world communicator.
func (pg *ProcessGroup) Comm() *Comm { return pg.world.world }

// SubComm returns this rank's sub-communicator for mode m: the ranks that
// own the same factor-matrix rows of mode m.
func (pg *ProcessGroup) SubComm(m int) *Comm { return pg.world.subComms[m][pg.rank] }

// SubRank returns this rank's position inside its mode-m sub-communicator.
func (pg *ProcessGroup) SubRank(m int) int { return pg.world.subRanks[m][pg.rank] }

// SubSize returns the size of this rank's mode-m sub-communicator.
func (pg *ProcessGroup) SubSize(m int) int { return pg.SubComm(m).Size() }

// IsSubRoot reports whether this rank is rank zero of its mode-m
// sub-communicator. Factor matrices are replicated within a sub-
// communicator, so only sub-roots contribute them to gathers.
func (pg *ProcessGroup) IsSubRoot(m int) bool { return pg.SubRank(m) == 0 }

// Put deposits a value for rank dst. The matching Collect must be
// separated from Put by a Barrier on the world communicator.
func (pg *ProcessGroup) Put(dst int, v any) {
	pg.world.slots[pg.rank][dst] = v
}

// Collect drains every value deposited for this rank, ordered by source
// rank. Missing deposits yield nil entries.
func (pg *ProcessGroup) Collect() []any {
	out := make([]any, pg.world.nprocs)
	for src := 0; src < pg.world.nprocs; src++ {
		out[src] = pg.world.slots[src][pg.rank]
		pg.world.slots[src][pg.rank] = nil
	}
	return out
}

// String implements fmt.Stringer.
func (pg *ProcessGroup) String() string {
	return fmt.Sprintf("rank %d/%d at %v of grid %v", pg.rank, pg.world.nprocs, pg.coords, pg.world.grid)
}
