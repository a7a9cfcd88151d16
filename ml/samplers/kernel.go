package samplers

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/sparsefold/sparsefold/pkg/support/xsync"
	"github.com/sparsefold/sparsefold/types/ktensor"
)

// accumulator receives per-element gradient contributions from a sampling
// kernel. Implementations differ only in how they synchronize.
type accumulator interface {
	add(mode, row, col int, v float64)
}

// directAccum writes straight into the target factors. Safe only when a
// single worker owns the target.
type directAccum struct {
	g *ktensor.Ktensor
}

func (a directAccum) add(mode, row, col int, v float64) {
	f := a.g.Factor(mode)
	f.Data()[row*f.Cols()+col] += v
}

// atomicAccum shares the target factors across workers with atomic adds.
type atomicAccum struct {
	g *ktensor.Ktensor
}

func (a atomicAccum) add(mode, row, col int, v float64) {
	f := a.g.Factor(mode)
	xsync.AddFloat64(&f.Data()[row*f.Cols()+col], v)
}

// scratch holds the per-worker buffers for the prefix/suffix factor-row
// products. curs[m*rank:...] is the product of factor rows of all modes
// before m, right is the running suffix product.
type scratch struct {
	curs  []float64
	right []float64
}

func newScratch(numModes, rank int) *scratch {
	return &scratch{
		curs:  make([]float64, numModes*rank),
		right: make([]float64, rank),
	}
}

// modelValue computes the model prediction at coords, leaving the per-mode
// prefix products in sc.curs for a following scatter call.
func modelValue(u *ktensor.Ktensor, coords []int32, sc *scratch) float64 {
	rank := u.Rank()
	nd := u.NumModes()
	left := sc.right // reuse as the running prefix before the suffix pass
	for r := 0; r < rank; r++ {
		left[r] = 1
	}
	for m := 0; m < nd; m++ {
		row := u.Factor(m).Row(int(coords[m]))
		cur := sc.curs[m*rank : (m+1)*rank]
		copy(cur, left)
		for r := 0; r < rank; r++ {
			left[r] *= row[r]
		}
	}
	var v float64
	w := u.Weights()
	for r := 0; r < rank; r++ {
		v += w[r] * left[r]
	}
	return v
}

// scatter adds d times the rank-one gradient of the model value at coords
// into acc: for each mode the contribution is the product of the other
// modes' factor rows. Must follow a modelValue call with the same coords
// and scratch.
func scatter(u *ktensor.Ktensor, coords []int32, d float64, acc accumulator, sc *scratch) {
	rank := u.Rank()
	nd := u.NumModes()
	right := sc.right
	for r := 0; r < rank; r++ {
		right[r] = 1
	}
	w := u.Weights()
	for m := nd - 1; m >= 0; m-- {
		row := int(coords[m])
		facRow := u.Factor(m).Row(row)
		cur := sc.curs[m*rank : (m+1)*rank]
		for r := 0; r < rank; r++ {
			acc.add(m, row, r, d*w[r]*cur[r]*right[r])
			right[r] *= facRow[r]
		}
	}
}

// runAccumulated partitions n items into blocks and runs body over them
// with the requested accumulation strategy, writing the combined result
// into g. body receives a half-open item range, a private random stream and
// the accumulator to write through.
func runAccumulated(n, parallelism int, strategy Strategy, g *ktensor.Ktensor,
	pool *RNGPool, body func(lo, hi int, rng *rand.Rand, acc accumulator)) {
	if n == 0 {
		return
	}
	if strategy == StrategySingle || parallelism <= 1 {
		rng := pool.Get()
		body(0, n, rng, directAccum{g})
		pool.Put(rng)
		return
	}

	// Over-decompose so stragglers even out; workers pull blocks from a
	// shared counter.
	numBlocks := parallelism * 4
	if numBlocks > n {
		numBlocks = n
	}
	blockSize := (n + numBlocks - 1) / numBlocks
	var next atomic.Int64

	numWorkers := parallelism
	if numWorkers > numBlocks {
		numWorkers = numBlocks
	}

	var duplicates []*ktensor.Ktensor
	if strategy == StrategyDuplicated {
		duplicates = make([]*ktensor.Ktensor, numWorkers)
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var acc accumulator
			switch strategy {
			case StrategyAtomic:
				acc = atomicAccum{g}
			case StrategyDuplicated:
				private := ktensor.New(g.Rank(), g.Dims())
				duplicates[w] = private
				acc = directAccum{private}
			}
			rng := pool.Get()
			defer pool.Put(rng)
			for {
				b := int(next.Add(1)) - 1
				if b >= numBlocks {
					return
				}
				lo := b * blockSize
				hi := lo + blockSize
				if hi > n {
					hi = n
				}
				body(lo, hi, rng, acc)
			}
		}(w)
	}
	wg.Wait()

	if strategy == StrategyDuplicated {
		for _, private := range duplicates {
			if private == nil {
				continue
			}
			for m := 0; m < g.NumModes(); m++ {
				floats.Add(g.Factor(m).Data(), private.Factor(m).Data())
			}
		}
	}
}
