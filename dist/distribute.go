package dist

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// Entry is one tensor nonzero in transit between ranks, with global
// coordinates.
type Entry struct {
	Coords []int32
	Value  float64
}

// DistributeTensor routes each entry held by this rank to the rank whose
// block contains it, and returns this rank's shard as a sparse tensor with
// coordinates rebased to the local row ranges. Collective over the world
// communicator; every rank contributes its (possibly empty) entry list.
func DistributeTensor(pg *ProcessGroup, b Blocking, entries []Entry) (*sptensor.Sparse, error) {
	grid := pg.world.grid
	buckets := make([][]Entry, pg.NumProcs())
	for _, e := range entries {
		if len(e.Coords) != len(grid) {
			return nil, errors.Errorf("dist.DistributeTensor: entry has %d coordinates, tensor has %d modes", len(e.Coords), len(grid))
		}
		dst := b.OwnerRank(e.Coords, grid)
		buckets[dst] = append(buckets[dst], e)
	}
	for dst, bucket := range buckets {
		if len(bucket) > 0 {
			pg.Put(dst, bucket)
		}
	}
	pg.Comm().Barrier()

	var mine []Entry
	for _, v := range pg.Collect() {
		if v != nil {
			mine = append(mine, v.([]Entry)...)
		}
	}
	pg.Comm().Barrier()

	localDims := b.LocalDims(pg.Coords())
	x := sptensor.New(localDims, len(mine))
	coords := make([]int, len(grid))
	for i, e := range mine {
		for m := range grid {
			lo, _ := b.Range(m, pg.Coords()[m])
			coords[m] = int(e.Coords[m]) - lo
		}
		x.SetEntry(i, coords, e.Value)
	}
	klog.V(2).Infof("dist: rank %d holds %d of %d contributed entries", pg.Rank(), x.NNZ(), len(entries))
	return x, nil
}

// factorBlock is a mode's local factor rows in transit to the gather root.
type factorBlock struct {
	block int
	rows  []float64
}

// GatherFactorMatrix assembles the full mode-m factor matrix at world rank
// 0 from the sub-communicator roots that own each row block. The factor is
// replicated within a sub-communicator, so only sub-roots send. Returns the
// assembled matrix at rank 0 and nil elsewhere. Collective over the world
// communicator.
func GatherFactorMatrix(pg *ProcessGroup, b Blocking, m int, local *ktensor.FactorMatrix) *ktensor.FactorMatrix {
	if pg.IsSubRoot(m) {
		pg.Put(0, factorBlock{block: pg.Coords()[m], rows: local.Data()})
	}
	pg.Comm().Barrier()

	var full *ktensor.FactorMatrix
	if pg.Rank() == 0 {
		rows := b[m][len(b[m])-1]
		full = ktensor.NewFactorMatrix(rows, local.Cols())
		for _, v := range pg.Collect() {
			if v == nil {
				continue
			}
			fb := v.(factorBlock)
			lo, _ := b.Range(m, fb.block)
			copy(full.Data()[lo*local.Cols():], fb.rows)
		}
	} else {
		pg.Collect()
	}
	pg.Comm().Barrier()
	return full
}

// AllReduceFactors sums (or averages, when divide is true) every mode's
// factor matrix across the sub-communicator that replicates it. Modes whose
// sub-communicator has a single member are skipped. It returns the number
// of reductions performed. Collective.
func AllReduceFactors(pg *ProcessGroup, k *ktensor.Ktensor, divide bool) int {
	n := 0
	for m := 0; m < k.NumModes(); m++ {
		sub := pg.SubComm(m)
		if sub.Size() == 1 {
			continue
		}
		data := k.Factor(m).Data()
		sub.AllReduce(data)
		if divide {
			scale := 1 / float64(sub.Size())
			for i := range data {
				data[i] *= scale
			}
		}
		n++
	}
	return n
}
