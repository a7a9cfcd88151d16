package gcp

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparsefold/sparsefold/dist"
	"github.com/sparsefold/sparsefold/ml/samplers"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// lowRankTensor samples nnz distinct entries of a random rank-r tensor with
// nonnegative factors, so a higher-rank decomposition can recover it.
func lowRankTensor(t *testing.T, dims []int, rank, nnz int, seed uint64) *sptensor.Sparse {
	rng := rand.New(rand.NewPCG(seed, 0))
	factors := make([][][]float64, len(dims))
	for m, d := range dims {
		factors[m] = make([][]float64, d)
		for i := range factors[m] {
			row := make([]float64, rank)
			for r := range row {
				row[r] = rng.Float64()
			}
			factors[m][i] = row
		}
	}
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
		var v float64
		for r := 0; r < rank; r++ {
			p := 1.0
			for m := range dims {
				p *= factors[m][c[m]][r]
			}
			v += p
		}
		coords = append(coords, c)
		values = append(values, v)
	}
	x, err := sptensor.FromCOO(dims, coords, values)
	require.NoError(t, err)
	return x
}

func toEntries(x *sptensor.Sparse) []dist.Entry {
	entries := make([]dist.Entry, x.NNZ())
	for i := range entries {
		entries[i] = dist.Entry{
			Coords: append([]int32(nil), x.Coords(i)...),
			Value:  x.Value(i),
		}
	}
	return entries
}

// solve runs the solver over nprocs in-process ranks and returns the
// result together with the gathered model's weights.
func solve(t *testing.T, x *sptensor.Sparse, grid []int, cfg *Config) (*Result, []float64) {
	nprocs := 1
	for _, g := range grid {
		nprocs *= g
	}
	w, err := dist.NewWorldWithGrid(nprocs, grid)
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), grid)
	entries := toEntries(x)

	var result *Result
	var weights []float64
	err = w.Run(func(pg *dist.ProcessGroup) error {
		var mine []dist.Entry
		if pg.Rank() == 0 {
			mine = entries
		}
		shard, err := dist.DistributeTensor(pg, b, mine)
		if err != nil {
			return err
		}
		s, err := NewSolver(pg, shard, x.Dims(), b, cfg)
		if err != nil {
			return err
		}
		res, err := s.Solve()
		if err != nil {
			return err
		}
		model, err := s.GatherModel()
		if err != nil {
			return err
		}
		if pg.Rank() == 0 {
			result = res
			weights = model.Weights()
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result, weights
}

func testConfig() *Config {
	cfg := NewConfig()
	cfg.Rank = 5
	cfg.MaxEpochs = 200
	cfg.EpochIters = 10
	cfg.BatchSizeNZ = 200
	cfg.BatchSizeZero = 200
	cfg.Rate = 1e-2
	cfg.Tol = 1e-6
	cfg.Parallelism = 2
	cfg.Seed = 99
	return cfg
}

func TestSolveRecoversLowRankTensor(t *testing.T) {
	x := lowRankTensor(t, []int{15, 12, 10}, 3, 900, 1)
	res, weights := solve(t, x, []int{1, 1, 1}, testConfig())

	assert.Greater(t, res.Fit, 0.9, "a rank-5 model must recover a rank-3 tensor")
	assert.Greater(t, res.Epochs, 0)
	for r := 1; r < len(weights); r++ {
		assert.LessOrEqual(t, math.Abs(weights[r]), math.Abs(weights[r-1]),
			"gathered components must be ordered by weight")
	}
}

func TestSolveDistributedMatchesQuality(t *testing.T) {
	x := lowRankTensor(t, []int{16, 12, 10}, 3, 900, 2)
	res, _ := solve(t, x, []int{2, 1, 1}, testConfig())
	assert.Greater(t, res.Fit, 0.9, "two ranks with per-iteration reduction")

	res4, _ := solve(t, x, []int{2, 2, 1}, testConfig())
	assert.Greater(t, res4.Fit, 0.9, "four ranks on a 2x2 grid")
}

func TestSolveFederatedAveraging(t *testing.T) {
	x := lowRankTensor(t, []int{16, 12, 10}, 3, 900, 3)
	cfg := testConfig()
	cfg.Method = MethodFedOpt
	cfg.FedAvg = true
	cfg.DownpourIters = 5
	res, _ := solve(t, x, []int{2, 1, 1}, cfg)
	assert.Greater(t, res.Fit, 0.8, "federated averaging still converges")
}

func TestSolveFederatedMetaStep(t *testing.T) {
	x := lowRankTensor(t, []int{16, 12, 10}, 3, 900, 4)
	cfg := testConfig()
	cfg.Method = MethodFedOpt
	cfg.DownpourIters = 5
	cfg.MetaRate = 1e-2
	res, _ := solve(t, x, []int{2, 1, 1}, cfg)
	require.False(t, math.IsNaN(res.Fest))
	assert.Less(t, res.Fest, math.Inf(1))
}

func TestSolveAsync(t *testing.T) {
	x := lowRankTensor(t, []int{12, 10, 8}, 2, 500, 5)
	cfg := testConfig()
	cfg.Stepper = "sgd"
	cfg.Async = true
	cfg.MaxEpochs = 50
	res, _ := solve(t, x, []int{1, 1, 1}, cfg)
	require.False(t, math.IsNaN(res.Fest))
}

func TestSolveUniformSampler(t *testing.T) {
	x := lowRankTensor(t, []int{12, 10, 8}, 2, 500, 6)
	cfg := testConfig()
	cfg.Sampler = "uniform"
	cfg.MaxEpochs = 100
	res, _ := solve(t, x, []int{1, 1, 1}, cfg)
	assert.Greater(t, res.Fit, 0.8)
}

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Rank = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Method = "gossip"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Sampler = "importance"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Rate = -1
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Method = MethodFedOpt
	bad.DownpourIters = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Method = MethodFedOpt
	bad.Async = true
	assert.Error(t, bad.Validate())
}

func TestAsyncRequiresCapableStepper(t *testing.T) {
	x := lowRankTensor(t, []int{8, 8, 8}, 2, 200, 7)
	w, err := dist.NewWorldWithGrid(1, []int{1, 1, 1})
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), w.Grid())

	err = w.Run(func(pg *dist.ProcessGroup) error {
		shard, err := dist.DistributeTensor(pg, b, toEntries(x))
		if err != nil {
			return err
		}
		cfg := testConfig()
		cfg.Stepper = "adam"
		cfg.Async = true
		_, err = NewSolver(pg, shard, x.Dims(), b, cfg)
		assert.Error(t, err, "adam keeps history and cannot step asynchronously")
		return nil
	})
	require.NoError(t, err)
}

func TestUnknownNamesSurfaceAsErrors(t *testing.T) {
	x := lowRankTensor(t, []int{8, 8, 8}, 2, 200, 8)
	w, err := dist.NewWorldWithGrid(1, []int{1, 1, 1})
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), w.Grid())

	err = w.Run(func(pg *dist.ProcessGroup) error {
		shard, err := dist.DistributeTensor(pg, b, toEntries(x))
		if err != nil {
			return err
		}
		cfg := testConfig()
		cfg.Loss = "hinge"
		_, err = NewSolver(pg, shard, x.Dims(), b, cfg)
		assert.ErrorContains(t, err, "unknown loss")

		cfg = testConfig()
		cfg.Stepper = "lbfgs"
		_, err = NewSolver(pg, shard, x.Dims(), b, cfg)
		assert.ErrorContains(t, err, "unknown stepper")
		return nil
	})
	require.NoError(t, err)
}

func TestFitBatchIsHeldFixed(t *testing.T) {
	x := lowRankTensor(t, []int{10, 8, 6}, 2, 200, 8)
	w, err := dist.NewWorldWithGrid(1, []int{1, 1, 1})
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), w.Grid())
	err = w.Run(func(pg *dist.ProcessGroup) error {
		shard, err := dist.DistributeTensor(pg, b, toEntries(x))
		if err != nil {
			return err
		}
		s, err := NewSolver(pg, shard, x.Dims(), b, testConfig())
		if err != nil {
			return err
		}
		first := s.estimateFest()
		// Advancing the sampler's streams must not move the estimate: the
		// evaluation batch is pinned for the whole run, so accept and
		// rollback decisions see model change rather than batch noise.
		s.sampler.SampleFit()
		assert.Equal(t, first, s.estimateFest())
		return nil
	})
	require.NoError(t, err)
}

func TestFederatedSyncsAtEpochEnd(t *testing.T) {
	x := lowRankTensor(t, []int{16, 12, 10}, 3, 900, 9)
	cfg := testConfig()
	cfg.Method = MethodFedOpt
	cfg.FedAvg = true
	cfg.DownpourIters = 3
	cfg.EpochIters = 4 // not a multiple of the cadence
	cfg.MaxEpochs = 3

	grid := []int{2, 1, 1}
	w, err := dist.NewWorldWithGrid(2, grid)
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), grid)
	entries := toEntries(x)

	replicated := make([][]float64, 2)
	var mu sync.Mutex
	err = w.Run(func(pg *dist.ProcessGroup) error {
		var mine []dist.Entry
		if pg.Rank() == 0 {
			mine = entries
		}
		shard, err := dist.DistributeTensor(pg, b, mine)
		if err != nil {
			return err
		}
		s, err := NewSolver(pg, shard, x.Dims(), b, cfg)
		if err != nil {
			return err
		}
		if _, err := s.Solve(); err != nil {
			return err
		}
		// Modes 1 and 2 are replicated on both ranks of this grid; only
		// mode 0 is split.
		kt := s.Model()
		flat := append([]float64(nil), kt.Factor(1).Data()...)
		flat = append(flat, kt.Factor(2).Data()...)
		mu.Lock()
		replicated[pg.Rank()] = flat
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, replicated[0], replicated[1],
		"replicated factors must agree at every epoch boundary")
}

func TestDefaultBatchUsesEpochBudget(t *testing.T) {
	x := lowRankTensor(t, []int{20, 20, 10}, 2, 2000, 10)
	w, err := dist.NewWorldWithGrid(1, []int{1, 1, 1})
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), w.Grid())
	err = w.Run(func(pg *dist.ProcessGroup) error {
		shard, err := dist.DistributeTensor(pg, b, toEntries(x))
		if err != nil {
			return err
		}
		cfg := NewConfig()
		cfg.Rank = 2
		cfg.MaxEpochs = 3
		cfg.Seed = 11
		s, err := NewSolver(pg, shard, x.Dims(), b, cfg)
		if err != nil {
			return err
		}
		// ceil(3*2000/3), capped by the stored entries; the derived epoch
		// then visits each nonzero about three times.
		opts := s.sampler.(*samplers.SemiStratified).Options()
		assert.Equal(t, 2000, opts.GradNZ)
		assert.Equal(t, 1, s.epochIters)
		return nil
	})
	require.NoError(t, err)
}

func TestTimeBudgetStopsRanksTogether(t *testing.T) {
	x := lowRankTensor(t, []int{16, 12, 10}, 3, 900, 12)
	cfg := testConfig()
	cfg.MaxEpochs = 50
	cfg.MaxSecs = 1e-9

	grid := []int{2, 1, 1}
	w, err := dist.NewWorldWithGrid(2, grid)
	require.NoError(t, err)
	b := dist.NewBlocking(x.Dims(), grid)
	entries := toEntries(x)

	epochs := make([]int, 2)
	var mu sync.Mutex
	err = w.Run(func(pg *dist.ProcessGroup) error {
		var mine []dist.Entry
		if pg.Rank() == 0 {
			mine = entries
		}
		shard, err := dist.DistributeTensor(pg, b, mine)
		if err != nil {
			return err
		}
		s, err := NewSolver(pg, shard, x.Dims(), b, cfg)
		if err != nil {
			return err
		}
		res, err := s.Solve()
		if err != nil {
			return err
		}
		// The collectives below only pair up if every rank left the epoch
		// loop at the same point.
		if _, err := s.GatherModel(); err != nil {
			return err
		}
		mu.Lock()
		epochs[pg.Rank()] = res.Epochs
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, epochs[0], epochs[1], "the wall-time stop is a collective decision")
	assert.Less(t, epochs[0], cfg.MaxEpochs)
}
