// sparsefold decomposes a sparse tensor with distributed stochastic
// gradient GCP. It reads a tensor in coordinate text format (or generates a
// synthetic low-rank one), runs the solver over an in-process grid of
// ranks, and writes the resulting Kruskal model.
//
// Example:
//
//	sparsefold -input data.tns -rank 16 -loss poisson -procs 4 -output model.ktn
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/sparsefold/sparsefold/dist"
	"github.com/sparsefold/sparsefold/dist/gcp"
	"github.com/sparsefold/sparsefold/ml/gcpio"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

var (
	flagInput  = flag.String("input", "", "Sparse tensor in coordinate text format. Empty generates a synthetic tensor.")
	flagOutput = flag.String("output", "", "Where to write the resulting Kruskal model. Empty skips writing.")
	flagProcs  = flag.Int("procs", 1, "Number of process ranks in the in-process grid.")

	flagGenDims = flag.String("gen_dims", "50,60,70", "Synthetic tensor shape, comma-separated.")
	flagGenRank = flag.Int("gen_rank", 8, "Synthetic tensor true rank.")
	flagGenNNZ  = flag.Int("gen_nnz", 100000, "Synthetic tensor stored entries.")
)

func main() {
	cfg := gcp.NewConfig()
	cfg.FromFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()

	x := loadTensor(cfg.Seed)
	fmt.Printf("Tensor: %v, %s stored entries, norm %.6e\n",
		x.Dims(), humanize.Comma(int64(x.NNZ())), x.Norm())

	world := must.M1(dist.NewWorld(*flagProcs, x.Dims()))
	blocking := dist.NewBlocking(x.Dims(), world.Grid())
	fmt.Printf("Grid: %v over %d ranks\n", world.Grid(), world.NumProcs())

	entries := make([]dist.Entry, x.NNZ())
	for i := range entries {
		entries[i] = dist.Entry{
			Coords: append([]int32(nil), x.Coords(i)...),
			Value:  x.Value(i),
		}
	}

	bar := progressbar.NewOptions(cfg.MaxEpochs,
		progressbar.OptionSetDescription("epochs"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	cfg.Report = func(d gcp.Diagnostics) {
		_ = bar.Add(1)
		status := ""
		if d.Failed {
			status = " (rejected)"
		}
		fmt.Printf("Epoch %3d: fest = %.6e  fit = %.4f  change = %+.3e  lr = %.2e  allReduces = %d  time = %.2fs%s\n",
			d.Epoch, d.Fest, d.Fit, d.Delta, d.Rate, d.AllReduces, d.Seconds, status)
		if klog.V(1).Enabled() {
			fmt.Printf("    gradient (avg,min,max) = %.3f %.3f %.3f  reduce = %.3f %.3f %.3f  eval = %.3f %.3f %.3f\n",
				d.GradTime[0], d.GradTime[1], d.GradTime[2],
				d.ReduceTime[0], d.ReduceTime[1], d.ReduceTime[2],
				d.EvalTime[0], d.EvalTime[1], d.EvalTime[2])
		}
	}

	var result *gcp.Result
	must.M(world.Run(func(pg *dist.ProcessGroup) error {
		var local []dist.Entry
		if pg.Rank() == 0 {
			local = entries
		}
		shard, err := dist.DistributeTensor(pg, blocking, local)
		if err != nil {
			return err
		}
		solver, err := gcp.NewSolver(pg, shard, x.Dims(), blocking, cfg)
		if err != nil {
			return err
		}
		res, err := solver.Solve()
		if err != nil {
			return err
		}
		model, err := solver.GatherModel()
		if err != nil {
			return err
		}
		if pg.Rank() == 0 {
			result = res
			if *flagOutput != "" {
				f, err := os.Create(*flagOutput)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := gcpio.WriteKtensor(f, model); err != nil {
					return err
				}
			}
		}
		return nil
	}))
	_ = bar.Finish()
	fmt.Println()

	fmt.Printf("Final: fest = %.6e  fit = %.4f  epochs = %d  rejected = %d  converged = %v\n",
		result.Fest, result.Fit, result.Epochs, result.Failures, result.Converged)
	if *flagOutput != "" {
		info := must.M1(os.Stat(*flagOutput))
		fmt.Printf("Model written to %s (%s)\n", *flagOutput, humanize.Bytes(uint64(info.Size())))
	}
}

func loadTensor(seed uint64) *sptensor.Sparse {
	if *flagInput == "" {
		dims := parseDims(*flagGenDims)
		fmt.Printf("Generating synthetic rank-%d tensor of shape %v with %s entries\n",
			*flagGenRank, dims, humanize.Comma(int64(*flagGenNNZ)))
		return synthetic(dims, *flagGenRank, *flagGenNNZ, seed)
	}
	f := must.M1(os.Open(*flagInput))
	defer f.Close()
	info := must.M1(f.Stat())
	bar := progressbar.DefaultBytes(info.Size(), "loading "+humanize.Bytes(uint64(info.Size())))
	pr := progressbar.NewReader(f, bar)
	x := must.M1(gcpio.ReadSparse(&pr))
	_ = bar.Finish()
	return x
}

func parseDims(s string) []int {
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		dims[i] = must.M1(strconv.Atoi(strings.TrimSpace(p)))
	}
	return dims
}

// synthetic builds a sparse sample of a random low-rank tensor, giving the
// solver something with recoverable structure.
func synthetic(dims []int, rank, nnz int, seed uint64) *sptensor.Sparse {
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
	x := sptensor.New(dims, nnz)
	coords := make([]int, len(dims))
	for i := 0; i < nnz; i++ {
		for m := range dims {
			coords[m] = rng.IntN(dims[m])
		}
		var v float64
		for r := 0; r < rank; r++ {
			t := 1.0
			for m := range dims {
				t *= factors[m][coords[m]][r]
			}
			v += t
		}
		x.SetEntry(i, coords, v)
	}
	return x
}
