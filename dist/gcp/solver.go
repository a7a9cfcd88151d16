package gcp

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/sparsefold/sparsefold/dist"
	"github.com/sparsefold/sparsefold/ml/anneal"
	"github.com/sparsefold/sparsefold/ml/losses"
	"github.com/sparsefold/sparsefold/ml/samplers"
	"github.com/sparsefold/sparsefold/ml/steppers"
	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// sampler is the slice of the sampling API the solver drives.
type sampler interface {
	SampleFit() *samplers.Batch
	FusedGradient(u *ktensor.Ktensor, loss losses.Loss, g *ktensor.Ktensor)
}

// Diagnostics is one epoch's progress report.
type Diagnostics struct {
	Epoch int

	// Fest is the sampled estimate of the global loss, Fit the derived
	// fraction of the data norm explained (meaningful for gaussian loss).
	Fest, Fit float64

	// Delta is the change in Fest relative to the previous epoch, negative
	// when improving.
	Delta float64

	Rate   float64
	Failed bool

	// AllReduces counts the gradient reductions performed this epoch.
	AllReduces int

	Seconds, Elapsed float64

	// GradTime, ReduceTime and EvalTime are (avg, min, max) seconds across
	// ranks spent in sampling, reduction and the stepper.
	GradTime, ReduceTime, EvalTime [3]float64
}

// Result summarizes a finished run.
type Result struct {
	// Fest is the best loss estimate reached, Fit the derived fit.
	Fest, Fit float64

	Epochs   int
	Failures int

	// Converged is true when the run stopped on tolerance rather than on
	// the epoch budget or the failure limit.
	Converged bool
}

// Solver runs distributed GCP-SGD on one process rank. Every method that
// communicates is collective: all ranks of the world must call it in the
// same order.
type Solver struct {
	pg         *dist.ProcessGroup
	cfg        *Config
	x          *sptensor.Sparse
	globalDims []int
	blocking   dist.Blocking

	loss     losses.Loss
	sampler  sampler
	stepper  steppers.Stepper
	annealer anneal.Annealer

	// fitBatch is the held-out evaluation batch, drawn once at
	// construction and reused for every epoch's loss estimate.
	fitBatch *samplers.Batch

	// epochIters and the sample weights are derived from global counts in
	// NewSolver.
	epochIters int
	globalNNZ  int
	normX      float64

	u, uBest *ktensor.Vector
	g        *ktensor.Vector
}

// NewSolver prepares a solver over this rank's tensor shard. x holds local
// coordinates; globalDims and blocking describe the full tensor and its
// partition. Collective: all ranks must construct their solver together.
// Fatal configuration panics from the registries are recovered into the
// returned error.
func NewSolver(pg *dist.ProcessGroup, x *sptensor.Sparse, globalDims []int, blocking dist.Blocking, cfg *Config) (*Solver, error) {
	var s *Solver
	var err error
	if exc := exceptions.TryCatch[error](func() { s, err = newSolver(pg, x, globalDims, blocking, cfg) }); exc != nil {
		return nil, exc
	}
	return s, err
}

func newSolver(pg *dist.ProcessGroup, x *sptensor.Sparse, globalDims []int, blocking dist.Blocking, cfg *Config) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if x.NumModes() != len(globalDims) {
		return nil, errors.Errorf("gcp: tensor shard has %d modes, global shape %v has %d", x.NumModes(), globalDims, len(globalDims))
	}
	s := &Solver{
		pg:         pg,
		cfg:        cfg,
		x:          x,
		globalDims: append([]int(nil), globalDims...),
		blocking:   blocking,
		loss:       losses.ByName(cfg.Loss),
	}

	comm := pg.Comm()
	s.globalNNZ = comm.AllReduceInt(x.NNZ())
	if s.globalNNZ == 0 {
		return nil, errors.New("gcp: tensor has no stored entries")
	}
	s.normX = math.Sqrt(comm.AllReduceScalar(x.NormSq()))
	numelGlobal := 1.0
	for _, d := range globalDims {
		numelGlobal *= float64(d)
	}
	localNumel := x.NumelFloat()

	// Global batch and fit sample counts, defaulted from the data, are
	// divided evenly across ranks and capped by local availability. The
	// importance weights then come from the actual global totals so the
	// summed estimate stays unbiased.
	opts, err := s.deriveSampling(numelGlobal, localNumel)
	if err != nil {
		return nil, err
	}
	switch cfg.Sampler {
	case "uniform":
		ns := samplers.DefaultUniformCount(localNumel, cfg.MaxEpochs)
		globalNS := comm.AllReduceInt(ns)
		s.sampler = samplers.NewUniform(x, ns, numelGlobal/float64(globalNS), opts)
	default:
		s.sampler = samplers.NewSemiStratified(x, opts)
	}
	s.fitBatch = s.sampler.SampleFit()

	s.u = ktensor.NewVector(cfg.Rank, x.Dims())
	s.g = ktensor.NewVector(cfg.Rank, x.Dims())
	s.stepper = steppers.New(cfg.Stepper, cfg.Rank, x.Dims(), steppers.Options{
		Momentum:   cfg.Momentum,
		Beta1:      cfg.Beta1,
		Beta2:      cfg.Beta2,
		Eps:        cfg.Eps,
		TotalIters: cfg.MaxEpochs * s.epochIters,
	})
	if cfg.Async {
		if _, ok := s.stepper.(steppers.Async); !ok {
			return nil, errors.Errorf("gcp: stepper %q does not support asynchronous evaluation", cfg.Stepper)
		}
		if _, ok := s.sampler.(*samplers.SemiStratified); !ok {
			return nil, errors.Errorf("gcp: sampler %q does not support asynchronous evaluation", cfg.Sampler)
		}
	}
	minRate, maxRate, period := cfg.annealRates()
	s.annealer = anneal.ByName(cfg.Annealer, anneal.Options{
		Rate:    cfg.Rate,
		MinRate: minRate,
		MaxRate: maxRate,
		Period:  period,
	})

	s.initialGuess()
	s.uBest = s.u.Clone()
	return s, nil
}

// deriveSampling fills in the derived epoch length and builds the sampler
// options with globally consistent importance weights. Collective.
func (s *Solver) deriveSampling(numelGlobal, localNumel float64) (samplers.Options, error) {
	cfg := s.cfg
	comm := s.pg.Comm()
	np := s.pg.NumProcs()

	gradNZ, gradZero := cfg.BatchSizeNZ, cfg.BatchSizeZero
	if gradNZ == 0 {
		gradNZ, gradZero = samplers.DefaultGradCounts(s.globalNNZ, numelGlobal, cfg.MaxEpochs)
	}
	fitNZ, fitZero := cfg.FitSizeNZ, cfg.FitSizeZero
	if fitNZ == 0 {
		fitNZ, fitZero = samplers.DefaultFitCounts(s.globalNNZ, numelGlobal)
	}

	localZeros := localNumel - float64(s.x.NNZ())
	clampLocal := func(global int, avail float64) int {
		n := global / np
		if float64(n) > avail {
			n = int(avail)
		}
		return n
	}
	opts := samplers.Options{
		GradNZ:      clampLocal(gradNZ, float64(s.x.NNZ())),
		GradZero:    clampLocal(gradZero, localZeros),
		FitNZ:       clampLocal(fitNZ, float64(s.x.NNZ())),
		FitZero:     clampLocal(fitZero, localZeros),
		Parallelism: cfg.Parallelism,
		Strategy:    cfg.strategy(),
		Seed:        cfg.Seed + uint64(s.pg.Rank())<<20,
	}

	totalGradNZ := comm.AllReduceInt(opts.GradNZ)
	totalGradZero := comm.AllReduceInt(opts.GradZero)
	totalFitNZ := comm.AllReduceInt(opts.FitNZ)
	totalFitZero := comm.AllReduceInt(opts.FitZero)
	if totalGradNZ == 0 || totalFitNZ == 0 {
		return opts, errors.New("gcp: batch sizes leave no nonzero samples")
	}
	opts.GradWeightNZ = float64(s.globalNNZ) / float64(totalGradNZ)
	if totalGradZero > 0 {
		// The zero stratum is drawn from the whole index space, so its
		// weight uses the full tensor size, not the zero count.
		opts.GradWeightZero = numelGlobal / float64(totalGradZero)
	}
	opts.FitWeightNZ = float64(s.globalNNZ) / float64(totalFitNZ)
	if totalFitZero > 0 {
		opts.FitWeightZero = (numelGlobal - float64(s.globalNNZ)) / float64(totalFitZero)
	}

	s.epochIters = cfg.EpochIters
	if s.epochIters == 0 {
		s.epochIters = s.globalNNZ / totalGradNZ
		if s.epochIters < 1 {
			s.epochIters = 1
		}
	}
	return opts, nil
}

// initialGuess fills the factors with uniform noise and rescales the model
// to the data norm. Rows are generated per mode block from a seed derived
// from the block identity, so the ranks replicating a block agree exactly.
func (s *Solver) initialGuess() {
	kt := s.u.Ktensor()
	for m := 0; m < kt.NumModes(); m++ {
		block := s.pg.Coords()[m]
		rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(m)<<32|uint64(block)))
		data := kt.Factor(m).Data()
		for i := range data {
			data[i] = rng.Float64()
		}
	}
	normM := math.Sqrt(s.globalNormFsq())
	if normM > 0 {
		// Fold the rescaling into one mode so replicas stay consistent.
		scale := s.normX / normM
		data := kt.Factor(0).Data()
		for i := range data {
			data[i] *= scale
		}
	}
}

// globalNormFsq returns the squared Frobenius norm of the full model from
// the per-mode Gram matrices. Factors are replicated inside a mode's
// sub-communicator, so only sub-roots contribute their block's Gram before
// the world reduction. Collective.
func (s *Solver) globalNormFsq() float64 {
	kt := s.u.Ktensor()
	rank := kt.Rank()
	acc := mat.NewDense(rank, rank, nil)
	w := kt.Weights()
	for r := 0; r < rank; r++ {
		for c := 0; c < rank; c++ {
			acc.Set(r, c, w[r]*w[c])
		}
	}
	gram := mat.NewDense(rank, rank, make([]float64, rank*rank))
	for m := 0; m < kt.NumModes(); m++ {
		if s.pg.IsSubRoot(m) {
			a := kt.Factor(m).Dense()
			gram.Mul(a.T(), a)
		} else {
			gram.Zero()
		}
		s.pg.Comm().AllReduce(gram.RawMatrix().Data)
		acc.MulElem(acc, gram)
	}
	return mat.Sum(acc)
}

// estimateFest evaluates the model on the held-out fit batch and returns
// the global loss estimate. The batch stays fixed for the whole run so that
// epoch-over-epoch comparisons measure model change, not sampling noise.
// Collective.
func (s *Solver) estimateFest() float64 {
	local := samplers.EstimateFit(s.fitBatch, s.u.Ktensor(), s.loss)
	return s.pg.Comm().AllReduceScalar(local)
}

// fit derives the explained fraction of the data norm from a loss
// estimate. Only the gaussian loss gives it its usual meaning.
func (s *Solver) fit(fest float64) float64 {
	if s.normX == 0 {
		return 0
	}
	return 1 - math.Sqrt(math.Max(fest, 0))/s.normX
}

// Solve runs the configured method and returns the best model found, which
// is left in the solver's model vector. Collective.
func (s *Solver) Solve() (*Result, error) {
	switch s.cfg.Method {
	case MethodFedOpt:
		return s.run(true)
	default:
		return s.run(false)
	}
}

// Model returns this rank's current factor blocks as a Kruskal tensor view
// sharing the solver's storage.
func (s *Solver) Model() *ktensor.Ktensor { return s.u.Ktensor() }

// run is the shared epoch loop; federated selects the synchronization
// policy of the inner loop.
func (s *Solver) run(federated bool) (*Result, error) {
	cfg := s.cfg
	start := time.Now()

	fest := s.estimateFest()
	festBest := fest
	s.uBest.Set(s.u)
	if s.pg.Rank() == 0 {
		klog.V(1).Infof("gcp: initial fest %.6e (fit %.4f), %d epochs of %d iterations", fest, s.fit(fest), cfg.MaxEpochs, s.epochIters)
	}

	var asyncStepper steppers.Async
	if cfg.Async {
		asyncStepper = s.stepper.(steppers.Async)
	}
	var metaU *ktensor.Vector
	var metaStepper steppers.Stepper
	var metaDiff *ktensor.Vector
	if federated && !cfg.FedAvg {
		metaU = s.u.Clone()
		metaDiff = ktensor.NewVector(cfg.Rank, s.x.Dims())
		metaStepper = steppers.New("adam", cfg.Rank, s.x.Dims(), steppers.Options{
			Beta1: cfg.MetaBeta1,
			Beta2: cfg.MetaBeta2,
			Eps:   cfg.MetaEps,
		})
		metaStepper.SetStep(cfg.MetaRate)
	}

	res := &Result{}
	nfails := 0
	for epoch := 0; epoch < cfg.MaxEpochs; epoch++ {
		epochStart := time.Now()
		rate := s.annealer.Rate(epoch)
		s.stepper.SetStep(rate)

		var gradSecs, reduceSecs, evalSecs float64
		allReduces := 0
		for iter := 0; iter < s.epochIters; iter++ {
			s.stepper.Update()
			if cfg.Async {
				t := time.Now()
				s.sampler.(*samplers.SemiStratified).FusedGradientAsync(s.u, s.loss, asyncStepper)
				gradSecs += time.Since(t).Seconds()
				continue
			}
			t := time.Now()
			s.sampler.FusedGradient(s.u.Ktensor(), s.loss, s.g.Ktensor())
			gradSecs += time.Since(t).Seconds()

			if !federated {
				t = time.Now()
				allReduces += dist.AllReduceFactors(s.pg, s.g.Ktensor(), false)
				reduceSecs += time.Since(t).Seconds()
			}

			t = time.Now()
			s.stepper.Eval(s.g, s.u)
			evalSecs += time.Since(t).Seconds()

			// The epoch always ends synchronized: the fit estimate,
			// rollback snapshot and gather below assume every rank holds
			// the same replicated factors.
			if federated && ((iter+1)%cfg.DownpourIters == 0 || iter+1 == s.epochIters) {
				t = time.Now()
				if cfg.FedAvg {
					allReduces += dist.AllReduceFactors(s.pg, s.u.Ktensor(), true)
				} else {
					// Elastic averaging: step the meta model along the
					// average of every rank's local progress.
					metaDiff.Set(metaU)
					metaDiff.Axpy(-1, s.u)
					allReduces += dist.AllReduceFactors(s.pg, metaDiff.Ktensor(), true)
					metaStepper.Update()
					metaStepper.Eval(metaDiff, metaU)
					s.u.Set(metaU)
				}
				reduceSecs += time.Since(t).Seconds()
			}
		}
		if cfg.Async {
			// Async workers drift the replicated blocks apart; average
			// them before evaluating.
			allReduces += dist.AllReduceFactors(s.pg, s.u.Ktensor(), true)
		}

		festPrev := fest
		fest = s.estimateFest()
		if math.IsNaN(fest) || math.IsInf(fest, 0) {
			s.u.Set(s.uBest)
			res.Epochs = epoch + 1
			res.Failures = nfails
			res.Fest = festBest
			res.Fit = s.fit(festBest)
			if s.pg.Rank() == 0 {
				klog.Warningf("gcp: loss estimate became non-finite at epoch %d, returning best model", epoch)
			}
			return res, nil
		}

		passed := festPrev-fest > -0.001*festBest
		if passed {
			s.stepper.SetPassed()
			if metaStepper != nil {
				metaStepper.SetPassed()
			}
			s.annealer.Success()
			if fest < festBest {
				festBest = fest
				s.uBest.Set(s.u)
			}
		} else {
			nfails++
			s.u.Set(s.uBest)
			if metaU != nil {
				metaU.Set(s.uBest)
			}
			s.stepper.SetFailed()
			if metaStepper != nil {
				metaStepper.SetFailed()
			}
			s.annealer.Failure()
			if federated {
				fest = festBest
			} else {
				fest = festPrev
			}
		}

		diag := s.epochDiagnostics(epoch, fest, festPrev, rate, !passed, allReduces,
			gradSecs, reduceSecs, evalSecs, epochStart, start)
		if s.pg.Rank() == 0 && cfg.Report != nil {
			cfg.Report(diag)
		}

		res.Epochs = epoch + 1
		if passed && festPrev-fest < cfg.Tol*math.Abs(festBest) {
			res.Converged = true
			break
		}
		if nfails > cfg.MaxFails {
			break
		}
		if cfg.MaxSecs > 0 {
			// Every rank stops on the slowest rank's clock, so none can
			// leave the loop while the others still issue collectives.
			elapsed := []float64{time.Since(start).Seconds()}
			s.pg.Comm().AllReduceMax(elapsed)
			if elapsed[0] > cfg.MaxSecs {
				break
			}
		}
	}

	s.u.Set(s.uBest)
	res.Failures = nfails
	res.Fest = festBest
	res.Fit = s.fit(festBest)
	return res, nil
}

// epochDiagnostics reduces the per-rank timings into the epoch report.
// Collective.
func (s *Solver) epochDiagnostics(epoch int, fest, festPrev, rate float64, failed bool,
	allReduces int, gradSecs, reduceSecs, evalSecs float64, epochStart, start time.Time) Diagnostics {
	comm := s.pg.Comm()
	np := float64(s.pg.NumProcs())
	sum := []float64{gradSecs, reduceSecs, evalSecs}
	lo := append([]float64(nil), sum...)
	hi := append([]float64(nil), sum...)
	comm.AllReduce(sum)
	comm.AllReduceMin(lo)
	comm.AllReduceMax(hi)

	d := Diagnostics{
		Epoch:      epoch,
		Fest:       fest,
		Fit:        s.fit(fest),
		Delta:      fest - festPrev,
		Rate:       rate,
		Failed:     failed,
		AllReduces: allReduces,
		Seconds:    time.Since(epochStart).Seconds(),
		Elapsed:    time.Since(start).Seconds(),
	}
	for i, tgt := range []*[3]float64{&d.GradTime, &d.ReduceTime, &d.EvalTime} {
		tgt[0] = sum[i] / np
		tgt[1] = lo[i]
		tgt[2] = hi[i]
	}
	return d
}

// GatherModel assembles the full decomposition at world rank 0, normalized
// and with components ordered by weight. Other ranks return nil.
// Collective.
func (s *Solver) GatherModel() (*ktensor.Ktensor, error) {
	kt := s.u.Ktensor()
	factors := make([]*ktensor.FactorMatrix, kt.NumModes())
	for m := 0; m < kt.NumModes(); m++ {
		factors[m] = dist.GatherFactorMatrix(s.pg, s.blocking, m, kt.Factor(m))
	}
	if s.pg.Rank() != 0 {
		return nil, nil
	}
	full, err := ktensor.FromFactors(factors)
	if err != nil {
		return nil, err
	}
	full.Normalize()
	full.Arrange()
	return full, nil
}
