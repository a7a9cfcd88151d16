// Package gcp implements distributed generalized CP (GCP) tensor
// decomposition by stochastic gradient descent. Each process rank owns one
// block of the sparse data tensor and the matching row ranges of the factor
// matrices; gradients are estimated by semi-stratified sampling and either
// combined every inner iteration (the traditional synchronous method) or
// only every few iterations through an elastic-averaging meta step (the
// federated method).
package gcp

import (
	"flag"
	"runtime"

	"github.com/pkg/errors"

	"github.com/sparsefold/sparsefold/ml/samplers"
)

// Method names accepted by Config.Method.
const (
	// MethodSGD is fully synchronous stochastic gradient: one gradient
	// all-reduce per inner iteration.
	MethodSGD = "sgd"

	// MethodFedOpt synchronizes only every DownpourIters iterations,
	// either by averaging the models or by a meta-optimizer step on the
	// averaged progress.
	MethodFedOpt = "fedopt"
)

// Config holds the solver's hyper-parameters. NewConfig fills in the
// defaults; zero values elsewhere mean "derive from the data".
type Config struct {
	// Rank is the number of components of the decomposition.
	Rank int

	// Loss selects the entry-wise loss function, see package losses.
	Loss string

	// Method is MethodSGD or MethodFedOpt.
	Method string

	// Stepper selects the update rule, see package steppers.
	Stepper string

	// Async applies gradient contributions asynchronously through the
	// stepper's per-element rule. Only history-free steppers support it.
	Async bool

	// Sampler is "semi-stratified" or "uniform".
	Sampler string

	// MaxEpochs bounds the number of outer epochs.
	MaxEpochs int

	// EpochIters is the number of inner iterations per epoch. Zero derives
	// it so one epoch's batches cover the nonzeros about once.
	EpochIters int

	// BatchSizeNZ and BatchSizeZero are the global per-iteration gradient
	// sample counts. Zero derives the defaults.
	BatchSizeNZ, BatchSizeZero int

	// FitSizeNZ and FitSizeZero are the global sample counts for the
	// epoch-end loss estimate. Zero derives the defaults.
	FitSizeNZ, FitSizeZero int

	// Rate is the learning rate (the cosine annealer's maximum).
	Rate float64

	// Annealer is "traditional" or "cosine".
	Annealer string

	// MinRate and Period configure the cosine annealer. MinRate zero
	// defaults to Rate/100, Period zero to 10 epochs.
	MinRate float64
	Period  int

	// Momentum is the coefficient for the "sgdm" and "demon" steppers.
	Momentum float64

	// Beta1, Beta2 and Eps configure the "adam" stepper; Eps also guards
	// "adagrad".
	Beta1, Beta2, Eps float64

	// Tol stops the run once the loss estimate drops below it.
	Tol float64

	// MaxFails stops the run after this many rejected epochs.
	MaxFails int

	// MaxSecs stops the run after this much wall time. Zero or negative
	// means no limit.
	MaxSecs float64

	// DownpourIters is the federated synchronization cadence.
	DownpourIters int

	// FedAvg replaces the federated meta step by plain model averaging.
	FedAvg bool

	// MetaRate, MetaBeta1, MetaBeta2 and MetaEps configure the federated
	// meta-optimizer (Adam over the averaged progress).
	MetaRate, MetaBeta1, MetaBeta2, MetaEps float64

	// Seed seeds every random stream of the run.
	Seed uint64

	// Parallelism is the number of sampling worker goroutines per rank.
	Parallelism int

	// Report, when set, receives the per-epoch diagnostics on rank 0.
	Report func(Diagnostics) `json:"-"`
}

// NewConfig returns a Config with the solver defaults.
func NewConfig() *Config {
	return &Config{
		Rank:          16,
		Loss:          "gaussian",
		Method:        MethodSGD,
		Stepper:       "adam",
		Sampler:       "semi-stratified",
		MaxEpochs:     100,
		Rate:          1e-3,
		Annealer:      "traditional",
		Momentum:      0.9,
		Beta1:         0.9,
		Beta2:         0.999,
		Eps:           1e-8,
		Tol:           1e-4,
		MaxFails:      10,
		DownpourIters: 4,
		MetaRate:      1e-3,
		MetaBeta1:     0.9,
		MetaBeta2:     0.999,
		MetaEps:       1e-8,
		Seed:          12345,
		Parallelism:   runtime.NumCPU(),
	}
}

// FromFlags registers one flag per hyper-parameter on fs, parsing straight
// into the config. The current field values become the flag defaults, so
// call it on a NewConfig and before fs.Parse.
func (c *Config) FromFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Rank, "rank", c.Rank, "Decomposition rank.")
	fs.StringVar(&c.Loss, "loss", c.Loss, "Loss function: gaussian, poisson, bernoulli, rayleigh or gamma.")
	fs.StringVar(&c.Method, "method", c.Method, "Synchronization method: sgd or fedopt.")
	fs.StringVar(&c.Stepper, "stepper", c.Stepper, "Update rule: sgd, sgdm, demon, adagrad or adam.")
	fs.StringVar(&c.Sampler, "sampler", c.Sampler, "Sampling scheme: semi-stratified or uniform.")
	fs.BoolVar(&c.Async, "async", c.Async, "Apply gradients asynchronously (sgd and adagrad only).")
	fs.IntVar(&c.MaxEpochs, "epochs", c.MaxEpochs, "Maximum number of epochs.")
	fs.IntVar(&c.EpochIters, "epoch_iters", c.EpochIters, "Iterations per epoch, 0 derives from the batch size.")
	fs.IntVar(&c.BatchSizeNZ, "batch_nz", c.BatchSizeNZ, "Global nonzero samples per gradient batch, 0 for default.")
	fs.IntVar(&c.BatchSizeZero, "batch_zero", c.BatchSizeZero, "Global zero samples per gradient batch, 0 for default.")
	fs.IntVar(&c.FitSizeNZ, "fit_nz", c.FitSizeNZ, "Global nonzero samples for the loss estimate, 0 for default.")
	fs.IntVar(&c.FitSizeZero, "fit_zero", c.FitSizeZero, "Global zero samples for the loss estimate, 0 for default.")
	fs.Float64Var(&c.Rate, "rate", c.Rate, "Learning rate.")
	fs.StringVar(&c.Annealer, "annealer", c.Annealer, "Learning rate schedule: traditional or cosine.")
	fs.Float64Var(&c.MinRate, "min_rate", c.MinRate, "Cosine annealer minimum rate, 0 for rate/100.")
	fs.IntVar(&c.Period, "period", c.Period, "Cosine annealer cycle length in epochs, 0 for 10.")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "Momentum coefficient for sgdm and demon.")
	fs.Float64Var(&c.Tol, "tol", c.Tol, "Relative improvement below which the run stops.")
	fs.IntVar(&c.MaxFails, "max_fails", c.MaxFails, "Rejected epochs tolerated before stopping.")
	fs.Float64Var(&c.MaxSecs, "max_secs", c.MaxSecs, "Wall-time budget in seconds, 0 for unlimited.")
	fs.IntVar(&c.DownpourIters, "downpour_iters", c.DownpourIters, "Federated synchronization cadence in iterations.")
	fs.BoolVar(&c.FedAvg, "fedavg", c.FedAvg, "Federated: plain model averaging instead of the meta step.")
	fs.Float64Var(&c.MetaRate, "meta_rate", c.MetaRate, "Federated meta-optimizer learning rate.")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "Random seed.")
	fs.IntVar(&c.Parallelism, "parallelism", c.Parallelism, "Sampling workers per rank.")
}

// Validate checks the configuration for contradictions that are cheaper to
// reject up front than to debug from a diverging run.
func (c *Config) Validate() error {
	if c.Rank < 1 {
		return errors.Errorf("gcp: rank must be positive, got %d", c.Rank)
	}
	if c.Method != MethodSGD && c.Method != MethodFedOpt {
		return errors.Errorf("gcp: unknown method %q, want %q or %q", c.Method, MethodSGD, MethodFedOpt)
	}
	if c.Sampler != "semi-stratified" && c.Sampler != "uniform" {
		return errors.Errorf("gcp: unknown sampler %q, want %q or %q", c.Sampler, "semi-stratified", "uniform")
	}
	if c.MaxEpochs < 1 {
		return errors.Errorf("gcp: max epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.Rate <= 0 {
		return errors.Errorf("gcp: learning rate must be positive, got %g", c.Rate)
	}
	if c.Method == MethodFedOpt && c.DownpourIters < 1 {
		return errors.Errorf("gcp: federated synchronization cadence must be positive, got %d", c.DownpourIters)
	}
	if c.Async && c.Method == MethodFedOpt {
		return errors.New("gcp: asynchronous evaluation is incompatible with the federated method")
	}
	return nil
}

// annealRates returns the cosine annealer bounds implied by the config.
func (c *Config) annealRates() (min, max float64, period int) {
	min, max, period = c.MinRate, c.Rate, c.Period
	if min == 0 {
		min = max / 100
	}
	if period == 0 {
		period = 10
	}
	return
}

// strategy returns the accumulation strategy for the configured
// parallelism.
func (c *Config) strategy() samplers.Strategy {
	return samplers.ChooseStrategy(c.Parallelism)
}
