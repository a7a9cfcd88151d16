// Package anneal provides learning-rate schedules for the stochastic
// gradient solver. An Annealer yields the learning rate for each epoch and
// is told whether the epoch was accepted or rolled back, so adaptive
// schedules can react to failed steps.
package anneal

import (
	"maps"
	"math"
	"slices"

	. "github.com/gomlx/exceptions"
)

// Annealer produces the learning rate for each outer epoch.
type Annealer interface {
	// Rate returns the learning rate to use for the given epoch (0-based).
	Rate(epoch int) float64

	// Success is called after an epoch whose step was accepted.
	Success()

	// Failure is called after an epoch whose step was rejected and rolled
	// back.
	Failure()
}

// Options carries the schedule parameters shared by all annealers. Unused
// fields are ignored by schedules that do not need them.
type Options struct {
	// Rate is the fixed learning rate for the traditional schedule.
	Rate float64

	// MinRate and MaxRate bound the cosine schedule.
	MinRate, MaxRate float64

	// Period is the cosine cycle length in epochs.
	Period int
}

// KnownAnnealers maps registry names to constructors.
var KnownAnnealers = map[string]func(Options) Annealer{
	"traditional": func(opts Options) Annealer { return &Traditional{rate: opts.Rate} },
	"cosine": func(opts Options) Annealer {
		return &Cosine{min: opts.MinRate, max: opts.MaxRate, period: opts.Period}
	},
}

// ByName builds the annealer registered under name. Unknown names panic,
// they are always configuration mistakes.
func ByName(name string, opts Options) Annealer {
	build, ok := KnownAnnealers[name]
	if !ok {
		Panicf("unknown annealer %q, valid values are %v", name, slices.Sorted(maps.Keys(KnownAnnealers)))
	}
	return build(opts)
}

// Traditional is the constant-rate schedule. Acceptance feedback is ignored
// here; the solver itself shrinks the rate on failed epochs.
type Traditional struct {
	rate float64
}

func (t *Traditional) Rate(int) float64 { return t.rate }
func (t *Traditional) Success()         {}
func (t *Traditional) Failure()         {}

// Cosine is the cyclic cosine schedule: within each cycle of Period epochs
// the rate decays from max to min along a half cosine, then warm-restarts.
// A rejected epoch halves both bounds and restarts the cycle, so repeated
// failures drive the rate down monotonically.
type Cosine struct {
	min, max float64
	period   int

	// offset is the epoch at which the current cycle started, lastEpoch the
	// most recent epoch handed to Rate.
	offset    int
	lastEpoch int
}

func (c *Cosine) Rate(epoch int) float64 {
	c.lastEpoch = epoch
	t := float64((epoch - c.offset) % c.period)
	return c.min + 0.5*(c.max-c.min)*(1+math.Cos(math.Pi*t/float64(c.period)))
}

func (c *Cosine) Success() {}

func (c *Cosine) Failure() {
	c.min *= 0.5
	c.max *= 0.5
	c.offset = c.lastEpoch + 1
}
