// Package steppers implements the per-iteration update rules used by the
// stochastic gradient solver: plain SGD, SGD with (optionally decaying)
// momentum, AdaGrad and Adam.
//
// Steppers are stateful. Update advances iteration counters, Eval applies
// one step of the current gradient to the model, and SetPassed/SetFailed
// commit or roll back internal state in lockstep with the solver's
// epoch-level accept/reject decision: a stepper whose epoch is rejected must
// restore the optimizer state it had at the last accepted epoch, otherwise
// moment estimates drift away from the restored model.
package steppers

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"

	"github.com/sparsefold/sparsefold/pkg/support/xsync"
	"github.com/sparsefold/sparsefold/types/ktensor"
)

// Stepper applies stochastic gradient steps to a flat Kruskal vector.
type Stepper interface {
	// Update advances per-iteration state (step counters, bias-correction
	// powers). Call it once before each Eval.
	Update()

	// Eval applies one descent step of gradient g to model u.
	Eval(g, u *ktensor.Vector)

	// SetStep sets the learning rate used by subsequent Eval calls.
	SetStep(rate float64)

	// SetPassed commits internal state after an accepted epoch.
	SetPassed()

	// SetFailed restores internal state to the last accepted epoch.
	SetFailed()
}

// Async is implemented by steppers whose update decomposes into independent
// per-element steps, allowing lock-free application from concurrent
// sampling workers. Only history-free rules qualify: SGD and AdaGrad.
type Async interface {
	Stepper

	// EvalAsync applies the gradient contribution g of the single model
	// element at flat offset in u, atomically.
	EvalAsync(offset int, g float64, u *ktensor.Vector)
}

// Options carries the hyper-parameters consumed by the stepper
// constructors. Fields irrelevant to a given rule are ignored.
type Options struct {
	// Momentum coefficient for "sgdm" and initial coefficient for "demon".
	Momentum float64

	// Beta1, Beta2 and Eps are the Adam moment decays and denominator
	// guard. Eps also guards the AdaGrad denominator.
	Beta1, Beta2, Eps float64

	// TotalIters is the full iteration budget, used by "demon" to decay its
	// momentum coefficient toward zero over the run.
	TotalIters int
}

// KnownSteppers maps registry names to constructors.
var KnownSteppers = map[string]func(rank int, dims []int, opts Options) Stepper{
	"sgd":     func(int, []int, Options) Stepper { return &SGD{} },
	"sgdm":    newMomentum,
	"demon":   newDEMON,
	"adagrad": newAdaGrad,
	"adam":    newAdam,
}

// New builds the stepper registered under name, sized for a rank-R model
// with the given mode dimensions. Unknown names panic, they are always
// configuration mistakes.
func New(name string, rank int, dims []int, opts Options) Stepper {
	build, ok := KnownSteppers[name]
	if !ok {
		Panicf("unknown stepper %q, valid values are %v", name, slices.Sorted(maps.Keys(KnownSteppers)))
	}
	return build(rank, dims, opts)
}

// SGD is the history-free rule u <- u - rate*g.
type SGD struct {
	rate float64
}

func (s *SGD) Update()                   {}
func (s *SGD) Eval(g, u *ktensor.Vector) { u.Axpy(-s.rate, g) }
func (s *SGD) SetStep(rate float64)      { s.rate = rate }
func (s *SGD) SetPassed()                {}
func (s *SGD) SetFailed()                {}

// EvalAsync applies a single-element step atomically.
func (s *SGD) EvalAsync(offset int, g float64, u *ktensor.Vector) {
	xsync.AddFloat64(&u.Data()[offset], -s.rate*g)
}
