package steppers

import (
	"math"

	"github.com/sparsefold/sparsefold/pkg/support/xsync"
	"github.com/sparsefold/sparsefold/types/ktensor"
)

// AdaGrad keeps a per-element sum of squared gradients and scales each step
// by its inverse square root. Because the accumulator update for one
// element depends only on that element's gradient, AdaGrad also supports
// the asynchronous per-element path.
type AdaGrad struct {
	rate float64
	eps  float64

	s, sPrev *ktensor.Vector
}

func newAdaGrad(rank int, dims []int, opts Options) Stepper {
	return &AdaGrad{
		eps:   opts.Eps,
		s:     ktensor.NewVector(rank, dims),
		sPrev: ktensor.NewVector(rank, dims),
	}
}

func (a *AdaGrad) Update() {}

func (a *AdaGrad) Eval(g, u *ktensor.Vector) {
	sd := a.s.Data()
	gd := g.Data()
	ud := u.Data()
	for i, gi := range gd {
		sd[i] += gi * gi
		ud[i] -= a.rate * gi / math.Sqrt(sd[i]+a.eps)
	}
}

// EvalAsync applies a single-element AdaGrad step atomically. The
// accumulator bump and the model update are separately atomic, matching
// the relaxed consistency of the lock-free inner loop.
func (a *AdaGrad) EvalAsync(offset int, g float64, u *ktensor.Vector) {
	sp := &a.s.Data()[offset]
	xsync.AddFloat64(sp, g*g)
	s := xsync.LoadFloat64(sp)
	xsync.AddFloat64(&u.Data()[offset], -a.rate*g/math.Sqrt(s+a.eps))
}

func (a *AdaGrad) SetStep(rate float64) { a.rate = rate }
func (a *AdaGrad) SetPassed()           { a.sPrev.Set(a.s) }
func (a *AdaGrad) SetFailed()           { a.s.Set(a.sPrev) }
