package steppers

import (
	"math"

	"github.com/sparsefold/sparsefold/types/ktensor"
)

// Adam keeps exponential moving averages of the gradient and its square
// with bias correction. All of its state, the two moment vectors and the
// decay powers, is checkpointed at accepted epochs and restored on
// rejection.
type Adam struct {
	rate              float64
	beta1, beta2, eps float64

	// beta1t and beta2t are beta1^t and beta2^t for the bias correction.
	beta1t, beta2t         float64
	beta1tPrev, beta2tPrev float64

	m, v         *ktensor.Vector
	mPrev, vPrev *ktensor.Vector
}

func newAdam(rank int, dims []int, opts Options) Stepper {
	return &Adam{
		beta1:      opts.Beta1,
		beta2:      opts.Beta2,
		eps:        opts.Eps,
		beta1t:     1,
		beta2t:     1,
		beta1tPrev: 1,
		beta2tPrev: 1,
		m:          ktensor.NewVector(rank, dims),
		v:          ktensor.NewVector(rank, dims),
		mPrev:      ktensor.NewVector(rank, dims),
		vPrev:      ktensor.NewVector(rank, dims),
	}
}

func (a *Adam) Update() {
	a.beta1t *= a.beta1
	a.beta2t *= a.beta2
}

func (a *Adam) Eval(g, u *ktensor.Vector) {
	md := a.m.Data()
	vd := a.v.Data()
	gd := g.Data()
	ud := u.Data()
	c1 := 1 / (1 - a.beta1t)
	c2 := 1 / (1 - a.beta2t)
	for i, gi := range gd {
		md[i] = a.beta1*md[i] + (1-a.beta1)*gi
		vd[i] = a.beta2*vd[i] + (1-a.beta2)*gi*gi
		ud[i] -= a.rate * (md[i] * c1) / (math.Sqrt(vd[i]*c2) + a.eps)
	}
}

func (a *Adam) SetStep(rate float64) { a.rate = rate }

func (a *Adam) SetPassed() {
	a.mPrev.Set(a.m)
	a.vPrev.Set(a.v)
	a.beta1tPrev = a.beta1t
	a.beta2tPrev = a.beta2t
}

func (a *Adam) SetFailed() {
	a.m.Set(a.mPrev)
	a.v.Set(a.vPrev)
	a.beta1t = a.beta1tPrev
	a.beta2t = a.beta2tPrev
}
