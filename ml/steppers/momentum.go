package steppers

import "github.com/sparsefold/sparsefold/types/ktensor"

// Momentum is SGD with a velocity term: v <- beta*v + g, u <- u - rate*v.
// The velocity is checkpointed at each accepted epoch so a rejected epoch
// can restore it together with the model.
type Momentum struct {
	rate float64
	beta float64

	v, vPrev *ktensor.Vector
}

func newMomentum(rank int, dims []int, opts Options) Stepper {
	return &Momentum{
		beta:  opts.Momentum,
		v:     ktensor.NewVector(rank, dims),
		vPrev: ktensor.NewVector(rank, dims),
	}
}

func (s *Momentum) Update() {}

func (s *Momentum) Eval(g, u *ktensor.Vector) {
	s.v.Scale(s.beta)
	s.v.Plus(g)
	u.Axpy(-s.rate, s.v)
}

func (s *Momentum) SetStep(rate float64) { s.rate = rate }
func (s *Momentum) SetPassed()           { s.vPrev.Set(s.v) }
func (s *Momentum) SetFailed()           { s.v.Set(s.vPrev) }

// DEMON is momentum SGD with a decaying coefficient: starting from
// Momentum, the effective beta shrinks toward zero as the iteration count
// approaches the total budget, following
//
//	beta_t = beta0*d / (1 - beta0 + beta0*d),  d = 1 - t/T.
type DEMON struct {
	rate  float64
	beta0 float64

	t, tPrev   int
	totalIters int

	v, vPrev *ktensor.Vector
}

func newDEMON(rank int, dims []int, opts Options) Stepper {
	return &DEMON{
		beta0:      opts.Momentum,
		totalIters: opts.TotalIters,
		v:          ktensor.NewVector(rank, dims),
		vPrev:      ktensor.NewVector(rank, dims),
	}
}

func (s *DEMON) beta() float64 {
	d := 1 - float64(s.t)/float64(s.totalIters)
	if d < 0 {
		d = 0
	}
	return s.beta0 * d / (1 - s.beta0 + s.beta0*d)
}

func (s *DEMON) Update() { s.t++ }

func (s *DEMON) Eval(g, u *ktensor.Vector) {
	s.v.Scale(s.beta())
	s.v.Plus(g)
	u.Axpy(-s.rate, s.v)
}

func (s *DEMON) SetStep(rate float64) { s.rate = rate }

func (s *DEMON) SetPassed() {
	s.vPrev.Set(s.v)
	s.tPrev = s.t
}

func (s *DEMON) SetFailed() {
	s.v.Set(s.vPrev)
	s.t = s.tPrev
}
