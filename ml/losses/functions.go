package losses

import "math"

// Gaussian is the squared error loss. Its minimizer is classic CP-ALS
// territory, here it serves as the default for real-valued data.
type Gaussian struct{}

func (Gaussian) Value(x, m float64) float64 { return (x - m) * (x - m) }
func (Gaussian) Deriv(x, m float64) float64 { return 2 * (m - x) }
func (Gaussian) Name() string               { return "gaussian" }
func (Gaussian) LowerBound() float64        { return math.Inf(-1) }

// Poisson is the log-likelihood loss for count data. Eps guards the
// logarithm against zero model values.
type Poisson struct {
	Eps float64
}

func (l Poisson) Value(x, m float64) float64 { return m - x*math.Log(m+l.Eps) }
func (l Poisson) Deriv(x, m float64) float64 { return 1 - x/(m+l.Eps) }
func (Poisson) Name() string                 { return "poisson" }
func (Poisson) LowerBound() float64          { return 0 }

// Bernoulli is the odds-parameterized log-likelihood loss for binary data.
type Bernoulli struct {
	Eps float64
}

func (l Bernoulli) Value(x, m float64) float64 { return math.Log(m+1) - x*math.Log(m+l.Eps) }
func (l Bernoulli) Deriv(x, m float64) float64 { return 1/(m+1) - x/(m+l.Eps) }
func (Bernoulli) Name() string                 { return "bernoulli" }
func (Bernoulli) LowerBound() float64          { return 0 }

// Rayleigh is the log-likelihood loss for nonnegative continuous data with
// a Rayleigh noise model.
type Rayleigh struct {
	Eps float64
}

func (l Rayleigh) Value(x, m float64) float64 {
	r := x / (m + l.Eps)
	return 2*math.Log(m+l.Eps) + (math.Pi/4)*r*r
}

func (l Rayleigh) Deriv(x, m float64) float64 {
	me := m + l.Eps
	return 2/me - (math.Pi/2)*x*x/(me*me*me)
}

func (Rayleigh) Name() string        { return "rayleigh" }
func (Rayleigh) LowerBound() float64 { return 0 }

// Gamma is the log-likelihood loss for strictly positive continuous data
// with multiplicative noise.
type Gamma struct {
	Eps float64
}

func (l Gamma) Value(x, m float64) float64 { return x/(m+l.Eps) + math.Log(m+l.Eps) }

func (l Gamma) Deriv(x, m float64) float64 {
	me := m + l.Eps
	return -x/(me*me) + 1/me
}

func (Gamma) Name() string        { return "gamma" }
func (Gamma) LowerBound() float64 { return 0 }
