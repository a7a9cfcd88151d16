// Package losses defines the pointwise loss functions that generalized CP
// decomposition minimizes, together with their partial derivatives with
// respect to the model value.
//
// A loss is evaluated entry-wise: Value(x, m) scores model value m against
// data value x, and Deriv(x, m) is d/dm of Value. Stochastic gradient
// kernels lean on two structural facts: Deriv(0, m) depends only on the
// model value, and for sampled structural zeros the data value is exactly 0.
package losses

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
)

// Loss scores one tensor entry against the model prediction for it.
type Loss interface {
	// Value returns the loss of predicting m for data value x.
	Value(x, m float64) float64

	// Deriv returns the partial derivative of Value with respect to m.
	Deriv(x, m float64) float64

	// Name returns the canonical registry name.
	Name() string

	// LowerBound returns the smallest model value the loss is defined for.
	// Solvers clip predictions below it before evaluating.
	LowerBound() float64
}

// DefaultEps is the offset added inside logarithms by losses that are
// singular at zero.
const DefaultEps = 1e-10

// KnownLosses maps registry names to constructors, using DefaultEps where
// the loss takes one.
var KnownLosses = map[string]func() Loss{
	"gaussian":  func() Loss { return Gaussian{} },
	"poisson":   func() Loss { return Poisson{Eps: DefaultEps} },
	"bernoulli": func() Loss { return Bernoulli{Eps: DefaultEps} },
	"rayleigh":  func() Loss { return Rayleigh{Eps: DefaultEps} },
	"gamma":     func() Loss { return Gamma{Eps: DefaultEps} },
}

// ByName returns the loss registered under name. It panics with a helpful
// message for unknown names, since those are always configuration mistakes.
func ByName(name string) Loss {
	build, ok := KnownLosses[name]
	if !ok {
		Panicf("unknown loss function %q, valid values are %v", name, slices.Sorted(maps.Keys(KnownLosses)))
	}
	return build()
}
