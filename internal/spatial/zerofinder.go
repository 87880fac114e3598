package spatial

import (
	"math"

	"github.com/neurofield/spatialvb/internal/monitoring"
)

// Func1D is a continuous, monotonically-descending function of one variable
// whose zero crossing the finder locates.
type Func1D interface {
	Calculate(x float64) float64
}

// GuessPicker is optionally implemented by a Func1D to supply faster first
// guesses inside a bracket, typically by reusing values a covariance cache
// has already paid to evaluate. It overwrites *guess and returns true when
// it has a candidate strictly inside (lower, upper).
type GuessPicker interface {
	PickFasterGuess(guess *float64, lower, upper float64) bool
}

// Guesstimator chooses the next evaluation point inside a bracket. It is a
// strategy parameter: swapping it changes the interpolation rule, never the
// search algorithm.
type Guesstimator interface {
	NextGuess(lower, upper float64) float64
}

// BisectionGuesstimator halves the bracket arithmetically.
type BisectionGuesstimator struct{}

// NextGuess returns the arithmetic midpoint.
func (BisectionGuesstimator) NextGuess(lower, upper float64) float64 {
	return 0.5 * (lower + upper)
}

// LogBisectionGuesstimator halves the bracket geometrically; only valid on
// strictly-positive domains, where scale parameters like delta live.
type LogBisectionGuesstimator struct{}

// NextGuess returns the geometric midpoint.
func (LogBisectionGuesstimator) NextGuess(lower, upper float64) float64 {
	return math.Sqrt(lower * upper)
}

// DescendingZeroFinder finds x with f(x) ≈ 0 for a monotonically-descending
// f, by expanding a bracket out from an initial guess with geometrically
// growing steps and then bisecting inside it. Configure with the chained
// setters and call Find.
//
// Exhausting MaxEvaluations is not an error: the finder logs one warning and
// returns its best-effort value. That trade-off is deliberate; an imprecise
// hyperparameter just slows convergence of the outer loop.
type DescendingZeroFinder struct {
	fcn Func1D

	guess       float64
	scale       float64
	scaleGrowth float64
	searchMin   float64
	searchMax   float64
	ratioTolX   float64
	tolY        float64
	maxEvals    int
	guesser     Guesstimator
	verbosity   int
}

// NewDescendingZeroFinder returns a finder with conservative defaults:
// guess 1, bracket [1e-15, 1e15], relative x tolerance 1.001 and 20
// evaluations.
func NewDescendingZeroFinder(fcn Func1D) *DescendingZeroFinder {
	return &DescendingZeroFinder{
		fcn:         fcn,
		guess:       1,
		scale:       0.5,
		scaleGrowth: 2,
		searchMin:   1e-15,
		searchMax:   1e15,
		ratioTolX:   1.001,
		tolY:        0,
		maxEvals:    20,
		guesser:     LogBisectionGuesstimator{},
	}
}

// InitialGuess sets the starting point of the expanding search.
func (z *DescendingZeroFinder) InitialGuess(v float64) *DescendingZeroFinder {
	z.guess = v
	return z
}

// InitialScale sets the first expansion step size.
func (z *DescendingZeroFinder) InitialScale(v float64) *DescendingZeroFinder {
	z.scale = v
	return z
}

// ScaleGrowth sets the multiplicative growth factor applied to the step
// size after each expansion that fails to change sign.
func (z *DescendingZeroFinder) ScaleGrowth(v float64) *DescendingZeroFinder {
	z.scaleGrowth = v
	return z
}

// SearchMin sets the hard lower bound of the search interval.
func (z *DescendingZeroFinder) SearchMin(v float64) *DescendingZeroFinder {
	z.searchMin = v
	return z
}

// SearchMax sets the hard upper bound of the search interval.
func (z *DescendingZeroFinder) SearchMax(v float64) *DescendingZeroFinder {
	z.searchMax = v
	return z
}

// RatioTolX sets the relative tolerance on x: the search stops when
// upper/lower falls below it.
func (z *DescendingZeroFinder) RatioTolX(v float64) *DescendingZeroFinder {
	z.ratioTolX = v
	return z
}

// TolY sets an absolute tolerance on |f(x)|; zero disables it.
func (z *DescendingZeroFinder) TolY(v float64) *DescendingZeroFinder {
	z.tolY = v
	return z
}

// MaxEvaluations caps the number of function evaluations.
func (z *DescendingZeroFinder) MaxEvaluations(v int) *DescendingZeroFinder {
	z.maxEvals = v
	return z
}

// SetGuesstimator replaces the in-bracket interpolation strategy.
func (z *DescendingZeroFinder) SetGuesstimator(g Guesstimator) *DescendingZeroFinder {
	z.guesser = g
	return z
}

// Verbosity controls per-evaluation logging; 0 is silent.
func (z *DescendingZeroFinder) Verbosity(v int) *DescendingZeroFinder {
	z.verbosity = v
	return z
}

// Find runs the search and returns the located zero, or the best-effort
// value if the evaluation budget runs out first.
func (z *DescendingZeroFinder) Find() float64 {
	evals := 0
	eval := func(x float64) float64 {
		evals++
		y := z.fcn.Calculate(x)
		if z.verbosity > 0 {
			monitoring.Logf("zerofinder: f(%g) = %g [eval %d]", x, y, evals)
		}
		return y
	}
	clamp := func(x float64) float64 {
		return math.Min(math.Max(x, z.searchMin), z.searchMax)
	}

	// Phase 1: expand a bracket outward from the guess. For a descending f,
	// f(x) > 0 means the zero lies above x and vice versa.
	lower, upper := z.searchMin, z.searchMax
	haveLower, haveUpper := false, false

	x := clamp(z.guess)
	scale := z.scale
	for evals < z.maxEvals {
		y := eval(x)
		if y == 0 || (z.tolY > 0 && math.Abs(y) <= z.tolY) {
			return x
		}
		if y > 0 || math.IsNaN(y) {
			// NaN is treated as "too low": scale parameters typically go
			// numerically bad at the singular small end, and pushing up
			// recovers. A persistent NaN ends up pinned at the boundary.
			lower = x
			haveLower = true
		} else {
			upper = x
			haveUpper = true
		}
		if haveLower && haveUpper {
			break
		}

		var next float64
		if y > 0 || math.IsNaN(y) {
			next = clamp(x + scale)
		} else {
			next = clamp(x - scale)
		}
		scale *= z.scaleGrowth
		if next == x {
			// Pinned against a search boundary without a sign change: the
			// zero is outside the permitted interval.
			monitoring.WarnOnce("zerofinder: no sign change within search interval; returning boundary")
			return x
		}
		x = next
	}

	if !(haveLower && haveUpper) {
		monitoring.WarnOnce("zerofinder: evaluation budget exhausted while bracketing; returning best effort")
		return x
	}

	// Phase 2: shrink the bracket.
	for evals < z.maxEvals && upper/lower > z.ratioTolX {
		next := z.guesser.NextGuess(lower, upper)
		if gp, ok := z.fcn.(GuessPicker); ok {
			gp.PickFasterGuess(&next, lower, upper)
		}
		y := eval(next)
		if y == 0 || (z.tolY > 0 && math.Abs(y) <= z.tolY) {
			return next
		}
		if y > 0 || math.IsNaN(y) {
			lower = next
		} else {
			upper = next
		}
	}

	if upper/lower > z.ratioTolX {
		monitoring.WarnOnce("zerofinder: evaluation budget exhausted before x tolerance; returning best effort")
	}
	return z.guesser.NextGuess(lower, upper)
}
