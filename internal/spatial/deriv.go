package spatial

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/monitoring"
	"github.com/neurofield/spatialvb/internal/mvn"
)

// traceSymProd returns Tr(a·b) for symmetric a, b.
func traceSymProd(a, b *mat.SymDense) float64 {
	n := a.SymmetricDim()
	out := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out += a.At(i, j) * b.At(j, i)
		}
	}
	return out
}

// traceDiagProd returns Tr(diag(d)·m).
func traceDiagProd(d []float64, m *mat.SymDense) float64 {
	out := 0.0
	for v := range d {
		out += d[v] * m.At(v, v)
	}
	return out
}

// quadForm returns xᵀ·m·x.
func quadForm(m *mat.SymDense, x *mat.VecDense) float64 {
	tmp := mat.NewVecDense(x.Len(), nil)
	tmp.MulVec(m, x)
	return mat.Dot(x, tmp)
}

// addDiagToSym returns diag(d) + s as a fresh matrix.
func addDiagToSym(d []float64, s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	for v := 0; v < n; v++ {
		out.SetSym(v, v, out.At(v, v)+d[v])
	}
	return out
}

// derivFdRho is dF/dρ at fixed delta for the variational smoothing update.
// Descending in ρ: used only as the fallback when the closed form for ρ goes
// numerically bad.
type derivFdRho struct {
	covar         *CovarianceCache
	covRatio      []float64
	meanDiffRatio *mat.VecDense
	delta         float64
}

func (f *derivFdRho) Calculate(rho float64) float64 {
	n := float64(f.covar.N())
	cinv := f.covar.Cinv(f.delta)

	out := 0.5 * n
	out -= 0.5 * math.Exp(rho) * traceDiagProd(f.covRatio, cinv)
	out -= 0.5 * math.Exp(rho) * quadForm(cinv, f.meanDiffRatio)
	return out
}

// derivFdDelta is dF/dδ for the variational (non-evidence) smoothing-scale
// update, optimized over ρ at each δ when allowed.
type derivFdDelta struct {
	covar          *CovarianceCache
	covRatio       []float64
	meanDiffRatio  *mat.VecDense
	allowRhoToVary bool
}

// OptimizeRho returns the closed-form ρ maximizing F at this delta:
// ρ = −log((Tr(covRatio·C⁻¹) + mdrᵀ·C⁻¹·mdr)/N). A numerical problem can
// push the argument negative; then the result is found by bisection on
// dF/dρ instead.
func (f *derivFdDelta) OptimizeRho(delta float64) float64 {
	if !f.allowRhoToVary {
		return 0
	}

	n := float64(f.covar.N())
	cinv := f.covar.Cinv(delta)
	tmp := traceDiagProd(f.covRatio, cinv) + quadForm(cinv, f.meanDiffRatio)

	rho := -math.Log(tmp / n)
	if math.IsNaN(rho) {
		monitoring.WarnOnce("closed-form rho update failed; falling back to bisection")
		fcn := &derivFdRho{covar: f.covar, covRatio: f.covRatio, meanDiffRatio: f.meanDiffRatio, delta: delta}
		rho = NewDescendingZeroFinder(fcn).
			InitialGuess(1).
			TolY(0.0001).
			RatioTolX(1.001).
			SetGuesstimator(BisectionGuesstimator{}).
			SearchMin(-70).
			SearchMax(70).
			Find()
	}
	return rho
}

func (f *derivFdDelta) Calculate(delta float64) float64 {
	rho := f.OptimizeRho(delta)

	ciCodistCi, out := f.covar.CiCodistCi(delta)
	out -= math.Exp(rho) * traceDiagProd(f.covRatio, ciCodistCi)
	out -= math.Exp(rho) * quadForm(ciCodistCi, f.meanDiffRatio)
	out /= -4 * delta * delta // = -1/2 * d(1/delta)/ddelta
	return out
}

// PickFasterGuess steers the root finder toward deltas whose inversions are
// already cached.
func (f *derivFdDelta) PickFasterGuess(guess *float64, lower, upper float64) bool {
	return f.covar.CachedInRange(guess, lower, upper, false)
}

// derivEdDelta is dE/dδ for evidence optimization: the smoothing scale is
// chosen to maximize the approximate model evidence of parameter k given the
// data-only (priorless) per-voxel posteriors.
type derivEdDelta struct {
	covar          *CovarianceCache
	postNoPrior    []*mvn.Dist
	k              int
	prior          *mvn.Dist
	allowRhoToVary bool
}

func (f *derivEdDelta) Calculate(delta float64) float64 {
	n := f.covar.N()
	priorCov := f.prior.Covariance().At(f.k, f.k)
	priorPrecSqrt := math.Sqrt(f.prior.Precisions().At(f.k, f.k))
	priorMean := f.prior.Means.AtVec(f.k)

	xx := make([]float64, n)
	xy := mat.NewVecDense(n, nil)
	for v := 0; v < n; v++ {
		xx[v] = f.postNoPrior[v].Precisions().At(f.k, f.k) * priorCov
		xy.SetVec(v, xx[v]*(f.postNoPrior[v].Means.AtVec(f.k)-priorMean)*priorPrecSqrt)
	}

	ciCodistCi, out := f.covar.CiCodistCi(delta)
	sigma := mvn.InvertSym(addDiagToSym(xx, f.covar.Cinv(delta)))

	out -= traceSymProd(sigma, ciCodistCi)

	mu := mat.NewVecDense(n, nil)
	mu.MulVec(sigma, xy)
	out -= quadForm(ciCodistCi, mu)

	out /= -4 * delta * delta
	return out
}

// OptimizeRho returns the closed-form ρ at this delta, or 0 when ρ is fixed.
func (f *derivEdDelta) OptimizeRho(delta float64) float64 {
	if !f.allowRhoToVary {
		return 0
	}

	n := f.covar.N()
	if f.prior.Covariance().At(f.k, f.k) != 1 {
		monitoring.WarnOnce("rho estimation assumes a unit prior variance; correction factor unimplemented")
	}
	priorMean := f.prior.Means.AtVec(f.k)

	xx := make([]float64, n)
	xy := mat.NewVecDense(n, nil)
	for v := 0; v < n; v++ {
		xx[v] = f.postNoPrior[v].Precisions().At(f.k, f.k)
		xy.SetVec(v, xx[v]*(f.postNoPrior[v].Means.AtVec(f.k)-priorMean))
	}

	cinv := f.covar.Cinv(delta)
	sigma := mvn.InvertSym(addDiagToSym(xx, cinv))
	mu := mat.NewVecDense(n, nil)
	mu.MulVec(sigma, xy)

	// Tr((Σ + μμᵀ)·C⁻¹) = Tr(Σ·C⁻¹) + μᵀ·C⁻¹·μ
	return -math.Log((traceSymProd(sigma, cinv) + quadForm(cinv, mu)) / float64(n))
}

// PickFasterGuess steers the root finder toward cached deltas.
func (f *derivEdDelta) PickFasterGuess(guess *float64, lower, upper float64) bool {
	return f.covar.CachedInRange(guess, lower, upper, false)
}

// Hard limits on the variational delta search. Below the minimum the
// inversions become painfully slow; above the maximum exp(-0.5/delta) is
// numerically singular.
const (
	vbDeltaMin = 0.2
	vbDeltaMax = 1e15
)

// optimizeSmoothingScale runs the variational delta search. rho receives the
// matching ρ when non-nil and delta was allowed to vary.
func optimizeSmoothingScale(covar *CovarianceCache, covRatio []float64, meanDiffRatio *mat.VecDense,
	guess float64, rho *float64, allowRhoToVary, allowDeltaToVary bool, maxEvals int) float64 {

	fcn := &derivFdDelta{covar: covar, covRatio: covRatio, meanDiffRatio: meanDiffRatio, allowRhoToVary: allowRhoToVary}

	delta := guess
	if allowDeltaToVary {
		delta = NewDescendingZeroFinder(fcn).
			InitialGuess(guess).
			SearchMin(vbDeltaMin).
			SearchMax(vbDeltaMax).
			RatioTolX(1.01).
			MaxEvaluations(maxEvals).
			SetGuesstimator(LogBisectionGuesstimator{}).
			Find()
	}

	if allowDeltaToVary && rho != nil {
		*rho = fcn.OptimizeRho(delta)
	}
	return delta
}

// Hard limits on the evidence-optimization delta search.
const (
	eoDeltaMin = 0.05
	eoDeltaMax = 1e3
)

// optimizeEvidence runs the evidence-optimization delta search for one
// parameter against the priorless posteriors.
func optimizeEvidence(covar *CovarianceCache, postNoPrior []*mvn.Dist, k int, prior *mvn.Dist,
	guess float64, allowRhoToVary bool, rho *float64, maxEvals int) float64 {

	fcn := &derivEdDelta{covar: covar, postNoPrior: postNoPrior, k: k, prior: prior, allowRhoToVary: allowRhoToVary}

	monitoring.WarnOnce("hard limits on delta: [%g, %g]", eoDeltaMin, eoDeltaMax)

	delta := NewDescendingZeroFinder(fcn).
		InitialGuess(guess).
		InitialScale(guess * 0.009).
		ScaleGrowth(16).
		SearchMin(eoDeltaMin).
		SearchMax(eoDeltaMax).
		RatioTolX(1.01).
		MaxEvaluations(maxEvals).
		SetGuesstimator(LogBisectionGuesstimator{}).
		Find()

	if rho != nil {
		*rho = fcn.OptimizeRho(delta)
	}
	return delta
}
