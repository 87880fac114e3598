package spatial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/model"
	"github.com/neurofield/spatialvb/internal/monitoring"
	"github.com/neurofield/spatialvb/internal/mvn"
)

// Options configure an estimation run. Model, Noise, Convergence and
// PriorTypes are required; Graph is required when any prior is a shrinkage
// type and Covar when any prior is evidence-optimized.
type Options struct {
	Model       model.ForwardModel
	Noise       model.NoiseModel
	Convergence model.Convergence

	PriorTypes []PriorType
	Graph      *Graph
	Covar      *CovarianceCache

	SpatialDims int

	// SpatialSpeed caps the per-iteration multiplicative increase of the
	// spatial precision hyperparameters; <= 0 disables rate limiting.
	SpatialSpeed float64

	// FixedDelta seeds the smoothing-scale searches and fixes delta outright
	// for F-type priors. <= 0 means the default initial value.
	FixedDelta float64
	FixedRho   float64

	// NewDeltaEvaluations bounds each delta root-find; the total budget per
	// search is 2 + NewDeltaEvaluations. 0 means the default of 10.
	NewDeltaEvaluations int

	// AlwaysInitialDeltaGuess > 0 restarts every delta search from this value
	// instead of continuing from the previous iteration's estimate.
	AlwaysInitialDeltaGuess float64

	UpdatePriorOnFirstIteration bool

	// EvidenceOptimization estimates delta from the data-only posteriors
	// instead of the variational objective. FullEvidenceOptimization
	// additionally recombines the per-voxel posteriors against the assembled
	// spatial precision matrices after every iteration (implies
	// EvidenceOptimization).
	EvidenceOptimization     bool
	FullEvidenceOptimization bool

	// LockedLinear keeps the linearization centres fixed at their initial
	// positions instead of re-centring on the updated posterior means.
	LockedLinear bool

	// ImagePriors holds per-voxel prior means, indexed [param][voxel], for
	// parameters with an image ('I') prior.
	ImagePriors [][]float64
}

// Result is the output of a run.
type Result struct {
	Posteriors  []*mvn.Dist
	NoiseParams []model.NoiseParams

	// VoxelFs holds the final per-voxel free energies; FreeEnergyTrend the
	// summed objective per iteration.
	VoxelFs         []float64
	FreeEnergyTrend []float64

	Iterations        int
	ConvergenceReason string

	// Per-parameter spatial hyperparameters at convergence. Delta is -3 and
	// Rho unset for shrinkage parameters, which use Akmean instead.
	Delta  []float64
	Rho    []float64
	Akmean []float64
}

// Engine runs iterative per-voxel estimation with coupled spatial priors.
type Engine struct {
	opts Options

	nParams      int
	shrinkage    PriorType
	hasShrinkage bool
	hasEvidence  bool
	initialDelta float64
	maxEvals     int
}

// NewEngine validates the options. Structural mistakes (missing
// collaborators, mismatched sizes, unusable prior combinations) surface here
// rather than mid-run.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Model == nil || opts.Noise == nil || opts.Convergence == nil {
		return nil, fmt.Errorf("%w: model, noise and convergence collaborators are all required", ErrConfig)
	}
	nParams := opts.Model.NumParams()
	if len(opts.PriorTypes) != nParams {
		return nil, fmt.Errorf("%w: %d prior types for %d model parameters",
			ErrConfig, len(opts.PriorTypes), nParams)
	}

	shrinkage, hasShrinkage := ShrinkageType(opts.PriorTypes)
	hasEvidence := false
	for k, t := range opts.PriorTypes {
		if t.IsEvidence() {
			hasEvidence = true
		}
		if t == PriorImage {
			if k >= len(opts.ImagePriors) || opts.ImagePriors[k] == nil {
				return nil, fmt.Errorf("%w: parameter %d has an image prior but no prior means supplied", ErrConfig, k+1)
			}
		}
		if t == PriorFixedDelta && opts.FixedDelta <= 0 {
			return nil, fmt.Errorf("%w: parameter %d fixes delta but no positive fixed delta is configured", ErrConfig, k+1)
		}
	}

	if hasShrinkage && opts.Graph == nil {
		return nil, fmt.Errorf("%w: shrinkage priors require an adjacency graph", ErrConfig)
	}
	if hasEvidence && opts.Covar == nil {
		return nil, fmt.Errorf("%w: spatial smoothing priors require a covariance cache", ErrConfig)
	}
	if opts.Graph != nil && opts.Covar != nil && opts.Graph.N() != opts.Covar.N() {
		return nil, fmt.Errorf("%w: graph has %d voxels, covariance cache has %d",
			ErrConfig, opts.Graph.N(), opts.Covar.N())
	}

	if opts.SpatialDims == 0 {
		opts.SpatialDims = 3
	}
	if opts.SpatialDims < 1 || opts.SpatialDims > 3 {
		return nil, fmt.Errorf("%w: spatial dimensions must be 1, 2 or 3, got %d", ErrConfig, opts.SpatialDims)
	}
	if opts.FullEvidenceOptimization {
		opts.EvidenceOptimization = true
		if hasShrinkage && shrinkage != PriorShrinkage && shrinkage != PriorPennyDirichlet {
			return nil, fmt.Errorf("%w: full evidence optimization supports only the S and p shrinkage families, not %s",
				ErrConfig, shrinkage)
		}
	}
	if opts.UpdatePriorOnFirstIteration && !opts.EvidenceOptimization {
		return nil, fmt.Errorf("%w: updating spatial priors on the first iteration requires evidence optimization", ErrConfig)
	}

	newDeltaEvals := opts.NewDeltaEvaluations
	if newDeltaEvals <= 0 {
		newDeltaEvals = 10
	}
	initialDelta := opts.FixedDelta
	if initialDelta <= 0 {
		initialDelta = 0.5
	}

	return &Engine{
		opts:         opts,
		nParams:      nParams,
		shrinkage:    shrinkage,
		hasShrinkage: hasShrinkage,
		hasEvidence:  hasEvidence,
		initialDelta: initialDelta,
		maxEvals:     2 + newDeltaEvals,
	}, nil
}

// diagSym builds a diagonal symmetric matrix from vals.
func diagSym(vals []float64) *mat.SymDense {
	out := mat.NewSymDense(len(vals), nil)
	for i, v := range vals {
		out.SetSym(i, i, v)
	}
	return out
}

// buildStS assembles the squared-Laplacian stencil used by the 'S' prior:
// diagonal N + (N+1e-6)², first-order off-diagonals −(Ni+Nj+2e-6), plus 1
// per second-order appearance.
func buildStS(g *Graph) *mat.SymDense {
	const tiny = 1e-6
	n := g.N()
	sts := mat.NewSymDense(n, nil)
	for v := 0; v < n; v++ {
		nv := float64(len(g.Neighbours[v]))
		sts.SetSym(v, v, nv+(nv+tiny)*(nv+tiny))
		for _, nid := range g.Neighbours[v] {
			if v < nid {
				nj := float64(len(g.Neighbours[nid]))
				sts.SetSym(v, nid, sts.At(v, nid)-(nv+nj+2*tiny))
			}
		}
		for _, nid := range g.Neighbours2[v] {
			if v < nid {
				sts.SetSym(v, nid, sts.At(v, nid)+1)
			}
		}
	}
	return sts
}

// buildPennyStencil assembles the second-order Dirichlet-boundary stencil
// used by the 'p' prior when full evidence optimization needs its precision
// matrix: diagonal (2·dims)² + Nv, first-order −2·(2·dims), plus 1 per
// second-order appearance.
func buildPennyStencil(g *Graph, dims int) *mat.SymDense {
	n := g.N()
	d := float64(dims)
	out := mat.NewSymDense(n, nil)
	for v := 0; v < n; v++ {
		out.SetSym(v, v, 4*d*d+float64(len(g.Neighbours[v])))
		for _, nid := range g.Neighbours[v] {
			if v < nid {
				out.SetSym(v, nid, -2*2*d)
			}
		}
		for _, nid := range g.Neighbours2[v] {
			if v < nid {
				out.SetSym(v, nid, out.At(v, nid)+1)
			}
		}
	}
	return out
}

// checkDiagonal verifies the initial prior precision matrix is diagonal. The
// per-parameter spatial treatment decomposes the prior parameter-wise, which
// is only valid without inter-parameter prior correlations.
func checkDiagonal(s *mat.SymDense) error {
	n := s.SymmetricDim()
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if s.At(a, b) != 0 {
				return fmt.Errorf("%w: initial prior precisions must be diagonal (found %g at %d,%d)",
					ErrConfig, s.At(a, b), a, b)
			}
		}
	}
	return nil
}

// Run estimates parameters for every voxel. data holds one column per voxel,
// one row per time point; columns must line up with the coordinate list the
// graph and covariance cache were built from.
func (e *Engine) Run(data *mat.Dense) (*Result, error) {
	nTime, nVoxels := data.Dims()
	if nVoxels == 0 || nTime == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrConfig)
	}
	if e.opts.Graph != nil && e.opts.Graph.N() != nVoxels {
		return nil, fmt.Errorf("%w: graph has %d voxels, data has %d", ErrConfig, e.opts.Graph.N(), nVoxels)
	}
	if e.opts.Covar != nil && e.opts.Covar.N() != nVoxels {
		return nil, fmt.Errorf("%w: covariance cache has %d voxels, data has %d", ErrConfig, e.opts.Covar.N(), nVoxels)
	}
	for k, t := range e.opts.PriorTypes {
		if t == PriorImage && len(e.opts.ImagePriors[k]) != nVoxels {
			return nil, fmt.Errorf("%w: image prior for parameter %d has %d voxels, data has %d",
				ErrConfig, k+1, len(e.opts.ImagePriors[k]), nVoxels)
		}
	}

	prior0, post0 := e.opts.Model.InitialDists()
	if prior0.Size() != e.nParams || post0.Size() != e.nParams {
		return nil, fmt.Errorf("%w: initial distributions sized %d/%d for %d parameters",
			ErrConfig, prior0.Size(), post0.Size(), e.nParams)
	}
	if err := checkDiagonal(prior0.Precisions()); err != nil {
		return nil, err
	}

	// Per-voxel state.
	post := make([]*mvn.Dist, nVoxels)
	priorVox := make([]*mvn.Dist, nVoxels)
	lin := make([]*model.Linearized, nVoxels)
	noiseVox := make([]model.NoiseParams, nVoxels)
	dataCols := make([]*mat.VecDense, nVoxels)
	var postNoPrior []*mvn.Dist
	if e.opts.EvidenceOptimization {
		postNoPrior = make([]*mvn.Dist, nVoxels)
	}
	for v := 0; v < nVoxels; v++ {
		post[v] = post0.Clone()
		priorVox[v] = prior0.Clone()
		lin[v] = model.Linearize(e.opts.Model, nTime, post[v].Means)
		noiseVox[v] = e.opts.Noise.NewParams()
		dataCols[v] = mat.VecDenseCopyOf(data.ColView(v))
		if postNoPrior != nil {
			postNoPrior[v] = mvn.New(e.nParams)
		}
	}

	var sts *mat.SymDense
	if e.shrinkage == PriorShrinkage {
		monitoring.WarnOnce("building the squared-Laplacian stencil with constant diagonal weight 1e-6")
		sts = buildStS(e.opts.Graph)
	}

	akmean := make([]float64, e.nParams)
	delta := make([]float64, e.nParams)
	rho := make([]float64, e.nParams)
	for k := range akmean {
		akmean[k] = 1e-8
		delta[k] = e.initialDelta
	}
	monitoring.Logf("using initial value for all deltas: %g", e.initialDelta)

	sinvs := make([]*mat.SymDense, e.nParams)
	voxelFs := make([]float64, nVoxels)
	fards := make([]float64, nVoxels)
	var trend []float64

	e.opts.Convergence.Reset()
	first := true
	iterations := 0

	for {
		iterations++

		if e.hasShrinkage && (!first || e.opts.UpdatePriorOnFirstIteration) {
			e.updateAkmean(post, akmean)
		}

		e.updateDeltaRho(post, postNoPrior, prior0, delta, rho, first)

		e.assembleSinvs(sinvs, sts, prior0, akmean, delta, rho, nVoxels)

		for v := 0; v < nVoxels; v++ {
			fards[v] = e.buildVoxelPrior(v, post, priorVox[v], prior0, sinvs, sts, akmean, first)

			var np *mvn.Dist
			if postNoPrior != nil {
				np = postNoPrior[v]
			}
			e.opts.Noise.UpdateTheta(noiseVox[v], post[v], priorVox[v], lin[v], dataCols[v], np)
		}

		if e.opts.FullEvidenceOptimization {
			e.recombinePosteriors(post, postNoPrior, prior0, sinvs, nVoxels)
		}

		globalF := 0.0
		for v := 0; v < nVoxels; v++ {
			e.opts.Noise.UpdateNoise(noiseVox[v], post[v], lin[v], dataCols[v])
			voxelFs[v] = e.opts.Noise.FreeEnergy(noiseVox[v], post[v], priorVox[v], lin[v], dataCols[v]) + fards[v]
			globalF += voxelFs[v]

			if !e.opts.LockedLinear {
				lin[v].ReCentre(post[v].Means)
			}
		}
		trend = append(trend, globalF)
		monitoring.Logf("iteration %d: F = %g", iterations, globalF)

		first = false
		if e.opts.Convergence.Test(globalF) {
			break
		}
	}

	e.logResels(post, priorVox, postNoPrior, nVoxels)

	return &Result{
		Posteriors:        post,
		NoiseParams:       noiseVox,
		VoxelFs:           voxelFs,
		FreeEnergyTrend:   trend,
		Iterations:        iterations,
		ConvergenceReason: e.opts.Convergence.Reason(),
		Delta:             delta,
		Rho:               rho,
		Akmean:            akmean,
	}, nil
}

// updateAkmean re-estimates the global shrinkage precision for every
// parameter from the current posteriors (Penny 2005 update):
// 1/gk = 0.5·Tr(Σk·SᵀS) + 0.5·wkᵀ·SᵀS·wk + 1/q1, akmean = gk·(N/2 + q2)
// with hyperpriors q1 = 10, q2 = 1.
func (e *Engine) updateAkmean(post []*mvn.Dist, akmean []float64) {
	g := e.opts.Graph
	nv := len(post)
	dims := float64(e.opts.SpatialDims)

	akmeanMax := make([]float64, len(akmean))
	for k := range akmean {
		akmeanMax[k] = akmean[k] * e.opts.SpatialSpeed
	}

	for k := 0; k < e.nParams; k++ {
		wk := make([]float64, nv)
		sigmak := make([]float64, nv)
		for v := 0; v < nv; v++ {
			wk[v] = post[v].Means.AtVec(k)
			sigmak[v] = post[v].Covariance().At(k, k)
		}

		// Tr(Σk·SᵀS) via the diagonal of SᵀS, since Σk is used diagonally.
		tmp1 := 0.0
		for v := 0; v < nv; v++ {
			nn := float64(len(g.Neighbours[v]))
			switch e.shrinkage {
			case PriorMRF:
				tmp1 += sigmak[v] * dims * 2
			case PriorMRF2:
				tmp1 += sigmak[v] * (nn + 1e-8)
			case PriorPennyDirichlet:
				tmp1 += sigmak[v] * (4*dims*dims + nn)
			case PriorShrinkage:
				tmp1 += sigmak[v] * ((nn+1e-6)*(nn+1e-6) + nn)
			default: // PriorPenny
				tmp1 += sigmak[v] * (nn*nn + nn)
			}
		}

		swk := make([]float64, nv)
		if e.shrinkage == PriorShrinkage {
			for v := range swk {
				swk[v] = 1e-6 * wk[v]
			}
		}
		for v := 0; v < nv; v++ {
			for _, n := range g.Neighbours[v] {
				swk[v] += wk[v] - wk[n]
			}
			// Dirichlet boundaries pretend every voxel has the full 2·dims
			// neighbour complement.
			if e.shrinkage == PriorPennyDirichlet || e.shrinkage == PriorMRF {
				swk[v] += wk[v] * (dims*2 - float64(len(g.Neighbours[v])))
			}
		}

		tmp2 := 0.0
		if e.shrinkage == PriorMRF || e.shrinkage == PriorMRF2 {
			// MRF variants replace SᵀS with S itself.
			for v := range swk {
				tmp2 += swk[v] * wk[v]
			}
		} else {
			for v := range swk {
				tmp2 += swk[v] * swk[v]
			}
		}

		gk := 1 / (0.5*tmp1 + 0.5*tmp2 + 0.1)
		akmean[k] = gk * (float64(nv)*0.5 + 1.0)
	}

	for k := range akmean {
		if akmean[k] < 1e-50 {
			monitoring.WarnOnce("akmean value was tiny")
			akmean[k] = 1e-50
		}
	}
	if e.opts.SpatialSpeed > 0 {
		for k := range akmean {
			limit := akmeanMax[k]
			if limit < 0.5 {
				limit = 0.5
			}
			if akmean[k] > limit {
				monitoring.Logf("rate-limiting the increase on akmean %d: was %g, now %g", k+1, akmean[k], limit)
				akmean[k] = limit
			}
		}
	}
}

// updateDeltaRho re-estimates the per-parameter smoothing scales.
func (e *Engine) updateDeltaRho(post, postNoPrior []*mvn.Dist, prior0 *mvn.Dist, delta, rho []float64, first bool) {
	nv := len(post)

	for k, t := range e.opts.PriorTypes {
		switch {
		case t.IsNonspatial():
			delta[k], rho[k] = 0, 0

		case t.IsShrinkage():
			// Covered by akmean; the negative delta marks the parameter as
			// not smoothing-scale controlled.
			delta[k] = -3
			rho[k] = 0

		default: // D, R, F
			if first && !e.opts.UpdatePriorOnFirstIteration {
				continue
			}

			// Ratios against the global prior, the dimensionless inputs of
			// the variational delta search.
			priorCov := prior0.Covariance().At(k, k)
			priorCovSqrt := math.Sqrt(priorCov)
			priorMean := prior0.Means.AtVec(k)
			covRatio := make([]float64, nv)
			meanDiffRatio := mat.NewVecDense(nv, nil)
			for v := 0; v < nv; v++ {
				covRatio[v] = post[v].Covariance().At(k, k) / priorCov
				meanDiffRatio.SetVec(v, (post[v].Means.AtVec(k)-priorMean)/priorCovSqrt)
			}

			deltaMax := delta[k] * e.opts.SpatialSpeed
			allowRho := t == PriorSpatialDeltaRho

			switch t {
			case PriorSpatialDeltaRho, PriorSpatialDelta:
				if e.opts.AlwaysInitialDeltaGuess > 0 {
					delta[k] = e.opts.AlwaysInitialDeltaGuess
				}
				if e.opts.EvidenceOptimization {
					var rhoOut *float64
					if allowRho {
						rhoOut = &rho[k]
					}
					delta[k] = optimizeEvidence(e.opts.Covar, postNoPrior, k, prior0, delta[k], allowRho, rhoOut, e.maxEvals)
				} else {
					delta[k] = optimizeSmoothingScale(e.opts.Covar, covRatio, meanDiffRatio,
						delta[k], &rho[k], allowRho, true, e.maxEvals)
				}

			case PriorFixedDelta:
				delta[k] = e.opts.FixedDelta
				rho[k] = e.opts.FixedRho
				deltaMax = delta[k]
			}

			if e.opts.SpatialSpeed > 0 && t != PriorFixedDelta {
				if deltaMax < 0.5 {
					deltaMax = 0.5
				}
				if delta[k] > deltaMax {
					monitoring.Logf("rate-limiting the increase on delta %d: was %g, now %g", k+1, delta[k], deltaMax)
					delta[k] = deltaMax
					if allowRho {
						// Rho must match the clamped delta.
						fcn := &derivFdDelta{covar: e.opts.Covar, covRatio: covRatio,
							meanDiffRatio: meanDiffRatio, allowRhoToVary: true}
						rho[k] = fcn.OptimizeRho(delta[k])
					}
				}
			}

			monitoring.Logf("parameter %d (%s): delta = %g, rho = %g", k+1, t, delta[k], rho[k])
		}
	}
}

// assembleSinvs builds the per-parameter spatial precision matrices:
// C⁻¹(δk)·e^ρk·prec0 for smoothing priors, the identity·prec0 for nonspatial
// ones, and the akmean-scaled stencils for shrinkage families (the latter
// only when full evidence optimization will consume them).
func (e *Engine) assembleSinvs(sinvs []*mat.SymDense, sts *mat.SymDense, prior0 *mvn.Dist,
	akmean, delta, rho []float64, nVoxels int) {

	for k, t := range e.opts.PriorTypes {
		prec0 := prior0.Precisions().At(k, k)

		switch {
		case t.IsEvidence():
			cinv := e.opts.Covar.Cinv(delta[k])
			s := mat.NewSymDense(nVoxels, nil)
			scale := math.Exp(rho[k]) * prec0
			for a := 0; a < nVoxels; a++ {
				for b := a; b < nVoxels; b++ {
					s.SetSym(a, b, cinv.At(a, b)*scale)
				}
			}
			sinvs[k] = s

		case t.IsNonspatial():
			if !e.opts.FullEvidenceOptimization {
				sinvs[k] = nil
				continue
			}
			s := mat.NewSymDense(nVoxels, nil)
			for v := 0; v < nVoxels; v++ {
				s.SetSym(v, v, prec0)
			}
			sinvs[k] = s

		default: // shrinkage
			if !e.opts.FullEvidenceOptimization {
				sinvs[k] = nil
				continue
			}
			var stencil *mat.SymDense
			if e.shrinkage == PriorShrinkage {
				stencil = sts
			} else {
				stencil = buildPennyStencil(e.opts.Graph, e.opts.SpatialDims)
			}
			s := mat.NewSymDense(nVoxels, nil)
			for a := 0; a < nVoxels; a++ {
				for b := a; b < nVoxels; b++ {
					s.SetSym(a, b, stencil.At(a, b)*akmean[k])
				}
			}
			sinvs[k] = s
		}
	}
}

// buildVoxelPrior fills prior with the per-voxel prior for voxel v by
// marginalizing the spatial precision structure over the other voxels'
// current posteriors. Returns the ARD free-energy correction for this voxel.
func (e *Engine) buildVoxelPrior(v int, post []*mvn.Dist, prior *mvn.Dist, prior0 *mvn.Dist,
	sinvs []*mat.SymDense, sts *mat.SymDense, akmean []float64, first bool) float64 {

	nv := len(post)
	dims := float64(e.opts.SpatialDims)
	finalPrec := make([]float64, e.nParams)
	finalMeans := make([]float64, e.nParams)

	// Shrinkage parameters first; everything else is overwritten below.
	if e.shrinkage == PriorShrinkage {
		weight := 1e-6 // weakly pulled to zero
		contrib := make([]float64, e.nParams)
		for i := 0; i < nv; i++ {
			if i == v {
				continue
			}
			w := sts.At(v, i)
			weight += w
			for k := 0; k < e.nParams; k++ {
				contrib[k] += w * post[i].Means.AtVec(k)
			}
		}
		for k, t := range e.opts.PriorTypes {
			if t != e.shrinkage {
				continue
			}
			finalPrec[k] = akmean[k] * sts.At(v, v)
			finalMeans[k] = contrib[k] / weight
		}
	} else if e.hasShrinkage {
		g := e.opts.Graph
		nn := float64(len(g.Neighbours[v]))

		contrib8 := make([]float64, e.nParams)
		for _, n := range g.Neighbours[v] {
			for k := 0; k < e.nParams; k++ {
				contrib8[k] += 8 * post[n].Means.AtVec(k)
			}
		}
		weight8 := 8 * nn

		contrib12 := make([]float64, e.nParams)
		weight12 := 0.0
		for _, n := range g.Neighbours2[v] {
			for k := 0; k < e.nParams; k++ {
				contrib12[k] -= post[n].Means.AtVec(k)
			}
			weight12--
		}

		if e.shrinkage == PriorPennyDirichlet {
			weight8 = 8 * 2 * dims
			weight12 = -(4*dims*dims - nn)
		}

		for k, t := range e.opts.PriorTypes {
			if t != e.shrinkage {
				continue
			}

			var spatialPrec float64
			switch e.shrinkage {
			case PriorPenny:
				spatialPrec = akmean[k] * (nn*nn + nn)
			case PriorMRF:
				spatialPrec = akmean[k] * dims * 2
			case PriorMRF2:
				spatialPrec = akmean[k] * (nn + 1e-8)
			case PriorPennyDirichlet:
				spatialPrec = akmean[k] * (4*dims*dims + nn)
			}

			mTmp := 0.0
			if weight8 != 0 {
				mTmp = (contrib8[k] + contrib12[k]) / (weight8 + weight12)
			}
			switch e.shrinkage {
			case PriorMRF: // Dirichlet boundaries on the MRF
				mTmp = contrib8[k] / (8 * dims * 2)
			case PriorMRF2:
				mTmp = contrib8[k] / (8 * (nn + 1e-8))
			}

			prec0 := prior0.Precisions().At(k, k)
			mean0 := prior0.Means.AtVec(k)
			switch e.shrinkage {
			case PriorPennyDirichlet, PriorMRF:
				// Dirichlet-boundary families ignore the global prior in the
				// precisions.
				finalPrec[k] = spatialPrec
			default:
				finalPrec[k] = prec0 + spatialPrec
			}
			switch e.shrinkage {
			case PriorMRF, PriorMRF2:
				finalMeans[k] = spatialPrec * mTmp / finalPrec[k]
			default:
				finalMeans[k] = (spatialPrec*mTmp + prec0*mean0) / finalPrec[k]
			}
		}
	}

	// Marginalize out all the other voxels, parameter by parameter.
	fard := 0.0
	for k, t := range e.opts.PriorTypes {
		prec0 := prior0.Precisions().At(k, k)
		mean0 := prior0.Means.AtVec(k)

		switch {
		case t == e.shrinkage && e.hasShrinkage:
			// set above

		case t == PriorARD:
			if first {
				finalPrec[k] = prec0
				finalMeans[k] = mean0
			} else {
				ard := 1/post[v].Precisions().At(k, k) + post[v].Means.AtVec(k)*post[v].Means.AtVec(k)
				finalPrec[k] = 1 / ard
				finalMeans[k] = 0
				fard -= 2 * math.Log(2/ard)
			}

		case t == PriorNonspatial:
			finalPrec[k] = prec0
			finalMeans[k] = mean0

		case t == PriorImage:
			finalPrec[k] = prec0
			finalMeans[k] = e.opts.ImagePriors[k][v]

		default: // evidence-optimized
			s := sinvs[k]
			finalPrec[k] = s.At(v, v)
			weighted := 0.0
			for n := 0; n < nv; n++ {
				if n != v {
					weighted += s.At(n, v) * (post[n].Means.AtVec(k) - mean0)
				}
			}
			finalMeans[k] = mean0 - weighted/finalPrec[k]
		}
	}

	prior.SetPrecisions(diagSym(finalPrec))
	for k := 0; k < e.nParams; k++ {
		prior.Means.SetVec(k, finalMeans[k])
	}
	return fard
}

// recombinePosteriors re-estimates every voxel's posterior simultaneously
// per parameter from the data-only posteriors and the assembled spatial
// precisions, then writes the marginal means and precisions back.
func (e *Engine) recombinePosteriors(post, postNoPrior []*mvn.Dist, prior0 *mvn.Dist,
	sinvs []*mat.SymDense, nVoxels int) {

	monitoring.WarnOnce("using full evidence optimization; posterior marginals taken from precisions")

	sigmaInv := make([]*mat.SymDense, e.nParams)
	mu := make([]*mat.VecDense, e.nParams)

	diff := mat.NewVecDense(e.nParams, nil)
	tmp := mat.NewVecDense(e.nParams, nil)

	for k := 0; k < e.nParams; k++ {
		xx := make([]float64, nVoxels)
		rhs := mat.NewVecDense(nVoxels, nil)

		for v := 0; v < nVoxels; v++ {
			prec := postNoPrior[v].Precisions()
			xx[v] = prec.At(k, k)

			// XYtr: data-only evidence for this parameter.
			diff.SubVec(postNoPrior[v].Means, prior0.Means)
			tmp.MulVec(prec, diff)
			xy := tmp.AtVec(k)

			// XXtrMuOthers: the other parameters' current posterior means,
			// projected through the data precision onto parameter k.
			diff.SubVec(post[v].Means, prior0.Means)
			diff.SetVec(k, 0)
			tmp.MulVec(prec, diff)

			rhs.SetVec(v, xy-tmp.AtVec(k))
		}

		sigmaInv[k] = addDiagToSym(xx, sinvs[k])
		sigma := mvn.InvertSym(sigmaInv[k])
		mu[k] = mat.NewVecDense(nVoxels, nil)
		mu[k].MulVec(sigma, rhs)
	}

	for v := 0; v < nVoxels; v++ {
		newPrec := make([]float64, e.nParams)
		for k := 0; k < e.nParams; k++ {
			post[v].Means.SetVec(k, mu[k].AtVec(v)+prior0.Means.AtVec(k))
			newPrec[k] = sigmaInv[k].At(v, v)
		}
		// Inter-parameter covariances from the theta update are discarded;
		// the recombination is parameter-marginal.
		post[v].SetPrecisions(diagSym(newPrec))
	}
}

// logResels reports the "coefficient resels" diagnostic (Penny 2005): the
// average proportion of each parameter's posterior information contributed
// by the data rather than the prior.
func (e *Engine) logResels(post, priorVox, postNoPrior []*mvn.Dist, nVoxels int) {
	for k := 0; k < e.nParams; k++ {
		sumVB := 0.0
		sumEO := 0.0
		for v := 0; v < nVoxels; v++ {
			sumVB += 1 - post[v].Covariance().At(k, k)/priorVox[v].Covariance().At(k, k)
			if postNoPrior != nil {
				sumEO += post[v].Covariance().At(k, k) / postNoPrior[v].Covariance().At(k, k)
			}
		}
		if postNoPrior != nil {
			monitoring.Logf("coefficient resels per voxel for param %d: %g (vb) or %g (eo)",
				k+1, sumVB/float64(nVoxels), sumEO/float64(nVoxels))
		} else {
			monitoring.Logf("coefficient resels per voxel for param %d: %g (vb)", k+1, sumVB/float64(nVoxels))
		}
	}
}
