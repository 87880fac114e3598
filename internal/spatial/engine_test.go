package spatial

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/model"
	"github.com/neurofield/spatialvb/internal/mvn"
	"github.com/neurofield/spatialvb/internal/noise"
)

// levelModel is the one-parameter model y(t) = θ.
type levelModel struct {
	priorPrec float64
}

func (m levelModel) NumParams() int { return 1 }

func (m levelModel) InitialDists() (*mvn.Dist, *mvn.Dist) {
	prior := mvn.New(1)
	prec := mat.NewSymDense(1, []float64{m.priorPrec})
	prior.SetPrecisions(prec)
	return prior, prior.Clone()
}

func (levelModel) Evaluate(params []float64, out []float64) {
	for t := range out {
		out[t] = params[0]
	}
}

// planeCoords returns a single k×k slice at z=0 in sorted order.
func planeCoords(k int) []Coord {
	coords := make([]Coord, 0, k*k)
	for y := 0; y < k; y++ {
		for x := 0; x < k; x++ {
			coords = append(coords, Coord{X: x, Y: y})
		}
	}
	return coords
}

// constantData returns nTime×nVoxels data with every voxel fixed at value.
func constantData(nTime, nVoxels int, value float64) *mat.Dense {
	d := mat.NewDense(nTime, nVoxels, nil)
	for t := 0; t < nTime; t++ {
		for v := 0; v < nVoxels; v++ {
			d.Set(t, v, value)
		}
	}
	return d
}

func TestBuildStSMatchesLaplacianSquare(t *testing.T) {
	g, err := NewGraph(planeCoords(3), 2)
	if err != nil {
		t.Fatal(err)
	}
	sts := buildStS(g)

	// Reference: L = 1e-6·I + graph Laplacian, StS = L·L.
	n := g.N()
	lap := mat.NewDense(n, n, nil)
	for v := 0; v < n; v++ {
		lap.Set(v, v, 1e-6)
		for _, nid := range g.Neighbours[v] {
			lap.Set(v, nid, -1)
			lap.Set(v, v, lap.At(v, v)+1)
		}
	}
	var want mat.Dense
	want.Mul(lap, lap)

	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			if math.Abs(sts.At(a, b)-want.At(a, b)) > 1e-9 {
				t.Errorf("StS[%d][%d] = %v, want %v", a, b, sts.At(a, b), want.At(a, b))
			}
		}
	}
}

func TestBuildPennyStencil(t *testing.T) {
	g, err := NewGraph(planeCoords(3), 2)
	if err != nil {
		t.Fatal(err)
	}
	s := buildPennyStencil(g, 2)

	for v := 0; v < g.N(); v++ {
		want := 16 + float64(len(g.Neighbours[v]))
		if got := s.At(v, v); got != want {
			t.Errorf("diagonal[%d] = %v, want %v", v, got, want)
		}
	}
	// Centre (voxel 4) to an edge neighbour (voxel 1): first-order -8, no
	// shared second-order path contributes to a direct neighbour pair here.
	if got := s.At(4, 1); got != -8 {
		t.Errorf("first-order entry = %v, want -8", got)
	}
}

func TestNewEngineValidation(t *testing.T) {
	graph, err := NewGraph(planeCoords(2), 2)
	if err != nil {
		t.Fatal(err)
	}
	covar, err := NewCovarianceCache(planeCoords(2), "dist1", true)
	if err != nil {
		t.Fatal(err)
	}
	m := levelModel{priorPrec: 1}
	w := noise.NewWhite(1)
	conv := &model.CountingConvergence{MaxIterations: 2}

	cases := []struct {
		name string
		opts Options
	}{
		{"missing collaborators", Options{}},
		{"wrong prior count", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorNonspatial, PriorNonspatial}}},
		{"shrinkage without graph", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorShrinkage}}},
		{"evidence without covariance cache", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorSpatialDelta}}},
		{"image prior without means", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorImage}}},
		{"fixed delta prior without value", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorFixedDelta}, Covar: covar}},
		{"bad dimensions", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorShrinkage}, Graph: graph, SpatialDims: 4}},
		{"first-iteration update without evidence optimization", Options{Model: m, Noise: w, Convergence: conv,
			PriorTypes: []PriorType{PriorSpatialDelta}, Covar: covar, UpdatePriorOnFirstIteration: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(tc.opts)
			if err == nil {
				t.Fatal("expected a configuration error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("error %v does not wrap ErrConfig", err)
			}
		})
	}
}

func TestRunRejectsMismatchedData(t *testing.T) {
	graph, err := NewGraph(planeCoords(3), 2)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 1e-6},
		Noise:       noise.NewWhite(1),
		Convergence: &model.CountingConvergence{MaxIterations: 2},
		PriorTypes:  []PriorType{PriorShrinkage},
		Graph:       graph,
		SpatialDims: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	// 4 voxels of data against a 9-voxel graph.
	if _, err := eng.Run(constantData(5, 4, 1)); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig for voxel count mismatch", err)
	}
}

func TestShrinkageRunRecoversConstantField(t *testing.T) {
	const nTime = 5
	graph, err := NewGraph(planeCoords(3), 2)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 1e-6},
		Noise:       noise.NewWhite(1),
		Convergence: &model.FchangeConvergence{MaxIterations: 10, Tolerance: 0.01},
		PriorTypes:  []PriorType{PriorShrinkage},
		Graph:       graph,
		SpatialDims: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(constantData(nTime, graph.N(), 2.0))
	if err != nil {
		t.Fatal(err)
	}

	if res.Iterations < 1 || len(res.FreeEnergyTrend) != res.Iterations {
		t.Errorf("iterations = %d, trend length = %d", res.Iterations, len(res.FreeEnergyTrend))
	}
	for v, p := range res.Posteriors {
		if got := p.Means.AtVec(0); math.Abs(got-2.0) > 0.01 {
			t.Errorf("voxel %d mean = %v, want 2.0", v, got)
		}
	}
	if res.Delta[0] != -3 {
		t.Errorf("delta = %v, want the shrinkage sentinel -3", res.Delta[0])
	}
	if res.Akmean[0] <= 0 {
		t.Errorf("akmean = %v, want positive", res.Akmean[0])
	}
	// A perfect fit should drive the noise precision well above its seed.
	if phi := res.NoiseParams[0].(*noise.Params).Precision(); phi <= 1 {
		t.Errorf("noise precision = %v, want > 1 for noiseless data", phi)
	}
}

func TestMRFRunCompletes(t *testing.T) {
	graph, err := NewGraph(planeCoords(3), 2)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:        levelModel{priorPrec: 1e-6},
		Noise:        noise.NewWhite(1),
		Convergence:  &model.CountingConvergence{MaxIterations: 4},
		PriorTypes:   []PriorType{PriorMRF2},
		Graph:        graph,
		SpatialDims:  2,
		SpatialSpeed: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := eng.Run(constantData(5, graph.N(), 2.0))
	if err != nil {
		t.Fatal(err)
	}
	for v, p := range res.Posteriors {
		got := p.Means.AtVec(0)
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("voxel %d mean = %v", v, got)
		}
		if got < 0 || got > 2.5 {
			t.Errorf("voxel %d mean = %v, outside plausible range", v, got)
		}
	}
}

func TestEvidenceOptimizationRun(t *testing.T) {
	coords := lineCoords(4)
	covar, err := NewCovarianceCache(coords, "dist1", true)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 1},
		Noise:       noise.NewWhite(1),
		Convergence: &model.CountingConvergence{MaxIterations: 4},
		PriorTypes:  []PriorType{PriorSpatialDelta},
		Covar:       covar,
		SpatialDims: 1,

		EvidenceOptimization: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(constantData(5, 4, 0.3))
	if err != nil {
		t.Fatal(err)
	}

	if res.Delta[0] < eoDeltaMin || res.Delta[0] > eoDeltaMax {
		t.Errorf("delta = %v, outside [%v, %v]", res.Delta[0], eoDeltaMin, eoDeltaMax)
	}
	for v, p := range res.Posteriors {
		got := p.Means.AtVec(0)
		// Pulled between the zero prior and the 0.3 data.
		if got < -0.05 || got > 0.35 {
			t.Errorf("voxel %d mean = %v, want within [-0.05, 0.35]", v, got)
		}
	}
}

func TestFullEvidenceOptimizationRun(t *testing.T) {
	coords := lineCoords(4)
	covar, err := NewCovarianceCache(coords, "dist1", true)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 1},
		Noise:       noise.NewWhite(1),
		Convergence: &model.CountingConvergence{MaxIterations: 4},
		PriorTypes:  []PriorType{PriorSpatialDelta},
		Covar:       covar,
		SpatialDims: 1,

		FullEvidenceOptimization: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(constantData(5, 4, 0.3))
	if err != nil {
		t.Fatal(err)
	}
	for v, p := range res.Posteriors {
		got := p.Means.AtVec(0)
		if math.IsNaN(got) || math.IsInf(got, 0) {
			t.Fatalf("voxel %d mean = %v", v, got)
		}
		if p.Precisions().At(0, 0) <= 0 {
			t.Errorf("voxel %d has non-positive posterior precision", v)
		}
	}
}

func TestImagePriorSetsPerVoxelMeans(t *testing.T) {
	// Strong image prior, weak data influence: posteriors should track the
	// per-voxel prior means rather than the shared data value.
	img := []float64{1, 2, 3}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 100},
		Noise:       noise.NewWhite(0.001),
		Convergence: &model.CountingConvergence{MaxIterations: 1},
		PriorTypes:  []PriorType{PriorImage},
		SpatialDims: 1,
		ImagePriors: [][]float64{img},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(constantData(4, 3, 2.0))
	if err != nil {
		t.Fatal(err)
	}
	for v, p := range res.Posteriors {
		if got := p.Means.AtVec(0); math.Abs(got-img[v]) > 0.1 {
			t.Errorf("voxel %d mean = %v, want near image prior %v", v, got, img[v])
		}
	}
}

func TestFixedDeltaCubeRun(t *testing.T) {
	const nTime = 5
	run := func() *Result {
		covar, err := NewCovarianceCache(cubeCoords(5), "dist1", true)
		if err != nil {
			t.Fatal(err)
		}
		eng, err := NewEngine(Options{
			Model:       levelModel{priorPrec: 1},
			Noise:       noise.NewWhite(1),
			Convergence: &model.FchangeConvergence{MaxIterations: 10, Tolerance: 0.01},
			PriorTypes:  []PriorType{PriorFixedDelta},
			Covar:       covar,
			SpatialDims: 3,
			FixedDelta:  1.0,
			FixedRho:    0.5,
		})
		if err != nil {
			t.Fatal(err)
		}
		res, err := eng.Run(constantData(nTime, 125, 1.7))
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	res := run()
	if res.Delta[0] != 1.0 {
		t.Errorf("delta = %v, want the fixed 1.0", res.Delta[0])
	}
	if res.Rho[0] != 0.5 {
		t.Errorf("rho = %v, want the fixed 0.5", res.Rho[0])
	}
	for v, p := range res.Posteriors {
		if got := p.Means.AtVec(0); math.Abs(got-1.7) > 0.01 {
			t.Errorf("voxel %d mean = %v, want 1.7", v, got)
		}
	}

	// Identical reruns produce bitwise-identical posteriors.
	again := run()
	if res.Iterations != again.Iterations {
		t.Fatalf("iteration counts differ: %d vs %d", res.Iterations, again.Iterations)
	}
	for v := range res.Posteriors {
		if res.Posteriors[v].Means.AtVec(0) != again.Posteriors[v].Means.AtVec(0) {
			t.Errorf("voxel %d means differ between identical runs", v)
		}
	}
}

func TestVariationalDeltaRhoLineRun(t *testing.T) {
	covar, err := NewCovarianceCache(lineCoords(5), "dist1", true)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:       levelModel{priorPrec: 1},
		Noise:       noise.NewWhite(1),
		Convergence: &model.FchangeConvergence{MaxIterations: 6, Tolerance: 0.01},
		PriorTypes:  []PriorType{PriorSpatialDeltaRho},
		Covar:       covar,
		SpatialDims: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := eng.Run(constantData(5, 5, 1.0))
	if err != nil {
		t.Fatal(err)
	}

	if res.Delta[0] < vbDeltaMin || res.Delta[0] > vbDeltaMax {
		t.Errorf("delta = %v, outside [%v, %v]", res.Delta[0], vbDeltaMin, vbDeltaMax)
	}
	if math.IsNaN(res.Rho[0]) || math.IsInf(res.Rho[0], 0) {
		t.Errorf("rho = %v, want finite", res.Rho[0])
	}
	for v, p := range res.Posteriors {
		got := p.Means.AtVec(0)
		// Pulled between the zero prior and the 1.0 data.
		if got < -0.1 || got > 1.1 {
			t.Errorf("voxel %d mean = %v, outside plausible range", v, got)
		}
	}
}

func TestDeltaRateLimitKeepsRhoConsistent(t *testing.T) {
	covar, err := NewCovarianceCache(lineCoords(4), "dist1", true)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := NewEngine(Options{
		Model:        levelModel{priorPrec: 1},
		Noise:        noise.NewWhite(1),
		Convergence:  &model.CountingConvergence{MaxIterations: 1},
		PriorTypes:   []PriorType{PriorSpatialDeltaRho},
		Covar:        covar,
		SpatialDims:  1,
		SpatialSpeed: 1.05,
	})
	if err != nil {
		t.Fatal(err)
	}

	post := make([]*mvn.Dist, 4)
	for v := range post {
		d := mvn.New(1)
		d.Means.SetVec(0, 0.8)
		d.SetPrecisions(mat.NewSymDense(1, []float64{10}))
		post[v] = d
	}
	prior0 := mvn.New(1)

	delta := []float64{0.5}
	rho := []float64{0}
	eng.updateDeltaRho(post, nil, prior0, delta, rho, false)

	// Ceiling = pre-update delta times the speed, whether or not it fired.
	if delta[0] > 0.5*1.05+1e-12 {
		t.Errorf("delta = %v, exceeds the rate ceiling %v", delta[0], 0.5*1.05)
	}
	if delta[0] < vbDeltaMin {
		t.Errorf("delta = %v, below %v", delta[0], vbDeltaMin)
	}

	// Rho must always correspond to the final delta, including after a clamp.
	covRatio := []float64{0.1, 0.1, 0.1, 0.1}
	mdr := mat.NewVecDense(4, []float64{0.8, 0.8, 0.8, 0.8})
	fcn := &derivFdDelta{covar: covar, covRatio: covRatio, meanDiffRatio: mdr, allowRhoToVary: true}
	if want := fcn.OptimizeRho(delta[0]); math.Abs(rho[0]-want) > 1e-12 {
		t.Errorf("rho = %v, want %v to match the final delta", rho[0], want)
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	run := func() *Result {
		graph, err := NewGraph(planeCoords(3), 2)
		if err != nil {
			t.Fatal(err)
		}
		eng, err := NewEngine(Options{
			Model:       levelModel{priorPrec: 1e-6},
			Noise:       noise.NewWhite(1),
			Convergence: &model.FchangeConvergence{MaxIterations: 6, Tolerance: 0.01},
			PriorTypes:  []PriorType{PriorShrinkage},
			Graph:       graph,
			SpatialDims: 2,
		})
		if err != nil {
			t.Fatal(err)
		}
		res, err := eng.Run(constantData(5, graph.N(), 1.5))
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	a, b := run(), run()
	if a.Iterations != b.Iterations {
		t.Fatalf("iteration counts differ: %d vs %d", a.Iterations, b.Iterations)
	}
	for v := range a.Posteriors {
		if a.Posteriors[v].Means.AtVec(0) != b.Posteriors[v].Means.AtVec(0) {
			t.Errorf("voxel %d means differ between identical runs", v)
		}
	}
	for i := range a.FreeEnergyTrend {
		if a.FreeEnergyTrend[i] != b.FreeEnergyTrend[i] {
			t.Errorf("objective trend differs at iteration %d", i)
		}
	}
}
