package model

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/mvn"
)

// expDecayModel is y(t) = amp * exp(-rate * t), the usual two-parameter
// nonlinear test model.
type expDecayModel struct{}

func (expDecayModel) NumParams() int { return 2 }

func (expDecayModel) InitialDists() (*mvn.Dist, *mvn.Dist) {
	prior := mvn.New(2)
	prior.Means.SetVec(0, 1)
	prior.Means.SetVec(1, 1)
	post := prior.Clone()
	return prior, post
}

func (expDecayModel) Evaluate(params []float64, out []float64) {
	amp, rate := params[0], params[1]
	for t := range out {
		out[t] = amp * math.Exp(-rate*float64(t))
	}
}

func TestLinearizedOffsetMatchesModel(t *testing.T) {
	const nTime = 6
	centre := mat.NewVecDense(2, []float64{2.0, 0.3})
	lin := Linearize(expDecayModel{}, nTime, centre)

	want := make([]float64, nTime)
	expDecayModel{}.Evaluate([]float64{2.0, 0.3}, want)
	for i := 0; i < nTime; i++ {
		if math.Abs(lin.Offset().AtVec(i)-want[i]) > 1e-12 {
			t.Errorf("offset[%d] = %v, want %v", i, lin.Offset().AtVec(i), want[i])
		}
	}
}

func TestLinearizedJacobianMatchesAnalytic(t *testing.T) {
	const nTime = 5
	amp, rate := 2.0, 0.3
	centre := mat.NewVecDense(2, []float64{amp, rate})
	lin := Linearize(expDecayModel{}, nTime, centre)

	for ti := 0; ti < nTime; ti++ {
		ft := float64(ti)
		dAmp := math.Exp(-rate * ft)
		dRate := -amp * ft * math.Exp(-rate*ft)
		if got := lin.Jacobian().At(ti, 0); math.Abs(got-dAmp) > 1e-6 {
			t.Errorf("J[%d][0] = %v, want %v", ti, got, dAmp)
		}
		if got := lin.Jacobian().At(ti, 1); math.Abs(got-dRate) > 1e-6 {
			t.Errorf("J[%d][1] = %v, want %v", ti, got, dRate)
		}
	}
}

func TestReCentreMovesExpansion(t *testing.T) {
	const nTime = 4
	lin := Linearize(expDecayModel{}, nTime, mat.NewVecDense(2, []float64{1, 0.1}))
	before := lin.Offset().AtVec(1)

	lin.ReCentre(mat.NewVecDense(2, []float64{3, 0.5}))
	if lin.Centre().AtVec(0) != 3 {
		t.Errorf("centre[0] = %v, want 3", lin.Centre().AtVec(0))
	}
	after := lin.Offset().AtVec(1)
	want := 3 * math.Exp(-0.5)
	if math.Abs(after-want) > 1e-12 {
		t.Errorf("offset[1] after re-centre = %v, want %v", after, want)
	}
	if before == after {
		t.Error("re-centre left the offset unchanged")
	}
}

func TestJacobianStepFloor(t *testing.T) {
	if h := jacobianStep(0); h != 1e-10 {
		t.Errorf("step at zero = %v, want 1e-10", h)
	}
	if h := jacobianStep(-100); h != 100*1e-5 {
		t.Errorf("step at -100 = %v, want %v", h, 100*1e-5)
	}
}

func TestCountingConvergence(t *testing.T) {
	c := &CountingConvergence{MaxIterations: 3}
	c.Reset()
	for i := 0; i < 2; i++ {
		if c.Test(0) {
			t.Fatalf("converged early at iteration %d", i+1)
		}
	}
	if !c.Test(0) {
		t.Error("did not converge at iteration limit")
	}

	c.Reset()
	if c.Test(0) {
		t.Error("Reset did not clear the iteration count")
	}
}

func TestFchangeConvergence(t *testing.T) {
	c := &FchangeConvergence{MaxIterations: 100, Tolerance: 0.01}
	c.Reset()
	if c.Test(-500) {
		t.Fatal("converged on the first objective value")
	}
	if c.Test(-400) {
		t.Fatal("converged on a large objective change")
	}
	if !c.Test(-400.001) {
		t.Fatal("did not converge on a sub-tolerance change")
	}
	if c.Reason() != "objective converged" {
		t.Errorf("reason = %q", c.Reason())
	}
}

func TestFchangeConvergenceIterationBackstop(t *testing.T) {
	c := &FchangeConvergence{MaxIterations: 4, Tolerance: 1e-9}
	c.Reset()
	stopped := 0
	for i := 0; i < 10; i++ {
		if c.Test(float64(i) * 100) {
			stopped = i + 1
			break
		}
	}
	if stopped != 4 {
		t.Errorf("stopped after %d iterations, want 4", stopped)
	}
	if c.Reason() != "iteration limit" {
		t.Errorf("reason = %q", c.Reason())
	}
}
