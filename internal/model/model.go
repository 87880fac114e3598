// Package model defines the collaborator interfaces the estimation engine
// drives: the forward model mapping parameters to predicted signals, its
// linearization, the noise model performing the per-voxel posterior updates,
// and the convergence policy.
package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/mvn"
)

// ForwardModel maps a parameter vector to a predicted signal. Implementations
// must be safe for concurrent Evaluate calls; the engine linearizes every
// voxel against the same model instance.
type ForwardModel interface {
	// NumParams returns the number of model parameters.
	NumParams() int

	// InitialDists returns the global parameter prior and the initial
	// per-voxel posterior. Both are copied by the caller; the model keeps
	// ownership of nothing.
	InitialDists() (prior, posterior *mvn.Dist)

	// Evaluate writes the predicted signal for params into out. len(out)
	// fixes the number of time points.
	Evaluate(params []float64, out []float64)
}

// jacobianStep returns the finite-difference step for a parameter value,
// relative with an absolute floor so zero-valued parameters still move.
func jacobianStep(v float64) float64 {
	h := v * 1e-5
	if h < 0 {
		h = -h
	}
	if h < 1e-10 {
		h = 1e-10
	}
	return h
}

// Linearized is a first-order expansion of a ForwardModel about a centre
// point: g(θ) ≈ offset + J·(θ − centre). One instance per voxel, re-centred
// at the updated posterior mean after every iteration.
type Linearized struct {
	model  ForwardModel
	nTime  int
	centre *mat.VecDense
	offset *mat.VecDense // model output at centre
	jac    *mat.Dense    // nTime × nParams
}

// Linearize expands the model about centre for a signal of nTime points.
func Linearize(m ForwardModel, nTime int, centre *mat.VecDense) *Linearized {
	if centre.Len() != m.NumParams() {
		panic(fmt.Sprintf("model: centre has %d parameters, model wants %d",
			centre.Len(), m.NumParams()))
	}
	l := &Linearized{
		model:  m,
		nTime:  nTime,
		centre: mat.NewVecDense(centre.Len(), nil),
		offset: mat.NewVecDense(nTime, nil),
		jac:    mat.NewDense(nTime, m.NumParams(), nil),
	}
	l.ReCentre(centre)
	return l
}

// ReCentre moves the expansion point and recomputes the offset and the
// numerical Jacobian by central differences.
func (l *Linearized) ReCentre(centre *mat.VecDense) {
	l.centre.CopyVec(centre)

	np := centre.Len()
	params := make([]float64, np)
	for i := 0; i < np; i++ {
		params[i] = centre.AtVec(i)
	}

	out := make([]float64, l.nTime)
	l.model.Evaluate(params, out)
	for t := 0; t < l.nTime; t++ {
		l.offset.SetVec(t, out[t])
	}

	hi := make([]float64, l.nTime)
	lo := make([]float64, l.nTime)
	for p := 0; p < np; p++ {
		h := jacobianStep(params[p])
		orig := params[p]

		params[p] = orig + h
		l.model.Evaluate(params, hi)
		params[p] = orig - h
		l.model.Evaluate(params, lo)
		params[p] = orig

		for t := 0; t < l.nTime; t++ {
			l.jac.Set(t, p, (hi[t]-lo[t])/(2*h))
		}
	}
}

// Centre returns the current expansion point. Must not be mutated.
func (l *Linearized) Centre() *mat.VecDense { return l.centre }

// Offset returns the model output at the centre. Must not be mutated.
func (l *Linearized) Offset() *mat.VecDense { return l.offset }

// Jacobian returns the nTime × nParams gradient matrix. Must not be mutated.
func (l *Linearized) Jacobian() *mat.Dense { return l.jac }

// NTime returns the number of signal points.
func (l *Linearized) NTime() int { return l.nTime }

// NoiseParams is the per-voxel mutable state of a NoiseModel.
type NoiseParams interface {
	Clone() NoiseParams
}

// NoiseModel performs the per-voxel variational updates given the current
// linearization and data. A single NoiseModel serves every voxel; per-voxel
// state lives in the NoiseParams it hands out.
type NoiseModel interface {
	// NewParams returns fresh per-voxel noise state.
	NewParams() NoiseParams

	// UpdateTheta refines post in place from the prior, the linearized model
	// and the data. When postNoPrior is non-nil it additionally receives the
	// data-only posterior (prior contribution removed), which spatial
	// evidence optimization recombines against per-parameter priors.
	UpdateTheta(np NoiseParams, post, prior *mvn.Dist, lin *Linearized, data *mat.VecDense, postNoPrior *mvn.Dist)

	// UpdateNoise refines the noise state from the residuals under post.
	UpdateNoise(np NoiseParams, post *mvn.Dist, lin *Linearized, data *mat.VecDense)

	// FreeEnergy evaluates the variational objective for one voxel.
	FreeEnergy(np NoiseParams, post, prior *mvn.Dist, lin *Linearized, data *mat.VecDense) float64
}
