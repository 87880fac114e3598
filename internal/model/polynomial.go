package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/mvn"
)

// Polynomial is a builtin forward model: the signal at time index t is
// Σ θ_i·tⁱ for i = 0..Degree. Being linear in the parameters, a single
// linearization is exact.
type Polynomial struct {
	Degree int

	// PriorPrecision is placed on every coefficient; <= 0 means 1.
	PriorPrecision float64
}

func (p *Polynomial) NumParams() int { return p.Degree + 1 }

func (p *Polynomial) InitialDists() (*mvn.Dist, *mvn.Dist) {
	n := p.NumParams()
	precVal := p.PriorPrecision
	if precVal <= 0 {
		precVal = 1
	}

	prior := mvn.New(n)
	prec := mat.NewSymDense(n, nil)
	for k := 0; k < n; k++ {
		prec.SetSym(k, k, precVal)
	}
	prior.SetPrecisions(prec)
	return prior, prior.Clone()
}

func (p *Polynomial) Evaluate(params []float64, out []float64) {
	for t := range out {
		x := float64(t)
		// Horner evaluation, highest coefficient first.
		y := params[len(params)-1]
		for i := len(params) - 2; i >= 0; i-- {
			y = y*x + params[i]
		}
		out[t] = y
	}
}
