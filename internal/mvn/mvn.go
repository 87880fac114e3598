// Package mvn provides multivariate normal distributions with lazy
// precision/covariance conversion. A Dist stores whichever form was set last
// and inverts on demand, so code paths that only read precisions never pay
// for an inversion of the covariance (and vice versa).
package mvn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/monitoring"
)

// Dist is a multivariate normal distribution over n parameters, described by
// a mean vector and either a precision or a covariance matrix.
type Dist struct {
	Means *mat.VecDense

	n          int
	precisions *mat.SymDense
	covariance *mat.SymDense
	precValid  bool
	covValid   bool
}

// New returns a Dist of the given size with zero means, identity covariance
// and identity precisions.
func New(n int) *Dist {
	if n < 1 {
		panic(fmt.Sprintf("mvn: invalid distribution size %d", n))
	}
	d := &Dist{
		Means:      mat.NewVecDense(n, nil),
		n:          n,
		precisions: identity(n),
		covariance: identity(n),
		precValid:  true,
		covValid:   true,
	}
	return d
}

func identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

// Size returns the number of parameters.
func (d *Dist) Size() int { return d.n }

// Clone returns a deep copy.
func (d *Dist) Clone() *Dist {
	c := &Dist{
		Means:     mat.VecDenseCopyOf(d.Means),
		n:         d.n,
		precValid: d.precValid,
		covValid:  d.covValid,
	}
	if d.precisions != nil {
		c.precisions = copySym(d.precisions)
	}
	if d.covariance != nil {
		c.covariance = copySym(d.covariance)
	}
	return c
}

func copySym(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	return out
}

// SetPrecisions replaces the precision matrix and invalidates the cached
// covariance.
func (d *Dist) SetPrecisions(p *mat.SymDense) {
	if p.SymmetricDim() != d.n {
		panic(fmt.Sprintf("mvn: precision size %d != distribution size %d", p.SymmetricDim(), d.n))
	}
	d.precisions = copySym(p)
	d.precValid = true
	d.covValid = false
}

// SetCovariance replaces the covariance matrix and invalidates the cached
// precisions.
func (d *Dist) SetCovariance(c *mat.SymDense) {
	if c.SymmetricDim() != d.n {
		panic(fmt.Sprintf("mvn: covariance size %d != distribution size %d", c.SymmetricDim(), d.n))
	}
	d.covariance = copySym(c)
	d.covValid = true
	d.precValid = false
}

// Precisions returns the precision matrix, inverting the covariance if the
// cached form is stale. The returned matrix must not be mutated.
func (d *Dist) Precisions() *mat.SymDense {
	if !d.precValid {
		d.precisions = InvertSym(d.covariance)
		d.precValid = true
	}
	return d.precisions
}

// Covariance returns the covariance matrix, inverting the precisions if the
// cached form is stale. The returned matrix must not be mutated.
func (d *Dist) Covariance() *mat.SymDense {
	if !d.covValid {
		d.covariance = InvertSym(d.precisions)
		d.covValid = true
	}
	return d.covariance
}

// InvertSym inverts a symmetric positive-definite matrix via Cholesky,
// falling back to a generic LU solve (with a one-time warning) when the
// matrix is not numerically positive definite. A singular matrix beyond both
// methods is a recoverable numerical degeneracy: the result is the
// pseudo-identity scaled by a large precision, which keeps the run alive at
// the cost of that distribution collapsing to its mean.
func InvertSym(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()

	var chol mat.Cholesky
	if chol.Factorize(s) {
		var inv mat.SymDense
		if err := chol.InverseTo(&inv); err == nil {
			return &inv
		}
	}

	monitoring.WarnOnce("matrix not positive definite; falling back to LU inversion")

	var lu mat.LU
	lu.Factorize(s)
	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	var inv mat.Dense
	if err := lu.SolveTo(&inv, false, eye); err != nil {
		monitoring.WarnOnce("singular matrix inversion; substituting near-delta distribution")
		out := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			out.SetSym(i, i, 1e12)
		}
		return out
	}

	// Symmetrize: LU noise can leave tiny asymmetry.
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return out
}
