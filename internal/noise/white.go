// Package noise implements the white (independent Gaussian) noise model: a
// single precision shared by every time point, with a conjugate Gamma
// posterior updated from the residuals.
package noise

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/neurofield/spatialvb/internal/model"
	"github.com/neurofield/spatialvb/internal/mvn"
)

// White is the noise model. One instance serves every voxel; the per-voxel
// Gamma state lives in Params.
type White struct {
	// PriorShape and PriorScale parameterize the (near-noninformative) Gamma
	// prior on the noise precision.
	PriorShape float64
	PriorScale float64

	// InitialPrecision seeds fresh Params before the first residual update.
	InitialPrecision float64
}

// NewWhite returns a White model with a noninformative precision prior and
// the given initial precision.
func NewWhite(initialPrecision float64) *White {
	return &White{
		PriorShape:       1e-6,
		PriorScale:       1e6,
		InitialPrecision: initialPrecision,
	}
}

// Params is the Gamma posterior over one voxel's noise precision,
// parameterized by shape and scale so the mean precision is Shape*Scale.
type Params struct {
	Shape float64
	Scale float64
}

// Precision returns the posterior mean noise precision.
func (p *Params) Precision() float64 { return p.Shape * p.Scale }

// Clone returns a copy.
func (p *Params) Clone() model.NoiseParams {
	c := *p
	return &c
}

// NewParams returns fresh per-voxel state at the initial precision.
func (w *White) NewParams() model.NoiseParams {
	return &Params{Shape: 1, Scale: w.InitialPrecision}
}

// adjustedData returns d = y − offset + J·centre, the data expressed against
// the linear form g(θ) ≈ J·θ + (offset − J·centre).
func adjustedData(lin *model.Linearized, data *mat.VecDense) *mat.VecDense {
	d := mat.NewVecDense(data.Len(), nil)
	d.MulVec(lin.Jacobian(), lin.Centre())
	d.AddVec(d, data)
	d.SubVec(d, lin.Offset())
	return d
}

// jtj returns JᵀJ as a symmetric matrix.
func jtj(j *mat.Dense) *mat.SymDense {
	_, np := j.Dims()
	var full mat.Dense
	full.Mul(j.T(), j)
	out := mat.NewSymDense(np, nil)
	for a := 0; a < np; a++ {
		for b := a; b < np; b++ {
			out.SetSym(a, b, 0.5*(full.At(a, b)+full.At(b, a)))
		}
	}
	return out
}

// UpdateTheta performs the conjugate linear-Gaussian parameter update:
//
//	P_post = P_prior + φ·JᵀJ
//	m_post = Σ_post·(P_prior·m_prior + φ·Jᵀd)
//
// When postNoPrior is non-nil it receives the same update with the prior
// terms removed.
func (w *White) UpdateTheta(np model.NoiseParams, post, prior *mvn.Dist, lin *model.Linearized, data *mat.VecDense, postNoPrior *mvn.Dist) {
	p := np.(*Params)
	phi := p.Precision()

	j := lin.Jacobian()
	jj := jtj(j)
	d := adjustedData(lin, data)

	nParams := prior.Size()
	jtd := mat.NewVecDense(nParams, nil)
	jtd.MulVec(j.T(), d)

	prec := mat.NewSymDense(nParams, nil)
	prec.CopySym(prior.Precisions())
	prec.AddSym(prec, scaleSym(jj, phi))
	post.SetPrecisions(prec)

	rhs := mat.NewVecDense(nParams, nil)
	rhs.MulVec(prior.Precisions(), prior.Means)
	rhs.AddScaledVec(rhs, phi, jtd)
	post.Means.MulVec(post.Covariance(), rhs)

	if postNoPrior != nil {
		precData := scaleSym(jj, phi)
		postNoPrior.SetPrecisions(precData)
		var rhsData mat.VecDense
		rhsData.ScaleVec(phi, jtd)
		postNoPrior.Means.MulVec(postNoPrior.Covariance(), &rhsData)
	}
}

func scaleSym(s *mat.SymDense, k float64) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			out.SetSym(a, b, k*s.At(a, b))
		}
	}
	return out
}

// expectedSSE returns E[(y − g(θ))ᵀ(y − g(θ))] under the posterior: the
// squared residual at the mean plus the Jacobian-propagated posterior
// uncertainty.
func expectedSSE(post *mvn.Dist, lin *model.Linearized, data *mat.VecDense) float64 {
	j := lin.Jacobian()

	r := mat.NewVecDense(data.Len(), nil)
	var shift mat.VecDense
	shift.SubVec(post.Means, lin.Centre())
	r.MulVec(j, &shift)
	r.AddVec(r, lin.Offset())
	r.SubVec(data, r)
	sse := mat.Dot(r, r)

	var jc mat.Dense
	jc.Mul(j, post.Covariance())
	var jcjt mat.Dense
	jcjt.Mul(&jc, j.T())
	for t := 0; t < data.Len(); t++ {
		sse += jcjt.At(t, t)
	}
	return sse
}

// UpdateNoise refreshes the Gamma posterior from the residuals under post.
func (w *White) UpdateNoise(np model.NoiseParams, post *mvn.Dist, lin *model.Linearized, data *mat.VecDense) {
	p := np.(*Params)
	sse := expectedSSE(post, lin, data)
	p.Shape = 0.5*float64(data.Len()) + w.PriorShape
	p.Scale = 1 / (1/w.PriorScale + 0.5*sse)
}

// FreeEnergy evaluates the variational objective for one voxel: expected
// log-likelihood minus the parameter and noise KL divergences. Only
// differences between iterations are meaningful.
func (w *White) FreeEnergy(np model.NoiseParams, post, prior *mvn.Dist, lin *model.Linearized, data *mat.VecDense) float64 {
	p := np.(*Params)
	n := float64(data.Len())
	phi := p.Precision()

	expectLogPhi := mathext.Digamma(p.Shape) + math.Log(p.Scale)
	sse := expectedSSE(post, lin, data)
	logLik := 0.5*n*expectLogPhi - 0.5*n*math.Log(2*math.Pi) - 0.5*phi*sse

	return logLik - klMVN(post, prior) - klGamma(p.Shape, p.Scale, w.PriorShape, w.PriorScale)
}

// klMVN is KL(q‖p) between two multivariate normals.
func klMVN(q, p *mvn.Dist) float64 {
	n := float64(q.Size())
	pPrec := p.Precisions()
	qCov := q.Covariance()

	var tr float64
	var prod mat.Dense
	prod.Mul(pPrec, qCov)
	for i := 0; i < q.Size(); i++ {
		tr += prod.At(i, i)
	}

	var dm mat.VecDense
	dm.SubVec(q.Means, p.Means)
	var tmp mat.VecDense
	tmp.MulVec(pPrec, &dm)
	quad := mat.Dot(&dm, &tmp)

	// ln(det Σ_p / det Σ_q) = ln det P_q − ln det P_p
	logDet := logDetSym(q.Precisions()) - logDetSym(pPrec)

	return 0.5 * (tr + quad - n + logDet)
}

func logDetSym(s *mat.SymDense) float64 {
	var chol mat.Cholesky
	if chol.Factorize(s) {
		return chol.LogDet()
	}
	var lu mat.LU
	lu.Factorize(s)
	ld, _ := lu.LogDet()
	return ld
}

// klGamma is KL(q‖p) between Gamma distributions in shape/scale form.
func klGamma(kq, sq, kp, sp float64) float64 {
	lg := func(x float64) float64 {
		v, _ := math.Lgamma(x)
		return v
	}
	return (kq-kp)*mathext.Digamma(kq) - kq - lg(kq) + lg(kp) +
		kp*(math.Log(sp)-math.Log(sq)) + kq*sq/sp
}
