package spatial

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/monitoring"
	"github.com/neurofield/spatialvb/internal/mvn"
)

// memoryWarnVoxels is the voxel count above which the O(N²) distance and
// covariance matrices get a memory warning. Warned, never blocked.
const memoryWarnVoxels = 7500

// symmetryTol is the relative tolerance for the symmetry check on derived
// matrix products; inversion noise stays well under this, anything beyond it
// is a logic defect.
const symmetryTol = 1e-5

// CovarianceCache owns the pairwise distance matrix for a fixed coordinate
// list and memoizes, keyed by the smoothing scale delta, the covariance
// matrix C(delta), its inverse, and the derived product used in derivative
// calculations. All results are pure functions of delta and the immutable
// distance matrix.
//
// Concurrent readers are safe; population of a missing entry is serialized,
// so a delta requested from two goroutines is computed once.
type CovarianceCache struct {
	dist *mat.SymDense
	n    int

	// retain=false bounds memory by discarding every entry before storing
	// the next one, trading recomputation for an O(N²) ceiling.
	retain bool

	mu         sync.Mutex
	cinv       map[float64]*mat.SymDense
	ciCodistCi map[float64]*ciCodistEntry
}

type ciCodistEntry struct {
	m     *mat.SymDense
	trace float64 // trace of Cinv*(C∘dist), not of the stored product
}

// NewCovarianceCache builds the distance matrix for the given coordinates
// under the chosen measure: "dist1" = Euclidean, "dist2" = almost-squared
// (^1.99) Euclidean, "mdist" = Manhattan.
func NewCovarianceCache(coords []Coord, measure string, retain bool) (*CovarianceCache, error) {
	n := len(coords)
	if n == 0 {
		return nil, fmt.Errorf("%w: no voxel coordinates supplied", ErrConfig)
	}

	if n > memoryWarnVoxels {
		monitoring.WarnOnce("over %d GB of memory will be used just to calculate the distance matrix for %d voxels",
			int(2.5*float64(n)*float64(n)*8/1e9), n)
	}

	dist := mat.NewSymDense(n, nil)
	switch measure {
	case "dist1":
		for a := 0; a < n; a++ {
			for b := 0; b <= a; b++ {
				dx := float64(coords[a].X - coords[b].X)
				dy := float64(coords[a].Y - coords[b].Y)
				dz := float64(coords[a].Z - coords[b].Z)
				dist.SetSym(a, b, math.Sqrt(dx*dx+dy*dy+dz*dz))
			}
		}
	case "dist2":
		// Almost-squared: the 0.995 exponent on the squared distance keeps
		// the matrix strictly positive definite where a true square would
		// make it singular.
		for a := 0; a < n; a++ {
			for b := 0; b <= a; b++ {
				dx := float64(coords[a].X - coords[b].X)
				dy := float64(coords[a].Y - coords[b].Y)
				dz := float64(coords[a].Z - coords[b].Z)
				dist.SetSym(a, b, math.Pow(dx*dx+dy*dy+dz*dz, 0.995))
			}
		}
	case "mdist":
		monitoring.WarnOnce("Manhattan distance can cause numerical problems down the line")
		for a := 0; a < n; a++ {
			for b := 0; b <= a; b++ {
				dist.SetSym(a, b,
					math.Abs(float64(coords[a].X-coords[b].X))+
						math.Abs(float64(coords[a].Y-coords[b].Y))+
						math.Abs(float64(coords[a].Z-coords[b].Z)))
			}
		}
	default:
		return nil, fmt.Errorf("%w: unrecognized distance measure %q", ErrConfig, measure)
	}

	return &CovarianceCache{
		dist:       dist,
		n:          n,
		retain:     retain,
		cinv:       make(map[float64]*mat.SymDense),
		ciCodistCi: make(map[float64]*ciCodistEntry),
	}, nil
}

// N returns the number of voxels.
func (c *CovarianceCache) N() int { return c.n }

// Distances returns the pairwise distance matrix. It must not be mutated.
func (c *CovarianceCache) Distances() *mat.SymDense { return c.dist }

// C returns the covariance matrix with entries exp(-0.5*dist(a,b)/delta),
// or the identity for delta == 0. Never cached: it is cheap relative to the
// inversions and only needed transiently.
func (c *CovarianceCache) C(delta float64) *mat.SymDense {
	out := mat.NewSymDense(c.n, nil)
	if delta == 0 {
		for i := 0; i < c.n; i++ {
			out.SetSym(i, i, 1)
		}
		return out
	}
	for a := 0; a < c.n; a++ {
		for b := 0; b <= a; b++ {
			out.SetSym(a, b, math.Exp(-0.5*c.dist.At(a, b)/delta))
		}
	}
	return out
}

// Cinv returns (and memoizes) the inverse of C(delta). The returned matrix
// must not be mutated.
func (c *CovarianceCache) Cinv(delta float64) *mat.SymDense {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cinvLocked(delta)
}

func (c *CovarianceCache) cinvLocked(delta float64) *mat.SymDense {
	if m, ok := c.cinv[delta]; ok {
		return m
	}
	if !c.retain {
		c.cinv = make(map[float64]*mat.SymDense)
	}
	m := mvn.InvertSym(c.C(delta))
	c.cinv[delta] = m
	return m
}

// CiCodistCi returns (and memoizes) Cinv*(C∘dist)*Cinv along with the trace
// of Cinv*(C∘dist); both appear directly in the smoothing-scale derivative.
// The product must come out symmetric up to inversion noise; anything worse
// indicates a logic defect and panics.
func (c *CovarianceCache) CiCodistCi(delta float64) (*mat.SymDense, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ciCodistCi[delta]; ok {
		return e.m, e.trace
	}
	if !c.retain {
		c.ciCodistCi = make(map[float64]*ciCodistEntry)
	}

	cinv := c.cinvLocked(delta)
	cov := c.C(delta)

	// codist = C ∘ dist (elementwise)
	codist := mat.NewSymDense(c.n, nil)
	for a := 0; a < c.n; a++ {
		for b := 0; b <= a; b++ {
			codist.SetSym(a, b, cov.At(a, b)*c.dist.At(a, b))
		}
	}

	var ciCodist mat.Dense
	ciCodist.Mul(cinv, codist)
	trace := 0.0
	for i := 0; i < c.n; i++ {
		trace += ciCodist.At(i, i)
	}

	var full mat.Dense
	full.Mul(&ciCodist, cinv)

	// Force symmetric, then verify the asymmetry really was just noise.
	sym := mat.NewSymDense(c.n, nil)
	maxAbs, maxErr := 0.0, 0.0
	for a := 0; a < c.n; a++ {
		for b := 0; b <= a; b++ {
			v := 0.5 * (full.At(a, b) + full.At(b, a))
			sym.SetSym(a, b, v)
			if abs := math.Abs(full.At(a, b)); abs > maxAbs {
				maxAbs = abs
			}
			if err := math.Abs(full.At(a, b) - full.At(b, a)); err > maxErr {
				maxErr = err
			}
		}
	}
	if maxErr > maxAbs*symmetryTol {
		panic(fmt.Sprintf("spatial: CiCodistCi not symmetric at delta=%g: error=%g, max=%g",
			delta, maxErr, maxAbs))
	}

	e := &ciCodistEntry{m: sym, trace: trace}
	c.ciCodistCi[delta] = e
	return e.m, e.trace
}

// CachedInRange looks for an already-cached delta strictly inside the open
// interval (lower, upper), or including the endpoints when allowEndpoints is
// set. On success it overwrites *guess with the cached value closest to the
// original guess from below (or nearest above) and returns true. This is
// purely a performance aid for the root-finder; correctness never depends
// on it.
func (c *CovarianceCache) CachedInRange(guess *float64, lower, upper float64, allowEndpoints bool) bool {
	initial := *guess
	if !(lower < initial && initial < upper) {
		monitoring.Logf("CachedInRange: guess %g outside (%g, %g)", initial, lower, upper)
		return false
	}

	c.mu.Lock()
	keys := make([]float64, 0, len(c.cinv))
	for k := range c.cinv {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Float64s(keys)

	found := false
	var best float64
	for _, k := range keys {
		if k < lower || (k == lower && !allowEndpoints) {
			continue
		}
		if k > upper || (k == upper && !allowEndpoints) {
			break
		}
		if !found {
			best = k
			found = true
			continue
		}
		// Prefer the candidate nearest the initial guess, biased low.
		if k < initial || k-initial < initial-best {
			best = k
		}
	}
	if !found {
		return false
	}
	*guess = best
	return true
}
