package spatial

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfig marks configuration errors: bad prior strings, mis-ordered
// coordinates, mismatched parameter counts. These are reported at setup,
// fatal to the run and never retried.
var ErrConfig = errors.New("configuration error")

// PriorType identifies the spatial prior variant applied to one parameter.
// The zero value is invalid; construct via ParsePriorTypes.
type PriorType int

const (
	priorInvalid PriorType = iota

	// Nonspatial family: the fixed global prior, bypassing the graph.
	PriorNonspatial // 'N'
	PriorImage      // 'I' per-voxel prior means supplied as an image
	PriorARD        // 'A' automatic relevance determination

	// Evidence-optimization family: smoothing scale delta (and optionally a
	// log-scale factor rho) estimated per parameter from the covariance cache.
	PriorSpatialDelta    // 'D' delta only
	PriorSpatialDeltaRho // 'R' delta and rho
	PriorFixedDelta      // 'F' delta and rho fixed by configuration

	// Shrinkage family: a single global precision multiplier (akmean) pulls
	// neighbouring estimates together. Only one shrinkage variant may be
	// used within a run.
	PriorMRF            // 'm' Markov random field, Dirichlet boundaries
	PriorMRF2           // 'M' MRF variant weighted by actual neighbour count
	PriorPennyDirichlet // 'p' second-order stencil with Dirichlet boundaries
	PriorPenny          // 'P' second-order stencil, true neighbour counts
	PriorShrinkage      // 'S' precomputed StS stencil
)

var priorChars = map[byte]PriorType{
	'N': PriorNonspatial,
	'I': PriorImage,
	'A': PriorARD,
	'D': PriorSpatialDelta,
	'R': PriorSpatialDeltaRho,
	'F': PriorFixedDelta,
	'm': PriorMRF,
	'M': PriorMRF2,
	'p': PriorPennyDirichlet,
	'P': PriorPenny,
	'S': PriorShrinkage,
}

var priorNames = map[PriorType]byte{}

func init() {
	for c, t := range priorChars {
		priorNames[t] = c
	}
}

// String returns the single-character configuration code for the type.
func (t PriorType) String() string {
	if c, ok := priorNames[t]; ok {
		return string(c)
	}
	return fmt.Sprintf("PriorType(%d)", int(t))
}

// IsShrinkage reports whether the type belongs to the shrinkage family.
func (t PriorType) IsShrinkage() bool {
	switch t {
	case PriorMRF, PriorMRF2, PriorPennyDirichlet, PriorPenny, PriorShrinkage:
		return true
	}
	return false
}

// IsEvidence reports whether the type estimates delta from the covariance
// cache (the evidence-optimization family, including fixed-delta).
func (t PriorType) IsEvidence() bool {
	switch t {
	case PriorSpatialDelta, PriorSpatialDeltaRho, PriorFixedDelta:
		return true
	}
	return false
}

// IsNonspatial reports whether the type always uses the fixed global prior.
func (t PriorType) IsNonspatial() bool {
	switch t {
	case PriorNonspatial, PriorImage, PriorARD:
		return true
	}
	return false
}

// NeedsGraph reports whether the type requires the adjacency graph.
func (t PriorType) NeedsGraph() bool { return t.IsShrinkage() }

// NeedsDistances reports whether the type requires the distance matrix and
// covariance cache.
func (t PriorType) NeedsDistances() bool { return t.IsEvidence() }

// ParsePriorTypes expands and validates a prior-type specification string
// against the number of model parameters. A single '+' repeats the character
// preceding it until the string reaches nParams characters, e.g. "NS+M" with
// five parameters expands to "NSSSM". At most one shrinkage variant may
// appear in the result.
func ParsePriorTypes(spec string, nParams int) ([]PriorType, error) {
	if nParams < 1 {
		return nil, fmt.Errorf("%w: model has no parameters", ErrConfig)
	}

	if i := strings.IndexByte(spec, '+'); i >= 0 {
		if i == 0 {
			return nil, fmt.Errorf("%w: prior spec %q starts with '+'", ErrConfig, spec)
		}
		if strings.IndexByte(spec[i+1:], '+') >= 0 {
			return nil, fmt.Errorf("%w: prior spec %q has more than one '+'", ErrConfig, spec)
		}
		before, after := spec[:i-1], spec[i+1:]
		repeat := spec[i-1]
		var b strings.Builder
		b.WriteString(before)
		for n := len(before) + len(after); n < nParams; n++ {
			b.WriteByte(repeat)
		}
		b.WriteString(after)
		spec = b.String()
	}

	if len(spec) != nParams {
		return nil, fmt.Errorf("%w: prior spec %q specifies %d parameters, model has %d",
			ErrConfig, spec, len(spec), nParams)
	}

	types := make([]PriorType, nParams)
	var shrinkage PriorType
	for k := 0; k < nParams; k++ {
		t, ok := priorChars[spec[k]]
		if !ok {
			return nil, fmt.Errorf("%w: invalid spatial prior type %q for parameter %d",
				ErrConfig, string(spec[k]), k+1)
		}
		if t.IsShrinkage() {
			if shrinkage != priorInvalid && shrinkage != t {
				return nil, fmt.Errorf("%w: only one type of shrinkage prior per run (%s and %s requested)",
					ErrConfig, shrinkage, t)
			}
			shrinkage = t
		}
		types[k] = t
	}

	return types, nil
}

// ShrinkageType returns the single shrinkage variant used by the parsed
// types, or priorInvalid (zero) if none.
func ShrinkageType(types []PriorType) (PriorType, bool) {
	for _, t := range types {
		if t.IsShrinkage() {
			return t, true
		}
	}
	return priorInvalid, false
}
