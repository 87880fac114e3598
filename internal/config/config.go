package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunConfig represents the configuration for one spatial estimation run.
// Fields are pointers so that a partial JSON file only overrides what it
// names; the Get* methods provide fallback defaults for everything else.
type RunConfig struct {
	// Spatial coupling params
	SpatialDims     *int    `json:"spatial_dims,omitempty"`     // 1, 2 or 3
	DistanceMeasure *string `json:"distance_measure,omitempty"` // dist1, dist2 or mdist
	PriorTypes      *string `json:"param_spatial_priors,omitempty"`
	SpatialSpeed    *float64 `json:"spatial_speed,omitempty"` // rate-limit ceiling, -1 disables

	// Smoothing-scale search params
	FixedDelta              *float64 `json:"fixed_delta,omitempty"`
	FixedRho                *float64 `json:"fixed_rho,omitempty"`
	NewDeltaEvaluations     *int     `json:"new_delta_evaluations,omitempty"`
	AlwaysInitialDeltaGuess *float64 `json:"always_initial_delta_guess,omitempty"`
	UpdatePriorOnFirst      *bool    `json:"update_spatial_prior_on_first_iteration,omitempty"`

	// Covariance cache params
	CacheRetention *bool `json:"cache_retention,omitempty"`

	// Engine mode params
	EvidenceOptimization     *bool `json:"evidence_optimization,omitempty"`
	FullEvidenceOptimization *bool `json:"full_evidence_optimization,omitempty"`
	LockedLinear             *bool `json:"locked_linear,omitempty"`

	// Convergence params
	MaxIterations    *int     `json:"max_iterations,omitempty"`
	FChangeTolerance *float64 `json:"f_change_tolerance,omitempty"`

	// Noise params
	NoisePrecision *float64 `json:"noise_precision,omitempty"`
}

// Empty returns a RunConfig with all fields unset so every accessor falls
// back to its default.
func Empty() *RunConfig {
	return &RunConfig{}
}

// Load reads a RunConfig from a JSON file. Fields omitted from the file
// retain their default values, so partial configs are safe.
func Load(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.SpatialDims != nil {
		if *c.SpatialDims < 1 || *c.SpatialDims > 3 {
			return fmt.Errorf("spatial_dims must be 1, 2 or 3, got %d", *c.SpatialDims)
		}
	}

	if c.DistanceMeasure != nil {
		switch *c.DistanceMeasure {
		case "dist1", "dist2", "mdist":
		default:
			return fmt.Errorf("unrecognized distance_measure %q (want dist1, dist2 or mdist)", *c.DistanceMeasure)
		}
	}

	if c.SpatialSpeed != nil {
		if *c.SpatialSpeed != -1 && *c.SpatialSpeed <= 1 {
			return fmt.Errorf("spatial_speed must be > 1 or -1 to disable, got %f", *c.SpatialSpeed)
		}
	}

	if c.NewDeltaEvaluations != nil {
		if *c.NewDeltaEvaluations < 1 {
			return fmt.Errorf("new_delta_evaluations must be positive, got %d", *c.NewDeltaEvaluations)
		}
	}

	if c.MaxIterations != nil {
		if *c.MaxIterations < 1 {
			return fmt.Errorf("max_iterations must be positive, got %d", *c.MaxIterations)
		}
	}

	if c.NoisePrecision != nil {
		if *c.NoisePrecision <= 0 {
			return fmt.Errorf("noise_precision must be positive, got %f", *c.NoisePrecision)
		}
	}

	return nil
}

// GetSpatialDims returns the spatial_dims value or the default.
func (c *RunConfig) GetSpatialDims() int {
	if c.SpatialDims == nil {
		return 3
	}
	return *c.SpatialDims
}

// GetDistanceMeasure returns the distance_measure value or the default.
func (c *RunConfig) GetDistanceMeasure() string {
	if c.DistanceMeasure == nil {
		return "dist1"
	}
	return *c.DistanceMeasure
}

// GetPriorTypes returns the param_spatial_priors value or the default.
func (c *RunConfig) GetPriorTypes() string {
	if c.PriorTypes == nil {
		return "S+"
	}
	return *c.PriorTypes
}

// GetSpatialSpeed returns the spatial_speed value or the default (disabled).
func (c *RunConfig) GetSpatialSpeed() float64 {
	if c.SpatialSpeed == nil {
		return -1
	}
	return *c.SpatialSpeed
}

// GetFixedDelta returns the fixed_delta value or the default.
// -1 means "not fixed"; the engine substitutes its initial guess.
func (c *RunConfig) GetFixedDelta() float64 {
	if c.FixedDelta == nil {
		return -1
	}
	return *c.FixedDelta
}

// GetFixedRho returns the fixed_rho value or the default.
func (c *RunConfig) GetFixedRho() float64 {
	if c.FixedRho == nil {
		return 0
	}
	return *c.FixedRho
}

// GetNewDeltaEvaluations returns the new_delta_evaluations value or the default.
func (c *RunConfig) GetNewDeltaEvaluations() int {
	if c.NewDeltaEvaluations == nil {
		return 10
	}
	return *c.NewDeltaEvaluations
}

// GetAlwaysInitialDeltaGuess returns the always_initial_delta_guess value or
// the default (disabled).
func (c *RunConfig) GetAlwaysInitialDeltaGuess() float64 {
	if c.AlwaysInitialDeltaGuess == nil {
		return -1
	}
	return *c.AlwaysInitialDeltaGuess
}

// GetUpdatePriorOnFirst returns whether spatial hyperparameters are
// re-estimated on the very first iteration.
func (c *RunConfig) GetUpdatePriorOnFirst() bool {
	if c.UpdatePriorOnFirst == nil {
		return false
	}
	return *c.UpdatePriorOnFirst
}

// GetCacheRetention returns whether the covariance cache keeps entries
// between calls. Disabling bounds memory at the cost of recomputation.
func (c *RunConfig) GetCacheRetention() bool {
	if c.CacheRetention == nil {
		return true
	}
	return *c.CacheRetention
}

// GetEvidenceOptimization returns whether smoothing scales are estimated by
// evidence optimization instead of the variational objective.
func (c *RunConfig) GetEvidenceOptimization() bool {
	if c.EvidenceOptimization == nil {
		return false
	}
	return *c.EvidenceOptimization
}

// GetFullEvidenceOptimization returns whether the per-voxel posteriors are
// recombined against the assembled spatial precisions each iteration.
func (c *RunConfig) GetFullEvidenceOptimization() bool {
	if c.FullEvidenceOptimization == nil {
		return false
	}
	return *c.FullEvidenceOptimization
}

// GetLockedLinear returns whether linearization centres stay at their
// initial positions for the whole run.
func (c *RunConfig) GetLockedLinear() bool {
	if c.LockedLinear == nil {
		return false
	}
	return *c.LockedLinear
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *RunConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 10
	}
	return *c.MaxIterations
}

// GetFChangeTolerance returns the f_change_tolerance value or the default.
func (c *RunConfig) GetFChangeTolerance() float64 {
	if c.FChangeTolerance == nil {
		return 0.01
	}
	return *c.FChangeTolerance
}

// GetNoisePrecision returns the noise_precision value or the default.
func (c *RunConfig) GetNoisePrecision() float64 {
	if c.NoisePrecision == nil {
		return 1.0
	}
	return *c.NoisePrecision
}
