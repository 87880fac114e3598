// Command spatialvb runs spatially-regularized variational parameter
// estimation over a voxel dataset and records the results in SQLite.
//
// The dataset is a JSON file:
//
//	{
//	  "coords":  [[x, y, z], ...],
//	  "signals": [[v0t0, v0t1, ...], [v1t0, ...], ...]
//	}
//
// with one coordinate triple and one time series per voxel, coordinates
// ascending in z, then y, then x.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/neurofield/spatialvb/internal/config"
	"github.com/neurofield/spatialvb/internal/model"
	"github.com/neurofield/spatialvb/internal/noise"
	"github.com/neurofield/spatialvb/internal/plots"
	"github.com/neurofield/spatialvb/internal/spatial"
	"github.com/neurofield/spatialvb/internal/store"
	"github.com/neurofield/spatialvb/internal/version"
)

var (
	configPath = flag.String("config", "", "JSON run configuration (defaults apply when omitted)")
	dataPath   = flag.String("data", "", "JSON dataset file (required)")
	dbFile     = flag.String("db", "spatialvb_runs.db", "SQLite database for run results")
	plotDir    = flag.String("plot-dir", "", "Write diagnostic plots to this directory")
	degree     = flag.Int("degree", 0, "Polynomial degree of the builtin forward model")
	priorPrec  = flag.Float64("prior-precision", 1, "Prior precision on each model parameter")
	showVer    = flag.Bool("version", false, "Print the build version and exit")
)

type dataset struct {
	Coords  [][]int     `json:"coords"`
	Signals [][]float64 `json:"signals"`
}

// loadDataset reads the JSON dataset and returns the coordinate list plus the
// data matrix, one row per time point and one column per voxel.
func loadDataset(path string) ([]spatial.Coord, *mat.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var ds dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, nil, fmt.Errorf("failed to parse dataset JSON: %w", err)
	}

	nVoxels := len(ds.Coords)
	if nVoxels == 0 {
		return nil, nil, fmt.Errorf("dataset has no voxels")
	}
	if len(ds.Signals) != nVoxels {
		return nil, nil, fmt.Errorf("dataset has %d coordinates but %d signals", nVoxels, len(ds.Signals))
	}

	coords := make([]spatial.Coord, nVoxels)
	for v, c := range ds.Coords {
		if len(c) < 1 || len(c) > 3 {
			return nil, nil, fmt.Errorf("coordinate %d has %d components, want 1 to 3", v, len(c))
		}
		coords[v].X = c[0]
		if len(c) > 1 {
			coords[v].Y = c[1]
		}
		if len(c) > 2 {
			coords[v].Z = c[2]
		}
	}

	nTime := len(ds.Signals[0])
	if nTime == 0 {
		return nil, nil, fmt.Errorf("dataset has empty signals")
	}
	data := mat.NewDense(nTime, nVoxels, nil)
	for v, sig := range ds.Signals {
		if len(sig) != nTime {
			return nil, nil, fmt.Errorf("signal %d has %d time points, want %d", v, len(sig), nTime)
		}
		for t, y := range sig {
			data.Set(t, v, y)
		}
	}
	return coords, data, nil
}

func run() error {
	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	coords, data, err := loadDataset(*dataPath)
	if err != nil {
		return err
	}

	fm := &model.Polynomial{Degree: *degree, PriorPrecision: *priorPrec}
	types, err := spatial.ParsePriorTypes(cfg.GetPriorTypes(), fm.NumParams())
	if err != nil {
		return err
	}

	var graph *spatial.Graph
	var covar *spatial.CovarianceCache
	for _, t := range types {
		if t.NeedsGraph() && graph == nil {
			if graph, err = spatial.NewGraph(coords, cfg.GetSpatialDims()); err != nil {
				return err
			}
		}
		if t.NeedsDistances() && covar == nil {
			if covar, err = spatial.NewCovarianceCache(coords, cfg.GetDistanceMeasure(), cfg.GetCacheRetention()); err != nil {
				return err
			}
		}
	}

	eng, err := spatial.NewEngine(spatial.Options{
		Model: fm,
		Noise: noise.NewWhite(cfg.GetNoisePrecision()),
		Convergence: &model.FchangeConvergence{
			MaxIterations: cfg.GetMaxIterations(),
			Tolerance:     cfg.GetFChangeTolerance(),
		},
		PriorTypes:                  types,
		Graph:                       graph,
		Covar:                       covar,
		SpatialDims:                 cfg.GetSpatialDims(),
		SpatialSpeed:                cfg.GetSpatialSpeed(),
		FixedDelta:                  cfg.GetFixedDelta(),
		FixedRho:                    cfg.GetFixedRho(),
		NewDeltaEvaluations:         cfg.GetNewDeltaEvaluations(),
		AlwaysInitialDeltaGuess:     cfg.GetAlwaysInitialDeltaGuess(),
		UpdatePriorOnFirstIteration: cfg.GetUpdatePriorOnFirst(),
		EvidenceOptimization:        cfg.GetEvidenceOptimization(),
		FullEvidenceOptimization:    cfg.GetFullEvidenceOptimization(),
		LockedLinear:                cfg.GetLockedLinear(),
	})
	if err != nil {
		return err
	}

	res, err := eng.Run(data)
	if err != nil {
		return err
	}
	log.Printf("finished after %d iterations: %s", res.Iterations, res.ConvergenceReason)

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s, err := store.NewStore(*dbFile)
	if err != nil {
		return err
	}
	defer s.Close()

	runID, err := s.SaveRun(string(cfgJSON), res)
	if err != nil {
		return err
	}
	log.Printf("saved run %s to %s", runID, *dbFile)

	if *plotDir != "" {
		n, err := plots.SaveRunPlots(*plotDir, runID, res)
		if err != nil {
			return err
		}
		log.Printf("wrote %d plots to %s", n, *plotDir)
	}
	return nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	if *dataPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
