// Package plots renders post-run diagnostics as PNG files: the objective
// trend over iterations and the per-parameter posterior mean profiles.
package plots

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/neurofield/spatialvb/internal/spatial"
)

// SaveRunPlots writes one objective-trend plot plus one posterior-mean
// profile per parameter under outputDir, named after runID. Returns the
// number of files written.
func SaveRunPlots(outputDir, runID string, res *spatial.Result) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	written := 0
	if len(res.FreeEnergyTrend) > 0 {
		file := filepath.Join(outputDir, fmt.Sprintf("%s_objective.png", runID))
		if err := saveTrendPlot(file, res.FreeEnergyTrend); err != nil {
			return written, err
		}
		written++
	}

	if len(res.Posteriors) == 0 {
		return written, nil
	}
	for k := 0; k < res.Posteriors[0].Size(); k++ {
		file := filepath.Join(outputDir, fmt.Sprintf("%s_param_%02d.png", runID, k+1))
		if err := saveMeanProfile(file, k, res); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func saveTrendPlot(file string, trend []float64) error {
	p := plot.New()
	p.Title.Text = "Variational Objective"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "F"

	pts := make(plotter.XYs, len(trend))
	for i, f := range trend {
		pts[i] = plotter.XY{X: float64(i + 1), Y: f}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save objective plot: %w", err)
	}
	return nil
}

func saveMeanProfile(file string, k int, res *spatial.Result) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Parameter %d - Posterior Means", k+1)
	p.X.Label.Text = "Voxel"
	p.Y.Label.Text = "Mean"

	pts := make(plotter.XYs, len(res.Posteriors))
	for v, post := range res.Posteriors {
		pts[v] = plotter.XY{X: float64(v), Y: post.Means.AtVec(k)}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save mean profile: %w", err)
	}
	return nil
}
