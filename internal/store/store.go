// Package store persists estimation runs to SQLite so results can be
// inspected and compared after the fact.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/neurofield/spatialvb/internal/spatial"
)

type Store struct {
	*sql.DB
}

// NewStore opens (or creates) the run database at path and ensures the
// schema exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id             TEXT PRIMARY KEY,
			started            TIMESTAMP,
			config             TEXT,
			iterations         BIGINT,
			convergence_reason TEXT,
			final_objective    DOUBLE
		);
		CREATE TABLE IF NOT EXISTS voxel_estimates (
			run_id             TEXT,
			voxel              BIGINT,
			param              BIGINT,
			mean               DOUBLE,
			variance           DOUBLE,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS objective_trend (
			run_id             TEXT,
			iteration          BIGINT,
			objective          DOUBLE,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &Store{db}, nil
}

// Run is one row of the runs table.
type Run struct {
	ID                string
	Started           time.Time
	Config            string
	Iterations        int
	ConvergenceReason string
	FinalObjective    float64
}

// VoxelEstimate is the marginal posterior of one parameter at one voxel.
type VoxelEstimate struct {
	Voxel    int
	Param    int
	Mean     float64
	Variance float64
}

// SaveRun records the run plus every voxel's marginal posteriors and the
// per-iteration objective trend. configJSON is stored verbatim. Returns the
// generated run ID.
func (s *Store) SaveRun(configJSON string, res *spatial.Result) (string, error) {
	runID := uuid.New().String()

	finalObjective := 0.0
	if n := len(res.FreeEnergyTrend); n > 0 {
		finalObjective = res.FreeEnergyTrend[n-1]
	}

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (run_id, started, config, iterations, convergence_reason, final_objective)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), configJSON, res.Iterations, res.ConvergenceReason, finalObjective,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	estStmt, err := tx.Prepare(
		`INSERT INTO voxel_estimates (run_id, voxel, param, mean, variance) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer estStmt.Close()

	for v, post := range res.Posteriors {
		cov := post.Covariance()
		for k := 0; k < post.Size(); k++ {
			if _, err := estStmt.Exec(runID, v, k, post.Means.AtVec(k), cov.At(k, k)); err != nil {
				return "", fmt.Errorf("insert estimate voxel %d param %d: %w", v, k, err)
			}
		}
	}

	for i, f := range res.FreeEnergyTrend {
		_, err := tx.Exec(
			`INSERT INTO objective_trend (run_id, iteration, objective) VALUES (?, ?, ?)`,
			runID, i+1, f,
		)
		if err != nil {
			return "", fmt.Errorf("insert trend point %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// GetRun fetches one run's summary row.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.QueryRow(
		`SELECT run_id, started, config, iterations, convergence_reason, final_objective
		 FROM runs WHERE run_id = ?`, runID)

	var r Run
	if err := row.Scan(&r.ID, &r.Started, &r.Config, &r.Iterations, &r.ConvergenceReason, &r.FinalObjective); err != nil {
		return nil, err
	}
	return &r, nil
}

// Runs lists the most recent runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.Query(
		`SELECT run_id, started, config, iterations, convergence_reason, final_objective
		 FROM runs ORDER BY started DESC LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Started, &r.Config, &r.Iterations, &r.ConvergenceReason, &r.FinalObjective); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// VoxelEstimates fetches every voxel's marginal posteriors for one run,
// ordered by voxel then parameter.
func (s *Store) VoxelEstimates(runID string) ([]VoxelEstimate, error) {
	rows, err := s.Query(
		`SELECT voxel, param, mean, variance FROM voxel_estimates
		 WHERE run_id = ? ORDER BY voxel, param`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoxelEstimate
	for rows.Next() {
		var e VoxelEstimate
		if err := rows.Scan(&e.Voxel, &e.Param, &e.Mean, &e.Variance); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Trend fetches the per-iteration objective values for one run in iteration
// order.
func (s *Store) Trend(runID string) ([]float64, error) {
	rows, err := s.Query(
		`SELECT objective FROM objective_trend WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var f float64
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
