package model

import "math"

// Convergence decides when the iteration loop stops. Reset before a run,
// then Test once per iteration with the summed objective; Test returns true
// when the run should stop.
type Convergence interface {
	Reset()
	Test(F float64) bool
	Reason() string
}

// CountingConvergence stops after a fixed number of iterations, ignoring the
// objective entirely.
type CountingConvergence struct {
	MaxIterations int
	its           int
}

func (c *CountingConvergence) Reset() { c.its = 0 }

func (c *CountingConvergence) Test(float64) bool {
	c.its++
	return c.its >= c.MaxIterations
}

func (c *CountingConvergence) Reason() string { return "iteration limit" }

// FchangeConvergence stops when the objective moves by less than Tolerance
// between iterations, with MaxIterations as a backstop.
type FchangeConvergence struct {
	MaxIterations int
	Tolerance     float64

	its    int
	prevF  float64
	hasF   bool
	reason string
}

func (c *FchangeConvergence) Reset() {
	c.its = 0
	c.hasF = false
	c.reason = ""
}

func (c *FchangeConvergence) Test(F float64) bool {
	c.its++
	if c.hasF && math.Abs(F-c.prevF) < c.Tolerance {
		c.reason = "objective converged"
		return true
	}
	c.prevF = F
	c.hasF = true
	if c.its >= c.MaxIterations {
		c.reason = "iteration limit"
		return true
	}
	return false
}

func (c *FchangeConvergence) Reason() string { return c.reason }
