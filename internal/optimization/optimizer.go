package optimization

import (
	"context"
	"math"
)

// Optimizer defines the interface for inner optimization algorithms.
// An Optimizer runs a single bounded search to completion. Implementations
// must be safe to call concurrently with distinct seeds.
type Optimizer interface {
	// Optimize runs one search inside req.Region and returns the best point
	// found. It must never call objective more than req.MaxEvaluations times.
	// Running out of budget before converging is a normal outcome.
	Optimize(ctx context.Context, objective ObjectiveFunction, req Request) (*RunResult, error)

	// Name returns the short name the optimizer is selected by.
	Name() string
}

// ObjectiveFunction defines the function to be minimized
type ObjectiveFunction func([]float64) (float64, error)

// Problem couples an objective with the dimensionality it expects.
type Problem struct {
	// Name is used in logs and metrics only.
	Name string

	// Objective function to minimize
	Objective ObjectiveFunction

	// Dim is the number of parameters the objective expects. Zero means
	// the dimensionality is taken from the search region.
	Dim int
}

// Validate checks the problem against the region it will be searched in.
func (p Problem) Validate(region Region) error {
	const op = "Problem.Validate"

	if p.Objective == nil {
		return NewConfigError(op, "objective function is required")
	}
	if err := region.Validate(); err != nil {
		return err
	}
	if p.Dim != 0 && p.Dim != region.Dim() {
		return NewConfigError(op, "dimension mismatch: objective expects %d parameters, region has %d",
			p.Dim, region.Dim())
	}
	return nil
}

// Request describes a single inner optimizer invocation.
type Request struct {
	// Region bounds the search.
	Region Region

	// Start is the initial guess. It must lie inside Region; nil means the
	// region centre.
	Start []float64

	// Seed drives the optimizer's random stream.
	Seed uint64

	// MaxEvaluations is the hard cap on objective calls.
	MaxEvaluations int
}

// RunResult is the outcome of one inner optimizer invocation.
type RunResult struct {
	// Point is the best parameter vector found.
	Point []float64

	// Value is the objective value at Point.
	Value float64

	// Evaluations is the number of objective calls the run consumed.
	Evaluations uint64

	// Region is the search region the run was drawn from.
	Region Region

	// Wave is the index of the wave that produced the result.
	Wave int

	// Run is the index of the run within its wave.
	Run int

	// Seed is the seed the run was started with.
	Seed uint64
}

// Clone returns a deep copy of the result.
func (r RunResult) Clone() RunResult {
	out := r
	out.Point = append([]float64(nil), r.Point...)
	out.Region = r.Region.Clone()
	return out
}

// Valid reports whether the result carries a usable value.
func (r *RunResult) Valid() bool {
	return r != nil && len(r.Point) > 0 && !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}
