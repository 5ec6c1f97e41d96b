// Package inner provides the local optimizers run by the retry
// coordinators: a restarting CMA-ES on gonum/mat and gonum's Nelder-Mead.
package inner

import (
	"math"

	"gonum.org/v1/gonum/floats"

	apperrors "github.com/copyleftdev/fcretry/internal/errors"
	"github.com/copyleftdev/fcretry/internal/optimization"
)

// guard wraps an objective for a method working in unit-cube
// coordinates. It clips every candidate into the region, adds a quadratic
// penalty for the distance clipped away, enforces the evaluation cap, and
// remembers the best true objective value seen. It is owned by a single
// run.
type guard struct {
	objective optimization.ObjectiveFunction
	region    optimization.Region
	limit     int

	calls     int
	err       error
	bestPoint []float64
	bestValue float64
}

func newGuard(objective optimization.ObjectiveFunction, region optimization.Region, limit int) *guard {
	return &guard{
		objective: objective,
		region:    region,
		limit:     limit,
		bestValue: math.Inf(1),
	}
}

// eval is the objective seen by the method. Once the cap is reached or
// the objective has failed it returns +Inf without calling it again.
func (g *guard) eval(u []float64) float64 {
	if !g.running() {
		return math.Inf(1)
	}

	clipped := make([]float64, len(u))
	for i, v := range u {
		clipped[i] = math.Max(0, math.Min(v, 1))
	}
	x := g.region.FromUnit(clipped)
	// FromUnit can round just past a bound.
	x = g.region.Clip(x)

	g.calls++
	var value float64
	err := apperrors.Safe(func() error {
		var ferr error
		value, ferr = g.objective(append([]float64(nil), x...))
		return ferr
	})
	if err != nil {
		g.err = err
		return math.Inf(1)
	}
	if math.IsNaN(value) {
		return math.Inf(1)
	}

	if value < g.bestValue {
		g.bestValue = value
		g.bestPoint = x
	}

	penalty := floats.Distance(u, clipped, 2)
	return value + penalty*penalty
}

// running reports whether the run may still call the objective.
func (g *guard) running() bool {
	return g.err == nil && g.calls < g.limit
}

// result builds the run outcome or the run failure.
func (g *guard) result(op string, req optimization.Request) (*optimization.RunResult, error) {
	if g.err != nil {
		return nil, optimization.NewRunFailure(op, g.err)
	}
	if g.bestPoint == nil || math.IsInf(g.bestValue, 0) {
		return nil, optimization.NewRunFailure(op, optimization.NewErrorf("no finite objective value in %d evaluations", g.calls))
	}
	return &optimization.RunResult{
		Point:       g.bestPoint,
		Value:       g.bestValue,
		Evaluations: uint64(g.calls),
		Region:      req.Region.Clone(),
		Seed:        req.Seed,
	}, nil
}

// prepare validates a request and returns the start point in unit-cube
// coordinates.
func prepare(op string, objective optimization.ObjectiveFunction, req optimization.Request) ([]float64, error) {
	if objective == nil {
		return nil, optimization.NewConfigError(op, "objective function is required")
	}
	if err := req.Region.Validate(); err != nil {
		return nil, err
	}
	if req.MaxEvaluations < 1 {
		return nil, optimization.NewConfigError(op, "max evaluations must be positive, got %d", req.MaxEvaluations)
	}
	start := req.Start
	if start == nil {
		start = req.Region.Center()
	}
	if len(start) != req.Region.Dim() {
		return nil, optimization.NewConfigError(op, "start point has %d dimensions, region has %d", len(start), req.Region.Dim())
	}
	return req.Region.ToUnit(req.Region.Clip(start)), nil
}
