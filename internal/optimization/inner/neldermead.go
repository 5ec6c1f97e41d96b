package inner

import (
	"context"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

// NelderMead runs gonum's derivative-free simplex method inside the unit
// cube of the request region. It ignores the seed; restarts differ only
// by their start points.
type NelderMead struct {
	// SimplexSize is the initial simplex edge in unit-cube coordinates.
	SimplexSize float64

	logger *zap.Logger
}

// NewNelderMead creates a Nelder-Mead optimizer with default settings.
func NewNelderMead(logger *zap.Logger) *NelderMead {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NelderMead{
		SimplexSize: 0.2,
		logger:      logger.Named("neldermead"),
	}
}

// Name implements optimization.Optimizer.
func (n *NelderMead) Name() string {
	return "neldermead"
}

// Optimize implements optimization.Optimizer.
func (n *NelderMead) Optimize(ctx context.Context, objective optimization.ObjectiveFunction, req optimization.Request) (*optimization.RunResult, error) {
	const op = "NelderMead.Optimize"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := prepare(op, objective, req)
	if err != nil {
		return nil, err
	}

	method := &optimize.NelderMead{
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: n.SimplexSize,
	}

	g := newGuard(objective, req.Region, req.MaxEvaluations)
	_, merr := optimize.Minimize(optimize.Problem{Func: g.eval}, start, &optimize.Settings{
		FuncEvaluations: req.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 50,
		},
	}, method)
	if merr != nil {
		n.logger.Debug("Nelder-Mead terminated with error",
			zap.Int("evaluations", g.calls),
			zap.Error(merr),
		)
	}
	return g.result(op, req)
}
