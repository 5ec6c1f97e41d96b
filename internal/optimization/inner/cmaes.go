package inner

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

// DefaultStepSize is the initial CMA-ES step size in unit-cube coordinates,
// i.e. 0.3 of each region width.
const DefaultStepSize = 0.3

// A strategy restarts once its distribution collapses below stopStepSize,
// its generation values span less than stopFlatValue, its covariance
// condition exceeds maxCondition, or it diverges past maxStepSize.
const (
	stopStepSize  = 1e-12
	stopFlatValue = 1e-14
	maxCondition  = 1e14
	maxStepSize   = 1e3
)

// CMAES runs a (mu/mu_w, lambda) covariance matrix adaptation evolution
// strategy inside the unit cube of the request region. When a strategy
// converges or degenerates before the evaluation cap, it restarts from a
// random point with a doubled population (IPOP), so every run spends its
// whole allowance.
type CMAES struct {
	// StepSize is the initial sigma in unit-cube coordinates.
	StepSize float64

	// Population is the number of samples of the first strategy. Zero
	// means 4 + 3ln(n).
	Population int

	logger *zap.Logger
}

// NewCMAES creates a CMA-ES optimizer with default settings.
func NewCMAES(logger *zap.Logger) *CMAES {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CMAES{
		StepSize: DefaultStepSize,
		logger:   logger.Named("cmaes"),
	}
}

// Name implements optimization.Optimizer.
func (c *CMAES) Name() string {
	return "cmaes"
}

// Optimize implements optimization.Optimizer.
func (c *CMAES) Optimize(ctx context.Context, objective optimization.ObjectiveFunction, req optimization.Request) (*optimization.RunResult, error) {
	const op = "CMAES.Optimize"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := prepare(op, objective, req)
	if err != nil {
		return nil, err
	}

	step := c.StepSize
	if step <= 0 {
		step = DefaultStepSize
	}
	n := len(start)
	lambda := c.Population
	if lambda < 2 {
		lambda = 4 + int(3*math.Log(float64(n)))
	}

	rng := rand.New(rand.NewPCG(req.Seed, req.Seed^0x9e3779b97f4a7c15))
	g := newGuard(objective, req.Region, req.MaxEvaluations)

	mean := start
	restarts := 0
	for {
		newStrategy(mean, step, lambda).run(ctx, g, rng)
		if !g.running() || ctx.Err() != nil {
			break
		}
		restarts++
		lambda *= 2
		mean = make([]float64, n)
		for i := range mean {
			mean[i] = rng.Float64()
		}
	}

	c.logger.Debug("CMA-ES finished",
		zap.Uint64("seed", req.Seed),
		zap.Int("evaluations", g.calls),
		zap.Int("restarts", restarts),
		zap.Float64("best", g.bestValue),
	)
	return g.result(op, req)
}

// strategy is the state of one CMA-ES descent.
type strategy struct {
	n, lambda, mu int
	weights       []float64

	mueff, cc, cs, c1, cmu, damps, chiN float64

	mean, pc, ps []float64
	sigma        float64
	cov          *mat.SymDense
	basis        *mat.Dense
	scales       []float64
	gen          int
}

func newStrategy(mean []float64, sigma float64, lambda int) *strategy {
	n := len(mean)
	mu := lambda / 2
	weights := make([]float64, mu)
	for i := range weights {
		weights[i] = math.Log(float64(mu)+0.5) - math.Log(float64(i+1))
	}
	floats.Scale(1/floats.Sum(weights), weights)
	mueff := 1 / floats.Dot(weights, weights)
	fn := float64(n)

	s := &strategy{
		n:       n,
		lambda:  lambda,
		mu:      mu,
		weights: weights,
		mueff:   mueff,
		cc:      (4 + mueff/fn) / (fn + 4 + 2*mueff/fn),
		cs:      (mueff + 2) / (fn + mueff + 5),
		c1:      2 / ((fn+1.3)*(fn+1.3) + mueff),
		chiN:    math.Sqrt(fn) * (1 - 1/(4*fn) + 1/(21*fn*fn)),
		mean:    append([]float64(nil), mean...),
		pc:      make([]float64, n),
		ps:      make([]float64, n),
		sigma:   sigma,
		cov:     mat.NewSymDense(n, nil),
		basis:   mat.NewDense(n, n, nil),
		scales:  make([]float64, n),
	}
	s.cmu = math.Min(1-s.c1, 2*(mueff-2+1/mueff)/((fn+2)*(fn+2)+mueff))
	s.damps = 1 + 2*math.Max(0, math.Sqrt((mueff-1)/(fn+1))-1) + s.cs
	for i := 0; i < n; i++ {
		s.cov.SetSym(i, i, 1)
		s.basis.Set(i, i, 1)
		s.scales[i] = 1
	}
	return s
}

type sample struct {
	x, y  []float64
	value float64
}

// run samples and updates generations until the guard stops the run or a
// restart condition holds.
func (s *strategy) run(ctx context.Context, g *guard, rng *rand.Rand) {
	pop := make([]sample, s.lambda)
	z := make([]float64, s.n)

	for ctx.Err() == nil {
		for k := range pop {
			if !g.running() {
				return
			}
			for i := range z {
				z[i] = s.scales[i] * rng.NormFloat64()
			}
			y := make([]float64, s.n)
			mat.NewVecDense(s.n, y).MulVec(s.basis, mat.NewVecDense(s.n, z))
			x := make([]float64, s.n)
			floats.AddScaledTo(x, s.mean, s.sigma, y)
			pop[k] = sample{x: x, y: y, value: g.eval(x)}
		}
		s.gen++
		sort.SliceStable(pop, func(a, b int) bool { return pop[a].value < pop[b].value })

		if !s.update(pop) {
			return
		}
		if s.sigma*floats.Max(s.scales) < stopStepSize || s.sigma > maxStepSize {
			return
		}
		best, worst := pop[0].value, pop[len(pop)-1].value
		if !math.IsInf(worst, 0) && worst-best < stopFlatValue*math.Max(1, math.Abs(best)) {
			return
		}
	}
}

// update moves the mean to the weighted recombination of the best mu
// samples and adapts the evolution paths, covariance and step size. It
// reports false when the covariance can no longer be decomposed.
func (s *strategy) update(pop []sample) bool {
	n := s.n
	ymean := make([]float64, n)
	for i := 0; i < s.mu; i++ {
		floats.AddScaled(ymean, s.weights[i], pop[i].y)
	}
	floats.AddScaled(s.mean, s.sigma, ymean)

	// C^-1/2 * ymean = B * D^-1 * B^T * ymean
	var t, w mat.VecDense
	t.MulVec(s.basis.T(), mat.NewVecDense(n, ymean))
	for i := 0; i < n; i++ {
		t.SetVec(i, t.AtVec(i)/s.scales[i])
	}
	w.MulVec(s.basis, &t)

	csn := math.Sqrt(s.cs * (2 - s.cs) * s.mueff)
	for i := range s.ps {
		s.ps[i] = (1-s.cs)*s.ps[i] + csn*w.AtVec(i)
	}
	psNorm := floats.Norm(s.ps, 2)

	hsig := 0.0
	if psNorm/math.Sqrt(1-math.Pow(1-s.cs, 2*float64(s.gen)))/s.chiN < 1.4+2/(float64(n)+1) {
		hsig = 1
	}
	ccn := math.Sqrt(s.cc * (2 - s.cc) * s.mueff)
	for i := range s.pc {
		s.pc[i] = (1-s.cc)*s.pc[i] + hsig*ccn*ymean[i]
	}

	next := mat.NewSymDense(n, nil)
	next.ScaleSym(1-s.c1-s.cmu+(1-hsig)*s.c1*s.cc*(2-s.cc), s.cov)
	next.SymRankOne(next, s.c1, mat.NewVecDense(n, s.pc))
	for i := 0; i < s.mu; i++ {
		next.SymRankOne(next, s.cmu*s.weights[i], mat.NewVecDense(n, pop[i].y))
	}
	s.cov = next

	s.sigma *= math.Exp((s.cs / s.damps) * (psNorm/s.chiN - 1))
	return s.decompose()
}

// decompose refreshes the eigenbasis B and the axis scales D of C = B D² Bᵀ.
func (s *strategy) decompose() bool {
	var eig mat.EigenSym
	if !eig.Factorize(s.cov, true) {
		return false
	}
	vals := eig.Values(nil)
	lo, hi := floats.Min(vals), floats.Max(vals)
	if lo <= 0 || hi/lo > maxCondition || math.IsNaN(hi) {
		return false
	}
	basis := mat.NewDense(s.n, s.n, nil)
	eig.VectorsTo(basis)
	s.basis = basis
	for i, v := range vals {
		s.scales[i] = math.Sqrt(v)
	}
	return true
}
