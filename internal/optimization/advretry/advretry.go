// Package advretry runs retry waves under a shared evaluation budget and
// adapts the search region between waves: it shrinks around the best
// archive entries while the best value improves and widens again when it
// stalls.
package advretry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/fcretry/internal/metrics"
	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/retry"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

const component = "advretry"

// Action is the region adaptation applied after a wave.
type Action string

const (
	ActionNone   Action = "none"
	ActionShrink Action = "shrink"
	ActionWiden  Action = "widen"
	// ActionFailed widens after a wave in which no run succeeded.
	ActionFailed Action = "failed"
)

// Termination explains why a run stopped.
type Termination string

const (
	TerminationBudget     Termination = "budget_exhausted"
	TerminationMaxWaves   Termination = "max_waves"
	TerminationConverged  Termination = "converged"
	TerminationStagnation Termination = "stagnation"
	TerminationCancelled  Termination = "cancelled"
)

// WaveSummary records one wave and the adaptation that followed it.
type WaveSummary struct {
	Index       int                     `json:"index"`
	Region      optimization.Region     `json:"region"`
	Runs        int                     `json:"runs"`
	EvalsPerRun int                     `json:"evals_per_run"`
	Succeeded   int                     `json:"succeeded"`
	Failed      int                     `json:"failed"`
	Evaluations uint64                  `json:"evaluations"`
	Best        *optimization.RunResult `json:"best,omitempty"`
	Improvement float64                 `json:"improvement"`
	Action      Action                  `json:"action"`
	Next        optimization.Region     `json:"next"`
}

// Result is the outcome of an advanced run.
type Result struct {
	// Archive holds every successful run of every wave.
	Archive *store.Store

	// Region is the region the next wave would have searched.
	Region optimization.Region

	Waves       int
	Evaluations uint64
	Termination Termination
	Converged   bool
	History     []WaveSummary
	Duration    time.Duration
}

// Best returns the archive best.
func (r *Result) Best() (optimization.RunResult, bool) {
	if r == nil || r.Archive == nil {
		return optimization.RunResult{}, false
	}
	return r.Archive.Best()
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator drives waves of retry runs through an explicit state
// machine. It holds no per-run state and may be reused sequentially.
type Coordinator struct {
	opts    Options
	waves   *retry.Coordinator
	name    string
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// New creates a Coordinator around an inner optimizer.
func New(optimizer optimization.Optimizer, opts Options, options ...Option) (*Coordinator, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		opts:   opts,
		name:   component,
		logger: zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}

	waves, err := retry.New(optimizer, retry.Options{
		NumRetries:  opts.RetriesPerWave,
		EvalsPerRun: opts.MinEvalsPerRun,
		Workers:     opts.Workers,
		Seed:        opts.Seed,
		Sampling:    opts.Sampling,
		Capacity:    opts.Capacity,
		ValueLimit:  opts.ValueLimit,
	}, retry.WithLogger(c.logger), retry.WithMetrics(c.metrics), retry.WithName(c.name))
	if err != nil {
		return nil, err
	}
	c.waves = waves
	c.opts.Seed = waves.Options().Seed
	c.logger = c.logger.Named(c.name)
	return c, nil
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

type state int

const (
	stateInitial state = iota
	stateExecute
	stateMerge
	stateAdapt
	stateTerminate
)

// run carries the mutable state of a single Run call.
type run struct {
	problem optimization.Problem
	initial optimization.Region
	region  optimization.Region
	archive *store.Store
	budget  *optimization.Budget

	wave        int
	report      retry.WaveReport
	planned     retry.Wave
	prevBest    float64
	improvement float64
	stable      int
	failed      int
	reason      Termination
	history     []WaveSummary
}

// Run searches region until the budget, MaxWaves, convergence,
// stagnation or cancellation stops it. The returned Result is non-nil
// whenever the problem was valid, including alongside ErrStagnation,
// ErrTotalFailure and context errors.
func (c *Coordinator) Run(ctx context.Context, problem optimization.Problem, region optimization.Region) (*Result, error) {
	const op = "Coordinator.Run"

	if err := problem.Validate(region); err != nil {
		return nil, err
	}

	began := time.Now()
	r := &run{
		problem: problem,
		initial: region.Clone(),
		archive: store.New(c.storeOptions()...),
		budget:  optimization.NewBudget(c.opts.TotalEvaluations),
	}

	c.logger.Info("Starting advanced retry",
		zap.String("problem", problem.Name),
		zap.Uint64("total_evaluations", c.opts.TotalEvaluations),
		zap.Int("retries_per_wave", c.opts.RetriesPerWave),
		zap.Int("max_waves", c.opts.MaxWaves),
		zap.Int("workers", c.opts.Workers),
		zap.Int("dim", region.Dim()),
	)

	for st := stateInitial; st != stateTerminate; {
		switch st {
		case stateInitial:
			r.region = r.initial.Clone()
			r.prevBest = math.Inf(1)
			st = stateExecute
		case stateExecute:
			st = c.execute(ctx, r)
		case stateMerge:
			st = c.merge(r)
		case stateAdapt:
			st = c.adapt(r)
		}
	}

	res := &Result{
		Archive:     r.archive,
		Region:      r.region,
		Waves:       r.wave,
		Evaluations: r.budget.Consumed(),
		Termination: r.reason,
		Converged:   r.reason == TerminationConverged,
		History:     r.history,
		Duration:    time.Since(began),
	}

	fields := []zap.Field{
		zap.String("problem", problem.Name),
		zap.String("termination", string(r.reason)),
		zap.Int("waves", res.Waves),
		zap.Uint64("evaluations", res.Evaluations),
		zap.Duration("duration", res.Duration),
	}
	best, ok := r.archive.Best()
	if ok {
		fields = append(fields, zap.Float64("best", best.Value), zap.Float64s("point", best.Point))
		c.metrics.SetBest(problem.Name, best.Value)
	}
	c.logger.Info("Advanced retry finished", fields...)

	switch {
	case r.reason == TerminationCancelled:
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return res, optimization.WrapError(cause, "advanced retry cancelled").WithOperation(op).WithComponent(component)
	case r.reason == TerminationStagnation:
		return res, &optimization.Error{
			Kind:      optimization.KindStagnation,
			Message:   "no successful run in consecutive waves",
			Op:        op,
			Component: component,
			Err:       r.lastFailure(),
		}
	case !ok:
		return res, &optimization.Error{
			Kind:      optimization.KindTotalFailure,
			Message:   "no successful run",
			Op:        op,
			Component: component,
			Err:       r.lastFailure(),
		}
	}
	return res, nil
}

func (c *Coordinator) storeOptions() []store.Option {
	opts := []store.Option{store.WithCapacity(c.opts.Capacity)}
	if c.opts.ValueLimit != 0 {
		opts = append(opts, store.WithValueLimit(c.opts.ValueLimit))
	}
	return opts
}

// execute checks the stop conditions, sizes the next wave and runs it.
func (c *Coordinator) execute(ctx context.Context, r *run) state {
	switch {
	case ctx.Err() != nil:
		r.reason = TerminationCancelled
		return stateTerminate
	case r.budget.Exhausted():
		r.reason = TerminationBudget
		return stateTerminate
	case c.opts.MaxWaves > 0 && r.wave >= c.opts.MaxWaves:
		r.reason = TerminationMaxWaves
		return stateTerminate
	}

	runs, evals := c.waveSize(r)
	if runs == 0 {
		r.reason = TerminationBudget
		return stateTerminate
	}

	r.planned = retry.Wave{
		Index:       r.wave,
		Region:      r.region.Clone(),
		Runs:        runs,
		EvalsPerRun: evals,
		Seed:        c.opts.Seed,
	}
	if c.opts.SeedBest {
		if best, ok := r.archive.Best(); ok && r.region.Contains(best.Point) {
			r.planned.Starts = [][]float64{best.Point}
		}
	}

	r.report = c.waves.ExecuteWave(ctx, r.problem, r.planned, r.archive, r.budget)
	r.wave++
	return stateMerge
}

// waveSize splits the remaining budget evenly over the remaining waves.
// Without a budget, per-run evaluations double every wave from
// MinEvalsPerRun up to MaxEvalsPerRun.
func (c *Coordinator) waveSize(r *run) (runs, evals int) {
	retries := c.opts.RetriesPerWave
	growth := c.opts.MinEvalsPerRun
	for i := 0; i < r.wave && growth < c.opts.MaxEvalsPerRun; i++ {
		growth *= 2
	}
	growth = min(growth, c.opts.MaxEvalsPerRun)

	if r.budget.Unbounded() {
		return retries, growth
	}

	remaining := r.budget.Remaining()
	if c.opts.MaxWaves == 0 {
		// No wave count to divide by: follow the growth schedule and let
		// the budget cut the last wave short.
		if remaining < uint64(growth) {
			return 1, int(remaining)
		}
		return int(min(uint64(retries), remaining/uint64(growth))), growth
	}

	share := remaining / uint64(c.opts.MaxWaves-r.wave)
	if share == 0 {
		share = remaining
	}
	per := share / uint64(retries)
	switch {
	case per >= uint64(c.opts.MinEvalsPerRun):
		return retries, int(min(per, uint64(c.opts.MaxEvalsPerRun)))
	case share >= uint64(c.opts.MinEvalsPerRun):
		return int(share / uint64(c.opts.MinEvalsPerRun)), c.opts.MinEvalsPerRun
	default:
		return 1, int(share)
	}
}

// merge folds the wave report into the run state. Successful results are
// already in the archive.
func (c *Coordinator) merge(r *run) state {
	r.improvement = 0
	if best, ok := r.archive.Best(); ok && r.report.Succeeded > 0 {
		if math.IsInf(r.prevBest, 1) {
			r.improvement = math.Inf(1)
		} else {
			r.improvement = r.prevBest - best.Value
		}
		r.prevBest = best.Value
	}

	r.history = append(r.history, WaveSummary{
		Index:       r.report.Index,
		Region:      r.planned.Region,
		Runs:        r.planned.Runs,
		EvalsPerRun: r.planned.EvalsPerRun,
		Succeeded:   r.report.Succeeded,
		Failed:      len(r.report.Failures),
		Evaluations: r.report.Evaluations,
		Best:        r.report.Best,
		Improvement: r.improvement,
		Action:      ActionNone,
		Next:        r.region.Clone(),
	})
	return stateAdapt
}

// adapt chooses the next region or ends the run.
func (c *Coordinator) adapt(r *run) state {
	summary := &r.history[len(r.history)-1]
	next := stateExecute

	switch {
	case r.report.Cancelled:
		r.reason = TerminationCancelled
		next = stateTerminate
	case r.report.Dispatched == 0:
		r.reason = TerminationBudget
		next = stateTerminate
	case r.report.Succeeded == 0:
		r.failed++
		if r.failed > c.opts.MaxFailedWaves {
			r.reason = TerminationStagnation
			next = stateTerminate
			break
		}
		r.region = WidenRegion(r.region, r.initial, c.opts.WidenFactor, c.opts.MinWidthFraction)
		summary.Action = ActionFailed
	case r.improvement > c.opts.Tolerance:
		r.failed = 0
		r.stable = 0
		r.region = ShrinkRegion(r.region, r.initial, points(r.archive.TopK(c.opts.TopK)), c.opts.Margin, c.opts.MinWidthFraction)
		summary.Action = ActionShrink
	default:
		r.failed = 0
		r.stable++
		if r.stable >= c.opts.StableWaves {
			r.reason = TerminationConverged
			next = stateTerminate
			break
		}
		r.region = WidenRegion(r.region, r.initial, c.opts.WidenFactor, c.opts.MinWidthFraction)
		summary.Action = ActionWiden
	}
	summary.Next = r.region.Clone()

	if summary.Action != ActionNone {
		c.metrics.WaveCompleted(string(summary.Action))
		c.metrics.SetRegionVolume(r.problem.Name, r.region.Volume())
	}
	c.logger.Info("Wave completed",
		zap.String("problem", r.problem.Name),
		zap.Int("wave", summary.Index),
		zap.Int("runs", summary.Runs),
		zap.Int("evals_per_run", summary.EvalsPerRun),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Float64("improvement", summary.Improvement),
		zap.String("action", string(summary.Action)),
		zap.Float64("volume", r.region.Volume()),
		zap.Uint64("remaining", r.budget.Remaining()),
	)
	return next
}

func (r *run) lastFailure() error {
	if len(r.report.Failures) > 0 {
		return r.report.Failures[0].Err
	}
	return nil
}

func points(results []optimization.RunResult) [][]float64 {
	out := make([][]float64, len(results))
	for i, r := range results {
		out[i] = r.Point
	}
	return out
}
