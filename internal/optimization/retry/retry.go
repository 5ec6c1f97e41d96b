// Package retry runs many independent inner optimizer invocations from
// randomized start points in parallel and collects them in a ranked archive.
package retry

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/copyleftdev/fcretry/internal/errors"
	"github.com/copyleftdev/fcretry/internal/metrics"
	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

const component = "retry"

// Options configures a Coordinator.
type Options struct {
	// NumRetries is the number of inner runs.
	NumRetries int

	// EvalsPerRun caps the objective calls of each run.
	EvalsPerRun int

	// Workers bounds concurrent runs. Zero means runtime.NumCPU().
	Workers int

	// Seed drives start points and run seeds. Zero means time-based.
	Seed uint64

	// Sampling selects how start points are drawn.
	Sampling optimization.Sampling

	// Capacity bounds the archive. Zero means unbounded.
	Capacity int

	// ValueLimit rejects results above it. Zero means no limit.
	ValueLimit float64

	// TargetValue stops dispatching new runs once the archive best is at
	// or below it. Nil disables it.
	TargetValue *float64

	// Budget optionally caps evaluations across the whole run.
	Budget *optimization.Budget
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		NumRetries:  64,
		EvalsPerRun: 50000,
		Workers:     runtime.NumCPU(),
	}
}

func (o Options) validate() error {
	const op = "Options.validate"

	if o.NumRetries < 1 {
		return optimization.NewConfigError(op, "num retries must be at least 1, got %d", o.NumRetries)
	}
	if o.EvalsPerRun < 1 {
		return optimization.NewConfigError(op, "evaluations per run must be at least 1, got %d", o.EvalsPerRun)
	}
	if o.Workers < 0 {
		return optimization.NewConfigError(op, "workers must not be negative, got %d", o.Workers)
	}
	if o.Capacity < 0 {
		return optimization.NewConfigError(op, "capacity must not be negative, got %d", o.Capacity)
	}
	return nil
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

// WithName labels the coordinator in logs and metrics.
func WithName(name string) Option {
	return func(c *Coordinator) {
		c.name = name
	}
}

// Coordinator runs waves of inner optimizer invocations on a bounded
// worker pool. A Coordinator is not meant to be shared by concurrent
// callers of Run.
type Coordinator struct {
	optimizer optimization.Optimizer
	opts      Options
	name      string
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// New creates a Coordinator. Option errors are reported here, before any
// work is dispatched.
func New(optimizer optimization.Optimizer, opts Options, options ...Option) (*Coordinator, error) {
	if optimizer == nil {
		return nil, optimization.NewConfigError("retry.New", "inner optimizer is required").WithComponent(component)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}

	c := &Coordinator{
		optimizer: optimizer,
		opts:      opts,
		name:      component,
		logger:    zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.Named(c.name)
	return c, nil
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Failure records one failed run.
type Failure struct {
	Wave int
	Run  int
	Seed uint64
	Err  error
}

// Result summarizes a retry run.
type Result struct {
	// Archive holds every successful run.
	Archive *store.Store

	Attempted   int
	Succeeded   int
	Failures    []Failure
	Evaluations uint64
	Duration    time.Duration
	Cancelled   bool
}

// Best returns the archive best.
func (r *Result) Best() (optimization.RunResult, bool) {
	if r == nil || r.Archive == nil {
		return optimization.RunResult{}, false
	}
	return r.Archive.Best()
}

// Stats returns the archive statistics.
func (r *Result) Stats() store.Stats {
	if r == nil || r.Archive == nil {
		return store.New().Stats()
	}
	return r.Archive.Stats()
}

// Run executes NumRetries inner runs inside region and returns the
// archive. If every dispatched run fails, or the archive rejects every
// successful run, the error is optimization.ErrTotalFailure and the result
// carries the report.
func (c *Coordinator) Run(ctx context.Context, problem optimization.Problem, region optimization.Region) (*Result, error) {
	const op = "Coordinator.Run"

	if err := problem.Validate(region); err != nil {
		return nil, err
	}

	archive := store.New(c.storeOptions()...)
	budget := c.opts.Budget
	if budget == nil {
		budget = optimization.NewBudget(0)
	}

	c.logger.Info("Starting retry",
		zap.String("problem", problem.Name),
		zap.String("optimizer", c.optimizer.Name()),
		zap.Int("retries", c.opts.NumRetries),
		zap.Int("evals_per_run", c.opts.EvalsPerRun),
		zap.Int("workers", c.opts.Workers),
		zap.Int("dim", region.Dim()),
	)

	report := c.ExecuteWave(ctx, problem, Wave{
		Region:      region.Clone(),
		Runs:        c.opts.NumRetries,
		EvalsPerRun: c.opts.EvalsPerRun,
		Seed:        c.opts.Seed,
	}, archive, budget)

	res := &Result{
		Archive:     archive,
		Attempted:   report.Dispatched,
		Succeeded:   report.Succeeded,
		Failures:    report.Failures,
		Evaluations: report.Evaluations,
		Duration:    report.Duration,
		Cancelled:   report.Cancelled,
	}

	if report.Dispatched > 0 && report.Succeeded == 0 {
		c.logger.Error("All runs failed",
			zap.String("problem", problem.Name),
			zap.Int("failed", len(report.Failures)),
		)
		var cause error
		if len(report.Failures) > 0 {
			cause = report.Failures[0].Err
		}
		return res, &optimization.Error{
			Kind:      optimization.KindTotalFailure,
			Message:   "all runs failed",
			Op:        op,
			Component: component,
			Err:       cause,
		}
	}
	if report.Dispatched == 0 && !report.Cancelled {
		return res, &optimization.Error{
			Kind:      optimization.KindTotalFailure,
			Message:   "no runs dispatched: evaluation budget exhausted",
			Op:        op,
			Component: component,
		}
	}
	if report.Cancelled {
		if err := ctx.Err(); err != nil {
			return res, optimization.WrapError(err, "retry cancelled").WithOperation(op).WithComponent(component)
		}
	}
	if archive.Size() == 0 {
		c.logger.Error("No run result retained",
			zap.String("problem", problem.Name),
			zap.Int("succeeded", report.Succeeded),
			zap.Float64("value_limit", c.opts.ValueLimit),
		)
		return res, &optimization.Error{
			Kind:      optimization.KindTotalFailure,
			Message:   "no run result retained by the archive",
			Op:        op,
			Component: component,
		}
	}

	if best, ok := archive.Best(); ok {
		st := archive.Stats()
		c.logger.Info("Retry finished",
			zap.String("problem", problem.Name),
			zap.Float64("best", best.Value),
			zap.Float64s("point", best.Point),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", len(report.Failures)),
			zap.Uint64("evaluations", report.Evaluations),
			zap.Float64("mean", st.Mean),
			zap.Float64("std_dev", st.StdDev),
			zap.Duration("duration", report.Duration),
		)
		c.metrics.SetBest(problem.Name, best.Value)
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

// Wave is one batch of runs sharing a region and a seed stream.
type Wave struct {
	// Index identifies the wave; it is stamped on every result.
	Index int

	Region      optimization.Region
	Runs        int
	EvalsPerRun int
	Seed        uint64

	// Starts optionally fixes the start points of the first len(Starts)
	// runs. Points are clipped into Region.
	Starts [][]float64
}

// WaveReport summarizes an executed wave.
type WaveReport struct {
	Index       int
	Dispatched  int
	Succeeded   int
	Failures    []Failure
	Evaluations uint64
	Best        *optimization.RunResult
	Duration    time.Duration
	Cancelled   bool
	Exhausted   bool
}

type job struct {
	run   int
	start []float64
	seed  uint64
}

// plan draws every start point and seed up front so they do not depend on
// scheduling.
func (w Wave) plan(sampling optimization.Sampling) []job {
	rng := rand.New(rand.NewPCG(w.Seed, uint64(w.Index)))
	jobs := make([]job, w.Runs)
	for i := range jobs {
		jobs[i].run = i
		jobs[i].seed = rng.Uint64()
		if i < len(w.Starts) && len(w.Starts[i]) == w.Region.Dim() {
			jobs[i].start = w.Region.Clip(w.Starts[i])
		} else {
			jobs[i].start = w.Region.Sample(rng, sampling)
		}
	}
	return jobs
}

// ExecuteWave runs one wave on the worker pool and merges successful
// results into archive. Dispatch stops when ctx is done, when budget can
// no longer cover a run, or when TargetValue is reached; runs already in
// flight always finish.
func (c *Coordinator) ExecuteWave(ctx context.Context, problem optimization.Problem, wave Wave, archive *store.Store, budget *optimization.Budget) WaveReport {
	start := time.Now()
	report := WaveReport{Index: wave.Index}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	// A slot is taken before each dispatch decision, so the stop checks
	// see every result of the runs that finished before it.
	slots := make(chan struct{}, c.opts.Workers)

dispatch:
	for _, j := range wave.plan(c.opts.Sampling) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			report.Cancelled = true
			break dispatch
		}
		if ctx.Err() != nil {
			<-slots
			report.Cancelled = true
			break
		}
		if c.targetReached(archive) {
			<-slots
			break
		}
		granted := budget.Reserve(uint64(wave.EvalsPerRun))
		if granted == 0 {
			<-slots
			report.Exhausted = true
			break
		}
		report.Dispatched++

		g.Go(func() error {
			defer func() { <-slots }()

			res, used, err := c.execute(ctx, problem, wave, j, int(granted))
			budget.Settle(granted, used)

			mu.Lock()
			defer mu.Unlock()
			report.Evaluations += used
			if err != nil {
				report.Failures = append(report.Failures, Failure{Wave: wave.Index, Run: j.run, Seed: j.seed, Err: err})
				return nil
			}
			report.Succeeded++
			if report.Best == nil || res.Value < report.Best.Value {
				best := res.Clone()
				report.Best = &best
			}
			if !archive.Insert(*res) {
				c.metrics.RunRejected(c.name)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(report.Failures, func(a, b int) bool { return report.Failures[a].Run < report.Failures[b].Run })

	report.Duration = time.Since(start)
	if len(report.Failures) > 0 {
		c.logger.Warn("Wave had failed runs",
			zap.String("problem", problem.Name),
			zap.Int("wave", wave.Index),
			zap.Int("failed", len(report.Failures)),
			zap.Int("dispatched", report.Dispatched),
			zap.Error(report.Failures[0].Err),
		)
	}
	c.logger.Debug("Wave finished",
		zap.String("problem", problem.Name),
		zap.Int("wave", wave.Index),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("succeeded", report.Succeeded),
		zap.Uint64("evaluations", report.Evaluations),
		zap.Bool("exhausted", report.Exhausted),
		zap.Bool("cancelled", report.Cancelled),
	)
	return report
}

func (c *Coordinator) targetReached(archive *store.Store) bool {
	if c.opts.TargetValue == nil {
		return false
	}
	best, ok := archive.Best()
	return ok && best.Value <= *c.opts.TargetValue
}

// execute runs one inner invocation and reports the evaluations it used.
// A failed run without a result is charged its whole allowance. Panics
// become run failures.
func (c *Coordinator) execute(ctx context.Context, problem optimization.Problem, wave Wave, j job, evals int) (*optimization.RunResult, uint64, error) {
	const op = "Coordinator.execute"

	c.metrics.RunStarted()
	began := time.Now()

	var res *optimization.RunResult
	err := apperrors.Safe(func() error {
		var oerr error
		res, oerr = c.optimizer.Optimize(ctx, problem.Objective, optimization.Request{
			Region:         wave.Region,
			Start:          j.start,
			Seed:           j.seed,
			MaxEvaluations: evals,
		})
		return oerr
	})
	if err == nil && !res.Valid() {
		err = optimization.NewErrorf("optimizer returned no usable result")
	}
	if err != nil {
		if optimization.KindOf(err) != optimization.KindRun {
			err = optimization.NewRunFailure(op, err)
		}
		used := uint64(evals)
		if res != nil {
			used = min(res.Evaluations, used)
		}
		c.metrics.RunFinished(c.name, c.optimizer.Name(), metrics.ResultFailure, used, time.Since(began))
		c.logger.Debug("Run failed",
			zap.Int("wave", wave.Index),
			zap.Int("run", j.run),
			zap.Uint64("seed", j.seed),
			zap.Error(err),
		)
		return nil, used, err
	}

	out := res.Clone()
	out.Region = wave.Region.Clone()
	out.Wave = wave.Index
	out.Run = j.run
	out.Seed = j.seed
	c.metrics.RunFinished(c.name, c.optimizer.Name(), metrics.ResultSuccess, out.Evaluations, time.Since(began))
	return &out, out.Evaluations, nil
}
