package server

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/copyleftdev/fcretry/internal/logging"
	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/advretry"
	"github.com/copyleftdev/fcretry/internal/optimization/inner"
	"github.com/copyleftdev/fcretry/internal/optimization/retry"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job modes.
const (
	ModeRetry    = "retry"
	ModeAdvanced = "advanced"
)

// StartRequest describes a job. Zero fields take the server defaults.
type StartRequest struct {
	Objective string      `json:"objective"`
	Bounds    [][]float64 `json:"bounds"`
	Mode      string      `json:"mode,omitempty"`
	Optimizer string      `json:"optimizer,omitempty"`
	Sampling  string      `json:"sampling,omitempty"`
	Seed      uint64      `json:"seed,omitempty"`
	Workers   int         `json:"workers,omitempty"`

	NumRetries  int `json:"num_retries,omitempty"`
	EvalsPerRun int `json:"evals_per_run,omitempty"`

	TotalEvaluations uint64  `json:"total_evaluations,omitempty"`
	RetriesPerWave   int     `json:"retries_per_wave,omitempty"`
	MaxWaves         int     `json:"max_waves,omitempty"`
	Tolerance        float64 `json:"tolerance,omitempty"`
}

// OptimizationState tracks one job. Fields are guarded by the server's
// optimizationsMu.
type OptimizationState struct {
	ID          string
	Mode        string
	Objective   string
	Optimizer   string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	CancelFunc  context.CancelFunc

	Best        *optimization.RunResult
	Stats       *store.Stats
	Waves       []advretry.WaveSummary
	Termination string
	Evaluations uint64
	Error       string
}

// job is a validated StartRequest bound to its runner.
type job struct {
	id        string
	mode      string
	optimizer string
	problem   optimization.Problem
	region    optimization.Region
	run       func(ctx context.Context, state *OptimizationState) error
}

func (s *Server) newJob(req StartRequest) (*job, error) {
	const op = "Server.newJob"

	objective, err := optimization.LookupObjective(req.Objective)
	if err != nil {
		return nil, optimization.WrapErrorf(err, "expected one of %s", strings.Join(optimization.ObjectiveNames(), ", ")).WithOperation(op)
	}
	if len(req.Bounds) == 0 {
		return nil, optimization.NewConfigError(op, "bounds are required")
	}
	bounds := make([][2]float64, len(req.Bounds))
	for i, b := range req.Bounds {
		if len(b) != 2 {
			return nil, optimization.NewConfigError(op, "invalid bounds format, expected [[min1, max1], [min2, max2], ...]")
		}
		bounds[i] = [2]float64{b[0], b[1]}
	}
	region, err := optimization.RegionFromBounds(bounds)
	if err != nil {
		return nil, err
	}

	optName := req.Optimizer
	if optName == "" {
		optName = s.cfg.Retry.Optimizer
	}
	samplingName := req.Sampling
	if samplingName == "" {
		samplingName = s.cfg.Retry.Sampling
	}
	sampling, err := optimization.ParseSampling(samplingName)
	if err != nil {
		return nil, err
	}
	seed := req.Seed
	if seed == 0 {
		seed = s.cfg.Retry.Seed
	}
	workers := req.Workers
	if workers == 0 {
		workers = s.cfg.Retry.Workers
	}

	id := uuid.NewString()
	zlog := logging.NewZapLogger(s.logger.WithFields(map[string]interface{}{"optimization_id": id}))
	optimizer, err := inner.New(optName, zlog)
	if err != nil {
		return nil, err
	}

	j := &job{
		id:        id,
		mode:      req.Mode,
		optimizer: optimizer.Name(),
		problem:   optimization.Problem{Name: strings.ToLower(req.Objective), Objective: objective},
		region:    region,
	}

	switch req.Mode {
	case "", ModeRetry:
		j.mode = ModeRetry
		opts := retry.Options{
			NumRetries:  firstPositive(req.NumRetries, s.cfg.Retry.NumRetries),
			EvalsPerRun: firstPositive(req.EvalsPerRun, s.cfg.Retry.EvalsPerRun),
			Workers:     workers,
			Seed:        seed,
			Sampling:    sampling,
			Capacity:    s.cfg.Retry.Capacity,
		}
		coord, err := retry.New(optimizer, opts, retry.WithLogger(zlog), retry.WithMetrics(s.metrics))
		if err != nil {
			return nil, err
		}
		j.run = func(ctx context.Context, state *OptimizationState) error {
			res, err := coord.Run(ctx, j.problem, j.region)
			s.record(state, func() {
				if res == nil {
					return
				}
				stats := res.Stats()
				state.Stats = &stats
				state.Evaluations = res.Evaluations
				if best, ok := res.Best(); ok {
					state.Best = &best
				}
			})
			return err
		}

	case ModeAdvanced:
		opts := advretry.Options{
			TotalEvaluations: req.TotalEvaluations,
			RetriesPerWave:   firstPositive(req.RetriesPerWave, s.cfg.Advanced.RetriesPerWave),
			MaxWaves:         req.MaxWaves,
			Tolerance:        req.Tolerance,
			Workers:          workers,
			Seed:             seed,
			Sampling:         sampling,
			Capacity:         s.cfg.Advanced.Capacity,
			SeedBest:         true,
		}
		if opts.TotalEvaluations == 0 && opts.MaxWaves == 0 {
			opts.TotalEvaluations = s.cfg.Advanced.TotalEvaluations
			opts.MaxWaves = s.cfg.Advanced.MaxWaves
		}
		if opts.Tolerance == 0 {
			opts.Tolerance = s.cfg.Advanced.Tolerance
		}
		coord, err := advretry.New(optimizer, opts, advretry.WithLogger(zlog), advretry.WithMetrics(s.metrics))
		if err != nil {
			return nil, err
		}
		j.run = func(ctx context.Context, state *OptimizationState) error {
			res, err := coord.Run(ctx, j.problem, j.region)
			s.record(state, func() {
				if res == nil {
					return
				}
				stats := res.Archive.Stats()
				state.Stats = &stats
				state.Evaluations = res.Evaluations
				state.Waves = res.History
				state.Termination = string(res.Termination)
				if best, ok := res.Best(); ok {
					state.Best = &best
				}
			})
			return err
		}

	default:
		return nil, optimization.NewConfigError(op, "unknown mode %q, expected %q or %q", req.Mode, ModeRetry, ModeAdvanced)
	}

	if err := j.problem.Validate(j.region); err != nil {
		return nil, err
	}
	return j, nil
}

// start registers the job and launches it. It fails when the server is
// already running its maximum number of jobs.
func (s *Server) start(j *job) (*OptimizationState, error) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	if s.running >= s.maxJobs {
		return nil, fmt.Errorf("%w: %d jobs already running", errTooManyJobs, s.running)
	}

	base := context.Background()
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Jobs.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, s.cfg.Jobs.Timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}

	now := time.Now()
	state := &OptimizationState{
		ID:          j.id,
		Mode:        j.mode,
		Objective:   j.problem.Name,
		Optimizer:   j.optimizer,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		CancelFunc:  cancel,
	}
	s.optimizations[j.id] = state
	s.running++

	s.wg.Add(1)
	go s.runOptimization(ctx, j, state)
	return state, nil
}

// runOptimization executes the job in its own goroutine.
func (s *Server) runOptimization(ctx context.Context, j *job, state *OptimizationState) {
	defer s.wg.Done()

	s.record(state, func() {
		if state.Status == StatusPending {
			state.Status = StatusRunning
		}
	})
	s.logger.Info("Optimization started", map[string]interface{}{
		"optimization_id": j.id,
		"mode":            j.mode,
		"objective":       j.problem.Name,
		"dim":             j.region.Dim(),
	})

	err := j.run(ctx, state)
	// Read before CancelFunc, which cancels ctx unconditionally.
	cancelled := ctx.Err() != nil

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	s.running--
	state.CancelFunc()
	now := time.Now()
	state.LastUpdated = now
	if state.Status == StatusCancelled {
		return
	}
	state.EndTime = &now

	if err != nil {
		state.Error = err.Error()
		state.Status = StatusFailed
		if cancelled && optimization.KindOf(err) == optimization.KindUnknown {
			state.Status = StatusCancelled
		}
		s.logger.Error("Optimization failed", map[string]interface{}{
			"optimization_id": j.id,
			"error":           err,
		})
		return
	}
	state.Status = StatusCompleted
	fields := map[string]interface{}{
		"optimization_id": j.id,
		"evaluations":     state.Evaluations,
	}
	if state.Best != nil {
		fields["best"] = state.Best.Value
	}
	s.logger.Info("Optimization completed", fields)
}

// record applies fn to state under the server lock.
func (s *Server) record(state *OptimizationState, fn func()) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()
	fn()
	state.LastUpdated = time.Now()
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func firstPositive[T int | uint64](vals ...T) T {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
