package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/fcretry/internal/metrics"
	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/inner"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

// stubOptimizer evaluates the objective once at the start point and
// reports the full allowance as used.
type stubOptimizer struct {
	hook func(req optimization.Request) error

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (s *stubOptimizer) Name() string { return "stub" }

func (s *stubOptimizer) Optimize(ctx context.Context, objective optimization.ObjectiveFunction, req optimization.Request) (*optimization.RunResult, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if s.hook != nil {
		if err := s.hook(req); err != nil {
			return nil, err
		}
	}
	v, err := objective(req.Start)
	if err != nil {
		return nil, optimization.NewRunFailure("stub", err)
	}
	return &optimization.RunResult{
		Point:       append([]float64(nil), req.Start...),
		Value:       v,
		Evaluations: uint64(req.MaxEvaluations),
	}, nil
}

func sphere() optimization.Problem {
	return optimization.Problem{Name: "sphere", Objective: optimization.Sphere, Dim: 2}
}

func TestRunSphereScenario(t *testing.T) {
	for _, name := range []string{"cmaes", "neldermead"} {
		t.Run(name, func(t *testing.T) {
			logger := zaptest.NewLogger(t)
			opt, err := inner.New(name, logger)
			require.NoError(t, err)

			c, err := New(opt, Options{NumRetries: 8, EvalsPerRun: 200, Workers: 4, Seed: 11}, WithLogger(logger))
			require.NoError(t, err)

			res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -5, 5))
			require.NoError(t, err)

			best, ok := res.Best()
			require.True(t, ok)
			assert.Less(t, best.Value, 1e-3)
			assert.Equal(t, 8, res.Attempted)
			assert.Equal(t, 8, res.Succeeded)
			assert.Equal(t, 8, res.Archive.Size())
			assert.LessOrEqual(t, res.Evaluations, uint64(8*200))
		})
	}
}

func TestRunSphereScenarioAcrossSeeds(t *testing.T) {
	opt, err := inner.New("", nil)
	require.NoError(t, err)

	for seed := uint64(1); seed <= 20; seed++ {
		c, err := New(opt, Options{NumRetries: 8, EvalsPerRun: 200, Workers: 4, Seed: seed})
		require.NoError(t, err)

		res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -5, 5))
		require.NoError(t, err, "seed %d", seed)

		best, ok := res.Best()
		require.True(t, ok)
		assert.Less(t, best.Value, 1e-3, "seed %d", seed)
	}
}

func TestRunDeterministic(t *testing.T) {
	run := func(workers int) []optimization.RunResult {
		c, err := New(inner.NewCMAES(nil), Options{NumRetries: 6, EvalsPerRun: 150, Workers: workers, Seed: 99})
		require.NoError(t, err)
		res, err := c.Run(context.Background(), optimization.Problem{Objective: optimization.Rastrigin}, optimization.Cube(3, -5.12, 5.12))
		require.NoError(t, err)
		return res.Archive.Results()
	}

	a := run(1)
	b := run(1)
	require.Len(t, a, 6)
	require.Len(t, b, 6)
	for i := range a {
		assert.Equal(t, a[i].Point, b[i].Point)
		assert.Equal(t, a[i].Value, b[i].Value)
		assert.Equal(t, a[i].Seed, b[i].Seed)
	}

	// Start points and seeds are drawn before dispatch, so the pool size
	// does not change the best result.
	c := run(3)
	assert.Equal(t, a[0].Value, c[0].Value)
	assert.Equal(t, a[0].Point, c[0].Point)
}

func TestRunAllFail(t *testing.T) {
	cause := errors.New("objective unavailable")
	problem := optimization.Problem{
		Name:      "broken",
		Objective: func([]float64) (float64, error) { return 0, cause },
	}

	c, err := New(inner.NewCMAES(nil), Options{NumRetries: 5, EvalsPerRun: 50, Workers: 2, Seed: 1})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), problem, optimization.Cube(2, -1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrTotalFailure)
	assert.ErrorIs(t, err, cause)

	require.NotNil(t, res)
	assert.Equal(t, 0, res.Archive.Size())
	assert.Equal(t, 5, res.Attempted)
	require.Len(t, res.Failures, 5)
	for i, f := range res.Failures {
		assert.Equal(t, i, f.Run)
		assert.ErrorIs(t, f.Err, optimization.ErrRunFailure)
	}
	_, ok := res.Best()
	assert.False(t, ok)
}

func TestRunEveryResultRejected(t *testing.T) {
	opt := &stubOptimizer{}
	c, err := New(opt, Options{NumRetries: 4, EvalsPerRun: 50, Workers: 2, ValueLimit: -1, Seed: 3})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -5, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrTotalFailure)

	require.NotNil(t, res)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 0, res.Archive.Size())
	assert.Equal(t, uint64(4), res.Stats().Rejected)
	_, ok := res.Best()
	assert.False(t, ok)
}

func TestNilResult(t *testing.T) {
	var res *Result
	_, ok := res.Best()
	assert.False(t, ok)

	st := res.Stats()
	assert.Equal(t, 0, st.Size)
	assert.True(t, math.IsNaN(st.Best))
	assert.NotPanics(t, func() { (&Result{}).Stats() })
}

func TestRunPartialFailures(t *testing.T) {
	opt := &stubOptimizer{hook: func(req optimization.Request) error {
		if req.Start[0] < 0 {
			return errors.New("left half unsupported")
		}
		return nil
	}}
	c, err := New(opt, Options{NumRetries: 40, EvalsPerRun: 10, Workers: 4, Seed: 5})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)

	assert.Equal(t, 40, res.Attempted)
	assert.Equal(t, 40, res.Succeeded+len(res.Failures))
	assert.NotEmpty(t, res.Failures)
	assert.Equal(t, res.Succeeded, res.Archive.Size())
	for _, r := range res.Archive.Results() {
		assert.GreaterOrEqual(t, r.Point[0], 0.0)
	}
	for _, f := range res.Failures {
		assert.ErrorIs(t, f.Err, optimization.ErrRunFailure)
	}
}

func TestRunPanicIsRunFailure(t *testing.T) {
	var n atomic.Int32
	opt := &stubOptimizer{hook: func(optimization.Request) error {
		if n.Add(1) == 2 {
			panic("nil map")
		}
		return nil
	}}
	c, err := New(opt, Options{NumRetries: 4, EvalsPerRun: 10, Workers: 1, Seed: 5})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, optimization.ErrRunFailure)
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	opt := &stubOptimizer{hook: func(optimization.Request) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}}
	c, err := New(opt, Options{NumRetries: 30, EvalsPerRun: 10, Workers: 3, Seed: 5})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)
	assert.LessOrEqual(t, opt.maxActive.Load(), int32(3))
	assert.Equal(t, int32(30), opt.calls.Load())
}

func TestRunBudget(t *testing.T) {
	budget := optimization.NewBudget(1000)
	opt := &stubOptimizer{}
	c, err := New(opt, Options{NumRetries: 10, EvalsPerRun: 300, Workers: 2, Seed: 5, Budget: budget})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)

	assert.Equal(t, 4, res.Attempted, "300+300+300+100")
	assert.Equal(t, uint64(1000), budget.Consumed())
	assert.Equal(t, uint64(1000), res.Evaluations)
	assert.True(t, budget.Exhausted())

	// Nothing left for a second run.
	res, err = c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	assert.ErrorIs(t, err, optimization.ErrTotalFailure)
	assert.Equal(t, 0, res.Attempted)
}

func TestRunFailedRunsAreCharged(t *testing.T) {
	budget := optimization.NewBudget(100)
	opt := &stubOptimizer{hook: func(optimization.Request) error { return errors.New("no") }}
	c, err := New(opt, Options{NumRetries: 10, EvalsPerRun: 30, Workers: 1, Seed: 5, Budget: budget})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	assert.ErrorIs(t, err, optimization.ErrTotalFailure)
	assert.Equal(t, 4, res.Attempted)
	assert.Equal(t, uint64(100), budget.Consumed())
}

func TestRunTargetValue(t *testing.T) {
	target := 10.0
	opt := &stubOptimizer{}
	c, err := New(opt, Options{NumRetries: 20, EvalsPerRun: 10, Workers: 1, Seed: 5, TargetValue: &target})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted, "every point in the region beats the target")
}

func TestRunCancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		c, err := New(&stubOptimizer{}, Options{NumRetries: 5, EvalsPerRun: 10, Workers: 1})
		require.NoError(t, err)
		res, err := c.Run(ctx, sphere(), optimization.Cube(2, -1, 1))
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		assert.True(t, res.Cancelled)
		assert.Equal(t, 0, res.Attempted)
	})

	t.Run("in flight runs finish", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var once sync.Once
		opt := &stubOptimizer{hook: func(optimization.Request) error {
			once.Do(cancel)
			return nil
		}}
		c, err := New(opt, Options{NumRetries: 50, EvalsPerRun: 10, Workers: 1, Seed: 3})
		require.NoError(t, err)

		res, err := c.Run(ctx, sphere(), optimization.Cube(2, -1, 1))
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, res.Cancelled)
		assert.Less(t, res.Attempted, 50)
		assert.Equal(t, res.Attempted, res.Succeeded)
		assert.Equal(t, res.Succeeded, res.Archive.Size())
	})
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  optimization.Optimizer
		opts Options
	}{
		{name: "nil optimizer", opts: DefaultOptions()},
		{name: "no retries", opt: &stubOptimizer{}, opts: Options{NumRetries: 0, EvalsPerRun: 10}},
		{name: "no evaluations", opt: &stubOptimizer{}, opts: Options{NumRetries: 1, EvalsPerRun: 0}},
		{name: "negative workers", opt: &stubOptimizer{}, opts: Options{NumRetries: 1, EvalsPerRun: 1, Workers: -1}},
		{name: "negative capacity", opt: &stubOptimizer{}, opts: Options{NumRetries: 1, EvalsPerRun: 1, Capacity: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt, tt.opts)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
		})
	}
}

func TestRunRejectsInvalidProblem(t *testing.T) {
	opt := &stubOptimizer{}
	c, err := New(opt, Options{NumRetries: 2, EvalsPerRun: 10})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), optimization.Problem{Objective: optimization.Sphere, Dim: 3}, optimization.Cube(2, -1, 1))
	assert.ErrorIs(t, err, optimization.ErrConfiguration)

	_, err = c.Run(context.Background(), sphere(), optimization.Region{Lower: []float64{1}, Upper: []float64{0}})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
	assert.Zero(t, opt.calls.Load(), "nothing is dispatched for a bad configuration")
}

func TestExecuteWaveStarts(t *testing.T) {
	opt := &stubOptimizer{}
	c, err := New(opt, Options{NumRetries: 1, EvalsPerRun: 1, Workers: 1, Seed: 1})
	require.NoError(t, err)

	archive := store.New()
	report := c.ExecuteWave(context.Background(), sphere(), Wave{
		Index:       3,
		Region:      optimization.Cube(2, -1, 1),
		Runs:        2,
		EvalsPerRun: 5,
		Seed:        1,
		Starts:      [][]float64{{5, 0.25}},
	}, archive, optimization.NewBudget(0))

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, uint64(10), report.Evaluations)
	results := archive.Results()
	require.Len(t, results, 2)
	var seeded bool
	for _, r := range results {
		assert.Equal(t, 3, r.Wave)
		if r.Run == 0 {
			seeded = true
			assert.Equal(t, []float64{1, 0.25}, r.Point, "explicit start is clipped into the region")
		}
	}
	assert.True(t, seeded)
}

func TestRunMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRecorder(reg)

	opt := &stubOptimizer{hook: func(req optimization.Request) error {
		if req.Start[0] < 0 {
			return errors.New("no")
		}
		return nil
	}}
	c, err := New(opt, Options{NumRetries: 20, EvalsPerRun: 10, Workers: 2, Seed: 8}, WithMetrics(m), WithName("retry"))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), sphere(), optimization.Cube(2, -1, 1))
	require.NoError(t, err)

	var expected strings.Builder
	expected.WriteString(`# HELP fcretry_runs_total Inner optimizer runs by coordinator and result
# TYPE fcretry_runs_total counter
`)
	if n := len(res.Failures); n > 0 {
		fmt.Fprintf(&expected, "fcretry_runs_total{coordinator=\"retry\",result=\"failure\"} %d\n", n)
	}
	fmt.Fprintf(&expected, "fcretry_runs_total{coordinator=\"retry\",result=\"success\"} %d\n", res.Succeeded)
	expected.WriteString(`# HELP fcretry_evaluations_total Objective evaluations consumed by inner runs
# TYPE fcretry_evaluations_total counter
fcretry_evaluations_total{coordinator="retry"} 200
# HELP fcretry_active_runs Inner optimizer runs currently executing
# TYPE fcretry_active_runs gauge
fcretry_active_runs 0
`)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected.String()),
		"fcretry_runs_total", "fcretry_evaluations_total", "fcretry_active_runs"))
}
