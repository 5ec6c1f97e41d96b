package advretry

import (
	"runtime"

	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

// Options configures the advanced coordinator. Zero numeric fields other
// than Tolerance, TotalEvaluations, MaxWaves, ValueLimit and Seed are
// replaced by the values of DefaultOptions.
type Options struct {
	// TotalEvaluations caps objective calls across all waves. Zero means
	// unbounded, which requires MaxWaves.
	TotalEvaluations uint64

	// RetriesPerWave is the number of inner runs per wave.
	RetriesPerWave int

	// Tolerance is the best-value improvement a wave must exceed to count
	// as progress.
	Tolerance float64

	// MaxWaves caps the number of waves. Zero means no cap, which requires
	// TotalEvaluations.
	MaxWaves int

	// Workers bounds concurrent runs.
	Workers int

	// StableWaves is the number of consecutive waves without progress
	// after which the run is considered converged.
	StableWaves int

	// TopK is the number of archive entries the shrunk region must cover.
	TopK int

	// Margin inflates the top-K bounding box by a factor of 1+Margin.
	Margin float64

	// WidenFactor scales the region on stagnation.
	WidenFactor float64

	// MinWidthFraction floors every region width at this fraction of the
	// initial width.
	MinWidthFraction float64

	// MaxFailedWaves is the number of consecutive waves without a single
	// successful run tolerated before the run fails with ErrStagnation.
	MaxFailedWaves int

	// MinEvalsPerRun and MaxEvalsPerRun bound the evaluations given to
	// each run. With an unbounded budget runs start at MinEvalsPerRun and
	// double every wave.
	MinEvalsPerRun int
	MaxEvalsPerRun int

	// SeedBest starts the first run of every wave from the archive best.
	SeedBest bool

	// Capacity bounds the archive.
	Capacity int

	// ValueLimit rejects results above it. Zero means no limit.
	ValueLimit float64

	// Seed drives every wave's start points. Zero means time-based.
	Seed uint64

	// Sampling selects how start points are drawn.
	Sampling optimization.Sampling
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		RetriesPerWave:   16,
		Tolerance:        1e-9,
		MaxWaves:         20,
		Workers:          runtime.NumCPU(),
		StableWaves:      3,
		TopK:             5,
		Margin:           0.5,
		WidenFactor:      2,
		MinWidthFraction: 1e-3,
		MaxFailedWaves:   3,
		MinEvalsPerRun:   100,
		MaxEvalsPerRun:   50000,
		SeedBest:         true,
		Capacity:         store.DefaultCapacity,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RetriesPerWave == 0 {
		o.RetriesPerWave = d.RetriesPerWave
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	if o.StableWaves == 0 {
		o.StableWaves = d.StableWaves
	}
	if o.TopK == 0 {
		o.TopK = d.TopK
	}
	if o.Margin == 0 {
		o.Margin = d.Margin
	}
	if o.WidenFactor == 0 {
		o.WidenFactor = d.WidenFactor
	}
	if o.MinWidthFraction == 0 {
		o.MinWidthFraction = d.MinWidthFraction
	}
	if o.MaxFailedWaves == 0 {
		o.MaxFailedWaves = d.MaxFailedWaves
	}
	if o.MinEvalsPerRun == 0 {
		o.MinEvalsPerRun = d.MinEvalsPerRun
	}
	if o.MaxEvalsPerRun == 0 {
		o.MaxEvalsPerRun = max(d.MaxEvalsPerRun, o.MinEvalsPerRun)
	}
	if o.Capacity == 0 {
		o.Capacity = d.Capacity
	}
	return o
}

func (o Options) validate() error {
	const op = "Options.validate"

	switch {
	case o.TotalEvaluations == 0 && o.MaxWaves == 0:
		return optimization.NewConfigError(op, "either total evaluations or max waves must be set")
	case o.RetriesPerWave < 1:
		return optimization.NewConfigError(op, "retries per wave must be at least 1, got %d", o.RetriesPerWave)
	case o.MaxWaves < 0:
		return optimization.NewConfigError(op, "max waves must not be negative, got %d", o.MaxWaves)
	case o.Tolerance < 0:
		return optimization.NewConfigError(op, "tolerance must not be negative, got %v", o.Tolerance)
	case o.Workers < 1:
		return optimization.NewConfigError(op, "workers must be at least 1, got %d", o.Workers)
	case o.StableWaves < 1:
		return optimization.NewConfigError(op, "stable waves must be at least 1, got %d", o.StableWaves)
	case o.TopK < 1:
		return optimization.NewConfigError(op, "top-k must be at least 1, got %d", o.TopK)
	case o.Margin < 0:
		return optimization.NewConfigError(op, "margin must not be negative, got %v", o.Margin)
	case o.WidenFactor < 1:
		return optimization.NewConfigError(op, "widen factor must be at least 1, got %v", o.WidenFactor)
	case o.MinWidthFraction < 0 || o.MinWidthFraction > 1:
		return optimization.NewConfigError(op, "min width fraction must be in [0, 1], got %v", o.MinWidthFraction)
	case o.MaxFailedWaves < 0:
		return optimization.NewConfigError(op, "max failed waves must not be negative, got %d", o.MaxFailedWaves)
	case o.MinEvalsPerRun < 1 || o.MaxEvalsPerRun < o.MinEvalsPerRun:
		return optimization.NewConfigError(op, "invalid evaluations per run range [%d, %d]", o.MinEvalsPerRun, o.MaxEvalsPerRun)
	case o.Capacity < 0:
		return optimization.NewConfigError(op, "capacity must not be negative, got %d", o.Capacity)
	}
	return nil
}
