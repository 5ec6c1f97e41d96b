// Package store implements the ranked archive of run results shared by
// the retry coordinators.
package store

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

// DefaultCapacity is the archive size used by the advanced coordinator.
const DefaultCapacity = 500

// Store is a concurrency-safe archive of run results ordered by ascending
// value. Equal values are ordered most recent wave first, then latest
// insertion first. When over capacity the worst entry is dropped, so the
// best entry is never evicted.
type Store struct {
	mu         sync.RWMutex
	capacity   int
	valueLimit float64
	entries    []entry
	seq        uint64

	inserted    uint64
	rejected    uint64
	evicted     uint64
	evaluations uint64
}

type entry struct {
	result optimization.RunResult
	seq    uint64
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the number of retained results. Zero or negative
// means unbounded.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithValueLimit rejects results whose value exceeds limit.
func WithValueLimit(limit float64) Option {
	return func(s *Store) {
		if !math.IsNaN(limit) {
			s.valueLimit = limit
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{valueLimit: math.Inf(1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the configured capacity, zero when unbounded.
func (s *Store) Capacity() int {
	return s.capacity
}

// less orders a before b.
func less(a, b entry) bool {
	if a.result.Value != b.result.Value {
		return a.result.Value < b.result.Value
	}
	if a.result.Wave != b.result.Wave {
		return a.result.Wave > b.result.Wave
	}
	return a.seq > b.seq
}

// Insert adds a copy of r to the archive. It returns false if the result
// was rejected (invalid value, above the value limit) or immediately
// evicted because the archive is full of better results. Evaluations are
// counted for every valid result, retained or not.
func (s *Store) Insert(r optimization.RunResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !r.Valid() {
		s.rejected++
		return false
	}
	s.evaluations += r.Evaluations
	if r.Value > s.valueLimit {
		s.rejected++
		return false
	}

	s.seq++
	e := entry{result: r.Clone(), seq: s.seq}
	i := sort.Search(len(s.entries), func(i int) bool { return less(e, s.entries[i]) })
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.inserted++

	if s.capacity > 0 && len(s.entries) > s.capacity {
		dropped := len(s.entries) - s.capacity
		s.entries = s.entries[:s.capacity]
		s.evicted += uint64(dropped)
		return i < s.capacity
	}
	return true
}

// Best returns the minimal-value entry.
func (s *Store) Best() (optimization.RunResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return optimization.RunResult{}, false
	}
	return s.entries[0].result.Clone(), true
}

// TopK returns up to k best entries in archive order.
func (s *Store) TopK(k int) []optimization.RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k = min(max(k, 0), len(s.entries))
	out := make([]optimization.RunResult, k)
	for i := 0; i < k; i++ {
		out[i] = s.entries[i].result.Clone()
	}
	return out
}

// Results returns every retained entry in archive order.
func (s *Store) Results() []optimization.RunResult {
	return s.TopK(s.Size())
}

// Size returns the number of retained entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Values returns the retained values in ascending order.
func (s *Store) Values() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vals := make([]float64, len(s.entries))
	for i, e := range s.entries {
		vals[i] = e.result.Value
	}
	return vals
}

// Evaluations returns the evaluations of every valid result offered to the
// store.
func (s *Store) Evaluations() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluations
}

// Stats is a snapshot of archive statistics.
type Stats struct {
	Size        int     `json:"size"`
	Inserted    uint64  `json:"inserted"`
	Rejected    uint64  `json:"rejected"`
	Evicted     uint64  `json:"evicted"`
	Evaluations uint64  `json:"evaluations"`
	Best        float64 `json:"best"`
	Worst       float64 `json:"worst"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
}

// Stats returns counters and the distribution of retained values. Value
// fields are NaN for an empty archive; StdDev is NaN for a single entry.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	vals := make([]float64, len(s.entries))
	for i, e := range s.entries {
		vals[i] = e.result.Value
	}
	st := Stats{
		Size:        len(vals),
		Inserted:    s.inserted,
		Rejected:    s.rejected,
		Evicted:     s.evicted,
		Evaluations: s.evaluations,
	}
	s.mu.RUnlock()

	if len(vals) == 0 {
		st.Best, st.Worst, st.Mean, st.StdDev = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		return st
	}
	st.Best, st.Worst = vals[0], vals[len(vals)-1]
	if len(vals) == 1 {
		st.Mean, st.StdDev = vals[0], math.NaN()
		return st
	}
	st.Mean, st.StdDev = stat.MeanStdDev(vals, nil)
	return st
}
