package server

import (
	"time"

	"github.com/copyleftdev/fcretry/internal/optimization"
	"github.com/copyleftdev/fcretry/internal/optimization/advretry"
	"github.com/copyleftdev/fcretry/internal/optimization/store"
)

// Non-finite floats are reported as null.

type resultView struct {
	Parameters  []float64 `json:"parameters"`
	Value       *float64  `json:"value"`
	Evaluations uint64    `json:"evaluations"`
	Wave        int       `json:"wave"`
	Run         int       `json:"run"`
	Seed        uint64    `json:"seed"`
}

type statsView struct {
	Size        int      `json:"size"`
	Inserted    uint64   `json:"inserted"`
	Rejected    uint64   `json:"rejected"`
	Evicted     uint64   `json:"evicted"`
	Evaluations uint64   `json:"evaluations"`
	Best        *float64 `json:"best"`
	Worst       *float64 `json:"worst"`
	Mean        *float64 `json:"mean"`
	StdDev      *float64 `json:"std_dev"`
}

type waveView struct {
	Index       int          `json:"index"`
	Runs        int          `json:"runs"`
	EvalsPerRun int          `json:"evals_per_run"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Evaluations uint64       `json:"evaluations"`
	Best        *float64     `json:"best"`
	Improvement *float64     `json:"improvement"`
	Action      string       `json:"action"`
	Region      [][2]float64 `json:"region"`
	Volume      *float64     `json:"volume"`
}

type statusResponse struct {
	ID          string      `json:"optimization_id"`
	Mode        string      `json:"mode"`
	Objective   string      `json:"objective"`
	Optimizer   string      `json:"optimizer"`
	Status      string      `json:"status"`
	Progress    float64     `json:"progress"`
	StartTime   string      `json:"start_time"`
	EndTime     string      `json:"end_time,omitempty"`
	LastUpdate  string      `json:"last_update"`
	Best        *resultView `json:"best_solution,omitempty"`
	Stats       *statsView  `json:"stats,omitempty"`
	Waves       []waveView  `json:"waves,omitempty"`
	Termination string      `json:"termination,omitempty"`
	Evaluations uint64      `json:"evaluations"`
	Error       string      `json:"error,omitempty"`
}

// newStatusResponse snapshots state. The caller holds the server lock.
func newStatusResponse(state *OptimizationState) *statusResponse {
	resp := &statusResponse{
		ID:          state.ID,
		Mode:        state.Mode,
		Objective:   state.Objective,
		Optimizer:   state.Optimizer,
		Status:      state.Status,
		StartTime:   state.StartTime.Format(time.RFC3339),
		LastUpdate:  state.LastUpdated.Format(time.RFC3339),
		Termination: state.Termination,
		Evaluations: state.Evaluations,
		Error:       state.Error,
	}
	if state.EndTime != nil {
		resp.EndTime = state.EndTime.Format(time.RFC3339)
	}
	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		resp.Progress = 1
	}
	if state.Best != nil {
		resp.Best = newResultView(*state.Best)
	}
	if state.Stats != nil {
		resp.Stats = newStatsView(*state.Stats)
	}
	for _, w := range state.Waves {
		resp.Waves = append(resp.Waves, newWaveView(w))
	}
	return resp
}

func newResultView(r optimization.RunResult) *resultView {
	return &resultView{
		Parameters:  append([]float64(nil), r.Point...),
		Value:       finite(r.Value),
		Evaluations: r.Evaluations,
		Wave:        r.Wave,
		Run:         r.Run,
		Seed:        r.Seed,
	}
}

func newStatsView(st store.Stats) *statsView {
	return &statsView{
		Size:        st.Size,
		Inserted:    st.Inserted,
		Rejected:    st.Rejected,
		Evicted:     st.Evicted,
		Evaluations: st.Evaluations,
		Best:        finite(st.Best),
		Worst:       finite(st.Worst),
		Mean:        finite(st.Mean),
		StdDev:      finite(st.StdDev),
	}
}

func newWaveView(w advretry.WaveSummary) waveView {
	v := waveView{
		Index:       w.Index,
		Runs:        w.Runs,
		EvalsPerRun: w.EvalsPerRun,
		Succeeded:   w.Succeeded,
		Failed:      w.Failed,
		Evaluations: w.Evaluations,
		Improvement: finite(w.Improvement),
		Action:      string(w.Action),
		Region:      make([][2]float64, w.Region.Dim()),
		Volume:      finite(w.Region.Volume()),
	}
	if w.Best != nil {
		v.Best = finite(w.Best.Value)
	}
	for i := range v.Region {
		v.Region[i] = [2]float64{w.Region.Lower[i], w.Region.Upper[i]}
	}
	return v
}
