package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectiveMinima(t *testing.T) {
	tests := []struct {
		name string
		at   []float64
		want float64
	}{
		{name: "sphere", at: []float64{0, 0, 0}, want: 0},
		{name: "rastrigin", at: []float64{0, 0}, want: 0},
		{name: "rosenbrock", at: []float64{1, 1, 1}, want: 0},
		{name: "ackley", at: []float64{0, 0}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := LookupObjective(tt.name)
			require.NoError(t, err)
			got, err := fn(tt.at)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestTwoBasinDeepBasinWins(t *testing.T) {
	deep, err := TwoBasin([]float64{2.5, 2.5})
	require.NoError(t, err)
	shallow, err := TwoBasin([]float64{-2.5, -2.5})
	require.NoError(t, err)

	assert.Less(t, deep, shallow)
	assert.InDelta(t, -2.0, deep, 0.05)
	assert.InDelta(t, -1.0, shallow, 0.05)
}

func TestLookupObjective(t *testing.T) {
	_, err := LookupObjective("SPHERE")
	assert.NoError(t, err)

	_, err = LookupObjective("nope")
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, []string{"ackley", "rastrigin", "rosenbrock", "sphere", "twobasin"}, ObjectiveNames())
}
