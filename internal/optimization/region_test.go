package optimization

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionValidate(t *testing.T) {
	tests := []struct {
		name    string
		region  Region
		wantErr bool
	}{
		{name: "valid", region: Cube(3, -1, 1)},
		{name: "degenerate dimension", region: Region{Lower: []float64{1, 0}, Upper: []float64{1, 2}}},
		{name: "empty", region: Region{}, wantErr: true},
		{name: "length mismatch", region: Region{Lower: []float64{0, 0}, Upper: []float64{1}}, wantErr: true},
		{name: "inverted", region: Region{Lower: []float64{2}, Upper: []float64{1}}, wantErr: true},
		{name: "infinite", region: Region{Lower: []float64{math.Inf(-1)}, Upper: []float64{1}}, wantErr: true},
		{name: "nan", region: Region{Lower: []float64{0}, Upper: []float64{math.NaN()}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.region.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegionFromBounds(t *testing.T) {
	r, err := RegionFromBounds([][2]float64{{-5, 5}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []float64{-5, 0}, r.Lower)
	assert.Equal(t, []float64{5, 1}, r.Upper)
	assert.Equal(t, 2, r.Dim())
	assert.InDelta(t, 10.0, r.Volume(), 1e-12)
	assert.Equal(t, []float64{0, 0.5}, r.Center())

	_, err = RegionFromBounds([][2]float64{{1, -1}})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRegionUnitMapping(t *testing.T) {
	r := Region{Lower: []float64{-2, 10, 3}, Upper: []float64{6, 20, 3}}
	x := []float64{2, 12.5, 3}

	u := r.ToUnit(x)
	assert.InDeltaSlice(t, []float64{0.5, 0.25, 0.5}, u, 1e-12)
	assert.InDeltaSlice(t, x, r.FromUnit(u), 1e-12)
}

func TestRegionClipAndContains(t *testing.T) {
	r := Cube(2, -1, 1)

	assert.True(t, r.Contains([]float64{0, 1}))
	assert.False(t, r.Contains([]float64{0, 1.01}))
	assert.False(t, r.Contains([]float64{0}))
	assert.Equal(t, []float64{-1, 0.5}, r.Clip([]float64{-3, 0.5}))
}

func TestRegionSampleStaysInside(t *testing.T) {
	r := Region{Lower: []float64{-5, 0, 2}, Upper: []float64{5, 0.001, 2}}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, s := range []Sampling{SamplingUniform, SamplingGaussian} {
		t.Run(s.String(), func(t *testing.T) {
			for i := 0; i < 1000; i++ {
				require.True(t, r.Contains(r.Sample(rng, s)))
			}
		})
	}
}

func TestRegionSampleDeterministic(t *testing.T) {
	r := Cube(4, -3, 3)
	a := r.Sample(rand.New(rand.NewPCG(7, 0)), SamplingUniform)
	b := r.Sample(rand.New(rand.NewPCG(7, 0)), SamplingUniform)
	assert.Equal(t, a, b)
}

func TestRegionScaleAndIntersect(t *testing.T) {
	r := Region{Lower: []float64{0, -1}, Upper: []float64{2, 1}}

	wide := r.Scale(2)
	assert.InDeltaSlice(t, []float64{-1, -2}, wide.Lower, 1e-12)
	assert.InDeltaSlice(t, []float64{3, 2}, wide.Upper, 1e-12)
	assert.True(t, wide.ContainsRegion(r))

	narrow := r.Scale(0.5)
	assert.True(t, r.ContainsRegion(narrow))

	clipped := wide.Intersect(Cube(2, 0, 10))
	assert.Equal(t, []float64{0, 0}, clipped.Lower)
	assert.Equal(t, []float64{3, 2}, clipped.Upper)

	// No overlap in the first dimension collapses onto the nearest bound.
	apart := Region{Lower: []float64{20, 0}, Upper: []float64{30, 1}}.Intersect(Cube(2, 0, 10))
	assert.Equal(t, 10.0, apart.Lower[0])
	assert.Equal(t, 10.0, apart.Upper[0])
	assert.NoError(t, apart.Validate())
}

func TestBoundingRegion(t *testing.T) {
	r, err := BoundingRegion([][]float64{{1, 5}, {-1, 2}, {0, 3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 2}, r.Lower)
	assert.Equal(t, []float64{1, 5}, r.Upper)

	_, err = BoundingRegion(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = BoundingRegion([][]float64{{1, 2}, {1}})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParseSampling(t *testing.T) {
	tests := []struct {
		in      string
		want    Sampling
		wantErr bool
	}{
		{in: "", want: SamplingUniform},
		{in: "uniform", want: SamplingUniform},
		{in: "Gaussian", want: SamplingGaussian},
		{in: "normal", want: SamplingGaussian},
		{in: "sobol", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSampling(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProblemValidate(t *testing.T) {
	region := Cube(2, -1, 1)

	assert.NoError(t, Problem{Objective: Sphere}.Validate(region))
	assert.NoError(t, Problem{Objective: Sphere, Dim: 2}.Validate(region))
	assert.ErrorIs(t, Problem{Objective: Sphere, Dim: 3}.Validate(region), ErrConfiguration)
	assert.ErrorIs(t, Problem{}.Validate(region), ErrConfiguration)
	assert.ErrorIs(t, Problem{Objective: Sphere}.Validate(Region{}), ErrConfiguration)
}

func TestRunResultCloneAndValid(t *testing.T) {
	r := RunResult{Point: []float64{1, 2}, Value: 3, Region: Cube(2, 0, 5)}
	c := r.Clone()
	c.Point[0] = 100
	c.Region.Lower[0] = -100
	assert.Equal(t, 1.0, r.Point[0])
	assert.Equal(t, 0.0, r.Region.Lower[0])

	assert.True(t, r.Valid())
	assert.False(t, (&RunResult{Point: []float64{1}, Value: math.NaN()}).Valid())
	assert.False(t, (&RunResult{Point: []float64{1}, Value: math.Inf(1)}).Valid())
	assert.False(t, (&RunResult{Value: 1}).Valid())

	var nilResult *RunResult
	assert.False(t, nilResult.Valid())
}
