package optimization

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Region is an axis-aligned search box. Lower[i] <= Upper[i] for every
// dimension. A Region handed to a run is never modified; derived regions
// are always new values.
type Region struct {
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// NewRegion copies the bounds and validates them.
func NewRegion(lower, upper []float64) (Region, error) {
	r := Region{
		Lower: append([]float64(nil), lower...),
		Upper: append([]float64(nil), upper...),
	}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// RegionFromBounds converts [min, max] pairs into a Region.
func RegionFromBounds(bounds [][2]float64) (Region, error) {
	lower := make([]float64, len(bounds))
	upper := make([]float64, len(bounds))
	for i, b := range bounds {
		lower[i], upper[i] = b[0], b[1]
	}
	return NewRegion(lower, upper)
}

// Cube returns the region [lo, hi]^dim.
func Cube(dim int, lo, hi float64) Region {
	r := Region{Lower: make([]float64, dim), Upper: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		r.Lower[i], r.Upper[i] = lo, hi
	}
	return r
}

// Validate checks the region invariants.
func (r Region) Validate() error {
	const op = "Region.Validate"

	if len(r.Lower) == 0 {
		return NewConfigError(op, "region must have at least one dimension")
	}
	if len(r.Lower) != len(r.Upper) {
		return NewConfigError(op, "bounds length mismatch: %d lower, %d upper", len(r.Lower), len(r.Upper))
	}
	for i := range r.Lower {
		lo, hi := r.Lower[i], r.Upper[i]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return NewConfigError(op, "bounds of dimension %d must be finite", i)
		}
		if lo > hi {
			return NewConfigError(op, "lower bound %v exceeds upper bound %v in dimension %d", lo, hi, i)
		}
	}
	return nil
}

// Dim returns the dimensionality of the region.
func (r Region) Dim() int {
	return len(r.Lower)
}

// Clone returns a deep copy.
func (r Region) Clone() Region {
	return Region{
		Lower: append([]float64(nil), r.Lower...),
		Upper: append([]float64(nil), r.Upper...),
	}
}

// Center returns the midpoint of the region.
func (r Region) Center() []float64 {
	c := make([]float64, r.Dim())
	for i := range c {
		c[i] = r.Lower[i] + 0.5*(r.Upper[i]-r.Lower[i])
	}
	return c
}

// Widths returns Upper - Lower per dimension.
func (r Region) Widths() []float64 {
	w := make([]float64, r.Dim())
	floats.SubTo(w, r.Upper, r.Lower)
	return w
}

// Volume returns the product of the widths.
func (r Region) Volume() float64 {
	if r.Dim() == 0 {
		return 0
	}
	return floats.Prod(r.Widths())
}

// Contains reports whether x lies inside the region.
func (r Region) Contains(x []float64) bool {
	if len(x) != r.Dim() {
		return false
	}
	for i, v := range x {
		if v < r.Lower[i] || v > r.Upper[i] {
			return false
		}
	}
	return true
}

// ContainsRegion reports whether o lies entirely inside r.
func (r Region) ContainsRegion(o Region) bool {
	if o.Dim() != r.Dim() {
		return false
	}
	for i := range r.Lower {
		if o.Lower[i] < r.Lower[i] || o.Upper[i] > r.Upper[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both regions have identical bounds.
func (r Region) Equal(o Region) bool {
	return r.Dim() == o.Dim() && floats.Equal(r.Lower, o.Lower) && floats.Equal(r.Upper, o.Upper)
}

// Clip returns a copy of x projected into the region.
func (r Region) Clip(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Max(r.Lower[i], math.Min(v, r.Upper[i]))
	}
	return out
}

// ToUnit maps x from the region into the unit cube. Degenerate dimensions
// map to 0.5.
func (r Region) ToUnit(x []float64) []float64 {
	u := make([]float64, len(x))
	for i, v := range x {
		w := r.Upper[i] - r.Lower[i]
		if w == 0 {
			u[i] = 0.5
			continue
		}
		u[i] = (v - r.Lower[i]) / w
	}
	return u
}

// FromUnit maps u from the unit cube into the region without clipping.
func (r Region) FromUnit(u []float64) []float64 {
	x := make([]float64, len(u))
	for i, v := range u {
		x[i] = r.Lower[i] + v*(r.Upper[i]-r.Lower[i])
	}
	return x
}

// Sample draws a point from the region using the given strategy.
func (r Region) Sample(rng *rand.Rand, s Sampling) []float64 {
	x := make([]float64, r.Dim())
	switch s {
	case SamplingGaussian:
		// Three standard deviations reach the bounds; the tails are clipped.
		for i := range x {
			w := r.Upper[i] - r.Lower[i]
			n := distuv.Normal{Mu: r.Lower[i] + 0.5*w, Sigma: w / 6, Src: rng}
			x[i] = math.Max(r.Lower[i], math.Min(n.Rand(), r.Upper[i]))
		}
	default:
		for i := range x {
			x[i] = r.Lower[i] + rng.Float64()*(r.Upper[i]-r.Lower[i])
		}
	}
	return x
}

// Scale returns the region scaled by factor around its centre.
func (r Region) Scale(factor float64) Region {
	out := Region{Lower: make([]float64, r.Dim()), Upper: make([]float64, r.Dim())}
	for i := range r.Lower {
		mid := r.Lower[i] + 0.5*(r.Upper[i]-r.Lower[i])
		half := 0.5 * (r.Upper[i] - r.Lower[i]) * factor
		out.Lower[i], out.Upper[i] = mid-half, mid+half
	}
	return out
}

// Intersect returns the part of r inside o. A dimension where the two do
// not overlap collapses onto the nearest point of o.
func (r Region) Intersect(o Region) Region {
	out := Region{Lower: make([]float64, r.Dim()), Upper: make([]float64, r.Dim())}
	for i := range r.Lower {
		lo := math.Max(r.Lower[i], o.Lower[i])
		hi := math.Min(r.Upper[i], o.Upper[i])
		if lo > hi {
			p := math.Max(o.Lower[i], math.Min(r.Lower[i], o.Upper[i]))
			lo, hi = p, p
		}
		out.Lower[i], out.Upper[i] = lo, hi
	}
	return out
}

// BoundingRegion returns the smallest region covering all points.
func BoundingRegion(points [][]float64) (Region, error) {
	const op = "BoundingRegion"

	if len(points) == 0 {
		return Region{}, NewConfigError(op, "no points")
	}
	dim := len(points[0])
	r := Region{
		Lower: append([]float64(nil), points[0]...),
		Upper: append([]float64(nil), points[0]...),
	}
	for _, p := range points[1:] {
		if len(p) != dim {
			return Region{}, NewConfigError(op, "point dimension %d, expected %d", len(p), dim)
		}
		for i, v := range p {
			r.Lower[i] = math.Min(r.Lower[i], v)
			r.Upper[i] = math.Max(r.Upper[i], v)
		}
	}
	return r, r.Validate()
}

// String formats the region as [lo, hi] pairs.
func (r Region) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i := range r.Lower {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%g, %g]", r.Lower[i], r.Upper[i])
	}
	b.WriteByte('}')
	return b.String()
}

// Sampling selects how start points are drawn from a region.
type Sampling int

const (
	// SamplingUniform draws uniformly inside the region.
	SamplingUniform Sampling = iota
	// SamplingGaussian draws around the centre with sigma = width/6,
	// clipped to the region.
	SamplingGaussian
)

// String returns the sampling name.
func (s Sampling) String() string {
	if s == SamplingGaussian {
		return "gaussian"
	}
	return "uniform"
}

// ParseSampling converts a configuration string into a Sampling.
func ParseSampling(s string) (Sampling, error) {
	switch strings.ToLower(s) {
	case "", "uniform":
		return SamplingUniform, nil
	case "gaussian", "normal":
		return SamplingGaussian, nil
	default:
		return SamplingUniform, NewConfigError("ParseSampling", "unknown sampling %q", s)
	}
}
