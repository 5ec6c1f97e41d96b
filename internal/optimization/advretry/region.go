package advretry

import (
	"math"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

// ShrinkRegion returns the box covering points, scaled by 1+margin around
// its centre, with every width floored at minWidthFraction of the initial
// width. The result is always a subset of current.
func ShrinkRegion(current, initial optimization.Region, points [][]float64, margin, minWidthFraction float64) optimization.Region {
	box, err := optimization.BoundingRegion(points)
	if err != nil || box.Dim() != current.Dim() {
		return current.Clone()
	}
	out := box.Scale(1 + margin).Intersect(current)

	iw := initial.Widths()
	for i := range out.Lower {
		floor := minWidthFraction * iw[i]
		if out.Upper[i]-out.Lower[i] >= floor {
			continue
		}
		if current.Upper[i]-current.Lower[i] <= floor {
			out.Lower[i], out.Upper[i] = current.Lower[i], current.Upper[i]
			continue
		}
		mid := out.Lower[i] + 0.5*(out.Upper[i]-out.Lower[i])
		lo := math.Max(current.Lower[i], mid-0.5*floor)
		hi := math.Min(current.Upper[i], lo+floor)
		lo = math.Max(current.Lower[i], hi-floor)
		out.Lower[i], out.Upper[i] = lo, hi
	}
	return out
}

// WidenRegion scales current by factor around its centre and clips the
// result to initial. Degenerate widths grow to at least minWidthFraction
// of the initial width. The result is always a superset of current when
// current lies inside initial.
func WidenRegion(current, initial optimization.Region, factor, minWidthFraction float64) optimization.Region {
	out := current.Scale(factor)
	iw := initial.Widths()
	for i := range out.Lower {
		floor := minWidthFraction * iw[i]
		if out.Upper[i]-out.Lower[i] < floor {
			mid := current.Lower[i] + 0.5*(current.Upper[i]-current.Lower[i])
			out.Lower[i], out.Upper[i] = mid-0.5*floor, mid+0.5*floor
		}
	}
	out = out.Intersect(initial)
	for i := range out.Lower {
		out.Lower[i] = math.Min(out.Lower[i], current.Lower[i])
		out.Upper[i] = math.Max(out.Upper[i], current.Upper[i])
	}
	return out
}
