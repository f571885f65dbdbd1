// Package aggregate computes per-patch summaries — the ordered state
// array, the scalar mean, and the smoothed pressure centroid — from the
// current cell state. Every function iterates cells in layout-declared
// order so a given snapshot's floating-point sums are reproducible.
package aggregate

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bhharris/skinsensor/cellstate"
	"github.com/bhharris/skinsensor/layout"
	"github.com/bhharris/skinsensor/profile"
)

// PositionSource supplies a cell's 2-D placement. layout.Layout
// satisfies this directly.
type PositionSource interface {
	Position(patch, cell int) (layout.Position, bool)
}

// PatchState returns avg[p, c] for every cell c of patch, in layout
// order. A cell with no sample yet (AvgValid == false) contributes 0.
func PatchState(state *cellstate.State, patch int) []float64 {
	p := state.Patch(patch)
	if p == nil {
		return nil
	}
	order := state.CellOrder(patch)

	p.Lock()
	defer p.Unlock()

	out := make([]float64, len(order))
	for i, cellID := range order {
		if c := p.Cell(cellID); c != nil && c.AvgValid {
			out[i] = c.Avg
		}
	}
	return out
}

// PatchMean returns the arithmetic mean of avg[p, c] over cells enabled
// for aggregation (c1 != 0 in the profile). It returns 0 if no cell is
// enabled or sampled yet.
func PatchMean(state *cellstate.State, prof *profile.Profile, patch int) float64 {
	p := state.Patch(patch)
	if p == nil {
		return 0
	}
	order := state.CellOrder(patch)

	p.Lock()
	defer p.Unlock()

	values := make([]float64, 0, len(order))
	for _, cellID := range order {
		if prof.Get(patch, cellID).Disabled() {
			continue
		}
		c := p.Cell(cellID)
		if c == nil || !c.AvgValid {
			continue
		}
		values = append(values, c.Avg)
	}
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// PatchPressure recomputes the weighted pressure centroid for patch over
// enabled, sampled cells with non-negative clipped values, smooths it
// against the previous reading with pressureAlpha, stores the result in
// patch state, and returns it. The read-compute-store sequence runs
// under a single patch lock so a concurrent consumer never observes a
// half-updated tuple.
func PatchPressure(state *cellstate.State, prof *profile.Profile, pos PositionSource, patch int, pressureAlpha float64) cellstate.Pressure {
	p := state.Patch(patch)
	if p == nil {
		return cellstate.Pressure{}
	}
	order := state.CellOrder(patch)

	p.Lock()
	defer p.Unlock()

	var weights, xs, ys []float64
	for _, cellID := range order {
		if prof.Get(patch, cellID).Disabled() {
			continue
		}
		c := p.Cell(cellID)
		if c == nil || !c.AvgValid {
			continue
		}
		position, ok := pos.Position(patch, cellID)
		if !ok {
			continue
		}
		weights = append(weights, math.Max(0, c.Avg))
		xs = append(xs, position.X)
		ys = append(ys, position.Y)
	}

	magnitude := floats.Sum(weights)
	var x, y float64
	if magnitude > 0 {
		x = floats.Dot(weights, xs) / magnitude
		y = floats.Dot(weights, ys) / magnitude
	}

	raw := cellstate.Pressure{Magnitude: magnitude, X: x, Y: y, Valid: true}
	prev := p.PressureLocked()
	smoothed := smoothPressure(prev, raw, pressureAlpha)
	p.SetPressure(smoothed)
	return smoothed
}

func smoothPressure(prev, next cellstate.Pressure, alpha float64) cellstate.Pressure {
	if !prev.Valid {
		next.Valid = true
		return next
	}
	return cellstate.Pressure{
		Magnitude: alpha*next.Magnitude + (1-alpha)*prev.Magnitude,
		X:         alpha*next.X + (1-alpha)*prev.X,
		Y:         alpha*next.Y + (1-alpha)*prev.Y,
		Valid:     true,
	}
}
