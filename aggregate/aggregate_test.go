package aggregate

import (
	"strings"
	"testing"

	"github.com/bhharris/skinsensor/cellstate"
	"github.com/bhharris/skinsensor/internal/wire"
	"github.com/bhharris/skinsensor/layout"
	"github.com/bhharris/skinsensor/pipeline"
	"github.com/bhharris/skinsensor/profile"
)

type fakeAlpha float64

func (f fakeAlpha) Alpha() float64 { return float64(f) }

type noCapture struct{}

func (noCapture) Capturing() bool { return false }

func fixture(t *testing.T) (*layout.Layout, *cellstate.State, *profile.Profile) {
	t.Helper()
	src := "1 0 0 0\n1 1 1 0\n1 2 0 1\n1 3 1 1\n"
	l, err := layout.Load(strings.NewReader(src))
	if err != nil {
		t.Fatalf("layout.Load: %v", err)
	}
	state := cellstate.New(l, 0)
	prof := profile.New(l.Has)
	return l, state, prof
}

func TestPatchStateOrderedByLayout(t *testing.T) {
	_, state, prof := fixture(t)
	pipeline.Update(wire.Record{Patch: 1, Cell: 0, Raw: 10}, state, prof, noCapture{}, fakeAlpha(1), nil)
	pipeline.Update(wire.Record{Patch: 1, Cell: 2, Raw: 30}, state, prof, noCapture{}, fakeAlpha(1), nil)

	got := PatchState(state, 1)
	want := []float64{10, 0, 30, 0}
	if len(got) != len(want) {
		t.Fatalf("PatchState = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("PatchState = %v, want %v", got, want)
		}
	}
}

func TestPatchMeanExcludesDisabledCells(t *testing.T) {
	_, state, prof := fixture(t)
	prof.SetC1(1, 3, 0) // disable cell 3
	pipeline.Update(wire.Record{Patch: 1, Cell: 0, Raw: 10}, state, prof, noCapture{}, fakeAlpha(1), nil)
	pipeline.Update(wire.Record{Patch: 1, Cell: 1, Raw: 20}, state, prof, noCapture{}, fakeAlpha(1), nil)
	pipeline.Update(wire.Record{Patch: 1, Cell: 3, Raw: 999}, state, prof, noCapture{}, fakeAlpha(1), nil)

	if got := PatchMean(state, prof, 1); got != 15 {
		t.Fatalf("PatchMean = %v, want 15", got)
	}
}

func TestPatchMeanZeroWhenNoSamples(t *testing.T) {
	_, state, prof := fixture(t)
	if got := PatchMean(state, prof, 1); got != 0 {
		t.Fatalf("PatchMean = %v, want 0", got)
	}
}

func TestPatchPressureCentroidAndClipping(t *testing.T) {
	l, state, prof := fixture(t)
	// Cells at (0,0),(1,0),(0,1),(1,1); put all weight on (1,1)=cell3,
	// and a negative avg (clipped to 0) on cell 0.
	pipeline.Update(wire.Record{Patch: 1, Cell: 0, Raw: -50}, state, prof, noCapture{}, fakeAlpha(1), nil)
	pipeline.Update(wire.Record{Patch: 1, Cell: 3, Raw: 10}, state, prof, noCapture{}, fakeAlpha(1), nil)

	got := PatchPressure(state, prof, l, 1, 1.0)
	if !got.Valid {
		t.Fatal("expected Valid pressure")
	}
	if got.Magnitude != 10 {
		t.Fatalf("Magnitude = %v, want 10 (negative cell clipped out)", got.Magnitude)
	}
	if got.X != 1 || got.Y != 1 {
		t.Fatalf("centroid = (%v,%v), want (1,1)", got.X, got.Y)
	}
}

func TestPatchPressureSmoothingAcrossCalls(t *testing.T) {
	l, state, prof := fixture(t)
	pipeline.Update(wire.Record{Patch: 1, Cell: 3, Raw: 10}, state, prof, noCapture{}, fakeAlpha(1), nil)
	first := PatchPressure(state, prof, l, 1, 0.5)
	if first.Magnitude != 10 {
		t.Fatalf("first magnitude = %v, want 10 (first reading is not smoothed against nothing)", first.Magnitude)
	}

	pipeline.Update(wire.Record{Patch: 1, Cell: 3, Raw: 30}, state, prof, noCapture{}, fakeAlpha(1), nil)
	second := PatchPressure(state, prof, l, 1, 0.5)
	want := 0.5*30 + 0.5*10
	if second.Magnitude != want {
		t.Fatalf("second magnitude = %v, want %v", second.Magnitude, want)
	}
}

func TestPatchPressureZeroWhenNoEnabledSamples(t *testing.T) {
	_, state, prof := fixture(t)
	l, _ := layout.Load(strings.NewReader("1 0 0 0\n"))
	got := PatchPressure(state, prof, l, 1, 1.0)
	if got.Magnitude != 0 || got.X != 0 || got.Y != 0 {
		t.Fatalf("got = %+v, want all zero", got)
	}
}

func TestPatchStateUnknownPatchReturnsNil(t *testing.T) {
	_, state, _ := fixture(t)
	if got := PatchState(state, 99); got != nil {
		t.Fatalf("PatchState(99) = %v, want nil", got)
	}
}
