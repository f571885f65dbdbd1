// Package cellstate holds the mutable runtime state of every cell and
// patch in a skin sensor: latest raw samples, smoothed calibrated
// averages, baseline-capture accumulators, and a fixed-capacity history
// ring. State is partitioned one mutex per patch so the ingest thread
// writing patch 2 never blocks a consumer reading patch 1.
package cellstate

import (
	"sort"
	"sync"
)

// Cell is the mutable state of a single tactile element.
type Cell struct {
	RawLatest int64
	Avg       float64
	AvgValid  bool // false until the first record for this cell is applied

	BaselineAccum int64
	BaselineCount int64

	// SampleSeq counts records applied to this cell, starting at 1 for
	// the first one. It is local to the cell (not a global sequence
	// number), so tests can assert relative ordering of updates to a
	// given cell without depending on wall-clock timestamps.
	SampleSeq uint64

	history    []int64 // ring buffer, len == cap when full
	historyPos int
	historyLen int
}

// History returns a copy of the retained raw samples, oldest first. If
// history tracking is disabled for this cell (zero capacity), it returns
// nil.
func (c *Cell) History() []int64 {
	if len(c.history) == 0 {
		return nil
	}
	out := make([]int64, c.historyLen)
	if c.historyLen < len(c.history) {
		copy(out, c.history[:c.historyLen])
		return out
	}
	// Full ring: oldest element is at historyPos.
	n := copy(out, c.history[c.historyPos:])
	copy(out[n:], c.history[:c.historyPos])
	return out
}

func (c *Cell) pushHistory(raw int64) {
	if len(c.history) == 0 {
		return
	}
	c.history[c.historyPos] = raw
	c.historyPos = (c.historyPos + 1) % len(c.history)
	if c.historyLen < len(c.history) {
		c.historyLen++
	}
}

// Pressure is the smoothed per-patch pressure-centroid reading.
type Pressure struct {
	Magnitude float64
	X, Y      float64
	Valid     bool
}

// Patch is the mutable state of one patch: its cells plus the lock
// guarding all of them, and the smoothed pressure reading.
type Patch struct {
	mu       sync.Mutex
	cells    map[int]*Cell
	pressure Pressure
}

// newPatch allocates a Patch with a Cell for every cellID in order, each
// with historyCap raw samples of ring-buffer capacity (0 disables history).
func newPatch(cellIDs []int, historyCap int) *Patch {
	p := &Patch{cells: make(map[int]*Cell, len(cellIDs))}
	for _, id := range cellIDs {
		c := &Cell{}
		if historyCap > 0 {
			c.history = make([]int64, historyCap)
		}
		p.cells[id] = c
	}
	return p
}

// Lock/Unlock expose the patch's mutex directly to callers (pipeline,
// aggregator, calibration controller) that need to hold it across several
// field reads/writes. Never hold more than one patch's lock at a time.
func (p *Patch) Lock()   { p.mu.Lock() }
func (p *Patch) Unlock() { p.mu.Unlock() }

// Cell returns the state for cell, or nil if it is not part of this
// patch. Callers must hold the patch lock.
func (p *Patch) Cell(cell int) *Cell { return p.cells[cell] }

// Pressure returns the current smoothed pressure reading under lock.
func (p *Patch) Pressure() Pressure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressure
}

// PressureLocked returns the current pressure reading without locking.
// Callers must already hold the patch lock (the aggregator reads the
// previous reading and stores a new one in the same critical section it
// used to recompute the centroid).
func (p *Patch) PressureLocked() Pressure { return p.pressure }

// SetPressure stores a new smoothed pressure reading. Callers must hold
// the patch lock (the aggregator computes and stores it in one critical
// section so readers never see a half-updated tuple).
func (p *Patch) SetPressure(v Pressure) { p.pressure = v }

// PushHistory records raw into cell's history ring. Callers must hold the
// patch lock.
func (c *Cell) PushHistory(raw int64) { c.pushHistory(raw) }

// State is the complete runtime state for every patch declared in a
// layout.
type State struct {
	patches map[int]*Patch
	order   map[int][]int // patch -> cell ids, in declared order
}

// LayoutSource is the minimal view of a layout.Layout that State needs,
// kept narrow so this package does not import layout and create a cycle.
type LayoutSource interface {
	Patches() []int
	Cells(patch int) []int
}

// New builds cell/patch state for every (patch, cell) in src. historyCap
// is the ring-buffer capacity for each cell's raw-sample history (0
// disables history tracking).
func New(src LayoutSource, historyCap int) *State {
	s := &State{patches: make(map[int]*Patch), order: make(map[int][]int)}
	for _, patch := range src.Patches() {
		cells := src.Cells(patch)
		s.patches[patch] = newPatch(cells, historyCap)
		ids := make([]int, len(cells))
		copy(ids, cells)
		s.order[patch] = ids
	}
	return s
}

// Patch returns the state for patch, or nil if the layout has no such
// patch.
func (s *State) Patch(patch int) *Patch { return s.patches[patch] }

// Patches returns the declared patch ids in ascending order (the same
// order layout.Layout reports them).
func (s *State) Patches() []int {
	out := make([]int, 0, len(s.patches))
	for patch := range s.order {
		out = append(out, patch)
	}
	sort.Ints(out)
	return out
}

// CellOrder returns the declared cell id order for patch.
func (s *State) CellOrder(patch int) []int { return s.order[patch] }
