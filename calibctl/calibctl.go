// Package calibctl runs the windowed baseline-capture state machine: a
// caller starts a capture window, lets live records accumulate into each
// sampled cell's baseline accumulator, and stops it to transactionally
// replace the profile's baseline for every cell that received at least
// one sample during the window.
//
// Generalized from the teacher's interactive live/ignoring/averaging/
// finished sampling loop into a programmatic start/stop pair with no
// terminal or keyboard dependency.
package calibctl

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/bhharris/skinsensor/cellstate"
	"github.com/bhharris/skinsensor/profile"
)

// Controller drives the IDLE -> CAPTURING -> IDLE state machine shared
// by the ingest thread (which folds raw samples into the accumulators
// via pipeline.Update) and the consumer thread (which calls Start/Stop).
type Controller struct {
	state *cellstate.State
	prof  *profile.Profile

	// mu serializes Start/Stop against each other. While it is held,
	// patch locks are taken one at a time for the accumulator reset/read;
	// the ingest thread never takes mu.
	mu        sync.Mutex
	capturing atomic.Bool
}

// New constructs a Controller over state and prof. Both must outlive the
// Controller.
func New(state *cellstate.State, prof *profile.Profile) *Controller {
	return &Controller{state: state, prof: prof}
}

// Capturing reports whether a calibration window is currently open. It
// is read by the ingest thread on every record via pipeline.Update and
// must never block.
func (c *Controller) Capturing() bool { return c.capturing.Load() }

// Start resets every cell's baseline accumulator to zero and opens a
// capture window. Calling Start while already capturing is idempotent:
// it simply restarts the window, discarding any partial accumulation.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, patchID := range c.state.Patches() {
		p := c.state.Patch(patchID)
		p.Lock()
		for _, cellID := range c.state.CellOrder(patchID) {
			cell := p.Cell(cellID)
			cell.BaselineAccum = 0
			cell.BaselineCount = 0
		}
		p.Unlock()
	}
	c.capturing.Store(true)
}

// Stop closes the capture window and, for every cell that received at
// least one sample during it, sets profile[p,c].baseline to the rounded
// mean of the accumulated samples. Cells that received no samples are
// left untouched. It returns the number of cells committed, so a caller
// can surface a CalibrationEmpty condition when it is zero. Calling Stop
// while already IDLE is a no-op and returns 0.
func (c *Controller) Stop() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.capturing.Load() {
		return 0
	}
	c.capturing.Store(false)

	type commit struct {
		patch, cell int
		baseline    int64
	}
	var commits []commit

	// Gather results one patch lock at a time; never acquire the
	// profile's writer lock while holding a patch lock.
	for _, patchID := range c.state.Patches() {
		p := c.state.Patch(patchID)
		p.Lock()
		for _, cellID := range c.state.CellOrder(patchID) {
			cell := p.Cell(cellID)
			if cell.BaselineCount == 0 {
				continue
			}
			mean := float64(cell.BaselineAccum) / float64(cell.BaselineCount)
			commits = append(commits, commit{patch: patchID, cell: cellID, baseline: int64(math.Round(mean))})
		}
		p.Unlock()
	}

	for _, cm := range commits {
		c.prof.SetBaseline(cm.patch, cm.cell, cm.baseline)
	}
	return len(commits)
}
