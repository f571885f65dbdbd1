// Package pipeline applies the per-record update: baseline accumulation
// during a calibration window, polynomial calibration, exponential
// smoothing, and raw-sample bookkeeping. It is the only code that
// mutates cellstate.Cell fields apart from the calibration controller's
// accumulator reset when a capture window starts.
package pipeline

import (
	"github.com/bhharris/skinsensor/cellstate"
	"github.com/bhharris/skinsensor/internal/wire"
	"github.com/bhharris/skinsensor/profile"
)

// CaptureState reports whether a calibration window is currently open.
// Kept narrow so this package does not need to import calibctl.
type CaptureState interface {
	Capturing() bool
}

// AlphaSource supplies the current smoothing constant. Implementations
// back it with an atomic so Update never blocks on a mutex for a value
// that may be changed concurrently by set_alpha.
type AlphaSource interface {
	Alpha() float64
}

// SampleLogger receives every applied sample, used by the sensor facade
// to drive an optional raw-CSV log without the pipeline knowing about
// file I/O.
type SampleLogger interface {
	LogSample(patch, cell int, raw int64, calibrated float64)
}

// Update applies one decoded record to state, per the six-step sequence:
// acquire the patch lock, fold into the active calibration window (if
// any), compute the calibrated value, update the smoothed average,
// record raw_latest/history/CSV log, release the lock.
//
// capture and sampleLog may be nil to disable their respective steps.
func Update(rec wire.Record, state *cellstate.State, prof *profile.Profile, capture CaptureState, alpha AlphaSource, sampleLog SampleLogger) {
	patch := state.Patch(int(rec.Patch))
	if patch == nil {
		return
	}

	patch.Lock()
	defer patch.Unlock()

	cell := patch.Cell(int(rec.Cell))
	if cell == nil {
		return
	}

	raw := int64(rec.Raw)

	if capture != nil && capture.Capturing() {
		cell.BaselineAccum += raw
		cell.BaselineCount++
	}

	calib := prof.Get(int(rec.Patch), int(rec.Cell))
	v := calib.Apply(raw)

	if cell.BaselineCount == 0 && !cell.AvgValid {
		cell.Avg = v
	} else {
		a := alpha.Alpha()
		cell.Avg = a*v + (1-a)*cell.Avg
	}
	cell.AvgValid = true

	cell.RawLatest = raw
	cell.SampleSeq++
	cell.PushHistory(raw)
	if sampleLog != nil {
		sampleLog.LogSample(int(rec.Patch), int(rec.Cell), raw, v)
	}
}
