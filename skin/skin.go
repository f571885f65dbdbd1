// Package skin composes the layout, profile, cell state, frame reader,
// pipeline, aggregator, and calibration controller into a single sensor
// handle: the facade a caller opens, starts, reads from, and stops.
package skin

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	goserial "github.com/tarm/serial"

	"github.com/bhharris/skinsensor/aggregate"
	"github.com/bhharris/skinsensor/calibctl"
	"github.com/bhharris/skinsensor/cellstate"
	"github.com/bhharris/skinsensor/internal/wire"
	"github.com/bhharris/skinsensor/layout"
	"github.com/bhharris/skinsensor/pipeline"
	"github.com/bhharris/skinsensor/profile"
	"github.com/bhharris/skinsensor/reader"
)

const (
	startToken byte = '1'
	stopToken  byte = '0'

	// joinGrace bounds how long stop() waits for the reader thread to
	// exit before detaching it, matching the "bounded grace period"
	// requirement; a driver stuck in read beyond this is abandoned.
	joinGrace = 2 * time.Second
)

// Config carries everything needed to open a sensor. A zero Baud, Alpha
// or PressureAlpha is replaced with the default noted on its field by
// Open; the other fields are used as given.
type Config struct {
	DevicePath string
	Baud       int // default 115200

	HistoryCapacity int     // ring-buffer depth per cell; 0 disables history
	Alpha           float64 // default 1 (smoothing disabled)
	PressureAlpha   float64 // default 1
	TargetPressure  float64 // display-oriented constant, §9 Open Question
}

// Skin is one opened sensor: its layout, profile, live cell state, and
// the two ingest-side threads (reader thread + this handle's caller,
// the consumer thread) that synchronize through per-patch locks.
type Skin struct {
	cfg Config

	layout *layout.Layout
	prof   *profile.Profile
	state  *cellstate.State
	calib  *calibctl.Controller
	counters *reader.Counters

	alphaBits         atomic.Uint64
	pressureAlphaBits atomic.Uint64

	deviceMu sync.Mutex
	dev      io.ReadWriteCloser
	fr       *reader.FrameReader
	done     chan error

	running atomic.Bool
	lastErr atomic.Value // holds errBox, so storing a nil error never panics

	logMu     sync.Mutex
	sampleLog *sampleLog

	debugLog zerolog.Logger

	statsMu     sync.Mutex
	statsPrev   reader.Counters
	statsPrevAt time.Time
}

// Open constructs a sensor over the device at cfg.DevicePath using l as
// its layout, opening the device immediately so connectivity failures
// surface at construction rather than at the first start().
func Open(cfg Config, l *layout.Layout) (*Skin, error) {
	s, err := newSkin(cfg, l)
	if err != nil {
		return nil, err
	}
	dev, err := s.openDevice()
	if err != nil {
		return nil, err
	}
	s.dev = dev
	return s, nil
}

// newSkin builds a Skin's in-memory state without touching the device,
// shared by Open and by tests that inject a fake Device directly.
func newSkin(cfg Config, l *layout.Layout) (*Skin, error) {
	if l == nil {
		return nil, newError(KindInvalidArgument, "layout must not be nil", nil)
	}
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 1
	}
	if cfg.PressureAlpha == 0 {
		cfg.PressureAlpha = 1
	}

	s := &Skin{
		cfg:      cfg,
		layout:   l,
		state:    cellstate.New(l, cfg.HistoryCapacity),
		counters: &reader.Counters{},
		debugLog: zerolog.Nop(),
	}
	s.prof = profile.New(l.Has)
	s.calib = calibctl.New(s.state, s.prof)
	s.alphaBits.Store(math.Float64bits(cfg.Alpha))
	s.pressureAlphaBits.Store(math.Float64bits(cfg.PressureAlpha))
	return s, nil
}

func (s *Skin) openDevice() (io.ReadWriteCloser, error) {
	port, err := goserial.OpenPort(&goserial.Config{
		Name:        s.cfg.DevicePath,
		Baud:        s.cfg.Baud,
		Parity:      goserial.ParityNone,
		Size:        8,
		StopBits:    goserial.Stop1,
		ReadTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindDeviceNotFound, s.cfg.DevicePath, err)
		}
		return nil, newError(KindDeviceIOError, "open "+s.cfg.DevicePath, err)
	}
	return port, nil
}

// Alpha implements pipeline.AlphaSource.
func (s *Skin) Alpha() float64 { return math.Float64frombits(s.alphaBits.Load()) }

// PressureAlpha returns the current pressure-smoothing constant.
func (s *Skin) PressureAlpha() float64 { return math.Float64frombits(s.pressureAlphaBits.Load()) }

// SetAlpha sets the per-sample smoothing weight. It takes effect on the
// next record after the write commits; α must be in (0, 1].
func (s *Skin) SetAlpha(alpha float64) error {
	if alpha <= 0 || alpha > 1 {
		return newError(KindInvalidArgument, fmt.Sprintf("alpha %v out of range (0,1]", alpha), nil)
	}
	s.alphaBits.Store(math.Float64bits(alpha))
	return nil
}

// SetPressureAlpha sets the pressure-centroid smoothing weight.
func (s *Skin) SetPressureAlpha(alpha float64) error {
	if alpha <= 0 || alpha > 1 {
		return newError(KindInvalidArgument, fmt.Sprintf("pressure_alpha %v out of range (0,1]", alpha), nil)
	}
	s.pressureAlphaBits.Store(math.Float64bits(alpha))
	return nil
}

// TargetPressure returns the configured display-scale constant.
func (s *Skin) TargetPressure() float64 { return s.cfg.TargetPressure }

// ReadProfile replaces the live calibration table from a CSV file.
func (s *Skin) ReadProfile(path string) ([]profile.Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(KindDeviceIOError, "open profile "+path, err)
	}
	defer f.Close()
	warnings, err := s.prof.ReplaceFrom(f)
	if err != nil {
		return nil, newError(KindParseError, "load profile "+path, err)
	}
	return warnings, nil
}

// SaveProfile writes the live calibration table to a CSV file.
func (s *Skin) SaveProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return newError(KindDeviceIOError, "create profile "+path, err)
	}
	defer f.Close()
	if err := s.prof.Save(f); err != nil {
		return newError(KindDeviceIOError, "save profile "+path, err)
	}
	return nil
}

// Start spawns the reader thread if not already running. It is
// idempotent: calling Start while already running is a no-op.
func (s *Skin) Start() error {
	if s.running.Load() {
		return nil
	}

	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if s.running.Load() {
		return nil
	}

	if s.dev == nil {
		dev, err := s.openDevice()
		if err != nil {
			return err
		}
		s.dev = dev
	}
	if _, err := s.dev.Write([]byte{startToken}); err != nil {
		s.debugLog.Debug().Err(err).Msg("start token write failed, continuing")
	}

	s.fr = reader.New(s.dev, s.layout, s.counters, s.debugLog)
	s.done = make(chan error, 1)
	s.running.Store(true)
	s.lastErr.Store(errBox{})

	go func() {
		err := s.fr.Run(func(rec wire.Record) {
			pipeline.Update(rec, s.state, s.prof, s.calib, s, s.currentSampleLog())
		})
		s.running.Store(false)
		if err != nil && err != reader.ErrStopped {
			s.lastErr.Store(errBox{err: err})
			s.debugLog.Error().Err(err).Msg("reader thread exited")
		}
		s.done <- err
	}()
	return nil
}

// errBox wraps an error in a fixed concrete type so it can be stored in
// an atomic.Value across calls; atomic.Value panics if asked to store a
// bare nil or a value of a different concrete type than its first Store.
type errBox struct{ err error }

// Stop signals the reader thread, closes the device to unblock its
// pending read, and joins within a bounded grace period. It is
// idempotent: calling Stop while not running is a no-op.
func (s *Skin) Stop() error {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()

	if !s.running.Load() {
		return nil
	}

	if s.dev != nil {
		_, _ = s.dev.Write([]byte{stopToken})
	}
	s.fr.Stop()
	if s.dev != nil {
		_ = s.dev.Close()
	}

	select {
	case <-s.done:
	case <-time.After(joinGrace):
		s.debugLog.Warn().Msg("reader thread did not join within grace period, detaching")
	}
	s.dev = nil
	s.running.Store(false)
	return nil
}

// LastError returns the error that most recently terminated the reader
// thread, or nil if it has never failed (or hasn't run yet).
func (s *Skin) LastError() error {
	if v, ok := s.lastErr.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// CalibrateStart opens a calibration window (delegates to calibctl).
func (s *Skin) CalibrateStart() {
	s.calib.Start()
	s.debugLog.Debug().Msg("calibration window opened")
}

// CalibrateStop closes the calibration window, committing baselines for
// every cell sampled during it. Returns CalibrationEmpty if zero cells
// received any sample during the window; baselines are left unchanged
// in that case.
func (s *Skin) CalibrateStop() error {
	committed := s.calib.Stop()
	s.debugLog.Debug().Int("committed_cells", committed).Msg("calibration window closed")
	if committed == 0 {
		return newError(KindCalibrationEmpty, "no samples accumulated during calibration window", nil)
	}
	return nil
}

// GetPatchState returns avg[p, c] for every cell of patch p, layout order.
func (s *Skin) GetPatchState(patch int) []float64 { return aggregate.PatchState(s.state, patch) }

// GetPatchMean returns the arithmetic mean over patch p's enabled cells.
func (s *Skin) GetPatchMean(patch int) float64 { return aggregate.PatchMean(s.state, s.prof, patch) }

// GetPatchPressure recomputes and returns the smoothed pressure centroid
// for patch p.
func (s *Skin) GetPatchPressure(patch int) cellstate.Pressure {
	return aggregate.PatchPressure(s.state, s.prof, s.layout, patch, s.PressureAlpha())
}

// GetHistory returns a copy of cell (p, c)'s raw-sample history, oldest
// first, or UnknownCell if (p, c) is not in the layout.
func (s *Skin) GetHistory(patch, cell int) ([]int64, error) {
	if !s.layout.Has(patch, cell) {
		return nil, cellError(KindUnknownCell, patch, cell, "not present in layout")
	}
	p := s.state.Patch(patch)
	p.Lock()
	defer p.Unlock()
	return p.Cell(cell).History(), nil
}

// SetC1 sets the linear gain of (p, c), or returns UnknownCell.
func (s *Skin) SetC1(patch, cell int, v float64) error {
	if !s.layout.Has(patch, cell) {
		return cellError(KindUnknownCell, patch, cell, "not present in layout")
	}
	s.prof.SetC1(patch, cell, v)
	return nil
}

// GetC1 returns the linear gain of (p, c), or UnknownCell.
func (s *Skin) GetC1(patch, cell int) (float64, error) {
	if !s.layout.Has(patch, cell) {
		return 0, cellError(KindUnknownCell, patch, cell, "not present in layout")
	}
	return s.prof.Get(patch, cell).C1, nil
}

// GetRecordTally returns a snapshot of the sensor-wide counters.
func (s *Skin) GetRecordTally() (reader.Counters, reader.Tally) { return s.counters.Snapshot() }

// Stats is a point-in-time read-only diagnostic summary: throughput and
// error-rate deltas since the previous Stats call (bytes/s, records/s,
// misalignment delta, and per-cell Hz). Callers poll this on whatever
// cadence they like; Skin does not run a background ticker of its own.
type Stats struct {
	BytesPerSec   float64
	RecordsPerSec float64
	Misalignments uint64 // delta since the previous call
	Hz            float64 // per-cell sample rate: records/s divided by cell count
	Elapsed       time.Duration
}

// Stats computes throughput since the previous call to Stats. The first
// call after Open has no prior sample to diff against and returns a
// zero Stats; every call after that reports rates over the elapsed
// wall-clock time since the last one.
func (s *Skin) Stats() Stats {
	counters, _ := s.counters.Snapshot()
	now := time.Now()

	s.statsMu.Lock()
	prev, prevAt := s.statsPrev, s.statsPrevAt
	s.statsPrev, s.statsPrevAt = counters, now
	s.statsMu.Unlock()

	if prevAt.IsZero() {
		return Stats{}
	}
	elapsed := now.Sub(prevAt)
	secs := elapsed.Seconds()
	if secs <= 0 {
		return Stats{}
	}

	recordsRate := float64(counters.TotalRecords-prev.TotalRecords) / secs
	var hz float64
	if n := s.numCells(); n > 0 {
		hz = recordsRate / float64(n)
	}
	return Stats{
		BytesPerSec:   float64(counters.TotalBytes-prev.TotalBytes) / secs,
		RecordsPerSec: recordsRate,
		Misalignments: counters.Misalignments - prev.Misalignments,
		Hz:            hz,
		Elapsed:       elapsed,
	}
}

func (s *Skin) numCells() int {
	n := 0
	for _, p := range s.layout.Patches() {
		n += len(s.layout.Cells(p))
	}
	return n
}

// Log opens a CSV sample log at path, one row of calibrated values per
// frame (once every layout cell has received a record), header
// "time,patch<p>_cell<c>,...". It replaces any previously open
// sample log, closing the old one.
func (s *Skin) Log(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return newError(KindDeviceIOError, "create sample log "+path, err)
	}
	sl, err := newSampleLog(f, s.layout)
	if err != nil {
		f.Close()
		return err
	}
	s.logMu.Lock()
	old := s.sampleLog
	s.sampleLog = sl
	s.logMu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// DebugLog redirects the sensor's debug event stream (misalignments,
// dropped records, calibration transitions) to path.
func (s *Skin) DebugLog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return newError(KindDeviceIOError, "open debug log "+path, err)
	}
	s.debugLog = zerolog.New(f).With().Timestamp().Logger()
	return nil
}

func (s *Skin) currentSampleLog() pipeline.SampleLogger {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.sampleLog == nil {
		return nil
	}
	return s.sampleLog
}

// Close stops ingest if running and closes any open log sinks.
func (s *Skin) Close() error {
	_ = s.Stop()
	s.logMu.Lock()
	sl := s.sampleLog
	s.sampleLog = nil
	s.logMu.Unlock()
	if sl != nil {
		sl.Close()
	}
	return nil
}

