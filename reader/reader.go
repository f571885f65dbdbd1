// Package reader implements the byte-stream state machine that turns a
// continuous device read into a stream of validated records, resyncing
// from arbitrary byte-level corruption without unbounded memory growth.
package reader

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bhharris/skinsensor/internal/wire"
)

// Device is the minimal blocking-read surface the reader needs. A single
// short read is not fatal; io.EOF or any other error ends the loop.
type Device interface {
	Read(p []byte) (n int, err error)
}

// Validator decides whether a decoded (patch, cell) pair is one the
// sensor actually has, used to classify out-of-range records.
type Validator interface {
	Has(patch, cell int) bool
	Patches() []int
}

// Tally holds the per-outcome record counters from spec.md §3/§8.
type Tally struct {
	OK              uint64
	PatchOutOfRange uint64
	CellOutOfRange  uint64
	ChecksumFail    uint64
}

// Counters are the sensor-wide atomic counters updated by the reader.
// All fields are accessed only through the atomic package so the
// consumer thread can read them without synchronizing with the reader.
type Counters struct {
	TotalBytes    uint64
	TotalRecords  uint64
	Misalignments uint64
	OK            uint64
	PatchOOR      uint64
	CellOOR       uint64
	ChecksumFail  uint64
}

// Snapshot returns a consistent-enough point-in-time copy for display;
// individual fields may be read independently per spec.md §5.
func (c *Counters) Snapshot() (Counters, Tally) {
	var out Counters
	out.TotalBytes = atomic.LoadUint64(&c.TotalBytes)
	out.TotalRecords = atomic.LoadUint64(&c.TotalRecords)
	out.Misalignments = atomic.LoadUint64(&c.Misalignments)
	out.OK = atomic.LoadUint64(&c.OK)
	out.PatchOOR = atomic.LoadUint64(&c.PatchOOR)
	out.CellOOR = atomic.LoadUint64(&c.CellOOR)
	out.ChecksumFail = atomic.LoadUint64(&c.ChecksumFail)
	return out, Tally{OK: out.OK, PatchOutOfRange: out.PatchOOR, CellOutOfRange: out.CellOOR, ChecksumFail: out.ChecksumFail}
}

// ErrStopped is returned by Run when it exits because Stop() was called,
// as opposed to a device I/O error.
var ErrStopped = errors.New("reader: stopped")

// FrameReader drives the SEEK/LOCKED state machine described in
// spec.md §4.3 over a Device, emitting validated records to onRecord.
type FrameReader struct {
	dev       Device
	validator Validator
	counters  *Counters
	log       zerolog.Logger

	stopped atomic.Bool

	// pending holds bytes read from the device but not yet consumed by
	// the state machine; it never grows past one record's worth plus one
	// in-flight device read, bounding memory regardless of input length.
	pending []byte
	scratch []byte
}

// New constructs a FrameReader. counters must not be nil; it is typically
// shared with the owning sensor facade so accessors can read it directly.
func New(dev Device, validator Validator, counters *Counters, log zerolog.Logger) *FrameReader {
	return &FrameReader{
		dev:       dev,
		validator: validator,
		counters:  counters,
		log:       log,
		scratch:   make([]byte, 4096),
	}
}

// Stop asks Run to exit at its next opportunity. It does not close the
// device; the caller (the sensor facade) owns that so it can unblock a
// pending Read.
func (r *FrameReader) Stop() { r.stopped.Store(true) }

// Run reads from the device until Stop is called or a fatal I/O error
// occurs, invoking onRecord for every successfully validated record. It
// returns ErrStopped on a clean stop, or the underlying I/O error
// otherwise.
func (r *FrameReader) Run(onRecord func(wire.Record)) error {
	locked := false
	for {
		if r.stopped.Load() {
			return ErrStopped
		}
		if err := r.fill(wire.RecordSize); err != nil {
			if r.stopped.Load() {
				return ErrStopped
			}
			return err
		}

		if locked {
			buf := r.take(wire.RecordSize)
			rec, kind := r.classify(buf)
			switch kind {
			case outcomeOK:
				atomic.AddUint64(&r.counters.TotalRecords, 1)
				atomic.AddUint64(&r.counters.OK, 1)
				onRecord(rec)
			case outcomePatchOOR:
				atomic.AddUint64(&r.counters.TotalRecords, 1)
				atomic.AddUint64(&r.counters.PatchOOR, 1)
				locked = false
				r.log.Debug().Int("patch", int(rec.Patch)).Msg("locked: patch out of range, dropping to seek")
			case outcomeCellOOR:
				atomic.AddUint64(&r.counters.TotalRecords, 1)
				atomic.AddUint64(&r.counters.CellOOR, 1)
				locked = false
				r.log.Debug().Int("patch", int(rec.Patch)).Int("cell", int(rec.Cell)).Msg("locked: cell out of range, dropping to seek")
			case outcomeChecksumFail:
				atomic.AddUint64(&r.counters.TotalRecords, 1)
				atomic.AddUint64(&r.counters.ChecksumFail, 1)
				locked = false
				r.log.Debug().Msg("locked: checksum failed, dropping to seek")
			default: // framing failure: not even a record attempt
				locked = false
				atomic.AddUint64(&r.counters.Misalignments, 1)
				r.log.Debug().Msg("locked: framing lost, dropping to seek")
			}
			continue
		}

		// SEEK: try the current window; on any failure slide by one byte.
		buf := r.peek(wire.RecordSize)
		rec, kind := r.classify(buf)
		if kind == outcomeOK {
			r.discard(wire.RecordSize)
			atomic.AddUint64(&r.counters.TotalRecords, 1)
			atomic.AddUint64(&r.counters.OK, 1)
			onRecord(rec)
			locked = true
			continue
		}
		r.discard(1)
		atomic.AddUint64(&r.counters.Misalignments, 1)
	}
}

type outcome int

const (
	outcomeFramingFail outcome = iota
	outcomeOK
	outcomePatchOOR
	outcomeCellOOR
	outcomeChecksumFail
)

// classify decodes buf and determines the record's fate. A framing
// failure (bad sentinel/terminator/short buffer) is distinguished from a
// synced-but-invalid record (bad patch, bad cell, bad checksum) because
// only the latter counts toward total_records (spec.md §8 invariant 3).
func (r *FrameReader) classify(buf []byte) (wire.Record, outcome) {
	rec, err := wire.Decode(buf)
	if err != nil {
		if errors.Is(err, wire.ErrChecksum) {
			return rec, outcomeChecksumFail
		}
		return wire.Record{}, outcomeFramingFail
	}
	if !r.validator.Has(int(rec.Patch), int(rec.Cell)) {
		if !patchKnown(r.validator, int(rec.Patch)) {
			return rec, outcomePatchOOR
		}
		return rec, outcomeCellOOR
	}
	return rec, outcomeOK
}

func patchKnown(v Validator, patch int) bool {
	for _, p := range v.Patches() {
		if p == patch {
			return true
		}
	}
	return false
}

// fill ensures at least n bytes are available in pending, reading from
// the device as needed. It returns nil once n bytes are available;
// otherwise it returns ErrStopped if a stop was requested, the device's
// read error, or io.EOF for a read of zero bytes.
func (r *FrameReader) fill(n int) error {
	for len(r.pending) < n {
		if r.stopped.Load() {
			return ErrStopped
		}
		m, err := r.dev.Read(r.scratch)
		if m > 0 {
			atomic.AddUint64(&r.counters.TotalBytes, uint64(m))
			r.pending = append(r.pending, r.scratch[:m]...)
		}
		if err != nil {
			if len(r.pending) >= n {
				return nil
			}
			return err
		}
		if m == 0 {
			return io.EOF
		}
	}
	return nil
}

func (r *FrameReader) peek(n int) []byte {
	return r.pending[:n]
}

func (r *FrameReader) take(n int) []byte {
	buf := append([]byte(nil), r.pending[:n]...)
	r.pending = r.pending[n:]
	return buf
}

func (r *FrameReader) discard(n int) {
	r.pending = r.pending[n:]
}
