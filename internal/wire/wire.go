// Package wire implements the pure byte-level codec for the skin sensor's
// fixed-size record format. It has no knowledge of I/O, threads, or
// recovery policy; the reader package drives the byte stream and consults
// this package to decide whether a candidate window is a valid record.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFraming is returned (wrapped) when a candidate window fails to
// synchronize at all: wrong length, missing terminator, or bad sentinel.
// ErrChecksum is returned (wrapped) when framing is intact but the CRC16
// over the header does not match, distinguishing "not a record" from "a
// record whose payload is corrupt" for the reader's tallies.
var (
	ErrFraming  = errors.New("wire: framing mismatch")
	ErrChecksum = errors.New("wire: checksum mismatch")
)

// RecordSize is the fixed length, in bytes, of one wire record:
// patch(1) + cell(1) + raw(4) + crc16(2) + sentinel(2) + terminator(1).
const RecordSize = 11

var sentinel = [2]byte{0xAA, 0x55}

// Record is one decoded (patch, cell, raw) sample.
type Record struct {
	Patch byte
	Cell  byte
	Raw   int32
}

// Decode validates and decodes exactly RecordSize bytes from buf.
//
// It checks, in order: buffer length, the line terminator, the sentinel,
// and the CRC16 over the patch/cell/raw header. Any failure returns a
// non-nil error and the caller must not trust the returned Record.
func Decode(buf []byte) (Record, error) {
	if len(buf) < RecordSize {
		return Record{}, fmt.Errorf("%w: short buffer: got %d want %d", ErrFraming, len(buf), RecordSize)
	}
	if buf[10] != '\n' {
		return Record{}, fmt.Errorf("%w: missing terminator", ErrFraming)
	}
	if buf[8] != sentinel[0] || buf[9] != sentinel[1] {
		return Record{}, fmt.Errorf("%w: sentinel mismatch", ErrFraming)
	}
	header := buf[0:6]
	want := binary.BigEndian.Uint16(buf[6:8])
	if got := crc16(header); got != want {
		return Record{}, fmt.Errorf("%w: got %04X want %04X", ErrChecksum, got, want)
	}
	return Record{
		Patch: buf[0],
		Cell:  buf[1],
		Raw:   int32(binary.LittleEndian.Uint32(buf[2:6])),
	}, nil
}

// Encode serializes r into a fresh RecordSize-byte buffer. It is used by
// tests and by any simulator feeding synthetic frames to a FrameReader.
func Encode(r Record) []byte {
	buf := make([]byte, RecordSize)
	buf[0] = r.Patch
	buf[1] = r.Cell
	binary.LittleEndian.PutUint32(buf[2:6], uint32(r.Raw))
	binary.BigEndian.PutUint16(buf[6:8], crc16(buf[0:6]))
	buf[8], buf[9] = sentinel[0], sentinel[1]
	buf[10] = '\n'
	return buf
}

// crc16 is the same CRC16 variant used by the device's command protocol:
// an MSB-first, reflected-polynomial CRC over the given bytes.
func crc16(data []byte) uint16 {
	cs := uint16(0)
	for _, b := range data {
		cs ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			carry := cs & 0x8000
			if carry != 0 {
				cs ^= 0x8810
			}
			cs = (cs << 1) + (carry >> 15)
		}
	}
	return cs
}
