package reader

import (
	"bytes"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bhharris/skinsensor/internal/wire"
)

type fakeValidator struct {
	cells map[int]map[int]bool
}

func (f fakeValidator) Has(patch, cell int) bool { return f.cells[patch][cell] }
func (f fakeValidator) Patches() []int {
	out := make([]int, 0, len(f.cells))
	for p := range f.cells {
		out = append(out, p)
	}
	return out
}

func newValidator() fakeValidator {
	return fakeValidator{cells: map[int]map[int]bool{
		1: {0: true, 1: true},
		2: {0: true},
	}}
}

func run(t *testing.T, stream []byte) ([]wire.Record, Counters, error) {
	t.Helper()
	var got []wire.Record
	c := &Counters{}
	fr := New(bytes.NewReader(stream), newValidator(), c, zerolog.Nop())
	err := fr.Run(func(r wire.Record) { got = append(got, r) })
	return got, *c, err
}

func TestLockedStreamOfValidRecords(t *testing.T) {
	want := []wire.Record{
		{Patch: 1, Cell: 0, Raw: 10},
		{Patch: 1, Cell: 1, Raw: -20},
		{Patch: 2, Cell: 0, Raw: 30},
	}
	var stream []byte
	for _, r := range want {
		stream = append(stream, wire.Encode(r)...)
	}

	got, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(len(want)), counters.OK)
	assert.Equal(t, uint64(len(want)), counters.TotalRecords)
	assert.Zero(t, counters.Misalignments)
}

func TestSeekSkipsGarbagePrefix(t *testing.T) {
	garbage := []byte{0x01, 0x02, 0x03, 0xAA, 0x55, 0x00}
	good := wire.Encode(wire.Record{Patch: 1, Cell: 0, Raw: 99})
	stream := append(append([]byte{}, garbage...), good...)

	got, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	if assert.Len(t, got, 1) {
		assert.EqualValues(t, 99, got[0].Raw)
	}
	assert.Equal(t, uint64(len(garbage)), counters.Misalignments)
	assert.Equal(t, uint64(1), counters.OK)
}

func TestLockedPatchOutOfRangeDropsToSeekAndResyncs(t *testing.T) {
	good1 := wire.Encode(wire.Record{Patch: 1, Cell: 0, Raw: 1})
	bad := wire.Encode(wire.Record{Patch: 9, Cell: 0, Raw: 2}) // patch 9 unknown
	good2 := wire.Encode(wire.Record{Patch: 1, Cell: 1, Raw: 3})

	var stream []byte
	stream = append(stream, good1...)
	stream = append(stream, bad...)
	stream = append(stream, good2...)

	got, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	if assert.Len(t, got, 2) {
		assert.EqualValues(t, 1, got[0].Raw)
		assert.EqualValues(t, 3, got[1].Raw)
	}
	assert.Equal(t, uint64(1), counters.PatchOOR)
	assert.Equal(t, counters.OK+counters.PatchOOR+counters.CellOOR+counters.ChecksumFail, counters.TotalRecords)
}

func TestLockedCellOutOfRangeDropsToSeek(t *testing.T) {
	good1 := wire.Encode(wire.Record{Patch: 1, Cell: 0, Raw: 1})
	bad := wire.Encode(wire.Record{Patch: 1, Cell: 9, Raw: 2}) // cell 9 not on patch 1
	good2 := wire.Encode(wire.Record{Patch: 1, Cell: 1, Raw: 3})

	var stream []byte
	stream = append(stream, good1...)
	stream = append(stream, bad...)
	stream = append(stream, good2...)

	got, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	assert.Len(t, got, 2)
	assert.Equal(t, uint64(1), counters.CellOOR)
}

func TestLockedChecksumFailureDropsToSeekAndResyncs(t *testing.T) {
	good1 := wire.Encode(wire.Record{Patch: 1, Cell: 0, Raw: 1})
	corrupt := wire.Encode(wire.Record{Patch: 1, Cell: 1, Raw: 2})
	corrupt[6] ^= 0xFF // flip a checksum byte, leaving framing intact
	good2 := wire.Encode(wire.Record{Patch: 2, Cell: 0, Raw: 3})

	var stream []byte
	stream = append(stream, good1...)
	stream = append(stream, corrupt...)
	stream = append(stream, good2...)

	got, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	if assert.Len(t, got, 2) {
		assert.EqualValues(t, 1, got[0].Raw)
		assert.EqualValues(t, 3, got[1].Raw)
	}
	assert.Equal(t, uint64(1), counters.ChecksumFail)
}

func TestTotalBytesNeverExceedsStreamLength(t *testing.T) {
	good := wire.Encode(wire.Record{Patch: 1, Cell: 0, Raw: 1})
	garbage := []byte{0x00, 0x00, 0x00}
	stream := append(append([]byte{}, garbage...), good...)

	_, counters, err := run(t, stream)
	require.ErrorIs(t, err, io.EOF)
	assert.LessOrEqual(t, counters.TotalBytes, uint64(len(stream)))
}

func TestStopEndsRunWithErrStopped(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	c := &Counters{}
	fr := New(r, newValidator(), c, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- fr.Run(func(wire.Record) {}) }()

	fr.Stop()
	w.Close()

	assert.ErrorIs(t, <-done, ErrStopped)
}
