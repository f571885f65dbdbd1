// Package layout parses and holds the physical arrangement of a skin
// sensor: which patches and cells exist, and where each cell sits in 2-D
// space.
package layout

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Position is a cell's 2-D placement, in arbitrary (relative) units.
type Position struct {
	X, Y float64
}

// ParseError reports a malformed line in a layout descriptor.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("layout: %s:%d: %s", e.File, e.Line, e.Msg)
	}
	return fmt.Sprintf("layout: line %d: %s", e.Line, e.Msg)
}

// DuplicateCellError reports a repeated (patch, cell) pair.
type DuplicateCellError struct {
	Patch, Cell int
}

func (e *DuplicateCellError) Error() string {
	return fmt.Sprintf("layout: duplicate cell: patch=%d cell=%d", e.Patch, e.Cell)
}

type cellEntry struct {
	id  int
	pos Position
}

// Layout maps 1-based patch ids to an ordered set of cell ids and their
// positions. Once loaded it is immutable; callers needing a different
// arrangement load a new Layout.
type Layout struct {
	patches []int
	cells   map[int][]cellEntry
	index   map[[2]int]Position
}

// Load parses the textual descriptor in src.
//
// Grammar: one cell per line, `<patch> <cell> <x> <y>`, whitespace
// separated. Blank lines and lines beginning with '#' are ignored. Patch
// and cell ids are non-negative integers; x/y are decimal floats.
func Load(src io.Reader) (*Layout, error) {
	return LoadNamed(src, "")
}

// LoadNamed is like Load but attributes parse errors to a named source
// (e.g. a file path), matching the file/line style used by other parsers
// in this module.
func LoadNamed(src io.Reader, name string) (*Layout, error) {
	l := &Layout{
		cells: make(map[int][]cellEntry),
		index: make(map[[2]int]Position),
	}
	seenPatch := map[int]bool{}

	scanner := bufio.NewScanner(src)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, &ParseError{File: name, Line: lineNo, Msg: fmt.Sprintf("expected 4 fields, got %d", len(fields))}
		}
		patch, err := strconv.Atoi(fields[0])
		if err != nil || patch < 0 {
			return nil, &ParseError{File: name, Line: lineNo, Msg: "invalid patch id"}
		}
		cell, err := strconv.Atoi(fields[1])
		if err != nil || cell < 0 {
			return nil, &ParseError{File: name, Line: lineNo, Msg: "invalid cell id"}
		}
		x, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, &ParseError{File: name, Line: lineNo, Msg: "invalid x"}
		}
		y, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, &ParseError{File: name, Line: lineNo, Msg: "invalid y"}
		}

		key := [2]int{patch, cell}
		if _, dup := l.index[key]; dup {
			return nil, &DuplicateCellError{Patch: patch, Cell: cell}
		}
		pos := Position{X: x, Y: y}
		l.index[key] = pos
		l.cells[patch] = append(l.cells[patch], cellEntry{id: cell, pos: pos})
		if !seenPatch[patch] {
			seenPatch[patch] = true
			l.patches = append(l.patches, patch)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("layout: read error: %w", err)
	}
	sort.Ints(l.patches)
	return l, nil
}

// Patches returns the ordered list of patch ids present in the layout.
func (l *Layout) Patches() []int {
	out := make([]int, len(l.patches))
	copy(out, l.patches)
	return out
}

// Cells returns the ordered list of cell ids declared for patch, in the
// order they were declared in the source descriptor.
func (l *Layout) Cells(patch int) []int {
	entries := l.cells[patch]
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// Position returns the 2-D position of (patch, cell) and whether it exists.
func (l *Layout) Position(patch, cell int) (Position, bool) {
	p, ok := l.index[[2]int{patch, cell}]
	return p, ok
}

// Has reports whether (patch, cell) is declared in the layout.
func (l *Layout) Has(patch, cell int) bool {
	_, ok := l.index[[2]int{patch, cell}]
	return ok
}

// NumPatches returns the number of distinct patches in the layout.
func (l *Layout) NumPatches() int { return len(l.patches) }

// MarshalText round-trips the layout back to the textual descriptor Load
// parses, patch-major in declared cell order, for debugging and log
// dumps. It implements encoding.TextMarshaler.
func (l *Layout) MarshalText() ([]byte, error) {
	var b strings.Builder
	for _, patch := range l.patches {
		for _, e := range l.cells[patch] {
			fmt.Fprintf(&b, "%d %d %s %s\n",
				patch, e.id,
				strconv.FormatFloat(e.pos.X, 'g', -1, 64),
				strconv.FormatFloat(e.pos.Y, 'g', -1, 64))
		}
	}
	return []byte(b.String()), nil
}
