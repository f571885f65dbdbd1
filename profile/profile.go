// Package profile parses, holds, and serializes per-cell calibration data:
// a baseline offset and a polynomial mapping from baseline-subtracted raw
// samples to calibrated physical-unit values.
package profile

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Calibration is one cell's calibration coefficients.
//
// The calibrated value from a raw sample r is c2*d^2 + c1*d + c0, where
// d = r - Baseline. A cell with C1 == 0 is disabled for aggregation
// purposes only; its raw value is still tracked by the pipeline.
type Calibration struct {
	Baseline int64
	C0, C1, C2 float64
}

// Identity is the default calibration applied to any (patch, cell) the
// profile does not mention.
var Identity = Calibration{Baseline: 0, C0: 0, C1: 1, C2: 0}

// Disabled reports whether this calibration should be excluded from
// aggregation (C1 == 0).
func (c Calibration) Disabled() bool { return c.C1 == 0 }

// Apply maps a raw sample to its calibrated value.
func (c Calibration) Apply(raw int64) float64 {
	d := float64(raw - c.Baseline)
	return c.C2*d*d + c.C1*d + c.C0
}

// Warning records a non-fatal issue discovered while loading a profile
// (e.g. a row referencing a cell outside the layout).
type Warning struct {
	Patch, Cell int
	Msg         string
}

func (w Warning) String() string {
	return fmt.Sprintf("profile: patch=%d cell=%d: %s", w.Patch, w.Cell, w.Msg)
}

// Profile is a thread-safe table of per-(patch,cell) Calibration values.
type Profile struct {
	mu    sync.RWMutex
	table map[[2]int]*Calibration

	// known restricts which (patch,cell) pairs are considered valid by
	// Load; if set, rows outside it are recorded as warnings instead of
	// silently accepted. A nil known accepts any row.
	known func(patch, cell int) bool
}

// New constructs an empty profile. validate, if non-nil, is consulted by
// Load to decide whether a (patch, cell) pair belongs to the sensor's
// layout; unknown pairs are recorded as warnings rather than rejected.
func New(validate func(patch, cell int) bool) *Profile {
	return &Profile{table: make(map[[2]int]*Calibration), known: validate}
}

// Load parses a CSV profile with header "patch,cell,baseline,c0,c1,c2".
// Rows naming an unknown (patch, cell) pair are recorded as warnings and
// otherwise ignored; duplicate rows for the same pair are a load error.
func Load(src io.Reader, validate func(patch, cell int) bool) (*Profile, []Warning, error) {
	p := New(validate)
	warnings, err := p.load(src)
	return p, warnings, err
}

func (p *Profile) load(src io.Reader) ([]Warning, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("profile: csv read: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile: empty file, missing header")
	}
	header := rows[0]
	if len(header) < 6 || header[0] != "patch" || header[1] != "cell" || header[2] != "baseline" ||
		header[3] != "c0" || header[4] != "c1" || header[5] != "c2" {
		return nil, fmt.Errorf("profile: unexpected header %v", header)
	}

	var warnings []Warning
	seen := map[[2]int]bool{}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, row := range rows[1:] {
		lineNo := i + 2
		if len(row) < 6 {
			return nil, fmt.Errorf("profile: line %d: expected 6 fields, got %d", lineNo, len(row))
		}
		patch, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid patch: %w", lineNo, err)
		}
		cell, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid cell: %w", lineNo, err)
		}
		key := [2]int{patch, cell}
		if seen[key] {
			return nil, fmt.Errorf("profile: line %d: duplicate row for patch=%d cell=%d", lineNo, patch, cell)
		}
		seen[key] = true

		baseline, err := strconv.ParseInt(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid baseline: %w", lineNo, err)
		}
		c0, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid c0: %w", lineNo, err)
		}
		c1, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid c1: %w", lineNo, err)
		}
		c2, err := strconv.ParseFloat(row[5], 64)
		if err != nil {
			return nil, fmt.Errorf("profile: line %d: invalid c2: %w", lineNo, err)
		}

		if p.known != nil && !p.known(patch, cell) {
			warnings = append(warnings, Warning{Patch: patch, Cell: cell, Msg: "not present in layout, row ignored"})
			continue
		}
		p.table[key] = &Calibration{Baseline: baseline, C0: c0, C1: c1, C2: c2}
	}
	return warnings, nil
}

// Save serializes the profile to CSV in patch,cell sorted order. Only
// entries explicitly present in the table are written; cells using the
// implicit identity default are not round-tripped as rows (Load will
// reapply the same default for them).
func (p *Profile) Save(dst io.Writer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([][2]int, 0, len(p.table))
	for k := range p.table {
		keys = append(keys, k)
	}
	sortKeys(keys)

	w := csv.NewWriter(dst)
	if err := w.Write([]string{"patch", "cell", "baseline", "c0", "c1", "c2"}); err != nil {
		return err
	}
	for _, k := range keys {
		c := p.table[k]
		row := []string{
			strconv.Itoa(k[0]),
			strconv.Itoa(k[1]),
			strconv.FormatInt(c.Baseline, 10),
			strconv.FormatFloat(c.C0, 'g', -1, 64),
			strconv.FormatFloat(c.C1, 'g', -1, 64),
			strconv.FormatFloat(c.C2, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ReplaceFrom reloads the profile's table in place from src, as Load
// would, but keeps the same *Profile identity so other components that
// already hold a reference to it observe the new table. On a parse
// error the existing table is left untouched.
func (p *Profile) ReplaceFrom(src io.Reader) ([]Warning, error) {
	tmp := New(p.known)
	warnings, err := tmp.load(src)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.table = tmp.table
	p.mu.Unlock()
	return warnings, nil
}

// Get returns the calibration for (patch, cell), defaulting to Identity
// when the pair has no explicit row.
func (p *Profile) Get(patch, cell int) Calibration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.table[[2]int{patch, cell}]; ok {
		return *c
	}
	return Identity
}

// SetC1 sets the linear gain for (patch, cell), creating a row (seeded
// from Identity) if one does not already exist.
func (p *Profile) SetC1(patch, cell int, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.getOrCreateLocked(patch, cell)
	c.C1 = v
}

// SetBaseline sets the baseline for (patch, cell), creating a row if one
// does not already exist. Used directly by tests and indirectly by the
// calibration controller's atomic commit.
func (p *Profile) SetBaseline(patch, cell int, v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.getOrCreateLocked(patch, cell)
	c.Baseline = v
}

func (p *Profile) getOrCreateLocked(patch, cell int) *Calibration {
	key := [2]int{patch, cell}
	c, ok := p.table[key]
	if !ok {
		cp := Identity
		c = &cp
		p.table[key] = c
	}
	return c
}

func sortKeys(keys [][2]int) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && less(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func less(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
