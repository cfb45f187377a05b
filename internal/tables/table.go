// Package tables implements the checksummed 16x16 bilinear lookup table
// with a deadband interpolation cache, per spec.md §3 and §4.3.
package tables

import "fmt"

// Table16x16 is a checksum-validated bilinear lookup table over (rpm,
// load), per spec.md §3.
type Table16x16 struct {
	RPMBins  [16]uint16
	LoadBins [16]uint16
	Values   [16][16]uint16
	Checksum uint16
}

// Checksum computes the sum-of-values-mod-2^16 checksum spec.md §3
// defines for Table16x16 (not CRC32 — wire compatibility with the
// persisted blob format requires this exact algorithm).
func Checksum(values [16][16]uint16) uint16 {
	var sum uint32
	for _, row := range values {
		for _, v := range row {
			sum += uint32(v)
		}
	}
	return uint16(sum)
}

// Valid reports whether the table's stored checksum matches its values.
func (t *Table16x16) Valid() bool {
	return Checksum(t.Values) == t.Checksum
}

// Recompute sets Checksum from the current Values, for use after a
// LambdaController write-back mutates a cell (spec.md §3 FuelTrim).
func (t *Table16x16) Recompute() {
	t.Checksum = Checksum(t.Values)
}

// DefaultTable returns a flat, safe table: uniform bins and a value grid
// filled with flatValue (in the table's own fixed-point unit), loaded
// when a persisted table fails validation (spec.md §4.3 step 1).
func DefaultTable(flatValue uint16) *Table16x16 {
	t := &Table16x16{}
	for i := 0; i < 16; i++ {
		t.RPMBins[i] = uint16(500 + i*500)   // 500..8000 rpm
		t.LoadBins[i] = uint16(20 + i*12)    // 20..200 kPa-ish load axis
		for j := 0; j < 16; j++ {
			t.Values[i][j] = flatValue
		}
	}
	t.Recompute()
	return t
}

// LocateLow returns the largest index i such that bins[i] <= x, clamped to
// [0, 14] so that i+1 is always a valid upper bin, per spec.md §4.3 step 2.
// Exported so callers (the LambdaController write-back path) can find the
// same cell Interpolate would have used without duplicating the search.
func LocateLow(bins [16]uint16, x uint16) int {
	idx := 0
	for i := 0; i < 16; i++ {
		if bins[i] <= x {
			idx = i
		} else {
			break
		}
	}
	if idx > 14 {
		idx = 14
	}
	return idx
}

func locateLow(bins [16]uint16, x uint16) int { return LocateLow(bins, x) }

// Interpolate bilinearly interpolates Values at (rpm, load), widening to
// u32 arithmetic to avoid overflow per spec.md §4.3 step 3. Out-of-range
// inputs clamp to the nearest edge bin. err is ErrTableInvalid if the
// table's checksum doesn't match its values.
func Interpolate(t *Table16x16, rpm, load uint16) (uint16, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("tables: %w", ErrTableInvalid)
	}

	ix := locateLow(t.RPMBins, rpm)
	iy := locateLow(t.LoadBins, load)

	x0, x1 := t.RPMBins[ix], t.RPMBins[ix+1]
	y0, y1 := t.LoadBins[iy], t.LoadBins[iy+1]

	v00 := uint32(t.Values[ix][iy])
	v10 := uint32(t.Values[ix+1][iy])
	v01 := uint32(t.Values[ix][iy+1])
	v11 := uint32(t.Values[ix+1][iy+1])

	// Clamp the query point into [x0,x1]x[y0,y1] so out-of-range inputs
	// clamp to the edge cell rather than extrapolating.
	rx := clampU16(rpm, x0, x1)
	ry := clampU16(load, y0, y1)

	var fx, fy uint32 = 0, 0
	if x1 > x0 {
		fx = uint32(rx-x0) * 256 / uint32(x1-x0)
	}
	if y1 > y0 {
		fy = uint32(ry-y0) * 256 / uint32(y1-y0)
	}

	top := v00*(256-fx) + v10*fx
	bot := v01*(256-fx) + v11*fx
	result := (top*(256-fy) + bot*fy) / (256 * 256)

	return uint16(result), nil
}

func clampU16(v, lo, hi uint16) uint16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
