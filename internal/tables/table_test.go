package tables

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTableIsValid(t *testing.T) {
	tab := DefaultTable(100)
	assert.True(t, tab.Valid())
}

func TestInterpolateFlatTableReturnsFlatValue(t *testing.T) {
	tab := DefaultTable(100)
	v, err := Interpolate(tab, 3000, 90)
	assert.NoError(t, err)
	assert.Equal(t, uint16(100), v)
}

func TestInterpolateReturnsErrOnBadChecksum(t *testing.T) {
	tab := DefaultTable(100)
	tab.Values[0][0] = 9999 // mutate without Recompute
	_, err := Interpolate(tab, 3000, 90)
	assert.True(t, errors.Is(err, ErrTableInvalid))
}

func TestInterpolateBilinearMidpoint(t *testing.T) {
	tab := DefaultTable(0)
	tab.RPMBins = [16]uint16{0, 1000, 2000, 3000, 4000, 5000, 6000, 7000, 8000, 9000, 10000, 11000, 12000, 13000, 14000, 15000}
	tab.LoadBins = [16]uint16{0, 20, 40, 60, 80, 100, 120, 140, 160, 180, 200, 220, 240, 260, 280, 300}
	tab.Values[0][0] = 0
	tab.Values[1][0] = 100
	tab.Values[0][1] = 0
	tab.Values[1][1] = 100
	tab.Recompute()

	v, err := Interpolate(tab, 500, 10) // halfway in rpm, flat in load
	assert.NoError(t, err)
	assert.Equal(t, uint16(50), v)
}

func TestInterpolateClampsOutOfRangeQuery(t *testing.T) {
	tab := DefaultTable(42)
	v, err := Interpolate(tab, 100000, 100000) // far past the top bin
	assert.NoError(t, err)
	assert.Equal(t, uint16(42), v)
}

func TestLocateLowClampsToSecondToLastBin(t *testing.T) {
	tab := DefaultTable(1)
	assert.Equal(t, 14, LocateLow(tab.RPMBins, 999999))
	assert.Equal(t, 0, LocateLow(tab.RPMBins, 0))
}

func TestEngineLookupCachesWithinDeadband(t *testing.T) {
	eng := &Engine{}
	tab := DefaultTable(77)

	v1, hit1, err := eng.Lookup(FuelCache, tab, 3000, 90)
	assert.NoError(t, err)
	assert.False(t, hit1)
	assert.Equal(t, uint16(77), v1)

	v2, hit2, err := eng.Lookup(FuelCache, tab, 3010, 95) // within deadband
	assert.NoError(t, err)
	assert.True(t, hit2)
	assert.Equal(t, v1, v2)
}

func TestEngineLookupMissesOutsideDeadband(t *testing.T) {
	eng := &Engine{}
	tab := DefaultTable(77)

	_, _, err := eng.Lookup(IgnitionCache, tab, 3000, 90)
	assert.NoError(t, err)

	_, hit, err := eng.Lookup(IgnitionCache, tab, 3100, 90) // 100 rpm > 50 deadband
	assert.NoError(t, err)
	assert.False(t, hit)
}

func TestEngineLookupInvalidTableDoesNotPoisonCache(t *testing.T) {
	eng := &Engine{}
	tab := DefaultTable(50)
	tab.Values[5][5] = 123 // break the checksum

	_, hit, err := eng.Lookup(LambdaCache, tab, 3000, 90)
	assert.Error(t, err)
	assert.False(t, hit)

	tab.Recompute()
	_, hit2, err2 := eng.Lookup(LambdaCache, tab, 3000, 90)
	assert.NoError(t, err2)
	assert.False(t, hit2) // cache was never populated by the failed lookup
}
