package store

import (
	"testing"

	"github.com/fourstroke/ecucore/internal/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("fuel map blob")
	framed := Encode(payload)

	got, err := Decode(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 1})
	assert.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	framed := Encode([]byte("hello"))
	framed[3] = 99 // corrupt the length prefix
	_, err := Decode(framed)
	assert.Error(t, err)
}

func TestDecodeRejectsCRCMismatch(t *testing.T) {
	framed := Encode([]byte("hello"))
	framed[4] = 'H' // corrupt a payload byte, leaving the trailer stale
	_, err := Decode(framed)
	assert.ErrorContains(t, err, "CRC mismatch")
}

func TestKVPutGetRoundTrip(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put(KeyFuelMap, []byte("abc123")))

	got, err := kv.Get(KeyFuelMap)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc123"), got)
}

func TestKVGetMissingKeyErrors(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = kv.Get(KeyIgnitionMap)
	assert.Error(t, err)
}

func TestTableEncodeDecodeRoundTrip(t *testing.T) {
	tab := tables.DefaultTable(123)
	tab.Values[4][9] = 4567
	tab.Recompute()

	blob := EncodeTable(tab)
	got, err := DecodeTable(blob)
	require.NoError(t, err)

	assert.Equal(t, tab.Values, got.Values)
	assert.Equal(t, tab.RPMBins, got.RPMBins)
	assert.Equal(t, tab.LoadBins, got.LoadBins)
	assert.Equal(t, tab.Checksum, got.Checksum)
}

func TestDecodeTableRejectsWrongSize(t *testing.T) {
	_, err := DecodeTable([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEOIConfigRoundTrip(t *testing.T) {
	cfg := EOIConfig{Version: 3, EOIDeg: 355.5, EOIFallbackDeg: 340.0}
	got, err := DecodeEOIConfig(EncodeEOIConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestClosedLoopRecordRoundTrip(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		rec := ClosedLoopRecord{Version: 7, Enabled: enabled}
		got, err := DecodeClosedLoopRecord(EncodeClosedLoopRecord(rec))
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestKVPersistsTableAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	tab := tables.DefaultTable(500)

	kv, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(KeyLambdaMap, EncodeTable(tab)))

	reopened, err := Open(dir)
	require.NoError(t, err)
	raw, err := reopened.Get(KeyLambdaMap)
	require.NoError(t, err)

	got, err := DecodeTable(raw)
	require.NoError(t, err)
	assert.True(t, got.Valid())
	assert.Equal(t, tab.Values, got.Values)
}
