package store

import (
	"encoding/binary"
	"fmt"

	"github.com/fourstroke/ecucore/internal/tables"
)

// EncodeTable serializes a Table16x16 as 16x16xu16 values + two 16xu16 bin
// arrays + a u16 checksum, per spec.md §6. Round-tripping through
// EncodeTable/DecodeTable must be byte-identical (spec.md §8 property 4).
func EncodeTable(t *tables.Table16x16) []byte {
	buf := make([]byte, 16*16*2+16*2+16*2+2)
	off := 0
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			binary.BigEndian.PutUint16(buf[off:], t.Values[i][j])
			off += 2
		}
	}
	for i := 0; i < 16; i++ {
		binary.BigEndian.PutUint16(buf[off:], t.RPMBins[i])
		off += 2
	}
	for i := 0; i < 16; i++ {
		binary.BigEndian.PutUint16(buf[off:], t.LoadBins[i])
		off += 2
	}
	binary.BigEndian.PutUint16(buf[off:], t.Checksum)
	return buf
}

// DecodeTable parses the layout EncodeTable produces.
func DecodeTable(buf []byte) (*tables.Table16x16, error) {
	want := 16*16*2 + 16*2 + 16*2 + 2
	if len(buf) != want {
		return nil, fmt.Errorf("store: table blob wrong size: got %d, want %d", len(buf), want)
	}
	t := &tables.Table16x16{}
	off := 0
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			t.Values[i][j] = binary.BigEndian.Uint16(buf[off:])
			off += 2
		}
	}
	for i := 0; i < 16; i++ {
		t.RPMBins[i] = binary.BigEndian.Uint16(buf[off:])
		off += 2
	}
	for i := 0; i < 16; i++ {
		t.LoadBins[i] = binary.BigEndian.Uint16(buf[off:])
		off += 2
	}
	t.Checksum = binary.BigEndian.Uint16(buf[off:])
	return t, nil
}

// EOIConfig is the "eoi_config" persisted record from spec.md §6.
type EOIConfig struct {
	Version        uint32
	EOIDeg         float32
	EOIFallbackDeg float32
}

// EncodeEOIConfig serializes an EOIConfig (the trailing CRC is added by
// Encode/KV.Put, not here — this produces the payload only).
func EncodeEOIConfig(c EOIConfig) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], c.Version)
	binary.BigEndian.PutUint32(buf[4:8], floatBits(c.EOIDeg))
	binary.BigEndian.PutUint32(buf[8:12], floatBits(c.EOIFallbackDeg))
	return buf
}

// DecodeEOIConfig parses the layout EncodeEOIConfig produces.
func DecodeEOIConfig(buf []byte) (EOIConfig, error) {
	if len(buf) != 12 {
		return EOIConfig{}, fmt.Errorf("store: eoi_config blob wrong size: got %d, want 12", len(buf))
	}
	return EOIConfig{
		Version:        binary.BigEndian.Uint32(buf[0:4]),
		EOIDeg:         bitsFloat(binary.BigEndian.Uint32(buf[4:8])),
		EOIFallbackDeg: bitsFloat(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// ClosedLoopRecord is the "closed_loop_cfg" persisted record from spec.md
// §6.
type ClosedLoopRecord struct {
	Version uint32
	Enabled bool
}

// EncodeClosedLoopRecord serializes a ClosedLoopRecord: version, enabled
// byte, 3 reserved bytes.
func EncodeClosedLoopRecord(c ClosedLoopRecord) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], c.Version)
	if c.Enabled {
		buf[4] = 1
	}
	return buf
}

// DecodeClosedLoopRecord parses the layout EncodeClosedLoopRecord produces.
func DecodeClosedLoopRecord(buf []byte) (ClosedLoopRecord, error) {
	if len(buf) != 8 {
		return ClosedLoopRecord{}, fmt.Errorf("store: closed_loop_cfg blob wrong size: got %d, want 8", len(buf))
	}
	return ClosedLoopRecord{
		Version: binary.BigEndian.Uint32(buf[0:4]),
		Enabled: buf[4] != 0,
	}, nil
}
