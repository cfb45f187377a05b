package bench

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/sensors"
)

// Serial reads framed tooth/sensor/lambda records from a bench rig (a
// tooth-wheel/cam-pulse generator box, or a logic-analyzer replay fixture)
// over a serial link, for hardware-in-the-loop testing. Grounded on the
// teacher's Speeduino provider: same serial.Open/SetReadTimeout/
// ResetInputBuffer shape and the same CRC32 framing convention, applied to
// a push stream of event records instead of a request/response poll.
type Serial struct {
	portPath string
	baudRate int

	mu   sync.Mutex
	port serial.Port
}

// SerialConfig holds connection configuration for the bench rig.
type SerialConfig struct {
	PortPath string
	BaudRate int
}

// Record types framed on the wire, one byte each, followed by a
// fixed-size payload and a 4-byte big-endian CRC32/IEEE trailer.
const (
	recTooth  byte = 0x01
	recSensor byte = 0x02
	recLambda byte = 0x03
)

// NewSerial creates a bench-rig Serial source.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &Serial{portPath: cfg.PortPath, baudRate: cfg.BaudRate}
}

func (s *Serial) Name() string { return "Bench rig (serial)" }

func (s *Serial) Connect(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("bench: open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("bench: set read timeout: %w", err)
	}
	port.ResetInputBuffer()

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	log.Printf("[bench] connected to %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Run reads framed records from the bench rig and dispatches them to sink
// until ctx is cancelled or the port is closed/errors.
func (s *Serial) Run(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return fmt.Errorf("bench: not connected")
	}

	r := bufio.NewReader(port)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rec, err := readRecord(r)
		if err != nil {
			if err == io.EOF {
				continue
			}
			return fmt.Errorf("bench: %w", err)
		}
		dispatchRecord(sink, rec)
	}
}

type rawRecord struct {
	kind    byte
	payload []byte
}

// payloadLenFor gives the fixed payload length per record type: tooth is
// 5 bytes (u32 timestamp + bool cam flag), sensor is 12 bytes (the six
// u16/i16 SensorSnapshot fields, excluding monotonic_seq, which the bus
// assigns), lambda is 9 bytes (u32 lambda_x1000, u32 age_ms, bool enabled).
func payloadLenFor(kind byte) (int, error) {
	switch kind {
	case recTooth:
		return 5, nil
	case recSensor:
		return 12, nil
	case recLambda:
		return 9, nil
	default:
		return 0, fmt.Errorf("unknown record type 0x%02X", kind)
	}
}

// readRecord reads one <kind byte><payload><crc32 u32 BE> frame.
func readRecord(r *bufio.Reader) (rawRecord, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return rawRecord{}, err
	}
	n, err := payloadLenFor(kind)
	if err != nil {
		return rawRecord{}, err
	}
	buf := make([]byte, n+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return rawRecord{}, err
	}
	payload := buf[:n]
	wantCRC := binary.BigEndian.Uint32(buf[n:])
	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != wantCRC {
		return rawRecord{}, fmt.Errorf("CRC mismatch on record 0x%02X: got 0x%08X, want 0x%08X", kind, gotCRC, wantCRC)
	}
	return rawRecord{kind: kind, payload: payload}, nil
}

func dispatchRecord(sink Sink, rec rawRecord) {
	switch rec.kind {
	case recTooth:
		sink.OnTooth(phase.ToothEvent{
			TimestampUs: binary.BigEndian.Uint32(rec.payload[0:4]),
			IsCamPhase:  rec.payload[4] != 0,
		})
	case recSensor:
		p := rec.payload
		sink.OnSensors(sensors.Snapshot{
			MapKpaX10:     binary.BigEndian.Uint16(p[0:2]),
			CltC:          int16(binary.BigEndian.Uint16(p[2:4])),
			IatC:          int16(binary.BigEndian.Uint16(p[4:6])),
			TpsPercentX10: binary.BigEndian.Uint16(p[6:8]),
			O2Mv:          binary.BigEndian.Uint16(p[8:10]),
			VbatDv:        binary.BigEndian.Uint16(p[10:12]),
		})
	case recLambda:
		p := rec.payload
		sink.OnExternalLambda(lambdactl.ExternalReading{
			LambdaX1000:       binary.BigEndian.Uint32(p[0:4]),
			AgeMs:             binary.BigEndian.Uint32(p[4:8]),
			ClosedLoopEnabled: p[8] != 0,
		})
	}
}
