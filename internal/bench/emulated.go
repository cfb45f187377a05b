package bench

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/sensors"
)

// Emulated generates a synthetic tooth/cam/sensor stream entirely in
// memory, mirroring the teacher's DemoProvider fallback: the core can run
// and be exercised with no bench rig attached.
type Emulated struct {
	mu      sync.Mutex
	running bool

	toothCount uint16 // N, physical teeth
	refTooth   uint16 // tooth index carrying the cam edge each cycle

	rpmPhase float64 // virtual time accumulator driving the RPM sweep
}

// NewEmulated builds an Emulated source for a wheel with n physical teeth,
// latching the cam edge at tooth index refTooth of the logical N+2 cycle.
func NewEmulated(n uint16, refTooth uint16) *Emulated {
	return &Emulated{toothCount: n, refTooth: refTooth}
}

func (e *Emulated) Name() string { return "Emulated (simulated)" }

func (e *Emulated) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	return nil
}

func (e *Emulated) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}

func (e *Emulated) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// rpmWaveform produces an idle-to-rev sweep, the same sinusoidal shape the
// teacher's DemoProvider used for RPM, generalized from a 20Hz UI tick to a
// per-tooth timestamp stream.
func (e *Emulated) rpmWaveform(tSec float64) float64 {
	base := 850.0 + 4000.0*math.Sin(tSec*0.3)*math.Sin(tSec*0.3)
	return base + rand.Float64()*50
}

// Run streams tooth events, a sensor snapshot and an external lambda
// reading to sink at a cadence derived from the simulated RPM, until ctx is
// cancelled. Timestamps start at 0 and accumulate the simulated tooth
// intervals; Run sleeps for each interval, so they track wall-clock time
// only approximately.
func (e *Emulated) Run(ctx context.Context, sink Sink) error {
	logicalCycle := e.toothCount + 2
	var toothIdx uint16
	tSec := 0.0
	var tsUs uint32

	afr := 14.7

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rpm := e.rpmWaveform(tSec)
		if rpm < 400 {
			rpm = 400
		}

		// One full logical cycle (N+2 teeth) spans one crank revolution;
		// convert rpm to a per-tooth period.
		revUs := 60_000_000.0 / rpm
		toothPeriodUs := revUs / float64(logicalCycle)

		// Tooth index 0 is the first real tooth after the gap: the
		// interval leading into it spans the two physically-missing
		// teeth plus itself, so it reads as a single ~3x interval
		// (spec.md §4.2's gap-detection assumption).
		interval := toothPeriodUs
		if toothIdx == 0 {
			interval = 3 * toothPeriodUs
		}

		tsUs += uint32(interval + 0.5)
		isCam := toothIdx == e.refTooth

		sink.OnTooth(phase.ToothEvent{TimestampUs: tsUs, IsCamPhase: isCam})

		mapVal := 30.0 + (rpm-850)/(8000-850)*170
		if mapVal < 20 {
			mapVal = 20
		}
		tps := (rpm - 850) / (8000 - 850) * 100
		if tps < 0 {
			tps = 0
		}
		if tps > 100 {
			tps = 100
		}
		coolant := 85.0 + rand.Float64()*5
		iat := 30.0 + rand.Float64()*8
		afr = 14.7 - (tps/100)*1.5 + rand.Float64()*0.4
		if afr < 10 {
			afr = 10
		}
		battery := 13.8 + rand.Float64()*0.4
		o2mv := 450.0 + (14.7-afr)*200

		sink.OnSensors(sensors.Snapshot{
			MapKpaX10:     uint16(mapVal * 10),
			CltC:          int16(coolant),
			IatC:          int16(iat),
			TpsPercentX10: uint16(tps * 10),
			O2Mv:          uint16(o2mv),
			VbatDv:        uint16(battery * 10),
		})

		sink.OnExternalLambda(lambdactl.ExternalReading{
			LambdaX1000:       uint32(afr / 14.7 * 1000),
			AgeMs:             0,
			ClosedLoopEnabled: true,
		})

		toothIdx = (toothIdx + 1) % e.toothCount
		tSec += interval / 1_000_000.0

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(interval) * time.Microsecond):
		}
	}
}
