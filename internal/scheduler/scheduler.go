// Package scheduler implements the Scheduler component: per spec.md §4.6,
// it is the sole owner of all eight ChannelStates (four coils, four
// injectors) and drives them from tooth events by walking the full
// sensor → table → fuel/ignition → arm pipeline once per qualifying
// tooth.
package scheduler

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/fourstroke/ecucore/internal/fuel"
	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/safety"
	"github.com/fourstroke/ecucore/internal/sensors"
	"github.com/fourstroke/ecucore/internal/tables"
	"github.com/fourstroke/ecucore/internal/timing"
)

const cylCount = 4

// cylTDCDeg are the four cylinder TDCs over the 720° engine cycle
// (spec.md §Glossary: 180° apart for a 4-cylinder engine).
var cylTDCDeg = [cylCount]float64{0, 180, 360, 540}

// LimpAdvanceDeg is the fixed advance spec.md §4.6 step 2 substitutes
// when SafetyMonitor has latched limp mode.
const LimpAdvanceDeg = 10.0

// Config carries the tunables spec.md §4.6 and §4.4 reference.
type Config struct {
	ReqFuelUs    float64
	TargetEOIDeg float64
	RPMMaxSafe   uint32
}

// DefaultConfig matches spec.md's stated constants.
func DefaultConfig() Config {
	return Config{ReqFuelUs: fuel.ReqFuelUs, TargetEOIDeg: 0, RPMMaxSafe: 12000}
}

// Counters are the scheduling-side telemetry counters spec.md §6 exposes
// for test: late arms, rearm collisions and stale sensor reads.
type Counters struct {
	Late           atomic.Uint64
	RearmCollision atomic.Uint64
	StaleSensor    atomic.Uint64
}

// Scheduler wires PhaseTracker output to TimingOutput arms, consulting
// TableEngine, FuelMath, LambdaController and SafetyMonitor on every
// qualifying tooth, per spec.md §4.6.
type Scheduler struct {
	cfg Config

	sensorBus *sensors.Bus
	counter   *timing.Counter
	coils     *timing.Output
	injectors *timing.Output

	fuelTable     *tables.Table16x16
	ignitionTable *tables.Table16x16
	lambdaTable   *tables.Table16x16
	engine        *tables.Engine

	lambda            *lambdactl.Controller
	safety            *safety.Monitor
	closedLoopEnabled atomic.Bool

	Counters Counters

	// LastPulseWidthUs/LastAdvanceDegX10 record the most recently computed
	// fuel/ignition targets, exposed for telemetry (spec.md §6). Written
	// only from OnTooth, which CoreController calls from a single tooth
	// task, so no additional synchronization is needed (spec.md §5's
	// single-producer discipline).
	LastPulseWidthUs  uint32
	LastAdvanceDegX10 int32
}

// SetClosedLoopEnabled toggles the global closed-loop switch spec.md
// §4.5 describes: disabled forces lambda_corr=0 regardless of trim
// state.
func (s *Scheduler) SetClosedLoopEnabled(enabled bool) {
	s.closedLoopEnabled.Store(enabled)
}

// Tables bundles the three live VE/ignition/lambda tables a Scheduler
// consults; callers (CoreController) own swapping these under the
// RCU-style discipline spec.md §5 describes.
type Tables struct {
	Fuel     *tables.Table16x16
	Ignition *tables.Table16x16
	Lambda   *tables.Table16x16
}

// New builds a Scheduler. coils and injectors must each have cylCount
// channels.
func New(cfg Config, bus *sensors.Bus, counter *timing.Counter, coils, injectors *timing.Output, t Tables, engine *tables.Engine, lambda *lambdactl.Controller, mon *safety.Monitor) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		sensorBus:     bus,
		counter:       counter,
		coils:         coils,
		injectors:     injectors,
		fuelTable:     t.Fuel,
		ignitionTable: t.Ignition,
		lambdaTable:   t.Lambda,
		engine:        engine,
		lambda:        lambda,
		safety:        mon,
	}
}

// SetTables installs a new live table set (e.g. after a persisted reload
// or a write-back swap), per spec.md §5's RCU-style VE table discipline.
func (s *Scheduler) SetTables(t Tables) {
	s.fuelTable = t.Fuel
	s.ignitionTable = t.Ignition
	s.lambdaTable = t.Lambda
}

// OnTooth runs one Scheduler activation for the given phase state,
// implementing spec.md §4.6 steps 1-9. now is the current free-running
// tick count at activation (the scheduler's critical section start, per
// spec.md §5's ordering guarantee).
func (s *Scheduler) OnTooth(ps phase.State, now uint32, wallNow time.Time) {
	snap, ok := s.sensorBus.Read()
	if !ok {
		s.Counters.StaleSensor.Add(1)
		return
	}

	switch ps.SyncState {
	case phase.Lost, phase.Unsynced:
		s.allOff()
		return
	case phase.TentativeGap:
		s.run(ps, snap, now, wallNow, false)
	case phase.Acquired:
		s.run(ps, snap, now, wallNow, true)
	}
}

func (s *Scheduler) allOff() {
	for c := 0; c < cylCount; c++ {
		s.coils.ForceLow(c)
		s.injectors.ForceLow(c)
	}
}

// run implements the shared body of steps 2-9 for both full sync
// (fullPhase=true) and partial sync (fullPhase=false).
func (s *Scheduler) run(ps phase.State, snap sensors.Snapshot, now uint32, wallNow time.Time, fullPhase bool) {
	rpm := rpmFromToothPeriod(ps.ToothPeriodUs, ps.ToothCountTotal+2)
	limp := s.safety.Evaluate(wallNow, rpm, float64(snap.CltC), snap.VbatDv)

	// spec.md §4.7's over-rev hysteresis ("cut fuel until rpm < 6800") and
	// §8 scenario F ("injectors cut; coils suppressed") generalize, per the
	// ground-truth original's engine_control.c (which refuses to schedule
	// any injection/ignition on ANY safety_check_* failure), to every
	// SafetyMonitor trip: while limp is latched no injector or coil edge is
	// armed at all, rather than firing at a clamped advance.
	if limp || s.safety.OverRev() {
		s.allOff()
		s.LastPulseWidthUs = 0
		s.LastAdvanceDegX10 = int32(LimpAdvanceDeg * 10)
		return
	}

	if rpm > s.cfg.RPMMaxSafe {
		rpm = s.cfg.RPMMaxSafe
	}

	veX10, _, _ := s.engine.Lookup(tables.FuelCache, s.fuelTable, uint16(rpm), snap.MapKpaX10)

	lambdaCorr := 0.0
	if s.closedLoopEnabled.Load() {
		tr := s.lambda.Trim()
		lambdaCorr = tr.STFT + tr.LTFT
	}

	pwUs := fuel.PulsewidthUs(s.cfg.ReqFuelUs, rpm, snap.MapKpaX10, veX10, snap.CltC, lambdaCorr)
	s.LastPulseWidthUs = pwUs

	usPerDeg := float64(ps.TimePerDegreeUs)
	if usPerDeg <= 0 {
		return
	}

	if fullPhase {
		s.fullSync(ps, snap, now, usPerDeg, float64(pwUs))
	} else {
		s.partialSync(ps, snap, now, usPerDeg, float64(pwUs))
	}
}

// fullSync implements spec.md §4.6 step 7: independent spark/injection
// scheduling for each of the four cylinders against the 720° domain.
func (s *Scheduler) fullSync(ps phase.State, snap sensors.Snapshot, now uint32, usPerDeg, pwUs float64) {
	advanceDeg := s.currentAdvance(ps, snap)
	s.LastAdvanceDegX10 = int32(advanceDeg * 10)
	currentAngle720 := float64(ps.CurrentAngleDeg)

	for c := 0; c < cylCount; c++ {
		sparkDeg := wrap720(cylTDCDeg[c] - advanceDeg)
		deltaSpark := wrap720(sparkDeg - currentAngle720)
		sparkTicks := now + roundTicks(deltaSpark*usPerDeg)

		dwellTicks := dwellTicksFor(snap.VbatDv, rpmFromToothPeriod(ps.ToothPeriodUs, ps.ToothCountTotal+2))
		dwellStart := saturatingSub(sparkTicks, dwellTicks, now+timing.MinLeadUs)

		eoiDeg := wrap720(s.cfg.TargetEOIDeg + cylTDCDeg[c])
		pwDeg := pwUs / usPerDeg
		soiDeg := wrap720(eoiDeg - pwDeg)
		soiTicks := now + roundTicks(wrap720(soiDeg-currentAngle720)*usPerDeg)
		eoiTicks := soiTicks + uint32(pwUs+0.5)

		s.arm(s.coils, c, dwellStart, sparkTicks, now)
		s.arm(s.injectors, c, soiTicks, eoiTicks, now)
	}
}

// partialSync implements spec.md §4.6 step 8: wasted spark + semi-
// sequential injection over two virtual TDCs (0°/180°) on the 360°
// domain, driving both members of each wasted-spark pair identically.
func (s *Scheduler) partialSync(ps phase.State, snap sensors.Snapshot, now uint32, usPerDeg, pwUs float64) {
	advanceDeg := s.currentAdvance(ps, snap)
	s.LastAdvanceDegX10 = int32(advanceDeg * 10)
	currentAngle360 := math.Mod(float64(ps.CurrentAngleDeg), 360)

	virtualTDC := [2]float64{0, 180}
	pairs := [2][2]int{{0, 3}, {1, 2}}

	for v := 0; v < 2; v++ {
		tdc := virtualTDC[v]
		sparkDeg := wrap360(tdc - advanceDeg)
		deltaSpark := wrap360(sparkDeg - currentAngle360)
		sparkTicks := now + roundTicks(deltaSpark*usPerDeg)

		dwellTicks := dwellTicksFor(snap.VbatDv, rpmFromToothPeriod(ps.ToothPeriodUs, ps.ToothCountTotal+2))
		dwellStart := saturatingSub(sparkTicks, dwellTicks, now+timing.MinLeadUs)

		eoiDeg := wrap360(s.cfg.TargetEOIDeg + tdc)
		pwDeg := pwUs / usPerDeg
		soiDeg := wrap360(eoiDeg - pwDeg)
		soiTicks := now + roundTicks(wrap360(soiDeg-currentAngle360)*usPerDeg)
		eoiTicks := soiTicks + uint32(pwUs+0.5)

		for _, c := range pairs[v] {
			s.arm(s.coils, c, dwellStart, sparkTicks, now)
			s.arm(s.injectors, c, soiTicks, eoiTicks, now)
		}
	}
}

// currentAdvance is the ignition-table lookup plus limp-mode clamp,
// recomputed here so full/partial sync share one definition.
func (s *Scheduler) currentAdvance(ps phase.State, snap sensors.Snapshot) float64 {
	rpm := rpmFromToothPeriod(ps.ToothPeriodUs, ps.ToothCountTotal+2)
	if s.safety.Limp() {
		return LimpAdvanceDeg
	}
	advanceX10, _, err := s.engine.Lookup(tables.IgnitionCache, s.ignitionTable, uint16(rpm), snap.MapKpaX10)
	if err != nil {
		return LimpAdvanceDeg
	}
	return float64(advanceX10) / 10.0
}

// arm attempts TimingOutput.arm and folds the result into the Late/
// RearmCollision counters spec.md §4.6's tie-break rule and §6 require.
func (s *Scheduler) arm(out *timing.Output, channel int, rise, fall, now uint32) {
	err := out.Arm(channel, rise, fall, now)
	switch err {
	case nil:
	case timing.ErrLate:
		s.Counters.Late.Add(1)
	case timing.ErrRearmCollision:
		s.Counters.RearmCollision.Add(1)
	}
}

// rpmFromToothPeriod implements spec.md §4.6 step 3. n is the logical
// cycle length N+2 (physical teeth plus the two missing at the gap), not
// the physical tooth count alone; callers pass ps.ToothCountTotal+2.
func rpmFromToothPeriod(toothPeriodUs uint32, n uint16) uint32 {
	if toothPeriodUs == 0 || n == 0 {
		return 0
	}
	rpm := 60_000_000.0 / (float64(toothPeriodUs) * float64(n))
	if rpm < 0 {
		return 0
	}
	return uint32(rpm + 0.5)
}

// dwellTicksFor implements the Glossary's dwell_ms = dwell_from_vbat(vbat)
// * rpm_bias(rpm), converted to ticks (1 tick = 1us).
func dwellTicksFor(vbatDv uint16, rpm uint32) uint32 {
	ms := dwellFromVBat(vbatDv) * rpmBias(rpm)
	return uint32(ms*1000 + 0.5)
}

// dwellFromVBat is the coarse schedule from spec.md §Glossary.
func dwellFromVBat(vbatDv uint16) float64 {
	switch {
	case vbatDv < 110:
		return 4.5
	case vbatDv < 125:
		return 3.5
	case vbatDv < 140:
		return 3.0
	default:
		return 2.8
	}
}

// rpmBias is the rpm-dependent dwell multiplier from spec.md §Glossary.
func rpmBias(rpm uint32) float64 {
	switch {
	case rpm > 8000:
		return 0.85
	case rpm < 1000:
		return 1.15
	default:
		return 1.0
	}
}

// saturatingSub computes a-b in tick space, clamped so the result never
// precedes floor (spec.md §4.6 step 7: "saturated to now + MIN_LEAD_US").
func saturatingSub(a, b, floor uint32) uint32 {
	r := a - b
	if timing.TicksAhead(floor, r) < timing.HalfWrap {
		return floor
	}
	return r
}

// roundTicks converts a (possibly large) microsecond offset to a tick
// delta, rounding to nearest.
func roundTicks(us float64) uint32 {
	return uint32(math.Round(us))
}

// wrap720 reduces a degree value into [0, 720).
func wrap720(deg float64) float64 {
	deg = math.Mod(deg, 720)
	if deg < 0 {
		deg += 720
	}
	return deg
}

// wrap360 reduces a degree value into [0, 360).
func wrap360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
