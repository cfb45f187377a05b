// Package core implements CoreController: the run-loop orchestrator that
// wires tooth/sensor/lambda events into PhaseTracker, Scheduler and
// LambdaController, feeds the software watchdog, and throttles table
// persistence, per spec.md §4.8. Grounded on the teacher's Server.Run /
// pollLoop orchestration style: independent goroutines per input source,
// ticker-driven cadence, context.Context cancellation, throttled
// persistence akin to the teacher's 30s odometer-save ticker.
package core

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fourstroke/ecucore/internal/bench"
	"github.com/fourstroke/ecucore/internal/config"
	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/safety"
	"github.com/fourstroke/ecucore/internal/scheduler"
	"github.com/fourstroke/ecucore/internal/sensors"
	"github.com/fourstroke/ecucore/internal/store"
	"github.com/fourstroke/ecucore/internal/tables"
	"github.com/fourstroke/ecucore/internal/telemetry"
	"github.com/fourstroke/ecucore/internal/timing"
)

// watchdogTimeout is spec.md §4.8's "missed feed for > 1000ms -> limp".
const watchdogTimeout = 1000 * time.Millisecond

// controlCycleInterval is the ~1kHz periodic cycle spec.md §2/§5 assigns
// LTFT integration and table persistence to, run at a lower priority than
// (and independent of) the tooth-event Scheduler path.
const controlCycleInterval = 1 * time.Millisecond

// Controller is the CoreController: it owns every subsystem and is the
// Sink a bench.Source pushes tooth/sensor/lambda events into.
type Controller struct {
	cfg *config.Config
	kv  *store.KV

	phaseTracker *phase.Tracker
	sensorBus    *sensors.Bus
	counter      *timing.Counter
	coils        *timing.Output
	injectors    *timing.Output
	tableEngine  *tables.Engine
	lambda       *lambdactl.Controller
	safetyMon    *safety.Monitor
	sched        *scheduler.Scheduler

	tablesMu sync.RWMutex
	curTabs  scheduler.Tables
	dirty    bool

	persistQueue chan persistJob

	telemetrySrv *telemetry.Server

	extLambdaMu sync.Mutex
	extLambda   lambdactl.ExternalReading

	wdMu      sync.Mutex
	lastFeed  time.Time
	wdTripped bool

	persistDrops atomic.Uint64

	// lastPhase is the most recent PhaseState snapshot, published by the
	// tooth task and read by the control-cycle tick (spec.md §5: "readers
	// copy atomically"). It lets LTFT integration run on its own
	// lower-priority periodic cycle, per spec.md §2/§5, instead of on the
	// tooth hot path.
	lastPhase atomic.Pointer[phase.State]
}

// persistJob is one pending table save; persistQueue is the bounded MPSC
// queue spec.md §5 describes ("overflow drops oldest pending save with a
// counter").
type persistJob struct {
	tabs scheduler.Tables
}

const persistQueueCap = 4

// New builds a Controller from configuration and the already-opened
// persisted table store kv, loading (or defaulting) the three live tables.
func New(cfg *config.Config, kv *store.KV, telemetrySrv *telemetry.Server) *Controller {
	eng, safetyCfg, clCfg := cfg.Snapshot()

	c := &Controller{
		cfg:          cfg,
		kv:           kv,
		phaseTracker: phase.NewTracker(eng.ToothCount, 0, 3),
		sensorBus:    sensors.NewBus(),
		counter:      timing.NewCounter(),
		tableEngine:  &tables.Engine{},
		lambda: lambdactl.New(
			lambdactl.Gains{Kp: clCfg.Kp, Ki: clCfg.Ki, Kd: clCfg.Kd},
			clCfg.LTFTAlpha, clCfg.LTFTApplyAbs,
			time.Duration(clCfg.StableWindowMs)*time.Millisecond,
		),
		safetyMon: safety.New(safety.Thresholds{
			RPMTripHigh: safetyCfg.RPMTripHigh,
			RPMResetLow: safetyCfg.RPMResetLow,
			CLTTripC:    safetyCfg.CLTTripC,
			VBatMinDv:   safetyCfg.VBatMinDv,
			VBatMaxDv:   safetyCfg.VBatMaxDv,
			ClearDelay:  time.Duration(safetyCfg.ClearDelayMs) * time.Millisecond,
		}),
		telemetrySrv: telemetrySrv,
		lastFeed:     time.Now(),
		persistQueue: make(chan persistJob, persistQueueCap),
	}

	c.coils = timing.NewOutput(c.counter, 4, eng.RearmGuardUs)
	c.injectors = timing.NewOutput(c.counter, 4, eng.RearmGuardUs)

	c.curTabs = c.loadTables()

	c.sched = scheduler.New(
		scheduler.Config{ReqFuelUs: eng.ReqFuelUs, TargetEOIDeg: eng.TargetEOIDeg, RPMMaxSafe: eng.RPMMaxSafe},
		c.sensorBus, c.counter, c.coils, c.injectors,
		c.curTabs, c.tableEngine, c.lambda, c.safetyMon,
	)
	c.sched.SetClosedLoopEnabled(clCfg.Enabled)

	return c
}

// loadTables reads the three persisted tables, falling back to
// DefaultTable on a missing record or a checksum mismatch (spec.md §4.3
// step 1 / §7 TableInvalid).
func (c *Controller) loadTables() scheduler.Tables {
	return scheduler.Tables{
		Fuel:     c.loadOneTable(store.KeyFuelMap, 100),
		Ignition: c.loadOneTable(store.KeyIgnitionMap, 150), // 15.0 degrees x10
		Lambda:   c.loadOneTable(store.KeyLambdaMap, 1000),  // lambda=1.000 x1000
	}
}

func (c *Controller) loadOneTable(key string, flatDefault uint16) *tables.Table16x16 {
	raw, err := c.kv.Get(key)
	if err != nil {
		log.Printf("[core] no persisted %s (%v), using default", key, err)
		return tables.DefaultTable(flatDefault)
	}
	t, err := store.DecodeTable(raw)
	if err != nil || !t.Valid() {
		log.Printf("[core] %s invalid, using default", key)
		return tables.DefaultTable(flatDefault)
	}
	return t
}

// Run starts the persistence worker and drives the watchdog-check,
// persistence and control-cycle tickers, blocking until ctx is cancelled.
// Telemetry frames are broadcast from OnTooth, not from here.
func (c *Controller) Run(ctx context.Context) {
	watchdogTicker := time.NewTicker(100 * time.Millisecond)
	persistTicker := time.NewTicker(time.Duration(c.cfg.Store.PersistIntervalMs) * time.Millisecond)
	controlTicker := time.NewTicker(controlCycleInterval)
	defer watchdogTicker.Stop()
	defer persistTicker.Stop()
	defer controlTicker.Stop()

	go c.persistWorker(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-watchdogTicker.C:
			c.checkWatchdog()
		case <-persistTicker.C:
			c.enqueuePersist()
		case <-controlTicker.C:
			c.onControlCycle()
		}
	}
}

// OnTooth implements bench.Sink: it advances PhaseTracker, hands the
// resulting PhaseState to the Scheduler, feeds the watchdog on success,
// publishes the phase snapshot for the control cycle, and broadcasts a
// telemetry Frame. LTFT integration is deliberately not run here: spec.md
// §2/§5 assign it to the lower-priority periodic control cycle, kept
// separate from this tooth-event hot path.
func (c *Controller) OnTooth(ev phase.ToothEvent) {
	ps := c.phaseTracker.OnTooth(ev)
	now := c.counter.Advance(ps.ToothPeriodUs)
	wallNow := time.Now()

	c.sched.OnTooth(ps, now, wallNow)
	c.coils.Service(now)
	c.injectors.Service(now)

	c.feedWatchdog()
	psCopy := ps
	c.lastPhase.Store(&psCopy)
	c.broadcast(ps)
}

// onControlCycle is the ~1kHz periodic cycle task (spec.md §2/§5): it
// drives LTFT integration against the most recently published phase
// snapshot, independent of the tooth-event Scheduler path.
func (c *Controller) onControlCycle() {
	ps := c.lastPhase.Load()
	if ps == nil {
		return
	}
	c.integrateLambda(*ps, time.Now())
}

// OnSensors implements bench.Sink: publishes the snapshot to the
// seqlock-protected bus (spec.md §5 "single writer").
func (c *Controller) OnSensors(s sensors.Snapshot) {
	c.sensorBus.Publish(s)
}

// OnExternalLambda implements bench.Sink: latches the latest wideband
// reading and runs one LambdaController PI step against it (or the
// narrowband fallback), per spec.md §4.5's source-selection rule.
func (c *Controller) OnExternalLambda(r lambdactl.ExternalReading) {
	c.extLambdaMu.Lock()
	c.extLambda = r
	c.extLambdaMu.Unlock()

	if !r.ClosedLoopEnabled {
		c.lambda.Disable()
		return
	}

	snap, ok := c.sensorBus.Read()
	if !ok {
		return
	}

	c.extLambdaMu.Lock()
	ext := c.extLambda
	c.extLambdaMu.Unlock()

	measured, valid := lambdactl.SelectLambda(&ext, snap.O2Mv)
	if !valid {
		return
	}

	// Target lambda is 1.0 (stoichiometric); measured is already
	// stoich-normalized by SelectLambda/the external reading.
	c.lambda.Update(1.0, measured, 0.1)
}

// integrateLambda runs the LTFT stability/write-back step once per control
// cycle tick, against the current rpm/load operating point, and swaps in the mutated
// table under the RCU-style discipline spec.md §5 describes.
func (c *Controller) integrateLambda(ps phase.State, now time.Time) {
	if ps.ToothPeriodUs == 0 {
		return
	}
	rpm := uint32(60_000_000.0 / (float64(ps.ToothPeriodUs) * float64(ps.ToothCountTotal+2)))

	snap, ok := c.sensorBus.Read()
	if !ok {
		return
	}

	c.tablesMu.Lock()
	defer c.tablesMu.Unlock()

	t := c.curTabs.Fuel
	rpmIdx := tables.LocateLow(t.RPMBins, uint16(rpm))
	loadIdx := tables.LocateLow(t.LoadBins, snap.MapKpaX10)

	if dirty := c.lambda.Integrate(now, rpm, snap.MapKpaX10, t, rpmIdx, loadIdx); dirty {
		c.dirty = true
		c.sched.SetTables(c.curTabs)
	}
}

// feedWatchdog records a successful cycle timestamp, per spec.md §4.8.
func (c *Controller) feedWatchdog() {
	c.wdMu.Lock()
	defer c.wdMu.Unlock()
	c.lastFeed = time.Now()
	c.wdTripped = false
}

// checkWatchdog engages limp mode if no cycle has fed the watchdog within
// watchdogTimeout (spec.md §4.8).
func (c *Controller) checkWatchdog() {
	c.wdMu.Lock()
	elapsed := time.Since(c.lastFeed)
	tripped := elapsed > watchdogTimeout
	alreadyTripped := c.wdTripped
	if tripped {
		c.wdTripped = true
	}
	c.wdMu.Unlock()

	if tripped && !alreadyTripped {
		log.Printf("[core] watchdog missed feed for %v, forcing limp", elapsed)
		c.safetyMon.Evaluate(time.Now(), c.cfg.Safety.RPMTripHigh, c.cfg.Safety.CLTTripC+1, c.cfg.Safety.VBatMinDv)
	}
}

// enqueuePersist pushes the current tables onto persistQueue if a
// write-back marked them dirty since the last persist, throttled to at
// most once per the configured interval (spec.md §4.5 "no more often than
// every 5000ms"). If the queue is already full the oldest pending save is
// dropped and counted, per spec.md §5's overflow rule.
func (c *Controller) enqueuePersist() {
	c.tablesMu.Lock()
	dirty := c.dirty
	tabs := c.curTabs
	c.dirty = false
	c.tablesMu.Unlock()

	if !dirty {
		return
	}

	job := persistJob{tabs: tabs}
	select {
	case c.persistQueue <- job:
		return
	default:
	}

	select {
	case <-c.persistQueue:
		c.persistDrops.Add(1)
	default:
	}
	select {
	case c.persistQueue <- job:
	default:
		c.persistDrops.Add(1)
	}
}

// persistWorker drains persistQueue and writes each job's tables to the KV
// store. Failed writes are logged, not retried inline (spec.md §7
// PersistenceFailure).
func (c *Controller) persistWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.persistQueue:
			c.doPersist(job.tabs)
		}
	}
}

func (c *Controller) doPersist(tabs scheduler.Tables) {
	if err := c.kv.Put(store.KeyFuelMap, store.EncodeTable(tabs.Fuel)); err != nil {
		log.Printf("[core] persist fuel_map failed: %v", err)
	}
	if err := c.kv.Put(store.KeyIgnitionMap, store.EncodeTable(tabs.Ignition)); err != nil {
		log.Printf("[core] persist ignition_map failed: %v", err)
	}
	if err := c.kv.Put(store.KeyLambdaMap, store.EncodeTable(tabs.Lambda)); err != nil {
		log.Printf("[core] persist lambda_map failed: %v", err)
	}
}

// SetClosedLoopEnabled toggles the global closed-loop switch, called by
// the telemetry config-update path after a runtime recalibration.
func (c *Controller) SetClosedLoopEnabled(enabled bool) {
	c.sched.SetClosedLoopEnabled(enabled)
}

// broadcast publishes a telemetry Frame summarizing the just-completed
// cycle, per spec.md §6.
func (c *Controller) broadcast(ps phase.State) {
	if c.telemetrySrv == nil {
		return
	}

	rpm := uint32(0)
	if ps.ToothPeriodUs != 0 {
		rpm = uint32(60_000_000.0 / (float64(ps.ToothPeriodUs) * float64(ps.ToothCountTotal+2)))
	}

	trim := c.lambda.Trim()
	avg, minJ, maxJ := c.coils.JitterStats()
	snap, _ := c.sensorBus.Read()

	c.telemetrySrv.Broadcast(telemetry.Frame{
		Stamp:          time.Now().UnixMilli(),
		RPM:            rpm,
		SyncState:      ps.SyncState.String(),
		LimpMode:       c.safetyMon.Limp(),
		PulseWidthUs:   c.sched.LastPulseWidthUs,
		AdvanceDegX10:  c.sched.LastAdvanceDegX10,
		STFT:           trim.STFT,
		LTFT:           trim.LTFT,
		CltC:           snap.CltC,
		VBatDv:         snap.VbatDv,
		Late:           c.sched.Counters.Late.Load(),
		RearmCollision: c.sched.Counters.RearmCollision.Load(),
		StaleSensor:    c.sched.Counters.StaleSensor.Load(),
		PersistDrops:   c.persistDrops.Load(),
		JitterAvgUs:    avg,
		JitterMinUs:    minJ,
		JitterMaxUs:    maxJ,
	})
}

// BuildSource returns a bootstrapped bench.Source matching cfg.Bench.Type,
// letting cmd/ecucore/main.go stay a thin wiring layer.
func BuildSource(cfg config.BenchConfig) bench.Source {
	if cfg.Type == "serial" {
		return bench.NewSerial(bench.SerialConfig{PortPath: cfg.PortPath, BaudRate: cfg.BaudRate})
	}
	return bench.NewEmulated(58, 0)
}
