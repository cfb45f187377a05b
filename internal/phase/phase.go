// Package phase reconstructs crank angle from tooth events on an N-2
// toothed wheel with a synchronization gap and an optional cam phase edge,
// per spec.md §3 and §4.2.
package phase

import "sort"

// SyncState is the PhaseTracker's sync status.
type SyncState int

const (
	Unsynced SyncState = iota
	TentativeGap
	Acquired
	Lost
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case TentativeGap:
		return "tentative_gap"
	case Acquired:
		return "acquired"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// ToothEvent is a single tooth edge as delivered by the trigger source
// (spec.md §6): a monotonic timestamp and an optional cam-phase flag.
type ToothEvent struct {
	TimestampUs uint32
	IsCamPhase  bool
}

const ringSize = 8

// State is the PhaseTracker's externally-visible output, per spec.md §3.
type State struct {
	ToothCountTotal  uint16
	ToothPeriodUs    uint32
	ToothIndex       uint16 // in [0, N+1]
	RevolutionIndex  uint8  // 0 or 1
	SyncState        SyncState
	TimePerDegreeUs  float32
	CurrentAngleDeg  float32 // revolution_index*360 + tooth_index*(360/(N+2))
}

// Tracker owns PhaseState and is the sole mutator of it, per spec.md §5.
type Tracker struct {
	n uint16 // physical tooth count N

	ring      [ringSize]uint32
	ringLen   int
	ringNext  int
	lastStamp uint32
	haveStamp bool

	toothIndex      uint16
	revolutionIndex uint8
	syncState       SyncState
	toothPeriodUs   uint32

	// camWindowLo/Hi define the tooth-index window around the reference
	// tooth within which a cam edge confirms revolution phase.
	camWindowLo uint16
	camWindowHi uint16

	// referenceIndex is the logical tooth index assigned on first gap.
	referenceIndex uint16
	sawGapOnce     bool
	sawCamAtGap    bool
}

// NewTracker builds a Tracker for a wheel with n physical teeth (gap size
// 2, so the logical cycle is n+2 long) and a cam-confirmation window
// around the reference tooth.
func NewTracker(n uint16, camWindowLo, camWindowHi uint16) *Tracker {
	return &Tracker{
		n:           n,
		syncState:   Unsynced,
		camWindowLo: camWindowLo,
		camWindowHi: camWindowHi,
	}
}

// logicalCycle is N+2: the physical teeth plus the two missing at the gap.
func (t *Tracker) logicalCycle() uint16 {
	return t.n + 2
}

func (t *Tracker) pushInterval(v uint32) {
	t.ring[t.ringNext] = v
	t.ringNext = (t.ringNext + 1) % ringSize
	if t.ringLen < ringSize {
		t.ringLen++
	}
}

// median returns the median of the current ring contents. With ringLen==0
// it returns 0 (caller must not invoke gap detection on the first tooth).
func (t *Tracker) median() uint32 {
	if t.ringLen == 0 {
		return 0
	}
	tmp := make([]uint32, t.ringLen)
	copy(tmp, t.ring[:t.ringLen])
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return tmp[len(tmp)/2]
}

// OnTooth processes one tooth edge and returns the updated State.
func (t *Tracker) OnTooth(ev ToothEvent) State {
	if !t.haveStamp {
		t.haveStamp = true
		t.lastStamp = ev.TimestampUs
		return t.snapshot()
	}

	interval := wrapSub(ev.TimestampUs, t.lastStamp)
	t.lastStamp = ev.TimestampUs
	t.toothPeriodUs = interval

	med := t.median()
	isGap := t.ringLen > 0 && med > 0 && float64(interval) > 1.5*float64(med)

	switch t.syncState {
	case Unsynced:
		if isGap {
			t.toothIndex = t.referenceIndex
			t.syncState = TentativeGap
			t.sawGapOnce = true
			t.sawCamAtGap = ev.IsCamPhase
		} else {
			t.pushInterval(interval)
		}

	case TentativeGap:
		if isGap {
			// Confirming second gap at the expected position.
			t.toothIndex = (t.toothIndex + 3) % t.logicalCycle()
			if ev.IsCamPhase || t.sawCamAtGap {
				t.syncState = Acquired
				t.revolutionIndex = 0
			} else {
				// No cam edge at either gap: stay TentativeGap rather
				// than promoting to Acquired (spec.md §4.2 step 4). Tooth
				// counting is still trustworthy, just not which crank
				// revolution it is — the scheduler falls back to
				// wasted-spark on this state.
				t.sawCamAtGap = false
			}
		} else {
			t.toothIndex = (t.toothIndex + 1) % t.logicalCycle()
			t.pushInterval(interval)
			if ev.IsCamPhase {
				t.sawCamAtGap = true
			}
		}

	case Acquired:
		if isGap {
			t.advanceToothIndex(3)
			// Drop the long gap interval from the median ring (spec.md
			// §4.2 step 2): don't push it.
		} else {
			lo, hi := 0.6*float64(med), 1.8*float64(med)
			if med > 0 && (float64(interval) < lo || float64(interval) > hi) {
				t.syncState = Lost
				t.toothIndex = 0
				t.revolutionIndex = 0
				t.ringLen = 0
				t.ringNext = 0
				return t.snapshot()
			}
			t.advanceToothIndex(1)
			t.pushInterval(interval)
		}
		// Cam edge within the reference window re-confirms / latches
		// revolution_index=0 (the cam runs at half crank speed, so one
		// edge occurs per 720° cycle); the other crank revolution is
		// whatever isn't the latched one.
		if ev.IsCamPhase && t.toothIndex >= t.camWindowLo && t.toothIndex <= t.camWindowHi {
			t.revolutionIndex = 0
			t.sawCamAtGap = true
		}

	case Lost:
		// No retry here (spec.md §4.2 "Failure mode"): resync happens
		// naturally the next time a gap is detected, by falling back
		// through Unsynced semantics.
		t.syncState = Unsynced
		t.sawGapOnce = false
		return t.OnTooth(ev)
	}

	return t.snapshot()
}

// advanceToothIndex moves tooth_index forward by delta mod the logical
// cycle length, toggling revolution_index each time the index wraps past
// the top of one crank revolution (every 360° of crank rotation).
func (t *Tracker) advanceToothIndex(delta uint16) {
	cycle := t.logicalCycle()
	next := (t.toothIndex + delta) % cycle
	if next < t.toothIndex {
		t.revolutionIndex = 1 - t.revolutionIndex
	}
	t.toothIndex = next
}

// HasPhase reports whether revolution_index is cam-confirmed. Under this
// tracker's state machine that's exactly sync_state == Acquired: a cam
// edge is required to ever reach Acquired (spec.md §4.2 step 4), so the
// degraded "gap aligned but phase unknown" condition is represented by
// TentativeGap, not by a phase-less Acquired state.
func (t *Tracker) HasPhase() bool {
	return t.syncState == Acquired
}

func (t *Tracker) snapshot() State {
	cycle := t.logicalCycle()
	timePerDeg := float32(0)
	if cycle > 0 {
		timePerDeg = float32(t.toothPeriodUs) * float32(cycle) / 360.0
	}
	angle := float32(t.revolutionIndex)*360 + float32(t.toothIndex)*(360.0/float32(cycle))
	return State{
		ToothCountTotal: t.n,
		ToothPeriodUs:   t.toothPeriodUs,
		ToothIndex:      t.toothIndex,
		RevolutionIndex: t.revolutionIndex,
		SyncState:       t.syncState,
		TimePerDegreeUs: timePerDeg,
		CurrentAngleDeg: angle,
	}
}

// wrapSub computes (a-b) mod 2^32, the wrap-aware subtraction spec.md §9
// requires for all tick/timestamp comparisons around the counter wrap.
func wrapSub(a, b uint32) uint32 {
	return a - b // unsigned wraparound is exactly mod 2^32 in Go
}
