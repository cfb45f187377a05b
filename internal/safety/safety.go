// Package safety implements the over-rev/overheat/VBat limp-mode monitor,
// per spec.md §4.7.
package safety

import (
	"sync"
	"time"
)

// Thresholds mirrors the teacher's ThresholdConfig shape (warn/danger
// pairs sourced from config rather than hardcoded), narrowed to the
// checks spec.md §4.7 actually specifies.
type Thresholds struct {
	RPMTripHigh  uint32        // rpm >= this trips limp
	RPMResetLow  uint32        // rpm must drop below this to reset
	CLTTripC     float64       // clt_c > this trips limp
	VBatMinDv    uint16        // vbat_dv below this trips limp
	VBatMaxDv    uint16        // vbat_dv above this trips limp
	ClearDelay   time.Duration // all-healthy duration required to de-assert
}

// DefaultThresholds matches spec.md §4.7's stated values.
var DefaultThresholds = Thresholds{
	RPMTripHigh: 7500,
	RPMResetLow: 6800,
	CLTTripC:    120,
	VBatMinDv:   70,
	VBatMaxDv:   170,
	ClearDelay:  2000 * time.Millisecond,
}

// Monitor latches limp mode per spec.md §4.7 / §7 SafetyTrip and requires
// all checks healthy for >= ClearDelay before de-asserting. Evaluate/Limp/
// OverRev are called concurrently from the tooth task (pinned to the
// timing core, per spec.md §5's task table) and from CoreController's
// watchdog-check ticker on another core, so all state is guarded by mu
// rather than relying on single-writer discipline, the way the teacher
// guards every struct shared across goroutines.
type Monitor struct {
	mu sync.Mutex

	thresholds Thresholds

	limp         bool
	rpmOverTrip  bool // latched until rpm < RPMResetLow (hysteresis)
	healthySince time.Time
	haveHealthy  bool
}

// New builds a Monitor with the given thresholds.
func New(thresholds Thresholds) *Monitor {
	return &Monitor{thresholds: thresholds}
}

// Evaluate runs one cycle's checks and returns whether limp mode is
// (now) engaged.
func (m *Monitor) Evaluate(now time.Time, rpm uint32, cltC float64, vbatDv uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.thresholds

	if rpm >= t.RPMTripHigh {
		m.rpmOverTrip = true
	} else if rpm < t.RPMResetLow {
		m.rpmOverTrip = false
	}

	overheat := cltC > t.CLTTripC
	vbatBad := vbatDv < t.VBatMinDv || vbatDv > t.VBatMaxDv

	tripped := m.rpmOverTrip || overheat || vbatBad

	if tripped {
		m.limp = true
		m.haveHealthy = false
		return true
	}

	if !m.limp {
		return false
	}

	// Currently limp but this cycle is healthy: require ClearDelay of
	// continuous health before de-asserting.
	if !m.haveHealthy {
		m.haveHealthy = true
		m.healthySince = now
		return true
	}
	if now.Sub(m.healthySince) >= t.ClearDelay {
		m.limp = false
		return false
	}
	return true
}

// Limp reports the latched limp-mode state without evaluating.
func (m *Monitor) Limp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limp
}

// OverRev reports whether the over-rev latch specifically is engaged
// (rpm has reached RPMTripHigh and has not yet dropped below
// RPMResetLow), per spec.md §4.7's "cut fuel until rpm < 6800
// (hysteresis)" and §8 scenario F. The Scheduler checks it alongside the
// general limp latch: either one cuts fuel and suppresses spark on all
// channels.
func (m *Monitor) OverRev() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpmOverTrip
}
