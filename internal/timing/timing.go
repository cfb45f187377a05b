// Package timing implements the hardware timer abstraction: per-channel
// absolute-compare arming against a free-running, wrap-aware microsecond
// counter, per spec.md §4.1.
//
// spec.md §9 records that the source firmware keeps two parallel arm
// implementations — one that restarts the timer per event, one that uses
// a free-running counter with absolute compares — and states the
// absolute-compare variant is this spec's intended contract. Only that
// variant is implemented here.
package timing

import (
	"errors"
	"sync"
)

// HalfWrap is half of the 32-bit tick space, used for wrap-aware
// "is in the future" comparisons per spec.md §4.1.
const HalfWrap = 1 << 31

// MinLeadUs is the minimum lead time an arm() target must clear.
const MinLeadUs = 50

// ErrLate is returned when rise_ticks <= current_ticks + MIN_LEAD_US.
var ErrLate = errors.New("timing: arm target too close to now")

// ErrRearmCollision is returned when a channel already Armed is rearmed
// within RearmGuardUs of its pending rise edge (spec.md §5 "Cancellation/
// timeout").
var ErrRearmCollision = errors.New("timing: rearm collision")

// Status is a channel's current state.
type Status int

const (
	Idle Status = iota
	Armed
	Firing
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "unknown"
	}
}

// channelState is the per-hardware-channel state spec.md §3 describes.
type channelState struct {
	status    Status
	riseTicks uint32
	fallTicks uint32
	armedAt   uint32
}

// Counter is a free-running 1MHz tick counter that wraps at 2^32; no
// shorter wrap period is configured. Production firmware backs this with
// real hardware; this implementation moves only when Advance is called
// (CoreController advances it by each tooth period).
type Counter struct {
	mu   sync.Mutex
	tick uint32
}

// NewCounter returns a Counter starting at 0.
func NewCounter() *Counter { return &Counter{} }

// Now returns the current tick count.
func (c *Counter) Now() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Advance moves the counter forward by deltaUs ticks (wrapping mod 2^32).
func (c *Counter) Advance(deltaUs uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick += deltaUs
	return c.tick
}

// TicksAhead computes (a-b) mod 2^32, the wrap-aware subtraction spec.md
// §4.1 and §9 require.
func TicksAhead(a, b uint32) uint32 {
	return a - b
}

// InFuture reports whether rise is "in the future" relative to now per
// spec.md §4.1: ticks_ahead(rise, now) < HALF_WRAP.
func InFuture(rise, now uint32) bool {
	return TicksAhead(rise, now) < HalfWrap
}

// jitterWindowSize is the sliding sample window spec.md §6 requires for
// the exposed jitter telemetry.
const jitterWindowSize = 512

// Output is the TimingOutput hardware abstraction owning nChannels
// absolute-compare channels against a shared free-running Counter.
type Output struct {
	mu       sync.Mutex
	counter  *Counter
	channels []channelState

	rearmGuardUs uint32

	jitter     [jitterWindowSize]uint32
	jitterLen  int
	jitterNext int
}

// NewOutput returns an Output with nChannels channels, all Idle.
func NewOutput(counter *Counter, nChannels int, rearmGuardUs uint32) *Output {
	return &Output{
		counter:      counter,
		channels:     make([]channelState, nChannels),
		rearmGuardUs: rearmGuardUs,
	}
}

// Arm programs channel's compare registers so the output rises at
// riseTicks and falls at fallTicks, relative to currentTicks, per
// spec.md §4.1. It fails with ErrLate if riseTicks <= currentTicks +
// MinLeadUs, and with ErrRearmCollision if the channel is already Armed
// within rearmGuardUs of its pending rise edge (spec.md §5).
func (o *Output) Arm(channel int, riseTicks, fallTicks, currentTicks uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !InFuture(riseTicks, currentTicks) || TicksAhead(riseTicks, currentTicks) <= MinLeadUs {
		return ErrLate
	}

	ch := &o.channels[channel]
	if ch.status == Armed {
		if TicksAhead(ch.riseTicks, currentTicks) < o.rearmGuardUs {
			return ErrRearmCollision
		}
		// Otherwise the previous arm is superseded (spec.md §5).
	}

	ch.status = Armed
	ch.riseTicks = riseTicks
	ch.fallTicks = fallTicks
	ch.armedAt = currentTicks
	return nil
}

// ForceLow synchronously drives the channel's pin low and cancels any
// pending arm.
func (o *Output) ForceLow(channel int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels[channel] = channelState{status: Idle}
}

// ReadCounter returns the free-running tick count.
func (o *Output) ReadCounter() uint32 {
	return o.counter.Now()
}

// StatusOf returns a channel's current status.
func (o *Output) StatusOf(channel int) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[channel].status
}

// Service advances channel state machines against the current counter
// value: channels whose rise edge has passed transition to Firing, and
// channels whose fall edge has passed return to Idle. Production firmware
// does this from a hardware compare interrupt; here CoreController calls
// it once per tooth event, right after advancing the counter.
func (o *Output) Service(now uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.channels {
		ch := &o.channels[i]
		switch ch.status {
		case Armed:
			if !InFuture(ch.riseTicks, now) {
				ch.status = Firing
				o.pushJitter(TicksAhead(now, ch.riseTicks))
			}
		case Firing:
			if !InFuture(ch.fallTicks, now) {
				ch.status = Idle
			}
		}
	}
}

// pushJitter records one rise-edge lateness sample (now-riseTicks at the
// moment Service observed the edge as due) into the sliding window.
func (o *Output) pushJitter(sample uint32) {
	o.jitter[o.jitterNext] = sample
	o.jitterNext = (o.jitterNext + 1) % jitterWindowSize
	if o.jitterLen < jitterWindowSize {
		o.jitterLen++
	}
}

// JitterStats reports avg/min/max rise-edge lateness over the current
// sliding window, per spec.md §6's exposed telemetry counters.
func (o *Output) JitterStats() (avg, min, max uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jitterLen == 0 {
		return 0, 0, 0
	}
	var sum uint64
	min = o.jitter[0]
	for i := 0; i < o.jitterLen; i++ {
		v := o.jitter[i]
		sum += uint64(v)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg = uint32(sum / uint64(o.jitterLen))
	return avg, min, max
}
