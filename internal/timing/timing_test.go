package timing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInFutureWrapAware(t *testing.T) {
	assert.True(t, InFuture(100, 50))
	assert.False(t, InFuture(50, 100))
	// Wraps past 2^32: rise just after a counter wrap is still "future".
	assert.True(t, InFuture(10, 0xFFFFFFF0))
}

func TestArmRejectsTooCloseTarget(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 200)
	err := o.Arm(0, 100+MinLeadUs, 200, 100) // exactly at the lead floor
	assert.ErrorIs(t, err, ErrLate)
}

func TestArmSucceedsPastLeadFloor(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 200)
	err := o.Arm(0, 100+MinLeadUs+1, 500, 100)
	assert.NoError(t, err)
	assert.Equal(t, Armed, o.StatusOf(0))
}

func TestArmRejectsRearmWithinGuardWindow(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 1000)

	assert.NoError(t, o.Arm(0, 2000, 2500, 100))
	// Rearm attempt while the pending rise is within rearmGuardUs.
	err := o.Arm(0, 2100, 2600, 1500) // ticksAhead(2000,1500)=500 < 1000 guard
	assert.ErrorIs(t, err, ErrRearmCollision)
}

func TestArmAllowsRearmOutsideGuardWindow(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 200)

	assert.NoError(t, o.Arm(0, 2000, 2500, 100))
	// Pending rise is now 1000 ticks out, well past the 200-tick guard.
	err := o.Arm(0, 3000, 3500, 1000)
	assert.NoError(t, err)
}

func TestServiceTransitionsArmedToFiringToIdle(t *testing.T) {
	// An edge at tick T is still pending while now==T (ticks_ahead==0 is
	// "in future"); it fires once now has moved strictly past it.
	o := NewOutput(NewCounter(), 1, 50)
	assert.NoError(t, o.Arm(0, 1000, 1200, 100))

	o.Service(1000)
	assert.Equal(t, Armed, o.StatusOf(0))

	o.Service(1001)
	assert.Equal(t, Firing, o.StatusOf(0))

	o.Service(1200)
	assert.Equal(t, Firing, o.StatusOf(0))

	o.Service(1201)
	assert.Equal(t, Idle, o.StatusOf(0))
}

func TestForceLowResetsChannelToIdle(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 50)
	assert.NoError(t, o.Arm(0, 1000, 1200, 100))
	o.ForceLow(0)
	assert.Equal(t, Idle, o.StatusOf(0))
}

func TestJitterStatsTracksRiseLateness(t *testing.T) {
	o := NewOutput(NewCounter(), 1, 50)

	assert.NoError(t, o.Arm(0, 1000, 1200, 100))
	o.Service(1005) // rise edge observed 5 ticks late
	o.ForceLow(0)

	assert.NoError(t, o.Arm(0, 2000, 2200, 1200))
	o.Service(2015) // 15 ticks late

	avg, min, max := o.JitterStats()
	assert.Equal(t, uint32(10), avg)
	assert.Equal(t, uint32(5), min)
	assert.Equal(t, uint32(15), max)
}

func TestCounterAdvanceWraps(t *testing.T) {
	c := NewCounter()
	c.Advance(0xFFFFFFFF)
	got := c.Advance(2)
	assert.Equal(t, uint32(1), got) // wraps past 2^32
}
