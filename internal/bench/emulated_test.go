package bench

import (
	"context"
	"testing"
	"time"

	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/sensors"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	teeth   []phase.ToothEvent
	sensors []sensors.Snapshot
	lambdas []lambdactl.ExternalReading
}

func (r *recordingSink) OnTooth(ev phase.ToothEvent) { r.teeth = append(r.teeth, ev) }
func (r *recordingSink) OnSensors(s sensors.Snapshot) { r.sensors = append(r.sensors, s) }
func (r *recordingSink) OnExternalLambda(e lambdactl.ExternalReading) {
	r.lambdas = append(r.lambdas, e)
}

func TestEmulatedConnectAndClose(t *testing.T) {
	e := NewEmulated(58, 0)
	assert.False(t, e.IsConnected())
	assert.NoError(t, e.Connect(context.Background()))
	assert.True(t, e.IsConnected())
	assert.NoError(t, e.Close())
	assert.False(t, e.IsConnected())
}

func TestEmulatedRunFeedsSinkAndAcquiresSync(t *testing.T) {
	// A small tooth count and a generous timeout so two full logical
	// cycles (needed to confirm sync) complete well within the deadline,
	// even though Run paces itself against real wall-clock tooth periods.
	e := NewEmulated(4, 0)
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	err := e.Run(ctx, sink)
	assert.NoError(t, err)
	assert.NotEmpty(t, sink.teeth)
	assert.NotEmpty(t, sink.sensors)
	assert.NotEmpty(t, sink.lambdas)

	tr := phase.NewTracker(4, 0, 5)
	var last phase.State
	for _, ev := range sink.teeth {
		last = tr.OnTooth(ev)
	}
	assert.Equal(t, phase.Acquired, last.SyncState)
}

func TestEmulatedStopsOnContextCancel(t *testing.T) {
	e := NewEmulated(58, 0)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx, sink)
	assert.NoError(t, err)
	assert.Empty(t, sink.teeth)
}
