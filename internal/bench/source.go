// Package bench implements the trigger/sensor/lambda event sources spec.md
// §6's external interfaces describe: tooth events, the sensor channel, and
// the external lambda channel. Two implementations exist, mirroring the
// teacher's Provider split between a real serial backend and an in-process
// simulator: Emulated generates a synthetic RPM sweep entirely in memory,
// Serial reads framed event records from a bench rig over a serial link.
package bench

import (
	"context"

	"github.com/fourstroke/ecucore/internal/lambdactl"
	"github.com/fourstroke/ecucore/internal/phase"
	"github.com/fourstroke/ecucore/internal/sensors"
)

// Source is the interface every trigger backend implements. Name/Connect/
// Close/IsConnected mirror the teacher's Provider contract; Run replaces
// RequestData's poll-response shape with a push stream, since tooth events
// arrive in order rather than on demand.
type Source interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// Run streams events to sink until ctx is cancelled or a fatal error
	// occurs. It returns nil on clean cancellation.
	Run(ctx context.Context, sink Sink) error
}

// Sink receives events a Source produces. CoreController implements this
// to fan events out to the PhaseTracker, SensorSnapshot bus and
// LambdaController.
type Sink interface {
	OnTooth(ev phase.ToothEvent)
	OnSensors(s sensors.Snapshot)
	OnExternalLambda(r lambdactl.ExternalReading)
}
