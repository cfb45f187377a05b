package fuel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPulsewidthZeroRPMReturnsFloor(t *testing.T) {
	got := PulsewidthUs(ReqFuelUs, 0, 1000, 1000, 70, 0)
	assert.Equal(t, uint32(minPulseUs), got)
}

func TestPulsewidthNeutralInputsReturnReqFuel(t *testing.T) {
	// VE=100% (x10=1000), MAP=100kPa (x10=1000), warm (>=70C), no lambda
	// trim: base_pw reduces to reqFuelUs exactly.
	got := PulsewidthUs(ReqFuelUs, 3000, 1000, 1000, 70, 0)
	assert.Equal(t, uint32(7730), got)
}

func TestWarmupFactorPiecewiseBounds(t *testing.T) {
	assert.Equal(t, 1.40, warmupFactor(-10))
	assert.Equal(t, 1.40, warmupFactor(0))
	assert.Equal(t, 1.00, warmupFactor(70))
	assert.Equal(t, 1.00, warmupFactor(100))
	assert.InDelta(t, 1.20, warmupFactor(35), 1e-9)
}

func TestPulsewidthColdEnginePullsMoreFuel(t *testing.T) {
	cold := PulsewidthUs(ReqFuelUs, 3000, 1000, 1000, 0, 0)
	warm := PulsewidthUs(ReqFuelUs, 3000, 1000, 1000, 70, 0)
	assert.Greater(t, cold, warm)
}

func TestPulsewidthLambdaCorrectionClampsToRange(t *testing.T) {
	lean := PulsewidthUs(ReqFuelUs, 3000, 1000, 1000, 70, -2.0) // clamps lambdaFactor to 0.75
	richLimit := PulsewidthUs(ReqFuelUs, 3000, 1000, 1000, 70, 2.0) // clamps to 1.25
	assert.Equal(t, uint32(7730*0.75+0.5), lean)
	assert.Equal(t, uint32(7730*1.25+0.5), richLimit)
}

func TestPulsewidthClampsToUpperFloor(t *testing.T) {
	got := PulsewidthUs(ReqFuelUs, 8000, 4000, 4000, 0, 1.0) // deliberately huge base_pw
	assert.Equal(t, uint32(maxPulseUs), got)
}
