// Package fuel computes injector pulse width from VE, MAP, warmup
// enrichment and lambda trim, per spec.md §4.4.
package fuel

// ReqFuelUs is REQ_FUEL_US from spec.md §4.4, the reference fuel quantity
// in microseconds for 100% VE at 100 kPa and no corrections.
const ReqFuelUs = 7730.0

const (
	minPulseUs = 500.0
	maxPulseUs = 18000.0
)

// PulsewidthUs computes injector pulse width per spec.md §4.4:
//
//	base_pw = REQ_FUEL_US * (ve_x10/1000) * (map_kpa/100)
//	warmup_factor: piecewise linear, 1.40 at/below 0C, 1.00 at/above 70C
//	lambda_factor = clamp(1 + lambda_corr, 0.75, 1.25)
//	result = clamp(base_pw * warmup_factor * lambda_factor, 500, 18000)
//
// reqFuelUs lets callers use a configured constant instead of the spec
// default; pass ReqFuelUs for the spec value.
func PulsewidthUs(reqFuelUs float64, rpm uint32, mapKpaX10 uint16, veX10 uint16, cltC int16, lambdaCorr float64) uint32 {
	if rpm == 0 {
		return minPulseUs
	}

	basePw := reqFuelUs * (float64(veX10) / 1000.0) * (float64(mapKpaX10) / 10.0 / 100.0)
	warmup := warmupFactor(cltC)
	lambdaFactor := clampF(1+lambdaCorr, 0.75, 1.25)

	result := clampF(basePw*warmup*lambdaFactor, minPulseUs, maxPulseUs)
	return uint32(result + 0.5)
}

// warmupFactor is piecewise linear in coolant temperature: 1.40 at or
// below 0C, 1.00 at or above 70C, linear in between.
func warmupFactor(cltC int16) float64 {
	switch {
	case cltC <= 0:
		return 1.40
	case cltC >= 70:
		return 1.00
	default:
		return 1.40 - (0.40/70.0)*float64(cltC)
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
