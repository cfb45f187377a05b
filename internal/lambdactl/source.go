package lambdactl

// ExternalReading is the inter-chip wideband-lambda reading spec.md §6
// describes as a polled reader returning (lambda_x1000, age_ms,
// closed_loop_enabled).
type ExternalReading struct {
	LambdaX1000       uint32
	AgeMs             uint32
	ClosedLoopEnabled bool
}

const (
	externalStaleMs   = 200
	narrowbandLoClamp = 0.7
	narrowbandHiClamp = 1.3
)

// SelectLambda implements spec.md §4.5's source-selection rule: prefer the
// external wideband reading if fresh (age <= 200ms); otherwise derive a
// crude lambda from narrowband O2 millivolts and clamp to [0.7, 1.3];
// otherwise report invalid and no update should be applied.
func SelectLambda(ext *ExternalReading, o2Mv uint16) (lambda float64, valid bool) {
	if ext != nil && ext.AgeMs <= externalStaleMs {
		return float64(ext.LambdaX1000) / 1000.0, true
	}
	if o2Mv > 0 {
		l := (float64(o2Mv) / 1000.0) / 0.45
		return clampF(l, narrowbandLoClamp, narrowbandHiClamp), true
	}
	return 0, false
}

// IsStale reports whether an external reading's age exceeds the spec's
// 200ms staleness cutoff; exported for callers (e.g. bench harnesses)
// that want the same rule without calling SelectLambda.
func IsStale(ageMs uint32) bool {
	return ageMs > externalStaleMs
}
