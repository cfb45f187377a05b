package tables

// rpmDeadband and loadDeadband are the InterpCache hit predicates from
// spec.md §3: |rpm-last_rpm| <= 50 and |load-last_load| <= 20.
const (
	rpmDeadband  = 50
	loadDeadband = 20
)

// Cache is the last (rpm, load, result, checksum) tuple, per spec.md §3.
// A zero-value Cache has no entry and always misses.
type Cache struct {
	valid    bool
	lastRPM  uint16
	lastLoad uint16
	lastCRC  uint16
	result   uint16
}

// lookup returns (result, true) on a cache hit.
func (c *Cache) lookup(rpm, load uint16, checksum uint16) (uint16, bool) {
	if !c.valid || c.lastCRC != checksum {
		return 0, false
	}
	if absDiff(rpm, c.lastRPM) > rpmDeadband {
		return 0, false
	}
	if absDiff(load, c.lastLoad) > loadDeadband {
		return 0, false
	}
	return c.result, true
}

func (c *Cache) store(rpm, load, checksum, result uint16) {
	c.valid = true
	c.lastRPM = rpm
	c.lastLoad = load
	c.lastCRC = checksum
	c.result = result
}

func absDiff(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}

// Engine owns three independent caches — fuel, ignition, lambda — per
// spec.md §4.3's rationale: steady-state cruising revisits the same cell
// thousands of times per second, and the cache collapses that to one
// interpolation per cell change.
type Engine struct {
	Fuel     Cache
	Ignition Cache
	Lambda   Cache
}

// Which selects which of the Engine's three caches a lookup uses.
type Which int

const (
	FuelCache Which = iota
	IgnitionCache
	LambdaCache
)

// Lookup interpolates t at (rpm, load), consulting and updating the cache
// selected by which. On ErrTableInvalid it returns (0, false, err) and
// does not touch the cache (per spec.md step 1: return 0 and flag).
func (e *Engine) Lookup(which Which, t *Table16x16, rpm, load uint16) (value uint16, cacheHit bool, err error) {
	cache := e.cacheFor(which)

	if v, hit := cache.lookup(rpm, load, t.Checksum); hit {
		return v, true, nil
	}

	v, err := Interpolate(t, rpm, load)
	if err != nil {
		return 0, false, err
	}
	cache.store(rpm, load, t.Checksum, v)
	return v, false, nil
}

func (e *Engine) cacheFor(which Which) *Cache {
	switch which {
	case FuelCache:
		return &e.Fuel
	case IgnitionCache:
		return &e.Ignition
	case LambdaCache:
		return &e.Lambda
	default:
		return &e.Fuel
	}
}
