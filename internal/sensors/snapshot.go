// Package sensors implements the shared SensorSnapshot contract: a
// wait-free single-writer/multi-reader struct guarded by a seqlock, per
// spec.md §3. Raw ADC acquisition and filtering live outside this core
// (spec.md §1, out of scope) — this package only exposes the published
// snapshot and the seqlock protocol around it.
package sensors

import "sync/atomic"

// Snapshot holds one instant's worth of analog readings, fixed-point
// encoded exactly as spec.md §3 specifies.
type Snapshot struct {
	MapKpaX10     uint16
	CltC          int16
	IatC          int16
	TpsPercentX10 uint16
	O2Mv          uint16
	VbatDv        uint16
	MonotonicSeq  uint32
}

// maxSeqlockRetries bounds the reader's retry loop; spec.md §4.6 step 1
// treats 8 consecutive failures as a stale read.
const maxSeqlockRetries = 8

// Bus is the seqlock-protected publication point for a Snapshot. A single
// writer calls Publish; any number of readers call Read concurrently.
type Bus struct {
	seq  atomic.Uint32
	data Snapshot
}

// NewBus returns a Bus with seq=0 (even, i.e. stable) and a zero Snapshot.
func NewBus() *Bus {
	return &Bus{}
}

// Publish writes a new snapshot. It bumps the sequence counter to odd
// before writing and back to even after, per the seqlock protocol: readers
// retry while the counter is odd or changes across the read.
func (b *Bus) Publish(s Snapshot) {
	seq := b.seq.Load()
	b.seq.Store(seq + 1) // now odd: writer in progress
	s.MonotonicSeq = seq + 2
	b.data = s
	b.seq.Store(seq + 2) // now even: stable
}

// Read attempts a wait-free read of the latest stable snapshot. It retries
// while the sequence counter is odd or changes across the read, up to
// maxSeqlockRetries times. ok is false if no stable read was achieved,
// which callers treat as spec.md §7's StaleSensor condition.
func (b *Bus) Read() (snap Snapshot, ok bool) {
	for i := 0; i < maxSeqlockRetries; i++ {
		seq1 := b.seq.Load()
		if seq1&1 != 0 {
			continue // writer in progress
		}
		candidate := b.data
		seq2 := b.seq.Load()
		if seq1 == seq2 {
			return candidate, true
		}
	}
	return Snapshot{}, false
}
