//go:build go1.22

package gc

import (
	"runtime"
	"time"
)

// SweepMode selects how reclamation overlaps with mutation.
type SweepMode uint8

const (
	// SweepSynchronous sweeps the whole heap before a collect call returns;
	// mutation entry blocks for the duration.
	SweepSynchronous SweepMode = iota

	// SweepConcurrent reopens mutation as soon as marking finishes and
	// sweeps in the background; allocation sweeps blocks lazily as it
	// touches them.
	SweepConcurrent
)

// Config tunes one arena. It is read at arena construction and snapshotted
// at the start of each cycle; mutating a Config after passing it to [New]
// has no effect.
type Config struct {
	// HeapSoftCap is the committed heap size, in bytes, at which the
	// controller requests automatic cycles. Zero disables automatic
	// collection; explicit collect calls still work.
	HeapSoftCap int64

	// HeapHardCap is the committed heap size, in bytes, at which
	// allocation fails with [ErrOutOfMemory]. Zero means unlimited.
	HeapHardCap int64

	// CycleMinInterval is the minimum time between automatic cycles.
	CycleMinInterval time.Duration

	// YoungTriggerRatio escalates the next automatic cycle to a major one
	// when the fraction of young bytes surviving a minor cycle exceeds it.
	YoungTriggerRatio float64

	// TracerThreads is the tracer worker count; zero means GOMAXPROCS-1,
	// with a floor of one.
	TracerThreads int

	// SweepMode selects synchronous or concurrent sweeping.
	SweepMode SweepMode

	// Generational enables minor cycles and the remembered set. When
	// disabled, every cycle is major. The zero Config leaves it off;
	// [DefaultConfig] turns it on.
	Generational bool
}

// DefaultConfig returns the configuration used by a zero-tuning host:
// no caps, generational collection on, synchronous sweep.
func DefaultConfig() Config {
	return Config{
		CycleMinInterval:  time.Second,
		YoungTriggerRatio: 0.75,
		Generational:      true,
	}
}

func (c Config) withDefaults() Config {
	if c.CycleMinInterval <= 0 {
		c.CycleMinInterval = time.Second
	}
	if c.YoungTriggerRatio <= 0 {
		c.YoungTriggerRatio = 0.75
	}
	if c.TracerThreads <= 0 {
		c.TracerThreads = max(1, runtime.GOMAXPROCS(0)-1)
	}
	return c
}
