//go:build go1.22

package gc

import "time"

// Metrics is a point-in-time snapshot of an arena.
type Metrics struct {
	// HeapBytes is the committed chunk memory, free blocks included.
	HeapBytes int64

	// LiveBytes and LiveObjects are what the last completed sweep found
	// alive, headers included. Zero before the first cycle.
	LiveBytes   int64
	LiveObjects int64

	// Blocks and LargeBlocks are the current block counts.
	Blocks      int
	LargeBlocks int

	// MinorCycles and MajorCycles count completed cycles.
	MinorCycles uint64
	MajorCycles uint64

	// AllocatedSinceCycle is the number of bytes allocated since the last
	// completed cycle.
	AllocatedSinceCycle int64

	// LastCycleDuration is the wall time of the last completed cycle,
	// sweep included.
	LastCycleDuration time.Duration
}

// Metrics returns a snapshot of the arena's counters. If a concurrent sweep
// is in flight, Metrics waits for it so the live-set numbers are coherent.
func (a *Arena[R]) Metrics() Metrics {
	st := a.st
	st.sweepWG.Wait()
	stats := st.pool.LastStats()
	blocks, large := st.pool.Counts()

	return Metrics{
		HeapBytes:           st.pool.Committed(),
		LiveBytes:           stats.LiveBytes,
		LiveObjects:         stats.LiveObjects,
		Blocks:              blocks,
		LargeBlocks:         large,
		MinorCycles:         st.minorCycles.Load(),
		MajorCycles:         st.majorCycles.Load(),
		AllocatedSinceCycle: st.allocSinceCycle.Load(),
		LastCycleDuration:   time.Duration(st.lastCycleDur.Load()),
	}
}
