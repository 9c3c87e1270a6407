//go:build go1.22

package block

import (
	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
	"github.com/flier/gcarena/pkg/xunsafe"
)

// SweepStats aggregates one cycle's worth of sweeping.
type SweepStats struct {
	LiveBytes  int64
	FreedBytes int64

	LiveObjects  int64
	FreedObjects int64

	// Young-generation byte counts, for the promotion-pressure trigger.
	YoungSurvivedBytes int64
	YoungFreedBytes    int64
}

// BeginSweep opens the sweep for the cycle that just finished marking.
//
// epoch is the mark epoch objects must carry to be considered live; minor
// sweeps treat old objects as unconditionally live (they were not traced);
// promote moves young survivors into the old generation (major cycles only).
//
// No block may be owned by a mutator when this is called: every head block is
// returned during the pre-sweep handshake, and blocks acquired afterwards are
// swept on acquisition.
func (p *Pool) BeginSweep(epoch uint32, minor, promote bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if debug.Enabled {
		for _, b := range p.all {
			debug.Assert(!b.owned, "block %v owned by a mutator at sweep start", b.base)
		}
	}

	p.sweepEpoch = epoch
	p.sweepMinor = minor
	p.sweepPromote = promote
	p.stats = SweepStats{}
}

// SweepAll sweeps every block not already swept for the current epoch,
// rebuilds the free and recyclable lists, and returns the cycle's aggregate
// statistics.
func (p *Pool) SweepAll() SweepStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Blocks handed out since BeginSweep were swept on acquisition; owned
	// blocks are therefore always current and keep their membership (the
	// owning mutator returns them through Release).
	var free, recycled []*Block
	for _, b := range p.all {
		if b.owned {
			continue
		}
		p.sweepContentsLocked(b)
		if len(b.objects) == 0 {
			if b.kind != Fresh {
				b.reset()
			}
			free = append(free, b)
			continue
		}
		b.kind = Recycled
		recycled = append(recycled, b)
	}
	p.free, p.recycled = free, recycled

	live := p.large[:0]
	for _, b := range p.large {
		if p.sweepLargeLocked(b) {
			live = append(live, b)
		}
	}
	p.large = live

	return p.stats
}

// LastStats returns the statistics accumulated by the current sweep so far.
// Once SweepAll has returned, this covers the whole heap.
func (p *Pool) LastStats() SweepStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// sweepContentsLocked brings a non-large block up to date with the current
// sweep: unmarked objects are discarded and the line map is recomputed from
// the survivors. List membership is the caller's problem.
func (p *Pool) sweepContentsLocked(b *Block) {
	if b.swept == p.sweepEpoch {
		return
	}
	b.swept = p.sweepEpoch
	if len(b.objects) == 0 {
		return
	}

	liveOffsets := b.objects[:0]
	var marks lineMap

	for _, off := range b.objects {
		h := object.At(uintptr(b.base.ByteAdd(int(off))))
		end := int(off) + object.HeaderSize + h.Size()

		if h.MarkedIn(p.sweepEpoch) || (p.sweepMinor && h.Old()) {
			liveOffsets = append(liveOffsets, off)
			marks.markRange(int(off)/LineSize, (end-1)/LineSize+1)
			p.noteLive(h)
			if p.sweepPromote {
				h.Promote()
			}
			continue
		}

		p.noteFreed(h)
		if debug.Enabled {
			// Poison freed memory so stale dereferences fail loudly.
			xunsafe.Clear(b.base.ByteAdd(int(off)).AssertValid(), end-int(off))
		}
	}

	b.objects = liveOffsets
	b.marks = marks
	b.used.clear()
	b.cursor, b.limit = 0, 0
}

// sweepLargeLocked sweeps an overflow block and reports whether it survives.
func (p *Pool) sweepLargeLocked(b *Block) bool {
	if b.swept == p.sweepEpoch {
		return true
	}
	b.swept = p.sweepEpoch

	h := object.At(uintptr(b.base.ByteAdd(int(b.objects[0]))))
	if h.MarkedIn(p.sweepEpoch) || (p.sweepMinor && h.Old()) {
		p.noteLive(h)
		if p.sweepPromote {
			h.Promote()
		}
		return true
	}

	p.noteFreed(h)
	p.committed.Add(-int64(b.size))
	debug.Log(nil, "free large", "%v:%d", b.base, b.size)
	b.raw = nil
	p.meta.put(b)
	return false
}

func (p *Pool) noteLive(h *object.Header) {
	n := int64(h.Footprint())
	p.stats.LiveBytes += n
	p.stats.LiveObjects++
	if !h.Old() {
		p.stats.YoungSurvivedBytes += n
	}
}

func (p *Pool) noteFreed(h *object.Header) {
	n := int64(h.Footprint())
	p.stats.FreedBytes += n
	p.stats.FreedObjects++
	if !h.Old() {
		p.stats.YoungFreedBytes += n
	}
}
