//go:build go1.22

// Package block implements the block allocator underneath the collector.
//
// Memory is carved into fixed-size blocks subdivided into lines. Small and
// medium objects are bump-allocated into holes, runs of lines that the last
// sweep left free; objects larger than a block get a dedicated chunk on the
// overflow list. Each mutator owns a private head block, so the only global
// synchronization on the allocation path is the pool mutex when a head block
// is exchanged.
package block

import (
	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
	"github.com/flier/gcarena/pkg/xunsafe"
)

const (
	// Size is the size of every non-large block.
	Size = 32 << 10

	// LineSize is the granularity of the per-block occupancy maps.
	LineSize = 128

	// Lines is the number of lines in a block.
	Lines = Size / LineSize
)

// MaxInline is the largest footprint (header plus padded payload) that can be
// placed inside a shared block. Anything bigger gets a dedicated chunk.
const MaxInline = Size

// Kind classifies a block.
type Kind uint8

const (
	// Fresh blocks have never held an object since they were last zeroed.
	Fresh Kind = iota
	// Recycled blocks hold survivors and are re-scanned for holes on reuse.
	Recycled
	// Large blocks hold exactly one object bigger than MaxInline.
	Large
)

// lineMap is one bit per line of a block.
type lineMap [Lines / 64]uint64

func (m *lineMap) test(i int) bool {
	return m[i>>6]&(1<<(i&63)) != 0
}

func (m *lineMap) set(i int) {
	m[i>>6] |= 1 << (i & 63)
}

// markRange sets every bit in [lo, hi).
func (m *lineMap) markRange(lo, hi int) {
	for i := lo; i < hi; i++ {
		m.set(i)
	}
}

func (m *lineMap) clear() {
	*m = lineMap{}
}

// Block is the bookkeeping for one chunk of object memory.
//
// The bookkeeping itself lives on the Go heap; only object payloads and their
// headers live in the chunk. A block is owned either by a single mutator (as
// its head block) or by the pool; all fields except the chunk contents are
// guarded by that ownership.
type Block struct {
	raw  *byte              // keeps the chunk alive
	base xunsafe.Addr[byte] // address of the chunk's first byte
	size int                // chunk size: Size, or larger for Large blocks
	kind Kind

	// The current hole. cursor is zero when no hole is open.
	cursor, limit xunsafe.Addr[byte]

	marks lineMap // lines holding survivors of the last sweep
	used  lineMap // lines allocated into since the last sweep

	objects []uint32 // chunk offsets of object headers, in no particular order

	owned bool   // held by a mutator as its head block
	swept uint32 // sweep epoch this block's maps are current for
}

// Base returns the address of the first byte of the block's chunk.
func (b *Block) Base() xunsafe.Addr[byte] { return b.base }

// Bytes returns the committed size of the block's chunk.
func (b *Block) Bytes() int { return b.size }

// Kind returns the block's classification.
func (b *Block) Kind() Kind { return b.kind }

// Objects calls f with the header of every object allocated in the block.
func (b *Block) Objects(f func(*object.Header)) {
	for _, off := range b.objects {
		f(object.At(uintptr(b.base.ByteAdd(int(off)))))
	}
}

// Alloc places a header plus a size-byte payload aligned to align inside the
// block, bumping within the current hole and opening the next hole as needed.
//
// The returned address is the header's; the memory behind it is zeroed. Alloc
// reports false when no hole can hold the request.
func (b *Block) Alloc(size, align int) (xunsafe.Addr[byte], bool) {
	need := object.HeaderSize + size + align
	if b.cursor == 0 && !b.nextHole(need) {
		return 0, false
	}

	for {
		payload := b.cursor.ByteAdd(object.HeaderSize).RoundUpTo(align)
		start := payload.ByteAdd(-object.HeaderSize)
		end := payload.ByteAdd(size)
		if end <= b.limit {
			off := start.Sub(b.base)
			b.objects = append(b.objects, uint32(off))
			b.used.markRange(off/LineSize, (end.Sub(b.base)-1)/LineSize+1)
			xunsafe.Clear(start.AssertValid(), end.Sub(start))
			b.cursor = end.RoundUpTo(object.Align)
			b.logAlloc(start, end)
			return start, true
		}

		if !b.nextHole(need) {
			return 0, false
		}
	}
}

// nextHole advances the bump region to the next run of free lines large
// enough for need bytes. The search resumes after the current hole; once a
// search has failed, the next one starts over from the first line.
func (b *Block) nextHole(need int) bool {
	lines := (need + LineSize - 1) / LineSize
	start := 0
	if b.limit != 0 {
		start = b.limit.Sub(b.base) / LineSize
	}

	run, runStart := 0, -1
	for i := start; i < Lines; i++ {
		if b.marks.test(i) || b.used.test(i) {
			run, runStart = 0, -1
			continue
		}
		if runStart < 0 {
			runStart = i
		}
		if run++; run < lines {
			continue
		}

		// Extend the hole to the end of the free run.
		j := i + 1
		for j < Lines && !b.marks.test(j) && !b.used.test(j) {
			j++
		}
		b.cursor = b.base.ByteAdd(runStart * LineSize)
		b.limit = b.base.ByteAdd(j * LineSize)
		return true
	}

	b.cursor, b.limit = 0, 0
	return false
}

func (b *Block) logAlloc(start, end xunsafe.Addr[byte]) {
	if debug.Enabled {
		debug.Log([]any{"block %v", b.base}, "alloc", "%v:%v", start, end)
	}
}

// reset returns the block to the Fresh state with zeroed memory.
func (b *Block) reset() {
	xunsafe.Clear(b.raw, Size)
	b.marks.clear()
	b.used.clear()
	b.objects = b.objects[:0]
	b.cursor, b.limit = b.base, b.base.ByteAdd(Size)
	b.kind = Fresh
}
