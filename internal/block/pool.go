//go:build go1.22

package block

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
	"github.com/flier/gcarena/pkg/xunsafe"
	"github.com/flier/gcarena/pkg/xunsafe/layout"
)

// metaPool recycles Block bookkeeping across block churn. Metadata is
// scrubbed on the way in, so a stale line map, object list, or ownership bit
// can never leak into the next chunk it fronts; only the object-offset
// slice's capacity is carried over.
type metaPool struct {
	impl sync.Pool
}

func (p *metaPool) get() *Block {
	b, _ := p.impl.Get().(*Block)
	if b == nil {
		b = new(Block)
	}
	return b
}

func (p *metaPool) put(b *Block) {
	b.raw = nil
	b.base = 0
	b.size = 0
	b.kind = Fresh
	b.cursor, b.limit = 0, 0
	b.marks.clear()
	b.used.clear()
	b.objects = b.objects[:0]
	b.owned = false
	b.swept = 0
	p.impl.Put(b)
}

// ErrOutOfMemory is returned when an allocation would push the committed heap
// past the configured hard cap. It is recoverable: the caller may let a
// collection run and retry.
var ErrOutOfMemory = errors.New("gcarena: heap hard cap reached")

// Pool owns every block of a single arena.
//
// Blocks move between three places: a mutator's head slot, the recyclable
// list (partially full, hole-scanned on reuse), and the free list (empty and
// zeroed). All transfers go through the pool mutex. Large blocks sit on a
// separate overflow list and never act as head blocks.
type Pool struct {
	mu sync.Mutex

	free      []*Block // empty, zeroed, ready for any request
	recycled  []*Block // partially full, worth re-scanning for holes
	all       []*Block // every non-large block, for sweeping
	large     []*Block // overflow list
	committed atomic.Int64

	hardCap int64 // 0 means unlimited

	// Sweep state for the cycle currently being (lazily) swept.
	sweepEpoch   uint32
	sweepMinor   bool
	sweepPromote bool
	stats        SweepStats // accumulates as blocks get swept

	meta metaPool
}

// NewPool returns a pool enforcing the given hard cap in bytes.
func NewPool(hardCap int64) *Pool {
	return &Pool{hardCap: hardCap}
}

// Committed returns the number of bytes of chunk memory the pool holds.
func (p *Pool) Committed() int64 {
	return p.committed.Load()
}

// Counts returns the number of live non-large and large blocks.
func (p *Pool) Counts() (blocks, large int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all), len(p.large)
}

// Acquire hands a block to a mutator to use as its head block.
//
// Recycled blocks are preferred; preferFresh skips them, which callers use
// after a recycled block failed to fit a request. Acquire never returns an
// unswept block.
func (p *Pool) Acquire(preferFresh bool) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !preferFresh {
		if n := len(p.recycled); n > 0 {
			b := p.recycled[n-1]
			p.recycled = p.recycled[:n-1]
			p.sweepContentsLocked(b)
			if len(b.objects) == 0 && b.kind != Fresh {
				b.reset()
			}
			b.owned = true
			return b, nil
		}
	}

	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		b.owned = true
		return b, nil
	}

	if p.hardCap > 0 && p.committed.Load()+Size > p.hardCap {
		return nil, ErrOutOfMemory
	}

	b := p.meta.get()
	b.raw = newChunk(Size, unsafe.Pointer(p))
	b.base = xunsafe.AddrOf(b.raw)
	b.size = Size
	b.kind = Fresh
	b.cursor, b.limit = b.base, b.base.ByteAdd(Size)
	b.marks.clear()
	b.used.clear()
	b.objects = b.objects[:0]
	b.swept = p.sweepEpoch
	b.owned = true
	p.all = append(p.all, b)
	p.committed.Add(Size)
	return b, nil
}

// Release returns a mutator's head block to the pool.
func (p *Pool) Release(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	debug.Assert(b.owned, "releasing a block the pool already holds")
	b.owned = false
	if len(b.objects) == 0 && b.kind == Fresh {
		p.free = append(p.free, b)
		return
	}
	b.kind = Recycled
	p.recycled = append(p.recycled, b)
}

// AllocLarge commits a dedicated chunk for one object and returns the block
// and the address at which the caller must install the header. The payload
// behind the header is zeroed.
func (p *Pool) AllocLarge(size, align int) (*Block, xunsafe.Addr[byte], error) {
	bytes := layout.RoundUp(object.HeaderSize+size+align, object.Align)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hardCap > 0 && p.committed.Load()+int64(bytes) > p.hardCap {
		return nil, 0, ErrOutOfMemory
	}

	b := p.meta.get()
	b.raw = newChunk(bytes, unsafe.Pointer(p))
	b.base = xunsafe.AddrOf(b.raw)
	b.size = bytes
	b.kind = Large
	b.cursor, b.limit = 0, 0
	b.swept = p.sweepEpoch

	payload := b.base.ByteAdd(object.HeaderSize).RoundUpTo(align)
	start := payload.ByteAdd(-object.HeaderSize)
	b.objects = append(b.objects[:0], uint32(start.Sub(b.base)))

	p.large = append(p.large, b)
	p.committed.Add(int64(bytes))

	debug.Log(nil, "large", "%v:%d", start, size)

	return b, start, nil
}

// Larges calls f with every block on the overflow list.
func (p *Pool) Larges(f func(*Block)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.large {
		f(b)
	}
}

// Blocks calls f with every non-large block.
func (p *Pool) Blocks(f func(*Block)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.all {
		f(b)
	}
}

// ReleaseAll drops every chunk the pool holds. The pool is unusable after.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free, p.recycled, p.all, p.large = nil, nil, nil, nil
	p.committed.Store(0)
}
