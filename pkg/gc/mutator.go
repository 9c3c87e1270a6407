//go:build go1.22

package gc

import (
	"fmt"
	"sync/atomic"

	"github.com/timandy/routine"

	"github.com/flier/gcarena/internal/block"
	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
)

// currentMutator identifies the mutation scope the calling goroutine is in,
// if any. Scope entry sets it, exit clears it; every context-requiring
// operation asserts on it in debug builds.
var currentMutator = routine.NewThreadLocal[*Mutator]()

// brands issues one id per mutation scope, process-wide. The zero brand is
// never issued, so a zero [Ref] can never pass the brand check.
var brands atomic.Uint64

// Mutator is the capability to allocate and mutate inside one mutation
// scope. It is handed to the body of [Arena.Mutate] and dies when the body
// returns; using it afterwards panics.
//
// A Mutator is not safe for concurrent use: each scope is sequential.
// Run concurrent workloads as separate scopes.
type Mutator struct {
	st     *state
	head   *block.Block // private bump-allocation target
	brand  uint64       // stamped on every reference this scope issues
	active bool
}

// check is the runtime end of the scoping guarantee: every operation that
// could observe arena memory goes through it.
func (mu *Mutator) check() {
	if mu == nil || !mu.active {
		panic("gcarena: mutator used outside its mutation scope")
	}
	debug.Assert(currentMutator.Get() == mu, "mutator used from a goroutine that does not own it")
}

// checkBrand refuses references issued by any scope but this one. A
// reference that leaks out of its scope is unusable even through a later,
// live mutator: its block may have been reclaimed in between.
func (mu *Mutator) checkBrand(brand uint64) {
	if brand != mu.brand {
		panic("gcarena: reference used outside the mutation scope that issued it")
	}
}

// IsYieldRequested reports whether the collector has asked this scope to
// exit. Long-running bodies must poll it and return promptly when it turns
// true; the collector cannot complete a cycle until every scope has exited.
func (mu *Mutator) IsYieldRequested() bool {
	mu.check()
	return mu.st.mark.YieldRequested()
}

// Retrace re-greys the object behind r if a cycle is in flight.
//
// This is an escape hatch for hand-written container types whose Trace
// implementations read slots not managed through [RefMut]: after mutating
// such a slot, Retrace the owner so the collector re-scans it. Code using
// only the provided reference kinds never needs it; prefer [Write].
func Retrace[T any](mu *Mutator, r Ref[T]) {
	mu.check()
	if r.addr == 0 {
		return
	}
	mu.checkBrand(r.brand)
	if mu.st.mark.Collecting() {
		mu.st.mark.Shade(r.addr)
	}
}

// Marked reports whether the object behind r has been marked in the current
// epoch. Outside a cycle this reports whether it survived the last one;
// objects allocated since then are born in that epoch and also report true.
func Marked[T any](mu *Mutator, r Ref[T]) bool {
	mu.check()
	if r.addr == 0 {
		return false
	}
	mu.checkBrand(r.brand)
	return object.At(r.addr).MarkedIn(mu.st.mark.Epoch())
}

// Alloc allocates a copy of value in the arena and returns a reference
// branded by the mutator's scope.
//
// A zero-sized value is rounded up to one word so the object still has a
// payload address of its own. Alloc fails with [ErrOutOfMemory] when the
// heap hard cap would be exceeded; the caller may yield, let a collection
// run, and retry.
func Alloc[T any](mu *Mutator, value T) (Ref[T], error) {
	mu.check()

	ti := typeFor[T]()
	addr, err := mu.allocRaw(ti)
	if err != nil {
		return Ref[T]{}, err
	}

	p := (*T)(object.At(addr).Payload())
	*p = value

	return Ref[T]{addr: addr, brand: mu.brand}, nil
}

func (mu *Mutator) allocRaw(ti *typeInfo) (uintptr, error) {
	st := mu.st

	size := ti.size
	if size == 0 {
		size = object.Align
	}
	align := max(ti.align, object.Align)
	epoch := st.mark.Epoch()

	if object.HeaderSize+size+align > block.MaxInline {
		_, at, err := st.pool.AllocLarge(size, align)
		if err != nil {
			return 0, st.allocFailed(err)
		}
		h := object.Init(at, ti.id, size, epoch, true)
		st.noteAlloc(int64(h.Footprint()))
		return h.Addr(), nil
	}

	for tries := 0; ; tries++ {
		if mu.head == nil {
			b, err := st.pool.Acquire(tries > 0)
			if err != nil {
				return 0, st.allocFailed(err)
			}
			mu.head = b
		}
		if at, ok := mu.head.Alloc(size, align); ok {
			h := object.Init(at, ti.id, size, epoch, false)
			st.noteAlloc(int64(h.Footprint()))
			return h.Addr(), nil
		}
		// The head block has no hole big enough; trade it in. The second
		// attempt asks for an empty block, which always fits.
		st.pool.Release(mu.head)
		mu.head = nil
		if tries > 1 {
			return 0, fmt.Errorf("gcarena: %d-byte object did not fit an empty block", size)
		}
	}
}
