//go:build go1.22

package gc

import (
	"sync/atomic"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
)

// Barrier is a scoped write barrier around the reference slots of one
// object. It is valid only inside the body passed to [Write]; the collector
// observes every write made through it by the time the body returns.
type Barrier struct {
	mu    *Mutator
	owner uintptr
}

// Write opens a barrier scope on the object behind owner and runs body
// inside it. All re-binding of [RefMut] and [RefOpt] slots belonging to that
// object must happen through the barrier; writing the slots any other way
// during a cycle loses objects.
func Write[O any](mu *Mutator, owner Ref[O], body func(b *Barrier)) {
	mu.check()
	if owner.addr == 0 {
		panic("gcarena: barrier on a nil reference")
	}
	mu.checkBrand(owner.brand)

	b := Barrier{mu: mu, owner: owner.addr}
	body(&b)
	b.mu = nil

	// Publish the batch: tracers acquire through their queue operations.
	mu.st.publish.Add(1)
}

func (b *Barrier) check() {
	if b == nil || b.mu == nil {
		panic("gcarena: barrier used outside its scope")
	}
	b.mu.check()
}

// Set re-binds a mutable slot of the barrier's object to r.
func Set[T any](b *Barrier, slot *RefMut[T], r Ref[T]) {
	b.check()
	debug.Assert(r.addr != 0, "re-binding a RefMut to nil; use RefOpt for nullable slots")
	b.mu.checkBrand(r.brand)
	b.write(&slot.addr, r.addr)
}

// SetOpt re-binds an optional slot of the barrier's object to r.
func SetOpt[T any](b *Barrier, slot *RefOpt[T], r Ref[T]) {
	b.check()
	if r.addr != 0 {
		// Storing a stale reference would smuggle it past the scope check.
		b.mu.checkBrand(r.brand)
	}
	b.write(&slot.addr, r.addr)
}

// ClearOpt nulls an optional slot of the barrier's object.
func ClearOpt[T any](b *Barrier, slot *RefOpt[T]) {
	b.check()
	b.write(&slot.addr, 0)
}

// write performs one barriered slot update:
//
//   - during marking, the incoming target is shaded so that a black owner
//     never points at a white object (dijkstra-style, on the target);
//   - an old owner taking a young target is recorded in the remembered set
//     for the next minor cycle.
func (b *Barrier) write(slot *uintptr, target uintptr) {
	st := b.mu.st

	if target != 0 {
		if st.mark.Collecting() {
			st.mark.Shade(target)
		}
		if st.cfg.Generational {
			owner := object.At(b.owner)
			if owner.Old() && !object.At(target).Old() {
				st.mark.Rem.Add(b.owner)
			}
		}
	}

	atomic.StoreUintptr(slot, target)
}
