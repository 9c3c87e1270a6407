//go:build go1.22

package gc

import (
	"sync/atomic"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
)

// refSlot is the marker implemented by every reference kind; the debug-mode
// shape check uses it to find slots hiding inside undeclared leaf types.
type refSlot interface {
	isRefSlot()
}

// Ref is an immutable reference to a T in the arena: once obtained, it
// cannot be re-bound. The zero Ref is nil.
//
// A Ref carries the brand of the mutation scope that issued it and is only
// usable inside that scope: dereferencing it through any other mutator, or
// after the scope has exited, panics. To keep a reference across scopes,
// store it in the object graph through a [RefMut] or [RefOpt] slot and
// extract it again in the next scope; slots store bare addresses and
// re-brand on extraction.
type Ref[T any] struct {
	addr  uintptr
	brand uint64
}

func (Ref[T]) isRefSlot() {}

// IsNil reports whether the reference is null.
func (r Ref[T]) IsNil() bool {
	return r.addr == 0
}

// Get dereferences the reference.
//
// The returned pointer is valid for the remainder of the mutation scope; it
// must not be retained past it.
func (r Ref[T]) Get(mu *Mutator) *T {
	mu.check()
	if r.addr == 0 {
		panic("gcarena: nil reference dereferenced")
	}
	mu.checkBrand(r.brand)
	h := object.At(r.addr)
	if debug.Enabled {
		debug.Assert(h.TypeID() == typeFor[T]().id,
			"reference type mismatch: header has type id %d", h.TypeID())
	}
	return (*T)(h.Payload())
}

// Mut returns a mutable slot initialized to this reference. Useful when
// constructing an object whose fields are re-bindable.
func (r Ref[T]) Mut() RefMut[T] {
	return RefMut[T]{addr: r.addr}
}

// Opt returns an optional slot initialized to this reference.
func (r Ref[T]) Opt() RefOpt[T] {
	return RefOpt[T]{addr: r.addr}
}

// RefMut is a re-bindable reference slot. It is never null once its object
// has been published; re-binding goes through a [Barrier].
//
// Tracers may read the slot while the owning object is being mutated, so
// all access is atomic on the address word.
type RefMut[T any] struct {
	addr uintptr
}

func (RefMut[T]) isRefSlot() {}

// Ref extracts the current target as an immutable reference branded by the
// calling scope.
func (r *RefMut[T]) Ref(mu *Mutator) Ref[T] {
	mu.check()
	return Ref[T]{addr: atomic.LoadUintptr(&r.addr), brand: mu.brand}
}

// Get dereferences the current target.
func (r *RefMut[T]) Get(mu *Mutator) *T {
	return r.Ref(mu).Get(mu)
}

// RefOpt is a nullable re-bindable reference slot. The zero RefOpt is null.
type RefOpt[T any] struct {
	addr uintptr
}

func (RefOpt[T]) isRefSlot() {}

// IsNil reports whether the slot is currently null.
func (r *RefOpt[T]) IsNil() bool {
	return atomic.LoadUintptr(&r.addr) == 0
}

// Ref extracts the current target, if any, branded by the calling scope.
func (r *RefOpt[T]) Ref(mu *Mutator) (Ref[T], bool) {
	mu.check()
	addr := atomic.LoadUintptr(&r.addr)
	return Ref[T]{addr: addr, brand: mu.brand}, addr != 0
}

// Get dereferences the current target, if any.
func (r *RefOpt[T]) Get(mu *Mutator) (*T, bool) {
	ref, ok := r.Ref(mu)
	if !ok {
		return nil, false
	}
	return ref.Get(mu), true
}
