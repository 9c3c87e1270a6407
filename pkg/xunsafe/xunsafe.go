// Package xunsafe provides a more convenient interface for performing unsafe
// operations than Go's built-in package unsafe.
//
// The collector stores its objects in raw, pointer-free memory; everything in
// this package exists so that the allocator and the object headers can do
// address arithmetic without sprinkling unsafe.Pointer conversions all over
// the tree.
package xunsafe

import (
	"sync"
	"unsafe"

	"github.com/flier/gcarena/pkg/xunsafe/layout"
)

// NoCopy is a type that go vet will complain about having been moved.
//
// It does so by holding a zero-length array of [sync.Mutex], which vet's
// copylocks check treats like a lock.
type NoCopy [0]sync.Mutex

// Int is any integer type.
type Int = layout.Int

// Cast casts one pointer type to another.
func Cast[To, From any](p *From) *To {
	return (*To)(unsafe.Pointer(p))
}

// Copy copies n elements from one pointer to the other.
func Copy[P ~*E, E any, I Int](dst, src P, n I) {
	copy(unsafe.Slice(dst, n), unsafe.Slice(src, n))
}

// Clear zeros n elements at p.
func Clear[P ~*E, E any, I Int](p P, n I) {
	clear(unsafe.Slice(p, n))
}

// AnyData extracts the data pointer out of an any.
func AnyData(v any) unsafe.Pointer {
	return (*[2]unsafe.Pointer)(unsafe.Pointer(&v))[1]
}
