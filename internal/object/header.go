// Package object defines the per-object header that the block allocator
// prepends to every allocation, and the atomic mark/generation state machine
// that lives inside it.
package object

import (
	"sync/atomic"
	"unsafe"

	"github.com/flier/gcarena/pkg/xunsafe"
	"github.com/flier/gcarena/pkg/xunsafe/layout"
)

// Align is the minimum alignment of every object payload.
const Align = int(unsafe.Sizeof(uintptr(0)))

// HeaderSize is the size of the header prepended to every allocation. The
// payload starts exactly this many bytes after the header address.
const HeaderSize = int(unsafe.Sizeof(Header{}))

const (
	flagOld   = 1 << 0 // survived a major cycle
	flagLarge = 1 << 1 // owns a dedicated block
)

// Header is the metadata prepended to every object in block memory.
//
// A header is initialized before any reference to its object is published.
// Once published, only epoch and flags change, and only through the atomic
// methods below. Headers live in pointer-free memory, so no field may be a
// Go pointer; the trace dispatch token is an index into a global table.
type Header struct {
	epoch  uint32 // mark epoch; equal to the global epoch iff marked
	flags  uint32 // generation and size-class bits
	typeID uint32 // trace dispatch token
	size   uint32 // payload size in bytes
}

// At reinterprets a raw address as a header.
//
//go:nosplit
func At(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr))
}

// Init writes a fresh header at p.
//
// The object is born young; epoch should be the current global epoch so that
// an object allocated mid-cycle is already black.
func Init(p xunsafe.Addr[byte], typeID uint32, size int, epoch uint32, large bool) *Header {
	h := xunsafe.Cast[Header](p.AssertValid())
	h.typeID = typeID
	h.size = uint32(size)
	var flags uint32
	if large {
		flags = flagLarge
	}
	atomic.StoreUint32(&h.flags, flags)
	atomic.StoreUint32(&h.epoch, epoch)
	return h
}

// Addr returns the raw address of the header, which doubles as the object's
// identity everywhere in the collector.
func (h *Header) Addr() uintptr {
	return uintptr(unsafe.Pointer(h))
}

// Payload returns a pointer to the first byte after the header.
//
//go:nosplit
func (h *Header) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), HeaderSize)
}

// Epoch atomically loads the mark epoch.
func (h *Header) Epoch() uint32 {
	return atomic.LoadUint32(&h.epoch)
}

// MarkedIn reports whether the object has been marked in the given epoch.
func (h *Header) MarkedIn(epoch uint32) bool {
	return h.Epoch() == epoch
}

// TryMark attempts to claim the object for the given epoch.
//
// Only the caller that wins the exchange may enqueue the object for
// scanning; this is what keeps every object in the grey set at most once
// per cycle.
func (h *Header) TryMark(epoch uint32) bool {
	old := atomic.LoadUint32(&h.epoch)
	if old == epoch {
		return false
	}
	return atomic.CompareAndSwapUint32(&h.epoch, old, epoch)
}

// Old reports whether the object has been promoted to the old generation.
func (h *Header) Old() bool {
	return atomic.LoadUint32(&h.flags)&flagOld != 0
}

// Promote moves the object into the old generation.
func (h *Header) Promote() {
	for {
		old := atomic.LoadUint32(&h.flags)
		if old&flagOld != 0 || atomic.CompareAndSwapUint32(&h.flags, old, old|flagOld) {
			return
		}
	}
}

// Large reports whether the object owns a dedicated block.
func (h *Header) Large() bool {
	return atomic.LoadUint32(&h.flags)&flagLarge != 0
}

// TypeID returns the trace dispatch token installed at allocation.
func (h *Header) TypeID() uint32 {
	return h.typeID
}

// Size returns the payload size in bytes.
func (h *Header) Size() int {
	return int(h.size)
}

// Footprint returns the number of bytes the object occupies in its block,
// header included, rounded to the allocation alignment.
func (h *Header) Footprint() int {
	return HeaderSize + layout.RoundUp(int(h.size), Align)
}
