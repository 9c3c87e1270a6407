//go:build go1.22

package block

import (
	"reflect"
	"unsafe"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/xsync"
	"github.com/flier/gcarena/pkg/xunsafe"
	"github.com/flier/gcarena/pkg/xunsafe/layout"
)

var shapes xsync.Map[int, reflect.Type]

// newChunk allocates size bytes of garbage-collected memory and returns a
// pointer to them.
//
// The chunk is pointer-free as far as Go's collector is concerned, except for
// a single trailing pointer slot holding owner. As long as any pointer into
// the chunk is live, owner is marked live by Go's collector; owner in turn
// reaches every other chunk. This is what lets a dereferenced object pointer
// keep the whole heap alive without the heap being scannable.
func newChunk(size int, owner unsafe.Pointer) *byte {
	size = layout.RoundUp(size, layout.Align[unsafe.Pointer]())

	// A chunk has the shape
	//
	//	struct {
	//		Data  [size]byte
	//		Owner unsafe.Pointer
	//	}
	//
	// which we can only spell with reflection. The shape for each size is
	// cached: the allocator requests the same block size over and over.
	shape, _ := shapes.LoadOrStore(size, func() reflect.Type {
		return reflect.StructOf([]reflect.StructField{
			{Name: "Data", Type: reflect.ArrayOf(size, reflect.TypeFor[byte]())},
			{Name: "Owner", Type: reflect.TypeFor[unsafe.Pointer]()},
		})
	})

	p := (*byte)(reflect.New(shape).UnsafePointer())
	xunsafe.ByteStore(p, size, owner) // Store the tracee pointer at the end.

	debug.Log(nil, "chunk", "%p:%d", p, size)

	return p
}
