//go:build go1.22

package gc

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
	"github.com/flier/gcarena/internal/xsync"
)

// Traceable is implemented by types that contain reference slots. Trace must
// call the matching Visit function exactly once for every slot.
//
// Trace must not allocate, must not block, and must not touch non-reference
// fields of other objects. It may run concurrently with mutation: reference
// slots are read atomically by the visitor, and any other shared state is
// off limits.
//
// Types that do not implement Traceable are leaves: the collector never
// looks inside them, and they may be mutated freely without synchronizing
// with tracers.
type Traceable interface {
	Trace(v *Visitor)
}

// Visitor enumerates the outgoing references of one object during marking.
type Visitor struct {
	push  func(uintptr)
	minor bool
}

func (v *Visitor) visit(addr uintptr) {
	if addr == 0 {
		return
	}
	// Minor cycles stop at the old generation; old-to-young edges are
	// covered by the remembered set.
	if v.minor && object.At(addr).Old() {
		return
	}
	v.push(addr)
}

// Visit visits an immutable reference slot.
func Visit[T any](v *Visitor, r Ref[T]) {
	v.visit(r.addr)
}

// VisitMut visits a mutable reference slot.
func VisitMut[T any](v *Visitor, r *RefMut[T]) {
	v.visit(atomic.LoadUintptr(&r.addr))
}

// VisitOpt visits an optional mutable reference slot.
func VisitOpt[T any](v *Visitor, r *RefOpt[T]) {
	v.visit(atomic.LoadUintptr(&r.addr))
}

// typeInfo is one entry of the trace dispatch table. The header stores its
// index, not a pointer: headers live in pointer-free memory.
type typeInfo struct {
	id    uint32
	rt    reflect.Type
	size  int
	align int
	trace func(unsafe.Pointer, *Visitor) // nil for leaves
}

var types struct {
	byType xsync.Map[reflect.Type, *typeInfo]
	mu     sync.Mutex // guards appends to table
	table  atomic.Pointer[[]*typeInfo]
}

func typeFor[T any]() *typeInfo {
	rt := reflect.TypeFor[T]()
	if ti, ok := types.byType.Load(rt); ok {
		return ti
	}
	return registerType[T](rt)
}

func registerType[T any](rt reflect.Type) *typeInfo {
	types.mu.Lock()
	defer types.mu.Unlock()

	if ti, ok := types.byType.Load(rt); ok {
		return ti
	}

	ti := &typeInfo{rt: rt, size: int(rt.Size()), align: rt.Align()}
	var z *T
	if _, ok := any(z).(Traceable); ok {
		ti.trace = func(p unsafe.Pointer, v *Visitor) {
			any((*T)(p)).(Traceable).Trace(v) //nolint:errcheck
		}
	}
	if debug.Enabled {
		checkShape(rt, rt, ti.trace != nil)
	}

	var table []*typeInfo
	if old := types.table.Load(); old != nil {
		table = append(table, *old...)
	}
	ti.id = uint32(len(table))
	table = append(table, ti)
	types.table.Store(&table)
	types.byType.Store(rt, ti)

	debug.Log(nil, "register type", "%v id=%d size=%d traced=%v", rt, ti.id, ti.size, ti.trace != nil)

	return ti
}

func typeByID(id uint32) *typeInfo {
	return (*types.table.Load())[id]
}

var refSlotType = reflect.TypeOf((*refSlot)(nil)).Elem()

// checkShape rejects payload types the arena cannot hold: anything with Go
// pointers (block memory is invisible to Go's collector), and reference
// slots inside types that never declared themselves Traceable (those slots
// would silently escape tracing).
func checkShape(root, rt reflect.Type, traced bool) {
	if rt.Implements(refSlotType) {
		debug.Assert(traced, "type %v contains reference slots but does not implement Traceable", root)
		return
	}

	switch rt.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
	case reflect.Array:
		checkShape(root, rt.Elem(), traced)
	case reflect.Struct:
		for i := 0; i < rt.NumField(); i++ {
			checkShape(root, rt.Field(i).Type, traced)
		}
	default:
		debug.Assert(false, "type %v is not arena-safe: %v holds Go pointers", root, rt)
	}
}
