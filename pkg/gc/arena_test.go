//go:build go1.22

package gc_test

import (
	"errors"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/gcarena/pkg/gc"
)

// leaf carries no references; the collector never scans it.
type leaf struct {
	A, B int64
}

// node is a singly linked list cell.
type node struct {
	Value int64
	Next  gc.RefOpt[node]
}

func (n *node) Trace(v *gc.Visitor) {
	gc.VisitOpt(v, &n.Next)
}

// bin holds a fixed set of leaf slots.
type bin struct {
	Keep [10]gc.RefOpt[leaf]
}

func (b *bin) Trace(v *gc.Visitor) {
	for i := range b.Keep {
		gc.VisitOpt(v, &b.Keep[i])
	}
}

func newArena[R any](t *testing.T, cfg gc.Config, init func(mu *gc.Mutator) (gc.Ref[R], error)) *gc.Arena[R] {
	t.Helper()

	a, err := gc.New(cfg, init)
	if err != nil {
		t.Fatalf("gc.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocateThenCollect(t *testing.T) {
	Convey("Given an arena rooted at a bin of ten slots", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})

		Convey("When allocating 1000 leaves and retaining 10", func() {
			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[bin]) error {
				b := root.Get(mu)
				for i := 0; i < 1000; i++ {
					r, err := gc.Alloc(mu, leaf{A: int64(i)})
					if err != nil {
						return err
					}
					if i%100 == 0 {
						slot := i / 100
						gc.Write(mu, root, func(w *gc.Barrier) {
							gc.SetOpt(w, &b.Keep[slot], r)
						})
					}
				}
				return nil
			})
			So(err, ShouldBeNil)

			Convey("Then a major collection keeps the root and the 10 retained leaves", func() {
				So(a.MajorCollect(), ShouldBeNil)

				m := a.Metrics()
				So(m.LiveObjects, ShouldEqual, 11)
				So(m.MajorCycles, ShouldEqual, 1)
				// Header plus payload for each survivor; far below what
				// 1000 leaves would occupy.
				So(m.LiveBytes, ShouldBeLessThan, 11*(16+64))

				Convey("And the retained values are intact", func() {
					err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[bin]) error {
						b := root.Get(mu)
						for slot := range b.Keep {
							l, ok := b.Keep[slot].Get(mu)
							So(ok, ShouldBeTrue)
							So(l.A, ShouldEqual, int64(slot*100))
						}
						return nil
					})
					So(err, ShouldBeNil)
				})
			})
		})
	})
}

func TestMarkIdempotence(t *testing.T) {
	Convey("Given a quiescent arena with a small live set", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
			root, err := gc.Alloc(mu, bin{})
			if err != nil {
				return root, err
			}
			b := root.Get(mu)
			for i := range b.Keep {
				r, err := gc.Alloc(mu, leaf{A: int64(i)})
				if err != nil {
					return root, err
				}
				gc.Write(mu, root, func(w *gc.Barrier) {
					gc.SetOpt(w, &b.Keep[i], r)
				})
			}
			return root, nil
		})

		Convey("When collecting twice in a row", func() {
			So(a.MajorCollect(), ShouldBeNil)
			first := a.Metrics()

			So(a.MajorCollect(), ShouldBeNil)
			second := a.Metrics()

			Convey("Then byte usage, object count, and block set are unchanged", func() {
				So(second.LiveBytes, ShouldEqual, first.LiveBytes)
				So(second.LiveObjects, ShouldEqual, first.LiveObjects)
				So(second.Blocks, ShouldEqual, first.Blocks)
				So(second.LargeBlocks, ShouldEqual, first.LargeBlocks)
				So(second.HeapBytes, ShouldEqual, first.HeapBytes)
			})
		})
	})
}

// huge does not fit a 32 KiB block and must go on the overflow list.
type huge struct {
	Data [40 << 10]byte
}

type hugeRoot struct {
	Slot gc.RefOpt[huge]
}

func (r *hugeRoot) Trace(v *gc.Visitor) {
	gc.VisitOpt(v, &r.Slot)
}

func TestLargeObject(t *testing.T) {
	Convey("Given an arena holding one object bigger than a block", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[hugeRoot], error) {
			root, err := gc.Alloc(mu, hugeRoot{})
			if err != nil {
				return root, err
			}
			h, err := gc.Alloc(mu, huge{})
			if err != nil {
				return root, err
			}
			h.Get(mu).Data[0] = 0xab
			gc.Write(mu, root, func(w *gc.Barrier) {
				gc.SetOpt(w, &root.Get(mu).Slot, h)
			})
			return root, nil
		})

		Convey("Then it resides on the overflow list and survives collection", func() {
			So(a.MajorCollect(), ShouldBeNil)
			So(a.Metrics().LargeBlocks, ShouldEqual, 1)

			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[hugeRoot]) error {
				h, ok := root.Get(mu).Slot.Get(mu)
				So(ok, ShouldBeTrue)
				So(h.Data[0], ShouldEqual, byte(0xab))
				return nil
			})
			So(err, ShouldBeNil)

			Convey("And dropping the root reference empties the overflow list", func() {
				err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[hugeRoot]) error {
					gc.Write(mu, root, func(w *gc.Barrier) {
						gc.ClearOpt(w, &root.Get(mu).Slot)
					})
					return nil
				})
				So(err, ShouldBeNil)

				So(a.MajorCollect(), ShouldBeNil)
				So(a.Metrics().LargeBlocks, ShouldEqual, 0)
			})
		})
	})
}

func TestBoundaries(t *testing.T) {
	Convey("Given a fresh arena", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})

		Convey("Zero-sized allocations are rounded up to one word", func() {
			err := a.Mutate(func(mu *gc.Mutator, _ gc.Ref[bin]) error {
				r1, err := gc.Alloc(mu, struct{}{})
				So(err, ShouldBeNil)
				r2, err := gc.Alloc(mu, struct{}{})
				So(err, ShouldBeNil)
				So(uintptr(unsafe.Pointer(r1.Get(mu))), ShouldNotEqual, uintptr(unsafe.Pointer(r2.Get(mu))))
				return nil
			})
			So(err, ShouldBeNil)
		})
	})

	Convey("Given an arena whose hard cap exactly fits the live set", t, func() {
		cfg := gc.DefaultConfig()
		cfg.HeapHardCap = 32 << 10 // one block, all the live set commits
		a := newArena(t, cfg, func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})
		So(a.MajorCollect(), ShouldBeNil)

		Convey("Then a mutation that does not allocate succeeds", func() {
			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[bin]) error {
				_ = root.Get(mu)
				return nil
			})
			So(err, ShouldBeNil)
		})
	})

	Convey("Given an arena with a one-block hard cap", t, func() {
		cfg := gc.DefaultConfig()
		cfg.HeapHardCap = 32 << 10
		a := newArena(t, cfg, func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})

		Convey("Then unbounded allocation eventually fails with ErrOutOfMemory", func() {
			var allocErr error
			err := a.Mutate(func(mu *gc.Mutator, _ gc.Ref[bin]) error {
				for i := 0; i < 1<<20; i++ {
					if _, allocErr = gc.Alloc(mu, leaf{}); allocErr != nil {
						return nil // recoverable: handled by the body
					}
				}
				return nil
			})
			So(err, ShouldBeNil)
			So(errors.Is(allocErr, gc.ErrOutOfMemory), ShouldBeTrue)
		})
	})
}

func TestClosedArena(t *testing.T) {
	Convey("Given a closed arena", t, func() {
		a, err := gc.New(gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})
		So(err, ShouldBeNil)
		So(a.Close(), ShouldBeNil)

		Convey("Then every operation reports ErrClosed", func() {
			So(a.Mutate(func(*gc.Mutator, gc.Ref[bin]) error { return nil }), ShouldEqual, gc.ErrClosed)
			So(a.MajorCollect(), ShouldEqual, gc.ErrClosed)
			So(a.MinorCollect(), ShouldEqual, gc.ErrClosed)
			So(a.Close(), ShouldEqual, gc.ErrClosed)
		})
	})
}

func TestBrandSafety(t *testing.T) {
	Convey("Given a reference that leaked out of its mutation scope", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
			return gc.Alloc(mu, bin{})
		})

		var leakedMu *gc.Mutator
		var leaked gc.Ref[leaf]
		err := a.Mutate(func(mu *gc.Mutator, _ gc.Ref[bin]) error {
			leakedMu = mu
			var err error
			leaked, err = gc.Alloc(mu, leaf{A: 1})
			return err
		})
		So(err, ShouldBeNil)

		Convey("Then dereferencing it panics", func() {
			So(func() { leaked.Get(leakedMu) }, ShouldPanic)
		})

		Convey("And allocating through the dead mutator panics", func() {
			So(func() { _, _ = gc.Alloc(leakedMu, leaf{}) }, ShouldPanic)
		})

		Convey("And a later, live scope cannot use it either", func() {
			// The leaked reference carries the first scope's brand; by the
			// time a second scope runs, its block may have been reclaimed.
			err := a.Mutate(func(mu2 *gc.Mutator, _ gc.Ref[bin]) error {
				So(func() { leaked.Get(mu2) }, ShouldPanic)
				So(func() { gc.Retrace(mu2, leaked) }, ShouldPanic)
				So(func() { gc.Marked(mu2, leaked) }, ShouldPanic)
				So(func() {
					gc.Write(mu2, leaked, func(*gc.Barrier) {})
				}, ShouldPanic)
				return nil
			})
			So(err, ShouldBeNil)
		})

		Convey("And a stale reference cannot be stored back into the graph", func() {
			err := a.Mutate(func(mu2 *gc.Mutator, root gc.Ref[bin]) error {
				b := root.Get(mu2)
				So(func() {
					gc.Write(mu2, root, func(w *gc.Barrier) {
						gc.SetOpt(w, &b.Keep[0], leaked)
					})
				}, ShouldPanic)
				return nil
			})
			So(err, ShouldBeNil)
		})
	})
}
