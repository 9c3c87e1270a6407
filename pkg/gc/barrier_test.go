//go:build go1.22

package gc_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/gcarena/pkg/gc"
)

func TestWriteBarrierRescue(t *testing.T) {
	Convey("Given a root holding a sizable subgraph", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[listRoot], error) {
			root, err := gc.Alloc(mu, listRoot{})
			if err != nil {
				return root, err
			}
			return root, buildList(mu, root, 500)
		})

		Convey("When the subgraph is swapped for a fresh object while a cycle runs", func() {
			started := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				<-started
				done <- a.MajorCollect()
			}()

			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
				close(started)
				fresh, err := gc.Alloc(mu, node{Value: 42})
				if err != nil {
					return err
				}
				gc.Write(mu, root, func(w *gc.Barrier) {
					gc.SetOpt(w, &root.Get(mu).Head, fresh)
				})
				return nil
			})
			So(err, ShouldBeNil)
			So(<-done, ShouldBeNil)

			Convey("Then after one more cycle only the fresh object remains", func() {
				// The replaced subgraph may float through the cycle that
				// was already marking when the swap happened; the next one
				// must reclaim it.
				So(a.MajorCollect(), ShouldBeNil)

				So(a.Metrics().LiveObjects, ShouldEqual, 2)
				err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
					n, ok := root.Get(mu).Head.Get(mu)
					So(ok, ShouldBeTrue)
					So(n.Value, ShouldEqual, 42)
					So(n.Next.IsNil(), ShouldBeTrue)
					return nil
				})
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestGenerational(t *testing.T) {
	Convey("Given a generational arena with retained and garbage young objects", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[listRoot], error) {
			root, err := gc.Alloc(mu, listRoot{})
			if err != nil {
				return root, err
			}
			return root, buildList(mu, root, 100)
		})

		err := a.Mutate(func(mu *gc.Mutator, _ gc.Ref[listRoot]) error {
			for i := 0; i < 900; i++ {
				if _, err := gc.Alloc(mu, leaf{A: int64(i)}); err != nil {
					return err
				}
			}
			return nil
		})
		So(err, ShouldBeNil)

		Convey("When running a minor cycle", func() {
			So(a.MinorCollect(), ShouldBeNil)

			Convey("Then the young garbage is gone and the retained set survives", func() {
				So(a.Metrics().LiveObjects, ShouldEqual, 101)
				So(a.Metrics().MinorCycles, ShouldEqual, 1)

				Convey("And a following major cycle frees nothing more", func() {
					So(a.MajorCollect(), ShouldBeNil)
					So(a.Metrics().LiveObjects, ShouldEqual, 101)
				})
			})
		})
	})
}

func TestRememberedSet(t *testing.T) {
	Convey("Given an old object dirtied with a young reference", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[listRoot], error) {
			root, err := gc.Alloc(mu, listRoot{})
			if err != nil {
				return root, err
			}
			head, err := gc.Alloc(mu, node{Value: 1})
			if err != nil {
				return root, err
			}
			gc.Write(mu, root, func(w *gc.Barrier) {
				gc.SetOpt(w, &root.Get(mu).Head, head)
			})
			return root, nil
		})

		// Promote root and head to the old generation.
		So(a.MajorCollect(), ShouldBeNil)

		err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
			head, ok := root.Get(mu).Head.Ref(mu)
			So(ok, ShouldBeTrue)

			young, err := gc.Alloc(mu, node{Value: 42})
			if err != nil {
				return err
			}
			gc.Write(mu, head, func(w *gc.Barrier) {
				gc.SetOpt(w, &head.Get(mu).Next, young)
			})
			return nil
		})
		So(err, ShouldBeNil)

		Convey("When a minor cycle runs", func() {
			So(a.MinorCollect(), ShouldBeNil)

			Convey("Then the young object reachable only through the old one survives", func() {
				err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
					count, sum := walkList(mu, root)
					So(count, ShouldEqual, 2)
					So(sum, ShouldEqual, int64(1+42))
					return nil
				})
				So(err, ShouldBeNil)
				So(a.Metrics().LiveObjects, ShouldEqual, 3)
			})
		})
	})
}

func TestRetrace(t *testing.T) {
	Convey("Given an arena and an object", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[listRoot], error) {
			return gc.Alloc(mu, listRoot{})
		})

		Convey("Then Retrace outside a cycle is a no-op and Marked reflects the last cycle", func() {
			So(a.MajorCollect(), ShouldBeNil)

			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
				gc.Retrace(mu, root)
				So(gc.Marked(mu, root), ShouldBeTrue) // survived the last cycle

				fresh, err := gc.Alloc(mu, node{Value: 7})
				if err != nil {
					return err
				}
				// Born in the current epoch, so already marked.
				So(gc.Marked(mu, fresh), ShouldBeTrue)
				return nil
			})
			So(err, ShouldBeNil)
		})
	})
}
