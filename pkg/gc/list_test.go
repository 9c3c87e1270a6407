//go:build go1.22

package gc_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/gcarena/pkg/gc"
)

type listRoot struct {
	Head gc.RefOpt[node]
}

func (r *listRoot) Trace(v *gc.Visitor) {
	gc.VisitOpt(v, &r.Head)
}

const listLen = 10_000

func buildList(mu *gc.Mutator, root gc.Ref[listRoot], n int) error {
	var head gc.RefOpt[node]
	for i := n - 1; i >= 0; i-- {
		r, err := gc.Alloc(mu, node{Value: int64(i), Next: head})
		if err != nil {
			return err
		}
		head = r.Opt()
	}
	if r, ok := head.Ref(mu); ok {
		gc.Write(mu, root, func(w *gc.Barrier) {
			gc.SetOpt(w, &root.Get(mu).Head, r)
		})
	}
	return nil
}

func walkList(mu *gc.Mutator, root gc.Ref[listRoot]) (count int, sum int64) {
	cur := &root.Get(mu).Head
	for {
		n, ok := cur.Get(mu)
		if !ok {
			return count, sum
		}
		count++
		sum += n.Value
		cur = &n.Next
	}
}

func TestLinkedListSurvives(t *testing.T) {
	Convey("Given a 10000-node list hanging off the root", t, func() {
		a := newArena(t, gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[listRoot], error) {
			return gc.Alloc(mu, listRoot{})
		})

		err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
			return buildList(mu, root, listLen)
		})
		So(err, ShouldBeNil)

		Convey("When running five major cycles", func() {
			for i := 0; i < 5; i++ {
				So(a.MajorCollect(), ShouldBeNil)
			}

			Convey("Then the list is intact, values and all", func() {
				err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
					count, sum := walkList(mu, root)
					So(count, ShouldEqual, listLen)
					So(sum, ShouldEqual, int64(listLen)*(listLen-1)/2)
					return nil
				})
				So(err, ShouldBeNil)
				So(a.Metrics().LiveObjects, ShouldEqual, listLen+1)
			})
		})

		Convey("When the list is dropped", func() {
			err := a.Mutate(func(mu *gc.Mutator, root gc.Ref[listRoot]) error {
				gc.Write(mu, root, func(w *gc.Barrier) {
					gc.ClearOpt(w, &root.Get(mu).Head)
				})
				return nil
			})
			So(err, ShouldBeNil)

			Convey("Then a major cycle reclaims every node", func() {
				So(a.MajorCollect(), ShouldBeNil)
				So(a.Metrics().LiveObjects, ShouldEqual, 1)
			})
		})
	})
}

func BenchmarkAlloc(b *testing.B) {
	a, err := gc.New(gc.DefaultConfig(), func(mu *gc.Mutator) (gc.Ref[bin], error) {
		return gc.Alloc(mu, bin{})
	})
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close()

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		_ = a.Mutate(func(mu *gc.Mutator, _ gc.Ref[bin]) error {
			for i := 0; i < 1000; i++ {
				if _, err := gc.Alloc(mu, leaf{A: int64(i)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
}
