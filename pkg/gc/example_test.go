//go:build go1.22

package gc_test

import (
	"fmt"

	"github.com/flier/gcarena/pkg/gc"
)

type item struct {
	Value int64
	Next  gc.RefOpt[item]
}

func (i *item) Trace(v *gc.Visitor) {
	gc.VisitOpt(v, &i.Next)
}

type stack struct {
	Top gc.RefOpt[item]
}

func (s *stack) Trace(v *gc.Visitor) {
	gc.VisitOpt(v, &s.Top)
}

func Example() {
	arena, err := gc.New(gc.DefaultConfig(),
		func(mu *gc.Mutator) (gc.Ref[stack], error) {
			return gc.Alloc(mu, stack{})
		})
	if err != nil {
		panic(err)
	}
	defer arena.Close()

	// Push three items.
	err = arena.Mutate(func(mu *gc.Mutator, root gc.Ref[stack]) error {
		for i := int64(1); i <= 3; i++ {
			var next gc.RefOpt[item]
			if top, ok := root.Get(mu).Top.Ref(mu); ok {
				next = top.Opt()
			}
			it, err := gc.Alloc(mu, item{Value: i, Next: next})
			if err != nil {
				return err
			}
			gc.Write(mu, root, func(b *gc.Barrier) {
				gc.SetOpt(b, &root.Get(mu).Top, it)
			})
		}
		return nil
	})
	if err != nil {
		panic(err)
	}

	if err := arena.MajorCollect(); err != nil {
		panic(err)
	}

	// Everything reachable from the root survived the cycle.
	_ = arena.Mutate(func(mu *gc.Mutator, root gc.Ref[stack]) error {
		cur := &root.Get(mu).Top
		for {
			it, ok := cur.Get(mu)
			if !ok {
				return nil
			}
			fmt.Println(it.Value)
			cur = &it.Next
		}
	})

	// Output:
	// 3
	// 2
	// 1
}
