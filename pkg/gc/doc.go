//go:build go1.22

// Package gc implements a concurrent, generational, mark-and-sweep collected
// arena, intended as the memory substrate of a language runtime or virtual
// machine.
//
// # Key Concepts
//
// Arena: a self-contained heap with a single root value. Objects are
// allocated into fixed-size blocks and reclaimed by tracing reachability
// from the root. See [New].
//
// Mutation scope: the only way to touch arena memory. [Arena.Mutate] hands
// the body a [Mutator] and the root; every reference issued inside the
// scope is branded with that scope's id and panics if used after the scope
// returns or under any other scope, even a live one. Tracing runs
// concurrently with mutation; reclamation happens strictly between scopes,
// so freed memory is never observable from live code.
//
// Reference kinds: [Ref] is immutable, [RefMut] is re-bindable through a
// write barrier, [RefOpt] is the nullable variant. Reference slots are plain
// words in arena memory, invisible to Go's own collector.
//
// Trace contract: a type that contains reference slots implements
// [Traceable], enumerating them for the collector; every other type is a
// leaf and is never scanned. Payloads must be pointer-free: an arena object
// may refer to other arena objects through reference slots and to nothing
// else.
//
// # A Small Example
//
//	type node struct {
//		value int
//		next  gc.RefOpt[node]
//	}
//
//	func (n *node) Trace(v *gc.Visitor) { gc.VisitOpt(v, &n.next) }
//
//	arena, _ := gc.New(gc.DefaultConfig(),
//		func(mu *gc.Mutator) (gc.Ref[node], error) {
//			return gc.Alloc(mu, node{value: 1})
//		})
//	defer arena.Close()
//
//	_ = arena.Mutate(func(mu *gc.Mutator, root gc.Ref[node]) error {
//		n, err := gc.Alloc(mu, node{value: 2})
//		if err != nil {
//			return err
//		}
//		gc.Write(mu, root, func(b *gc.Barrier) {
//			gc.SetOpt(b, &root.Get(mu).next, n)
//		})
//		return nil
//	})
//
//	_ = arena.MajorCollect()
//
// # Collection
//
// A cycle moves through Marking (concurrent with mutators; write barriers
// keep the trace sound), FinalMarking (mutators have yielded; residual grey
// work drains deterministically), and Sweeping (unmarked objects are
// reclaimed block by block). Cycles are triggered by the controller when the
// heap outgrows the configured soft cap, or explicitly through
// [Arena.MajorCollect] and [Arena.MinorCollect].
//
// With generational collection enabled, objects start young and are
// promoted after surviving a major cycle; minor cycles trace only the young
// generation, using a remembered set of barrier-dirtied old objects as
// additional roots.
//
// # Yielding
//
// Mutation bodies that run for long must poll [Mutator.IsYieldRequested]
// and return promptly when it reports true: the collector cannot finish a
// cycle while a scope is active. Ignoring the flag never corrupts memory,
// but it stalls reclamation and the heap grows.
package gc
