//go:build go1.22

package gc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flier/gcarena/internal/block"
	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/mark"
	"github.com/flier/gcarena/internal/object"
	"github.com/flier/gcarena/internal/tracer"
)

// controllerTick is how often the trigger loop re-evaluates the heap
// against the configured thresholds.
const controllerTick = 25 * time.Millisecond

// Arena is a collected heap rooted at a single value of type R.
//
// An Arena is safe for concurrent use: any number of goroutines may run
// mutation scopes, and collection runs concurrently with them.
type Arena[R any] struct {
	st *state
}

// state is the non-generic part of an arena. Everything the collector
// coordinates lives here; Arena is a typed veneer over it.
type state struct {
	cfg Config

	pool    *block.Pool
	mark    *mark.State
	tracers *tracer.Pool

	root    atomic.Uintptr
	publish atomic.Uint64 // bumped at each barrier-scope and mutation exit

	mutMu   sync.Mutex
	mutCond *sync.Cond
	active  int  // mutation scopes currently running
	gate    bool // entry refused while true

	collectMu sync.Mutex // one cycle at a time
	sweepWG   sync.WaitGroup

	closed atomic.Bool

	kick chan struct{} // urgent collection requests
	stop chan struct{}
	done chan struct{}

	allocSinceCycle atomic.Int64
	lastCycleEnd    atomic.Int64 // unix nanos
	lastCycleDur    atomic.Int64
	minorCycles     atomic.Uint64
	majorCycles     atomic.Uint64
	escalate        atomic.Bool // young survivors demand a major cycle

	keepMu sync.Mutex
	keep   []any
}

func newState(cfg Config) *state {
	st := &state{
		cfg:  cfg,
		pool: block.NewPool(cfg.HeapHardCap),
		mark: mark.New(),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	st.mutCond = sync.NewCond(&st.mutMu)
	st.tracers = tracer.New(cfg.TracerThreads, st.mark, st.scanObject)
	return st
}

// New builds an arena. The init body runs as the arena's first mutation
// scope and returns the root; every object the arena will ever hold must be
// reachable from it. Automatic collection triggers arm only after init
// returns, so root construction is never interrupted by a cycle.
func New[R any](cfg Config, init func(mu *Mutator) (Ref[R], error)) (*Arena[R], error) {
	if init == nil {
		return nil, errors.New("gcarena: nil init body")
	}

	st := newState(cfg.withDefaults())
	st.tracers.Start()

	var root Ref[R]
	err := st.mutate(func(mu *Mutator) error {
		r, err := init(mu)
		if err != nil {
			return err
		}
		if r.addr == 0 {
			return errors.New("gcarena: init body returned a nil root")
		}
		root = r
		return nil
	})
	if err != nil {
		st.closed.Store(true)
		st.tracers.Stop()
		st.pool.ReleaseAll()
		return nil, err
	}

	st.root.Store(root.addr)
	go st.runController()

	return &Arena[R]{st: st}, nil
}

// Mutate runs body as a mutation scope, handing it the root.
//
// Scopes on distinct goroutines run concurrently. The body must poll
// [Mutator.IsYieldRequested] if it runs for long. Mutate blocks while the
// arena is between a cycle's final marking and the end of a synchronous
// sweep.
func (a *Arena[R]) Mutate(body func(mu *Mutator, root Ref[R]) error) error {
	return a.st.mutate(func(mu *Mutator) error {
		return body(mu, Ref[R]{addr: a.st.root.Load(), brand: mu.brand})
	})
}

// MajorCollect synchronously runs a full cycle over the entire heap.
// It must not be called from inside a mutation scope.
func (a *Arena[R]) MajorCollect() error {
	return a.st.collect(false)
}

// MinorCollect synchronously runs a cycle over the young generation.
// With [Config.Generational] off it degrades to a major cycle.
// It must not be called from inside a mutation scope.
func (a *Arena[R]) MinorCollect() error {
	return a.st.collect(true)
}

// KeepAlive pins v for the lifetime of the arena. Payloads themselves must
// be pointer-free, so hosts that key side tables off arena addresses use
// this to tie the side data's lifetime to the heap's.
func (a *Arena[R]) KeepAlive(v any) {
	a.st.keepMu.Lock()
	defer a.st.keepMu.Unlock()
	a.st.keep = append(a.st.keep, v)
}

// Close tears the arena down: it refuses new scopes and collections, waits
// out the ones in flight, stops the controller and the tracer pool, and
// releases every block. Further operations return [ErrClosed].
func (a *Arena[R]) Close() error {
	return a.st.close()
}

func (st *state) close() error {
	if !st.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(st.stop)
	<-st.done

	st.collectMu.Lock()
	defer st.collectMu.Unlock()
	st.sweepWG.Wait()

	st.mutMu.Lock()
	for st.active > 0 {
		st.mutCond.Wait()
	}
	st.gate = true
	// Entry waiters re-check and observe the closed flag.
	st.mutCond.Broadcast()
	st.mutMu.Unlock()

	st.tracers.Stop()
	st.pool.ReleaseAll()

	st.keepMu.Lock()
	st.keep = nil
	st.keepMu.Unlock()

	return nil
}

// mutate runs body as a mutation scope: gate check, scope accounting, the
// goroutine-local brand, and head-block cleanup.
func (st *state) mutate(body func(mu *Mutator) error) error {
	if st.closed.Load() {
		return ErrClosed
	}

	st.mutMu.Lock()
	for st.gate && !st.closed.Load() {
		st.mutCond.Wait()
	}
	if st.closed.Load() {
		st.mutMu.Unlock()
		return ErrClosed
	}
	st.active++
	st.mutMu.Unlock()

	mu := &Mutator{st: st, brand: brands.Add(1), active: true}
	prev := currentMutator.Get()
	debug.Assert(prev == nil, "nested mutation scopes on one goroutine")
	currentMutator.Set(mu)

	defer func() {
		mu.active = false
		currentMutator.Set(prev)
		if mu.head != nil {
			st.pool.Release(mu.head)
			mu.head = nil
		}
		// Publish everything the scope wrote before the collector can
		// observe the exit.
		st.publish.Add(1)

		st.mutMu.Lock()
		st.active--
		st.mutCond.Broadcast()
		st.mutMu.Unlock()
	}()

	return body(mu)
}

// collect drives one full cycle through the mark phase machine.
func (st *state) collect(minor bool) error {
	if st.closed.Load() {
		return ErrClosed
	}

	st.collectMu.Lock()
	defer st.collectMu.Unlock()

	// A concurrent sweep from the previous cycle must finish before the
	// epoch moves again.
	st.sweepWG.Wait()

	if st.closed.Load() {
		return ErrClosed
	}
	if !st.cfg.Generational {
		minor = false
	}

	start := time.Now()
	epoch := st.mark.BeginCycle(minor)
	debug.Log(nil, "cycle", "epoch %d minor=%v", epoch, minor)

	// Roots: the root value is grey at the start of every cycle; minor
	// cycles add the remembered set.
	st.mark.Shade(st.root.Load())
	if minor {
		st.mark.Rem.ForEach(st.mark.Shade)
	}

	// Concurrent marking: tracers drain while mutators keep running,
	// re-greying through their barriers.
	st.mark.WaitDrained()

	// Handshake: ask every scope to exit, let none enter, then catch the
	// residual grey work. With no mutators active the final drain is
	// deterministic.
	st.mark.RequestYield()
	st.setGate(true)
	st.waitMutatorsExited()
	st.mark.SetPhase(mark.FinalMarking)
	st.mark.WaitDrained()

	if !minor {
		// Every recorded old-to-young edge now points at an object the
		// sweep is about to promote (or at garbage). Writers dirtied
		// during the sweep re-enter the set through their barriers.
		st.mark.Rem.Clear()
	}

	st.mark.SetPhase(mark.Sweeping)
	st.mark.ClearYield()
	st.pool.BeginSweep(epoch, minor, !minor)

	switch st.cfg.SweepMode {
	case SweepConcurrent:
		st.sweepWG.Add(1)
		go func() {
			defer st.sweepWG.Done()
			st.pool.SweepAll()
			st.mark.SetPhase(mark.Idle)
			st.recordCycle(minor, start)
		}()
		st.setGate(false)

	default:
		st.pool.SweepAll()
		st.mark.SetPhase(mark.Idle)
		st.recordCycle(minor, start)
		st.setGate(false)
	}

	return nil
}

func (st *state) setGate(closed bool) {
	st.mutMu.Lock()
	st.gate = closed
	if !closed {
		st.mutCond.Broadcast()
	}
	st.mutMu.Unlock()
}

func (st *state) waitMutatorsExited() {
	st.mutMu.Lock()
	for st.active > 0 {
		st.mutCond.Wait()
	}
	st.mutMu.Unlock()
}

func (st *state) recordCycle(minor bool, start time.Time) {
	stats := st.pool.LastStats()

	if minor {
		st.minorCycles.Add(1)
		denom := stats.YoungSurvivedBytes + stats.YoungFreedBytes
		ratio := 0.0
		if denom > 0 {
			ratio = float64(stats.YoungSurvivedBytes) / float64(denom)
		}
		st.escalate.Store(ratio > st.cfg.YoungTriggerRatio)
	} else {
		st.majorCycles.Add(1)
		st.escalate.Store(false)
	}

	st.allocSinceCycle.Store(0)
	st.lastCycleEnd.Store(time.Now().UnixNano())
	st.lastCycleDur.Store(int64(time.Since(start)))

	debug.Log(nil, "cycle done", "minor=%v live=%dB/%d freed=%dB/%d",
		minor, stats.LiveBytes, stats.LiveObjects, stats.FreedBytes, stats.FreedObjects)
}

// scanObject is the ScanFunc installed into the tracer pool: it dispatches
// to the object's trace implementation through the type table.
func (st *state) scanObject(addr uintptr, push func(uintptr)) {
	h := object.At(addr)
	ti := typeByID(h.TypeID())
	if ti.trace == nil {
		return
	}
	v := Visitor{push: push, minor: st.mark.Minor()}
	ti.trace(h.Payload(), &v)
}

// noteAlloc records freshly allocated bytes for the controller's soft-cap
// check, which honours the minimum cycle interval.
func (st *state) noteAlloc(n int64) {
	st.allocSinceCycle.Add(n)
}

// allocFailed converts an allocator failure into an urgent collection
// request before handing the error to the mutator.
func (st *state) allocFailed(err error) error {
	if errors.Is(err, block.ErrOutOfMemory) {
		st.requestCycle()
	}
	return err
}

func (st *state) requestCycle() {
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

// runController is the trigger loop: it owns automatic cycle scheduling.
func (st *state) runController() {
	defer close(st.done)

	tick := time.NewTicker(controllerTick)
	defer tick.Stop()

	for {
		select {
		case <-st.stop:
			return
		case <-st.kick:
			// Memory pressure: run a major cycle regardless of the
			// minimum interval.
			_ = st.collect(false)
		case <-tick.C:
			st.maybeCollect()
		}
	}
}

func (st *state) maybeCollect() {
	cfg := st.cfg
	if cfg.HeapSoftCap <= 0 {
		return
	}
	if st.pool.Committed() < cfg.HeapSoftCap && st.allocSinceCycle.Load() < cfg.HeapSoftCap {
		return
	}
	if time.Since(time.Unix(0, st.lastCycleEnd.Load())) < cfg.CycleMinInterval {
		return
	}

	minor := cfg.Generational && !st.escalate.Load()
	_ = st.collect(minor)
}
