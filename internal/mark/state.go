// Package mark holds the collector's global marking state: the phase
// machine, the mark epoch, the grey-object injection queue, and the
// remembered set.
//
// The grey set is split between this package and the tracer pool: tracers
// keep most grey objects in their private deques, while mutators and the
// arena facade inject grey work here. A single pending counter covers both,
// so "the grey queue is empty" has one definition everywhere: Pending() == 0.
package mark

import (
	"sync"
	"sync/atomic"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/object"
)

// Phase is a stage of the collection cycle.
type Phase uint32

const (
	Idle Phase = iota
	Marking
	FinalMarking
	Sweeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Marking:
		return "marking"
	case FinalMarking:
		return "final-marking"
	case Sweeping:
		return "sweeping"
	default:
		return "unknown"
	}
}

// State is the shared marking state of one arena.
type State struct {
	phase   atomic.Uint32
	epoch   atomic.Uint32
	minor   atomic.Bool
	yield   atomic.Bool
	pending atomic.Int64

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []uintptr // injected grey objects, already marked
	shutdown bool

	// Rem is the remembered set of old objects dirtied since the last
	// major cycle.
	Rem RemSet
}

// New returns marking state in the Idle phase at epoch zero.
func New() *State {
	s := new(State)
	s.cond = sync.NewCond(&s.mu)
	s.Rem.init()
	return s
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// SetPhase moves the cycle to the given phase.
func (s *State) SetPhase(p Phase) {
	debug.Log(nil, "phase", "%v -> %v", s.Phase(), p)
	s.phase.Store(uint32(p))
}

// Collecting reports whether a marking phase is in progress, which is when
// write barriers must shade their targets.
func (s *State) Collecting() bool {
	p := s.Phase()
	return p == Marking || p == FinalMarking
}

// Epoch returns the current mark epoch. Objects whose header carries this
// epoch are marked; everything else is white.
func (s *State) Epoch() uint32 {
	return s.epoch.Load()
}

// Minor reports whether the cycle in progress (or the last one) is minor.
func (s *State) Minor() bool {
	return s.minor.Load()
}

// BeginCycle flips the mark epoch, records the cycle kind, and enters
// Marking. It returns the new epoch.
func (s *State) BeginCycle(minor bool) uint32 {
	epoch := s.epoch.Add(1)
	s.minor.Store(minor)
	s.yield.Store(false)
	s.SetPhase(Marking)

	s.mu.Lock()
	s.cond.Broadcast() // wake parked tracers for the new cycle
	s.mu.Unlock()

	return epoch
}

// TryGrey attempts to mark the object for the current epoch. On success the
// object is accounted as pending and the caller must queue it for scanning,
// either locally or via Inject.
func (s *State) TryGrey(h *object.Header) bool {
	if !h.TryMark(s.Epoch()) {
		return false
	}
	s.pending.Add(1)
	return true
}

// Shade greys the object at addr (if white) and injects it into the global
// queue. This is the path used by write barriers and by root enqueueing;
// tracers use TryGrey plus their local deques instead.
func (s *State) Shade(addr uintptr) {
	if addr == 0 {
		return
	}
	if s.TryGrey(object.At(addr)) {
		s.Inject(addr)
	}
}

// Inject adds an already-greyed object to the global queue and wakes any
// parked tracer.
func (s *State) Inject(addr uintptr) {
	s.mu.Lock()
	s.queue = append(s.queue, addr)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Donate adds a batch of already-greyed objects to the global queue. Tracers
// use it to shed half of an overfull deque so that parked peers find work.
func (s *State) Donate(addrs []uintptr) {
	if len(addrs) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, addrs...)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// PopInjected removes one object from the global queue.
func (s *State) PopInjected() (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.queue); n > 0 {
		addr := s.queue[n-1]
		s.queue = s.queue[:n-1]
		return addr, true
	}
	return 0, false
}

// Done retires n scanned objects. When the count of grey objects reaches
// zero every waiter is woken: the facade to advance the cycle, parked
// tracers to re-check for termination.
func (s *State) Done(n int) {
	if s.pending.Add(int64(-n)) == 0 {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Pending returns the number of objects greyed but not yet scanned.
func (s *State) Pending() int64 {
	return s.pending.Load()
}

// WaitDrained blocks until the grey set is empty.
//
// During Marking, mutators may re-grey objects after this returns; callers
// loop on it across the yield handshake. During FinalMarking no mutator is
// active, so an empty grey set is final.
func (s *State) WaitDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending.Load() > 0 && !s.shutdown {
		s.cond.Wait()
	}
}

// ParkUntilWork blocks the calling tracer until the global queue is
// non-empty. Other broadcasts (a new cycle, the grey count reaching zero)
// only make it re-check the queue. It returns false on shutdown.
func (s *State) ParkUntilWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.shutdown {
		s.cond.Wait()
	}
	return !s.shutdown
}

// RequestYield raises the flag that asks every mutator to exit its scope.
func (s *State) RequestYield() {
	s.yield.Store(true)
}

// ClearYield lowers the yield flag.
func (s *State) ClearYield() {
	s.yield.Store(false)
}

// YieldRequested reports whether mutators have been asked to exit.
func (s *State) YieldRequested() bool {
	return s.yield.Load()
}

// Shutdown wakes everything and makes all waits return immediately.
func (s *State) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
