// Package tracer runs the worker pool that drains the grey set.
//
// Each worker owns a small deque of grey objects: it pushes and pops at the
// bottom, thieves steal from the top, and overfull deques shed half of their
// oldest entries into the global injection queue so that parked peers have
// something to wake up for. Scanning itself is a callback installed by the
// arena facade; this package knows nothing about trace dispatch.
package tracer

import (
	"sync"

	"github.com/flier/gcarena/internal/debug"
	"github.com/flier/gcarena/internal/mark"
	"github.com/flier/gcarena/internal/object"
)

// ScanFunc enumerates the outgoing references of the (already marked) object
// at addr, calling push with the header address of every referent that
// should be greyed.
type ScanFunc func(addr uintptr, push func(uintptr))

const (
	dequeSize       = 256
	donateWatermark = dequeSize / 2
)

// Pool is a fixed set of tracer workers attached to one arena.
type Pool struct {
	st      *mark.State
	scan    ScanFunc
	workers []*worker
	wg      sync.WaitGroup
}

// New builds a pool of n workers. Workers do not run until Start.
func New(n int, st *mark.State, scan ScanFunc) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{st: st, scan: scan}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{id: i, pool: p})
	}
	return p
}

// Workers returns the worker count.
func (p *Pool) Workers() int {
	return len(p.workers)
}

// Start launches the workers. They park immediately; marking work arrives
// through the state's injection queue.
func (p *Pool) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
}

// Stop signals shutdown through the mark state and waits for every worker
// to observe it. Workers check the flag only when they run out of grey work,
// so anything already queued is drained first.
func (p *Pool) Stop() {
	p.st.Shutdown()
	p.wg.Wait()
}

// worker is one tracer thread and its private deque.
type worker struct {
	id   int
	pool *Pool

	mu   sync.Mutex
	buf  [dequeSize]uintptr
	head int // steal side
	tail int // owner side; head == tail means empty
}

func (w *worker) run() {
	debug.Log(nil, "tracer", "worker %d up", w.id)
	for {
		addr, ok := w.find()
		if !ok {
			if !w.pool.st.ParkUntilWork() {
				debug.Log(nil, "tracer", "worker %d down", w.id)
				return
			}
			continue
		}
		w.pool.scan(addr, w.enqueue)
		w.pool.st.Done(1)
	}
}

// find locates the next grey object: local deque first, then the injection
// queue, then a sweep over the peers' deques.
func (w *worker) find() (uintptr, bool) {
	if addr, ok := w.pop(); ok {
		return addr, true
	}
	if addr, ok := w.pool.st.PopInjected(); ok {
		return addr, true
	}
	for i := 1; i < len(w.pool.workers); i++ {
		peer := w.pool.workers[(w.id+i)%len(w.pool.workers)]
		if addr, ok := peer.steal(); ok {
			return addr, true
		}
	}
	return 0, false
}

// enqueue greys the object at addr and queues it on the local deque. This is
// the push callback handed to ScanFunc.
func (w *worker) enqueue(addr uintptr) {
	if addr == 0 {
		return
	}
	if !w.pool.st.TryGrey(object.At(addr)) {
		return
	}
	w.push(addr)
}

func (w *worker) push(addr uintptr) {
	w.mu.Lock()
	if w.tail-w.head == dequeSize {
		// Deque full: shed the oldest half to the injection queue, which
		// also wakes any parked peer.
		n := dequeSize / 2
		spill := make([]uintptr, n)
		for i := 0; i < n; i++ {
			spill[i] = w.buf[(w.head+i)%dequeSize]
		}
		w.head += n
		w.mu.Unlock()
		w.pool.st.Donate(spill)
		w.mu.Lock()
	}
	w.buf[w.tail%dequeSize] = addr
	w.tail++
	full := w.tail-w.head >= donateWatermark
	w.mu.Unlock()

	if full && len(w.pool.workers) > 1 {
		w.donate()
	}
}

// donate sheds a quarter of the deque so idle peers can pick up work from
// the injection queue without spinning.
func (w *worker) donate() {
	w.mu.Lock()
	n := (w.tail - w.head) / 4
	if n == 0 {
		w.mu.Unlock()
		return
	}
	spill := make([]uintptr, n)
	for i := 0; i < n; i++ {
		spill[i] = w.buf[(w.head+i)%dequeSize]
	}
	w.head += n
	w.mu.Unlock()
	w.pool.st.Donate(spill)
}

func (w *worker) pop() (uintptr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tail == w.head {
		return 0, false
	}
	w.tail--
	return w.buf[w.tail%dequeSize], true
}

func (w *worker) steal() (uintptr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tail == w.head {
		return 0, false
	}
	addr := w.buf[w.head%dequeSize]
	w.head++
	return addr, true
}
