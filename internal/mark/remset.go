package mark

import (
	"sync"

	"github.com/dolthub/maphash"
)

const remSetMinSlots = 64

// RemSet records old objects that have been written to since the last major
// cycle. Minor cycles treat its members as roots.
//
// It is an open-addressed hash set of header addresses with linear probing
// and no deletion; entries only leave when the whole set is cleared at the
// end of a major cycle. Writers are mutators racing with each other, so the
// set carries its own lock; it is never touched by tracers mid-scan.
type RemSet struct {
	mu    sync.Mutex
	hash  maphash.Hasher[uintptr]
	slots []uintptr // 0 means empty
	used  int
}

func (r *RemSet) init() {
	r.hash = maphash.NewHasher[uintptr]()
}

// Add inserts the object at addr into the set.
func (r *RemSet) Add(addr uintptr) {
	if addr == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots == nil {
		r.slots = make([]uintptr, remSetMinSlots)
	} else if r.used*4 >= len(r.slots)*3 {
		r.growLocked()
	}
	r.insertLocked(addr)
}

func (r *RemSet) insertLocked(addr uintptr) {
	mask := uintptr(len(r.slots) - 1)
	i := r.hash.Hash(addr) & uint64(mask)
	for {
		switch r.slots[i] {
		case 0:
			r.slots[i] = addr
			r.used++
			return
		case addr:
			return
		}
		i = (i + 1) & uint64(mask)
	}
}

func (r *RemSet) growLocked() {
	old := r.slots
	r.slots = make([]uintptr, len(old)*2)
	r.used = 0
	for _, addr := range old {
		if addr != 0 {
			r.insertLocked(addr)
		}
	}
}

// ForEach calls f with every member of the set.
func (r *RemSet) ForEach(f func(addr uintptr)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.slots {
		if addr != 0 {
			f(addr)
		}
	}
}

// Len returns the number of members.
func (r *RemSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Clear empties the set. Called at the end of a major cycle, when every
// recorded writer has either been freed or had its referents promoted.
func (r *RemSet) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = nil
	r.used = 0
}
