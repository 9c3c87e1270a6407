//go:build go1.22

package gc

import (
	"errors"

	"github.com/flier/gcarena/internal/block"
)

// ErrOutOfMemory is returned by [Alloc] when the allocation would push the
// committed heap past [Config.HeapHardCap].
//
// It is recoverable: the failed allocation has no effect, an urgent
// collection has been requested, and the mutator may yield and retry.
var ErrOutOfMemory = block.ErrOutOfMemory

// ErrClosed is returned by operations on an arena after [Arena.Close].
var ErrClosed = errors.New("gcarena: arena is closed")
