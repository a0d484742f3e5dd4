package netpump

import (
	"github.com/panjf2000/ants/v2"
)

// unboundedPoolSize tells ants to size the pool to no fixed cap (ants
// treats a non-positive size as INT32_MAX), the same sentinel the
// reactor's own worker pool uses.
const unboundedPoolSize = 0

var workerPool, _ = ants.NewPool(unboundedPoolSize)

// Submit offloads task to the package's shared worker pool. Callbacks
// invoked from an EventLoop's own goroutine (ConnectionCallback,
// MessageCallback, timer callbacks) must never block; anything that might
// — a database call, a slow downstream RPC — belongs in Submit, not
// directly in the callback.
func Submit(task func()) error {
	return workerPool.Submit(task)
}
