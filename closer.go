package netpump

import "go.uber.org/atomic"

// onceCloser guards a single piece of teardown logic so it runs exactly
// once no matter how many code paths try to trigger it — TcpConnection's
// connectDestroyed can be reached both from the owning loop's own close
// callback and from a queued task racing in from TcpServer/TcpClient, and
// only one of those races may actually run the teardown.
type onceCloser struct {
	done atomic.Bool
}

// begin claims the right to run the guarded action. Exactly one caller
// across all goroutines ever receives true.
func (c *onceCloser) begin() bool {
	return c.done.CAS(false, true)
}

// closed reports whether begin has already been claimed.
func (c *onceCloser) closed() bool {
	return c.done.Load()
}
