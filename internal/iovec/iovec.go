// Package iovec provides a small fixed-length byte-slice vector, used by
// buffer.Buffer to perform scattered reads with a single readv(2) syscall
// via golang.org/x/sys/unix.Readv, which builds its own []unix.Iovec from
// a [][]byte internally.
package iovec

// DefaultLength represents default IO vector length.
const DefaultLength = 2

// IOData wraps a byte-slice vector sized for a single readv(2) call.
type IOData struct {
	ByteVec [][]byte
}

// NewIOData creates an iovec.IOData with vector of size iovec.DefaultLength.
func NewIOData(opt ...Option) IOData {
	opts := &options{}
	opts.setDefault()
	for _, o := range opt {
		o(opts)
	}
	return IOData{
		ByteVec: make([][]byte, opts.length),
	}
}

// IsNil returns whether this IOData hasn't been allocated with memory.
func (d *IOData) IsNil() bool {
	return d.ByteVec == nil
}

// Release resets pointers in the byte vector to release memory.
func (d *IOData) Release(sliceCnt int) {
	if sliceCnt > len(d.ByteVec) {
		sliceCnt = len(d.ByteVec)
	}
	for i := 0; i < sliceCnt; i++ {
		d.ByteVec[i] = nil
	}
}

// Reset resets the length of the vector to reuse memory.
func (d *IOData) Reset() {
	d.ByteVec = d.ByteVec[:0]
}
