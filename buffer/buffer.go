// Package buffer implements the reactor's read/write byte buffer: a
// contiguous byte slice with reader/writer cursors and a small prepend
// window for cheaply inserting a length prefix ahead of already-written
// data.
package buffer

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/reactorcore/netpump/internal/iovec"
)

const (
	// PrependSize is the space reserved ahead of readIndex so callers can
	// Prepend a header without shifting the payload.
	PrependSize = 8
	// initialSize is the writable capacity a new Buffer starts with, in
	// addition to PrependSize.
	initialSize = 1024
	// scratchSize is the size of the scratch segment used by ReadFromFD so
	// that one syscall can satisfy reads larger than the buffer's current
	// writable tail without forcing a resize first.
	scratchSize = 65536
)

// scratchPool recycles ReadFromFD's scratch segments. A plain
// [scratchSize]byte local escapes to the heap on every call anyway, since
// its slice header is threaded through iovec.IOData into unix.Readv, so
// pooling avoids paying a fresh 65536-byte allocation per readable event
// instead of pretending the array stays on the stack.
var scratchPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, scratchSize)
		return &buf
	},
}

// Buffer is a growable byte buffer with prependable, readable and
// writable regions:
//
//	| prependable | readable | writable |
//	0         readIndex  writeIndex    cap
//
// A Buffer is not safe for concurrent use; it is meant to be owned by a
// single TcpConnection on a single reactor goroutine.
type Buffer struct {
	buf        []byte
	readIndex  int
	writeIndex int
}

// New returns an empty Buffer with the default initial capacity.
func New() *Buffer {
	b := &Buffer{
		buf:        make([]byte, PrependSize+initialSize),
		readIndex:  PrependSize,
		writeIndex: PrependSize,
	}
	return b
}

// ReadableBytes returns the number of unread bytes.
func (b *Buffer) ReadableBytes() int {
	return b.writeIndex - b.readIndex
}

// WritableBytes returns the size of the writable tail.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writeIndex
}

// PrependableBytes returns the size of the currently unused prepend window.
func (b *Buffer) PrependableBytes() int {
	return b.readIndex
}

// Peek returns a view of the unread bytes without consuming them. The
// returned slice aliases the Buffer's storage and is only valid until the
// next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readIndex:b.writeIndex]
}

// Retrieve advances the read cursor by n bytes, which must be no more than
// ReadableBytes(). If the buffer becomes empty both cursors reset to the
// start of the readable region, reclaiming space for future writes.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.readIndex += n
	if b.readIndex == b.writeIndex {
		b.readIndex = PrependSize
		b.writeIndex = PrependSize
	}
}

// RetrieveAll discards every unread byte and resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.readIndex = PrependSize
	b.writeIndex = PrependSize
}

// RetrieveAllString atomically reads every unread byte as a string and
// resets the buffer.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies data into the writable tail, growing or compacting the
// buffer first if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	n := copy(b.buf[b.writeIndex:], data)
	b.writeIndex += n
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Prepend copies data into the prepend window immediately before the
// current readable region, moving readIndex back. len(data) must be no
// more than PrependableBytes().
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: prepend does not fit in prependable window")
	}
	b.readIndex -= len(data)
	copy(b.buf[b.readIndex:], data)
}

// Shrink reallocates the buffer down to PrependSize + ReadableBytes() +
// reserve, releasing capacity that accumulated from earlier large writes.
// It is a plain capacity-management helper with no effect on the data
// readable through Peek/Retrieve.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	fresh := make([]byte, PrependSize+readable+reserve)
	copy(fresh[PrependSize:], b.Peek())
	b.buf = fresh
	b.readIndex = PrependSize
	b.writeIndex = PrependSize + readable
}

// ensureWritable grows or compacts the buffer so that WritableBytes() >= n.
func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	if b.PrependableBytes()+b.WritableBytes() >= n+PrependSize {
		// Compact: slide the readable region down to the start of the
		// prepend window instead of growing the backing array.
		readable := b.ReadableBytes()
		copy(b.buf[PrependSize:], b.buf[b.readIndex:b.writeIndex])
		b.readIndex = PrependSize
		b.writeIndex = PrependSize + readable
		return
	}
	fresh := make([]byte, b.writeIndex+n)
	copy(fresh, b.buf[:b.writeIndex])
	b.buf = fresh
}

// ReadFromFD performs a scattered read from fd into the buffer's writable
// tail and a pooled 64 KiB scratch segment in a single readv(2) call, so
// that typical small messages are absorbed without first growing the
// buffer. If the scratch segment receives data it is appended (which may
// still trigger a grow/compact via Append). It returns the number of bytes
// read and the raw errno on failure (EAGAIN/EWOULDBLOCK included).
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	extra := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(extra)

	b.ensureWritable(1)
	data := iovec.NewIOData(iovec.WithLength(2))
	data.ByteVec[0] = b.buf[b.writeIndex:]
	data.ByteVec[1] = *extra

	n, err := unix.Readv(fd, data.ByteVec)
	if n <= 0 {
		return n, err
	}

	writable := b.WritableBytes()
	if n <= writable {
		b.writeIndex += n
		return n, nil
	}
	b.writeIndex = len(b.buf)
	b.Append((*extra)[:n-writable])
	return n, nil
}
