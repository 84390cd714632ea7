// Package endpoint implements one side of a connected duplex stream pair:
// a reader, a peer's writer, an optional local name, and a non-owning link
// to the peer endpoint for peer-name lookups.
package endpoint

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nabbar/libos-unixsock/ringbuf"
)

// DefaultBufSize is the per-direction ring buffer capacity, matching the
// original DEFAULT_BUF_SIZE.
const DefaultBufSize = 208 * 1024

// EndPoint is one side of a connected duplex channel.
type EndPoint struct {
	mu   sync.RWMutex
	name string

	reader *ringbuf.Reader
	writer *ringbuf.Writer

	peerMu sync.Mutex
	peer   *EndPoint
}

// NewDuplexChannel allocates two cross-wired ring buffers of DefaultBufSize
// and returns the two connected endpoints, each with a non-owning link to
// the other.
func NewDuplexChannel() (*EndPoint, *EndPoint) {
	r1, w1 := ringbuf.New(DefaultBufSize)
	r2, w2 := ringbuf.New(DefaultBufSize)

	a := &EndPoint{reader: r1, writer: w2}
	b := &EndPoint{reader: r2, writer: w1}

	a.peer = b
	b.peer = a

	return a, b
}

// Read reads into buf.
func (e *EndPoint) Read(buf []byte) (int, error) {
	return e.reader.ReadFromBuffer(buf)
}

// ReadV scatters into bufs in order.
func (e *EndPoint) ReadV(bufs [][]byte) (int, error) {
	return e.reader.ReadFromVector(bufs)
}

// Write writes buf to the peer.
func (e *EndPoint) Write(buf []byte) (int, error) {
	return e.writer.WriteToBuffer(buf)
}

// WriteV gathers bufs in order and writes them to the peer.
func (e *EndPoint) WriteV(bufs [][]byte) (int, error) {
	return e.writer.WriteToVector(bufs)
}

// BytesToRead reports the number of bytes currently queued for Read.
func (e *EndPoint) BytesToRead() int {
	return e.reader.BytesToRead()
}

// SetBlocking switches both halves of this endpoint to blocking mode.
func (e *EndPoint) SetBlocking() {
	e.reader.SetBlocking()
	e.writer.SetBlocking()
}

// SetNonBlocking switches both halves of this endpoint to non-blocking mode.
func (e *EndPoint) SetNonBlocking() {
	e.reader.SetNonBlocking()
	e.writer.SetNonBlocking()
}

// SetName sets this endpoint's local name (installed by the owning socket's
// bind/connect).
func (e *EndPoint) SetName(name string) {
	e.mu.Lock()
	e.name = name
	e.mu.Unlock()
}

// Name returns this endpoint's own name, or "" if unset.
func (e *EndPoint) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// PeerName upgrades the non-owning peer link and reads its name. Returns
// "none" if the peer has been released or never named — both are normal
// outcomes, not errors.
func (e *EndPoint) PeerName() string {
	e.peerMu.Lock()
	p := e.peer
	e.peerMu.Unlock()

	if p == nil {
		return "none"
	}
	if n := p.Name(); n != "" {
		return n
	}
	return "none"
}

// Close releases this endpoint's halves, which makes the peer observe
// IsPeerClosed on its corresponding halves. It also drops the links in both
// directions, so the peer's PeerName degrades to "none" once this endpoint
// is released, mirroring the Weak<T>-upgrade-fails outcome of the original.
func (e *EndPoint) Close() {
	e.reader.Close()
	e.writer.Close()

	e.peerMu.Lock()
	p := e.peer
	e.peer = nil
	e.peerMu.Unlock()

	if p != nil {
		p.peerMu.Lock()
		if p.peer == e {
			p.peer = nil
		}
		p.peerMu.Unlock()
	}
}

// Poll computes POSIX poll flags from the current channel state, following
// the original's exact combination rule rather than treating "readable" and
// "writable" as independent buckets:
//
//	readable := reader can read AND peer writer not closed
//	writable := writer can write AND peer reader not closed
//
//	readable != writable (exactly one true):
//	    reader can still read -> POLLRDHUP|POLLIN|POLLRDNORM
//	    else                  -> POLLRDHUP
//	readable == writable == true  -> POLLIN|POLLOUT|POLLRDNORM|POLLWRNORM
//	readable == writable == false -> POLLHUP
//
// Because closing an endpoint releases both of its halves together, a peer
// observing a full close sees both readable and writable flip to false in
// the same instant and therefore goes straight to POLLHUP. Bare POLLRDHUP
// is what an open channel with nothing queued for reading reports
// (readable false, writable true); POLLRDHUP|POLLIN|POLLRDNORM appears when
// bytes are queued but only one of readable/writable holds (for example the
// outgoing ring is full, or one ring half's peer has gone away).
func (e *EndPoint) Poll() uint32 {
	readable := e.reader.CanRead() && !e.reader.IsPeerClosed()
	writable := e.writer.CanWrite() && !e.writer.IsPeerClosed()

	switch {
	case readable != writable:
		if e.reader.CanRead() {
			return unix.POLLRDHUP | unix.POLLIN | unix.POLLRDNORM
		}
		return unix.POLLRDHUP
	case readable:
		return unix.POLLIN | unix.POLLOUT | unix.POLLRDNORM | unix.POLLWRNORM
	default:
		return unix.POLLHUP
	}
}
