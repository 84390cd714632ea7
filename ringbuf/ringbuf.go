// Package ringbuf implements the bounded SPSC byte-queue primitive that
// spec.md treats as an external collaborator: New pairs a Reader and a
// Writer over a single fixed-capacity ring, with peer-close detection in
// both directions. The blocking mode belongs to the ring, not to a half:
// SetBlocking/SetNonBlocking on either the Reader or the Writer switches
// the mode for both of them.
package ringbuf

import (
	"sync"
	"syscall"
)

type ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	r, w, n int // read cursor, write cursor, bytes stored

	readerGone bool
	writerGone bool
	blocking   bool
}

func newRing(capacity int) *ring {
	rg := &ring{
		buf:      make([]byte, capacity),
		blocking: true,
	}
	rg.cond = sync.NewCond(&rg.mu)
	return rg
}

func (rg *ring) setBlocking(b bool) {
	rg.mu.Lock()
	rg.blocking = b
	rg.mu.Unlock()
	rg.cond.Broadcast()
}

// Reader is the read half of a ring buffer.
type Reader struct {
	rg *ring
}

// Writer is the write half of a ring buffer.
type Writer struct {
	rg *ring
}

// New allocates a single ring buffer of the given capacity and returns its
// paired Reader and Writer, matching the declared ring_buffer(capacity)
// contract.
func New(capacity int) (*Reader, *Writer) {
	rg := newRing(capacity)
	return &Reader{rg: rg}, &Writer{rg: rg}
}

// CanRead reports whether at least one byte is currently available.
func (r *Reader) CanRead() bool {
	r.rg.mu.Lock()
	defer r.rg.mu.Unlock()
	return r.rg.n > 0
}

// IsPeerClosed reports whether the paired Writer has been released.
func (r *Reader) IsPeerClosed() bool {
	r.rg.mu.Lock()
	defer r.rg.mu.Unlock()
	return r.rg.writerGone
}

// BytesToRead returns the number of bytes currently queued.
func (r *Reader) BytesToRead() int {
	r.rg.mu.Lock()
	defer r.rg.mu.Unlock()
	return r.rg.n
}

// SetBlocking switches this ring to blocking mode.
func (r *Reader) SetBlocking() { r.rg.setBlocking(true) }

// SetNonBlocking switches this ring to non-blocking mode.
func (r *Reader) SetNonBlocking() { r.rg.setBlocking(false) }

// ReadFromBuffer reads into buf, blocking if the ring is in blocking mode
// and empty, until data arrives or the writer closes. In non-blocking mode
// an empty ring with an open writer returns EAGAIN.
func (r *Reader) ReadFromBuffer(buf []byte) (int, error) {
	return r.readv([][]byte{buf})
}

// ReadFromVector behaves like ReadFromBuffer but scatters into multiple
// buffers in order, as if they were concatenated.
func (r *Reader) ReadFromVector(bufs [][]byte) (int, error) {
	return r.readv(bufs)
}

func (r *Reader) readv(bufs [][]byte) (int, error) {
	rg := r.rg
	rg.mu.Lock()
	defer rg.mu.Unlock()

	for rg.n == 0 && !rg.writerGone && rg.blocking {
		rg.cond.Wait()
	}

	if rg.n == 0 {
		if rg.writerGone {
			return 0, nil
		}
		return 0, syscall.EAGAIN
	}

	total := 0
	for _, dst := range bufs {
		for i := range dst {
			if rg.n == 0 {
				rg.cond.Broadcast()
				return total, nil
			}
			dst[i] = rg.buf[rg.r]
			rg.r = (rg.r + 1) % len(rg.buf)
			rg.n--
			total++
		}
	}
	rg.cond.Broadcast()
	return total, nil
}

// Close releases the reader half, marking the writer's IsPeerClosed true.
func (r *Reader) Close() {
	r.rg.mu.Lock()
	r.rg.readerGone = true
	r.rg.mu.Unlock()
	r.rg.cond.Broadcast()
}

// CanWrite reports whether at least one byte of free space is available.
func (w *Writer) CanWrite() bool {
	w.rg.mu.Lock()
	defer w.rg.mu.Unlock()
	return w.rg.n < len(w.rg.buf)
}

// IsPeerClosed reports whether the paired Reader has been released.
func (w *Writer) IsPeerClosed() bool {
	w.rg.mu.Lock()
	defer w.rg.mu.Unlock()
	return w.rg.readerGone
}

// SetBlocking switches this ring to blocking mode.
func (w *Writer) SetBlocking() { w.rg.setBlocking(true) }

// SetNonBlocking switches this ring to non-blocking mode.
func (w *Writer) SetNonBlocking() { w.rg.setBlocking(false) }

// WriteToBuffer writes buf into the ring, blocking while full in blocking
// mode until space frees or the reader closes. EAGAIN in non-blocking mode
// when the ring is full and the reader is still open.
func (w *Writer) WriteToBuffer(buf []byte) (int, error) {
	return w.writev([][]byte{buf})
}

// WriteToVector behaves like WriteToBuffer over multiple source buffers, as
// if they were concatenated.
func (w *Writer) WriteToVector(bufs [][]byte) (int, error) {
	return w.writev(bufs)
}

func (w *Writer) writev(bufs [][]byte) (int, error) {
	rg := w.rg
	rg.mu.Lock()
	defer rg.mu.Unlock()

	total := 0
	for _, src := range bufs {
		for i := range src {
			for rg.n == len(rg.buf) && !rg.readerGone && rg.blocking {
				rg.cond.Wait()
			}
			if rg.n == len(rg.buf) {
				if rg.readerGone {
					rg.cond.Broadcast()
					return total, nil
				}
				if total > 0 {
					rg.cond.Broadcast()
					return total, nil
				}
				return 0, syscall.EAGAIN
			}
			rg.buf[rg.w] = src[i]
			rg.w = (rg.w + 1) % len(rg.buf)
			rg.n++
			total++
		}
	}
	rg.cond.Broadcast()
	return total, nil
}

// Close releases the writer half, marking the reader's IsPeerClosed true.
func (w *Writer) Close() {
	w.rg.mu.Lock()
	w.rg.writerGone = true
	w.rg.mu.Unlock()
	w.rg.cond.Broadcast()
}
