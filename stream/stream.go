// Package stream implements the in-enclave stream Unix socket state machine:
// unbound -> bound -> listening, or -> connected, built on endpoint duplex
// channels and the process-wide server registry.
package stream

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	atomicx "github.com/nabbar/libos-unixsock/atomic"

	"github.com/nabbar/libos-unixsock/address"
	"github.com/nabbar/libos-unixsock/endpoint"
	"github.com/nabbar/libos-unixsock/registry"
)

// socketpairPrefix is the synthesized-path prefix used by SocketPair.
const socketpairPrefix = "socketpair_"

// socketpairCounter is a plain stdlib atomic counter: it is a bare integer
// sequence with no default-value semantics to speak of, so the generic
// Value[T] wrapper (built for typed load/store with zero-value
// substitution) would add nothing here.
var socketpairCounter uint64

// StatusFlags models the subset of fcntl status flags this socket accepts.
type StatusFlags int

const (
	// FlagNonBlock is O_NONBLOCK.
	FlagNonBlock StatusFlags = unix.O_NONBLOCK
	// FlagAsync is O_ASYNC, accepted but otherwise a no-op.
	FlagAsync StatusFlags = unix.O_ASYNC
	// FlagDirect is O_DIRECT, accepted but otherwise a no-op.
	FlagDirect StatusFlags = unix.O_DIRECT
)

// AcceptFlags mirrors the flags argument to accept4.
type AcceptFlags int

// FlagSockNonblock requests the accepted socket start in non-blocking mode.
const FlagSockNonblock AcceptFlags = unix.SOCK_NONBLOCK

// Socket is the in-enclave stream Unix socket state machine.
type Socket struct {
	id  string
	log *logrus.Entry
	reg *registry.Registry

	mu       sync.RWMutex
	path     string
	hasPath  bool
	server   *registry.ListeningServer
	blocking atomicx.Value[bool]

	chMu sync.Mutex
	ch   *endpoint.EndPoint
}

// New creates an unbound, unconnected stream socket. log may be nil.
func New(reg *registry.Registry, log *logrus.Entry) *Socket {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	s := &Socket{
		id:  id,
		log: log.WithField("socket_id", id),
		reg: reg,
		// default store is also false so that explicitly storing "false"
		// (non-blocking) is not silently coerced back to true by the
		// zero-value substitution Value[T].Store performs.
		blocking: atomicx.NewValueDefault[bool](true, false),
	}
	s.blocking.Store(true)
	return s
}

// Path returns the bound path, if any.
func (s *Socket) Path() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path, s.hasPath
}

// Bind installs addr as this socket's path. EINVAL if addr is not a
// UnixAddr, or if the socket is already bound. If this socket already owns
// a channel (the listener side of an internally wired pair), the new path
// is also propagated onto that endpoint's name so the peer's PeerName
// reflects it.
func (s *Socket) Bind(addr address.SockAddr) error {
	ua, ok := addr.(address.UnixAddr)
	if !ok {
		return fmt.Errorf("bind: %w", unix.EINVAL)
	}

	s.mu.Lock()
	if s.hasPath {
		s.mu.Unlock()
		return fmt.Errorf("bind: already bound: %w", unix.EINVAL)
	}
	s.path = ua.Path()
	s.hasPath = true
	s.mu.Unlock()

	s.chMu.Lock()
	if s.ch != nil {
		s.ch.SetName(ua.Path())
	}
	s.chMu.Unlock()

	return nil
}

// Listen requires the socket is bound; creates the registry entry on first
// call (idempotent thereafter). backlog is accepted and ignored.
func (s *Socket) Listen(backlog int) error {
	path, ok := s.Path()
	if !ok {
		return fmt.Errorf("listen: not bound: %w", unix.EINVAL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	srv, err := s.reg.CreateServer(path)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.server = srv
	return nil
}

// Accept is always non-blocking, even on a blocking socket: EAGAIN if the
// pending queue is empty. If flags requests SOCK_NONBLOCK the accepted
// socket switches to non-blocking. If addrBuf is non-nil, the peer name is
// taken from THIS listener's own channel (normally unset) rather than the
// accepted endpoint's actual peer — reproducing the original's documented
// discrepancy, not fixing it.
func (s *Socket) Accept(flags AcceptFlags, addrBuf []byte) (*Socket, int, error) {
	path, ok := s.Path()
	if !ok {
		return nil, 0, fmt.Errorf("accept: not bound: %w", unix.EINVAL)
	}

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil, 0, fmt.Errorf("accept: not listening: %w", unix.EINVAL)
	}

	c, ok := srv.PopPending()
	if !ok {
		return nil, 0, fmt.Errorf("accept: %w", unix.EAGAIN)
	}
	sock := c.(*Socket)

	if flags&FlagSockNonblock != 0 {
		sock.SetNonBlocking()
	}

	addrLen := 0
	if addrBuf != nil {
		s.chMu.Lock()
		peer := s.ch
		s.chMu.Unlock()
		if peer != nil {
			if name := peer.PeerName(); name != "" && name != "none" {
				ua, err := address.NewUnixAddr(name)
				if err == nil {
					addrLen = ua.CopyToSlice(addrBuf)
				}
			}
		}
	}

	s.log.Debugf("accepted connection on %s", path)
	return sock, addrLen, nil
}

// Connect with a nil addr dissolves any current channel (AF_UNSPEC
// disconnect) and always succeeds. With a non-nil UnixAddr, it looks up the
// listener at that path (ECONNREFUSED if absent), allocates a fresh duplex
// channel, keeps one end for this socket, and enqueues a new Socket wrapping
// the other end (bearing the target path, but no server reference, so that
// closing it leaves the listener's registry entry in place) on the
// listener's pending FIFO.
func (s *Socket) Connect(addr address.SockAddr) error {
	if addr == nil {
		s.chMu.Lock()
		s.ch = nil
		s.chMu.Unlock()
		return nil
	}

	ua, ok := addr.(address.UnixAddr)
	if !ok {
		return fmt.Errorf("connect: %w", unix.EAFNOSUPPORT)
	}
	path := ua.Path()

	srv, ok := s.reg.GetServer(path)
	if !ok {
		return fmt.Errorf("connect: %w", unix.ECONNREFUSED)
	}

	clientEnd, serverEnd := endpoint.NewDuplexChannel()
	clientEnd.SetName(path)

	if !s.IsBlocking() {
		clientEnd.SetNonBlocking()
	}

	s.chMu.Lock()
	s.ch = clientEnd
	s.chMu.Unlock()

	peerSock := New(s.reg, s.log)
	peerSock.mu.Lock()
	peerSock.path = path
	peerSock.hasPath = true
	peerSock.mu.Unlock()
	peerSock.chMu.Lock()
	peerSock.ch = serverEnd
	peerSock.chMu.Unlock()

	srv.PushPending(peerSock)
	return nil
}

// SendTo ignores addr and is equivalent to Write.
func (s *Socket) SendTo(buf []byte, _ address.SockAddr) (int, error) {
	return s.Write(buf)
}

// RecvFrom is equivalent to Read; if addrBuf is supplied, the peer's name
// (from the current channel's PeerName) is written back.
func (s *Socket) RecvFrom(buf []byte, addrBuf []byte) (int, int, error) {
	n, err := s.Read(buf)
	if err != nil {
		return n, 0, err
	}

	addrLen := 0
	if addrBuf != nil {
		s.chMu.Lock()
		ch := s.ch
		s.chMu.Unlock()
		if ch != nil {
			if name := ch.PeerName(); name != "" && name != "none" {
				ua, aerr := address.NewUnixAddr(name)
				if aerr == nil {
					addrLen = ua.CopyToSlice(addrBuf)
				}
			}
		}
	}
	return n, addrLen, nil
}

func (s *Socket) channel() (*endpoint.EndPoint, error) {
	s.chMu.Lock()
	ch := s.ch
	s.chMu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("unconnected socket: %w", unix.ENOTCONN)
	}
	return ch, nil
}

// Read requires a connected channel.
func (s *Socket) Read(buf []byte) (int, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}
	return ch.Read(buf)
}

// Write requires a connected channel.
func (s *Socket) Write(buf []byte) (int, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}
	return ch.Write(buf)
}

// ReadV requires a connected channel.
func (s *Socket) ReadV(bufs [][]byte) (int, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}
	return ch.ReadV(bufs)
}

// WriteV requires a connected channel.
func (s *Socket) WriteV(bufs [][]byte) (int, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}
	return ch.WriteV(bufs)
}

// ReadAt only supports offset 0 (equivalent to Read); ESPIPE otherwise.
func (s *Socket) ReadAt(offset int64, buf []byte) (int, error) {
	if offset != 0 {
		return 0, fmt.Errorf("read_at: %w", unix.ESPIPE)
	}
	return s.Read(buf)
}

// WriteAt only supports offset 0 (equivalent to Write); ESPIPE otherwise.
func (s *Socket) WriteAt(offset int64, buf []byte) (int, error) {
	if offset != 0 {
		return 0, fmt.Errorf("write_at: %w", unix.ESPIPE)
	}
	return s.Write(buf)
}

// Seek is never supported.
func (s *Socket) Seek() error {
	return fmt.Errorf("seek: %w", unix.ESPIPE)
}

// FIONREAD returns the channel's BytesToRead clipped to the int32 range.
// Any other ioctl command is EINVAL.
func (s *Socket) FIONREAD() (int32, error) {
	ch, err := s.channel()
	if err != nil {
		return 0, err
	}
	n := ch.BytesToRead()
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return int32(n), nil
}

// IsBlocking reports the current blocking mode.
func (s *Socket) IsBlocking() bool {
	return s.blocking.Load()
}

// SetBlocking puts the socket (and its channel, if any) into blocking mode.
func (s *Socket) SetBlocking() {
	s.blocking.Store(true)
	s.chMu.Lock()
	ch := s.ch
	s.chMu.Unlock()
	if ch != nil {
		ch.SetBlocking()
	}
}

// SetNonBlocking puts the socket (and its channel, if any) into
// non-blocking mode.
func (s *Socket) SetNonBlocking() {
	s.blocking.Store(false)
	s.chMu.Lock()
	ch := s.ch
	s.chMu.Unlock()
	if ch != nil {
		ch.SetNonBlocking()
	}
}

// GetStatusFlags returns O_NONBLOCK iff non-blocking, else 0.
func (s *Socket) GetStatusFlags() StatusFlags {
	if !s.IsBlocking() {
		return FlagNonBlock
	}
	return 0
}

// SetStatusFlags accepts only O_NONBLOCK/O_ASYNC/O_DIRECT; only O_NONBLOCK
// has an effect, toggling the blocking mode.
func (s *Socket) SetStatusFlags(flags StatusFlags) {
	accepted := flags & (FlagNonBlock | FlagAsync | FlagDirect)
	if accepted&FlagNonBlock != 0 {
		s.SetNonBlocking()
	} else {
		s.SetBlocking()
	}
}

// Poll delegates to the channel when connected; returns empty flags for a
// listening socket with nothing pending; otherwise returns the Linux
// unconnected-socket flags (POLLHUP|POLLOUT|POLLWRBAND|POLLWRNORM).
func (s *Socket) Poll() uint32 {
	s.chMu.Lock()
	ch := s.ch
	s.chMu.Unlock()
	if ch != nil {
		return ch.Poll()
	}

	s.mu.RLock()
	listening := s.server != nil
	s.mu.RUnlock()
	if listening {
		return 0
	}
	return unix.POLLHUP | unix.POLLOUT | unix.POLLWRBAND | unix.POLLWRNORM
}

// GetSockName serializes the bound path, if any, into buf and returns the
// real (possibly truncated) length.
func (s *Socket) GetSockName(buf []byte) (int, bool) {
	path, ok := s.Path()
	if !ok {
		return 0, false
	}
	ua, err := address.NewUnixAddr(path)
	if err != nil {
		return 0, false
	}
	return ua.CopyToSlice(buf), true
}

// Close releases this socket. If it owns a ListeningServer, the registry
// entry is removed (even with pending connections still queued — those
// remain valid for already-accepted sockets holding their own references).
// The channel, if any, is independently closed.
func (s *Socket) Close() error {
	s.mu.Lock()
	srv := s.server
	path := s.path
	s.mu.Unlock()

	if srv != nil {
		s.reg.RemoveServer(path)
	}

	s.chMu.Lock()
	ch := s.ch
	s.ch = nil
	s.chMu.Unlock()
	if ch != nil {
		ch.Close()
	}
	return nil
}

// SocketPair creates a connected pair of stream sockets over a synthesized
// path of the form "socketpair_<n>", retrying on EADDRINUSE collisions.
func SocketPair(reg *registry.Registry, log *logrus.Entry) (*Socket, *Socket, error) {
	for {
		n := atomic.AddUint64(&socketpairCounter, 1) - 1
		path := fmt.Sprintf("%s%d", socketpairPrefix, n)

		listener := New(reg, log)
		addr, err := address.NewUnixAddr(path)
		if err != nil {
			return nil, nil, err
		}
		if err := listener.Bind(addr); err != nil {
			continue
		}
		if err := listener.Listen(1); err != nil {
			continue
		}

		client := New(reg, log)
		if err := client.Connect(addr); err != nil {
			listener.Close()
			return nil, nil, err
		}

		accepted, _, err := listener.Accept(0, nil)
		if err != nil {
			listener.Close()
			client.Close()
			return nil, nil, err
		}

		listener.Close()
		return client, accepted, nil
	}
}
