// Package hostsock dispatches every socket verb to a real host file
// descriptor via golang.org/x/sys/unix syscalls. This is the realization of
// the spec's "controlled invocation into host code" (OCall) in a plain Go
// process: there is no literal enclave boundary to cross, so the host
// kernel is reached directly, but the copy-before-dispatch discipline
// around iovecs (never hand the kernel a caller-owned backing array for
// sendmsg) is preserved as the observable contract.
package hostsock

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nabbar/libos-unixsock/address"
)

// Socket wraps a single host file descriptor.
type Socket struct {
	id  string
	log *logrus.Entry
	fd  int
}

// New issues the host socket(2) call.
func New(family, sockType, proto int, log *logrus.Entry) (*Socket, error) {
	fd, err := unix.Socket(family, sockType, proto)
	if err != nil {
		return nil, fmt.Errorf("host socket: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	return &Socket{id: id, log: log.WithField("host_fd_owner", id), fd: fd}, nil
}

// FD returns the underlying host file descriptor, for diagnostics only.
func (s *Socket) FD() int {
	return s.fd
}

func sockaddrFromUnix(a address.UnixAddr) *unix.SockaddrUnix {
	return &unix.SockaddrUnix{Name: a.Path()}
}

// Bind issues the host bind(2) call.
func (s *Socket) Bind(addr address.UnixAddr) error {
	if err := unix.Bind(s.fd, sockaddrFromUnix(addr)); err != nil {
		return fmt.Errorf("host bind: %w", err)
	}
	return nil
}

// Listen issues the host listen(2) call. backlog is passed through
// unmodified, unlike the libos side which ignores it entirely.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("host listen: %w", err)
	}
	return nil
}

// Accept issues accept4(2) with the given flags and wraps the resulting fd
// in a new Socket.
func (s *Socket) Accept(flags int) (*Socket, error) {
	fd, _, err := unix.Accept4(s.fd, flags)
	if err != nil {
		return nil, fmt.Errorf("host accept: %w", err)
	}
	id := uuid.NewString()
	return &Socket{id: id, log: s.log.WithField("host_fd_owner", id), fd: fd}, nil
}

// Connect issues the host connect(2) call.
func (s *Socket) Connect(addr address.UnixAddr) error {
	if err := unix.Connect(s.fd, sockaddrFromUnix(addr)); err != nil {
		return fmt.Errorf("host connect: %w", err)
	}
	return nil
}

// Read performs a single host read(2).
func (s *Socket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return n, fmt.Errorf("host read: %w", err)
	}
	return n, nil
}

// Write performs a single host write(2).
func (s *Socket) Write(buf []byte) (int, error) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return n, fmt.Errorf("host write: %w", err)
	}
	return n, nil
}

// ReadV loops a single host read(2) call per buffer, matching the
// original's readv implementation built atop single reads rather than a
// true scatter syscall.
func (s *Socket) ReadV(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := s.Read(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// WriteV loops a single host write(2) call per buffer.
func (s *Socket) WriteV(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := s.Write(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// SendMsg copies the caller's iovec contents into one contiguous buffer
// before dispatching sendmsg(2): the enclave must never hand the host a
// pointer into its own memory, so every send is staged through a single
// untrusted-memory-shaped copy first.
func (s *Socket) SendMsg(bufs [][]byte, addr *address.UnixAddr) (int, error) {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	staged := make([]byte, 0, total)
	for _, b := range bufs {
		staged = append(staged, b...)
	}

	var to unix.Sockaddr
	if addr != nil {
		to = sockaddrFromUnix(*addr)
	}

	if err := unix.Sendmsg(s.fd, staged, nil, to, 0); err != nil {
		return 0, fmt.Errorf("host sendmsg: %w", err)
	}
	return len(staged), nil
}

// GetSockName issues the host getsockname(2) call and serializes the result
// into dst, reporting the full (possibly truncated) length.
func (s *Socket) GetSockName(dst []byte) (int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, fmt.Errorf("host getsockname: %w", err)
	}
	if un, ok := sa.(*unix.SockaddrUnix); ok {
		a, aerr := address.NewUnixAddr(un.Name)
		if aerr != nil {
			return 0, aerr
		}
		return a.CopyToSlice(dst), nil
	}
	return 0, nil
}

// GetStatusFlags issues fcntl(F_GETFL).
func (s *Socket) GetStatusFlags() (int, error) {
	flags, err := unix.FcntlInt(uintptr(s.fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, fmt.Errorf("host fcntl getfl: %w", err)
	}
	return flags, nil
}

// SetStatusFlags issues fcntl(F_SETFL).
func (s *Socket) SetStatusFlags(flags int) error {
	if _, err := unix.FcntlInt(uintptr(s.fd), unix.F_SETFL, flags); err != nil {
		return fmt.Errorf("host fcntl setfl: %w", err)
	}
	return nil
}

// IOCtl issues a raw ioctl(2); used for FIONREAD among others.
func (s *Socket) IOCtl(cmd uint) (int, error) {
	v, err := unix.IoctlGetInt(s.fd, cmd)
	if err != nil {
		return 0, fmt.Errorf("host ioctl: %w", err)
	}
	return v, nil
}

// Poll issues a single-fd poll(2) with the given requested events and
// returns the observed revents.
func (s *Socket) Poll(events int16) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	_, err := unix.Poll(fds, 0)
	if err != nil {
		return 0, fmt.Errorf("host poll: %w", err)
	}
	return fds[0].Revents, nil
}

// Close issues the host close(2) call exactly once.
func (s *Socket) Close() error {
	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("host close: %w", err)
	}
	return nil
}
