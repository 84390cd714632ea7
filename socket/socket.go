// Package socket implements the UnixSocket router: the public socket
// object combining an optional in-enclave StreamUnixSocket and an optional
// HostSocket behind a single source tag (Unknown/Libos/Host), routing every
// verb per the table in SPEC_FULL.md §4.8.
package socket

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	atomicx "github.com/nabbar/libos-unixsock/atomic"

	"github.com/nabbar/libos-unixsock/address"
	"github.com/nabbar/libos-unixsock/hostpolicy"
	"github.com/nabbar/libos-unixsock/hostsock"
	"github.com/nabbar/libos-unixsock/registry"
	"github.com/nabbar/libos-unixsock/stream"
)

// Source is the router's classification of which underlying socket serves
// every subsequent verb.
type Source int

const (
	// SourceUnknown is the initial state: routing is still decided per-call.
	SourceUnknown Source = iota
	// SourceLibos pins routing to the in-enclave StreamUnixSocket.
	SourceLibos
	// SourceHost pins routing to the HostSocket.
	SourceHost
)

// String renders the source tag for logging, mirroring the small
// integer-enum-plus-String() idiom used elsewhere in this module's ambient
// stack for connection state tags.
func (s Source) String() string {
	switch s {
	case SourceUnknown:
		return "unknown"
	case SourceLibos:
		return "libos"
	case SourceHost:
		return "host"
	default:
		return "unknown source"
	}
}

// UnixSocket is the public socket object: at least one of libos/host is
// non-nil, or construction fails with EPROTONOSUPPORT.
type UnixSocket struct {
	log    *logrus.Entry
	reg    *registry.Registry
	policy *hostpolicy.Policy

	sockType int
	source   atomicx.Value[Source]

	libos *stream.Socket
	host  *hostsock.Socket
}

// New constructs a router. proto must be 0 or AF_UNIX (EPROTONOSUPPORT
// otherwise — reusing the unsupported-protocol errno, matching the
// original's reuse of EPROTONOSUPPORT for this case). A libos
// StreamUnixSocket is created iff sockType is SOCK_STREAM. A HostSocket is
// additionally created iff policy declares at least one host path. If
// neither was created, construction fails with EPROTONOSUPPORT.
func New(sockType, fileFlags, proto int, reg *registry.Registry, policy *hostpolicy.Policy, log *logrus.Entry) (*UnixSocket, error) {
	if proto != 0 && proto != unix.AF_UNIX {
		return nil, fmt.Errorf("new unix socket: %w", unix.EPROTONOSUPPORT)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	u := &UnixSocket{
		log:      log,
		reg:      reg,
		policy:   policy,
		sockType: sockType,
		source:   atomicx.NewValue[Source](),
	}

	if sockType == unix.SOCK_STREAM {
		u.libos = stream.New(reg, log)
	}

	if policy != nil && !policy.Empty() {
		h, err := hostsock.New(unix.AF_UNIX, sockType, proto, log)
		if err != nil {
			return nil, err
		}
		u.host = h
	}

	if u.libos == nil && u.host == nil {
		return nil, fmt.Errorf("new unix socket: %w", unix.EPROTONOSUPPORT)
	}

	return u, nil
}

// Source reports the current routing classification.
func (u *UnixSocket) Source() Source {
	return u.source.Load()
}

func (u *UnixSocket) toUnixAddr(addr address.SockAddr) (address.UnixAddr, bool) {
	if addr == nil {
		return address.UnixAddr{}, false
	}
	ua, ok := addr.(address.UnixAddr)
	return ua, ok
}

// Bind routes by host-path classification when the source is still
// Unknown, pinning the source to Host or Libos on the first call;
// otherwise it applies to whichever side is already pinned.
func (u *UnixSocket) Bind(addr address.SockAddr) error {
	switch u.Source() {
	case SourceLibos:
		if u.libos == nil {
			return fmt.Errorf("bind: %w", unix.EINVAL)
		}
		return u.libos.Bind(addr)
	case SourceHost:
		ua, ok := u.toUnixAddr(addr)
		if !ok || u.host == nil {
			return fmt.Errorf("bind: %w", unix.EINVAL)
		}
		return u.host.Bind(ua)
	default: // Unknown
		if u.policy.IsFromHost(addr) {
			ua, ok := u.toUnixAddr(addr)
			if !ok || u.host == nil {
				return fmt.Errorf("bind: %w", unix.EINVAL)
			}
			if err := u.host.Bind(ua); err != nil {
				return err
			}
			u.source.Store(SourceHost)
			return nil
		}
		if u.libos == nil {
			return fmt.Errorf("bind: %w", unix.EINVAL)
		}
		if err := u.libos.Bind(addr); err != nil {
			return err
		}
		u.source.Store(SourceLibos)
		return nil
	}
}

// Listen is EINVAL while Unknown (a socket must be bound, which pins the
// source, before it can listen); otherwise it routes to the pinned side.
func (u *UnixSocket) Listen(backlog int) error {
	switch u.Source() {
	case SourceLibos:
		return u.libos.Listen(backlog)
	case SourceHost:
		return u.host.Listen(backlog)
	default:
		return fmt.Errorf("listen: %w", unix.EINVAL)
	}
}

// Accept is EINVAL while Unknown. A libos accept additionally constructs a
// shadow HostSocket for the returned socket (and a host accept constructs a
// shadow libos StreamUnixSocket, only when this router is SOCK_STREAM) so
// later verbs on the accepted socket keep working through the same
// Unknown/Libos/Host routing table — the shadow's operational need beyond
// that is not otherwise specified, reproduced as-is.
func (u *UnixSocket) Accept(flags stream.AcceptFlags, addrBuf []byte) (*UnixSocket, int, error) {
	switch u.Source() {
	case SourceLibos:
		accepted, addrLen, err := u.libos.Accept(flags, addrBuf)
		if err != nil {
			return nil, 0, err
		}
		out := &UnixSocket{
			log:      u.log,
			reg:      u.reg,
			policy:   u.policy,
			sockType: u.sockType,
			source:   atomicx.NewValue[Source](),
			libos:    accepted,
		}
		out.source.Store(SourceLibos)
		if h, err := hostsock.New(unix.AF_UNIX, u.sockType, 0, u.log); err == nil {
			out.host = h
		}
		return out, addrLen, nil

	case SourceHost:
		acceptFlags := 0
		if flags&stream.FlagSockNonblock != 0 {
			acceptFlags = unix.SOCK_NONBLOCK
		}
		acceptedHost, err := u.host.Accept(acceptFlags)
		if err != nil {
			return nil, 0, err
		}
		out := &UnixSocket{
			log:      u.log,
			reg:      u.reg,
			policy:   u.policy,
			sockType: u.sockType,
			source:   atomicx.NewValue[Source](),
			host:     acceptedHost,
		}
		out.source.Store(SourceHost)
		if u.sockType == unix.SOCK_STREAM {
			out.libos = stream.New(u.reg, u.log)
		}
		return out, 0, nil

	default:
		return nil, 0, fmt.Errorf("accept: %w", unix.EINVAL)
	}
}

// Connect, when addr is nil, broadcasts the AF_UNSPEC disconnect to every
// side that exists: libos unconditionally if present, host as well when the
// host policy is non-empty. When addr is non-nil it routes by
// HostPathPolicy for Unknown, or to whichever side is already pinned.
func (u *UnixSocket) Connect(addr address.SockAddr) error {
	if addr == nil {
		if u.Source() == SourceUnknown {
			var lerr, herr error
			if u.libos != nil {
				lerr = u.libos.Connect(nil)
			}
			if u.host != nil && u.policy != nil && !u.policy.Empty() {
				herr = connectHost(u.host, address.UnixAddr{})
			}
			if lerr != nil {
				return lerr
			}
			return herr
		}
		if u.Source() == SourceLibos && u.libos != nil {
			return u.libos.Connect(nil)
		}
		if u.Source() == SourceHost && u.host != nil {
			return connectHost(u.host, address.UnixAddr{})
		}
		return nil
	}

	switch u.Source() {
	case SourceLibos:
		return u.libos.Connect(addr)
	case SourceHost:
		ua, ok := u.toUnixAddr(addr)
		if !ok {
			return fmt.Errorf("connect: %w", unix.EAFNOSUPPORT)
		}
		return connectHost(u.host, ua)
	default:
		if u.policy.IsFromHost(addr) {
			ua, ok := u.toUnixAddr(addr)
			if !ok {
				return fmt.Errorf("connect: %w", unix.EAFNOSUPPORT)
			}
			if err := connectHost(u.host, ua); err != nil {
				return err
			}
			u.source.Store(SourceHost)
			return nil
		}
		if err := u.libos.Connect(addr); err != nil {
			return err
		}
		u.source.Store(SourceLibos)
		return nil
	}
}

func connectHost(h *hostsock.Socket, addr address.UnixAddr) error {
	if h == nil {
		return fmt.Errorf("connect: %w", unix.EINVAL)
	}
	return h.Connect(addr)
}

// SendTo/RecvFrom route by address when given; when absent and the source
// is Unknown, libos is tried first and the call falls back to host only on
// a libos error and only when a host path list exists. This reproduces the
// documented risk that an Unknown-source call can leak in-enclave intent
// outward via the fallback attempt; it is not hardened into a hard
// requirement for a prior bind/connect.
func (u *UnixSocket) SendTo(buf []byte, addr address.SockAddr) (int, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.Write(buf)
	case SourceHost:
		return u.host.Write(buf)
	default:
		if addr != nil {
			if u.policy.IsFromHost(addr) {
				return u.host.Write(buf)
			}
			return u.libos.Write(buf)
		}
		return u.readWriteFallback(func() (int, error) { return u.libosWrite(buf) }, func() (int, error) { return u.host.Write(buf) })
	}
}

func (u *UnixSocket) libosWrite(buf []byte) (int, error) {
	if u.libos == nil {
		return 0, fmt.Errorf("write: %w", unix.ENOTCONN)
	}
	return u.libos.Write(buf)
}

// RecvFrom mirrors SendTo's routing for reads, additionally writing back
// the peer address when addrBuf is supplied.
func (u *UnixSocket) RecvFrom(buf []byte, addrBuf []byte) (int, int, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.RecvFrom(buf, addrBuf)
	case SourceHost:
		n, err := u.host.Read(buf)
		return n, 0, err
	default:
		if u.libos != nil {
			n, addrLen, err := u.libos.RecvFrom(buf, addrBuf)
			if err == nil {
				return n, addrLen, nil
			}
			if u.host == nil || u.policy == nil || u.policy.Empty() {
				return n, addrLen, err
			}
			u.log.WithField("source", SourceUnknown.String()).Debug("libos read failed, falling back to host")
		}
		n, err := u.host.Read(buf)
		return n, 0, err
	}
}

// Read/Write apply the same Unknown-source try-libos-then-host-on-error
// rule as SendTo/RecvFrom.
func (u *UnixSocket) Read(buf []byte) (int, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.Read(buf)
	case SourceHost:
		return u.host.Read(buf)
	default:
		return u.readWriteFallback(func() (int, error) { return u.libosRead(buf) }, func() (int, error) { return u.host.Read(buf) })
	}
}

func (u *UnixSocket) libosRead(buf []byte) (int, error) {
	if u.libos == nil {
		return 0, fmt.Errorf("read: %w", unix.ENOTCONN)
	}
	return u.libos.Read(buf)
}

func (u *UnixSocket) Write(buf []byte) (int, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.Write(buf)
	case SourceHost:
		return u.host.Write(buf)
	default:
		return u.readWriteFallback(func() (int, error) { return u.libosWrite(buf) }, func() (int, error) { return u.host.Write(buf) })
	}
}

func (u *UnixSocket) readWriteFallback(libosCall, hostCall func() (int, error)) (int, error) {
	n, err := libosCall()
	if err == nil {
		return n, nil
	}
	if u.host == nil || u.policy == nil || u.policy.Empty() {
		return n, err
	}
	u.log.WithField("source", SourceUnknown.String()).Debug("libos call failed, falling back to host")
	return hostCall()
}

// IOCtl applies best-effort to libos then authoritatively to host when
// Unknown and a host list exists; otherwise to whichever single side
// exists.
func (u *UnixSocket) IOCtlFIONREAD() (int32, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.FIONREAD()
	case SourceHost:
		v, err := u.host.IOCtl(unix.FIONREAD)
		return int32(v), err
	default:
		if u.libos != nil {
			_, _ = u.libos.FIONREAD()
		}
		if u.host != nil {
			v, err := u.host.IOCtl(unix.FIONREAD)
			return int32(v), err
		}
		if u.libos != nil {
			return u.libos.FIONREAD()
		}
		return 0, fmt.Errorf("ioctl: %w", unix.EINVAL)
	}
}

// GetStatusFlags mirrors the IOCtl best-effort-then-authoritative rule.
func (u *UnixSocket) GetStatusFlags() (stream.StatusFlags, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.GetStatusFlags(), nil
	case SourceHost:
		f, err := u.host.GetStatusFlags()
		return stream.StatusFlags(f), err
	default:
		if u.host != nil {
			f, err := u.host.GetStatusFlags()
			return stream.StatusFlags(f), err
		}
		if u.libos != nil {
			return u.libos.GetStatusFlags(), nil
		}
		return 0, fmt.Errorf("get_status_flags: %w", unix.EINVAL)
	}
}

// SetStatusFlags propagates to both libos and host sockets when both exist,
// per SPEC_FULL.md §4.8; the host call is authoritative for any error
// returned.
func (u *UnixSocket) SetStatusFlags(flags stream.StatusFlags) error {
	if u.libos != nil {
		u.libos.SetStatusFlags(flags)
	}
	if u.host != nil {
		return u.host.SetStatusFlags(int(flags))
	}
	return nil
}

// Poll applies the same best-effort-libos-then-authoritative-host rule as
// IOCtl/GetStatusFlags when Unknown and a host list exists.
func (u *UnixSocket) Poll() (uint32, error) {
	switch u.Source() {
	case SourceLibos:
		return u.libos.Poll(), nil
	case SourceHost:
		r, err := u.host.Poll(unix.POLLIN | unix.POLLOUT)
		return uint32(r), err
	default:
		if u.host != nil {
			r, err := u.host.Poll(unix.POLLIN | unix.POLLOUT)
			return uint32(r), err
		}
		if u.libos != nil {
			return u.libos.Poll(), nil
		}
		return 0, fmt.Errorf("poll: %w", unix.EINVAL)
	}
}

// GetSockName serializes the bound path into buf, routing to whichever side
// is pinned (or to libos, if Unknown and it exists, since nothing has been
// classified as host-bound yet).
func (u *UnixSocket) GetSockName(buf []byte) (int, error) {
	switch u.Source() {
	case SourceHost:
		return u.host.GetSockName(buf)
	default:
		if u.libos != nil {
			n, ok := u.libos.GetSockName(buf)
			if !ok {
				return 0, fmt.Errorf("get_sockname: %w", unix.EINVAL)
			}
			return n, nil
		}
		if u.host != nil {
			return u.host.GetSockName(buf)
		}
		return 0, fmt.Errorf("get_sockname: %w", unix.EINVAL)
	}
}

// SocketPair is a libos-only operation: EOPNOTSUPP for any sockType other
// than SOCK_STREAM.
func SocketPair(sockType int, reg *registry.Registry, policy *hostpolicy.Policy, log *logrus.Entry) (*UnixSocket, *UnixSocket, error) {
	if sockType != unix.SOCK_STREAM {
		return nil, nil, fmt.Errorf("socketpair: %w", unix.EOPNOTSUPP)
	}

	x, y, err := stream.SocketPair(reg, log)
	if err != nil {
		return nil, nil, err
	}

	wrap := func(s *stream.Socket) *UnixSocket {
		u := &UnixSocket{log: log, reg: reg, policy: policy, sockType: sockType, source: atomicx.NewValue[Source](), libos: s}
		u.source.Store(SourceLibos)
		return u
	}
	return wrap(x), wrap(y), nil
}

// Close releases whichever underlying sockets exist.
func (u *UnixSocket) Close() error {
	var err error
	if u.libos != nil {
		err = u.libos.Close()
	}
	if u.host != nil {
		if herr := u.host.Close(); herr != nil && err == nil {
			err = herr
		}
	}
	return err
}
