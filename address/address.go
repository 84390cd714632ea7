// Package address implements the tagged socket address model: safe parsing
// of a raw, untrusted sockaddr buffer and serialization back into a caller
// buffer.
package address

import (
	"encoding/binary"
	"syscall"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// MaxUnixPathLen is the maximum byte length of an AF_LOCAL path, matching
// struct sockaddr_un's sun_path.
const MaxUnixPathLen = 108

// familySize is the width of the sockaddr family tag as laid out on the wire.
const familySize = 2

// SockAddr is a parsed, tagged socket address. Only UnixAddr is consumed by
// the stream/router layers; InetAddr exists so ParseSockAddr's IPv4/IPv6
// branches are reachable and testable even though this module declares
// IPv4/IPv6 sockets unsupported further up the stack.
type SockAddr interface {
	// Family returns the address family tag (AF_UNIX, AF_INET, AF_INET6).
	Family() uint16
	// Len returns the length that CopyToSlice would report, independent of
	// the destination buffer size.
	Len() int
	// CopyToSlice serializes the address into dst, copying at most len(dst)
	// bytes, and returns the full serialized length regardless of
	// truncation (mirrors the getsockname contract).
	CopyToSlice(dst []byte) int
}

// UnixAddr is an AF_LOCAL address: a fixed 108-byte path buffer and an
// explicit path length.
//
// Equal intentionally compares the full backing buffer, not just the
// path_len prefix, reproducing an observed quirk of the original
// implementation rather than silently correcting it: two addresses with the
// same meaningful path but different path_len can compare unequal (or, if
// trailing garbage bytes coincide, equal) depending on what is left in the
// unused tail of sun_path. Do not "fix" this without updating SPEC_FULL.md.
type UnixAddr struct {
	sunPath [MaxUnixPathLen]byte
	pathLen uint16
}

// NewUnixAddr builds a UnixAddr from a path string. ENAMETOOLONG if the path
// exceeds MaxUnixPathLen bytes.
func NewUnixAddr(path string) (UnixAddr, error) {
	var a UnixAddr
	if len(path) > MaxUnixPathLen {
		return a, syscall.ENAMETOOLONG
	}
	copy(a.sunPath[:], path)
	a.pathLen = uint16(len(path))
	return a, nil
}

// Path returns the UTF-8 path of length PathLen.
func (a UnixAddr) Path() string {
	return string(a.sunPath[:a.pathLen])
}

// PathLen returns the stored path length.
func (a UnixAddr) PathLen() uint16 {
	return a.pathLen
}

// Family always reports AF_UNIX for a UnixAddr.
func (a UnixAddr) Family() uint16 {
	return unix.AF_UNIX
}

// Len reports path_len + size_of(family_tag).
func (a UnixAddr) Len() int {
	return int(a.pathLen) + familySize
}

// CopyToSlice writes family tag followed by path_len bytes of path.
func (a UnixAddr) CopyToSlice(dst []byte) int {
	full := a.Len()
	var buf [familySize + MaxUnixPathLen]byte
	binary.LittleEndian.PutUint16(buf[:familySize], a.Family())
	copy(buf[familySize:], a.sunPath[:a.pathLen])
	n := full
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, buf[:n])
	return full
}

// Equal reproduces the original's full-buffer comparison: family must
// match and the entire 108-byte sun_path array must be byte-identical,
// regardless of path_len.
func (a UnixAddr) Equal(b UnixAddr) bool {
	return a.sunPath == b.sunPath
}

// InetAddr is a parsed IPv4/IPv6 address. Carried only so ParseSockAddr's
// family dispatch is complete and testable; nothing in stream/unixsock
// constructs or routes on it.
type InetAddr struct {
	family  uint16
	raw     []byte
	scopeID uint32
}

func (a InetAddr) Family() uint16 { return a.family }
func (a InetAddr) Len() int       { return len(a.raw) }
func (a InetAddr) CopyToSlice(dst []byte) int {
	n := len(a.raw)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, a.raw[:n])
	return len(a.raw)
}

// ScopeID returns the IPv6 scope id, zero for IPv4 or when the caller's
// buffer was too short to carry one.
func (a InetAddr) ScopeID() uint32 { return a.scopeID }

const (
	sizeofSockaddrIn  = 16
	sizeofSockaddrIn6 = 28
	// PFMax bounds the family values this parser will accept; anything at
	// or beyond it is rejected the same as an unrecognized family.
	PFMax = 45
)

// ParseSockAddr parses a raw, untrusted sockaddr buffer.
//
//   - len(raw) <= 2 (family tag size): EINVAL.
//   - family AF_UNSPEC: (nil, nil) — "no address", not an error.
//   - family AF_UNIX: path is raw[2:], must be valid UTF-8, else EINVAL.
//   - family AF_INET: requires len(raw) >= 16, else EINVAL.
//   - family AF_INET6: requires len(raw) >= 24 (sizeof minus scope id), else
//     EINVAL; if len(raw) < 28 the scope id is treated as zero.
//   - any other family, or family >= PFMax: EINVAL.
func ParseSockAddr(raw []byte) (SockAddr, error) {
	if len(raw) <= familySize {
		return nil, syscall.EINVAL
	}

	family := binary.LittleEndian.Uint16(raw[:familySize])

	switch family {
	case unix.AF_UNSPEC:
		return nil, nil

	case unix.AF_UNIX:
		path := raw[familySize:]
		if !utf8.Valid(path) {
			return nil, syscall.EINVAL
		}
		return NewUnixAddr(string(path))

	case unix.AF_INET:
		if len(raw) < sizeofSockaddrIn {
			return nil, syscall.EINVAL
		}
		cp := make([]byte, sizeofSockaddrIn)
		copy(cp, raw[:sizeofSockaddrIn])
		return InetAddr{family: family, raw: cp}, nil

	case unix.AF_INET6:
		if len(raw) < sizeofSockaddrIn6-4 {
			return nil, syscall.EINVAL
		}
		cp := make([]byte, sizeofSockaddrIn6)
		n := len(raw)
		if n > sizeofSockaddrIn6 {
			n = sizeofSockaddrIn6
		}
		copy(cp, raw[:n])
		var scope uint32
		if len(raw) >= sizeofSockaddrIn6 {
			scope = binary.LittleEndian.Uint32(raw[sizeofSockaddrIn6-4:])
		} else {
			binary.LittleEndian.PutUint32(cp[sizeofSockaddrIn6-4:], 0)
		}
		return InetAddr{family: family, raw: cp, scopeID: scope}, nil

	default:
		if family >= PFMax {
			return nil, syscall.EINVAL
		}
		return nil, syscall.EINVAL
	}
}
