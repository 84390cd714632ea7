// Package hostpolicy declares which Unix paths belong to the host kernel
// rather than the in-enclave transport. The policy is immutable once built:
// initialized exactly once from configuration, then shared read-only.
package hostpolicy

import "github.com/nabbar/libos-unixsock/address"

// Policy is a frozen set of host-declared Unix addresses.
type Policy struct {
	paths []address.UnixAddr
}

// NewPolicy builds a Policy from a list of Unix paths. An empty list means
// pure in-enclave mode: IsFromHost always returns false.
func NewPolicy(paths []string) (*Policy, error) {
	addrs := make([]address.UnixAddr, 0, len(paths))
	for _, p := range paths {
		a, err := address.NewUnixAddr(p)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return &Policy{paths: addrs}, nil
}

// Empty reports whether the policy declares no host paths at all.
func (p *Policy) Empty() bool {
	return p == nil || len(p.paths) == 0
}

// IsFromHost reports whether addr is a UnixAddr equal (per UnixAddr.Equal,
// including its full-buffer-comparison quirk) to a configured host path.
// Pure function of configuration: never allocates on this hot path.
func (p *Policy) IsFromHost(addr address.SockAddr) bool {
	if p == nil || addr == nil {
		return false
	}
	ua, ok := addr.(address.UnixAddr)
	if !ok {
		return false
	}
	for _, h := range p.paths {
		if h.Equal(ua) {
			return true
		}
	}
	return false
}
