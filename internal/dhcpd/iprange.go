package dhcpd

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ipRange is an inclusive range of IPv4 addresses.  A nil range is a range
// that doesn't contain any IP addresses.
//
// It is safe for concurrent use.
type ipRange struct {
	start uint32
	end   uint32
}

// ipToUint32 converts an IPv4 address into its numeric form.
func ipToUint32(ip netip.Addr) (n uint32) {
	b := ip.As4()

	return binary.BigEndian.Uint32(b[:])
}

// uint32ToIP is the inverse of ipToUint32.
func uint32ToIP(n uint32) (ip netip.Addr) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)

	return netip.AddrFrom4(b)
}

// newIPRange creates a new IPv4 address range.  start must not be greater
// than end and both must be valid IPv4 addresses.
func newIPRange(start, end netip.Addr) (r *ipRange, err error) {
	defer func() { err = errors.Annotate(err, "invalid ip range: %w") }()

	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("%s-%s is not an ipv4 range", start, end)
	}

	startInt, endInt := ipToUint32(start), ipToUint32(end)
	if startInt > endInt {
		return nil, fmt.Errorf("start %s is greater than end %s", start, end)
	}

	return &ipRange{
		start: startInt,
		end:   endInt,
	}, nil
}

// contains returns true if r contains ip.
func (r *ipRange) contains(ip netip.Addr) (ok bool) {
	if r == nil || !ip.Is4() {
		return false
	}

	n := ipToUint32(ip)

	return n >= r.start && n <= r.end
}

// ipPredicate is a function that is called on every IP address in
// (*ipRange).find.
type ipPredicate func(ip netip.Addr) (ok bool)

// find finds the first IP address in r for which p returns true.  It returns
// an empty netip.Addr if there is none.
func (r *ipRange) find(p ipPredicate) (ip netip.Addr) {
	if r == nil {
		return netip.Addr{}
	}

	for n := r.start; ; n++ {
		ip = uint32ToIP(n)
		if p(ip) {
			return ip
		}

		if n == r.end {
			return netip.Addr{}
		}
	}
}

// offset returns the offset of ip from the beginning of r.  It returns 0 and
// false if ip is not in r.
func (r *ipRange) offset(ip netip.Addr) (offset uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	return uint64(ipToUint32(ip) - r.start), true
}

// len returns the number of addresses in r.
func (r *ipRange) len() (n uint64) {
	if r == nil {
		return 0
	}

	return uint64(r.end-r.start) + 1
}

// overlaps returns true if r and other share at least one address.
func (r *ipRange) overlaps(other *ipRange) (ok bool) {
	if r == nil || other == nil {
		return false
	}

	return r.start <= other.end && other.start <= r.end
}

// String implements the fmt.Stringer interface for *ipRange.
func (r *ipRange) String() (s string) {
	return fmt.Sprintf("%s-%s", uint32ToIP(r.start), uint32ToIP(r.end))
}
