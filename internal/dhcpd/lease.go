package dhcpd

import (
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ClientID is the canonical identity of a DHCP client: the raw bytes of
// option 61 when the client sends one, otherwise the hardware type followed
// by the hardware address.  It's a string so that it can key maps directly.
type ClientID string

// clientIDFromMsg returns the identity to key offers and leases on.
func clientIDFromMsg(m *dhcpv4.DHCPv4) (id ClientID) {
	if data := m.Options.Get(dhcpv4.OptionClientIdentifier); len(data) > 0 {
		return ClientID(data)
	}

	b := make([]byte, 1+len(m.ClientHWAddr))
	b[0] = byte(m.HWType)
	copy(b[1:], m.ClientHWAddr)

	return ClientID(b)
}

// clientIDFromHWAddr returns the identity derived from a hardware address
// alone.  Used for reservations configured by MAC.
func clientIDFromHWAddr(htype uint8, hwAddr net.HardwareAddr) (id ClientID) {
	b := make([]byte, 1+len(hwAddr))
	b[0] = htype
	copy(b[1:], hwAddr)

	return ClientID(b)
}

// LeaseType is the kind of an address assignment.
type LeaseType uint8

// LeaseType values.
const (
	LeaseDynamic LeaseType = iota
	LeaseReserved
)

// Lease is a tentative or committed address assignment.  While it sits in a
// scope's offer table its Expiry is the short offer deadline; commitLease
// promotes it and stretches Expiry to the scope lease time.
type Lease struct {
	// Obtained is when the assignment was first handed out.
	Obtained time.Time

	// Expiry is when the offer or lease stops being valid.
	Expiry time.Time

	Hostname string

	ClientID ClientID
	HWType   uint8
	HWAddr   net.HardwareAddr

	IP netip.Addr

	Type LeaseType
}

// Clone returns a deep copy of l.
func (l *Lease) Clone() (clone *Lease) {
	if l == nil {
		return nil
	}

	return &Lease{
		Obtained: l.Obtained,
		Expiry:   l.Expiry,
		Hostname: l.Hostname,
		ClientID: l.ClientID,
		HWType:   l.HWType,
		HWAddr:   slices.Clone(l.HWAddr),
		IP:       l.IP,
		Type:     l.Type,
	}
}

// Expired returns true if l is not valid at the moment now.
func (l *Lease) Expired(now time.Time) (ok bool) {
	return l != nil && !l.Expiry.After(now)
}
