package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
)

// ServerConfig is the configuration for the DHCP server as a whole.
type ServerConfig struct {
	// ConfigDir is the directory the scope files live in.  It is created if
	// absent.
	ConfigDir string `yaml:"config_dir"`

	// ServerName is the DNS name of this server, used as the owner of the NS
	// records bootstrapped into dynamically created zones.
	ServerName string `yaml:"server_name"`

	// Workers is the size of the datagram worker pool.  Zero means the
	// default.
	Workers int `yaml:"workers"`
}

// AddrRange is an inclusive [Start, End] pair of excluded addresses.
type AddrRange struct {
	Start netip.Addr `yaml:"start"`
	End   netip.Addr `yaml:"end"`
}

// Reservation binds a client identity to a fixed address inside a scope.
type Reservation struct {
	ClientID ClientID
	IP       netip.Addr
	Hostname string
}

// ScopeConfig describes a single administrative address scope.  The on-disk
// field order is defined by encodeScope in scopedb.go, not by this struct.
type ScopeConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	// InterfaceAddr is the local interface the scope serves.  The
	// unspecified address means "any interface".
	InterfaceAddr netip.Addr `yaml:"interface_address"`

	RangeStart netip.Addr `yaml:"range_start"`
	RangeEnd   netip.Addr `yaml:"range_end"`
	SubnetMask netip.Addr `yaml:"subnet_mask"`
	Router     netip.Addr `yaml:"router"`

	DNSServers []netip.Addr `yaml:"dns_servers"`
	NTPServers []netip.Addr `yaml:"ntp_servers"`
	DomainName string       `yaml:"domain_name"`
	DNSTTL     uint32       `yaml:"dns_ttl"`

	// LeaseDuration is the committed lease time, in seconds.
	LeaseDuration uint32 `yaml:"lease_duration"`

	// OfferDelay is how long to wait, in milliseconds, before answering a
	// DISCOVER.
	OfferDelay uint32 `yaml:"offer_delay_msec"`

	// PingTimeout is the IP conflict detector: the time, in milliseconds, to
	// wait for an ICMP reply before an address is considered free.  Zero
	// disables probing.
	PingTimeout uint32 `yaml:"ping_timeout_msec"`

	// VendorClassFilter, when non-empty, limits the scope to clients whose
	// vendor class identifier contains one of the substrings.
	VendorClassFilter []string `yaml:"vendor_class_filter"`

	Exclusions   []AddrRange   `yaml:"exclusions"`
	Reservations []Reservation `yaml:"-"`
}

// errNilConfig is returned by validation when the config is nil.
const errNilConfig errors.Error = "nil config"

// ensureV4 returns an unmapped version of ip.  An error is returned if the
// passed ip is not an IPv4.
func ensureV4(ip netip.Addr, kind string) (ip4 netip.Addr, err error) {
	ip4 = ip.Unmap()
	if !ip4.IsValid() || !ip4.Is4() {
		return netip.Addr{}, fmt.Errorf("%v is not an IPv4 %s", ip, kind)
	}

	return ip4, nil
}

// subnetOf returns the prefix that contains ip under mask.
func subnetOf(ip, mask netip.Addr) (p netip.Prefix, err error) {
	maskLen, bits := net.IPMask(mask.AsSlice()).Size()
	if bits != 32 {
		return netip.Prefix{}, fmt.Errorf("invalid subnet mask %s", mask)
	}

	return netip.PrefixFrom(ip, maskLen).Masked(), nil
}

// broadcastOf returns the broadcast address of p.
func broadcastOf(p netip.Prefix) (bc netip.Addr) {
	n := ipToUint32(p.Addr())
	hostBits := 32 - p.Bits()
	if hostBits == 0 {
		return p.Addr()
	}

	return uint32ToIP(n | (1<<hostBits - 1))
}

// Validate returns an error if c is not a valid scope configuration and
// normalizes its address fields in place.  The derived run-time values
// (subnet, broadcast, pool range) are computed by newScope.
func (c *ScopeConfig) Validate() (err error) {
	defer func() { err = errors.Annotate(err, "scope %q: %w", c.GetName()) }()

	if c == nil {
		return errNilConfig
	} else if c.Name == "" {
		return errors.Error("empty name")
	}

	if !c.InterfaceAddr.IsValid() {
		c.InterfaceAddr = netip.IPv4Unspecified()
	}

	// The scope file encodes "no router" as 0.0.0.0.
	if c.Router.IsValid() && c.Router.Unmap().IsUnspecified() {
		c.Router = netip.Addr{}
	}

	rangeStart, err := ensureV4(c.RangeStart, "range start")
	if err != nil {
		// Don't wrap the error since it's informative enough as is and there
		// is an annotation deferred already.
		return err
	}

	rangeEnd, err := ensureV4(c.RangeEnd, "range end")
	if err != nil {
		return err
	}

	mask, err := ensureV4(c.SubnetMask, "subnet mask")
	if err != nil {
		return err
	}

	c.RangeStart, c.RangeEnd, c.SubnetMask = rangeStart, rangeEnd, mask

	subnet, err := subnetOf(rangeStart, mask)
	if err != nil {
		return err
	}

	if !subnet.Contains(rangeEnd) {
		return fmt.Errorf("range end %s is outside network %s", rangeEnd, subnet)
	}

	if _, err = newIPRange(rangeStart, rangeEnd); err != nil {
		return err
	}

	if c.Router.IsValid() && !subnet.Contains(c.Router.Unmap()) {
		return fmt.Errorf("router %s is outside network %s", c.Router, subnet)
	}

	for _, e := range c.Exclusions {
		if _, err = newIPRange(e.Start, e.End); err != nil {
			return fmt.Errorf("exclusion: %w", err)
		}
	}

	return nil
}

// GetName returns the name of the scope config, working around nil.
func (c *ScopeConfig) GetName() (name string) {
	if c == nil {
		return ""
	}

	return c.Name
}

// leaseTime returns the committed lease duration.
func (c *ScopeConfig) leaseTime() (d time.Duration) {
	if c.LeaseDuration == 0 {
		return timeutil.Day
	}

	return time.Duration(c.LeaseDuration) * time.Second
}
