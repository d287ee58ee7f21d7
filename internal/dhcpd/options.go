package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// fqdnFlagO is the "override" flag of the client FQDN option.  The server
// sets it in replies to tell the client the server chose the domain.
//
// See https://datatracker.ietf.org/doc/html/rfc4702#section-2.1.
const fqdnFlagO = 1 << 1

// fqdnFlagE marks the domain name as being in DNS wire format rather than
// ASCII.
const fqdnFlagE = 1 << 2

// normalizeHostname normalizes a hostname sent by the client.  If err is not
// nil, norm is an empty string.
func normalizeHostname(hostname string) (norm string, err error) {
	defer func() { err = errors.Annotate(err, "normalizing %q: %w", hostname) }()

	if hostname == "" {
		return "", nil
	}

	norm = strings.ToLower(hostname)
	parts := strings.FieldsFunc(norm, func(c rune) (ok bool) {
		return c != '.' && !netutil.IsValidHostOuterRune(c)
	})

	if len(parts) == 0 {
		return "", fmt.Errorf("no valid parts")
	}

	norm = strings.Join(parts, "-")
	norm = strings.TrimSuffix(norm, "-")

	return norm, nil
}

// decodeFQDNLabels decodes a DNS wire-format name from the client FQDN
// option payload.
func decodeFQDNLabels(data []byte) (name string) {
	var labels []string
	for len(data) > 0 {
		n := int(data[0])
		data = data[1:]
		if n == 0 || n > len(data) {
			break
		}

		labels = append(labels, string(data[:n]))
		data = data[n:]
	}

	return strings.Join(labels, ".")
}

// clientFQDN extracts the domain name the client put into its FQDN option,
// in ASCII form, or an empty string.
func clientFQDN(m *dhcpv4.DHCPv4) (name string) {
	data := m.Options.Get(dhcpv4.OptionFQDN)
	if len(data) < 3 {
		return ""
	}

	flags, payload := data[0], data[3:]
	if flags&fqdnFlagE != 0 {
		return decodeFQDNLabels(payload)
	}

	return string(payload)
}

// resolveClientName derives the host name stored on the lease and published
// to DNS.  A reservation's host name wins over anything the client sends;
// otherwise the FQDN option wins over the plain hostname option.  A bare name
// is qualified with the scope domain.  The result is empty when neither the
// client nor the reservation supplied anything usable.
func (sc *Scope) resolveClientName(m *dhcpv4.DHCPv4) (name string) {
	if rsv, ok := sc.reservations[clientIDFromMsg(m)]; ok && rsv.Hostname != "" {
		name = rsv.Hostname
	} else if name = clientFQDN(m); name == "" {
		name = m.HostName()
	}

	name, err := normalizeHostname(name)
	if err != nil {
		log.Debug("dhcp: scope %s: %s", sc.conf.Name, err)

		return ""
	} else if name == "" {
		return ""
	}

	if sc.conf.DomainName != "" && !strings.Contains(name, ".") {
		name = name + "." + sc.conf.DomainName
	}

	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// optFQDN returns the client FQDN option for replies: the S flag cleared,
// the O flag set, and the RCODE fields fixed to 0xFF per RFC 4702 §2.2.
func optFQDN(fqdn string) (opt dhcpv4.Option) {
	optData := []byte{fqdnFlagO, 0xFF, 0xFF}
	optData = append(optData, fqdn...)

	return dhcpv4.OptGeneric(dhcpv4.OptionFQDN, optData)
}

// passesClassFilter returns false if the scope's vendor-class filter rejects
// the client.  An empty filter admits everyone.
func (sc *Scope) passesClassFilter(m *dhcpv4.DHCPv4) (ok bool) {
	if len(sc.conf.VendorClassFilter) == 0 {
		return true
	}

	class := m.ClassIdentifier()
	for _, want := range sc.conf.VendorClassFilter {
		if strings.Contains(class, want) {
			return true
		}
	}

	return false
}

// updateReplyOptions fills resp with the scope's option set for the client.
// The granted lease duration and the mandatory subnet options are always
// present; router, DNS, domain and NTP are added when the scope configures
// them and the client lists them in its parameter request list.  It
// returns false when the vendor-class filter rejects the client, in which
// case the request must be dropped silently.
func (sc *Scope) updateReplyOptions(
	req *dhcpv4.DHCPv4,
	resp *dhcpv4.DHCPv4,
	ifaceAddr netip.Addr,
	granted time.Duration,
) (ok bool) {
	if !sc.passesClassFilter(req) {
		return false
	}

	if granted == 0 {
		granted = sc.lt
	}

	resp.UpdateOption(dhcpv4.OptServerIdentifier(ifaceAddr.AsSlice()))
	resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(granted))
	resp.UpdateOption(dhcpv4.OptSubnetMask(net.IPMask(sc.conf.SubnetMask.AsSlice())))
	resp.UpdateOption(dhcpv4.OptBroadcastAddress(sc.broadcast.AsSlice()))

	prl := req.ParameterRequestList()

	if sc.conf.Router.IsValid() && prl.Has(dhcpv4.OptionRouter) {
		resp.UpdateOption(dhcpv4.OptRouter(sc.conf.Router.AsSlice()))
	}

	if len(sc.conf.DNSServers) > 0 && prl.Has(dhcpv4.OptionDomainNameServer) {
		resp.UpdateOption(dhcpv4.OptDNS(addrsToIPs(sc.conf.DNSServers)...))
	}

	if sc.conf.DomainName != "" && prl.Has(dhcpv4.OptionDomainName) {
		resp.UpdateOption(dhcpv4.OptDomainName(sc.conf.DomainName))
	}

	if len(sc.conf.NTPServers) > 0 && prl.Has(dhcpv4.OptionNTPServers) {
		resp.UpdateOption(dhcpv4.OptNTPServers(addrsToIPs(sc.conf.NTPServers)...))
	}

	if name := sc.resolveClientName(req); name != "" {
		if len(req.Options.Get(dhcpv4.OptionFQDN)) > 0 {
			resp.UpdateOption(optFQDN(name))
		} else if prl.Has(dhcpv4.OptionHostName) {
			resp.UpdateOption(dhcpv4.OptHostName(name))
		}
	}

	return true
}

// addrsToIPs converts netip addresses into the net.IP form the wire library
// takes.
func addrsToIPs(addrs []netip.Addr) (ips []net.IP) {
	ips = make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.AsSlice())
	}

	return ips
}
