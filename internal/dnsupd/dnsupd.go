// Package dnsupd keeps an authoritative DNS zone consistent with active
// DHCP leases: an A record in the forward zone and a PTR record in the
// matching in-addr.arpa zone per committed lease.
package dnsupd

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// SOA timer values for zones bootstrapped by the updater.
const (
	soaRefresh = 28800
	soaRetry   = 7200
	soaExpire  = 604800
	soaMinimum = 600
)

// ZoneStore is the external authoritative zone provider.  Implementations
// must be safe for concurrent use.
type ZoneStore interface {
	// ZoneExists reports whether an authoritative zone with this apex is
	// configured.
	ZoneExists(zone string) (ok bool)

	// SetRecords upserts the records into the zone, replacing any records of
	// the same name and type.
	SetRecords(zone string, rrs []dns.RR) (err error)

	// DeleteRecords removes all records of the given name and type from the
	// zone.
	DeleteRecords(zone, owner string, rrtype uint16) (err error)

	// MakeZoneInternal hides the zone from zone transfer and management
	// listings meant for operator-created zones.
	MakeZoneInternal(zone string)
}

// Updater publishes lease state into a ZoneStore.  A nil *Updater is a
// valid no-op updater.
type Updater struct {
	store      ZoneStore
	serverName string
}

// New creates an updater.  serverName is the DNS name of this server, used
// as the NS target of bootstrapped zones.
func New(store ZoneStore, serverName string) (u *Updater) {
	return &Updater{
		store:      store,
		serverName: dns.Fqdn(serverName),
	}
}

// serial returns an SOA serial in YYYYMMDDHH form.
func serial(now time.Time) (n uint32) {
	v, err := strconv.ParseUint(now.UTC().Format("2006010215"), 10, 32)
	if err != nil {
		// Unreachable until the year 4295.
		return 1
	}

	return uint32(v)
}

// ensureZone bootstraps the zone with an SOA and an NS record if the store
// doesn't know it yet, and marks it internal.
func (u *Updater) ensureZone(zone string) (err error) {
	zone = dns.Fqdn(zone)
	if u.store.ZoneExists(zone) {
		return nil
	}

	hdr := dns.RR_Header{
		Name:  zone,
		Class: dns.ClassINET,
		Ttl:   soaMinimum,
	}

	soa := &dns.SOA{
		Hdr:     hdr,
		Ns:      u.serverName,
		Mbox:    "hostmaster." + zone,
		Serial:  serial(time.Now()),
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinimum,
	}
	soa.Hdr.Rrtype = dns.TypeSOA

	ns := &dns.NS{
		Hdr: hdr,
		Ns:  u.serverName,
	}
	ns.Hdr.Rrtype = dns.TypeNS

	err = u.store.SetRecords(zone, []dns.RR{soa, ns})
	if err != nil {
		return fmt.Errorf("bootstrapping zone %s: %w", zone, err)
	}

	u.store.MakeZoneInternal(zone)

	log.Debug("dnsupd: created internal zone %s", zone)

	return nil
}

// Add upserts the forward A record and the reverse PTR record for a lease.
// domain is the scope's domain name; an empty domain makes the call a
// no-op.
func (u *Updater) Add(domain string, ttl uint32, fqdn string, ip netip.Addr, reverseZone string) (err error) {
	if u == nil || u.store == nil || domain == "" || fqdn == "" {
		return nil
	}

	defer func() { err = errors.Annotate(err, "dns update for %s: %w", fqdn) }()

	err = u.ensureZone(domain)
	if err != nil {
		return err
	}

	owner := dns.Fqdn(fqdn)
	a := &dns.A{
		Hdr: dns.RR_Header{
			Name:   owner,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.AsSlice(),
	}

	err = u.store.SetRecords(dns.Fqdn(domain), []dns.RR{a})
	if err != nil {
		return err
	}

	err = u.ensureZone(reverseZone)
	if err != nil {
		return err
	}

	ptrOwner, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return err
	}

	ptr := &dns.PTR{
		Hdr: dns.RR_Header{
			Name:   ptrOwner,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ptr: owner,
	}

	return u.store.SetRecords(dns.Fqdn(reverseZone), []dns.RR{ptr})
}

// Remove deletes the forward A record and the reverse PTR record of a
// lease.
func (u *Updater) Remove(domain, fqdn string, ip netip.Addr, reverseZone string) (err error) {
	if u == nil || u.store == nil || domain == "" || fqdn == "" {
		return nil
	}

	defer func() { err = errors.Annotate(err, "dns removal for %s: %w", fqdn) }()

	err = u.store.DeleteRecords(dns.Fqdn(domain), dns.Fqdn(fqdn), dns.TypeA)
	if err != nil {
		return err
	}

	ptrOwner, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return err
	}

	return u.store.DeleteRecords(dns.Fqdn(reverseZone), ptrOwner, dns.TypePTR)
}

// ReverseZone returns the in-addr.arpa zone covering the subnet: one label
// per full octet of the network prefix.
func ReverseZone(subnet netip.Prefix) (zone string) {
	octets := subnet.Bits() / 8
	if octets > 4 {
		octets = 4
	}

	b := subnet.Masked().Addr().As4()
	for i := range octets {
		zone = strconv.Itoa(int(b[i])) + "." + zone
	}

	return zone + "in-addr.arpa"
}
