package dhcpd

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/bluele/gcache"
	"github.com/go-ping/ping"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// offerExpiry is how long an offer stays valid between DHCPOFFER and the
// client's DHCPREQUEST.
const offerExpiry = 60 * time.Second

// quarantineSize bounds the cache of addresses declined by clients.
const quarantineSize = 4096

// errAddrUnavailable is returned by findOffer when the pool has no free
// addresses left.
const errAddrUnavailable errors.Error = "no free addresses in scope"

// Scope is an administrative address pool bound to one local interface,
// carrying its own options, offers and leases.
type Scope struct {
	conf ScopeConfig

	subnet    netip.Prefix
	broadcast netip.Addr
	rng       *ipRange
	lt        time.Duration

	// mu protects everything below.  All lease and offer operations on a
	// scope are serialized through it.
	mu sync.Mutex

	offers map[ClientID]*Lease
	leases map[ClientID]*Lease

	// ipIndex holds every address currently bound to an offer or a lease.
	ipIndex map[netip.Addr]*Lease

	reservations map[ClientID]Reservation
	reservedIPs  map[netip.Addr]ClientID

	// quarantine keeps addresses clients have declined out of the allocator
	// for a while.
	quarantine gcache.Cache

	lastMod time.Time
}

// newScope creates a scope from a validated configuration.
func newScope(conf *ScopeConfig) (sc *Scope, err error) {
	err = conf.Validate()
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	sc = &Scope{
		conf:         *conf,
		lt:           conf.leaseTime(),
		offers:       map[ClientID]*Lease{},
		leases:       map[ClientID]*Lease{},
		ipIndex:      map[netip.Addr]*Lease{},
		reservations: map[ClientID]Reservation{},
		reservedIPs:  map[netip.Addr]ClientID{},
		quarantine:   gcache.New(quarantineSize).LRU().Build(),
		lastMod:      time.Now().UTC(),
	}

	sc.subnet, err = subnetOf(conf.RangeStart, conf.SubnetMask)
	if err != nil {
		return nil, err
	}
	sc.broadcast = broadcastOf(sc.subnet)

	sc.rng, err = newIPRange(conf.RangeStart, conf.RangeEnd)
	if err != nil {
		return nil, err
	}

	for _, r := range conf.Reservations {
		sc.reservations[r.ClientID] = r
		sc.reservedIPs[r.IP] = r.ClientID
	}

	return sc, nil
}

// Name returns the scope name.
func (sc *Scope) Name() (name string) { return sc.conf.Name }

// Enabled returns true if the scope is administratively enabled.
func (sc *Scope) Enabled() (ok bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.conf.Enabled
}

// setEnabled flips the administrative state and marks the scope modified.
func (sc *Scope) setEnabled(ok bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.conf.Enabled != ok {
		sc.conf.Enabled = ok
		sc.lastMod = time.Now().UTC()
	}
}

// InterfaceAddr returns the local interface address the scope is bound to.
func (sc *Scope) InterfaceAddr() (ip netip.Addr) { return sc.conf.InterfaceAddr }

// Config returns a copy of the scope configuration.
func (sc *Scope) Config() (conf ScopeConfig) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	conf = sc.conf
	conf.DNSServers = slices.Clone(sc.conf.DNSServers)
	conf.NTPServers = slices.Clone(sc.conf.NTPServers)
	conf.Exclusions = slices.Clone(sc.conf.Exclusions)
	conf.Reservations = slices.Clone(sc.conf.Reservations)
	conf.VendorClassFilter = slices.Clone(sc.conf.VendorClassFilter)

	return conf
}

// Leases returns deep clones of the committed leases.
func (sc *Scope) Leases() (leases []*Lease) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	leases = make([]*Lease, 0, len(sc.leases))
	for _, l := range sc.leases {
		leases = append(leases, l.Clone())
	}

	return leases
}

// inRange returns true if ip lies inside the allocatable pool.
func (sc *Scope) inRange(ip netip.Addr) (ok bool) {
	return sc.rng.contains(ip)
}

// sameRange returns true if both scopes cover the same address range on the
// same interface.
func (sc *Scope) sameRange(other *Scope) (ok bool) {
	return sc.conf.InterfaceAddr == other.conf.InterfaceAddr &&
		sc.conf.RangeStart == other.conf.RangeStart &&
		sc.conf.RangeEnd == other.conf.RangeEnd &&
		sc.conf.SubnetMask == other.conf.SubnetMask
}

// overlaps returns true if both scopes sit on the same interface and their
// pools share addresses.
func (sc *Scope) overlaps(other *Scope) (ok bool) {
	return sc.conf.InterfaceAddr == other.conf.InterfaceAddr &&
		sc.rng.overlaps(other.rng)
}

// lastModified returns the time of the latest mutation.
func (sc *Scope) lastModified() (t time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.lastMod
}

// markModified must be called with sc.mu held.
func (sc *Scope) markModified() {
	sc.lastMod = time.Now().UTC()
}

// excluded returns true if ip falls into one of the configured exclusion
// ranges.
func (sc *Scope) excluded(ip netip.Addr) (ok bool) {
	n := ipToUint32(ip)
	for _, e := range sc.conf.Exclusions {
		if n >= ipToUint32(e.Start) && n <= ipToUint32(e.End) {
			return true
		}
	}

	return false
}

// quarantined returns true if a client has recently declined ip.
func (sc *Scope) quarantined(ip netip.Addr) (ok bool) {
	_, err := sc.quarantine.GetIFPresent(ip)

	return err == nil
}

// markBad keeps ip out of the allocator.  Declined addresses stay
// quarantined for one lease time.
func (sc *Scope) markBad(ip netip.Addr) {
	err := sc.quarantine.SetWithExpire(ip, struct{}{}, sc.lt)
	if err != nil {
		log.Debug("dhcp: scope %s: quarantining %s: %s", sc.conf.Name, ip, err)
	}
}

// allocatable returns true if ip may be handed out to the client id.  It
// must be called with sc.mu held.
func (sc *Scope) allocatable(ip netip.Addr, id ClientID) (ok bool) {
	switch ip {
	case sc.conf.InterfaceAddr, sc.conf.Router, sc.subnet.Addr(), sc.broadcast:
		return false
	}

	if sc.excluded(ip) || sc.quarantined(ip) {
		return false
	}

	if owner, reserved := sc.reservedIPs[ip]; reserved && owner != id {
		return false
	}

	if held, ok := sc.ipIndex[ip]; ok && held.ClientID != id {
		return false
	}

	return true
}

// addrAvailable sends an ICMP echo to ip and reports whether the address
// looks unused.  Probing is disabled when the ping timeout is zero.
func (sc *Scope) addrAvailable(ip netip.Addr) (avail bool) {
	if sc.conf.PingTimeout == 0 {
		return true
	}

	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		log.Error("dhcp: ping.NewPinger(): %s", err)

		return true
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = time.Duration(sc.conf.PingTimeout) * time.Millisecond
	pinger.Count = 1
	reply := false
	pinger.OnRecv = func(_ *ping.Packet) {
		reply = true
	}

	log.Debug("dhcp: scope %s: sending icmp echo to %s", sc.conf.Name, ip)

	err = pinger.Run()
	if err != nil {
		log.Error("dhcp: pinger.Run(): %s", err)

		return true
	}

	if reply {
		log.Info("dhcp: ip conflict: %s is already used by another device", ip)

		return false
	}

	return true
}

// refreshOffer creates or refreshes an offer of ip for the client and
// returns it.  It must be called with sc.mu held.
func (sc *Scope) refreshOffer(m *dhcpv4.DHCPv4, id ClientID, ip netip.Addr, typ LeaseType) (l *Lease) {
	now := time.Now().UTC()

	l = sc.offers[id]
	if l == nil || l.IP != ip {
		l = &Lease{
			Obtained: now,
			ClientID: id,
			HWType:   uint8(m.HWType),
			HWAddr:   slices.Clone(m.ClientHWAddr),
			IP:       ip,
			Type:     typ,
		}
	}

	l.Expiry = now.Add(offerExpiry)
	sc.offers[id] = l
	sc.ipIndex[ip] = l

	return l
}

// findOffer selects an address for the client per the configured policy:
// reservation first, then the client's existing assignment, then the first
// free pool address.
func (sc *Scope) findOffer(m *dhcpv4.DHCPv4) (l *Lease, err error) {
	id := clientIDFromMsg(m)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := time.Now().UTC()

	if rsv, ok := sc.reservations[id]; ok {
		holder := sc.ipIndex[rsv.IP]
		if holder == nil || holder.ClientID == id {
			l = sc.refreshOffer(m, id, rsv.IP, LeaseReserved)
			if rsv.Hostname != "" {
				l.Hostname = rsv.Hostname
			}

			return l.Clone(), nil
		}

		log.Info(
			"dhcp: scope %s: reserved address %s is held by another client, falling back to pool",
			sc.conf.Name,
			rsv.IP,
		)
	}

	if held := sc.leases[id]; held != nil {
		return sc.refreshOffer(m, id, held.IP, held.Type).Clone(), nil
	}

	if offered := sc.offers[id]; offered != nil && !offered.Expired(now) {
		return sc.refreshOffer(m, id, offered.IP, offered.Type).Clone(), nil
	}

	for {
		ip := sc.rng.find(func(cand netip.Addr) (ok bool) {
			return sc.allocatable(cand, id)
		})
		if !ip.IsValid() {
			return nil, errAddrUnavailable
		}

		if sc.addrAvailable(ip) {
			return sc.refreshOffer(m, id, ip, LeaseDynamic).Clone(), nil
		}

		sc.markBad(ip)
	}
}

// existingLeaseOrOffer returns the client's current lease or unexpired
// offer, or nil.  It does not allocate.
func (sc *Scope) existingLeaseOrOffer(id ClientID) (l *Lease) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if held := sc.leases[id]; held != nil {
		return held.Clone()
	}

	if offered := sc.offers[id]; offered != nil && !offered.Expired(time.Now().UTC()) {
		return offered.Clone()
	}

	return nil
}

// commitLease promotes the client's offer, or renews its lease, for the
// scope lease time.  A positive requested duration below the scope default
// clamps the granted time.  hostname, when non-empty, becomes the lease host
// name.  It returns nil if the client holds neither an offer nor a lease.
func (sc *Scope) commitLease(id ClientID, hostname string, requested time.Duration) (l *Lease) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	l = sc.offers[id]
	if l == nil {
		l = sc.leases[id]
	}
	if l == nil {
		return nil
	}

	delete(sc.offers, id)

	if old := sc.leases[id]; old != nil && old.IP != l.IP {
		delete(sc.ipIndex, old.IP)
	}

	lt := sc.lt
	if requested > 0 && requested < lt {
		lt = requested
	}

	now := time.Now().UTC()
	if l.Obtained.IsZero() {
		l.Obtained = now
	}
	l.Expiry = now.Add(lt)
	if hostname != "" {
		l.Hostname = hostname
	}

	sc.leases[id] = l
	sc.ipIndex[l.IP] = l
	sc.markModified()

	return l.Clone()
}

// releaseLease removes the client's lease and any offer.  The removed lease
// is returned for DNS teardown, nil if there was none.
func (sc *Scope) releaseLease(id ClientID) (l *Lease) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if offered := sc.offers[id]; offered != nil {
		delete(sc.offers, id)
		if sc.ipIndex[offered.IP] == offered {
			delete(sc.ipIndex, offered.IP)
		}
	}

	l = sc.leases[id]
	if l == nil {
		return nil
	}

	delete(sc.leases, id)
	if sc.ipIndex[l.IP] == l {
		delete(sc.ipIndex, l.IP)
	}
	sc.markModified()

	return l
}

// removeExpiredOffers purges offers whose deadline has passed.
func (sc *Scope) removeExpiredOffers(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for id, l := range sc.offers {
		if l.Expired(now) {
			delete(sc.offers, id)
			if held := sc.leases[id]; held != nil && held.IP == l.IP {
				// The offer was refreshed from the client's lease, which
				// still holds the address.
				sc.ipIndex[l.IP] = held
			} else if sc.ipIndex[l.IP] == l {
				delete(sc.ipIndex, l.IP)
			}
		}
	}
}

// removeExpiredLeases purges leases whose expiry has passed and returns
// them so that their DNS records can be torn down.
func (sc *Scope) removeExpiredLeases(now time.Time) (expired []*Lease) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for id, l := range sc.leases {
		if l.Expired(now) {
			delete(sc.leases, id)
			if sc.ipIndex[l.IP] == l {
				delete(sc.ipIndex, l.IP)
			}

			expired = append(expired, l)
		}
	}

	if len(expired) > 0 {
		sc.markModified()
	}

	return expired
}
