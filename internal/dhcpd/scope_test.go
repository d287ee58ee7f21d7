package dhcpd

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testScopeConf returns a scope covering 10.0.0.100-10.0.0.200/24 on
// interface 10.0.0.1.
func testScopeConf() (conf *ScopeConfig) {
	return &ScopeConfig{
		Name:          "lan",
		Enabled:       true,
		InterfaceAddr: netip.MustParseAddr("10.0.0.1"),
		RangeStart:    netip.MustParseAddr("10.0.0.100"),
		RangeEnd:      netip.MustParseAddr("10.0.0.200"),
		SubnetMask:    netip.MustParseAddr("255.255.255.0"),
		Router:        netip.MustParseAddr("10.0.0.1"),
		LeaseDuration: 3600,
	}
}

// testScope creates the default test scope.
func testScope(t *testing.T) (sc *Scope) {
	t.Helper()

	sc, err := newScope(testScopeConf())
	require.NoError(t, err)

	return sc
}

// testDiscover creates a DISCOVER from the given MAC.
func testDiscover(t *testing.T, mac net.HardwareAddr, mods ...dhcpv4.Modifier) (m *dhcpv4.DHCPv4) {
	t.Helper()

	m, err := dhcpv4.NewDiscovery(mac, mods...)
	require.NoError(t, err)

	return m
}

var testMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}

func TestScope_findOffer(t *testing.T) {
	t.Run("first_free", func(t *testing.T) {
		sc := testScope(t)

		l, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("10.0.0.100"), l.IP)
		assert.Equal(t, LeaseDynamic, l.Type)
		assert.WithinDuration(t, time.Now().Add(offerExpiry), l.Expiry, time.Minute)
	})

	t.Run("stable_for_same_client", func(t *testing.T) {
		sc := testScope(t)

		first, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		again, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		assert.Equal(t, first.IP, again.IP)
	})

	t.Run("ascending_for_distinct_clients", func(t *testing.T) {
		sc := testScope(t)

		for i, want := range []string{"10.0.0.100", "10.0.0.101", "10.0.0.102"} {
			mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(i)}
			l, err := sc.findOffer(testDiscover(t, mac))
			require.NoError(t, err)

			assert.Equal(t, netip.MustParseAddr(want), l.IP)
		}
	})

	t.Run("skips_exclusions", func(t *testing.T) {
		conf := testScopeConf()
		conf.Exclusions = []AddrRange{{
			Start: netip.MustParseAddr("10.0.0.100"),
			End:   netip.MustParseAddr("10.0.0.109"),
		}}
		sc, err := newScope(conf)
		require.NoError(t, err)

		l, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("10.0.0.110"), l.IP)
	})

	t.Run("skips_interface_and_router", func(t *testing.T) {
		conf := testScopeConf()
		conf.RangeStart = netip.MustParseAddr("10.0.0.1")
		conf.Router = netip.MustParseAddr("10.0.0.2")
		sc, err := newScope(conf)
		require.NoError(t, err)

		l, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("10.0.0.3"), l.IP)
	})

	t.Run("reservation_wins", func(t *testing.T) {
		conf := testScopeConf()
		conf.Reservations = []Reservation{{
			ClientID: clientIDFromHWAddr(1, testMAC),
			IP:       netip.MustParseAddr("10.0.0.150"),
			Hostname: "printer",
		}}
		sc, err := newScope(conf)
		require.NoError(t, err)

		l, err := sc.findOffer(testDiscover(t, testMAC))
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("10.0.0.150"), l.IP)
		assert.Equal(t, LeaseReserved, l.Type)
		assert.Equal(t, "printer", l.Hostname)

		t.Run("reserved_addr_skipped_for_others", func(t *testing.T) {
			// Drain the whole pool with distinct clients: nobody else may
			// get the reserved address.
			for i := range 100 {
				other := net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, byte(i)}
				var ol *Lease
				ol, err = sc.findOffer(testDiscover(t, other))
				require.NoError(t, err)

				assert.NotEqual(t, netip.MustParseAddr("10.0.0.150"), ol.IP)
			}
		})
	})

	t.Run("pool_exhausted", func(t *testing.T) {
		conf := testScopeConf()
		conf.RangeEnd = netip.MustParseAddr("10.0.0.101")
		sc, err := newScope(conf)
		require.NoError(t, err)

		_, err = sc.findOffer(testDiscover(t, net.HardwareAddr{1, 0, 0, 0, 0, 1}))
		require.NoError(t, err)
		_, err = sc.findOffer(testDiscover(t, net.HardwareAddr{1, 0, 0, 0, 0, 2}))
		require.NoError(t, err)

		_, err = sc.findOffer(testDiscover(t, net.HardwareAddr{1, 0, 0, 0, 0, 3}))
		assert.ErrorIs(t, err, errAddrUnavailable)
	})

	t.Run("client_id_option_wins_over_mac", func(t *testing.T) {
		sc := testScope(t)

		withID := testDiscover(t, testMAC, dhcpv4.WithOption(
			dhcpv4.OptClientIdentifier([]byte{1, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}),
		))
		l1, err := sc.findOffer(withID)
		require.NoError(t, err)

		// The same hardware address with another client identifier is
		// another client.
		otherID := testDiscover(t, testMAC, dhcpv4.WithOption(
			dhcpv4.OptClientIdentifier([]byte{1, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x02}),
		))
		l2, err := sc.findOffer(otherID)
		require.NoError(t, err)

		assert.NotEqual(t, l1.IP, l2.IP)
	})
}

func TestScope_commitLease(t *testing.T) {
	sc := testScope(t)
	id := clientIDFromMsg(testDiscover(t, testMAC))

	offered, err := sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	l := sc.commitLease(id, "laptop.lan", 0)
	require.NotNil(t, l)

	assert.Equal(t, offered.IP, l.IP)
	assert.Equal(t, "laptop.lan", l.Hostname)
	assert.WithinDuration(t, time.Now().Add(sc.lt), l.Expiry, time.Minute)

	t.Run("offer_consumed", func(t *testing.T) {
		sc.mu.Lock()
		defer sc.mu.Unlock()

		assert.NotContains(t, sc.offers, id)
		assert.Contains(t, sc.leases, id)
	})

	t.Run("renewal", func(t *testing.T) {
		renewed := sc.commitLease(id, "", 0)
		require.NotNil(t, renewed)

		assert.Equal(t, l.IP, renewed.IP)
		assert.Equal(t, "laptop.lan", renewed.Hostname)
	})

	t.Run("requested_time_clamps", func(t *testing.T) {
		clamped := sc.commitLease(id, "", 60*time.Second)
		require.NotNil(t, clamped)

		assert.WithinDuration(t, time.Now().Add(60*time.Second), clamped.Expiry, time.Minute)
	})

	t.Run("requested_time_above_default_ignored", func(t *testing.T) {
		capped := sc.commitLease(id, "", 48*time.Hour)
		require.NotNil(t, capped)

		assert.WithinDuration(t, time.Now().Add(sc.lt), capped.Expiry, time.Minute)
	})

	t.Run("unknown_client", func(t *testing.T) {
		assert.Nil(t, sc.commitLease(ClientID("nope"), "", 0))
	})
}

func TestScope_releaseLease(t *testing.T) {
	sc := testScope(t)
	id := clientIDFromMsg(testDiscover(t, testMAC))

	_, err := sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	l := sc.commitLease(id, "host.lan", 0)
	require.NotNil(t, l)

	removed := sc.releaseLease(id)
	require.NotNil(t, removed)
	assert.Equal(t, l.IP, removed.IP)

	assert.Nil(t, sc.existingLeaseOrOffer(id))

	t.Run("address_reusable", func(t *testing.T) {
		other := net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB}
		ol, oerr := sc.findOffer(testDiscover(t, other))
		require.NoError(t, oerr)

		assert.Equal(t, l.IP, ol.IP)
	})
}

func TestScope_quarantine(t *testing.T) {
	sc := testScope(t)
	declined := netip.MustParseAddr("10.0.0.100")

	sc.markBad(declined)

	l, err := sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("10.0.0.101"), l.IP)
}

func TestScope_removeExpired(t *testing.T) {
	sc := testScope(t)
	id := clientIDFromMsg(testDiscover(t, testMAC))

	_, err := sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	t.Run("offers", func(t *testing.T) {
		sc.removeExpiredOffers(time.Now().Add(2 * offerExpiry))

		sc.mu.Lock()
		defer sc.mu.Unlock()

		assert.Empty(t, sc.offers)
		assert.Empty(t, sc.ipIndex)
	})

	_, err = sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, sc.commitLease(id, "host.lan", 0))

	t.Run("leases_not_yet", func(t *testing.T) {
		expired := sc.removeExpiredLeases(time.Now())
		assert.Empty(t, expired)
	})

	t.Run("leases", func(t *testing.T) {
		now := time.Now().Add(2 * sc.lt)
		expired := sc.removeExpiredLeases(now)
		require.Len(t, expired, 1)

		assert.Equal(t, "host.lan", expired[0].Hostname)

		for _, l := range sc.Leases() {
			assert.True(t, l.Expiry.After(now))
		}
	})
}
