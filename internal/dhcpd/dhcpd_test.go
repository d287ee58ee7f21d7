package dhcpd

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_AddScope(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	assert.FileExists(t, s.scopeFilePath("lan"))

	t.Run("duplicate_name", func(t *testing.T) {
		conf := testScopeConf()
		conf.Name = "LAN"
		conf.RangeStart = netip.MustParseAddr("10.0.1.100")
		conf.RangeEnd = netip.MustParseAddr("10.0.1.200")
		conf.Router = netip.MustParseAddr("10.0.1.1")

		_, err = s.AddScope(conf)
		assert.ErrorIs(t, err, ErrDupName)
	})

	t.Run("duplicate_range", func(t *testing.T) {
		conf := testScopeConf()
		conf.Name = "lan2"

		_, err = s.AddScope(conf)
		assert.ErrorIs(t, err, ErrDupRange)
	})

	t.Run("overlapping_range", func(t *testing.T) {
		conf := testScopeConf()
		conf.Name = "lan3"
		conf.RangeStart = netip.MustParseAddr("10.0.0.150")
		conf.RangeEnd = netip.MustParseAddr("10.0.0.250")

		_, err = s.AddScope(conf)
		assert.ErrorIs(t, err, ErrDupRange)
	})

	t.Run("distinct_interface_same_range_ok", func(t *testing.T) {
		conf := testScopeConf()
		conf.Name = "lan4"
		conf.InterfaceAddr = netip.MustParseAddr("10.0.0.2")

		_, err = s.AddScope(conf)
		assert.NoError(t, err)
	})
}

func TestServer_RenameScope(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	t.Run("missing_source", func(t *testing.T) {
		err = s.RenameScope("nope", "whatever")
		assert.ErrorIs(t, err, ErrScopeNotFound)
	})

	t.Run("success", func(t *testing.T) {
		err = s.RenameScope("lan", "office")
		require.NoError(t, err)

		assert.Nil(t, s.GetScope("lan"))
		require.NotNil(t, s.GetScope("office"))

		assert.FileExists(t, s.scopeFilePath("office"))
		assert.NoFileExists(t, s.scopeFilePath("lan"))
	})

	t.Run("existing_target", func(t *testing.T) {
		conf := testScopeConf()
		conf.Name = "guest"
		conf.RangeStart = netip.MustParseAddr("10.0.1.100")
		conf.RangeEnd = netip.MustParseAddr("10.0.1.200")
		conf.Router = netip.MustParseAddr("10.0.1.1")
		_, err = s.AddScope(conf)
		require.NoError(t, err)

		err = s.RenameScope("office", "guest")
		assert.ErrorIs(t, err, ErrDupName)
	})
}

func TestServer_DeleteScope(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	err = s.DeleteScope("lan")
	require.NoError(t, err)

	assert.Nil(t, s.GetScope("lan"))
	assert.NoFileExists(t, s.scopeFilePath("lan"))

	t.Run("missing", func(t *testing.T) {
		err = s.DeleteScope("lan")
		assert.ErrorIs(t, err, ErrScopeNotFound)
	})
}

func TestServer_EnableDisableScope(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	conf := testScopeConf()
	conf.Enabled = false
	_, err = s.AddScope(conf)
	require.NoError(t, err)

	err = s.EnableScope("lan")
	require.NoError(t, err)
	assert.True(t, s.GetScope("lan").Enabled())

	err = s.DisableScope("lan")
	require.NoError(t, err)
	assert.False(t, s.GetScope("lan").Enabled())

	t.Run("persisted", func(t *testing.T) {
		data, rerr := os.ReadFile(s.scopeFilePath("lan"))
		require.NoError(t, rerr)

		gotConf, _, derr := decodeScope(data)
		require.NoError(t, derr)

		assert.False(t, gotConf.Enabled)
	})
}

func TestServer_loadAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(ServerConfig{ConfigDir: dir})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	sc := s.GetScope("lan")
	require.NotNil(t, sc)

	_, err = sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	id := clientIDFromMsg(testDiscover(t, testMAC))
	require.NotNil(t, sc.commitLease(id, "laptop.lan", 0))

	require.NoError(t, s.saveScope(sc))

	restarted, err := New(ServerConfig{ConfigDir: dir})
	require.NoError(t, err)

	got := restarted.GetScope("lan")
	require.NotNil(t, got)

	l := got.existingLeaseOrOffer(id)
	require.NotNil(t, l)
	assert.Equal(t, netip.MustParseAddr("10.0.0.100"), l.IP)
	assert.Equal(t, "laptop.lan", l.Hostname)
}

func TestServer_AddressClientMap(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	sc := s.GetScope("lan")
	require.NotNil(t, sc)

	for i, name := range []string{"alpha", "bravo"} {
		mac := net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i)}
		_, err = sc.findOffer(testDiscover(t, mac))
		require.NoError(t, err)

		require.NotNil(t, sc.commitLease(clientIDFromMsg(testDiscover(t, mac)), name, 0))
	}

	m := s.AddressClientMap()
	assert.Equal(t, map[string]string{
		"10.0.0.100": "alpha",
		"10.0.0.101": "bravo",
	}, m)
}

func TestServer_maintenanceSweep(t *testing.T) {
	s, err := New(ServerConfig{ConfigDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.AddScope(testScopeConf())
	require.NoError(t, err)

	sc := s.GetScope("lan")
	require.NotNil(t, sc)

	_, err = sc.findOffer(testDiscover(t, testMAC))
	require.NoError(t, err)

	id := clientIDFromMsg(testDiscover(t, testMAC))
	l := sc.commitLease(id, "host.lan", 0)
	require.NotNil(t, l)

	// Force the lease into the past and sweep like the maintenance tick
	// does.
	sc.mu.Lock()
	sc.leases[id].Expiry = time.Now().Add(-time.Minute)
	sc.mu.Unlock()

	sc.removeExpiredOffers(time.Now().UTC())
	expired := sc.removeExpiredLeases(time.Now().UTC())
	require.Len(t, expired, 1)

	assert.Nil(t, sc.existingLeaseOrOffer(id))
}

func TestServer_loadScopeFile_badData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+scopeFileExt)
	require.NoError(t, os.WriteFile(path, []byte{0xFF, 0xFF, 0x01}, 0o644))

	// A broken scope file is logged and skipped, not fatal.
	s, err := New(ServerConfig{ConfigDir: dir})
	require.NoError(t, err)

	assert.Empty(t, s.Scopes())
}
