// Package dhcpd provides a multi-scope DHCPv4 server: per-interface address
// scopes with reservations and exclusions, RFC 2131 message handling for
// directly connected clients and relay agents, persistent leases, and DNS
// zone updates for committed leases.
package dhcpd

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/goofwear/DnsServer/internal/dnsupd"
	"github.com/google/renameio/v2/maybe"
)

// Service states.  Transitions go through compare-and-set so that a
// concurrent start and stop can't tear each other's work.
const (
	stateStopped int32 = iota
	stateRunning
	stateStopping
)

// Errors returned by the scope lifecycle operations.
const (
	// ErrScopeNotFound is returned when the named scope doesn't exist.
	ErrScopeNotFound errors.Error = "scope not found"

	// ErrDupName is returned when a scope with the same name already exists.
	ErrDupName errors.Error = "scope name already exists"

	// ErrDupRange is returned when a scope covering the same addresses on
	// the same interface already exists.
	ErrDupRange errors.Error = "scope range already exists"

	// ErrServerRunning is returned by Start when the server is already
	// running.
	ErrServerRunning errors.Error = "server is already running"
)

// Server is a DHCPv4 server: the scope registry, the listeners, the worker
// pool, and the maintenance loop.
type Server struct {
	conf ServerConfig

	state atomic.Int32

	// mu protects scopes, listeners, the active flags, and the DNS updater
	// reference.
	mu        sync.Mutex
	scopes    map[string]*Scope
	active    map[string]bool
	listeners map[netip.Addr]*listener

	updater *dnsupd.Updater

	pool *dispatcher

	maintMu    sync.Mutex
	maintTimer *time.Timer

	// watermark is the persistence cut-off: scopes modified after it are
	// written out on the next maintenance tick.
	watermark time.Time
}

// New creates a server and loads every scope file found in the config
// directory.
func New(conf ServerConfig) (s *Server, err error) {
	defer func() { err = errors.Annotate(err, "dhcp: %w") }()

	err = os.MkdirAll(conf.ConfigDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	s = &Server{
		conf:      conf,
		scopes:    map[string]*Scope{},
		active:    map[string]bool{},
		listeners: map[netip.Addr]*listener{},
	}

	files, err := filepath.Glob(filepath.Join(conf.ConfigDir, "*"+scopeFileExt))
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		lerr := s.loadScopeFile(f)
		if lerr != nil {
			log.Error("dhcp: loading %s: %s", f, lerr)
		}
	}

	return s, nil
}

// loadScopeFile reads one scope file and registers the scope.
func (s *Server) loadScopeFile(path string) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	sc, err := loadScopeData(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.checkDuplicate(sc)
	if err != nil {
		return err
	}

	s.scopes[sc.Name()] = sc

	log.Info("dhcp: loaded scope %s (%s) with %d leases", sc.Name(), sc.rng, len(sc.leases))

	return nil
}

// checkDuplicate returns an error if a scope with the same name or the same
// range is already registered.  It must be called with s.mu held.
func (s *Server) checkDuplicate(sc *Scope) (err error) {
	for name, other := range s.scopes {
		if strings.EqualFold(name, sc.Name()) {
			return ErrDupName
		}

		if sc.sameRange(other) || sc.overlaps(other) {
			return fmt.Errorf("%w: %s", ErrDupRange, other.rng)
		}
	}

	return nil
}

// lookupScope finds a registered scope by name, case-insensitively.  It
// must be called with s.mu held.
func (s *Server) lookupScope(name string) (sc *Scope) {
	for n, sc := range s.scopes {
		if strings.EqualFold(n, name) {
			return sc
		}
	}

	return nil
}

// scopeSnapshot returns the registered scopes, sorted by name for stable
// iteration.
func (s *Server) scopeSnapshot() (scopes []*Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes = make([]*Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		scopes = append(scopes, sc)
	}

	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name() < scopes[j].Name() })

	return scopes
}

// Scopes returns the registered scopes.
func (s *Server) Scopes() (scopes []*Scope) {
	return s.scopeSnapshot()
}

// GetScope returns the scope with the given name, or nil.
func (s *Server) GetScope(name string) (sc *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookupScope(name)
}

// SetAuthoritativeZoneRoot wires the DNS zone store lease records are
// published into.  Passing nil disables DNS updates.
func (s *Server) SetAuthoritativeZoneRoot(store dnsupd.ZoneStore) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if store == nil {
		s.updater = nil

		return
	}

	s.updater = dnsupd.New(store, s.conf.ServerName)
}

// dnsAdd publishes a committed lease's records.
func (s *Server) dnsAdd(sc *Scope, l *Lease) {
	if l == nil || l.Hostname == "" || sc.conf.DomainName == "" {
		return
	}

	s.mu.Lock()
	u := s.updater
	s.mu.Unlock()

	err := u.Add(sc.conf.DomainName, sc.conf.DNSTTL, l.Hostname, l.IP, dnsupd.ReverseZone(sc.subnet))
	if err != nil {
		log.Error("dhcp: %s", err)
	}
}

// dnsRemove tears down a removed lease's records.
func (s *Server) dnsRemove(sc *Scope, l *Lease) {
	if l == nil || l.Hostname == "" || sc.conf.DomainName == "" {
		return
	}

	s.mu.Lock()
	u := s.updater
	s.mu.Unlock()

	err := u.Remove(sc.conf.DomainName, l.Hostname, l.IP, dnsupd.ReverseZone(sc.subnet))
	if err != nil {
		log.Error("dhcp: %s", err)
	}
}

// Start binds a listener for every enabled scope and arms the maintenance
// loop.
func (s *Server) Start() (err error) {
	defer func() { err = errors.Annotate(err, "dhcp: starting: %w") }()

	if !s.state.CompareAndSwap(stateStopped, stateRunning) {
		return ErrServerRunning
	}

	s.pool = newDispatcher(s.conf.Workers)

	s.mu.Lock()
	for _, sc := range s.scopes {
		if !sc.Enabled() {
			continue
		}

		aerr := s.acquireListener(sc.InterfaceAddr())
		if aerr != nil {
			log.Error("dhcp: activating scope %s: %s", sc.Name(), aerr)

			continue
		}

		s.active[sc.Name()] = true
	}
	s.mu.Unlock()

	s.watermark = time.Now().UTC()
	s.scheduleMaintenance()

	log.Info("dhcp: server started")

	return nil
}

// Stop halts the maintenance loop, persists dirty scopes, and closes every
// listener.
func (s *Server) Stop() (err error) {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}

	s.stopMaintenance()

	for _, sc := range s.scopeSnapshot() {
		if sc.lastModified().After(s.watermark) {
			serr := s.saveScope(sc)
			if serr != nil {
				log.Error("dhcp: persisting scope %s: %s", sc.Name(), serr)
			}
		}
	}

	s.mu.Lock()
	s.closeListeners()
	clear(s.active)
	s.mu.Unlock()

	s.pool.stop()

	s.state.Store(stateStopped)

	log.Info("dhcp: server stopped")

	return nil
}

// AddScope validates, registers, and persists a new scope.  If the server
// is running and the scope is enabled, its listener is bound immediately.
func (s *Server) AddScope(conf *ScopeConfig) (sc *Scope, err error) {
	defer func() { err = errors.Annotate(err, "dhcp: adding scope: %w") }()

	sc, err = newScope(conf)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.checkDuplicate(sc)
	if err != nil {
		return nil, err
	}

	if s.state.Load() == stateRunning && sc.Enabled() {
		err = s.acquireListener(sc.InterfaceAddr())
		if err != nil {
			return nil, err
		}

		s.active[sc.Name()] = true
	}

	s.scopes[sc.Name()] = sc

	err = s.saveScope(sc)
	if err != nil {
		log.Error("dhcp: persisting scope %s: %s", sc.Name(), err)
	}

	return sc, nil
}

// RenameScope renames a scope and its file.  The source must exist and the
// target name must be free.
func (s *Server) RenameScope(name, newName string) (err error) {
	defer func() { err = errors.Annotate(err, "dhcp: renaming scope %q: %w", name) }()

	if newName == "" {
		return errors.Error("empty new name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.lookupScope(name)
	if sc == nil {
		return ErrScopeNotFound
	}

	if dup := s.lookupScope(newName); dup != nil && dup != sc {
		return ErrDupName
	}

	oldName := sc.Name()

	sc.mu.Lock()
	sc.conf.Name = newName
	sc.markModified()
	sc.mu.Unlock()

	delete(s.scopes, oldName)
	s.scopes[newName] = sc
	if s.active[oldName] {
		delete(s.active, oldName)
		s.active[newName] = true
	}

	err = s.saveScope(sc)
	if err != nil {
		return err
	}

	err = os.Remove(s.scopeFilePath(oldName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error("dhcp: removing old scope file for %s: %s", oldName, err)
	}

	return nil
}

// DeleteScope deactivates a scope, removes it from the registry, and
// deletes its file.
func (s *Server) DeleteScope(name string) (err error) {
	defer func() { err = errors.Annotate(err, "dhcp: deleting scope %q: %w", name) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.lookupScope(name)
	if sc == nil {
		return ErrScopeNotFound
	}

	if s.active[sc.Name()] {
		s.releaseListener(sc.InterfaceAddr())
		delete(s.active, sc.Name())
	}

	delete(s.scopes, sc.Name())

	err = os.Remove(s.scopeFilePath(sc.Name()))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// EnableScope enables a scope, binds its listener when the server is
// running, and persists it.
func (s *Server) EnableScope(name string) (err error) {
	defer func() { err = errors.Annotate(err, "dhcp: enabling scope %q: %w", name) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.lookupScope(name)
	if sc == nil {
		return ErrScopeNotFound
	}

	sc.setEnabled(true)

	if s.state.Load() == stateRunning && !s.active[sc.Name()] {
		err = s.acquireListener(sc.InterfaceAddr())
		if err != nil {
			return err
		}

		s.active[sc.Name()] = true
	}

	return s.saveScope(sc)
}

// DisableScope deactivates a scope and persists it.
func (s *Server) DisableScope(name string) (err error) {
	defer func() { err = errors.Annotate(err, "dhcp: disabling scope %q: %w", name) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.lookupScope(name)
	if sc == nil {
		return ErrScopeNotFound
	}

	if s.active[sc.Name()] {
		s.releaseListener(sc.InterfaceAddr())
		delete(s.active, sc.Name())
	}

	sc.setEnabled(false)

	return s.saveScope(sc)
}

// AddressClientMap returns the hostnames of all committed leases keyed by
// their address strings.
func (s *Server) AddressClientMap() (m map[string]string) {
	m = map[string]string{}
	for _, sc := range s.scopeSnapshot() {
		for _, l := range sc.Leases() {
			m[l.IP.String()] = l.Hostname
		}
	}

	return m
}

// scopeFilePath returns the file path a scope is persisted at.
func (s *Server) scopeFilePath(name string) (path string) {
	return filepath.Join(s.conf.ConfigDir, name+scopeFileExt)
}

// saveScope writes a scope file atomically.
func (s *Server) saveScope(sc *Scope) (err error) {
	sc.mu.Lock()
	data := encodeScope(sc)
	name := sc.conf.Name
	sc.mu.Unlock()

	err = maybe.WriteFile(s.scopeFilePath(name), data, 0o644)
	if err != nil {
		return fmt.Errorf("writing scope file: %w", err)
	}

	return nil
}
