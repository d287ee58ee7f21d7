package dhcpd

import (
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// maintenancePeriod is how often expired entries are swept and dirty scopes
// are persisted.
const maintenancePeriod = 10 * time.Second

// scheduleMaintenance arms the one-shot maintenance timer.  The tick re-arms
// it itself, so ticks never overlap.
func (s *Server) scheduleMaintenance() {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	if s.state.Load() != stateRunning {
		return
	}

	s.maintTimer = time.AfterFunc(maintenancePeriod, s.onMaintenance)
}

// stopMaintenance halts the timer.  It must run before socket teardown so a
// tick doesn't race the shutdown.
func (s *Server) stopMaintenance() {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()

	if s.maintTimer != nil {
		s.maintTimer.Stop()
		s.maintTimer = nil
	}
}

// onMaintenance is one maintenance tick: sweep expired offers and leases,
// tear down DNS records of removed leases, persist scopes modified since
// the last save.
func (s *Server) onMaintenance() {
	defer s.scheduleMaintenance()

	if s.state.Load() != stateRunning {
		return
	}

	now := time.Now().UTC()
	var active int

	for _, sc := range s.scopeSnapshot() {
		sc.removeExpiredOffers(now)

		for _, l := range sc.removeExpiredLeases(now) {
			log.Debug("dhcp: scope %s: lease %s (%s) expired", sc.conf.Name, l.IP, l.HWAddr)
			s.dnsRemove(sc, l)
		}

		active += len(sc.Leases())

		if sc.lastModified().After(s.watermark) {
			err := s.saveScope(sc)
			if err != nil {
				log.Error("dhcp: persisting scope %s: %s", sc.conf.Name, err)

				// Keep the scope dirty so the next tick retries.
				sc.mu.Lock()
				sc.markModified()
				sc.mu.Unlock()
			}
		}
	}

	metricLeasesActive.Set(float64(active))

	s.watermark = now
}
