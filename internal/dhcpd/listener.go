package dhcpd

import (
	"net"
	"net/netip"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// recvBufLen is the receive buffer size.  Inbound DHCP messages fit into the
// RFC 2131 minimum of 576 bytes.
const recvBufLen = 576

// listener is one bound UDP socket.  Scopes sharing an interface address,
// most notably the unspecified "any" address, share a listener through the
// reference count.  refs is guarded by the server's registry mutex together
// with bind and close, so concurrent activate/deactivate can't tear a
// listener down while another scope still counts on it.
type listener struct {
	conn *net.UDPConn
	addr netip.Addr
	refs int
}

// acquireListener binds a socket for addr, or takes another reference to an
// existing one.  It must be called with s.mu held.
func (s *Server) acquireListener(addr netip.Addr) (err error) {
	if l, ok := s.listeners[addr]; ok {
		l.refs++

		return nil
	}

	laddr := &net.UDPAddr{IP: addr.AsSlice(), Port: serverPort}
	conn, err := server4.NewIPv4UDPConn("", laddr)
	if err != nil {
		return errors.Annotate(err, "binding %s: %w", laddr)
	}

	l := &listener{
		conn: conn,
		addr: addr,
		refs: 1,
	}
	s.listeners[addr] = l

	go s.serve(l)

	log.Info("dhcp: listening on %s", laddr)

	return nil
}

// releaseListener drops one reference to the listener for addr and closes
// the socket once the last scope lets go.  It must be called with s.mu
// held.
func (s *Server) releaseListener(addr netip.Addr) {
	l, ok := s.listeners[addr]
	if !ok {
		return
	}

	l.refs--
	if l.refs > 0 {
		return
	}

	delete(s.listeners, addr)
	if err := l.conn.Close(); err != nil {
		log.Debug("dhcp: closing listener %s: %s", addr, err)
	}
}

// closeListeners tears down every bound socket.  It must be called with
// s.mu held.
func (s *Server) closeListeners() {
	for addr, l := range s.listeners {
		delete(s.listeners, addr)
		if err := l.conn.Close(); err != nil {
			log.Debug("dhcp: closing listener %s: %s", addr, err)
		}
	}
}

// serve is the receive loop of one listener.  Every accepted datagram is
// handed to the worker pool so the loop itself never blocks on protocol
// work.  A single hostile or malformed datagram must never take the loop
// down.
func (s *Server) serve(l *listener) {
	buf := make([]byte, recvBufLen)
	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Debug("dhcp: listener %s closed", l.addr)

				return
			}

			// ICMP unreachable feedback and friends surface here as
			// transient errors on some platforms.  Swallow them.
			log.Debug("dhcp: listener %s: reading: %s", l.addr, err)

			continue
		}

		if peer.Port != serverPort && peer.Port != clientPort {
			continue
		}

		metricPacketsReceived.Inc()

		data := slices.Clone(buf[:n])
		submitted := s.pool.submit(func() {
			s.handleDatagram(data, peer, l)
		})
		if !submitted {
			metricPacketsDropped.Inc()
		}
	}
}

// handleDatagram decodes and dispatches one datagram and sends the reply,
// if any.
func (s *Server) handleDatagram(data []byte, peer *net.UDPAddr, l *listener) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("dhcp: recovered from panic while handling a datagram: %v", v)
		}
	}()

	req, err := dhcpv4.FromBytes(data)
	if err != nil {
		metricPacketsDropped.Inc()
		log.Debug("dhcp: dropping malformed datagram from %s: %s", peer, err)

		return
	}

	resp, dest := s.handleMessage(req, peer, l.addr)
	if resp == nil {
		return
	}

	_, err = l.conn.WriteToUDP(resp.ToBytes(), dest)
	if err != nil {
		log.Error("dhcp: sending %s to %s: %s", resp.MessageType(), dest, err)

		return
	}

	metricRepliesSent.Inc()
}
