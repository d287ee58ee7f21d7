package dhcpd

import (
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Well-known DHCP ports.
const (
	serverPort = 67
	clientPort = 68
)

// broadcastDest is where replies go when the client has no address yet.
var broadcastDest = &net.UDPAddr{IP: net.IPv4bcast, Port: clientPort}

// ipFromNet converts a wire-library IPv4 into netip form.  Invalid and
// unspecified inputs yield the zero Addr.
func ipFromNet(ip net.IP) (addr netip.Addr) {
	ip4 := ip.To4()
	if ip4 == nil || ip4.IsUnspecified() {
		return netip.Addr{}
	}

	return netip.AddrFrom4([4]byte(ip4))
}

// findScope resolves the scope a request belongs to, following RFC 2131:
// relayed requests are attributed by giaddr, renewing clients by ciaddr, and
// broadcast requests by the arrival interface.  A nil scope means no scope
// serves the request: DHCPREQUEST is answered with a NAK, every other
// message type is dropped silently.
func (s *Server) findScope(req *dhcpv4.DHCPv4, peer *net.UDPAddr, ifaceAddr netip.Addr) (sc *Scope) {
	peerIP := ipFromNet(peer.IP)
	gi := ipFromNet(req.GatewayIPAddr)
	ci := ipFromNet(req.ClientIPAddr)

	var candidate netip.Addr
	switch {
	case gi.IsValid():
		if peerIP != gi {
			return nil
		}

		candidate = gi
	case ci.IsValid():
		if peerIP != ci {
			return nil
		}

		candidate = ci
	default:
		candidate = ifaceAddr
	}

	for _, sc = range s.scopeSnapshot() {
		if !sc.Enabled() {
			continue
		}

		scIface := sc.conf.InterfaceAddr
		anyScope := !scIface.IsValid() || scIface.IsUnspecified()
		if !anyScope && scIface != ifaceAddr {
			continue
		}

		if !candidate.IsValid() || candidate.IsUnspecified() || sc.subnet.Contains(candidate) {
			return sc
		}
	}

	return nil
}

// newReply creates the base reply message for req.
func newReply(req *dhcpv4.DHCPv4, mt dhcpv4.MessageType) (resp *dhcpv4.DHCPv4, err error) {
	resp, err = dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, err
	}

	resp.UpdateOption(dhcpv4.OptMessageType(mt))

	return resp, nil
}

// newNAK builds a DHCPNAK: no address, just the message type and the server
// identifier.
func newNAK(req *dhcpv4.DHCPv4, ifaceAddr netip.Addr) (resp *dhcpv4.DHCPv4) {
	resp, err := newReply(req, dhcpv4.MessageTypeNak)
	if err != nil {
		return nil
	}

	resp.YourIPAddr = net.IPv4zero
	resp.UpdateOption(dhcpv4.OptServerIdentifier(ifaceAddr.AsSlice()))

	return resp
}

// replyDest selects the reply destination per RFC 2131 §4.1: the relay
// agent when there is one, the client's address when it has one, broadcast
// otherwise.
func replyDest(req *dhcpv4.DHCPv4) (dest *net.UDPAddr) {
	if gi := ipFromNet(req.GatewayIPAddr); gi.IsValid() {
		return &net.UDPAddr{IP: gi.AsSlice(), Port: serverPort}
	}

	if ci := ipFromNet(req.ClientIPAddr); ci.IsValid() {
		return &net.UDPAddr{IP: ci.AsSlice(), Port: clientPort}
	}

	return broadcastDest
}

// nakDest is the destination for DHCPNAK messages: always broadcast unless
// the request came through a relay agent.
func nakDest(req *dhcpv4.DHCPv4) (dest *net.UDPAddr) {
	if gi := ipFromNet(req.GatewayIPAddr); gi.IsValid() {
		return &net.UDPAddr{IP: gi.AsSlice(), Port: serverPort}
	}

	return broadcastDest
}

// sidMatches reports whether the server identifier option in req names this
// listener.  On the any-address listener the check degrades to accepting
// every identifier, since there is no single local address to compare with.
func sidMatches(req *dhcpv4.DHCPv4, ifaceAddr netip.Addr) (ok bool) {
	sid := ipFromNet(req.ServerIdentifier())
	if !sid.IsValid() {
		return false
	}

	if !ifaceAddr.IsValid() || ifaceAddr.IsUnspecified() {
		return true
	}

	return sid == ifaceAddr
}

// handleMessage is the protocol state machine entry point.  It returns the
// reply and its destination; a nil reply means the datagram is dropped.
func (s *Server) handleMessage(
	req *dhcpv4.DHCPv4,
	peer *net.UDPAddr,
	ifaceAddr netip.Addr,
) (resp *dhcpv4.DHCPv4, dest *net.UDPAddr) {
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, nil
	}

	switch mt := req.MessageType(); mt {
	case dhcpv4.MessageTypeDiscover:
		return s.handleDiscover(req, peer, ifaceAddr)
	case dhcpv4.MessageTypeRequest:
		return s.handleRequest(req, peer, ifaceAddr)
	case dhcpv4.MessageTypeDecline:
		s.handleDecline(req, peer, ifaceAddr)
	case dhcpv4.MessageTypeRelease:
		s.handleRelease(req, peer, ifaceAddr)
	case dhcpv4.MessageTypeInform:
		return s.handleInform(req, peer, ifaceAddr)
	default:
		log.Debug("dhcp: unsupported message type %d", mt)
	}

	return nil, nil
}

// handleDiscover answers a DHCPDISCOVER with a DHCPOFFER, or stays silent.
func (s *Server) handleDiscover(
	req *dhcpv4.DHCPv4,
	peer *net.UDPAddr,
	ifaceAddr netip.Addr,
) (resp *dhcpv4.DHCPv4, dest *net.UDPAddr) {
	sc := s.findScope(req, peer, ifaceAddr)
	if sc == nil {
		return nil, nil
	}

	if d := sc.conf.OfferDelay; d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}

	l, err := sc.findOffer(req)
	if err != nil {
		log.Error("dhcp: scope %s: offering to %s: %s", sc.conf.Name, req.ClientHWAddr, err)

		return nil, nil
	}

	resp, err = newReply(req, dhcpv4.MessageTypeOffer)
	if err != nil {
		log.Debug("dhcp: creating offer: %s", err)

		return nil, nil
	}

	resp.YourIPAddr = l.IP.AsSlice()
	if !sc.updateReplyOptions(req, resp, ifaceAddr, 0) {
		return nil, nil
	}

	return resp, replyDest(req)
}

// handleRequest implements the three DHCPREQUEST client states from RFC
// 2131 §4.3.2: SELECTING, INIT-REBOOT, and RENEWING/REBINDING.
func (s *Server) handleRequest(
	req *dhcpv4.DHCPv4,
	peer *net.UDPAddr,
	ifaceAddr netip.Addr,
) (resp *dhcpv4.DHCPv4, dest *net.UDPAddr) {
	sid := ipFromNet(req.ServerIdentifier())
	reqIP := ipFromNet(req.RequestedIPAddress())
	ci := ipFromNet(req.ClientIPAddr)

	var want netip.Addr
	switch {
	case sid.IsValid():
		// SELECTING: the client answers a specific server's offer.
		if !reqIP.IsValid() {
			return nil, nil
		}

		if !sidMatches(req, ifaceAddr) {
			// The client chose another server's offer.
			log.Debug("dhcp: client %s selected another server %s", req.ClientHWAddr, sid)

			return nil, nil
		}

		want = reqIP
	case reqIP.IsValid():
		// INIT-REBOOT: the client verifies a cached address.
		want = reqIP
	default:
		// RENEWING or REBINDING: the address being extended is in ciaddr.
		if !ci.IsValid() {
			return nil, nil
		}

		want = ci
	}

	sc := s.findScope(req, peer, ifaceAddr)
	if sc == nil {
		return newNAK(req, ifaceAddr), nakDest(req)
	}

	id := clientIDFromMsg(req)
	held := sc.existingLeaseOrOffer(id)
	if held == nil || held.IP != want {
		log.Debug("dhcp: scope %s: no matching binding of %s for %s", sc.conf.Name, want, req.ClientHWAddr)

		return newNAK(req, ifaceAddr), nakDest(req)
	}

	return s.commitAndAck(sc, req, id, ifaceAddr)
}

// commitAndAck commits the binding and builds the DHCPACK.
func (s *Server) commitAndAck(
	sc *Scope,
	req *dhcpv4.DHCPv4,
	id ClientID,
	ifaceAddr netip.Addr,
) (resp *dhcpv4.DHCPv4, dest *net.UDPAddr) {
	hostname := sc.resolveClientName(req)
	requested := req.IPAddressLeaseTime(0)

	l := sc.commitLease(id, hostname, requested)
	if l == nil {
		return newNAK(req, ifaceAddr), nakDest(req)
	}

	resp, err := newReply(req, dhcpv4.MessageTypeAck)
	if err != nil {
		log.Debug("dhcp: creating ack: %s", err)

		return nil, nil
	}

	resp.YourIPAddr = l.IP.AsSlice()
	if !sc.updateReplyOptions(req, resp, ifaceAddr, time.Until(l.Expiry)) {
		return nil, nil
	}

	s.dnsAdd(sc, l)

	return resp, replyDest(req)
}

// handleDecline handles a client reporting an address conflict.  The
// binding is torn down and the address is quarantined.  No reply is sent.
func (s *Server) handleDecline(req *dhcpv4.DHCPv4, peer *net.UDPAddr, ifaceAddr netip.Addr) {
	reqIP := ipFromNet(req.RequestedIPAddress())
	if !reqIP.IsValid() || !sidMatches(req, ifaceAddr) {
		return
	}

	sc := s.findScope(req, peer, ifaceAddr)
	if sc == nil {
		return
	}

	id := clientIDFromMsg(req)
	held := sc.existingLeaseOrOffer(id)
	if held == nil || held.IP != reqIP {
		return
	}

	l := sc.releaseLease(id)
	sc.markBad(reqIP)

	log.Info("dhcp: scope %s: %s declined %s", sc.conf.Name, req.ClientHWAddr, reqIP)

	s.dnsRemove(sc, l)
}

// handleRelease handles a client returning its address.  No reply is sent.
func (s *Server) handleRelease(req *dhcpv4.DHCPv4, peer *net.UDPAddr, ifaceAddr netip.Addr) {
	ci := ipFromNet(req.ClientIPAddr)
	if !ci.IsValid() || !sidMatches(req, ifaceAddr) {
		return
	}

	sc := s.findScope(req, peer, ifaceAddr)
	if sc == nil {
		return
	}

	id := clientIDFromMsg(req)
	held := sc.existingLeaseOrOffer(id)
	if held == nil || held.IP != ci {
		return
	}

	l := sc.releaseLease(id)

	log.Info("dhcp: scope %s: %s released %s", sc.conf.Name, req.ClientHWAddr, ci)

	s.dnsRemove(sc, l)
}

// handleInform answers a DHCPINFORM with the scope's option set and no
// address assignment.
func (s *Server) handleInform(
	req *dhcpv4.DHCPv4,
	peer *net.UDPAddr,
	ifaceAddr netip.Addr,
) (resp *dhcpv4.DHCPv4, dest *net.UDPAddr) {
	sc := s.findScope(req, peer, ifaceAddr)
	if sc == nil {
		return nil, nil
	}

	resp, err := newReply(req, dhcpv4.MessageTypeAck)
	if err != nil {
		log.Debug("dhcp: creating inform ack: %s", err)

		return nil, nil
	}

	resp.YourIPAddr = net.IPv4zero
	if !sc.updateReplyOptions(req, resp, ifaceAddr, 0) {
		return nil, nil
	}

	return resp, replyDest(req)
}
