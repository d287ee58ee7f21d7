// On-disk codec for scope files.  The layout is little-endian and fixed:
// running deployments upgrade in place, so the field order below must not
// change.

package dhcpd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// scopeFileExt is the extension of per-scope state files in the config
// directory.
const scopeFileExt = ".scope"

// errTruncated is returned when a scope file ends before all fields are
// read.
const errTruncated errors.Error = "unexpected end of scope file"

// scopeWriter serializes scope fields in file order.
type scopeWriter struct {
	buf bytes.Buffer
}

func (w *scopeWriter) writeUint8(v uint8)   { w.buf.WriteByte(v) }
func (w *scopeWriter) writeUint32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *scopeWriter) writeInt64(v int64)   { _ = binary.Write(&w.buf, binary.LittleEndian, v) }

func (w *scopeWriter) writeUint16(v uint16) {
	_ = binary.Write(&w.buf, binary.LittleEndian, v)
}

func (w *scopeWriter) writeBool(v bool) {
	if v {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
}

// writeAddr writes an IPv4 address as four bytes.  Invalid addresses are
// written as 0.0.0.0.
func (w *scopeWriter) writeAddr(ip netip.Addr) {
	if !ip.IsValid() {
		w.buf.Write([]byte{0, 0, 0, 0})

		return
	}

	b := ip.As4()
	w.buf.Write(b[:])
}

func (w *scopeWriter) writeString(s string) {
	w.writeUint16(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *scopeWriter) writeShortBytes(b []byte) {
	w.writeUint8(uint8(len(b)))
	w.buf.Write(b)
}

// scopeReader deserializes scope fields in file order.
type scopeReader struct {
	data []byte
	err  error
}

func (r *scopeReader) take(n int) (b []byte) {
	if r.err != nil {
		return nil
	}

	if len(r.data) < n {
		r.err = errTruncated

		return nil
	}

	b, r.data = r.data[:n], r.data[n:]

	return b
}

func (r *scopeReader) readUint8() (v uint8) {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *scopeReader) readBool() (v bool) { return r.readUint8() != 0 }

func (r *scopeReader) readUint16() (v uint16) {
	b := r.take(2)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint16(b)
}

func (r *scopeReader) readUint32() (v uint32) {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return binary.LittleEndian.Uint32(b)
}

func (r *scopeReader) readInt64() (v int64) {
	b := r.take(8)
	if b == nil {
		return 0
	}

	return int64(binary.LittleEndian.Uint64(b))
}

func (r *scopeReader) readAddr() (ip netip.Addr) {
	b := r.take(4)
	if b == nil {
		return netip.Addr{}
	}

	// 0.0.0.0 encodes "unset" for optional address fields.
	return netip.AddrFrom4([4]byte(b))
}

func (r *scopeReader) readString() (s string) {
	n := int(r.readUint16())
	b := r.take(n)
	if b == nil {
		return ""
	}

	return string(b)
}

func (r *scopeReader) readShortBytes() (b []byte) {
	n := int(r.readUint8())

	return bytes.Clone(r.take(n))
}

// encodeScope serializes the scope configuration and its committed leases.
// It must be called with sc.mu held.
func encodeScope(sc *Scope) (data []byte) {
	w := &scopeWriter{}

	c := &sc.conf

	w.writeString(c.Name)
	w.writeBool(c.Enabled)
	w.writeAddr(c.RangeStart)
	w.writeAddr(c.RangeEnd)
	w.writeAddr(c.SubnetMask)
	w.writeAddr(c.Router)
	w.writeAddr(c.InterfaceAddr)
	w.writeUint32(c.LeaseDuration)
	w.writeUint32(c.OfferDelay)
	w.writeBool(c.PingTimeout != 0)
	w.writeUint32(c.PingTimeout)
	w.writeString(c.DomainName)
	w.writeUint32(c.DNSTTL)

	w.writeUint16(uint16(len(c.DNSServers)))
	for _, ip := range c.DNSServers {
		w.writeAddr(ip)
	}

	w.writeUint16(uint16(len(c.NTPServers)))
	for _, ip := range c.NTPServers {
		w.writeAddr(ip)
	}

	w.writeUint16(uint16(len(c.Exclusions)))
	for _, e := range c.Exclusions {
		w.writeAddr(e.Start)
		w.writeAddr(e.End)
	}

	w.writeUint16(uint16(len(c.Reservations)))
	for _, rsv := range c.Reservations {
		w.writeShortBytes([]byte(rsv.ClientID))
		w.writeAddr(rsv.IP)
		w.writeString(rsv.Hostname)
	}

	w.writeUint32(uint32(len(sc.leases)))
	for _, l := range sc.leases {
		w.writeShortBytes([]byte(l.ClientID))
		w.writeUint8(l.HWType)
		w.writeShortBytes(l.HWAddr)
		w.writeAddr(l.IP)
		w.writeString(l.Hostname)
		w.writeInt64(l.Obtained.Unix())
		w.writeInt64(l.Expiry.Unix())
		w.writeUint8(uint8(l.Type))
	}

	w.writeUint16(uint16(len(c.VendorClassFilter)))
	for _, vc := range c.VendorClassFilter {
		w.writeString(vc)
	}

	return w.buf.Bytes()
}

// decodeScope parses a scope file into its configuration and committed
// leases.
func decodeScope(data []byte) (conf *ScopeConfig, leases []*Lease, err error) {
	defer func() { err = errors.Annotate(err, "decoding scope file: %w") }()

	r := &scopeReader{data: data}
	conf = &ScopeConfig{}

	conf.Name = r.readString()
	conf.Enabled = r.readBool()
	conf.RangeStart = r.readAddr()
	conf.RangeEnd = r.readAddr()
	conf.SubnetMask = r.readAddr()
	conf.Router = r.readAddr()
	conf.InterfaceAddr = r.readAddr()
	conf.LeaseDuration = r.readUint32()
	conf.OfferDelay = r.readUint32()
	pingEnabled := r.readBool()
	conf.PingTimeout = r.readUint32()
	if !pingEnabled {
		conf.PingTimeout = 0
	}
	conf.DomainName = r.readString()
	conf.DNSTTL = r.readUint32()

	for range int(r.readUint16()) {
		conf.DNSServers = append(conf.DNSServers, r.readAddr())
	}

	for range int(r.readUint16()) {
		conf.NTPServers = append(conf.NTPServers, r.readAddr())
	}

	for range int(r.readUint16()) {
		conf.Exclusions = append(conf.Exclusions, AddrRange{
			Start: r.readAddr(),
			End:   r.readAddr(),
		})
	}

	for range int(r.readUint16()) {
		conf.Reservations = append(conf.Reservations, Reservation{
			ClientID: ClientID(r.readShortBytes()),
			IP:       r.readAddr(),
			Hostname: r.readString(),
		})
	}

	for range int(r.readUint32()) {
		l := &Lease{
			ClientID: ClientID(r.readShortBytes()),
			HWType:   r.readUint8(),
			HWAddr:   r.readShortBytes(),
			IP:       r.readAddr(),
			Hostname: r.readString(),
		}
		l.Obtained = time.Unix(r.readInt64(), 0).UTC()
		l.Expiry = time.Unix(r.readInt64(), 0).UTC()
		l.Type = LeaseType(r.readUint8())

		leases = append(leases, l)
	}

	// The vendor-class filter trails the required fields; files written by
	// older versions simply end here.
	if len(r.data) > 0 {
		for range int(r.readUint16()) {
			conf.VendorClassFilter = append(conf.VendorClassFilter, r.readString())
		}
	}

	if r.err != nil {
		return nil, nil, r.err
	}

	return conf, leases, nil
}

// loadScopeData builds a live scope from the contents of a scope file.
func loadScopeData(data []byte) (sc *Scope, err error) {
	conf, leases, err := decodeScope(data)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	sc, err = newScope(conf)
	if err != nil {
		return nil, fmt.Errorf("scope file: %w", err)
	}

	for _, l := range leases {
		if !sc.inRange(l.IP) && sc.reservedIPs[l.IP] != l.ClientID {
			continue
		}

		sc.leases[l.ClientID] = l
		sc.ipIndex[l.IP] = l
	}

	return sc, nil
}
