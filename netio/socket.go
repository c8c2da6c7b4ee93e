// Package netio implements the Socket component (§2.1, §4.2): endpoint
// construction for both UDP and TCP, and packet-info ancillary data so a
// UDP listener can recover the destination address and arrival interface
// of each datagram, and pin the reply to the same interface.
//
// Go's net package already gives every socket non-blocking semantics
// (operations block the calling goroutine, never an OS thread, and carry
// a SetDeadline knob); this package adds only the packet-info plumbing
// the standard library does not expose directly, via
// golang.org/x/net/ipv4 and golang.org/x/net/ipv6, following the same
// pattern beacon's UDPv4Transport uses for IP_PKTINFO/IP_RECVIF.
package netio

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrTruncated is returned by [PacketConn.ReadFrom] when a datagram
// arrived larger than maxDatagram. Neither `golang.org/x/net/ipv4` nor
// `ipv6` surfaces the kernel's MSG_TRUNC flag through PacketConn.ReadFrom,
// so truncation is detected the way recvfrom(2) callers without access to
// the flag conventionally do: a read that exactly fills the buffer means
// the kernel had more to deliver and silently dropped the remainder.
var ErrTruncated = errors.New("netio: datagram truncated (MSG_TRUNC)")

// PacketConn is a UDP endpoint with optional packet-info ancillary data.
type PacketConn struct {
	conn net.PacketConn

	v4 *ipv4.PacketConn
	v6 *ipv6.PacketConn
}

// ListenUDP binds a UDP socket to addr (either address family) and
// enables packet-info ancillary data on it, so [PacketConn.ReadFrom] can
// recover the original destination address and interface (§4.7).
func ListenUDP(addr string) (*PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listening on %s: %w", addr, err)
	}

	pc := &PacketConn{conn: conn}

	if isIPv6(addr) {
		pc.v6 = ipv6.NewPacketConn(conn)
		// Best-effort: control messages are not available on every
		// platform (e.g. Windows); ReadFrom degrades to ifIndex=0 when
		// they are unavailable, which is the interface-unknown case
		// §4.7 already tolerates.
		_ = pc.v6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	} else {
		pc.v4 = ipv4.NewPacketConn(conn)
		_ = pc.v4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
	}

	return pc, nil
}

func isIPv6(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip, err := netip.ParseAddr(host)

	return err == nil && ip.Is6() && !ip.Is4In6()
}

// LocalAddr returns the socket's bound address.
func (pc *PacketConn) LocalAddr() net.Addr {
	return pc.conn.LocalAddr()
}

// Datagram is one received UDP datagram plus its recovered routing
// information (§3 "Pending query").
type Datagram struct {
	Payload    []byte
	ClientAddr net.Addr
	// LocalAddr is the destination address the datagram arrived on, or
	// nil if packet-info was unavailable.
	LocalAddr net.IP
	// IfIndex is the arrival interface index, or 0 if unknown.
	IfIndex int
}

// maxDatagram is 512 bytes (the classic DNS/UDP limit) plus a 2-byte
// reserve, matching §4.7's receive-buffer sizing ("receive one datagram
// up to 512 bytes + 2-byte reserve; reject if MSG_TRUNC").
const maxDatagram = 512 + 2

// ReadFrom reads one datagram, recovering the destination address and
// interface index when packet-info is enabled. It rejects truncated
// datagrams (§4.7 "reject if MSG_TRUNC") by returning [ErrTruncated]; the
// caller is responsible for dropping the query silently and logging at
// notice level (§4.7's ingress contract), since this package has no
// opinion on log levels.
func (pc *PacketConn) ReadFrom() (Datagram, error) {
	buf := make([]byte, maxDatagram)

	if pc.v6 != nil {
		n, cm, src, err := pc.v6.ReadFrom(buf)
		if err != nil {
			return Datagram{}, fmt.Errorf("netio: reading datagram: %w", err)
		}

		if n == len(buf) {
			return Datagram{}, fmt.Errorf("netio: reading datagram from %s: %w", src, ErrTruncated)
		}

		d := Datagram{Payload: buf[:n], ClientAddr: src}
		if cm != nil {
			d.LocalAddr = cm.Dst
			d.IfIndex = cm.IfIndex
		}

		return d, nil
	}

	n, cm, src, err := pc.v4.ReadFrom(buf)
	if err != nil {
		return Datagram{}, fmt.Errorf("netio: reading datagram: %w", err)
	}

	if n == len(buf) {
		return Datagram{}, fmt.Errorf("netio: reading datagram from %s: %w", src, ErrTruncated)
	}

	d := Datagram{Payload: buf[:n], ClientAddr: src}
	if cm != nil {
		d.LocalAddr = cm.Dst
		d.IfIndex = cm.IfIndex
	}

	return d, nil
}

// WriteTo sends payload to dst. When localAddr/ifIndex are non-zero and
// packet-info is enabled, the outgoing datagram's source address and
// egress interface are pinned to them, so multi-homed hosts reply out
// the interface the query arrived on (§4.6 "Response emission").
func (pc *PacketConn) WriteTo(payload []byte, dst net.Addr, localAddr net.IP, ifIndex int) error {
	if pc.v6 != nil {
		var cm *ipv6.ControlMessage
		if localAddr != nil || ifIndex != 0 {
			cm = &ipv6.ControlMessage{Src: localAddr, IfIndex: ifIndex}
		}

		_, err := pc.v6.WriteTo(payload, cm, dst)

		return wrapWriteErr(err)
	}

	var cm *ipv4.ControlMessage
	if localAddr != nil || ifIndex != 0 {
		cm = &ipv4.ControlMessage{Src: localAddr, IfIndex: ifIndex}
	}

	_, err := pc.v4.WriteTo(payload, cm, dst)

	return wrapWriteErr(err)
}

func wrapWriteErr(err error) error {
	if err != nil {
		return fmt.Errorf("netio: writing datagram: %w", err)
	}

	return nil
}

// Close closes the underlying socket.
func (pc *PacketConn) Close() error {
	return pc.conn.Close()
}

// DialTimeout opens a non-blocking TCP connection to addr, for the
// Forwarder Connection's upstream socket (§2.2 "construction from…
// connect to address"). A zero timeout means no dial deadline.
func DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}

	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dialing %s: %w", addr, err)
	}

	return conn, nil
}
