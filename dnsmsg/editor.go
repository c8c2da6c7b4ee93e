// Package dnsmsg implements the DNS Packet Editor (§2.9, §4.8): parsing a
// TCP-framed DNS message and stripping an EDNS(0) padding option from it
// before the response is relayed back to a UDP client.
package dnsmsg

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// lengthPrefixSize is the size in bytes of the RFC 1035 TCP length
// prefix.
const lengthPrefixSize = 2

// Packet is a parsed TCP-framed DNS message: the 2-byte big-endian length
// prefix plus the unpacked message it describes.
type Packet struct {
	msg *dns.Msg

	// raw caches the last packed wire form; it is invalidated (set to
	// nil) whenever the message is mutated.
	raw []byte
}

// Frame builds the TCP DNS frame (length prefix + payload) for payload,
// as produced by the Server Ingress when it frames an incoming UDP
// datagram (§4.7).
func Frame(payload []byte) []byte {
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[lengthPrefixSize:], payload)

	return frame
}

// Parse parses a TCP-framed DNS message. It returns an error if the frame
// is too short, the length prefix does not match the remaining bytes, or
// the DNS message itself fails to unpack — all of which the caller
// should treat as a malformed/truncated datagram to be dropped silently
// per §7.
func Parse(frame []byte) (*Packet, error) {
	if !validFraming(frame) {
		return nil, fmt.Errorf("dnsmsg: invalid tcp frame of %d bytes", len(frame))
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(frame[lengthPrefixSize:]); err != nil {
		return nil, fmt.Errorf("dnsmsg: unpacking message: %w", err)
	}

	return &Packet{msg: msg, raw: frame}, nil
}

// validFraming reports whether frame's length prefix matches the number
// of bytes that follow it, and whether there is at least a DNS header's
// worth of payload.
func validFraming(frame []byte) bool {
	if len(frame) < lengthPrefixSize+headerSize {
		return false
	}

	declared := binary.BigEndian.Uint16(frame[:lengthPrefixSize])

	return int(declared) == len(frame)-lengthPrefixSize
}

// headerSize is the fixed size of a DNS message header.
const headerSize = 12

// RemoveEDNSPadding walks the Additional section for an EDNS(0) OPT
// record and, if present, strips any option with code 12 (padding) from
// its RDATA (§4.8). It returns true if a padding option was removed. The
// ARCOUNT in the header is unchanged: the OPT record itself is not
// removed, only its padding option.
func (p *Packet) RemoveEDNSPadding() (removed bool, err error) {
	opt := p.msg.IsEdns0()
	if opt == nil {
		return false, nil
	}

	kept := opt.Option[:0:0]
	for _, o := range opt.Option {
		if o.Option() == dns.EDNS0PADDING {
			removed = true

			continue
		}

		kept = append(kept, o)
	}

	if !removed {
		return false, nil
	}

	opt.Option = kept
	p.raw = nil

	return true, nil
}

// Data returns the unframed DNS payload: the wire-encoded message
// without the 2-byte TCP length prefix, suitable for emission as a UDP
// datagram to the original client (§4.8).
func (p *Packet) Data() ([]byte, error) {
	if err := p.repack(); err != nil {
		return nil, err
	}

	return p.raw[lengthPrefixSize:], nil
}

// Frame returns the TCP-framed wire form of the message: the 2-byte
// length prefix followed by the payload.
func (p *Packet) Frame() ([]byte, error) {
	if err := p.repack(); err != nil {
		return nil, err
	}

	return p.raw, nil
}

// Length returns the length of the unframed payload, as would be read
// from the TCP length prefix.
func (p *Packet) Length() (int, error) {
	if err := p.repack(); err != nil {
		return 0, err
	}

	return len(p.raw) - lengthPrefixSize, nil
}

// repack re-encodes the message into p.raw if it is stale.
func (p *Packet) repack() error {
	if p.raw != nil {
		return nil
	}

	payload, err := p.msg.Pack()
	if err != nil {
		return fmt.Errorf("dnsmsg: packing message: %w", err)
	}

	p.raw = Frame(payload)

	return nil
}

// Msg exposes the underlying parsed message for callers that need to
// inspect question/answer data beyond what this package wraps.
func (p *Packet) Msg() *dns.Msg {
	return p.msg
}
