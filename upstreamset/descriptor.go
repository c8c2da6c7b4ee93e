// Package upstreamset implements the upstream descriptor, the ordered
// upstream set with rotate-on-failure semantics, and the TLS options each
// descriptor carries (§2.5, §3).
package upstreamset

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/dnsstamps"

	"github.com/chrisstaite-go/dote/pin"
)

// DefaultTimeout is the per-upstream deadline used when a descriptor does
// not specify one (§6 CLI surface, `timeout` default).
const DefaultTimeout = 5 * time.Second

// Descriptor is the immutable configuration of one upstream DoT
// resolver (§3 "Upstream descriptor"). Once constructed it is never
// mutated; [Set] reorders descriptors by replacing the slice, never the
// values.
type Descriptor struct {
	// RemoteAddr is the upstream's IP:port, either address family.
	RemoteAddr string
	// ExpectedHostname is checked against the leaf certificate, or ""
	// to skip hostname checking.
	ExpectedHostname string
	// Pin is the expected SPKI pin, or the zero value to skip pin
	// checking.
	Pin pin.Pin
	// DisablePKI bypasses the standard certificate chain check; the
	// decision then rests entirely on Pin and ExpectedHostname.
	DisablePKI bool
	// Timeout is this upstream's connect/handshake/IO deadline.
	Timeout time.Duration
}

// NewDescriptor validates and builds a Descriptor. remoteAddr must be a
// valid "host:port" literal. At least one of Pin, ExpectedHostname, or
// disablePKI must be set, matching the invariant in §3; a descriptor with
// none of the three is rejected. disablePKI with neither pin nor hostname
// is accepted (an always-trust configuration), since disablePKI alone
// already states intent.
func NewDescriptor(
	remoteAddr, expectedHostname, pinB64 string,
	disablePKI bool,
	timeout time.Duration,
) (d Descriptor, err error) {
	if _, _, err = netutil.SplitHostPort(remoteAddr); err != nil {
		return d, fmt.Errorf("upstreamset: invalid remote address %q: %w", remoteAddr, err)
	}

	var p pin.Pin
	if pinB64 != "" {
		p, err = pin.Decode(pinB64)
		if err != nil {
			return d, fmt.Errorf("upstreamset: invalid pin for %q: %w", remoteAddr, err)
		}
	}

	if !disablePKI && expectedHostname == "" && p.IsZero() {
		return d, fmt.Errorf(
			"upstreamset: %q needs a hostname, a pin, or disable_pki",
			remoteAddr,
		)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return Descriptor{
		RemoteAddr:       remoteAddr,
		ExpectedHostname: expectedHostname,
		Pin:              p,
		DisablePKI:       disablePKI,
		Timeout:          timeout,
	}, nil
}

// FromStamp builds a Descriptor from an "sdns://" DNS stamp restricted to
// the DoT protocol, recovering the server address, provider name
// (hostname), and the stamp's first hash as the pin when it is [pin.Size]
// bytes long; further hashes are ignored. This is a supplemental
// convenience over the raw `forwarder`/`hostname`/`pin` flags
// (SPEC_FULL.md "DOMAIN STACK"); package config does not call it.
func FromStamp(stamp string, timeout time.Duration) (d Descriptor, err error) {
	s, err := dnsstamps.NewServerStampFromString(stamp)
	if err != nil {
		return d, fmt.Errorf("upstreamset: parsing stamp: %w", err)
	}

	if s.Proto != dnsstamps.StampProtoTypeTLS {
		return d, fmt.Errorf("upstreamset: stamp protocol %v is not DNS-over-TLS", s.Proto)
	}

	addr := s.ServerAddrStr
	if _, _, err = netutil.SplitHostPort(addr); err != nil {
		addr = netutil.JoinHostPort(addr, 853)
	}

	var p pin.Pin
	if len(s.Hashes) > 0 && len(s.Hashes[0]) == pin.Size {
		copy(p[:], s.Hashes[0])
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return Descriptor{
		RemoteAddr:       addr,
		ExpectedHostname: s.ProviderName,
		Pin:              p,
		Timeout:          timeout,
	}, nil
}

// sameAddr reports whether two descriptors refer to the same upstream,
// the matching rule [Set.MarkBad] uses (§3 "matched by address
// equality").
func sameAddr(a, b Descriptor) bool {
	return a.RemoteAddr == b.RemoteAddr
}
