// Package iplookup implements the `ip_lookup` one-shot utility (§6, §9
// "Supplemented features"): connect to an address, complete a TLS
// handshake with certificate-chain verification disabled, and report the
// leaf certificate's common name and SPKI pin — the Go-native shape of
// `original_source/src/ip_lookup.cpp`'s `IpLookup` helper, used to
// bootstrap the `--pin`/`--hostname` flags for a new upstream before its
// verification policy can be trusted.
package iplookup

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/chrisstaite-go/dote/pin"
)

// Result is what the peer's leaf certificate revealed.
type Result struct {
	CommonName string
	Pin        pin.Pin
}

// Lookup dials addr, performs a TLS handshake with chain verification
// disabled (the original's verification is intentionally bypassed for
// this bootstrap utility), and returns the leaf certificate's CN and pin.
func Lookup(ctx context.Context, addr string, cipherSuites []uint16, timeout time.Duration) (Result, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer

	rawConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("iplookup: dialing %s: %w", addr, err)
	}
	defer rawConn.Close()

	var leaf *x509.Certificate

	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       cipherSuites,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("iplookup: peer presented no certificate")
			}

			cert, parseErr := x509.ParseCertificate(rawCerts[0])
			if parseErr != nil {
				return fmt.Errorf("iplookup: parsing leaf certificate: %w", parseErr)
			}

			leaf = cert

			return nil
		},
	}

	tlsConn := tls.Client(rawConn, cfg)
	defer tlsConn.Close()

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, timeout)
	defer handshakeCancel()

	if err = tlsConn.HandshakeContext(handshakeCtx); err != nil {
		return Result{}, fmt.Errorf("iplookup: handshake with %s: %w", addr, err)
	}

	if leaf == nil {
		return Result{}, fmt.Errorf("iplookup: %s presented no certificate", addr)
	}

	return Result{CommonName: leaf.Subject.CommonName, Pin: pin.FromCertificate(leaf)}, nil
}
