// Package tlsconn implements the TLS Session component (§2.3, §4.3): a
// single TLS connection bound to one non-blocking socket, driven to
// completion through the verification routing policy in package verify.
//
// Go's crypto/tls already contains the non-blocking, memory-buffer-driven
// handshake state machine the original OpenSSL BIO code hand-rolled: a
// *tls.Conn reads and writes through the net.Conn it wraps exactly like
// the spec's wrapped-BIO engine, just without exposing the intermediate
// NeedRead/NeedWrite steps. This package therefore drives the handshake
// with HandshakeContext (the deadline is enforced by the caller via
// context, §4.5) and maps the single resulting error into the spec's
// {Success, Closed, Fatal} outcomes — NeedRead/NeedWrite do not surface
// at this layer because the stdlib already performs that stepping
// internally during the one blocking call.
package tlsconn

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/chrisstaite-go/dote/upstreamset"
	"github.com/chrisstaite-go/dote/verify"
)

// Result is the outcome of a [Session] operation (§4.3).
type Result int

const (
	// Success means the operation completed normally.
	Success Result = iota
	// Closed means the peer closed the connection (EOF, or a repeated
	// call on an already-closed session).
	Closed
	// Fatal means the operation failed unrecoverably; the caller must
	// mark the upstream bad and tear the connection down.
	Fatal
)

// readBufSize is the fixed stack-sized read buffer, up to 16 KiB per
// call (§3 "TLS Session").
const readBufSize = 16 * 1024

// Context holds the state shared by every [Session] dialed against one
// upstream set: the single-slot ticket-resumption cache and the
// verification chain cache, plus the cipher suite policy (§6 "TLS").
type Context struct {
	Tickets *TicketCache
	Chain   *verify.ChainCache

	// CipherSuites restricts the negotiated TLS 1.2 cipher list; nil
	// uses Go's own modern, AEAD/PFS-preferring default (§6).
	CipherSuites []uint16

	// roots overrides the system certificate pool; nil uses it.
	roots *x509.CertPool
}

// NewContext returns a Context with a fresh ticket cache and a
// chain-verification cache with the given TTL (zero uses
// [verify.DefaultCacheTTL]).
func NewContext(cipherSuites []uint16, chainCacheTTL time.Duration) *Context {
	return &Context{
		Tickets:      NewTicketCache(),
		Chain:        verify.NewChainCache(chainCacheTTL),
		CipherSuites: cipherSuites,
	}
}

// Session wraps one TLS connection bound to one upstream descriptor.
type Session struct {
	conn   net.Conn
	tlsCnn *tls.Conn
	ctx    *Context
	desc   upstreamset.Descriptor
}

// New builds a Session for conn against desc, using ctx's shared caches
// and cipher policy. The handshake itself is driven by [Session.Connect].
func New(ctx *Context, conn net.Conn, desc upstreamset.Descriptor) *Session {
	s := &Session{conn: conn, ctx: ctx, desc: desc}

	cfg := &tls.Config{
		ServerName: serverNameFor(desc),
		MinVersion: tls.VersionTLS12,
		MaxVersion: 0, // library maximum; TLS 1.3 included

		// Chain verification is always performed by hand in
		// verifyPeerCertificate so that a chain failure in the
		// overridable allow-list (§4.3 bullet 2) can still be rescued
		// by the SPKI/hostname policy. Go's stdlib would otherwise
		// abort the handshake before ever invoking the callback.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: s.verifyPeerCertificate,

		CipherSuites:           ctx.CipherSuites,
		ClientSessionCache:     ctx.Tickets,
		SessionTicketsDisabled: false,
	}

	s.tlsCnn = tls.Client(conn, cfg)

	return s
}

// serverNameFor returns the SNI name to present: the configured expected
// hostname if any, otherwise the bare host from the remote address.
func serverNameFor(desc upstreamset.Descriptor) string {
	if desc.ExpectedHostname != "" {
		return desc.ExpectedHostname
	}

	host, _, err := net.SplitHostPort(desc.RemoteAddr)
	if err != nil {
		return desc.RemoteAddr
	}

	return host
}

// Connect drives the TLS handshake to completion. On Success a session
// ticket, if the peer issued one, is already cached by ctx.Tickets (wired
// as the config's ClientSessionCache); on Fatal the ticket cache is
// invalidated (§4.3).
func (s *Session) Connect(ctx context.Context) (Result, error) {
	err := s.tlsCnn.HandshakeContext(ctx)
	if err == nil {
		return Success, nil
	}

	s.ctx.Tickets.Invalidate()

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return Closed, err
	}

	return Fatal, fmt.Errorf("tlsconn: handshake with %s: %w", s.desc.RemoteAddr, err)
}

// Write sends buf over the session. An empty buf is a documented no-op
// returning Success without touching the underlying connection (§4.3
// "write is undefined when given an empty buffer").
func (s *Session) Write(buf []byte) (Result, error) {
	if len(buf) == 0 {
		return Success, nil
	}

	_, err := s.tlsCnn.Write(buf)

	return classifyIOErr(err)
}

// Read reads up to readBufSize bytes and returns them as a freshly
// allocated slice. A zero-length successful read maps to Closed (§4.3).
func (s *Session) Read() (Result, []byte, error) {
	var buf [readBufSize]byte

	n, err := s.tlsCnn.Read(buf[:])
	if n == 0 && err == nil {
		return Closed, nil, nil
	}

	if n > 0 {
		// Data arrived alongside an error (e.g. EOF after the last
		// record): hand back what we have; the caller will see the
		// error on the next call.
		return Success, bytes.Clone(buf[:n]), nil
	}

	res, classified := classifyIOErr(err)

	return res, nil, classified
}

// Shutdown closes the TLS session. It is idempotent-safe: repeated calls
// on an already-closed session return Closed or Success, never Fatal
// (§4.3).
func (s *Session) Shutdown() (Result, error) {
	err := s.tlsCnn.Close()
	if err == nil {
		return Success, nil
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return Closed, nil
	}

	return Closed, nil
}

// classifyIOErr maps a Read/Write error to a Result.
func classifyIOErr(err error) (Result, error) {
	if err == nil {
		return Success, nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return Closed, err
	}

	return Fatal, err
}

// verifyPeerCertificate implements the §4.3 routing between the chain
// build and the SPKI/hostname policy.
func (s *Session) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("tlsconn: parsing peer certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return errNoPeerCertificate
	}

	leaf := certs[0]

	policy := verify.Policy{Hostname: s.desc.ExpectedHostname, Pin: s.desc.Pin}
	verdict := policy.Verify(leaf)

	if s.desc.DisablePKI {
		if verdict == verify.Reject {
			return errRejectedByPolicy
		}

		return nil
	}

	chainOK, chainErr := s.ctx.Chain.Verify(leaf, func() error { return verifyChain(s.ctx.roots, leaf, certs[1:]) })

	if !chainOK && !verify.IsOverridableChainError(chainErr) {
		return fmt.Errorf("tlsconn: chain verification: %w", chainErr)
	}

	switch verdict {
	case verify.Reject:
		return errRejectedByPolicy
	case verify.AcceptPinAndHostname:
		// Overrides a failed chain to success; a successful chain
		// stays successful.
		return nil
	default: // AcceptHostname
		// Leaves the chain result unchanged.
		if chainOK {
			return nil
		}

		return fmt.Errorf("tlsconn: chain verification: %w", chainErr)
	}
}

var (
	errNoPeerCertificate = fmt.Errorf("tlsconn: peer presented no certificate")
	errRejectedByPolicy  = fmt.Errorf("tlsconn: rejected by verification policy")
)

// verifyChain performs the standard chain build against roots, or the
// system root pool when roots is nil, logged at notice level on failure
// (§7).
func verifyChain(roots *x509.CertPool, leaf *x509.Certificate, rest []*x509.Certificate) error {
	var err error
	if roots == nil {
		roots, err = x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
	}

	inter := x509.NewCertPool()
	for _, c := range rest {
		inter.AddCert(c)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		log.Info("dote: tlsconn: notice: chain verification failed for %q: %s", leaf.Subject.CommonName, err)
	}

	return err
}
