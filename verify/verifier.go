// Package verify implements the SPKI-pin + hostname verification policy
// that overrides or augments the standard TLS chain check (§4.3, §4.4),
// plus the short-lived verification cache keyed by the leaf certificate.
package verify

import (
	"crypto/x509"

	"github.com/AdguardTeam/golibs/log"

	"github.com/chrisstaite-go/dote/pin"
)

// Result is the verdict a [Policy] returns for a leaf certificate.
type Result int

const (
	// Reject means the connection must be torn down regardless of the
	// chain result.
	Reject Result = 0
	// AcceptHostname means the hostname check passed (or was not
	// configured) and the pin check was not configured; the chain
	// result, if any, is left as-is.
	AcceptHostname Result = 1
	// AcceptPinAndHostname means the configured pin matched and the
	// hostname check passed (or was not configured); this overrides a
	// failed chain to success.
	AcceptPinAndHostname Result = 2
)

// Policy is the configured verification policy for one upstream: an
// optional expected hostname and an optional SPKI pin. A Policy with both
// fields empty performs no checks of its own and always returns
// [AcceptHostname].
type Policy struct {
	// Hostname is the expected DNS name of the upstream, or "" to skip
	// hostname checking.
	Hostname string
	// Pin is the expected SPKI pin of the upstream, or the zero value to
	// skip pin checking.
	Pin pin.Pin
}

// Verify evaluates leaf against p and returns the combined verdict per
// §4.4: 2 if a pin is configured and matches and the hostname matches or
// is not configured, 1 if no pin is configured and the hostname matches
// or is not configured, 0 otherwise. A configured-but-
// failing check is logged at notice level.
func (p Policy) Verify(leaf *x509.Certificate) Result {
	hostnameOK := MatchHostname(leaf, p.Hostname)
	if p.Hostname != "" && !hostnameOK {
		log.Info("dote: verify: notice: hostname %q not matched by certificate", p.Hostname)

		return Reject
	}

	pinOK := MatchPin(leaf, p.Pin)
	if !p.Pin.IsZero() && !pinOK {
		log.Info("dote: verify: notice: spki pin mismatch for %q", p.Hostname)

		return Reject
	}

	if !p.Pin.IsZero() {
		// Pin configured and matched: this is the only case that can
		// override a failed chain, so it requires the hostname to have
		// actively matched too (or not be configured).
		return AcceptPinAndHostname
	}

	return AcceptHostname
}

// IsOverridableChainError reports whether err is one of the chain-build
// failures the engine permits a [Policy] to override (§4.3 bullet 2):
// issuer-not-found or self-signed, at any depth. Any other chain error
// (expiry, name constraints, revocation, …) is fatal regardless of the
// verifier's verdict — this allow-list must stay exact; widening it is a
// security bug (§9).
func IsOverridableChainError(err error) bool {
	if err == nil {
		return false
	}

	_, ok := err.(x509.UnknownAuthorityError)

	return ok
}
