package verify

import (
	"crypto/x509"
	"strings"
)

// names returns the DNS names to match against: the certificate's DNS
// SANs if any are present, otherwise a single-element slice with the
// leaf's CommonName, matching the fallback the original DoTe verifier
// uses when a certificate predates the SAN requirement.
func names(cert *x509.Certificate) []string {
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames
	}

	if cert.Subject.CommonName != "" {
		return []string{cert.Subject.CommonName}
	}

	return nil
}

// MatchHostname reports whether host satisfies one of cert's DNS names
// (SAN, or CN as a fallback). An empty configured host always matches,
// meaning "do not check hostname" (§4.4).
func MatchHostname(cert *x509.Certificate, host string) bool {
	if host == "" {
		return true
	}

	if strings.ContainsRune(host, 0) {
		return false
	}

	host = strings.ToLower(host)

	for _, name := range names(cert) {
		if matchName(name, host) {
			return true
		}
	}

	return false
}

// matchName reports whether host matches the certificate name pattern,
// which may carry a single leading "*." wildcard label.
func matchName(pattern, host string) bool {
	if strings.ContainsRune(pattern, 0) {
		return false
	}

	pattern = strings.ToLower(pattern)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}

	// A wildcard is only honoured when the certificate name itself has at
	// least two dots (the part after "*." still contains one), i.e. "*.com"
	// never matches anything but "*.domain.com" does. This mirrors the
	// anti-overreach rule in §4.4.
	rest := pattern[2:]
	if strings.Count(rest, ".") < 1 {
		return false
	}

	hostLabel, hostRest, ok := strings.Cut(host, ".")
	if !ok || hostLabel == "" {
		return false
	}

	return hostRest == rest
}
