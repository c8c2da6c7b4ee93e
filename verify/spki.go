package verify

import (
	"crypto/x509"

	"github.com/chrisstaite-go/dote/pin"
)

// MatchPin reports whether cert's SubjectPublicKeyInfo hashes to want. A
// zero want always matches, meaning "do not check the pin" (§4.4).
func MatchPin(cert *x509.Certificate, want pin.Pin) bool {
	if want.IsZero() {
		return true
	}

	return pin.FromCertificate(cert).Equal(want)
}
