// Package pin implements the small encoding helpers used to configure and
// compare SPKI pins: SHA-256 over a certificate's DER-encoded
// SubjectPublicKeyInfo, and the Base64 transport encoding used on the CLI.
//
// There is no third-party library in the teacher's dependency set (or the
// rest of the example pack) that offers anything beyond what crypto/sha256
// and encoding/base64 already do for a 32-byte digest, so this package is
// stdlib-only by design; see DESIGN.md.
package pin

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Size is the length in bytes of a pin: a raw SHA-256 digest.
const Size = sha256.Size

// Pin is the raw SHA-256 digest of a leaf certificate's DER-encoded
// SubjectPublicKeyInfo.
type Pin [Size]byte

// FromCertificate computes the pin of cert's SubjectPublicKeyInfo.
func FromCertificate(cert *x509.Certificate) (p Pin) {
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo)
}

// Decode parses the standard Base64 encoding of a pin produced by
// [Pin.String]. It returns an error if s does not decode to exactly [Size]
// bytes.
func Decode(s string) (p Pin, err error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("decoding pin: %w", err)
	}

	if len(b) != Size {
		return p, fmt.Errorf("decoding pin: want %d bytes, got %d", Size, len(b))
	}

	copy(p[:], b)

	return p, nil
}

// String returns the standard Base64 encoding of p, matching the format
// produced by the upstream TLS tooling this proxy pins against.
func (p Pin) String() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

// Equal reports whether p and other are the same pin.
func (p Pin) Equal(other Pin) bool {
	return p == other
}

// IsZero reports whether p is the zero value, used to represent "no pin
// configured".
func (p Pin) IsZero() bool {
	return p == Pin{}
}
