package verify_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisstaite-go/dote/pin"
	"github.com/chrisstaite-go/dote/verify"
)

func selfSigned(t *testing.T, cn string, sans []string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     sans,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert
}

func TestMatchHostname_wildcard(t *testing.T) {
	cert := selfSigned(t, "*.example.com", nil)

	assert.True(t, verify.MatchHostname(cert, "www.example.com"))
	assert.False(t, verify.MatchHostname(cert, "example.com"))
	assert.False(t, verify.MatchHostname(cert, "a.b.example.com"))
	assert.True(t, verify.MatchHostname(cert, "www.EXAMPLE.com"))
}

func TestMatchHostname_shortWildcardRejected(t *testing.T) {
	cert := selfSigned(t, "*.com", nil)

	assert.False(t, verify.MatchHostname(cert, "example.com"))
}

func TestMatchHostname_empty(t *testing.T) {
	cert := selfSigned(t, "irrelevant.example", nil)

	assert.True(t, verify.MatchHostname(cert, ""))
}

func TestMatchHostname_sanPreferredOverCN(t *testing.T) {
	cert := selfSigned(t, "wrong.example", []string{"right.example"})

	assert.True(t, verify.MatchHostname(cert, "right.example"))
	assert.False(t, verify.MatchHostname(cert, "wrong.example"))
}

func TestMatchPin(t *testing.T) {
	cert := selfSigned(t, "cloudflare-dns.com", []string{"cloudflare-dns.com"})

	want := pin.FromCertificate(cert)
	assert.True(t, verify.MatchPin(cert, want))

	var other pin.Pin
	other[0] = want[0] ^ 0xFF
	assert.False(t, verify.MatchPin(cert, other))
}

func TestMatchPin_unconfigured(t *testing.T) {
	cert := selfSigned(t, "cloudflare-dns.com", nil)

	assert.True(t, verify.MatchPin(cert, pin.Pin{}))
}

func TestPolicy_Verify(t *testing.T) {
	cert := selfSigned(t, "cloudflare-dns.com", []string{"cloudflare-dns.com"})
	goodPin := pin.FromCertificate(cert)
	var badPin pin.Pin
	badPin[0] = goodPin[0] ^ 0xFF

	t.Run("pin and hostname ok", func(t *testing.T) {
		p := verify.Policy{Hostname: "cloudflare-dns.com", Pin: goodPin}
		assert.Equal(t, verify.AcceptPinAndHostname, p.Verify(cert))
	})

	t.Run("hostname only", func(t *testing.T) {
		p := verify.Policy{Hostname: "cloudflare-dns.com"}
		assert.Equal(t, verify.AcceptHostname, p.Verify(cert))
	})

	t.Run("bad pin rejects", func(t *testing.T) {
		p := verify.Policy{Hostname: "cloudflare-dns.com", Pin: badPin}
		assert.Equal(t, verify.Reject, p.Verify(cert))
	})

	t.Run("bad hostname rejects", func(t *testing.T) {
		p := verify.Policy{Hostname: "other.example", Pin: goodPin}
		assert.Equal(t, verify.Reject, p.Verify(cert))
	})

	t.Run("no checks configured", func(t *testing.T) {
		p := verify.Policy{}
		assert.Equal(t, verify.AcceptHostname, p.Verify(cert))
	})
}

func TestIsOverridableChainError(t *testing.T) {
	assert.True(t, verify.IsOverridableChainError(x509.UnknownAuthorityError{}))
	assert.False(t, verify.IsOverridableChainError(nil))
	assert.False(t, verify.IsOverridableChainError(x509.CertificateInvalidError{Reason: x509.Expired}))
}
