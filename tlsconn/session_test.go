package tlsconn_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisstaite-go/dote/pin"
	"github.com/chrisstaite-go/dote/tlsconn"
	"github.com/chrisstaite-go/dote/upstreamset"
)

func selfSignedKeyPair(t *testing.T, cn string) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, cert
}

// serverTLS starts a TLS server on one end of an in-memory pipe and
// returns the client's plain net.Conn end.
func serverTLS(t *testing.T, tlsCert tls.Certificate) net.Conn {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	srvCfg := &tls.Config{Certificates: []tls.Certificate{tlsCert}}
	srv := tls.Server(serverConn, srvCfg)

	go func() {
		_ = srv.Handshake()
		buf := make([]byte, 4096)
		for {
			n, err := srv.Read(buf)
			if err != nil {
				return
			}
			if _, werr := srv.Write(buf[:n]); werr != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { _ = clientConn.Close(); _ = srv.Close() })

	return clientConn
}

func descriptorFor(t *testing.T, cn string, p pin.Pin, disablePKI bool) upstreamset.Descriptor {
	t.Helper()

	var pinStr string
	if !p.IsZero() {
		pinStr = p.String()
	}

	d, err := upstreamset.NewDescriptor("127.0.0.1:853", cn, pinStr, disablePKI, time.Second)
	require.NoError(t, err)

	return d
}

func TestSession_connectAcceptsMatchingPin(t *testing.T) {
	tlsCert, cert := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	want := pin.FromCertificate(cert)
	desc := descriptorFor(t, "dote.example", want, true)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	res, err := sess.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tlsconn.Success, res)
}

func TestSession_connectRejectsBadPin(t *testing.T) {
	tlsCert, cert := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	want := pin.FromCertificate(cert)
	want[0] ^= 0xFF
	desc := descriptorFor(t, "dote.example", want, true)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	res, err := sess.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, tlsconn.Fatal, res)
}

func TestSession_connectSelfSignedOverriddenByPin(t *testing.T) {
	// disablePKI is false: the chain will fail (self-signed, untrusted
	// root), but the pin matches, so the session must still succeed —
	// this is the heart of §4.3.
	tlsCert, cert := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	want := pin.FromCertificate(cert)
	desc := descriptorFor(t, "dote.example", want, false)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	res, err := sess.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tlsconn.Success, res)
}

func TestSession_connectSelfSignedWithoutPinFails(t *testing.T) {
	tlsCert, _ := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	desc := descriptorFor(t, "dote.example", pin.Pin{}, false)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	res, err := sess.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, tlsconn.Fatal, res)
}

func TestSession_writeEmptyIsNoop(t *testing.T) {
	tlsCert, cert := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	want := pin.FromCertificate(cert)
	desc := descriptorFor(t, "dote.example", want, true)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	_, err := sess.Connect(context.Background())
	require.NoError(t, err)

	res, err := sess.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, tlsconn.Success, res)
}

func TestSession_writeReadEcho(t *testing.T) {
	tlsCert, cert := selfSignedKeyPair(t, "dote.example")
	conn := serverTLS(t, tlsCert)

	want := pin.FromCertificate(cert)
	desc := descriptorFor(t, "dote.example", want, true)

	ctx := tlsconn.NewContext(nil, time.Minute)
	sess := tlsconn.New(ctx, conn, desc)

	_, err := sess.Connect(context.Background())
	require.NoError(t, err)

	res, err := sess.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, tlsconn.Success, res)

	res, data, err := sess.Read()
	require.NoError(t, err)
	require.Equal(t, tlsconn.Success, res)
	assert.Equal(t, "ping", string(data))
}
