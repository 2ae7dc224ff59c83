package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateSelfSignedCert writes a self-signed cert/key pair valid for
// 127.0.0.1 into dir and returns their paths, for TLSTransport tests that
// need a real handshake without a fixtures directory.
func generateSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func freeLoopbackAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTLSTransportDialAndAcceptRoundTrip(t *testing.T) {
	certPath, keyPath := generateSelfSignedCert(t, t.TempDir())
	addr := freeLoopbackAddr(t)

	server := NewTLS(Options{CertFile: certPath, KeyFile: keyPath})
	ln, err := server.Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	serverAccepted := make(chan Stream, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, err := ln.Accept(ctx)
		require.NoError(t, err)
		serverAccepted <- conn
	}()

	client := NewTLS(Options{SkipVerify: true})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientConn, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-serverAccepted
	defer serverConn.Close()

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTLSTransportListenRequiresCertAndKey(t *testing.T) {
	server := NewTLS(Options{})
	_, err := server.Listen(freeLoopbackAddr(t))
	assert.Error(t, err)
}

func TestLoadCAPoolRejectsGarbageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-cert.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem file"), 0o600))

	_, err := loadCAPool(path)
	assert.Error(t, err)
}

func TestWebSocketTransportDialAndAcceptRoundTrip(t *testing.T) {
	addr := freeLoopbackAddr(t)

	server := NewWebSocket(Options{})
	ln, err := server.Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	serverAccepted := make(chan Stream, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		conn, err := ln.Accept(ctx)
		require.NoError(t, err)
		serverAccepted <- conn
	}()

	// The HTTP server inside Listen starts serving asynchronously.
	time.Sleep(50 * time.Millisecond)

	client := NewWebSocket(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientConn, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn := <-serverAccepted
	defer serverConn.Close()

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = serverConn.Write([]byte("pong"))
	require.NoError(t, err)
	buf2 := make([]byte, 4)
	_, err = io.ReadFull(clientConn, buf2)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf2))
}

func TestWebSocketTransportHonorsServerPath(t *testing.T) {
	addr := freeLoopbackAddr(t)

	server := NewWebSocket(Options{ServerPath: "/tunnel"})
	ln, err := server.Listen(addr)
	require.NoError(t, err)
	defer ln.Close()

	time.Sleep(50 * time.Millisecond)

	client := NewWebSocket(Options{ServerPath: "/tunnel"})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	conn.Close()

	wrongPath := NewWebSocket(Options{ServerPath: "/wrong"})
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = wrongPath.Dial(ctx2, addr)
	assert.Error(t, err)
}
