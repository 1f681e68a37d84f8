package tlslayer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-lab/ndt5-client/internal/errclass"
)

// selfSignedServer starts a TLS listener for "ndt.example.test" and returns
// its address plus the PEM-encoded certificate it presented.
func selfSignedServer(t *testing.T) (addr string, certPEM []byte, closeFn func()) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ndt.example.test"},
		DNSNames:     []string{"ndt.example.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	var gotSNI string
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			gotSNI = hello.ServerName
			return &cert, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1)
				conn.Read(buf)
			}()
		}
	}()
	_ = gotSNI
	return ln.Addr().String(), certPEM, func() { ln.Close() }
}

func TestHandshakeSetsSNIAndVerifiesWithBundle(t *testing.T) {
	addr, certPEM, closeFn := selfSignedServer(t)
	defer closeFn()

	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(bundlePath, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	layer := Layer{VerifyPeer: true, CABundlePath: bundlePath}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := layer.Handshake(ctx, rawConn, "ndt.example.test")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		t.Fatalf("expected *tls.Conn, got %T", conn)
	}
	state := tlsConn.ConnectionState()
	if !state.HandshakeComplete {
		t.Error("handshake not reported complete")
	}
}

func TestHandshakeFailsVerificationWithoutBundle(t *testing.T) {
	addr, _, closeFn := selfSignedServer(t)
	defer closeFn()

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	layer := Layer{VerifyPeer: true} // no CABundlePath, and the system pool
	// will not contain this ad hoc self-signed cert.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = layer.Handshake(ctx, rawConn, "ndt.example.test")
	if err == nil {
		t.Fatal("expected a verification failure, got nil error")
	}
	if errclass.KindOf(err) != errclass.KindSSLGeneric {
		t.Errorf("Kind = %v, want KindSSLGeneric", errclass.KindOf(err))
	}
}

func TestHandshakeSkipsVerificationWhenDisabled(t *testing.T) {
	addr, _, closeFn := selfSignedServer(t)
	defer closeFn()

	rawConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	layer := Layer{VerifyPeer: false}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := layer.Handshake(ctx, rawConn, "ndt.example.test")
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	conn.Close()
}

func TestHandshakeTimesOutAgainstNonTLSPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	rawConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	layer := Layer{VerifyPeer: false}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = layer.Handshake(ctx, rawConn, "ndt.example.test")
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	if errclass.KindOf(err) != errclass.KindTimedOut {
		t.Errorf("Kind = %v, want KindTimedOut", errclass.KindOf(err))
	}
}
