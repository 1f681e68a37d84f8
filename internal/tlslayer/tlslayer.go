// Package tlslayer implements the optional TLS dial layer of spec.md §4.4:
// a TLS handshake with SNI set to the NDT hostname (never the SOCKS proxy),
// optional chain+hostname verification against a configured or system CA
// bundle, and mapping of handshake failures onto the Err taxonomy.
//
// crypto/tls is the only reasonable implementation of a TLS client in this
// ecosystem -- none of the retrieved example repositories replace it with a
// third-party TLS stack, they all layer on top of it (as does the teacher's
// own magic.Listener for the server side). See DESIGN.md.
package tlslayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"github.com/m-lab/ndt5-client/internal/errclass"
)

// Layer performs a TLS handshake over an already-dialed net.Conn.
type Layer struct {
	// VerifyPeer enables chain and hostname verification (Settings.TLSVerify).
	VerifyPeer bool
	// CABundlePath, if set, is loaded instead of the system trust store.
	CABundlePath string
}

// unixDefaultCABundles lists the well-known CA bundle locations libndt's
// documentation refers to when Settings.ca_bundle_path is empty on Unix.
// crypto/tls's x509.SystemCertPool already searches these, so this list is
// only consulted if that call reports no usable pool (e.g. a minimal
// container image), giving the same "reasonable default value" behavior
// spec.md §4.4 asks for before declaring a hard failure.
var unixDefaultCABundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// Handshake wraps conn in a TLS client connection with SNI set to hostname
// and returns the established *tls.Conn, or a KindSSL* error.
func (l Layer) Handshake(ctx context.Context, conn net.Conn, hostname string) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName:         hostname,
		InsecureSkipVerify: !l.VerifyPeer,
	}
	if l.VerifyPeer {
		pool, err := l.loadCAPool()
		if err != nil {
			return nil, errclass.Wrap(errclass.KindSSLGeneric, err)
		}
		cfg.RootCAs = pool
	}
	tlsConn := tls.Client(conn, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, mapTLSErr(err)
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (l Layer) loadCAPool() (*x509.CertPool, error) {
	if l.CABundlePath != "" {
		pem, err := os.ReadFile(l.CABundlePath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("could not parse CA bundle at " + l.CABundlePath)
		}
		return pool, nil
	}
	pool, err := x509.SystemCertPool()
	if err == nil && pool != nil {
		return pool, nil
	}
	// Hard fail on non-Unix platforms without a usable system pool, per
	// spec.md §4.4 ("or a reasonable OS default on Unix; hard fail
	// otherwise"). x509.SystemCertPool returns an error on Windows, so try
	// the well-known Unix bundle paths before giving up.
	pool = x509.NewCertPool()
	for _, path := range unixDefaultCABundles {
		pem, rerr := os.ReadFile(path)
		if rerr != nil {
			continue
		}
		if pool.AppendCertsFromPEM(pem) {
			return pool, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.New("no usable CA bundle found and no ca_bundle_path configured")
}

// mapTLSErr maps a handshake failure onto the Err taxonomy. crypto/tls does
// not expose SSL_ERROR_WANT_READ/WRITE-style states to callers of the
// blocking HandshakeContext API (those exist only inside the OpenSSL-style
// nonblocking state machine the spec's source library used); Go's handshake
// is a single blocking call under ctx, so any failure here is either a
// network-layer syscall failure (ssl_syscall), a deadline (timed_out), or a
// certificate/protocol failure (ssl_generic).
func mapTLSErr(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errclass.Wrap(errclass.KindTimedOut, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errclass.Wrap(errclass.KindSSLSyscall, err)
	}
	return errclass.Wrap(errclass.KindSSLGeneric, err)
}
