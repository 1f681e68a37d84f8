// Package socks5 implements the optional SOCKS5h dial layer of spec.md
// §4.3: when enabled, every dial-out for both the control connection and
// every subtest data connection is tunnelled through a local SOCKS5 proxy
// (e.g. Tor) that resolves the hostname itself. The critical guarantee is
// the "h" in SOCKS5h: the client never resolves the NDT hostname locally.
//
// We do not hand-roll the RFC 1928 exchange. golang.org/x/net/proxy already
// implements it and, used the way we use it here (always given a hostname,
// never a literal IP, as the dial target), it never performs local DNS
// resolution -- it is the client that must not resolve, and Dial here is
// always called with the literal NDT hostname. That is exactly the
// SOCKS5h contract spec.md §4.3 asks for.
package socks5

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"

	"github.com/m-lab/ndt5-client/internal/errclass"
)

// Layer dials through a local SOCKS5 proxy listening on 127.0.0.1:Port.
type Layer struct {
	// Port is the local SOCKS5h proxy port (Settings.Socks5hPort).
	Port int
}

// Dial connects to hostname:port through the configured SOCKS5h proxy,
// passing hostname through as an RFC 1928 ATYP=domainname target so the
// proxy performs the resolution.
func (l Layer) Dial(ctx context.Context, hostname, port string) (net.Conn, error) {
	proxyAddr := fmt.Sprintf("127.0.0.1:%d", l.Port)
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindSocks5h, err)
	}
	target := net.JoinHostPort(hostname, port)
	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, errclass.Wrap(errclass.KindSocks5h, err)
		}
		return conn, nil
	}
	// Fallback for a proxy.Dialer implementation without context support;
	// x/net/proxy's SOCKS5 always implements ContextDialer, but we do not
	// want a type assertion panic to be the failure mode if that changes.
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, errclass.Wrap(errclass.KindSocks5h, err)
	}
	return conn, nil
}
