// Package dialstack composes the layered dial documented in spec.md §4.3-4.5
// and original_source/libndt.hpp's netx_maybews_dial/netx_maybessl_dial/
// netx_maybesocks5h_dial comment block:
//
//	netx_maybews_dial calls netx_maybessl_dial and, if that succeeds, then
//	attempts to negotiate a websocket channel (if enabled);
//	netx_maybessl_dial calls netx_maybesocks5h_dial and, if that succeeds,
//	then attempts to establish a TLS connection (if enabled);
//	netx_maybesocks5h_dial possibly creates the connection through a
//	SOCKSv5h proxy (if the proxy is enabled).
//
// The SOCKS5h layer (or the plain netio.Dial) opens the connection with a
// Dial(ctx, hostname, port) call; the TLS and WebSocket layers are
// handshakes run over the connection the previous step returned. DialStream
// and DialMessageConn apply them in that order.
package dialstack

import (
	"context"
	"net"

	"github.com/m-lab/ndt5-client/internal/netio"
	"github.com/m-lab/ndt5-client/internal/socks5"
	"github.com/m-lab/ndt5-client/internal/tlslayer"
	"github.com/m-lab/ndt5-client/internal/wslayer"
)

// Options selects which optional layers are active, mirroring the relevant
// Settings fields (spec.md §3).
type Options struct {
	// Socks5hPort, if non-zero, tunnels every dial through a local SOCKS5h
	// proxy on 127.0.0.1:Socks5hPort.
	Socks5hPort int
	// TLS enables the TLS layer with SNI set to the dialled hostname.
	TLS        bool
	TLSVerify  bool
	TLSCABundle string
	// WebSocket enables the WebSocket framing layer, requesting wsProtocol
	// as the Sec-WebSocket-Protocol and upgrading at wsPath.
	WebSocket bool
	WSProtocol string
	WSPath     string
}

// Stack dials hostname:port through whichever of SOCKS5h, TLS, and
// WebSocket layers Options enables, in that fixed order. DialStream returns
// the stream-level net.Conn without the WebSocket layer; DialMessageConn
// also returns the *wslayer.Conn when WebSocket is enabled.
type Stack struct {
	Sys  *netio.System
	Opts Options
}

// New returns a Stack wired per opts, with a netio.System for the raw
// fallback dial step.
func New(sys *netio.System, opts Options) *Stack {
	return &Stack{Sys: sys, Opts: opts}
}

// DialStream returns a stream-oriented net.Conn with the SOCKS5h and TLS
// layers applied per Options, but not the WebSocket layer (used for the
// legacy binary transport, and as the first step of DialMessageConn).
func (s *Stack) DialStream(ctx context.Context, hostname, port string) (net.Conn, error) {
	var conn net.Conn
	var err error
	if s.Opts.Socks5hPort != 0 {
		layer := socks5.Layer{Port: s.Opts.Socks5hPort}
		conn, err = layer.Dial(ctx, hostname, port)
	} else {
		conn, err = netio.Dial(ctx, s.Sys, hostname, port)
	}
	if err != nil {
		return nil, err
	}
	if s.Opts.TLS {
		layer := tlslayer.Layer{VerifyPeer: s.Opts.TLSVerify, CABundlePath: s.Opts.TLSCABundle}
		tlsConn, err := layer.Handshake(ctx, conn, hostname)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return conn, nil
}

// DialMessageConn dials per Options and, if WebSocket is enabled, performs
// the WS upgrade on top, returning a msgcodec.Transport-ready connection
// pair: the stream net.Conn (always non-nil, for callers that need to Close
// it directly) and, when WebSocket framing was negotiated, the *wslayer.Conn
// wrapping it (nil otherwise, meaning the caller should speak the legacy
// binary framing directly over the returned net.Conn).
func (s *Stack) DialMessageConn(ctx context.Context, hostname, port string) (net.Conn, *wslayer.Conn, error) {
	conn, err := s.DialStream(ctx, hostname, port)
	if err != nil {
		return nil, nil, err
	}
	if !s.Opts.WebSocket {
		return conn, nil, nil
	}
	hostPort := net.JoinHostPort(hostname, port)
	path := s.Opts.WSPath
	if path == "" {
		path = "/"
	}
	wsConn, err := wslayer.Handshake(ctx, conn, hostPort, path, s.Opts.WSProtocol)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, wsConn, nil
}
