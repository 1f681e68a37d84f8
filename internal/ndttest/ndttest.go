// Package ndttest provides a scripted mock NDT server for exercising
// client.Client end to end without a live measurement server, grounded on
// _examples/m-lab-ndt-server/ndt5/singleserving/server.go's
// listen-then-ServeOnce shape (a single-serving listener bound up front so a
// client's dial cannot race the server's accept), generalized from "accept
// once and hand back a MeasuredConnection" to "accept once and run a scripted
// control-channel exchange".
package ndttest

import (
	"context"
	"net"
	"time"

	"github.com/m-lab/ndt5-client/internal/msgcodec"
)

// ControlServer is a one-shot NDT control-channel listener: it accepts a
// single connection, wraps it in a raw-transport Codec, and hands the codec
// to a caller-supplied Script. Data connections are served separately by a
// DataServer the caller creates with ListenData.
type ControlServer struct {
	Listener net.Listener
}

// Listen binds a one-shot control-channel listener on an ephemeral port.
func Listen() (*ControlServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &ControlServer{Listener: ln}, nil
}

// Port returns the listener's port as a string, suitable for a Settings.Port
// or a msg_test_prepare payload.
func (s *ControlServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	return port
}

// Script is server-side control-channel logic driven against one accepted
// connection's Codec.
type Script func(ctx context.Context, codec *msgcodec.Codec) error

// Serve accepts exactly one connection and runs script against it in a new
// goroutine, returning a channel that receives the script's result. The
// listener is closed after the single accept, matching the teacher's
// single-serving convention.
func (s *ControlServer) Serve(ctx context.Context, script Script) <-chan error {
	done := make(chan error, 1)
	go func() {
		conn, err := s.Listener.Accept()
		s.Listener.Close()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		codec := &msgcodec.Codec{Transport: msgcodec.NewRawTransport(conn, 5 * time.Second)}
		done <- script(ctx, codec)
	}()
	return done
}

// DataServer is a one-shot data-connection listener for a subtest engine's
// dial, mirroring the control server's single-serving shape.
type DataServer struct {
	Listener net.Listener
}

// ListenData binds a one-shot data-connection listener on an ephemeral port.
func ListenData() (*DataServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &DataServer{Listener: ln}, nil
}

// Port returns the listener's port, the value a control-channel script
// should embed in its msg_test_prepare payload.
func (s *DataServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	return port
}

// Accept waits for one data connection and returns it; the listener is
// closed after the single accept.
func (s *DataServer) Accept() (net.Conn, error) {
	conn, err := s.Listener.Accept()
	s.Listener.Close()
	return conn, err
}

// FillPattern returns a deterministic, non-repeating-looking byte sequence
// of n bytes, matching s2c.go's byte(((i*101)%(122-33))+33) filler.
func FillPattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(((i*101)%(122-33)) + 33)
	}
	return buf
}
