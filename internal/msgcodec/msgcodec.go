// Package msgcodec implements the NDT message codec of spec.md §4.6: the
// legacy binary TLV framing plus the JSON-wrapped extended login/results
// variant, over either a raw stream transport or a WebSocket message
// transport. Grounded on the wire format of
// _examples/m-lab-ndt-server/legacy/protocol/protocol.go's
// ReadTLVMessage/WriteTLVMessage/ReceiveJSONMessage/SendJSONMessage and
// messager.go's Encoding/Messager split, generalized from "server reads what
// the client sent" to "client reads what the server sent" -- the wire shapes
// are identical, only the roles are reversed.
package msgcodec

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/ndt5-client/internal/errclass"
	"github.com/m-lab/ndt5-client/internal/netio"
	"github.com/m-lab/ndt5-client/internal/wslayer"
)

// MessageType is the full set of NDT protocol message types, numerically
// identical to the teacher's ndt5/protocol.MessageType and to
// original_source/libndt.hpp's msg_* constants.
type MessageType byte

// The NDT message types, per spec.md §3 and libndt.hpp's msg_* constants.
const (
	MsgCommFailure MessageType = iota
	MsgSrvQueue
	MsgLogin
	MsgTestPrepare
	MsgTestStart
	MsgTestMsg
	MsgTestFinalize
	MsgError
	MsgResults
	MsgLogout
	MsgWaiting
	MsgExtendedLogin
)

func (m MessageType) String() string {
	switch m {
	case MsgCommFailure:
		return "MsgCommFailure"
	case MsgSrvQueue:
		return "MsgSrvQueue"
	case MsgLogin:
		return "MsgLogin"
	case MsgTestPrepare:
		return "MsgTestPrepare"
	case MsgTestStart:
		return "MsgTestStart"
	case MsgTestMsg:
		return "MsgTestMsg"
	case MsgTestFinalize:
		return "MsgTestFinalize"
	case MsgError:
		return "MsgError"
	case MsgResults:
		return "MsgResults"
	case MsgLogout:
		return "MsgLogout"
	case MsgWaiting:
		return "MsgWaiting"
	case MsgExtendedLogin:
		return "MsgExtendedLogin"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(m))
	}
}

// MaxMessageSize is the largest TLV payload the legacy protocol's 16-bit
// length field can express, per spec.md §8.
const MaxMessageSize = 65535

// MaxExtFlows bounds the nflows a test_prepare message may request for a
// download_ext/upload_ext subtest, per spec.md §9's open-question
// resolution (SPEC_FULL.md §"Open Questions", item 2).
const MaxExtFlows = 16

// Transport moves whole TLV-framed byte blobs to and from the peer, hiding
// whether the underlying connection is a raw TCP/TLS stream or a WebSocket.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	ReadFrame(ctx context.Context) ([]byte, error)
}

// rawTransport implements Transport over a plain stream connection (TCP or
// TLS), where a frame is exactly [type:1][length:2 big-endian][payload],
// mirroring netConnection.ReadMessage/WriteMessage in protocol.go.
type rawTransport struct {
	conn    net.Conn
	timeout time.Duration
}

// NewRawTransport wraps conn (already dialed, and TLS-wrapped if configured)
// as a Transport speaking the legacy binary framing directly.
func NewRawTransport(conn net.Conn, timeout time.Duration) Transport {
	return &rawTransport{conn: conn, timeout: timeout}
}

func (t *rawTransport) WriteFrame(ctx context.Context, frame []byte) error {
	return netio.Sendn(ctx, t.conn, frame, t.timeout)
}

func (t *rawTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	header := make([]byte, 3)
	if err := netio.Recvn(ctx, t.conn, header, t.timeout); err != nil {
		return nil, err
	}
	length := int(header[1])<<8 | int(header[2])
	payload := make([]byte, length)
	if length > 0 {
		if err := netio.Recvn(ctx, t.conn, payload, t.timeout); err != nil {
			return nil, err
		}
	}
	return append(header, payload...), nil
}

// wsTransport implements Transport over a wslayer.Conn, where one whole TLV
// blob is carried as the payload of a single binary WebSocket message,
// mirroring WriteTLVMessage's ws.WriteMessage(websocket.BinaryMessage, ...).
type wsTransport struct {
	conn *wslayer.Conn
}

// NewWSTransport wraps an already-handshaken WebSocket connection as a
// Transport.
func NewWSTransport(conn *wslayer.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	return t.conn.WriteMessage(ctx, wslayer.OpBinary, frame)
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, payload, err := t.conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Codec reads and writes NDT protocol messages over a Transport, in either
// the legacy TLV body encoding or the JSON-wrapped body encoding -- mirrors
// the teacher's Encoding.Messager() split (messager.go), generalized to the
// client's send/receive roles.
type Codec struct {
	Transport Transport
	// JSON makes ExpectTestPrepare unwrap a JSON {"msg": ...} body before
	// parsing it. It is the only method that reads this field: WriteMessage
	// and ReadMessage always carry the payload as given, WriteJSON and
	// WriteExtendedLogin always send a JSON body, and ReadJSON/DecodeText
	// accept either form. client.Client sets it whenever a WebSocket
	// transport is in use, following the teacher's httpHandler.ServeHTTP
	// comment ("WS and WSS both only support JSON clients").
	JSON bool
}

// WriteMessage sends a legacy-encoded (non-JSON) message.
func (c *Codec) WriteMessage(ctx context.Context, typ MessageType, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return errclass.New(errclass.KindMessageSize)
	}
	frame := make([]byte, 3+len(payload))
	frame[0] = byte(typ)
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload))
	copy(frame[3:], payload)
	return c.Transport.WriteFrame(ctx, frame)
}

// ReadMessage receives one message and returns its type and raw payload.
func (c *Codec) ReadMessage(ctx context.Context) (MessageType, []byte, error) {
	frame, err := c.Transport.ReadFrame(ctx)
	if err != nil {
		return MsgCommFailure, nil, err
	}
	if len(frame) < 3 {
		return MsgCommFailure, nil, errclass.New(errclass.KindWSProto)
	}
	typ := MessageType(frame[0])
	length := int(frame[1])<<8 | int(frame[2])
	if length != len(frame)-3 {
		return typ, nil, errclass.New(errclass.KindMessageSize)
	}
	return typ, frame[3:], nil
}

// jsonBody is the wire shape of a JSON-encoded message body, per spec.md
// §4.6 and protocol.go's JSONMessage.
type jsonBody struct {
	Msg   string `json:"msg"`
	Tests string `json:"tests,omitempty"`
}

// WriteJSON sends a JSON-wrapped message: {"msg":"..."} carried as the
// payload of a legacy-framed message of the given type.
func (c *Codec) WriteJSON(ctx context.Context, typ MessageType, msg string) error {
	body, err := json.Marshal(jsonBody{Msg: msg})
	if err != nil {
		return errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	return c.WriteMessage(ctx, typ, body)
}

// WriteExtendedLogin sends the extended login message: {"msg":version,
// "tests":testsBitmap} per spec.md §4.7 step 1.
func (c *Codec) WriteExtendedLogin(ctx context.Context, version string, tests int) error {
	body, err := json.Marshal(jsonBody{Msg: version, Tests: strconv.Itoa(tests)})
	if err != nil {
		return errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	return c.WriteMessage(ctx, MsgExtendedLogin, body)
}

// ReadJSON receives a message of the expected type and unwraps its JSON
// body, returning the "msg" field.
func (c *Codec) ReadJSON(ctx context.Context, want MessageType) (string, error) {
	typ, payload, err := c.ReadMessage(ctx)
	if err != nil {
		return "", err
	}
	if typ != want {
		return "", fmt.Errorf("unexpected message type %s, want %s", typ, want)
	}
	return DecodeText(payload), nil
}

// DecodeText unwraps a message payload already read via ReadMessage,
// returning its JSON "msg" field, or the raw payload as text if it isn't
// JSON-wrapped -- the same fallback ReadJSON and ReceiveJSONMessage in
// protocol.go use, exposed so callers that must read the control channel
// directly (upload's stop-signal multiplexing) can decode a payload without
// a second ReadMessage call.
func DecodeText(payload []byte) string {
	var body jsonBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return string(payload)
	}
	return body.Msg
}

// ExpectEmpty reads a message of the given type and requires an empty body,
// mirroring libndt.hpp's msg_expect_empty.
func (c *Codec) ExpectEmpty(ctx context.Context, want MessageType) error {
	typ, payload, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if typ != want {
		return fmt.Errorf("unexpected message type %s, want %s", typ, want)
	}
	if len(payload) != 0 {
		return fmt.Errorf("expected an empty %s body, got %d bytes", want, len(payload))
	}
	return nil
}

// ExpectTestPrepare reads a MsgTestPrepare message and parses its data port
// and, for `_ext` subtests, the number of flows the server is offering,
// mirroring libndt.hpp's msg_expect_test_prepare and its sys_strtonum-based
// bounded parsing (spec.md §4.6): the body is whitespace/space-separated
// decimals, "port" for a single-stream subtest or "port nflows" for a
// multi-stream one (e.g. "3010 3"). nflows outside [1, MaxExtFlows] is a
// protocol error, not silently clamped, so a misbehaving server is surfaced
// rather than masked.
func (c *Codec) ExpectTestPrepare(ctx context.Context) (port string, nflows int, err error) {
	typ, payload, err := c.ReadMessage(ctx)
	if err != nil {
		return "", 0, err
	}
	if typ != MsgTestPrepare {
		return "", 0, fmt.Errorf("unexpected message type %s, want MsgTestPrepare", typ)
	}
	body := payload
	if c.JSON {
		var jb jsonBody
		if err := json.Unmarshal(payload, &jb); err == nil {
			body = []byte(jb.Msg)
		}
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return "", 0, errclass.Wrap(errclass.KindInvalidArgument, fmt.Errorf("empty test_prepare body"))
	}
	port, err = strtonumPort(fields[0])
	if err != nil {
		return "", 0, errclass.Wrap(errclass.KindInvalidArgument, err)
	}
	nflows = 1
	if len(fields) >= 2 {
		nflows, err = strtonumNflows(fields[1])
		if err != nil {
			return "", 0, errclass.Wrap(errclass.KindInvalidArgument, err)
		}
	}
	return port, nflows, nil
}

func strtonumPort(s string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n < 1 || n > 65535 {
		return "", fmt.Errorf("port %d out of range [1,65535]", n)
	}
	return strconv.Itoa(n), nil
}

func strtonumNflows(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid nflows %q: %w", s, err)
	}
	if n < 1 || n > MaxExtFlows {
		return 0, fmt.Errorf("nflows %d out of range [1,%d]", n, MaxExtFlows)
	}
	return n, nil
}
