// Package session implements the control-channel state machine of
// spec.md §4.7: login, queue-wait, version/test-id exchange, running the
// negotiated subtests, and the results/logout ceremony. Grounded on
// _examples/m-lab-ndt-server/ndt5/ndt5.go's handleControlChannel, the
// server-side mirror of the same exchange, generalized from "accept and
// answer" to "connect and ask".
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/ndt5-client/internal/msgcodec"
)

// Test is the bitmask of subtests a client may request, numerically
// identical to the teacher's ndt5.cTest* constants.
type Test int

const (
	TestMid    Test = 1 << 0
	TestC2S    Test = 1 << 1
	TestS2C    Test = 1 << 2
	TestSFW    Test = 1 << 3
	TestStatus Test = 1 << 4
	TestMeta   Test = 1 << 5
)

// Has reports whether bit is set in t.
func (t Test) Has(bit Test) bool { return t&bit != 0 }

// LoginResult is what the login ceremony negotiates.
type LoginResult struct {
	ServerVersion string
	Tests         Test
}

// Login runs spec.md §4.7 steps 1-5: send extended_login, then loop reading
// srv_queue until the server admits the client (echoing msg_waiting for the
// legacy "9990" keep-alive per SPEC_FULL.md's resolved open question),
// bounded by ctx, then read the two login messages carrying the server's
// version string and its list of tests it is willing to run.
func Login(ctx context.Context, codec *msgcodec.Codec, clientVersion string, wantTests Test, onServerBusy func(reason string)) (*LoginResult, error) {
	if err := codec.WriteExtendedLogin(ctx, clientVersion, int(wantTests)); err != nil {
		return nil, fmt.Errorf("extended_login: %w", err)
	}

	for {
		typ, payload, err := codec.ReadMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for srv_queue: %w", err)
		}
		switch typ {
		case msgcodec.MsgSrvQueue:
			reason := strings.TrimSpace(string(payload))
			switch reason {
			case "0":
				goto admitted
			case "9977":
				// The server is too busy to run the test at all; give up on
				// this candidate rather than keep waiting in its queue.
				if onServerBusy != nil {
					onServerBusy(reason)
				}
				return nil, fmt.Errorf("server reported busy (queue reason %s)", reason)
			case "9990":
				// Legacy keep-alive: the server wants proof of life before it
				// sends the next queue update. Always echo -- harmless
				// against servers that never send "9990" at all.
				if err := codec.WriteMessage(ctx, msgcodec.MsgWaiting, nil); err != nil {
					return nil, fmt.Errorf("echoing keep-alive: %w", err)
				}
			default:
				// Any other decimal is the server's estimated wait in
				// seconds; keep waiting rather than treating it as busy.
			}
		default:
			return nil, fmt.Errorf("unexpected message %s while waiting in queue", typ)
		}
	}
admitted:

	serverVersion, err := codec.ReadJSON(ctx, msgcodec.MsgLogin)
	if err != nil {
		return nil, fmt.Errorf("reading server version: %w", err)
	}
	testsLine, err := codec.ReadJSON(ctx, msgcodec.MsgLogin)
	if err != nil {
		return nil, fmt.Errorf("reading server test list: %w", err)
	}
	negotiated := parseTestList(testsLine) & wantTests

	return &LoginResult{ServerVersion: serverVersion, Tests: negotiated}, nil
}

// parseTestList parses the server's space-separated list of test-id
// integers (ndt5.go's strings.Join(testsToRun, " ")) into a Test bitmask.
func parseTestList(line string) Test {
	var bits Test
	for _, f := range strings.Fields(line) {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		bits |= Test(n)
	}
	return bits
}

// Logout runs spec.md §4.7 step 9: the server, not the client, sends the
// results -- mirroring the teacher's own m.SendMessage(protocol.MsgResults,
// ...) / m.SendMessage(protocol.MsgLogout, ...) calls in ndt5.go, which are
// server-side sends the client must instead receive. Each msg_results
// payload is one or more "name: value" lines scoped as "web100", "tcp_info",
// or "summary"; every line is delivered via onResult before the loop
// terminates on msg_logout.
func Logout(ctx context.Context, codec *msgcodec.Codec, onResult func(scope, name, value string)) error {
	for {
		typ, payload, err := codec.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("reading results: %w", err)
		}
		switch typ {
		case msgcodec.MsgResults:
			for _, line := range strings.Split(msgcodec.DecodeText(payload), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				name, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				name = strings.TrimSpace(name)
				value = strings.TrimSpace(value)
				if onResult != nil {
					onResult(resultScope(name), name, value)
				}
			}
		case msgcodec.MsgLogout:
			return nil
		default:
			return fmt.Errorf("unexpected message %s while waiting for results", typ)
		}
	}
}

// resultScope classifies a result variable name into the three scopes
// spec.md §4.7 step 9 names. Raw Web100 variables carry the teacher's
// "web100_" naming convention (ndt5/web100/web100.go); a fixed set of
// Linux TCP_INFO field names (mirroring ndt5/web100.Metrics.TCPInfo, a
// tcp.LinuxTCPInfo) are "tcp_info"; everything else, including the final
// throughput summary line, is "summary".
func resultScope(name string) string {
	switch {
	case strings.HasPrefix(name, "web100_"):
		return "web100"
	case tcpInfoFields[name]:
		return "tcp_info"
	default:
		return "summary"
	}
}

var tcpInfoFields = map[string]bool{
	"RTT": true, "RTTVar": true, "MinRTT": true, "MaxRTT": true,
	"SndCwnd": true, "SndSsthresh": true, "Retransmits": true,
	"Retrans": true, "Lost": true, "Fackets": true, "Reordering": true,
	"Rto": true, "Ato": true, "SndMss": true, "RcvMss": true,
	"Advmss": true, "PMTU": true,
}

// WaitClose drains the control channel until the server closes it or ctx
// expires, per spec.md §4.7's final "wait for close" step -- the control
// connection is the last thing torn down, and we give the server a bounded
// window to close first so we are not the side that resets the connection.
func WaitClose(ctx context.Context, codec *msgcodec.Codec, logger log.Interface) {
	deadline := 2 * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		if _, _, err := codec.ReadMessage(waitCtx); err != nil {
			logger.WithError(err).Debug("control channel closed (or timed out waiting for server close)")
			return
		}
	}
}
