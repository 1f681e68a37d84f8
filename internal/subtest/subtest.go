// Package subtest implements the C2S/S2C/meta test engines of spec.md §4.8,
// including the multi-stream download_ext/upload_ext variants. Grounded on
// _examples/m-lab-ndt-server/ndt5/c2s/c2s.go, ndt5/s2c/s2c.go, and
// ndt5/meta/meta.go, generalized from "accept and drain/fill a server-side
// test connection" to "dial and fill/drain a client-side test connection" --
// the roles are reversed, the wire messages and timing are the same.
package subtest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m-lab/ndt5-client/internal/dialstack"
	"github.com/m-lab/ndt5-client/internal/msgcodec"
	"github.com/m-lab/ndt5-client/internal/wslayer"
	"github.com/m-lab/ndt5-client/metadata"
)

// MaxExtFlows re-exports msgcodec.MaxExtFlows as the public cap on nflows
// for download_ext/upload_ext, per spec.md §9's resolved open question.
const MaxExtFlows = msgcodec.MaxExtFlows

// maxTestDuration bounds a single C2S/S2C transfer, matching the teacher's
// drainForeverButMeasureFor(ctx, testConn, 10*time.Second).
const maxTestDuration = 10 * time.Second

// performanceInterval is how often a Sample is reported during a transfer
// (roughly every 250ms).
const performanceInterval = 250 * time.Millisecond

// Direction identifies which way bytes flow relative to the client.
type Direction int

const (
	// Download is the S2C test: the server sends, the client receives.
	Download Direction = iota
	// Upload is the C2S test: the client sends, the server receives.
	Upload
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

// Sample is one performance callback firing during a transfer.
type Sample struct {
	Direction     Direction
	ElapsedNanos  int64
	TotalBytes    int64
	NumFlows      int
}

// Result is the outcome of one C2S or S2C subtest run.
type Result struct {
	Direction            Direction
	ClientMeanThroughputMbps float64
	ServerReportedThroughputMbps float64
	NumFlows             int
	Error                string
}

// Dialer opens one data connection to the port test_prepare handed back,
// with the WS layer (if enabled) negotiating the given subprotocol --
// ws_proto_c2s/ws_proto_s2c per original_source/libndt.hpp.
type Dialer func(ctx context.Context, port, wsProtocol string) (net.Conn, *wslayer.Conn, error)

// NewDialer adapts a dialstack.Stack into a Dialer bound to hostname,
// overriding WSProtocol and the port per call so the same Options serve
// both the c2s and s2c test connections against whatever port test_prepare
// named.
func NewDialer(stack *dialstack.Stack, hostname string) Dialer {
	return func(ctx context.Context, port, wsProtocol string) (net.Conn, *wslayer.Conn, error) {
		opts := stack.Opts
		opts.WSProtocol = wsProtocol
		s := dialstack.New(stack.Sys, opts)
		return s.DialMessageConn(ctx, hostname, port)
	}
}

// dataConn is one flow's data connection, abstracted over raw-stream and
// WebSocket-message transports.
type dataConn struct {
	raw net.Conn
	ws  *wslayer.Conn
}

func (d dataConn) close() {
	if d.ws != nil {
		d.ws.Close()
	} else if d.raw != nil {
		d.raw.Close()
	}
}

func (d dataConn) write(ctx context.Context, buf []byte) (int, error) {
	if d.ws != nil {
		if err := d.ws.WriteMessage(ctx, wslayer.OpBinary, buf); err != nil {
			return 0, err
		}
		return len(buf), nil
	}
	return d.raw.Write(buf)
}

func (d dataConn) read(ctx context.Context, buf []byte) (int, error) {
	if d.ws != nil {
		_, payload, err := d.ws.ReadMessage(ctx)
		if err != nil {
			return 0, err
		}
		n := copy(buf, payload)
		return n, nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		d.raw.SetReadDeadline(deadline)
	}
	return d.raw.Read(buf)
}

func dialFlows(ctx context.Context, dial Dialer, port, wsProtocol string, nflows int) ([]dataConn, error) {
	conns := make([]dataConn, 0, nflows)
	for i := 0; i < nflows; i++ {
		raw, ws, err := dial(ctx, port, wsProtocol)
		if err != nil {
			for _, c := range conns {
				c.close()
			}
			return nil, fmt.Errorf("dialing test flow %d/%d: %w", i+1, nflows, err)
		}
		conns = append(conns, dataConn{raw: raw, ws: ws})
	}
	return conns, nil
}

// RunDownload drives the S2C subtest (spec.md §4.8's download/download_ext):
// reads test_prepare for the port and flow count, dials that many data
// connections, reads test_start, drains them for up to 10s while reporting
// aggregate throughput every performanceInterval, then completes the
// results exchange.
func RunDownload(ctx context.Context, codec *msgcodec.Codec, dial Dialer, onPerf func(Sample)) (*Result, error) {
	port, nflows, err := codec.ExpectTestPrepare(ctx)
	if err != nil {
		return nil, fmt.Errorf("test_prepare: %w", err)
	}

	conns, err := dialFlows(ctx, dial, port, "s2c", nflows)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range conns {
			c.close()
		}
	}()

	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestStart); err != nil {
		return nil, fmt.Errorf("test_start: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, maxTestDuration)
	defer cancel()

	var total int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := time.Now()
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8192)
			for {
				n, err := c.read(drainCtx, buf)
				if n > 0 {
					mu.Lock()
					total += int64(n)
					mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}()
	}

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(performanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-drainCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				t := total
				mu.Unlock()
				if onPerf != nil {
					onPerf(Sample{Direction: Download, ElapsedNanos: int64(time.Since(start)), TotalBytes: t, NumFlows: nflows})
				}
			}
		}
	}()
	wg.Wait()
	// Every flow has stopped (peer closed or deadline); stop the reporter too
	// instead of idling until the drain deadline.
	cancel()
	<-reportDone

	elapsed := time.Since(start).Seconds()
	clientMbps := throughputMbps(total, elapsed)

	serverReport, err := codec.ReadJSON(ctx, msgcodec.MsgTestMsg)
	if err != nil {
		return nil, fmt.Errorf("reading server-reported throughput: %w", err)
	}
	serverMbps, _ := strconv.ParseFloat(strings.TrimSpace(serverReport), 64)

	if err := codec.WriteMessage(ctx, msgcodec.MsgTestMsg, []byte(fmt.Sprintf("%.4f", clientMbps*1000))); err != nil {
		return nil, fmt.Errorf("acking measured throughput: %w", err)
	}
	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestFinalize); err != nil {
		return nil, fmt.Errorf("test_finalize: %w", err)
	}

	return &Result{
		Direction:                    Download,
		ClientMeanThroughputMbps:     clientMbps,
		ServerReportedThroughputMbps: serverMbps / 1000,
		NumFlows:                     nflows,
	}, nil
}

// RunUpload drives the C2S subtest (spec.md §4.8's upload/upload_ext):
// dials the negotiated flow count and writes to them for up to 10s,
// stopping gracefully (no abrupt close mid-write) when the context is done,
// then completes the results exchange.
func RunUpload(ctx context.Context, codec *msgcodec.Codec, dial Dialer, onPerf func(Sample)) (*Result, error) {
	port, nflows, err := codec.ExpectTestPrepare(ctx)
	if err != nil {
		return nil, fmt.Errorf("test_prepare: %w", err)
	}

	conns, err := dialFlows(ctx, dial, port, "c2s", nflows)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, c := range conns {
			c.close()
		}
	}()

	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestStart); err != nil {
		return nil, fmt.Errorf("test_start: %w", err)
	}

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(((i * 101) % (122 - 33)) + 33)
	}

	fillCtx, cancel := context.WithTimeout(ctx, maxTestDuration)
	defer cancel()

	// The control channel is multiplexed alongside the fill goroutines so a
	// server-side stop signal -- a zero-length msg_test_msg -- ends the
	// write loop as soon as it arrives instead of only at max_runtime.
	controlReport := make(chan string, 1)
	go func() {
		defer close(controlReport)
		typ, msg, err := codec.ReadMessage(fillCtx)
		cancel()
		if err != nil || typ != msgcodec.MsgTestMsg {
			return
		}
		if body := msgcodec.DecodeText(msg); body != "" {
			controlReport <- body
		}
	}()

	var total int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := time.Now()
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-fillCtx.Done():
					return
				default:
				}
				n, err := c.write(fillCtx, payload)
				if n > 0 {
					mu.Lock()
					total += int64(n)
					mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}()
	}

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		ticker := time.NewTicker(performanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-fillCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				t := total
				mu.Unlock()
				if onPerf != nil {
					onPerf(Sample{Direction: Upload, ElapsedNanos: int64(time.Since(start)), TotalBytes: t, NumFlows: nflows})
				}
			}
		}
	}()
	wg.Wait()
	<-reportDone

	elapsed := time.Since(start).Seconds()
	clientMbps := throughputMbps(total, elapsed)

	// The stop signal may already have carried the server's reported
	// throughput; otherwise it was a bare zero-length stop (or a timeout)
	// and the report follows as its own msg_test_msg. controlReport is
	// always eventually sent-to-then-closed or just closed, so this never
	// blocks past the control-reader goroutine's own exit.
	serverReport := <-controlReport
	if serverReport == "" {
		var err error
		serverReport, err = codec.ReadJSON(ctx, msgcodec.MsgTestMsg)
		if err != nil {
			return nil, fmt.Errorf("reading server-reported throughput: %w", err)
		}
	}
	serverMbps, _ := strconv.ParseFloat(strings.TrimSpace(serverReport), 64)

	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestFinalize); err != nil {
		return nil, fmt.Errorf("test_finalize: %w", err)
	}

	return &Result{
		Direction:                    Upload,
		ClientMeanThroughputMbps:     clientMbps,
		ServerReportedThroughputMbps: serverMbps / 1000,
		NumFlows:                     nflows,
	}, nil
}

func throughputMbps(bytes int64, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return (8 * float64(bytes) / 1e6) / seconds
}

// RunMeta drives the meta subtest (spec.md §4.8's meta): receives
// test_prepare/test_start, sends each of values as a "name:value" test_msg
// line, then an empty test_msg to signal completion (mirrors
// meta.ManageTest's `string(message) == ""` stop condition), and waits for
// test_finalize.
func RunMeta(ctx context.Context, codec *msgcodec.Codec, values []metadata.NameValue) error {
	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestPrepare); err != nil {
		return fmt.Errorf("test_prepare: %w", err)
	}
	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestStart); err != nil {
		return fmt.Errorf("test_start: %w", err)
	}
	for _, nv := range values {
		line := fmt.Sprintf("%s:%s", nv.Name, nv.Value)
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestMsg, []byte(line)); err != nil {
			return fmt.Errorf("sending meta value %q: %w", nv.Name, err)
		}
	}
	if err := codec.WriteMessage(ctx, msgcodec.MsgTestMsg, nil); err != nil {
		return fmt.Errorf("sending meta stop marker: %w", err)
	}
	if err := codec.ExpectEmpty(ctx, msgcodec.MsgTestFinalize); err != nil {
		return fmt.Errorf("test_finalize: %w", err)
	}
	return nil
}
