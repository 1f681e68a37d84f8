// Package client implements the public NDT v3.7.0 client API: Settings and
// Client orchestrate discovery, the dial stack, the message codec, the
// control-channel session, and the subtest engines into the single run()
// entry point of spec.md §2, mirroring the simplified wiring style of
// _examples/m-lab-ndt-server/cmd/ndt-client/client/client.go (Settings-typed
// struct, callback fields instead of an event bus) generalized from the
// ndt7 happy-path-only client to the full ndt5 login/queue/subtest/logout
// state machine.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/m-lab/ndt5-client/internal/clientmetrics"
	"github.com/m-lab/ndt5-client/internal/dialstack"
	"github.com/m-lab/ndt5-client/internal/discovery"
	"github.com/m-lab/ndt5-client/internal/errclass"
	"github.com/m-lab/ndt5-client/internal/msgcodec"
	"github.com/m-lab/ndt5-client/internal/netio"
	"github.com/m-lab/ndt5-client/internal/session"
	"github.com/m-lab/ndt5-client/internal/subtest"
	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metadata"
)

// ClientVersion is embedded in the extended_login message and in the
// default client.version metadata entry, per spec.md §3.
const ClientVersion = "v3.7.0"

// defaultIOTimeout is spec.md §3's default I/O timeout.
const defaultIOTimeout = 7 * time.Second

// defaultMaxRuntime is spec.md §3's default max subtest runtime.
const defaultMaxRuntime = 14 * time.Second

// Settings holds every caller-supplied, run-immutable configuration value
// from spec.md §3's Data Model.
type Settings struct {
	// Hostname and Port name an explicit server, bypassing discovery. If
	// Hostname is empty, Run discovers one or more candidates instead.
	Hostname string
	Port     string

	// DiscoveryBaseURL and DiscoveryPolicy configure the nearby-server
	// directory lookup used when Hostname is empty. The zero value of
	// DiscoveryPolicy is discovery.PolicyGeoOptions, spec.md §6's default.
	DiscoveryBaseURL string
	DiscoveryPolicy  discovery.Policy

	// IOTimeout bounds every individual read/write; MaxRuntime bounds a
	// single subtest's transfer phase.
	IOTimeout  time.Duration
	MaxRuntime time.Duration

	// Tests is the requested subtest bitmask (session.Test bits). There is
	// no separate upload_ext/download_ext bit: per
	// _examples/m-lab-ndt-server/ndt5/ndt5.go's cTest* constants, the
	// multi-stream variants are the same TestC2S/TestS2C test ids, and the
	// server alone decides nflows, carried in its test_prepare payload
	// (msgcodec.Codec.ExpectTestPrepare).
	Tests session.Test

	// JSON, TLS, and WebSocket select the protocol mask, any combination.
	JSON      bool
	TLS       bool
	TLSVerify bool
	CABundle  string
	WebSocket bool

	// Socks5hPort, if non-zero, tunnels every dial through a local SOCKS5h
	// proxy.
	Socks5hPort int

	// Metadata is sent during the meta subtest, defaulted below with
	// client.version if the caller didn't already set it.
	Metadata []metadata.NameValue

	// Verbosity gates OnDebug/OnInfo per logging.LevelFromVerbosity.
	Verbosity string

	// OnWarning, OnInfo, and OnDebug are the logging sinks of spec.md §1's
	// external collaborators; nil is treated as "discard".
	OnWarning func(msg string)
	OnInfo    func(msg string)
	OnDebug   func(msg string)
	// OnPerformance fires roughly every 250ms during a transfer.
	OnPerformance func(subtest.Sample)
	// OnResult fires once per "name: value" line in a msg_results payload,
	// scoped "web100", "tcp_info", or "summary" per spec.md §4.7 step 9.
	OnResult func(scope, name, value string)
	// OnServerBusy fires once per candidate that reports itself busy; it
	// may fire more than once per run if several candidates are busy in
	// turn.
	OnServerBusy func(hostname, reason string)
}

func (s *Settings) fill() {
	if s.IOTimeout <= 0 {
		s.IOTimeout = defaultIOTimeout
	}
	if s.MaxRuntime <= 0 {
		s.MaxRuntime = defaultMaxRuntime
	}
	if s.DiscoveryBaseURL == "" {
		s.DiscoveryBaseURL = discovery.DefaultBaseURL
	}
	// DiscoveryPolicy needs no defaulting here: discovery.PolicyGeoOptions is
	// its zero value, matching spec.md §6's documented default policy.
	hasVersion := false
	for _, nv := range s.Metadata {
		if nv.Name == "client.version" {
			hasVersion = true
			break
		}
	}
	if !hasVersion {
		s.Metadata = append([]metadata.NameValue{{Name: "client.version", Value: ClientVersion}}, s.Metadata...)
	}
}

func (s *Settings) warn(format string, args ...interface{}) {
	if s.OnWarning != nil {
		s.OnWarning(fmt.Sprintf(format, args...))
	}
}

func (s *Settings) info(format string, args ...interface{}) {
	if s.OnInfo != nil && logging.LevelFromVerbosity(s.Verbosity) <= log.InfoLevel {
		s.OnInfo(fmt.Sprintf(format, args...))
	}
}

func (s *Settings) debug(format string, args ...interface{}) {
	if s.OnDebug != nil && logging.LevelFromVerbosity(s.Verbosity) <= log.DebugLevel {
		s.OnDebug(fmt.Sprintf(format, args...))
	}
}

// Client runs one NDT measurement against the servers Settings names or
// discovers.
type Client struct {
	Settings Settings

	// Directory is the injectable nearby-server directory; nil means
	// discovery.NewClient(Settings.DiscoveryBaseURL, ...) is used. Tests
	// substitute a stub per spec.md §1's external-collaborator boundary.
	Directory discovery.Directory
}

// New returns a Client ready to Run, defaulting any zero-valued Settings
// fields.
func New(settings Settings) *Client {
	settings.fill()
	return &Client{Settings: settings}
}

// candidates returns the ordered list of hostnames to try: the explicit
// Settings.Hostname if set, otherwise whatever the directory discovers.
func (c *Client) candidates(ctx context.Context) ([]string, error) {
	if c.Settings.Hostname != "" {
		return []string{c.Settings.Hostname}, nil
	}
	dir := c.Directory
	if dir == nil {
		dir = discovery.NewClient(c.Settings.DiscoveryBaseURL, c.Settings.DiscoveryPolicy, c.Settings.IOTimeout)
	}
	return dir.Discover(ctx)
}

// Run executes the full run() ceremony of spec.md §2's data flow: discover
// candidates, dial and log in to each in turn (advancing past server-busy
// or connect failures), negotiate and run the requested subtests, and log
// out. It returns true only if a full session against some candidate
// completed the results/logout ceremony.
func (c *Client) Run(ctx context.Context) bool {
	runID := uuid.New().String()
	c.Settings.debug("starting run %s", runID)

	hosts, err := c.candidates(ctx)
	if err != nil {
		c.Settings.warn("run %s: discovery failed: %v", runID, err)
		clientmetrics.RunResults.WithLabelValues("error").Inc()
		return false
	}

	port := c.Settings.Port
	if port == "" {
		port = "3001"
	}

	for _, host := range hosts {
		ok := c.runOne(ctx, host, port)
		if ok {
			clientmetrics.RunResults.WithLabelValues("success").Inc()
			return true
		}
	}
	clientmetrics.RunResults.WithLabelValues("error").Inc()
	return false
}

func (c *Client) runOne(ctx context.Context, hostname, port string) bool {
	c.Settings.info("connecting to %s:%s", hostname, port)

	sys := netio.NewSystem(c.Settings.IOTimeout)
	opts := dialstack.Options{
		Socks5hPort: c.Settings.Socks5hPort,
		TLS:         c.Settings.TLS,
		TLSVerify:   c.Settings.TLSVerify,
		TLSCABundle: c.Settings.CABundle,
		WebSocket:   c.Settings.WebSocket,
		WSProtocol:  "ndt",
	}
	stack := dialstack.New(sys, opts)

	start := time.Now()
	conn, wsConn, err := stack.DialMessageConn(ctx, hostname, port)
	clientmetrics.DialDuration.WithLabelValues("control").Observe(time.Since(start).Seconds())
	if err != nil {
		clientmetrics.DialErrors.WithLabelValues(fmt.Sprint(errclass.KindOf(err))).Inc()
		c.Settings.warn("connecting to %s: %v", hostname, err)
		return false
	}
	defer conn.Close()
	if wsConn != nil {
		defer wsConn.Close()
	}
	c.Settings.debug("dial stack established local=%s remote=%s", conn.LocalAddr(), conn.RemoteAddr())

	var transport msgcodec.Transport
	jsonMode := c.Settings.JSON
	if wsConn != nil {
		transport = msgcodec.NewWSTransport(wsConn)
		jsonMode = true // per msgcodec's doc comment, WS transports are always JSON
	} else {
		transport = msgcodec.NewRawTransport(conn, c.Settings.IOTimeout)
	}
	codec := &msgcodec.Codec{Transport: transport, JSON: jsonMode}

	busy := false
	loginResult, err := session.Login(ctx, codec, ClientVersion, c.Settings.Tests, func(reason string) {
		busy = true
		clientmetrics.ServerBusyCount.WithLabelValues(hostname).Inc()
		if c.Settings.OnServerBusy != nil {
			c.Settings.OnServerBusy(hostname, reason)
		}
	})
	if err != nil {
		if busy {
			c.Settings.info("%s reported busy, trying next candidate", hostname)
		} else {
			c.Settings.warn("login to %s failed: %v", hostname, err)
		}
		return false
	}
	c.Settings.info("server version: %s", loginResult.ServerVersion)

	dial := subtest.NewDialer(stack, hostname)
	if !c.runSubtests(ctx, codec, loginResult.Tests, dial) {
		return false
	}

	if err := session.Logout(ctx, codec, c.onResult); err != nil {
		c.Settings.warn("logout to %s failed: %v", hostname, err)
		return false
	}
	logger := logging.NewTextLogger(logging.LevelFromVerbosity(c.Settings.Verbosity))
	session.WaitClose(ctx, codec, logger)
	return true
}

// runSubtests dispatches each negotiated test bit to its engine in a fixed
// order: C2S (upload), then S2C (download), then meta. The middlebox,
// simple-firewall, and status bits are not dispatched to any engine.
func (c *Client) runSubtests(ctx context.Context, codec *msgcodec.Codec, tests session.Test, dial subtest.Dialer) bool {
	runCtx, cancel := context.WithTimeout(ctx, c.Settings.MaxRuntime)
	defer cancel()

	if tests.Has(session.TestC2S) {
		start := time.Now()
		result, err := subtest.RunUpload(runCtx, codec, dial, c.onPerf)
		if err != nil {
			c.Settings.warn("upload subtest failed: %v", err)
			return false
		}
		clientmetrics.SubtestDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
		clientmetrics.SubtestBytes.WithLabelValues("upload").Add(float64(result.NumFlows) * result.ClientMeanThroughputMbps)
		c.deliverResult("upload", result)
	}
	if tests.Has(session.TestS2C) {
		start := time.Now()
		result, err := subtest.RunDownload(runCtx, codec, dial, c.onPerf)
		if err != nil {
			c.Settings.warn("download subtest failed: %v", err)
			return false
		}
		clientmetrics.SubtestDuration.WithLabelValues("download").Observe(time.Since(start).Seconds())
		clientmetrics.SubtestBytes.WithLabelValues("download").Add(float64(result.NumFlows) * result.ClientMeanThroughputMbps)
		c.deliverResult("download", result)
	}
	if tests.Has(session.TestMeta) {
		if err := subtest.RunMeta(runCtx, codec, c.Settings.Metadata); err != nil {
			c.Settings.warn("meta subtest failed: %v", err)
			return false
		}
	}
	return true
}

func (c *Client) onPerf(s subtest.Sample) {
	if c.Settings.OnPerformance != nil {
		c.Settings.OnPerformance(s)
	}
}

// onResult adapts session.Logout's scope/name/value callback to Settings.
func (c *Client) onResult(scope, name, value string) {
	if c.Settings.OnResult != nil {
		c.Settings.OnResult(scope, name, value)
	}
}

// deliverResult reports a locally-measured subtest outcome, scoped
// "summary" alongside the server's own summary-scoped results lines.
func (c *Client) deliverResult(direction string, r *subtest.Result) {
	if c.Settings.OnResult == nil {
		return
	}
	c.Settings.OnResult("summary", direction+".throughput_mbps", fmt.Sprintf("%.4f", r.ClientMeanThroughputMbps))
	c.Settings.OnResult("summary", direction+".server_throughput_mbps", fmt.Sprintf("%.4f", r.ServerReportedThroughputMbps))
	c.Settings.OnResult("summary", direction+".nflows", fmt.Sprintf("%d", r.NumFlows))
}
