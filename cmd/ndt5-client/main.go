// Command ndt5-client runs one NDT v3.7.0 measurement against an explicit
// server or against whatever mlab-ns discovers, in the same flag-based CLI
// style as _examples/m-lab-ndt-server/cmd/ndt-client/main.go and
// cmd/ndt-cloud-client/main.go, generalized from those repos' single-purpose
// download/upload runners to the full login/queue/subtest/logout session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/m-lab/ndt5-client/client"
	"github.com/m-lab/ndt5-client/internal/discovery"
	"github.com/m-lab/ndt5-client/internal/session"
	"github.com/m-lab/ndt5-client/internal/subtest"
	"github.com/m-lab/ndt5-client/logging"
)

var (
	hostname    = flag.String("hostname", "", "Host to connect to; empty autodiscovers via mlab-ns")
	port        = flag.String("port", "", "Control port; defaults to 3001 (3010 with -tls)")
	download    = flag.Bool("download", true, "Run the download (S2C) subtest")
	upload      = flag.Bool("upload", false, "Run the upload (C2S) subtest")
	meta        = flag.Bool("meta", false, "Run the meta subtest")
	useTLS      = flag.Bool("tls", false, "Use TLS for the control and data connections")
	skipVerify  = flag.Bool("skip-tls-verify", false, "Skip TLS peer verification")
	caBundle    = flag.String("ca-bundle", "", "Path to a CA bundle for TLS verification")
	useWS       = flag.Bool("websocket", false, "Use WebSocket framing")
	useJSON     = flag.Bool("json", false, "Use the JSON message encoding over a raw transport")
	socks5hPort = flag.Int("socks5h-port", 0, "Local SOCKS5h proxy port, 0 to disable")
	verbosity   = flag.String("verbosity", "warning", "Log verbosity: quiet, warning, info, debug")
)

func main() {
	flag.Parse()

	logger := logging.NewTextLogger(logging.LevelFromVerbosity(*verbosity))

	var tests session.Test
	if *download {
		tests |= session.TestS2C
	}
	if *upload {
		tests |= session.TestC2S
	}
	if *meta {
		tests |= session.TestMeta
	}

	controlPort := *port
	if controlPort == "" {
		if *useTLS {
			controlPort = "3010"
		} else {
			controlPort = "3001"
		}
	}

	settings := client.Settings{
		Hostname:        *hostname,
		Port:            controlPort,
		DiscoveryPolicy: discovery.PolicyGeoOptions,
		Tests:           tests,
		JSON:            *useJSON,
		TLS:             *useTLS,
		TLSVerify:       !*skipVerify,
		CABundle:        *caBundle,
		WebSocket:       *useWS,
		Socks5hPort:     *socks5hPort,
		Verbosity:       *verbosity,
		OnWarning:       func(msg string) { logger.Warn(msg) },
		OnInfo:          func(msg string) { logger.Info(msg) },
		OnDebug:         func(msg string) { logger.Debug(msg) },
		OnServerBusy: func(host, reason string) {
			logger.Warnf("%s reported busy (reason %s)", host, reason)
		},
		OnPerformance: func(s subtest.Sample) {
			fmt.Printf("%s: %d bytes in %.2fs (nflows=%d)\n",
				s.Direction, s.TotalBytes, float64(s.ElapsedNanos)/1e9, s.NumFlows)
		},
		OnResult: func(scope, name, value string) {
			fmt.Printf("%s.%s: %s\n", scope, name, value)
		},
	}

	c := client.New(settings)
	ok := c.Run(context.Background())
	if !ok {
		logger.Error("run failed")
		os.Exit(1)
	}
}
