// Package clientmetrics exports prometheus counters and histograms for the
// client's own dial and subtest activity, in the same promauto style as
// _examples/m-lab-ndt-server/ndt5/metrics/metrics.go, generalized from
// server-side "requests accepted" counters to client-side "dials attempted,
// bytes moved" counters.
package clientmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DialDuration records how long a full dial through the dial stack takes.
	// client.Client observes only the control connection's dial, under the
	// "layer" label value "control"; subtest data dials are not recorded.
	DialDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ndt5_client_dial_duration_seconds",
			Help: "How long connection establishment through the dial stack takes.",
			Buckets: []float64{
				.01, .025, .05, .1, .25, .5,
				1, 2.5, 5, 7.5, 10, 15, 30,
			},
		},
		[]string{"layer"},
	)

	// DialErrors counts dial failures by the errclass.Kind they map to.
	DialErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_dial_errors_total",
			Help: "Number of dial-stack failures, by error kind.",
		},
		[]string{"kind"},
	)

	// ServerBusyCount counts how many times a discovered candidate reported
	// it was too busy to admit the client (msg_srv_queue with reason "9977";
	// other nonzero reasons are queue updates and are not counted).
	ServerBusyCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_server_busy_total",
			Help: "Number of times a candidate server reported itself too busy to run the test.",
		},
		[]string{"hostname"},
	)

	// SubtestBytes tracks bytes moved by direction (download/upload).
	SubtestBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_subtest_bytes_total",
			Help: "Bytes transferred during C2S/S2C subtests, by direction.",
		},
		[]string{"direction"},
	)

	// SubtestDuration records how long each subtest ran.
	SubtestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ndt5_client_subtest_duration_seconds",
			Help: "How long each subtest ran, by direction.",
			Buckets: []float64{
				.5, 1, 2, 4, 6, 8, 10, 12, 15,
			},
		},
		[]string{"direction"},
	)

	// RunResults counts completed client runs by final outcome.
	RunResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_run_results_total",
			Help: "Number of completed client runs, by result (success, error).",
		},
		[]string{"result"},
	)
)
