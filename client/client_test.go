package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/m-lab/ndt5-client/internal/msgcodec"
	"github.com/m-lab/ndt5-client/internal/ndttest"
	"github.com/m-lab/ndt5-client/internal/session"
	"github.com/m-lab/ndt5-client/internal/subtest"
	"github.com/m-lab/ndt5-client/metadata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// loginServer runs the shared prefix of every control-channel script: read
// extended_login, admit immediately, and announce the given test list.
func loginServer(ctx context.Context, codec *msgcodec.Codec, tests session.Test) error {
	if _, _, err := codec.ReadMessage(ctx); err != nil {
		return fmt.Errorf("reading extended_login: %w", err)
	}
	if err := codec.WriteMessage(ctx, msgcodec.MsgSrvQueue, []byte("0")); err != nil {
		return err
	}
	if err := codec.WriteJSON(ctx, msgcodec.MsgLogin, "v5.0-NDTinGO"); err != nil {
		return err
	}
	return codec.WriteJSON(ctx, msgcodec.MsgLogin, fmt.Sprintf("%d", tests))
}

func TestRunHappyPathDownloadAndMeta(t *testing.T) {
	control, err := ndttest.Listen()
	if err != nil {
		t.Fatal(err)
	}
	data, err := ndttest.ListenData()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wantTests := session.TestS2C | session.TestMeta
	scriptDone := control.Serve(ctx, func(ctx context.Context, codec *msgcodec.Codec) error {
		if err := loginServer(ctx, codec, wantTests); err != nil {
			return err
		}

		// S2C (download).
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestPrepare, []byte(data.Port())); err != nil {
			return err
		}
		dataConn, err := data.Accept()
		if err != nil {
			return err
		}
		defer dataConn.Close()
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestStart, nil); err != nil {
			return err
		}
		dataConn.Write(ndttest.FillPattern(32768))
		dataConn.Close()
		if err := codec.WriteJSON(ctx, msgcodec.MsgTestMsg, "5000"); err != nil {
			return err
		}
		if _, _, err := codec.ReadMessage(ctx); err != nil { // client's measured-throughput ack
			return err
		}
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestFinalize, nil); err != nil {
			return err
		}

		// Meta.
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestPrepare, nil); err != nil {
			return err
		}
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestStart, nil); err != nil {
			return err
		}
		for {
			typ, payload, err := codec.ReadMessage(ctx)
			if err != nil {
				return err
			}
			if typ != msgcodec.MsgTestMsg || len(payload) == 0 {
				break
			}
		}
		if err := codec.WriteMessage(ctx, msgcodec.MsgTestFinalize, nil); err != nil {
			return err
		}

		if err := codec.WriteMessage(ctx, msgcodec.MsgResults, []byte("ThroughputValue: 1000\nweb100_SegsOut: 42")); err != nil {
			return err
		}
		return codec.WriteMessage(ctx, msgcodec.MsgLogout, nil)
	})

	var perfSamples int
	var results []string
	c := New(Settings{
		Hostname: "127.0.0.1",
		Port:     control.Port(),
		Tests:    wantTests,
		Metadata: []metadata.NameValue{{Name: "client.os.name", Value: "linux"}},
		OnPerformance: func(s subtest.Sample) {
			perfSamples++
		},
		OnResult: func(scope, name, value string) {
			results = append(results, scope+"."+name+"="+value)
		},
	})

	ok := c.Run(ctx)
	if !ok {
		t.Fatal("Run() = false, want true")
	}
	if err := <-scriptDone; err != nil {
		t.Fatalf("server script failed: %v", err)
	}
	wantResults := []string{"summary.download.nflows=1", "summary.ThroughputValue=1000", "web100.web100_SegsOut=42"}
	for _, want := range wantResults {
		found := false
		for _, r := range results {
			if r == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("results = %v, missing %q", results, want)
		}
	}
	_ = perfSamples // a single 32KB transfer may complete before the first tick fires
}

func TestRunAdvancesPastBusyCandidate(t *testing.T) {
	control, err := ndttest.Listen()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scriptDone := make(chan error, 1)
	go func() {
		conn1, err := control.Listener.Accept()
		if err != nil {
			scriptDone <- err
			return
		}
		codec1 := &msgcodec.Codec{Transport: msgcodec.NewRawTransport(conn1, 5 * time.Second)}
		if _, _, err := codec1.ReadMessage(ctx); err != nil {
			conn1.Close()
			scriptDone <- err
			return
		}
		if err := codec1.WriteMessage(ctx, msgcodec.MsgSrvQueue, []byte("9977")); err != nil {
			conn1.Close()
			scriptDone <- err
			return
		}
		conn1.Close()

		conn2, err := control.Listener.Accept()
		control.Listener.Close()
		if err != nil {
			scriptDone <- err
			return
		}
		defer conn2.Close()
		codec2 := &msgcodec.Codec{Transport: msgcodec.NewRawTransport(conn2, 5 * time.Second)}
		if err := loginServer(ctx, codec2, 0); err != nil {
			scriptDone <- err
			return
		}
		if err := codec2.WriteMessage(ctx, msgcodec.MsgResults, []byte("done")); err != nil {
			scriptDone <- err
			return
		}
		scriptDone <- codec2.WriteMessage(ctx, msgcodec.MsgLogout, nil)
	}()

	var busyReports int
	c := New(Settings{
		Port:         control.Port(),
		OnServerBusy: func(hostname, reason string) { busyReports++ },
	})
	c.Directory = stubDirectory{hosts: []string{"127.0.0.1", "127.0.0.1"}}

	ok := c.Run(ctx)
	if !ok {
		t.Fatal("expected the second candidate to succeed")
	}
	if busyReports != 1 {
		t.Errorf("busyReports = %d, want 1", busyReports)
	}
	if err := <-scriptDone; err != nil {
		t.Fatalf("server script failed: %v", err)
	}
}

type stubDirectory struct {
	hosts []string
	err   error
}

func (s stubDirectory) Discover(ctx context.Context) ([]string, error) {
	return s.hosts, s.err
}
