package msgcodec

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/m-lab/ndt5-client/internal/errclass"
)

func rawCodecPair(t *testing.T) (client, server *Codec) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { c.Close(); s.Close() })
	client = &Codec{Transport: NewRawTransport(c, time.Second)}
	server = &Codec{Transport: NewRawTransport(s, time.Second)}
	return client, server
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 65535} {
		n := n
		t.Run("", func(t *testing.T) {
			client, server := rawCodecPair(t)
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i)
			}
			errc := make(chan error, 1)
			go func() { errc <- client.WriteMessage(context.Background(), MsgTestMsg, payload) }()

			typ, got, err := server.ReadMessage(context.Background())
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if err := <-errc; err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			if typ != MsgTestMsg {
				t.Errorf("type = %v, want MsgTestMsg", typ)
			}
			if len(got) != n {
				t.Fatalf("got %d bytes, want %d", len(got), n)
			}
		})
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	client, _ := rawCodecPair(t)
	payload := make([]byte, MaxMessageSize+1)
	err := client.WriteMessage(context.Background(), MsgTestMsg, payload)
	if errclass.KindOf(err) != errclass.KindMessageSize {
		t.Errorf("Kind = %v, want KindMessageSize", errclass.KindOf(err))
	}
}

func TestExtendedLoginRoundTrip(t *testing.T) {
	client, server := rawCodecPair(t)
	go client.WriteExtendedLogin(context.Background(), "3.7.0", 1<<2|1<<5)

	typ, payload, err := server.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if typ != MsgExtendedLogin {
		t.Fatalf("type = %v, want MsgExtendedLogin", typ)
	}
	var body jsonBody
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Msg != "3.7.0" {
		t.Errorf("Msg = %q, want 3.7.0", body.Msg)
	}
}

func TestExpectTestPrepareSingleStream(t *testing.T) {
	client, server := rawCodecPair(t)
	go server.WriteMessage(context.Background(), MsgTestPrepare, []byte("3010"))

	port, nflows, err := client.ExpectTestPrepare(context.Background())
	if err != nil {
		t.Fatalf("ExpectTestPrepare: %v", err)
	}
	if port != "3010" || nflows != 1 {
		t.Errorf("got (%q, %d), want (\"3010\", 1)", port, nflows)
	}
}

func TestExpectTestPrepareMultiStream(t *testing.T) {
	client, server := rawCodecPair(t)
	go server.WriteMessage(context.Background(), MsgTestPrepare, []byte("3010 3"))

	port, nflows, err := client.ExpectTestPrepare(context.Background())
	if err != nil {
		t.Fatalf("ExpectTestPrepare: %v", err)
	}
	if port != "3010" || nflows != 3 {
		t.Errorf("got (%q, %d), want (\"3010\", 3)", port, nflows)
	}
}

func TestExpectTestPrepareRejectsNflowsOutOfRange(t *testing.T) {
	client, server := rawCodecPair(t)
	go server.WriteMessage(context.Background(), MsgTestPrepare, []byte("3010 99"))

	_, _, err := client.ExpectTestPrepare(context.Background())
	if err == nil {
		t.Fatal("expected an error for nflows=99, got nil")
	}
}

func TestExpectEmptyRejectsNonEmptyBody(t *testing.T) {
	client, server := rawCodecPair(t)
	go server.WriteMessage(context.Background(), MsgTestStart, []byte("unexpected"))

	err := client.ExpectEmpty(context.Background(), MsgTestStart)
	if err == nil {
		t.Fatal("expected an error for a non-empty body, got nil")
	}
}
