package channel_test

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/go-fep/fep/internal/channel"
	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/netio"
	"github.com/go-fep/fep/internal/netproto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSchema() *iso8583.Schema {
	s := &iso8583.Schema{
		Name:        "test",
		Version:     "1",
		MTIEncoding: iso8583.EncodingASCII,
		Header: &iso8583.HeaderDescriptor{
			PrefixBytes:    2,
			PrefixEncoding: iso8583.EncodingBinary,
		},
		Fields: []*iso8583.FieldDescriptor{
			{ID: "bitmap", Class: iso8583.ClassBitmap, Controls: []string{"4", "11", "39", "70"}},
		},
		Defs: []*iso8583.FieldDescriptor{
			{ID: "4", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 12, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
			{ID: "11", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 6, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
			{ID: "39", Class: iso8583.ClassAlphanum, LengthKind: iso8583.LengthFixed, MaxLen: 2, BodyEncoding: iso8583.EncodingASCII},
			{ID: "70", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 3, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
		},
	}
	s.Compile()
	return s
}

// runFakePeer accepts one connection on ln and echoes every request back
// as an 0810 response with response code 00, preserving whatever fields
// the request carried (STAN, network-management code).
func runFakePeer(t *testing.T, ln net.Listener, schema *iso8583.Schema) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := netio.NewFrameReader(conn, schema.Header, iso8583.DefaultMaxFrameSize)
	writer := netio.NewFrameWriter(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return
		}
		msg, err := iso8583.Decode(frame, schema)
		if err != nil {
			continue
		}
		resp := msg.Clone()
		resp.MTI = "0810"
		resp.Set("39", "00")
		out, err := iso8583.Encode(resp, schema)
		if err != nil {
			return
		}
		if err := writer.WriteFrame(out, time.Now().Add(2*time.Second)); err != nil {
			return
		}
	}
}

func newTestChannel(t *testing.T, addr string) *channel.Channel {
	t.Helper()
	ch, err := channel.New(channel.Profile{
		Name:            "acq1",
		Mode:            channel.ModeSingleSocket,
		SendAddr:        addr,
		Schema:          testSchema(),
		AcquirerID:      "00001",
		ResponseTimeout: 2 * time.Second,
		IdleInterval:    time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestConnectSignsOnAndSendsAndReceives(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	schema := testSchema()
	go runFakePeer(t, ln, schema)

	ch := newTestChannel(t, ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.State() != netproto.StateSignedOn {
		t.Fatalf("state = %s, want SIGNED_ON", ch.State())
	}
	if !ch.Healthy() {
		t.Fatal("channel should be healthy once signed on")
	}

	req := iso8583.NewMessage("0200")
	req.Set("4", "000000010000")
	resp, err := ch.SendAndReceive(ctx, req)
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if rc, _ := resp.Get("39"); rc != "00" {
		t.Fatalf("response code = %q, want 00", rc)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ch.State() != netproto.StateDisconnected {
		t.Fatalf("state after close = %s, want DISCONNECTED", ch.State())
	}
}

func TestSendAndReceiveBlockedBeforeSignOn(t *testing.T) {
	t.Parallel()

	ch, err := channel.New(channel.Profile{
		Name:     "acq1",
		SendAddr: "127.0.0.1:1", // never dialed in this test
		Schema:   testSchema(),
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = ch.SendAndReceive(context.Background(), iso8583.NewMessage("0200"))
	if err == nil {
		t.Fatal("expected error sending before sign-on")
	}
}

func TestConnectFailsWhenPeerUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens anymore

	ch, err := channel.New(channel.Profile{
		Name:            "acq1",
		Mode:            channel.ModeSingleSocket,
		SendAddr:        addr,
		Schema:          testSchema(),
		ConnectTimeout:  200 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err == nil {
		t.Fatal("expected Connect to fail against an unreachable peer")
	}
	if ch.State() != netproto.StateFailed {
		t.Fatalf("state = %s, want FAILED", ch.State())
	}
	_ = ch.Close()
}
