package stages_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-fep/fep/internal/channel"
	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/netio"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/pool"
	"github.com/go-fep/fep/internal/resilience"
	"github.com/go-fep/fep/internal/stages"
)

// fakeHSM records the PIN block and account id it was asked to translate
// and returns a fixed, recognizably-different block.
type fakeHSM struct {
	gotPINBlock string
	gotAccount  string
}

func (f *fakeHSM) TranslatePIN(_ context.Context, pinBlock, accountID string) (string, error) {
	f.gotPINBlock = pinBlock
	f.gotAccount = accountID
	return "TRANSLATED", nil
}

func (f *fakeHSM) VerifyMAC(context.Context, []byte, string) (bool, error) { return true, nil }
func (f *fakeHSM) GenerateMAC(context.Context, []byte) (string, error)     { return "", nil }

func processingSchema() *iso8583.Schema {
	s := &iso8583.Schema{
		Name:        "test",
		Version:     "1",
		MTIEncoding: iso8583.EncodingASCII,
		Header: &iso8583.HeaderDescriptor{
			PrefixBytes:    2,
			PrefixEncoding: iso8583.EncodingBinary,
		},
		Fields: []*iso8583.FieldDescriptor{
			{ID: "bitmap", Class: iso8583.ClassBitmap, Controls: []string{"4", "11", "39", "52", "70", "102"}},
		},
		Defs: []*iso8583.FieldDescriptor{
			{ID: "4", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 12, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
			{ID: "11", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 6, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
			{ID: "39", Class: iso8583.ClassAlphanum, LengthKind: iso8583.LengthFixed, MaxLen: 2, BodyEncoding: iso8583.EncodingASCII},
			{ID: "52", Class: iso8583.ClassAlphanum, LengthKind: iso8583.LengthFixed, MaxLen: 16, BodyEncoding: iso8583.EncodingASCII},
			{ID: "70", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 3, BodyEncoding: iso8583.EncodingASCII, PadChar: '0'},
			{ID: "102", Class: iso8583.ClassAlphanum, LengthKind: iso8583.LengthLLVAR, MaxLen: 28, BodyEncoding: iso8583.EncodingASCII},
		},
	}
	s.Compile()
	return s
}

func runEchoPeer(t *testing.T, ln net.Listener, schema *iso8583.Schema, responseCode string) {
	t.Helper()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			reader := netio.NewFrameReader(c, schema.Header, iso8583.DefaultMaxFrameSize)
			writer := netio.NewFrameWriter(c)
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
				resp.Set("39", responseCode)
				out, err := iso8583.Encode(resp, schema)
				if err != nil {
					return
				}
				if err := writer.WriteFrame(out, time.Now().Add(2*time.Second)); err != nil {
					return
				}
			}
		}(conn)
	}
}

func newEchoPeer(t *testing.T, responseCode string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	schema := processingSchema()
	go runEchoPeer(t, ln, schema, responseCode)
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestRouter(t *testing.T, route, addr string) *pool.Router {
	t.Helper()
	r := pool.NewRouter(nil)
	cfg := pool.RouteConfig{
		Name: route,
		Members: []channel.Profile{{
			Name:            route + "-primary",
			Mode:            channel.ModeSingleSocket,
			SendAddr:        addr,
			Schema:          processingSchema(),
			AcquirerID:      "00001",
			ResponseTimeout: 2 * time.Second,
			IdleInterval:    time.Hour,
		}},
		MaintenanceInterval: time.Hour,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.AddRoute(ctx, cfg); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	return r
}

func acquireWithRetry(t *testing.T, router *pool.Router, route string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := router.Acquire(route); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel for route %s never became available", route)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessorSendsAndAttachesResponse(t *testing.T) {
	t.Parallel()

	addr, stop := newEchoPeer(t, "00")
	defer stop()
	router := newTestRouter(t, "route-1", addr)
	defer router.Close()
	acquireWithRetry(t, router, "route-1")

	p := stages.NewProcessor(router, nil, nil, nil, "")

	req := iso8583.NewMessage("0200")
	req.Set("4", "000000010000")
	pctx := pipeline.NewContext(req)
	pctx.Route = "route-1"

	if err := p.Handle(context.Background(), pctx); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	if pctx.Response == nil {
		t.Fatal("Response = nil, want the peer's 0810")
	}
	if rc, _ := pctx.Response.Get("39"); rc != "00" {
		t.Fatalf("Response[39] = %q, want 00", rc)
	}
}

func TestProcessorTranslatesPINBlockThroughHSM(t *testing.T) {
	t.Parallel()

	addr, stop := newEchoPeer(t, "00")
	defer stop()
	router := newTestRouter(t, "route-pin", addr)
	defer router.Close()
	acquireWithRetry(t, router, "route-pin")

	hsmSvc := &fakeHSM{}
	p := stages.NewProcessor(router, nil, nil, hsmSvc, "102")

	req := iso8583.NewMessage("0200")
	req.Set("4", "000000010000")
	req.Set("52", "ORIGINALPINBLK01")
	req.Set("102", "00000001")
	pctx := pipeline.NewContext(req)
	pctx.Route = "route-pin"

	if err := p.Handle(context.Background(), pctx); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	if hsmSvc.gotPINBlock != "ORIGINALPINBLK01" {
		t.Errorf("HSM saw PIN block %q, want ORIGINALPINBLK01", hsmSvc.gotPINBlock)
	}
	if hsmSvc.gotAccount != "00000001" {
		t.Errorf("HSM saw account %q, want 00000001", hsmSvc.gotAccount)
	}
	if pin, _ := pctx.Response.Get("52"); pin != "TRANSLATED" {
		t.Errorf("echoed PIN block = %q, want TRANSLATED (the HSM-translated value actually sent)", pin)
	}
}

func TestProcessorFailsWithoutRoute(t *testing.T) {
	t.Parallel()

	p := stages.NewProcessor(pool.NewRouter(nil), nil, nil, nil, "")
	pctx := pipeline.NewContext(iso8583.NewMessage("0200"))

	err := p.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindRoutingFailure {
		t.Fatalf("Handle() = %v, want KindRoutingFailure", err)
	}
}

func TestProcessorMapsPoolExhaustedToChannelUnavailable(t *testing.T) {
	t.Parallel()

	router := pool.NewRouter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.AddRoute(ctx, pool.RouteConfig{Name: "empty-route", MaintenanceInterval: time.Hour}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	defer router.Close()

	p := stages.NewProcessor(router, nil, nil, nil, "")
	pctx := pipeline.NewContext(iso8583.NewMessage("0200"))
	pctx.Route = "empty-route"

	err := p.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindChannelUnavailable {
		t.Fatalf("Handle() = %v, want KindChannelUnavailable", err)
	}
}

func TestProcessorRespectsOpenCircuitBreaker(t *testing.T) {
	t.Parallel()

	addr, stop := newEchoPeer(t, "00")
	defer stop()
	router := newTestRouter(t, "route-2", addr)
	defer router.Close()
	acquireWithRetry(t, router, "route-2")

	breaker := resilience.NewCircuitBreaker("route-2", resilience.BreakerConfig{
		FailureRateThreshold: 50,
		MinimumCalls:         1,
		WindowSize:           10,
	}, nil)
	breaker.RecordOutcome(false, 0)

	gates := resilience.NewRegistry()
	gates.Register("route-2", resilience.NewGate("route-2", nil, breaker))

	p := stages.NewProcessor(router, gates, nil, nil, "")
	pctx := pipeline.NewContext(iso8583.NewMessage("0200"))
	pctx.Route = "route-2"

	err := p.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindCircuitOpen {
		t.Fatalf("Handle() = %v, want KindCircuitOpen", err)
	}
	if !errors.Is(pe, resilience.ErrCircuitOpen) {
		t.Fatalf("PipelineError does not unwrap to ErrCircuitOpen: %v", pe)
	}
}
