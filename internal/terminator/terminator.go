package terminator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/netio"
	"github.com/go-fep/fep/internal/pipeline"
)

// defaultMaxInFlightPerConnection bounds how many pipelines one connection
// may have running at once (spec §5 "Backpressure"). The next frame is not
// read off the socket until a slot frees up.
const defaultMaxInFlightPerConnection = 32

// defaultWriteTimeout bounds how long writing an encoded response may take
// before the connection is considered stuck.
const defaultWriteTimeout = 10 * time.Second

// MetricsRecorder receives terminator-level counters. Implemented by
// internal/metrics; nil-safe via noopMetrics.
type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	TransactionHandled(route string, responseCode string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()                                   {}
func (noopMetrics) ConnectionClosed()                                   {}
func (noopMetrics) TransactionHandled(_, _ string, _ time.Duration) {}

// Option configures a Terminator.
type Option func(*Terminator)

// WithMaxInFlightPerConnection overrides the per-connection concurrency
// bound. Values <= 0 are ignored.
func WithMaxInFlightPerConnection(n int) Option {
	return func(t *Terminator) {
		if n > 0 {
			t.maxInFlight = n
		}
	}
}

// WithWriteTimeout overrides how long a response write may take.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithMetrics sets the MetricsRecorder. A nil recorder is ignored.
func WithMetrics(m MetricsRecorder) Option {
	return func(t *Terminator) {
		if m != nil {
			t.metrics = m
		}
	}
}

// Terminator is the C10 server terminator: it accepts inbound acquirer
// connections and drives each decoded message through a pipeline.Pipeline.
type Terminator struct {
	listener *netio.Listener
	schema   *iso8583.Schema
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	maxInFlight  int
	writeTimeout time.Duration
	metrics      MetricsRecorder
}

// New binds addr and returns a Terminator ready to Serve. schema must be
// compiled (see iso8583.Schema.Compile) and describe the header framing
// acquirers use; pl drives every decoded message to completion.
func New(addr string, schema *iso8583.Schema, pl *pipeline.Pipeline, logger *slog.Logger, opts ...Option) (*Terminator, error) {
	if schema == nil {
		return nil, errors.New("terminator: schema is required")
	}
	if pl == nil {
		return nil, errors.New("terminator: pipeline is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "terminator"))

	ln, err := netio.Listen(addr, logger)
	if err != nil {
		return nil, fmt.Errorf("terminator: %w", err)
	}

	t := &Terminator{
		listener:     ln,
		schema:       schema,
		pipeline:     pl,
		logger:       logger,
		maxInFlight:  defaultMaxInFlightPerConnection,
		writeTimeout: defaultWriteTimeout,
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Addr returns the bound listen address.
func (t *Terminator) Addr() net.Addr { return t.listener.Addr() }

// Serve accepts connections until ctx is cancelled, dispatching each to its
// own handler goroutine. It returns once the listener stops accepting.
func (t *Terminator) Serve(ctx context.Context) error {
	return t.listener.Serve(ctx, t.handleConn)
}

// Close stops accepting new connections.
func (t *Terminator) Close() error { return t.listener.Close() }

// handleConn reads frame-at-a-time from one acquirer connection, running
// each decoded message through the pipeline on its own goroutine. The read
// loop only pulls the next frame once a semaphore slot is free, which is
// exactly spec §5's backpressure rule: "the next read is gated on a
// pipeline completing."
func (t *Terminator) handleConn(ctx context.Context, conn net.Conn) {
	t.metrics.ConnectionOpened()
	defer t.metrics.ConnectionClosed()
	defer conn.Close()

	reader := netio.NewFrameReader(conn, t.schema.Header, iso8583.DefaultMaxFrameSize)
	writer := netio.NewFrameWriter(conn)

	slots := make(chan struct{}, t.maxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			<-slots
			if !errors.Is(err, netio.ErrConnClosed) {
				t.logger.WarnContext(ctx, "read frame", slog.String("remote", conn.RemoteAddr().String()), slog.Any("error", err))
			}
			return
		}

		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			defer func() { <-slots }()
			t.handleFrame(ctx, writer, frame)
		}(frame)
	}
}

// handleFrame decodes one frame, runs it through the pipeline, and writes
// the encoded response back. Decode failures have no STAN to key a
// response on and are only logged, matching spec §4.1's schema-violation
// edge policy for frames that never become a valid message.
func (t *Terminator) handleFrame(ctx context.Context, writer *netio.FrameWriter, frame []byte) {
	started := time.Now()

	msg, err := iso8583.Decode(frame, t.schema)
	if err != nil {
		t.logger.WarnContext(ctx, "decode frame", slog.Any("error", err))
		return
	}

	pctx := pipeline.NewContext(msg)
	t.pipeline.Run(ctx, pctx)

	if pctx.Response == nil {
		t.logger.ErrorContext(ctx, "pipeline produced no response", slog.String("trace_id", pctx.TraceID))
		return
	}

	responseCode, _ := pctx.Response.Get("39")
	t.metrics.TransactionHandled(pctx.Route, responseCode, time.Since(started))

	out, err := iso8583.Encode(pctx.Response, t.schema)
	if err != nil {
		t.logger.ErrorContext(ctx, "encode response", slog.String("trace_id", pctx.TraceID), slog.Any("error", err))
		return
	}
	if err := writer.WriteFrame(out, time.Now().Add(t.writeTimeout)); err != nil {
		t.logger.WarnContext(ctx, "write response", slog.String("trace_id", pctx.TraceID), slog.Any("error", err))
	}
}
