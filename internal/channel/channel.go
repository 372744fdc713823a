package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-fep/fep/internal/correlator"
	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/netio"
	"github.com/go-fep/fep/internal/netproto"
)

// Sentinel errors for Channel operations.
var (
	// ErrSchemaRequired indicates a Profile was built without a Schema.
	ErrSchemaRequired = errors.New("channel: profile requires a schema")

	// ErrNotConnected indicates an operation that requires open sockets was
	// attempted before Connect or after a failure/close.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrUserTrafficNotAllowed indicates sendAndReceive was attempted
	// outside SIGNED_ON (spec §3: "Only the SIGNED_ON state permits user
	// traffic").
	ErrUserTrafficNotAllowed = errors.New("channel: user traffic not allowed in current state")

	// ErrSignOnRejected indicates the peer returned a non-zero response
	// code to SIGN_ON_REQ.
	ErrSignOnRejected = errors.New("channel: sign-on rejected")

	// ErrClosed indicates an operation was attempted on a closed Channel.
	ErrClosed = errors.New("channel: closed")
)

// Mode selects whether the Channel's send and receive sockets are the same
// TCP connection or two distinct ones (spec §4.2).
type Mode uint8

const (
	ModeDualSocket Mode = iota
	ModeSingleSocket
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultResponseTimeout   = 30 * time.Second
	defaultIdleInterval      = 30 * time.Second
	defaultMaxEchoFailures   = 3
	defaultBackoffInitial    = 1 * time.Second
	defaultBackoffMax        = 60 * time.Second
	defaultBackoffMultiplier = 2.0

	fieldSTAN                  = "11"
	fieldNetworkManagementCode = "70"
	fieldResponseCode          = "39"

	mtiNetworkManagementRequest  = "0800"
	mtiNetworkManagementResponse = "0810"

	netMgmtSignOn = "001"
	netMgmtSignOff = "002"
	netMgmtEcho   = "301"

	responseCodeOK = "00"
)

// Profile holds one Channel's static configuration (spec §6 "channel
// profile").
type Profile struct {
	Name string

	// Mode selects single- or dual-socket operation.
	Mode Mode

	// SendAddr is dialed for the send socket (and the receive socket too,
	// under ModeSingleSocket).
	SendAddr string

	// ReceiveAddr is dialed for the receive socket under ModeDualSocket.
	// Defaults to SendAddr when empty.
	ReceiveAddr string

	Schema *iso8583.Schema

	// AcquirerID disambiguates this Channel's financial trace keys from
	// another Channel's STAN space (spec §4.3 "acquiring-institution id").
	AcquirerID string

	ConnectTimeout    time.Duration
	ResponseTimeout   time.Duration
	IdleInterval      time.Duration
	MaxEchoFailures   int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
}

func (p *Profile) setDefaults() {
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = defaultConnectTimeout
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = defaultResponseTimeout
	}
	if p.IdleInterval <= 0 {
		p.IdleInterval = defaultIdleInterval
	}
	if p.MaxEchoFailures <= 0 {
		p.MaxEchoFailures = defaultMaxEchoFailures
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = defaultBackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = defaultBackoffMax
	}
	if p.BackoffMultiplier <= 1 {
		p.BackoffMultiplier = defaultBackoffMultiplier
	}
	if p.ReceiveAddr == "" {
		p.ReceiveAddr = p.SendAddr
	}
}

// Option configures optional Channel parameters.
type Option func(*Channel)

// WithNotify attaches a channel that receives every FSM StateChange. Sends
// are non-blocking; a full channel drops the notification and logs a
// warning.
func WithNotify(ch chan<- netproto.StateChange) Option {
	return func(c *Channel) { c.notifyCh = ch }
}

// Channel implements the C2 contract over a dual- or single-socket TCP
// link, driven by the netproto FSM and backed by a correlator for request
// matching.
type Channel struct {
	name    string
	profile Profile
	logger  *slog.Logger

	state atomic.Uint32 // netproto.State

	mu       sync.Mutex
	sendConn net.Conn
	recvConn net.Conn
	writer   *netio.FrameWriter
	reader   *netio.FrameReader

	correlator *correlator.Correlator
	stan       *correlator.StanAllocator

	lastActivity atomic.Int64
	echoFailures atomic.Int32
	closed       atomic.Bool

	notifyCh chan<- netproto.StateChange

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New returns a Channel ready to Connect. The Channel goroutines are not
// started until Connect is called.
func New(profile Profile, logger *slog.Logger, opts ...Option) (*Channel, error) {
	if profile.Schema == nil {
		return nil, ErrSchemaRequired
	}
	profile.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		name:       profile.Name,
		profile:    profile,
		logger:     logger.With(slog.String("component", "channel"), slog.String("channel", profile.Name)),
		correlator: correlator.New(logger),
		stan:       correlator.NewStanAllocator(),
		closeCh:    make(chan struct{}),
	}
	c.state.Store(uint32(netproto.StateDisconnected))
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the Channel's configured name, used as the Correlator's
// owning-channel key and in metrics/logging.
func (c *Channel) Name() string { return c.name }

// State returns the Channel's current protocol state.
func (c *Channel) State() netproto.State { return netproto.State(c.state.Load()) }

// Healthy reports whether the Channel is exported as usable by the pool
// (spec §4.2: "exported as healthy only when SIGNED_ON with both sockets
// up").
func (c *Channel) Healthy() bool { return c.State() == netproto.StateSignedOn }

// Connect opens both sockets in parallel and performs sign-on. It fails if
// either socket fails to open within the profile's connect timeout, or if
// sign-on is rejected or times out.
func (c *Channel) Connect(ctx context.Context) error {
	if !c.transition(netproto.EventConnect) {
		return fmt.Errorf("channel %s: connect from state %s: %w", c.name, c.State(), ErrNotConnected)
	}
	if err := c.openSockets(ctx); err != nil {
		c.transition(netproto.EventSocketError)
		return fmt.Errorf("channel %s: open sockets: %w", c.name, err)
	}
	c.transition(netproto.EventSocketsUp)

	go c.recvLoop()
	go c.idleLoop()

	signOnCtx, cancel := context.WithTimeout(ctx, c.profile.ResponseTimeout)
	defer cancel()
	return c.signOn(signOnCtx)
}

func (c *Channel) openSockets(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.profile.ConnectTimeout)
	defer cancel()

	if c.profile.Mode == ModeSingleSocket {
		conn, err := netio.Dial(dialCtx, c.profile.SendAddr, netio.WithConnectTimeout(c.profile.ConnectTimeout))
		if err != nil {
			return err
		}
		c.setSockets(conn, conn)
		return nil
	}

	var sendConn, recvConn net.Conn
	g, gctx := errgroup.WithContext(dialCtx)
	g.Go(func() error {
		conn, err := netio.Dial(gctx, c.profile.SendAddr, netio.WithConnectTimeout(c.profile.ConnectTimeout))
		if err != nil {
			return err
		}
		sendConn = conn
		return nil
	})
	g.Go(func() error {
		conn, err := netio.Dial(gctx, c.profile.ReceiveAddr, netio.WithConnectTimeout(c.profile.ConnectTimeout))
		if err != nil {
			return err
		}
		recvConn = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		if sendConn != nil {
			_ = sendConn.Close()
		}
		if recvConn != nil {
			_ = recvConn.Close()
		}
		return err
	}
	c.setSockets(sendConn, recvConn)
	return nil
}

func (c *Channel) setSockets(sendConn, recvConn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendConn, c.recvConn = sendConn, recvConn
	c.writer = netio.NewFrameWriter(sendConn)
	c.reader = netio.NewFrameReader(recvConn, c.profile.Schema.Header, iso8583.DefaultMaxFrameSize)
}

func (c *Channel) closeSockets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendConn != nil {
		_ = c.sendConn.Close()
	}
	if c.recvConn != nil && c.recvConn != c.sendConn {
		_ = c.recvConn.Close()
	}
	c.sendConn, c.recvConn, c.writer, c.reader = nil, nil, nil, nil
}

// signOn sends SIGN_ON_REQ and blocks until SIGN_ON_RSP arrives or ctx
// expires.
func (c *Channel) signOn(ctx context.Context) error {
	if !c.transition(netproto.EventSendSignOn) {
		return fmt.Errorf("channel %s: sign-on from state %s: %w", c.name, c.State(), ErrNotConnected)
	}

	stan, err := c.allocateSTAN(netMgmtSignOn)
	if err != nil {
		c.transition(netproto.EventSignOnRejected)
		return err
	}
	key := correlator.Key{STAN: stan, Secondary: netMgmtSignOn}
	future, err := c.correlator.Submit(key, c.name, deadlineFromContext(ctx, c.profile.ResponseTimeout))
	if err != nil {
		c.transition(netproto.EventSignOnRejected)
		return err
	}

	req := iso8583.NewMessage(mtiNetworkManagementRequest)
	req.Set(fieldSTAN, stan)
	req.Set(fieldNetworkManagementCode, netMgmtSignOn)
	if err := c.send(req); err != nil {
		c.correlator.Cancel(key)
		c.transition(netproto.EventSignOnRejected)
		return fmt.Errorf("channel %s: sign-on send: %w", c.name, err)
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		c.transition(netproto.EventSignOnRejected)
		return fmt.Errorf("channel %s: sign-on: %w", c.name, err)
	}
	if rc, _ := resp.Get(fieldResponseCode); rc != responseCodeOK {
		c.transition(netproto.EventSignOnRejected)
		return fmt.Errorf("channel %s: sign-on response code %q: %w", c.name, rc, ErrSignOnRejected)
	}
	c.transition(netproto.EventSignOnAccepted)
	return nil
}

// SendAndReceive submits req for transmission and blocks until its matched
// response arrives, ctx is cancelled, or the Channel fails mid-flight
// (spec §4.2 "sendAndReceive").
func (c *Channel) SendAndReceive(ctx context.Context, req *iso8583.Message) (*iso8583.Message, error) {
	if !netproto.UserTrafficAllowed(c.State()) {
		return nil, fmt.Errorf("channel %s state %s: %w", c.name, c.State(), ErrUserTrafficNotAllowed)
	}

	stan, err := c.allocateSTAN(c.profile.AcquirerID)
	if err != nil {
		return nil, err
	}
	req.Set(fieldSTAN, stan)

	key := correlator.Key{STAN: stan, Secondary: c.profile.AcquirerID}
	future, err := c.correlator.Submit(key, c.name, deadlineFromContext(ctx, c.profile.ResponseTimeout))
	if err != nil {
		return nil, err
	}

	if err := c.send(req); err != nil {
		c.correlator.Cancel(key)
		return nil, fmt.Errorf("channel %s: send: %w", c.name, err)
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		c.correlator.Cancel(key)
		return nil, err
	}
	return resp, nil
}

// SendOneWay transmits req without registering a correlator trace, for
// network-management messages that expect no synchronous response (spec
// §4.2 "sendOneWay": sign-off).
func (c *Channel) SendOneWay(_ context.Context, req *iso8583.Message) error {
	return c.send(req)
}

// Close flushes outstanding traces with ChannelClosed, attempts a
// best-effort sign-off, closes both sockets, and transitions to
// DISCONNECTED (spec §4.2 "close()").
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.State() == netproto.StateSignedOn {
			c.sendSignOff()
		}
		close(c.closeCh)
		c.closeSockets()
		c.correlator.CloseChannel(c.name)
		c.state.Store(uint32(netproto.StateDisconnected))
	})
	return nil
}

func (c *Channel) sendSignOff() {
	if !c.transition(netproto.EventSendSignOff) {
		return
	}
	req := iso8583.NewMessage(mtiNetworkManagementRequest)
	req.Set(fieldSTAN, "000000")
	req.Set(fieldNetworkManagementCode, netMgmtSignOff)
	if err := c.send(req); err != nil {
		c.logger.Warn("sign-off send failed", slog.String("error", err.Error()))
	}
}

func (c *Channel) allocateSTAN(secondary string) (string, error) {
	return c.stan.Allocate(func(stan string) bool {
		return c.correlator.InFlight(correlator.Key{STAN: stan, Secondary: secondary})
	})
}

func (c *Channel) send(msg *iso8583.Message) error {
	frame, err := iso8583.Encode(msg, c.profile.Schema)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}

	if err := writer.WriteFrame(frame, time.Now().Add(c.profile.ResponseTimeout)); err != nil {
		if !c.closed.Load() {
			c.transition(netproto.EventSocketError)
		}
		return err
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// recvLoop continuously reads frames off the receive socket and dispatches
// them to the correlator or the protocol engine until the socket errors or
// the Channel closes.
func (c *Channel) recvLoop() {
	for {
		c.mu.Lock()
		reader := c.reader
		c.mu.Unlock()
		if reader == nil {
			return
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("receive socket error", slog.String("error", err.Error()))
				c.transition(netproto.EventSocketError)
			}
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		msg, err := iso8583.Decode(frame, c.profile.Schema)
		if err != nil {
			c.logger.Warn("decode error", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg *iso8583.Message) {
	stan, _ := msg.Get(fieldSTAN)
	if fn, ok := msg.Get(fieldNetworkManagementCode); ok {
		c.handleNetMgmt(msg, stan, fn)
		return
	}
	key := correlator.Key{STAN: stan, Secondary: c.profile.AcquirerID}
	if err := c.correlator.Complete(key, msg); err != nil {
		c.logger.Warn("unmatched response", slog.String("stan", stan))
	}
}

func (c *Channel) handleNetMgmt(msg *iso8583.Message, stan, fn string) {
	key := correlator.Key{STAN: stan, Secondary: fn}
	matched := c.correlator.Complete(key, msg) == nil

	switch fn {
	case netMgmtSignOff:
		c.transition(netproto.EventSignOffConfirmed)
	case netMgmtEcho:
		if rc, _ := msg.Get(fieldResponseCode); rc == responseCodeOK {
			c.echoFailures.Store(0)
		}
	}

	if !matched && fn != netMgmtSignOff {
		c.logger.Warn("unmatched network-management response", slog.String("function", fn))
	}
}

// idleLoop emits an echo test when no traffic has crossed the Channel for
// the configured idle interval, and forces the Channel to FAILED after
// MaxEchoFailures consecutive echo failures (spec §4.2 "Idle/liveness"). It
// also sweeps the Channel's own Correlator for entries past their deadline,
// a backstop against a SendAndReceive caller whose ctx never completes.
func (c *Channel) idleLoop() {
	ticker := time.NewTicker(c.profile.IdleInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			if n := c.correlator.Expire(time.Now()); n > 0 {
				c.logger.Warn("expired stale correlator entries", slog.Int("count", n))
			}
			if c.State() != netproto.StateSignedOn {
				continue
			}
			if time.Since(time.Unix(0, c.lastActivity.Load())) < c.profile.IdleInterval {
				continue
			}
			c.sendEcho()
		}
	}
}

func (c *Channel) sendEcho() {
	ctx, cancel := context.WithTimeout(context.Background(), c.profile.ResponseTimeout)
	defer cancel()

	stan, err := c.allocateSTAN(netMgmtEcho)
	if err != nil {
		c.logger.Warn("echo: stan allocation failed", slog.String("error", err.Error()))
		return
	}
	key := correlator.Key{STAN: stan, Secondary: netMgmtEcho}
	future, err := c.correlator.Submit(key, c.name, deadlineFromContext(ctx, c.profile.ResponseTimeout))
	if err != nil {
		return
	}

	req := iso8583.NewMessage(mtiNetworkManagementRequest)
	req.Set(fieldSTAN, stan)
	req.Set(fieldNetworkManagementCode, netMgmtEcho)
	if err := c.send(req); err != nil {
		c.correlator.Cancel(key)
		c.recordEchoFailure()
		return
	}
	if _, err := future.Wait(ctx); err != nil {
		c.recordEchoFailure()
	}
}

func (c *Channel) recordEchoFailure() {
	n := c.echoFailures.Add(1)
	c.logger.Warn("echo test failed", slog.Int("consecutive_failures", int(n)))
	if int(n) >= c.profile.MaxEchoFailures {
		c.transition(netproto.EventSocketError)
	}
}

// transition applies event to the FSM, updates state, runs the resulting
// actions, and notifies subscribers. It returns whether the event produced
// a state change (an unlisted (state, event) pair leaves the state
// unchanged and returns false).
func (c *Channel) transition(event netproto.Event) bool {
	old := c.State()
	result := netproto.ApplyEvent(old, event)
	if result.Changed {
		c.state.Store(uint32(result.NewState))
		c.logger.Info("state changed",
			slog.String("old", old.String()),
			slog.String("new", result.NewState.String()),
			slog.String("event", event.String()),
		)
	}
	for _, action := range result.Actions {
		c.runAction(action)
	}
	if c.notifyCh != nil && result.Changed {
		change := netproto.StateChange{Channel: c.name, OldState: old, NewState: result.NewState, At: time.Now()}
		select {
		case c.notifyCh <- change:
		default:
			c.logger.Warn("notify channel full, dropping state change")
		}
	}
	return result.Changed
}

func (c *Channel) runAction(a netproto.Action) {
	switch a {
	case netproto.ActionFlushTracesChannelClosed:
		if n := c.correlator.CloseChannel(c.name); n > 0 {
			c.logger.Info("flushed in-flight traces", slog.Int("count", n))
		}
	case netproto.ActionScheduleReconnect:
		if !c.closed.Load() {
			go c.scheduleReconnect()
		}
	}
}

// scheduleReconnect retries Connect with exponential backoff until it
// succeeds or the Channel is closed (spec §4.2 "Failure semantics").
func (c *Channel) scheduleReconnect() {
	backoff := c.profile.BackoffInitial
	for {
		select {
		case <-c.closeCh:
			return
		case <-time.After(backoff):
		}

		if c.closed.Load() {
			return
		}
		if !c.transition(netproto.EventBackoffElapsed) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.profile.ConnectTimeout)
		err := c.openSockets(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect failed", slog.String("error", err.Error()))
			c.transition(netproto.EventSocketError)
			backoff = nextBackoff(backoff, c.profile.BackoffMax, c.profile.BackoffMultiplier)
			continue
		}
		c.transition(netproto.EventSocketsUp)
		go c.recvLoop()
		go c.idleLoop()

		signOnCtx, signOnCancel := context.WithTimeout(context.Background(), c.profile.ResponseTimeout)
		err = c.signOn(signOnCtx)
		signOnCancel()
		if err != nil {
			c.logger.Warn("reconnect sign-on failed", slog.String("error", err.Error()))
			backoff = nextBackoff(backoff, c.profile.BackoffMax, c.profile.BackoffMultiplier)
			continue
		}
		return
	}
}

func nextBackoff(cur, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(cur) * multiplier)
	if next <= 0 || next > max {
		return max
	}
	return next
}

func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}
