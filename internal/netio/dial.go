package netio

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialOption configures an outbound TCP connection.
type DialOption func(*dialConfig)

type dialConfig struct {
	connectTimeout time.Duration
	keepAlive      time.Duration
}

// WithConnectTimeout bounds how long Dial waits for the TCP handshake
// (spec §6 "channel profile {... connectTimeout ...}").
func WithConnectTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.connectTimeout = d }
}

// WithKeepAlive sets the TCP keep-alive probe interval.
func WithKeepAlive(d time.Duration) DialOption {
	return func(c *dialConfig) { c.keepAlive = d }
}

// Dial opens one TCP connection to addr, used for both the send socket and
// the receive socket of a dual-channel link (spec §4.2).
func Dial(ctx context.Context, addr string, opts ...DialOption) (net.Conn, error) {
	cfg := dialConfig{connectTimeout: 5 * time.Second, keepAlive: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer cancel()

	d := net.Dialer{KeepAlive: cfg.keepAlive}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: dial %s: %w", addr, err)
	}
	return conn, nil
}
