package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoListener indicates Serve was called before Listen.
var ErrNoListener = errors.New("netio: listener not started")

// ConnHandler processes one accepted connection until it closes or ctx is
// cancelled. Implemented by internal/terminator for the C10 terminator.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound TCP connections and dispatches each to a
// ConnHandler in its own goroutine (spec §4.10 "Server terminator").
type Listener struct {
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{ln: ln, logger: logger.With(slog.String("component", "netio.listener"))}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled, handing each to handler
// in its own goroutine. After ctx is cancelled Serve returns nil; any
// other accept error is returned.
func (l *Listener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netio: accept: %w", err)
		}
		go handler(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return ErrNoListener
	}
	return l.ln.Close()
}
