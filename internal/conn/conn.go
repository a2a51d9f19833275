// Package conn defines the narrow interfaces the proxy core consumes from
// the surrounding connection layer. The core never does raw
// socket I/O itself: it asks a Dialer to open a connection, and it holds
// connections only through the small ServerConn wrapper below. Real socket
// handling, protocol framing, and the event loop live outside this
// package; ServerConn here is the thinnest wrapper that lets the core track
// per-connection health without owning the framing.
package conn

import (
	"context"
	"net"
	"time"
)

// Dialer opens a connection to a backend server. NetDialer is the only
// production implementation; tests use a fake that never touches the
// network.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// NetDialer dials real TCP or UNIX sockets with a fixed timeout.
type NetDialer struct {
	Timeout time.Duration
}

// Dial opens addr as TCP, or as a UNIX socket if addr looks like an
// absolute filesystem path.
func (d NetDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	network := "tcp"
	if len(addr) > 0 && addr[0] == '/' {
		network = "unix"
	}
	dialer := &net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, addr)
}

// State is the health state of one server connection as tracked by the
// core. The core does not interpret protocol bytes; the connection layer
// reports a failed I/O via MarkError. Nothing in this package moves a
// connection back to StateIdle.
type State uint8

const (
	// StateIdle: open and not known to be broken.
	StateIdle State = iota
	// StateError: the last I/O on this connection failed; it must be
	// closed and not reused.
	StateError
)

// ServerConn is one pooled connection to a backend server. It carries the
// raw net.Conn plus the bookkeeping the core needs (round-robin position
// is tracked by the owning pool, not here).
type ServerConn struct {
	Conn net.Conn
	State State
}

// MarkError flips this connection to StateError; callers must not hand it
// out again and should Close it.
func (c *ServerConn) MarkError() { c.State = StateError }

// Close closes the underlying connection.
func (c *ServerConn) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
