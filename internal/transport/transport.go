// Package transport implements the bidirectional-byte-stream abstraction
// the rest of this module builds on. The core is written against the
// Transport interface only; the concrete TLS and WebSocket implementations
// in this package are interchangeable variants that yield the same Stream
// contract.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Stream is an ordered, reliable, bidirectional, confidential byte stream.
// Any net.Conn already satisfies it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener accepts inbound Streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
	Addr() string
}

// Transport is the capability every concrete implementation provides:
// connect (client side) and accept (server side), both yielding a Stream.
type Transport interface {
	// Dial connects to addr and returns a Stream once the handshake
	// completes, or a *terr.Error of KindTransport on failure.
	Dial(ctx context.Context, addr string) (Stream, error)
	// Listen binds addr and returns a Listener. A certificate the
	// implementation needs but cannot load is a *terr.Error of KindConfig;
	// a failed bind is returned as a wrapped error carrying the net.Listen
	// cause, not as a *terr.Error.
	Listen(addr string) (Listener, error)
}

// Options configures every Transport implementation. Fields not relevant
// to a given implementation are ignored, so the config surface stays
// forward compatible as new transports gain new fields.
type Options struct {
	AuthKey     string
	SkipVerify  bool // client, dev-only
	CertFile    string
	KeyFile     string
	CACertFile  string
	ServerName  string // SNI override for the TLS client
	BehindProxy bool   // http2/wss only: disables TLS termination
	ServerPath  string // http2/wss only: visitor-side URL sub-path
	DialTimeout time.Duration
}
