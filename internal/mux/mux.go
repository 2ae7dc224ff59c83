// Package mux implements the session multiplexer on top of
// github.com/xtaci/smux, turning one transport connection into many
// independent, flow-controlled substreams.
package mux

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/varphone/tls-tunnel/internal/terr"
)

// Substream is the bidirectional-byte-stream contract every substream
// implements, identical to the transport-level Stream contract.
type Substream interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// Options configures the underlying smux.Config, mirroring the fields the
// teacher exposes on SMUXConfig.
type Options struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	MaxFrameSize      int
	MaxReceiveBuffer  int
	MaxStreamBuffer   int
	Version           int
}

// DefaultOptions is a balanced profile suitable for most deployments.
func DefaultOptions() Options {
	return Options{
		KeepAliveInterval: 8 * time.Second,
		KeepAliveTimeout:  24 * time.Second,
		MaxFrameSize:      32768,
		MaxReceiveBuffer:  8 << 20,
		MaxStreamBuffer:   8 << 20,
		Version:           2,
	}
}

func (o Options) smuxConfig() *smux.Config {
	c := smux.DefaultConfig()
	if o.Version != 0 {
		c.Version = o.Version
	}
	if o.KeepAliveInterval != 0 {
		c.KeepAliveInterval = o.KeepAliveInterval
	}
	if o.KeepAliveTimeout != 0 {
		c.KeepAliveTimeout = o.KeepAliveTimeout
	}
	if o.MaxFrameSize != 0 {
		c.MaxFrameSize = o.MaxFrameSize
	}
	if o.MaxReceiveBuffer != 0 {
		c.MaxReceiveBuffer = o.MaxReceiveBuffer
	}
	if o.MaxStreamBuffer != 0 {
		c.MaxStreamBuffer = o.MaxStreamBuffer
	}
	return c
}

// Multiplexer binds one underlying transport connection into many
// substreams. Open(active=true) designates this side the active opener
// (client); Open(active=false) designates it the passive opener (server).
type Multiplexer struct {
	sess *smux.Session
}

// Open wraps conn in an smux session. active selects smux.Client (the
// session that is allowed to initiate stream ids first) vs smux.Server.
func Open(conn net.Conn, active bool, opts Options) (*Multiplexer, error) {
	cfg := opts.smuxConfig()
	var sess *smux.Session
	var err error
	if active {
		sess, err = smux.Client(conn, cfg)
	} else {
		sess, err = smux.Server(conn, cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open multiplexer session")
	}
	return &Multiplexer{sess: sess}, nil
}

// OpenSubstream opens a new substream. It fails with a KindTransport error
// (MuxClosed-equivalent) if the underlying transport connection is gone.
func (m *Multiplexer) OpenSubstream() (Substream, error) {
	s, err := m.sess.OpenStream()
	if err != nil {
		return nil, terr.Wrap(terr.KindTransport, err, "MuxClosed: open substream")
	}
	return s, nil
}

// NextIncomingSubstream blocks until a peer-initiated substream arrives, or
// returns an error once the session is closed (end-of-stream).
func (m *Multiplexer) NextIncomingSubstream() (Substream, error) {
	s, err := m.sess.AcceptStream()
	if err != nil {
		return nil, terr.Wrap(terr.KindTransport, err, "multiplexer session closed")
	}
	return s, nil
}

// Close tears down every substream and the underlying session.
func (m *Multiplexer) Close() error {
	return m.sess.Close()
}

// IsClosed reports whether the underlying session has already terminated.
func (m *Multiplexer) IsClosed() bool {
	return m.sess.IsClosed()
}

// NumStreams returns the number of currently open substreams, used by
// tests asserting active connection counts return to zero once every
// substream closes.
func (m *Multiplexer) NumStreams() int {
	return m.sess.NumStreams()
}
