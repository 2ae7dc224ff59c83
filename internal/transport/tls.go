package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/varphone/tls-tunnel/internal/terr"
)

// TLSTransport is the default transport: TLS 1.3 over TCP. The server side
// requires a certificate/key pair; the client side optionally pins a CA
// and can skip verification for development.
type TLSTransport struct {
	opts Options
}

// NewTLS builds a TLSTransport from opts.
func NewTLS(opts Options) *TLSTransport {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &TLSTransport{opts: opts}
}

func (t *TLSTransport) clientConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: t.opts.SkipVerify,
		ServerName:         t.opts.ServerName,
	}
	if t.opts.CACertFile != "" {
		pool, err := loadCAPool(t.opts.CACertFile)
		if err == nil {
			cfg.RootCAs = pool
		}
	}
	return cfg
}

// Dial connects to addr and completes a TLS 1.3 handshake. Failures carry
// enough context (address, underlying cause) to diagnose without a packet
// capture.
func (t *TLSTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	dialer := &net.Dialer{Timeout: t.opts.DialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, terr.Wrap(terr.KindTransport, err, "dial %s", addr)
	}
	conn := tls.Client(rawConn, t.clientConfig())
	if err := conn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, terr.Wrap(terr.KindTransport, err, "TLS handshake with %s failed (server_name=%q, skip_verify=%v)", addr, t.opts.ServerName, t.opts.SkipVerify)
	}
	return conn, nil
}

// Listen binds addr and returns a Listener that yields a Stream per
// completed TLS handshake. It fails with a KindConfig error if the
// certificate/key cannot be loaded.
func (t *TLSTransport) Listen(addr string) (Listener, error) {
	if t.opts.CertFile == "" || t.opts.KeyFile == "" {
		return nil, terr.New(terr.KindConfig, "TLS transport requires cert_path and key_path")
	}
	cert, err := tls.LoadX509KeyPair(t.opts.CertFile, t.opts.KeyFile)
	if err != nil {
		return nil, terr.Wrap(terr.KindConfig, err, "load TLS certificate %s/%s", t.opts.CertFile, t.opts.KeyFile)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind TLS listener")
	}
	tlsLn := tls.NewListener(ln, &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	})
	return &tlsListener{ln: tlsLn, addr: addr}, nil
}

type tlsListener struct {
	ln   net.Listener
	addr string
}

func (l *tlsListener) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, terr.Wrap(terr.KindTransport, r.err, "accept TLS connection")
		}
		if tc, ok := r.conn.(*tls.Conn); ok {
			// Surface SNI/cert-subject mismatches at handshake time rather
			// than on the first read; a handshake that has not finished
			// within 30 seconds fails.
			hsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := tc.HandshakeContext(hsCtx)
			cancel()
			if err != nil {
				tc.Close()
				return nil, terr.Wrap(terr.KindTransport, err, "TLS handshake from %s failed", r.conn.RemoteAddr())
			}
		}
		return r.conn, nil
	}
}

func (l *tlsListener) Close() error { return l.ln.Close() }
func (l *tlsListener) Addr() string { return l.addr }
