package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/varphone/tls-tunnel/internal/terr"
)

// WebSocketTransport is the binary-frame WebSocket transport. It satisfies
// the same Transport interface as TLSTransport: callers cannot tell which
// one they are holding. When opts.BehindProxy is true, TLS termination is
// assumed to happen upstream (a reverse proxy in front of this process)
// and the listener serves plain ws:// instead of wss://.
type WebSocketTransport struct {
	opts Options
}

// NewWebSocket builds a WebSocketTransport from opts.
func NewWebSocket(opts Options) *WebSocketTransport {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &WebSocketTransport{opts: opts}
}

func (t *WebSocketTransport) secure() bool {
	return !t.opts.BehindProxy && t.opts.CertFile != ""
}

func (t *WebSocketTransport) path() string {
	if t.opts.ServerPath != "" {
		return t.opts.ServerPath
	}
	return "/"
}

// Dial opens a WebSocket connection and wraps it as a Stream.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (Stream, error) {
	scheme := "ws"
	if !t.opts.BehindProxy && !t.opts.SkipVerify && t.opts.CACertFile != "" {
		scheme = "wss"
	}
	if t.opts.ServerName != "" || t.opts.SkipVerify {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, t.path())

	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.DialTimeout,
	}
	if scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: t.opts.SkipVerify,
			ServerName:         t.opts.ServerName,
		}
		if t.opts.CACertFile != "" {
			if pool, err := loadCAPool(t.opts.CACertFile); err == nil {
				dialer.TLSClientConfig.RootCAs = pool
			}
		}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, terr.Wrap(terr.KindTransport, err, "websocket dial %s", url)
	}
	return &wsStream{conn: conn}, nil
}

// Listen binds addr and serves an HTTP endpoint that upgrades every request
// to a WebSocket connection, handing each one to the returned Listener.
func (t *WebSocketTransport) Listen(addr string) (Listener, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ln := &wsListener{
		connCh: make(chan Stream, 64),
		addr:   addr,
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.path(), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case ln.connCh <- &wsStream{conn: conn}:
		case <-ln.closed:
			conn.Close()
		}
	})

	rawLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind websocket listener")
	}

	server := &http.Server{Handler: mux}
	ln.server = server

	if t.secure() {
		cert, err := tls.LoadX509KeyPair(t.opts.CertFile, t.opts.KeyFile)
		if err != nil {
			rawLn.Close()
			return nil, terr.Wrap(terr.KindConfig, err, "load TLS certificate for wss transport")
		}
		server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		go server.ServeTLS(rawLn, "", "")
	} else {
		go server.Serve(rawLn)
	}

	return ln, nil
}

type wsListener struct {
	connCh chan Stream
	server *http.Server
	addr   string
	closed chan struct{}
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, terr.New(terr.KindTransport, "websocket listener closed")
	case c, ok := <-l.connCh:
		if !ok {
			return nil, terr.New(terr.KindTransport, "websocket listener closed")
		}
		return c, nil
	}
}

func (l *wsListener) Close() error {
	close(l.closed)
	return l.server.Close()
}

func (l *wsListener) Addr() string { return l.addr }

// wsStream adapts a gorilla/websocket connection to the Stream contract,
// buffering a partially-consumed message across Read calls.
type wsStream struct {
	conn    *websocket.Conn
	readBuf []byte
}

func (c *wsStream) Read(b []byte) (int, error) {
	if len(c.readBuf) > 0 {
		n := copy(b, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(data) {
		c.readBuf = data[n:]
	}
	return n, nil
}

func (c *wsStream) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsStream) Close() error { return c.conn.Close() }

func (c *wsStream) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsStream) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsStream) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsStream) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsStream) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
