package server

import (
	"net"

	"github.com/varphone/tls-tunnel/internal/transport"
)

// setNoDelay disables Nagle's algorithm on the underlying TCP connection
// when one is reachable, which matters most for interactive proxies like
// ssh. It is a no-op for transports (e.g. WebSocket behind a proxy) where
// no raw TCP connection is reachable from here.
func setNoDelay(s transport.Stream) {
	type netConner interface {
		NetConn() net.Conn
	}
	var conn net.Conn = s
	if nc, ok := s.(netConner); ok {
		conn = nc.NetConn()
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
